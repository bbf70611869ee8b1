package console

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"vci/server/internal/dispatch"
	"vci/server/internal/plugin"
	"vci/server/internal/proto"
	"vci/server/internal/session"
)

func newRunningServer(t *testing.T) (*session.Server, context.CancelFunc) {
	t.Helper()
	disp := dispatch.New(8)
	s := session.NewServer(disp, plugin.NewRegistry(), "test-server", "secret")
	ctx, cancel := context.WithCancel(context.Background())
	go disp.Run(ctx)
	return s, cancel
}

func TestNetstatReportsServerName(t *testing.T) {
	s, cancel := newRunningServer(t)
	defer cancel()

	var out bytes.Buffer
	c := New(s, nil, &out)
	if _, quit := c.Dispatch(context.Background(), "netstat"); quit {
		t.Fatal("netstat should not quit")
	}
	if !strings.Contains(out.String(), "server=test-server") {
		t.Fatalf("netstat output = %q, want it to mention the server name", out.String())
	}
}

func TestListClientsEmpty(t *testing.T) {
	s, cancel := newRunningServer(t)
	defer cancel()

	var out bytes.Buffer
	c := New(s, nil, &out)
	c.Dispatch(context.Background(), "listClients")
	if !strings.Contains(out.String(), "no clients connected") {
		t.Fatalf("listClients output = %q", out.String())
	}
}

func TestDisconnectClientUnknownID(t *testing.T) {
	s, cancel := newRunningServer(t)
	defer cancel()

	var out bytes.Buffer
	c := New(s, nil, &out)
	c.Dispatch(context.Background(), "disconnectClient 42")
	if !strings.Contains(out.String(), "no such client: 42") {
		t.Fatalf("disconnectClient output = %q", out.String())
	}
}

func TestQuitReturnsExitCodeZero(t *testing.T) {
	s, cancel := newRunningServer(t)
	defer cancel()

	var out bytes.Buffer
	c := New(s, nil, &out)
	code, quit := c.Dispatch(context.Background(), "quit")
	if !quit || code != 0 {
		t.Fatalf("quit = (%d, %v), want (0, true)", code, quit)
	}
}

func TestUnknownCommandIsReportedNotFatal(t *testing.T) {
	s, cancel := newRunningServer(t)
	defer cancel()

	var out bytes.Buffer
	c := New(s, nil, &out)
	_, quit := c.Dispatch(context.Background(), "frobnicate")
	if quit {
		t.Fatal("an unrecognized command must not quit the console")
	}
	if !strings.Contains(out.String(), "unknown command: frobnicate") {
		t.Fatalf("output = %q", out.String())
	}
}

type fakePlugin struct{ name string }

func (f *fakePlugin) Name() string                               { return f.name }
func (f *fakePlugin) Version() (uint16, uint16)                  { return 1, 0 }
func (f *fakePlugin) NumClientMessages() uint16                  { return 2 }
func (f *fakePlugin) NumServerMessages() uint16                  { return 2 }
func (f *fakePlugin) SetMessageBases(proto.MessageID, proto.MessageID) {}
func (f *fakePlugin) Start() error                               { return nil }
func (f *fakePlugin) ClientConnected(proto.ClientID)             {}
func (f *fakePlugin) ClientDisconnected(proto.ClientID)          {}

func TestLoadListUnloadPlugin(t *testing.T) {
	s, cancel := newRunningServer(t)
	defer cancel()
	s.Registry().RegisterFactory("Widget", func() plugin.Server { return &fakePlugin{name: "Widget"} })

	var out bytes.Buffer
	c := New(s, nil, &out)

	c.Dispatch(context.Background(), "loadPlugin Widget 1")
	if !strings.Contains(out.String(), "loaded Widget v1.0") {
		t.Fatalf("loadPlugin output = %q", out.String())
	}

	out.Reset()
	c.Dispatch(context.Background(), "listPlugins")
	if !strings.Contains(out.String(), "Widget v1.0") {
		t.Fatalf("listPlugins output = %q", out.String())
	}

	out.Reset()
	c.Dispatch(context.Background(), "unloadPlugin Widget 1")
	if !strings.Contains(out.String(), "unloaded Widget v1") {
		t.Fatalf("unloadPlugin output = %q", out.String())
	}
}

type fakeKoinonia struct {
	objects map[string]string
}

func (f *fakeKoinonia) ListObjects() []string {
	out := make([]string, 0, len(f.objects))
	for k := range f.objects {
		out = append(out, k)
	}
	return out
}
func (f *fakeKoinonia) PrintObject(name string) (string, bool) {
	v, ok := f.objects[name]
	return v, ok
}
func (f *fakeKoinonia) DeleteObject(name string) bool {
	if _, ok := f.objects[name]; !ok {
		return false
	}
	delete(f.objects, name)
	return true
}
func (f *fakeKoinonia) SaveObject(context.Context, string) error   { return nil }
func (f *fakeKoinonia) LoadObject(context.Context, string) error   { return nil }
func (f *fakeKoinonia) ListNamespaces() []string                  { return nil }
func (f *fakeKoinonia) PrintNamespace(string) (string, bool)       { return "", false }
func (f *fakeKoinonia) DeleteNamespace(string) bool                { return false }
func (f *fakeKoinonia) SaveNamespace(context.Context, string) error { return nil }
func (f *fakeKoinonia) LoadNamespace(context.Context, string) error { return nil }

func TestKoinoniaCommandsRequireItToBeLoaded(t *testing.T) {
	s, cancel := newRunningServer(t)
	defer cancel()

	var out bytes.Buffer
	c := New(s, nil, &out)
	c.Dispatch(context.Background(), "listObjects")
	if !strings.Contains(out.String(), "Koinonia is not loaded") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestKoinoniaPrintAndDeleteObject(t *testing.T) {
	s, cancel := newRunningServer(t)
	defer cancel()

	var out bytes.Buffer
	c := New(s, nil, &out)
	c.SetKoinonia(&fakeKoinonia{objects: map[string]string{"score": "42"}})

	c.Dispatch(context.Background(), "printObject score")
	if !strings.Contains(out.String(), "42") {
		t.Fatalf("printObject output = %q", out.String())
	}

	out.Reset()
	c.Dispatch(context.Background(), "deleteObject score")
	if !strings.Contains(out.String(), "deleted object score") {
		t.Fatalf("deleteObject output = %q", out.String())
	}

	out.Reset()
	c.Dispatch(context.Background(), "printObject score")
	if !strings.Contains(out.String(), "no such object") {
		t.Fatalf("printObject after delete = %q", out.String())
	}
}

func TestDispatchViaFifoLikeStdin(t *testing.T) {
	s, cancel := newRunningServer(t)
	defer cancel()

	var out bytes.Buffer
	c := New(s, nil, &out)
	stdin := strings.NewReader("netstat\nquit\n")

	code := c.Run(context.Background(), stdin, "")
	if code != 0 {
		t.Fatalf("Run exit code = %d, want 0", code)
	}
	if !strings.Contains(out.String(), "server=test-server") {
		t.Fatalf("Run output missing netstat line: %q", out.String())
	}
}

func TestHTTPStatusAndMetrics(t *testing.T) {
	s, cancel := newRunningServer(t)
	defer cancel()

	h := NewHTTPStatus(s)
	ts := httptest.NewServer(h.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var status statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.ServerName != "test-server" {
		t.Fatalf("ServerName = %q, want test-server", status.ServerName)
	}

	metricsResp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer metricsResp.Body.Close()
	var metrics metricsResponse
	if err := json.NewDecoder(metricsResp.Body).Decode(&metrics); err != nil {
		t.Fatal(err)
	}
}

func TestRunExitsOnContextCancellation(t *testing.T) {
	s, cancel := newRunningServer(t)
	defer cancel()

	var out bytes.Buffer
	c := New(s, nil, &out)

	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancelRun := context.WithCancel(context.Background())
	resultCh := make(chan int, 1)
	go func() { resultCh <- c.Run(ctx, pr, "") }()

	time.Sleep(10 * time.Millisecond)
	cancelRun()

	select {
	case code := <-resultCh:
		if code != 0 {
			t.Fatalf("exit code = %d, want 0", code)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
