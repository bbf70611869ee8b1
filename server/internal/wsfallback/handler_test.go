package wsfallback

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"vci/server/internal/wire"
)

func startTestServer(t *testing.T, onMessage MessageHandler) (*echo.Echo, string) {
	t.Helper()
	e := echo.New()
	h := NewHandler(func(s *Session) (MessageHandler, CloseHandler) {
		return onMessage, func(error) {}
	})
	h.Register(e)

	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/vci-fallback"
	return e, url
}

func TestFallbackRoundTrip(t *testing.T) {
	var (
		mu  sync.Mutex
		got []*wire.MessageBuffer
	)
	_, url := startTestServer(t, func(m *wire.MessageBuffer) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	m := wire.NewMessageBufferFromBody(wire.MessageID(3), []byte("ping"))
	if err := conn.WriteMessage(websocket.BinaryMessage, m.Raw()); err != nil {
		t.Fatal(err)
	}
	m.Unref()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if got[0].ID() != wire.MessageID(3) {
		t.Fatalf("ID = %d, want 3", got[0].ID())
	}
	if string(got[0].Body()) != "ping" {
		t.Fatalf("body = %q, want %q", got[0].Body(), "ping")
	}
}
