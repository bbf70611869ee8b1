// Package console implements the operator console: commands arrive as
// whitespace-separated text over stdin (and, optionally, a named FIFO for
// scripted control), and anything that touches client or session state is
// run on the session dispatcher goroutine via session.Server.RunOnLoop —
// the same off-loop-goroutine -> Post -> on-loop-handler pattern the wire
// protocol itself uses, just fed by a human instead of a socket.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"vci/server/internal/plugin"
	"vci/server/internal/proto"
	"vci/server/internal/session"
	"vci/server/internal/store"
)

// Koinonia is the subset of *koinonia.Server the console dispatches to. It
// is declared here, not imported as a concrete type, so Console has no
// build dependency on a plug-in that might never be loaded.
type Koinonia interface {
	ListObjects() []string
	PrintObject(name string) (string, bool)
	DeleteObject(name string) bool
	SaveObject(ctx context.Context, name string) error
	LoadObject(ctx context.Context, name string) error
	ListNamespaces() []string
	PrintNamespace(name string) (string, bool)
	DeleteNamespace(name string) bool
	SaveNamespace(ctx context.Context, name string) error
	LoadNamespace(ctx context.Context, name string) error
}

// Console owns the operator-facing command surface for one running server
// process.
type Console struct {
	server   *session.Server
	registry *plugin.Registry
	db       *store.Store // nil if no password persistence is configured
	out      io.Writer

	mu       sync.Mutex
	koinonia Koinonia // nil until SetKoinonia is called
}

// New creates a Console bound to server. db may be nil, in which case
// setPassword changes the in-memory password only.
func New(server *session.Server, db *store.Store, out io.Writer) *Console {
	return &Console{server: server, registry: server.Registry(), db: db, out: out}
}

// SetKoinonia attaches a loaded Koinonia plug-in, enabling its console
// extension commands. Safe to call concurrently with Run.
func (c *Console) SetKoinonia(k Koinonia) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.koinonia = k
}

func (c *Console) getKoinonia() (Koinonia, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.koinonia, c.koinonia != nil
}

// Run reads commands from stdin, and from fifoPath if non-empty, until
// every input source is exhausted, a "quit" command is entered, or ctx is
// cancelled. It returns the process exit code: 0 for quit or a clean
// shutdown, 1 if fifoPath was given but could not be opened.
func (c *Console) Run(ctx context.Context, stdin io.Reader, fifoPath string) int {
	lines := make(chan string)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		scanLines(stdin, lines)
	}()

	if fifoPath != "" {
		f, err := os.OpenFile(fifoPath, os.O_RDONLY, os.ModeNamedPipe)
		if err != nil {
			fmt.Fprintf(c.out, "console: failed to open command fifo %q: %v\n", fifoPath, err)
			return 1
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer f.Close()
			scanLines(f, lines)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			return 0
		case <-done:
			return 0
		case line := <-lines:
			if code, quit := c.Dispatch(ctx, line); quit {
				return code
			}
		}
	}
}

func scanLines(r io.Reader, out chan<- string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		out <- sc.Text()
	}
}

// Dispatch runs one command line. The bool return is true when the command
// was "quit"; the int is the exit code to use in that case. Exported so a
// caller embedding Console in another input loop (a GUI command box, a test)
// can drive it directly instead of going through Run.
func (c *Console) Dispatch(ctx context.Context, line string) (exitCode int, quit bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, false
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit":
		return 0, true

	case "setPassword":
		pw := ""
		if len(args) > 0 {
			pw = args[0]
		}
		c.server.SetPassword(pw)
		if c.db != nil {
			if err := c.db.SavePassword(ctx, pw); err != nil {
				fmt.Fprintf(c.out, "setPassword: persist failed: %v\n", err)
				return 0, false
			}
		}
		fmt.Fprintln(c.out, "password updated")

	case "netstat":
		var stat session.NetStat
		c.server.RunOnLoop(func() { stat = c.server.Stat() })
		fmt.Fprintf(c.out, "server=%s clients=%d uptime=%s queue=%d datagrams_in=%d datagrams_out=%d\n",
			stat.ServerName, stat.ClientCount, stat.Uptime, stat.DispatchQueue, stat.DatagramsIn, stat.DatagramsOut)

	case "listClients":
		var clients []session.ClientInfo
		c.server.RunOnLoop(func() { clients = c.server.Clients() })
		if len(clients) == 0 {
			fmt.Fprintln(c.out, "no clients connected")
			break
		}
		for _, cl := range clients {
			fmt.Fprintf(c.out, "  [%d] %s (connected %s)\n", cl.ID, cl.Name, cl.ConnectedAt.Format("15:04:05"))
		}

	case "disconnectClient":
		if len(args) < 1 {
			fmt.Fprintln(c.out, "usage: disconnectClient <id>")
			break
		}
		id, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			fmt.Fprintf(c.out, "disconnectClient: bad id %q: %v\n", args[0], err)
			break
		}
		var ok bool
		c.server.RunOnLoop(func() { ok = c.server.DisconnectClient(proto.ClientID(id)) })
		if ok {
			fmt.Fprintf(c.out, "disconnected client %d\n", id)
		} else {
			fmt.Fprintf(c.out, "no such client: %d\n", id)
		}

	case "listPlugins":
		loaded := c.registry.All()
		if len(loaded) == 0 {
			fmt.Fprintln(c.out, "no plug-ins loaded")
			break
		}
		for _, l := range loaded {
			fmt.Fprintf(c.out, "  %s v%d.%d (index %d, client base %d, server base %d)\n",
				l.Plugin.Name(), l.Major, l.Minor, l.ServerIndex, l.ClientMessageBase, l.ServerMessageBase)
		}

	case "loadPlugin":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: loadPlugin <name> <major>")
			break
		}
		major, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			fmt.Fprintf(c.out, "loadPlugin: bad major version %q: %v\n", args[1], err)
			break
		}
		l, err := c.registry.Load(args[0], uint16(major))
		if err != nil {
			fmt.Fprintf(c.out, "loadPlugin: %v\n", err)
			break
		}
		fmt.Fprintf(c.out, "loaded %s v%d.%d\n", l.Plugin.Name(), l.Major, l.Minor)

	case "unloadPlugin":
		if len(args) < 2 {
			fmt.Fprintln(c.out, "usage: unloadPlugin <name> <major>")
			break
		}
		major, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			fmt.Fprintf(c.out, "unloadPlugin: bad major version %q: %v\n", args[1], err)
			break
		}
		if c.registry.Unload(args[0], uint16(major)) {
			fmt.Fprintf(c.out, "unloaded %s v%d\n", args[0], major)
		} else {
			fmt.Fprintf(c.out, "not loaded: %s v%d\n", args[0], major)
		}

	case "listObjects", "printObject", "saveObject", "loadObject", "deleteObject",
		"listNamespaces", "printNamespace", "saveNamespace", "loadNamespace", "deleteNamespace":
		c.dispatchKoinonia(ctx, cmd, args)

	default:
		fmt.Fprintf(c.out, "unknown command: %s\n", cmd)
	}

	return 0, false
}

func (c *Console) dispatchKoinonia(ctx context.Context, cmd string, args []string) {
	k, ok := c.getKoinonia()
	if !ok {
		fmt.Fprintln(c.out, cmd+": Koinonia is not loaded")
		return
	}
	switch cmd {
	case "listObjects":
		printNames(c.out, k.ListObjects())
	case "printObject":
		requireOneAnd(c, args, cmd, func(name string) {
			if s, ok := k.PrintObject(name); ok {
				fmt.Fprintln(c.out, s)
			} else {
				fmt.Fprintf(c.out, "no such object: %s\n", name)
			}
		})
	case "deleteObject":
		requireOneAnd(c, args, cmd, func(name string) {
			if k.DeleteObject(name) {
				fmt.Fprintf(c.out, "deleted object %s\n", name)
			} else {
				fmt.Fprintf(c.out, "no such object: %s\n", name)
			}
		})
	case "saveObject":
		requireOneAnd(c, args, cmd, func(name string) {
			if err := k.SaveObject(ctx, name); err != nil {
				fmt.Fprintf(c.out, "saveObject: %v\n", err)
			} else {
				fmt.Fprintf(c.out, "saved object %s\n", name)
			}
		})
	case "loadObject":
		requireOneAnd(c, args, cmd, func(name string) {
			if err := k.LoadObject(ctx, name); err != nil {
				fmt.Fprintf(c.out, "loadObject: %v\n", err)
			} else {
				fmt.Fprintf(c.out, "loaded object %s\n", name)
			}
		})
	case "listNamespaces":
		printNames(c.out, k.ListNamespaces())
	case "printNamespace":
		requireOneAnd(c, args, cmd, func(name string) {
			if s, ok := k.PrintNamespace(name); ok {
				fmt.Fprintln(c.out, s)
			} else {
				fmt.Fprintf(c.out, "no such namespace: %s\n", name)
			}
		})
	case "deleteNamespace":
		requireOneAnd(c, args, cmd, func(name string) {
			if k.DeleteNamespace(name) {
				fmt.Fprintf(c.out, "deleted namespace %s\n", name)
			} else {
				fmt.Fprintf(c.out, "no such namespace: %s\n", name)
			}
		})
	case "saveNamespace":
		requireOneAnd(c, args, cmd, func(name string) {
			if err := k.SaveNamespace(ctx, name); err != nil {
				fmt.Fprintf(c.out, "saveNamespace: %v\n", err)
			} else {
				fmt.Fprintf(c.out, "saved namespace %s\n", name)
			}
		})
	case "loadNamespace":
		requireOneAnd(c, args, cmd, func(name string) {
			if err := k.LoadNamespace(ctx, name); err != nil {
				fmt.Fprintf(c.out, "loadNamespace: %v\n", err)
			} else {
				fmt.Fprintf(c.out, "loaded namespace %s\n", name)
			}
		})
	}
}

func requireOneAnd(c *Console, args []string, cmd string, f func(string)) {
	if len(args) < 1 {
		fmt.Fprintf(c.out, "usage: %s <name>\n", cmd)
		return
	}
	f(args[0])
}

func printNames(w io.Writer, names []string) {
	if len(names) == 0 {
		fmt.Fprintln(w, "(none)")
		return
	}
	for _, n := range names {
		fmt.Fprintf(w, "  %s\n", n)
	}
}
