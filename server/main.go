// Command vci-server runs one network collaboration session: the dual-
// transport (WebTransport/QUIC reliable stream + UDP datagram, with a
// plain-websocket fallback for peers that can't reach either) wire
// protocol, the Koinonia and Agora plug-ins, a SQLite-backed persistence
// layer, and an operator console exposed over stdin, an optional named
// pipe, and a small JSON status surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"vci/server/internal/agora"
	"vci/server/internal/console"
	"vci/server/internal/dispatch"
	"vci/server/internal/koinonia"
	"vci/server/internal/plugin"
	"vci/server/internal/session"
	"vci/server/internal/store"
	"vci/server/internal/transport"
	"vci/server/internal/wire"
	"vci/server/internal/wsfallback"
)

// connSeq allocates a unique dispatcher-event-key prefix per accepted
// connection, across both the WebTransport and the fallback listener.
var connSeq atomic.Uint64

func main() {
	addr := flag.String("addr", ":26000", "WebTransport/QUIC listen address (UDP)")
	fallbackAddr := flag.String("fallback-addr", ":26080", "HTTP listen address for the websocket fallback transport and the operator status surface")
	dbPath := flag.String("db", "vci.db", "SQLite database path")
	serverName := flag.String("name", "vci server", "server name advertised to connecting clients")
	password := flag.String("password", "", "session password; empty keeps whatever is persisted, or no password if none was ever set")
	certValidity := flag.Duration("cert-validity", 24*time.Hour, "self-signed TLS certificate validity")
	snapshotDir := flag.String("snapshot-dir", "snapshots", "directory for Koinonia object/namespace snapshots")
	consoleFIFO := flag.String("console-fifo", "", "optional named pipe read alongside stdin for scripted operator commands")
	queueDepth := flag.Int("queue-depth", 256, "dispatcher event queue depth")
	flag.Parse()

	db, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	bgCtx := context.Background()
	pw := *password
	if pw == "" {
		if saved, err := db.LoadPassword(bgCtx); err != nil {
			slog.Error("load persisted password", "err", err)
		} else {
			pw = saved
		}
	}

	hostname := ""
	if h, _, err := net.SplitHostPort(*addr); err == nil {
		hostname = h
	}
	tlsConfig, fingerprint, err := generateTLSConfig(*certValidity, hostname)
	if err != nil {
		slog.Error("generate TLS certificate", "err", err)
		os.Exit(1)
	}
	slog.Info("TLS certificate generated", "sha256", fingerprint)

	disp := dispatch.New(*queueDepth)
	registry := plugin.NewRegistry()
	registry.RegisterFactory("Koinonia", func() plugin.Server { return koinonia.NewServer(db, *snapshotDir) })
	registry.RegisterFactory("Agora", func() plugin.Server { return agora.NewServer() })

	srv := session.NewServer(disp, registry, *serverName, pw)

	// Koinonia is preloaded (rather than left to load lazily on first
	// client admission) so the console's object/namespace commands and
	// snapshot persistence work from the moment the process starts, with
	// no client connected yet.
	loadedKoinonia, err := registry.Load("Koinonia", 1)
	if err != nil {
		slog.Error("preload Koinonia", "err", err)
		os.Exit(1)
	}
	kServer, ok := loadedKoinonia.Plugin.(*koinonia.Server)
	if !ok {
		slog.Error("preloaded Koinonia plug-in has unexpected type")
		os.Exit(1)
	}

	runCtx, cancel := context.WithCancel(bgCtx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("signal received, shutting down")
		cancel()
	}()

	go disp.Run(runCtx)

	opConsole := console.New(srv, db, os.Stdout)
	opConsole.SetKoinonia(kServer)

	httpStatus := console.NewHTTPStatus(srv)

	fallback := wsfallback.NewHandler(func(sess *wsfallback.Session) (wsfallback.MessageHandler, wsfallback.CloseHandler) {
		n := connSeq.Add(1)
		msgKey := fmt.Sprintf("wsfallback:%d:msg", n)
		dgramKey := fmt.Sprintf("wsfallback:%d:dgram", n)
		closeKey := fmt.Sprintf("wsfallback:%d:close", n)
		conn := wsfallback.NewConn(sess, msgKey, dgramKey, closeKey)
		srv.Accept(runCtx, conn)
		return func(m *wire.MessageBuffer) { disp.Post(msgKey, m) },
			func(err error) { disp.Post(closeKey, err) }
	})
	fallback.Register(httpStatus.Echo())

	wtServer := &webtransport.Server{
		H3: http3.Server{
			Addr:      *addr,
			TLSConfig: tlsConfig,
			QUICConfig: &quic.Config{
				EnableDatagrams: true,
			},
		},
		CheckOrigin: func(*http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/vci", func(w http.ResponseWriter, r *http.Request) {
		sess, err := wtServer.Upgrade(w, r)
		if err != nil {
			slog.Error("webtransport upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		go acceptWebTransportSession(runCtx, srv, disp, sess)
	})
	wtServer.H3.Handler = mux

	go func() {
		if err := wtServer.ListenAndServe(); err != nil {
			slog.Error("webtransport listener stopped", "err", err)
		}
	}()
	go func() {
		<-runCtx.Done()
		_ = wtServer.Close()
	}()

	go func() {
		if err := httpStatus.Run(runCtx, *fallbackAddr); err != nil {
			slog.Error("http status server stopped", "err", err)
		}
	}()

	slog.Info("vci server listening", "webtransport", *addr, "http", *fallbackAddr, "name", *serverName)

	code := opConsole.Run(runCtx, os.Stdin, *consoleFIFO)
	cancel()
	os.Exit(code)
}

// acceptWebTransportSession accepts sess's client-opened reliable control
// stream and hands the pair to session.Server.Accept. Each session gets its
// own dispatcher event-key triple so concurrent connections never collide.
func acceptWebTransportSession(ctx context.Context, srv *session.Server, disp *dispatch.Dispatcher, sess *webtransport.Session) {
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		sess.CloseWithError(0, "failed to accept control stream")
		return
	}
	n := connSeq.Add(1)
	msgKey := fmt.Sprintf("wt:%d:msg", n)
	dgramKey := fmt.Sprintf("wt:%d:dgram", n)
	closeKey := fmt.Sprintf("wt:%d:close", n)
	conn := transport.NewConn(sess, stream, disp, msgKey, dgramKey, closeKey)
	srv.Accept(ctx, conn)
}
