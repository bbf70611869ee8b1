// Command vci-client is a terminal client for one vci server: it drives the
// connection handshake, the Agora voice-chat plug-in (microphone/speaker),
// and the Koinonia data-sharing plug-in, taking commands from stdin.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/webtransport-go"

	"vci/client/internal/agora"
	"vci/client/internal/audio"
	"vci/client/internal/config"
	"vci/client/internal/datatype"
	"vci/client/internal/dispatch"
	"vci/client/internal/koinonia"
	"vci/client/internal/plugin"
	"vci/client/internal/proto"
	"vci/client/internal/session"
	"vci/client/internal/transport"
	"vci/client/internal/wire"
)

// dialTimeout bounds the WebTransport dial plus control-stream open; once
// connected the session-scoped context takes over.
const dialTimeout = 10 * time.Second

func main() {
	serverFlag := flag.String("server", "", `server URI, e.g. "vci://host:26000/password" (empty uses the first saved server)`)
	name := flag.String("name", "", "requested display name (empty uses the saved username)")
	password := flag.String("password", "", "session password (overrides any embedded in -server)")
	micDevice := flag.Int("mic", -2, "microphone device ID to enable at startup (-1 default device, -2 disabled)")
	speakerDevice := flag.Int("speaker", -1, "speaker device ID to enable at startup (-1 default device)")
	noMic := flag.Bool("no-mic", false, "never enable the microphone, even if -mic is set")
	queueDepth := flag.Int("queue-depth", 64, "dispatcher event queue depth")
	flag.Parse()

	cfg := config.Load()

	addr := *serverFlag
	if addr == "" && len(cfg.Servers) > 0 {
		addr = cfg.Servers[0].Addr
	}
	uri, err := ParseServerURI(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vci-client: %v\n", err)
		os.Exit(1)
	}
	pw := uri.Password
	if *password != "" {
		pw = *password
	}

	displayName := *name
	if displayName == "" {
		displayName = cfg.Username
	}

	if err := audio.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "vci-client: audio init: %v\n", err)
		os.Exit(1)
	}
	defer audio.Terminate()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	disp := dispatch.New(*queueDepth)
	go disp.Run(runCtx)

	registry := plugin.NewRegistry()
	agoraClient := agora.NewClient(cfg)
	koinoniaClient := koinonia.NewClient()
	registry.RegisterFactory("Agora", func() plugin.Client { return agoraClient })
	registry.RegisterFactory("Koinonia", func() plugin.Client { return koinoniaClient })

	koinoniaClient.OnObjectChanged(func(serverID uint32, value any, version uint32) {
		fmt.Printf("object %d updated (v%d): %#v\n", serverID, version, value)
	})
	koinoniaClient.OnObjectConflict(func(serverID uint32, currentValue any, currentVersion uint32) {
		fmt.Printf("object %d replace rejected, now v%d: %#v\n", serverID, currentVersion, currentValue)
	})

	protocols := []proto.RequestedProtocol{
		{Name: "Agora", Version: proto.EncodeVersion(1, 0)},
		{Name: "Koinonia", Version: proto.EncodeVersion(1, 0)},
	}
	sessionClient := session.NewClient(disp, registry, displayName, pw, protocols)
	sessionClient.OnDisconnect(func(reason string) {
		fmt.Printf("disconnected: %s\n", reason)
		cancel()
	})

	front := sessionClient.EnableFrontend(32)
	front.RegisterHandler(proto.MsgClientConnectNotification, func(r *wire.Reader) {
		if n, err := proto.DecodeClientConnectNotification(r); err == nil {
			fmt.Printf("* %s joined\n", n.Name)
		}
	})
	front.RegisterHandler(proto.MsgClientDisconnectNotification, func(r *wire.Reader) {
		if n, err := proto.DecodeClientDisconnectNotification(r); err == nil {
			fmt.Printf("* client %d left\n", n.ID)
		}
	})
	front.RegisterHandler(proto.MsgNameChangeNotification, func(r *wire.Reader) {
		if n, err := proto.DecodeNameChangeNotification(r); err == nil {
			fmt.Printf("* client %d is now known as %s\n", n.ID, n.NewName)
		}
	})
	go front.Run(runCtx)

	conn, sess, err := dialWebTransport(runCtx, uri.HostPort, disp)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vci-client: connect %s: %v\n", uri.HostPort, err)
		os.Exit(1)
	}
	defer sess.CloseWithError(0, "client exiting")

	sessionClient.Connect(runCtx, conn)

	if *speakerDevice != -2 {
		if err := agoraClient.EnableSpeaker(*speakerDevice); err != nil {
			slog.Warn("enable speaker", "err", err)
		}
	}
	if !*noMic && *micDevice != -2 {
		if err := agoraClient.EnableMicrophone(*micDevice); err != nil {
			slog.Warn("enable microphone", "err", err)
		}
	}

	fmt.Printf("connected to %s as %s\n", uri.HostPort, displayName)
	runREPL(runCtx, sessionClient, agoraClient, koinoniaClient, cfg)

	sessionClient.Disconnect()
	cancel()
}

// dialWebTransport opens a WebTransport session and its control stream,
// wrapping both in a transport.Conn ready for session.Client.Connect.
func dialWebTransport(ctx context.Context, hostPort string, disp *dispatch.Dispatcher) (*transport.Conn, *webtransport.Session, error) {
	dialCtx, dialCancel := context.WithTimeout(ctx, dialTimeout)
	defer dialCancel()

	d := webtransport.Dialer{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec — self-signed server cert, pinned by console fingerprint out of band
		QUICConfig: &quic.Config{
			EnableDatagrams:                  true,
			EnableStreamResetPartialDelivery: true,
		},
	}
	_, sess, err := d.Dial(dialCtx, "https://"+hostPort+"/vci", http.Header{})
	if err != nil {
		return nil, nil, err
	}
	stream, err := sess.OpenStream()
	if err != nil {
		sess.CloseWithError(0, "failed to open control stream")
		return nil, nil, fmt.Errorf("open control stream: %w", err)
	}
	conn := transport.NewConn(sess, stream, disp, "client:msg", "client:dgram", "client:close")
	return conn, sess, nil
}

// runREPL reads whitespace-separated commands from stdin until EOF, "quit",
// or ctx is cancelled.
func runREPL(ctx context.Context, c *session.Client, ag *agora.Client, ko *koinonia.Client, cfg config.Config) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]
		switch cmd {
		case "quit":
			return

		case "rename":
			if len(args) < 1 {
				fmt.Println("usage: rename <name>")
				break
			}
			c.RequestNameChange(args[0])

		case "mic":
			if len(args) < 1 {
				fmt.Println("usage: mic <on|off> [device]")
				break
			}
			switch args[0] {
			case "on":
				dev := -1
				if len(args) > 1 {
					if d, err := strconv.Atoi(args[1]); err == nil {
						dev = d
					}
				}
				if err := ag.EnableMicrophone(dev); err != nil {
					fmt.Printf("mic on: %v\n", err)
				}
			case "off":
				ag.DisableMicrophone()
			}

		case "speaker":
			if len(args) < 1 {
				fmt.Println("usage: speaker <on> [device]")
				break
			}
			dev := -1
			if len(args) > 1 {
				if d, err := strconv.Atoi(args[1]); err == nil {
					dev = d
				}
			}
			if err := ag.EnableSpeaker(dev); err != nil {
				fmt.Printf("speaker on: %v\n", err)
			}

		case "volume":
			if len(args) < 1 {
				fmt.Println("usage: volume <0.0-2.0>")
				break
			}
			v, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				fmt.Printf("volume: %v\n", err)
				break
			}
			ag.SetVolume(v)

		case "noise":
			if len(args) < 1 {
				fmt.Println("usage: noise <on|off> [level]")
				break
			}
			level := cfg.NoiseLevel
			if len(args) > 1 {
				if l, err := strconv.Atoi(args[1]); err == nil {
					level = l
				}
			}
			ag.SetNoiseGate(args[0] == "on", level)

		case "createObject":
			if len(args) < 2 {
				fmt.Println("usage: createObject <name> <string-value>")
				break
			}
			name, value := args[0], strings.Join(args[1:], " ")
			err := ko.CreateObject(name, datatype.NewDictionary(), datatype.String, value, func(reply koinonia.CreateObjectReply) {
				fmt.Printf("createObject %q -> id=%d created=%v\n", name, reply.ServerID, reply.Created)
			})
			if err != nil {
				fmt.Printf("createObject: %v\n", err)
			}

		case "replaceObject":
			if len(args) < 2 {
				fmt.Println("usage: replaceObject <id> <string-value>")
				break
			}
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				fmt.Printf("replaceObject: bad id %q: %v\n", args[0], err)
				break
			}
			if err := ko.ReplaceObject(uint32(id), strings.Join(args[1:], " ")); err != nil {
				fmt.Printf("replaceObject: %v\n", err)
			}

		case "createNamespace":
			if len(args) < 1 {
				fmt.Println("usage: createNamespace <name>")
				break
			}
			ko.CreateNamespace(args[0], func(reply koinonia.CreateNamespaceReply) {
				fmt.Printf("createNamespace %q -> id=%d created=%v\n", args[0], reply.NsServerID, reply.Created)
			})

		default:
			fmt.Printf("unknown command: %s\n", cmd)
		}
	}
}
