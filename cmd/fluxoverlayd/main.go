// Command fluxoverlayd runs a single broker's overlay subsystem: it
// bootstraps from a config file, binds a server socket if this rank has
// children, connects to its parent if it has one, and serves the
// overlay.* health/monitor/trace RPCs.
package main

import (
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli"

	"go.flux.dev/overlay/internal/bootstrap"
	"go.flux.dev/overlay/log"
	"go.flux.dev/overlay/overlay"
	"go.flux.dev/overlay/transport"
	"go.flux.dev/overlay/zap"
)

func main() {
	app := cli.NewApp()
	app.Name = "fluxoverlayd"
	app.Usage = "run a Flux broker's tree-based overlay network"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config, c", Usage: "path to the overlay config TOML", Required: true},
		cli.StringFlag{Name: "hostname", Usage: "this broker's hostname as it appears in the config", Value: localHostname()},
		cli.IntFlag{Name: "debug, d", Value: 1, Usage: "debug-level: 1 for terse, 5 for maximal"},
		cli.StringFlag{Name: "debugws", Usage: "address to serve the operator debug websocket on, e.g. :8888"},
	}
	app.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func localHostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

func run(c *cli.Context) error {
	provider, err := bootstrap.LoadConfigFile(c.String("config"), c.String("hostname"))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	info, err := provider.Bootstrap()
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	log.Lvl1("broker", info.Hostname, "booted as rank", info.Rank, "of", info.Size)

	version := overlay.MakeVersion(1, 0, 0)
	cfg, err := overlay.LoadConfig(overlay.MapAttrs{})
	if err != nil {
		return fmt.Errorf("loading overlay config: %w", err)
	}

	o, err := overlay.New(info.Rank, info.View, info.Cert, version, info.Hostname, info.UUID, cfg)
	if err != nil {
		return fmt.Errorf("building overlay: %w", err)
	}
	o.SetLocalPublisher(overlay.NewDispatcher(o))

	hostnames := strings.Split(info.Hostlist, ",")
	childHosts := make(map[int]string)
	for _, childRank := range info.View.GetChildRanks(0) {
		if childRank < len(hostnames) {
			childHosts[childRank] = hostnames[childRank]
		}
	}
	o.SetChildHostnames(childHosts)

	for k, v := range o.DerivedAttrs(info.BindURI, info.ParentURI, info.Hostlist, info.Mapping) {
		log.Lvl3("derived attribute", k, "=", v)
	}

	zapHandler := zap.NewHandler("flux")
	for _, pub := range info.AuthorizedChildKeys {
		if pub != "" {
			zapHandler.Allow(pub)
		}
	}
	o.SetAuthorizer(zapHandler)

	if info.BindURI != "" {
		ln, err := net.Listen("tcp", info.BindURI)
		if err != nil {
			return fmt.Errorf("binding %s: %w", info.BindURI, err)
		}
		log.Lvl1("listening for children on", info.BindURI)
		go acceptChildren(o, ln)
	}

	if info.ParentURI != "" {
		o.SetParentPublicKey(info.ParentPublic)
		conn, err := transport.DialTCP(info.ParentURI)
		if err != nil {
			return fmt.Errorf("connecting to parent %s: %w", info.ParentURI, err)
		}
		o.AttachParentConn(conn)
		if err := o.SendHello(); err != nil {
			log.Warnf("sending hello: %v", err)
		}
		go pumpParent(o, conn)
	}

	if addr := c.String("debugws"); addr != "" {
		ws := overlay.NewDebugWS(o)
		go func() {
			log.Lvl1("debug websocket listening on", addr)
			if err := http.ListenAndServe(addr, ws.Handler()); err != nil {
				log.Error("debugws:", err)
			}
		}()
	}

	o.SetState(overlay.StateRun)
	runHeartbeat(o)
	return nil
}

// runHeartbeat drives o.Tick at a jittered interval in
// [sync_min, sync_max) for the lifetime of the process.
func runHeartbeat(o *overlay.Overlay) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		time.Sleep(o.NextSyncInterval(rng))
		o.Tick(time.Now())
	}
}

// acceptChildren runs the bind socket's accept loop, pumping each
// accepted connection's frames into the overlay's per-child handler.
func acceptChildren(o *overlay.Overlay, ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			log.Error("accept:", err)
			return
		}
		conn := transport.NewTCPConn(c)
		go pumpChild(o, conn)
	}
}

// pumpChild reads frames from one child connection until it closes,
// dispatching each into the overlay's routing logic. The first hello
// frame establishes which uuid this connection belongs to; subsequent
// frames are tagged with that uuid.
func pumpChild(o *overlay.Overlay, conn transport.Conn) {
	fromUUID := ""
	for {
		e, err := conn.Receive()
		if err != nil {
			log.Lvl2("child connection closed:", err)
			return
		}
		isHello := e.Kind == transport.KindRequest && e.Topic == "overlay.hello"
		resp := o.HandleFromChild(fromUUID, conn, e)
		if resp != nil {
			conn.Send(resp)
		}
		if isHello && resp != nil && resp.ErrCode == 0 {
			if uuid, ok := overlay.PeekHelloUUID(e.Payload); ok {
				fromUUID = uuid
			}
		}
	}
}

// pumpParent reads frames from the parent connection until it closes.
// A read error here is a transport disconnect (a parent-loss trigger
// distinct from a hello error response or an explicit disconnect
// control from the parent) and must be surfaced to the
// overlay immediately rather than waiting for the next heartbeat send
// to notice the connection is gone.
func pumpParent(o *overlay.Overlay, conn transport.Conn) {
	for {
		e, err := conn.Receive()
		if err != nil {
			log.Lvl2("parent connection closed:", err)
			o.OnParentTransportError(err)
			return
		}
		o.HandleFromParent(e)
	}
}
