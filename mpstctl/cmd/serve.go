package cmd

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"euphoria.io/mpst/backend"
	"euphoria.io/mpst/proto"
	"euphoria.io/mpst/proto/logging"
	"euphoria.io/mpst/protocols/auction"
	"euphoria.io/scope"
)

func init() {
	register("serve", &serveCmd{})
}

type serveCmd struct{}

func (serveCmd) desc() string { return "run a coordinator for the built-in protocols" }

func (serveCmd) usage() string {
	return "serve"
}

func (serveCmd) longdesc() string {
	return `
	Start a coordinator server. Participants connect with a websocket to
	/protocol/<name>/ws at the address given by the global -http option
	and claim a role; a session starts as soon as every role of a protocol
	instance has joined. Metrics are served at /metrics, and additionally
	on the global -metrics address if one is given.

	The server will run until interrupted.
`[1:]
}

func (cmd *serveCmd) flags() *flag.FlagSet {
	return flag.NewFlagSet("serve", flag.ExitOnError)
}

func (cmd *serveCmd) run(ctx scope.Context, args []string) error {
	cfg, err := getConfig()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.HTTP.Listen)
	if err != nil {
		return err
	}

	m := sync.Mutex{}
	closed := false
	closeListener := func() {
		m.Lock()
		if !closed {
			closed = true
			listener.Close()
		}
		m.Unlock()
	}
	defer closeListener()

	server, err := backend.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("server error: %s", err)
	}

	logger := logging.Logger(ctx)
	server.OnCancel(func(id string, role proto.Role, reason string) {
		logger.Printf("session %s cancelled by %s: %s", id, role, reason)
	})
	server.OnComplete(func(id string) {
		logger.Printf("session %s complete", id)
	})

	err = server.Register(auction.AuctioneerProtocol(func(id string, outcome auction.Outcome) {
		logger.Printf("auction %s: bid %d, sold: %v", id, outcome.Bid, outcome.Sold)
	}))
	if err != nil {
		return err
	}

	if cfg.HTTP.Metrics != "" {
		ctx.WaitGroup().Add(1)
		go backend.ServeMetrics(ctx, cfg.HTTP.Metrics)
	}

	// Spin off goroutine to watch ctx and close listener if shutdown requested.
	go func() {
		<-ctx.Done()
		closeListener()
	}()

	fmt.Printf("serving on %s\n", cfg.HTTP.Listen)
	if err := http.Serve(listener, server); err != nil {
		if strings.HasSuffix(err.Error(), "use of closed network connection") {
			return nil
		}
		return err
	}

	return nil
}
