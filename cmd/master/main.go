// Command master runs the Master daemon (spec.md §1, §4.C): it keeps
// the registry of connected Workers, throttles poke fan-out through
// internal/pokerouter, and serves the Master request types over a
// framed TCP listener. Wiring mirrors cmd/worker/main.go and, further
// back, the teacher's cmd/server/main.go top-level shape.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/jobfabric/jobfabric/internal/config"
	"github.com/jobfabric/jobfabric/internal/logging"
	"github.com/jobfabric/jobfabric/internal/masterapi"
	"github.com/jobfabric/jobfabric/internal/pokerouter"
	"github.com/jobfabric/jobfabric/internal/registry"
	"github.com/jobfabric/jobfabric/internal/router"
	"github.com/jobfabric/jobfabric/internal/timer"
	"github.com/jobfabric/jobfabric/internal/transport"
)

func main() {
	cfg, err := config.LoadMaster()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := logging.New("master")
	fmt.Println("Starting Master daemon...")

	reg := registry.New(logger.Named("registry"))

	timers := timer.NewTimerManager(4)
	timers.Start()
	defer timers.Stop()

	poke := pokerouter.New(reg, timers, cfg.PokeThrottleInterval, logger.Named("pokerouter"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.RunKeepalive(ctx, reg, cfg.PingInterval)

	r := router.New()
	masterapi.Register(r, masterapi.Deps{Registry: reg, Poke: poke, Log: logger})

	auth := transport.AuthConfig{Password: cfg.Password, AlwaysAllowLocalhost: cfg.AlwaysAllowLocalhost}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	logger.Printf("listening on %s", listener.Addr())

	go acceptLoop(listener, auth, r, logger)

	fmt.Println("Master daemon is running. Press Ctrl+C to stop.")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	fmt.Println("shutting down")
}

func acceptLoop(listener net.Listener, auth transport.AuthConfig, r *router.Router, logger *logging.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			logger.Printf("accept: %v", err)
			return
		}
		c := transport.New(conn, auth, r, logger)
		go c.Serve()
	}
}
