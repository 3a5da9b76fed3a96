// Command wgproxy runs the userspace UDP relay: it reads its configuration
// from the environment, binds the forwarding core, and runs the event loop
// until SIGINT or SIGTERM (spec.md §6.2).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wgproxy/internal/config"
	"wgproxy/internal/eventloop"
	"wgproxy/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "wgproxy: configuration error: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.LogLevel)

	core, err := eventloop.Build(cfg, log)
	if err != nil {
		log.Errorf("failed to start: %v", err)
		os.Exit(1)
	}
	defer core.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Infof("wgproxy listening on %d address(es), forwarding to %s", len(cfg.BindAddrs), cfg.Server)
	if err := core.Run(ctx); err != nil {
		log.Errorf("event loop exited: %v", err)
		os.Exit(1)
	}
	log.Infof("shutdown complete")
}
