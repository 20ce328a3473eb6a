// Command agent-relayd runs the per-project message broker described in
// the package documentation: a UNIX-socket daemon that lets
// terminal-resident agent processes exchange durable, at-least-once
// messages without any of them needing to know the others' addresses.
//
// Usage: agent-relayd [state-dir]
//
// state-dir defaults to the current directory; it holds the socket,
// PID file, BadgerDB stores, and the daemon's own log.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/khaliqgant/agent-relay-sub006/internal/broker"
	"github.com/khaliqgant/agent-relay-sub006/internal/config"
	"github.com/khaliqgant/agent-relay-sub006/internal/logging"
)

// Exit codes per the external interface contract.
const (
	exitOK              = 0
	exitBadConfig       = 64
	exitAlreadyRunning  = 65
	exitStorageInitFail = 70
	exitSocketBindFail  = 74
)

func main() {
	os.Exit(run())
}

func run() int {
	stateDir := "."
	if len(os.Args) >= 2 {
		stateDir = os.Args[1]
	}

	cfg, err := config.Load(stateDir)
	if err != nil {
		log.Printf("agent-relayd: bad configuration: %v", err)
		return exitBadConfig
	}

	logger, err := logging.New(stateDir, logging.ParseLevel(cfg.LogLevel), "")
	if err != nil {
		log.Printf("agent-relayd: failed to open log: %v", err)
		return exitBadConfig
	}
	defer logger.Close()

	srv, err := broker.New(cfg, logger)
	if err != nil {
		logger.Error("agent-relayd: failed to initialize: %v", err)
		return exitStorageInitFail
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Lifecycle("agent-relayd: received %s, shutting down", sig)
		cancel()
	}()

	logger.Lifecycle("agent-relayd: starting in %s", stateDir)
	if err := srv.Start(ctx); err != nil {
		if err == broker.ErrAlreadyRunning {
			fmt.Fprintln(os.Stderr, "agent-relayd: already running")
			return exitAlreadyRunning
		}
		logger.Error("agent-relayd: %v", err)
		return exitSocketBindFail
	}

	return exitOK
}
