package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ehrlich-b/hocbridge/internal/agent"
	"github.com/ehrlich-b/hocbridge/internal/history"
	"github.com/ehrlich-b/hocbridge/internal/logger"
	"github.com/ehrlich-b/hocbridge/internal/server"
)

const shutdownGrace = 5 * time.Second

type serveOptions struct {
	port             int
	bind             string
	token            string
	verbose          bool
	maxAgents        int
	maxProjectAgents int
	agentCommand     string
	journalPath      string
	inputRate        int
	logFile          string
}

func defaultServeOptions() serveOptions {
	return serveOptions{
		maxAgents:        agent.DefaultLimits.MaxAgents,
		maxProjectAgents: agent.DefaultLimits.MaxProjectAgents,
	}
}

func runServe(ctx context.Context, opts serveOptions) error {
	if err := logger.Init(opts.verbose, opts.logFile); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	var recorder agent.Recorder
	if opts.journalPath != "" {
		store, err := history.Open(opts.journalPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		recorder = store
	}

	hub := agent.NewHub()
	mgr := agent.NewManager(opts.agentCommand, agent.Limits{
		MaxAgents:        opts.maxAgents,
		MaxProjectAgents: opts.maxProjectAgents,
	}, hub, recorder)
	srv := server.New(mgr, server.Options{
		Token:     opts.token,
		InputRate: opts.inputRate,
	})

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := net.JoinHostPort(opts.bind, strconv.Itoa(opts.port))
	err := srv.Run(ctx, addr)

	// The listener is down; give surviving agents a chance to exit cleanly.
	mgr.Shutdown(shutdownGrace)
	return err
}
