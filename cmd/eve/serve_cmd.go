package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/api"
	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/audit"
)

// timeNow is replaced in tests.
var timeNow = time.Now

// runServeCmd implements `eve serve`: the read-only audit API. It runs until
// SIGINT or SIGTERM.
func runServeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		configPath string
		addr       string
	)
	cmd.StringVar(&configPath, "config", "", "Path to a YAML config file")
	cmd.StringVar(&addr, "addr", "", "Listen address (default: server.addr from config)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, configPath, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Close() }()
	if addr == "" {
		addr = rt.cfg.Server.Addr
	}

	svc := audit.NewService(rt.manifests, rt.vaults.Datasets, rt.vaults.Reports, audit.Options{
		IndexTTL: rt.cfg.Server.IndexTTL,
		Logger:   rt.logger,
	})
	srv := api.NewServer(svc, api.Config{
		RatePerSecond: rt.cfg.Server.RatePerSecond,
		Burst:         rt.cfg.Server.Burst,
		Logger:        rt.logger,
		Version:       version,
	})
	_, _ = fmt.Fprintf(stdout, "Audit API on %s (data root %s)\n", addr, rt.cfg.DataRoot)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}
