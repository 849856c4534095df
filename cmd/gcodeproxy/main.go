// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gcode-proxy/config"
	"gcode-proxy/proxyservice"
)

func main() {
	cfg, err := config.FromFlags(os.Args[1:])
	if err != nil {
		slog.Error("failed to parse configuration", "error", err)
		os.Exit(1)
	}

	if cfg.Verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	svc, err := proxyservice.New(cfg)
	if err != nil {
		slog.Error("failed to initialize proxy", "error", err)
		os.Exit(1)
	}

	if err := svc.Start(); err != nil {
		slog.Error("failed to start proxy", "error", err)
		os.Exit(1)
	}
	slog.Info("gcode proxy running", "port", cfg.ServerPort)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		slog.Info("received shutdown signal")
	case err := <-svc.Fatal():
		slog.Error("device session failed, shutting down", "error", err)
	}

	svc.Stop()
	slog.Info("gcode proxy stopped")
}
