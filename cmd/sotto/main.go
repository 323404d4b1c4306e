package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/sotto/pkg/control"
	"github.com/harunnryd/sotto/pkg/sotto"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	flag.Parse()

	cfg, err := sotto.LoadConfig(*configPath)
	if err != nil {
		slog.Error("config_load_failed", "path", *configPath, "error", err)
		os.Exit(1)
	}

	eng, err := sotto.NewEngine(sotto.EngineOptions{Config: cfg})
	if err != nil {
		slog.Error("engine_build_failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		slog.Error("engine_start_failed", "error", err)
		os.Exit(1)
	}

	kb := control.NewKeyboard(control.KeyboardConfig{
		Keys:    cfg.Controls.Keys,
		QuitKey: cfg.Controls.QuitKey,
	}, eng.Adapter(), slog.Default())
	if err := kb.Start(); err != nil {
		slog.Warn("keyboard_unavailable", "error", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("signal_received", "signal", sig.String())
	case <-kb.Quit():
	}

	kb.Stop()
	if err := eng.Stop(); err != nil {
		slog.Error("shutdown_incomplete", "error", err)
		os.Exit(1)
	}
}
