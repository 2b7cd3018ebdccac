package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/applova/voiceplate/internal/banner"
	"github.com/applova/voiceplate/internal/bridge/app"
	"github.com/applova/voiceplate/internal/bridge/config"
	"github.com/applova/voiceplate/internal/logger"
)

func main() {
	cfg := config.Load()

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	bridge, err := app.NewServer(cfg)
	if err != nil {
		slog.Error("Failed to create bridge server", "error", err)
		os.Exit(1)
	}
	defer bridge.Close()

	banner.Print("VoicePlate Realtime Audio Bridge", []banner.ConfigLine{
		{Label: "Listen", Value: fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port)},
		{Label: "Model", Value: cfg.RealtimeModel},
		{Label: "Voice", Value: cfg.RealtimeVoice},
		{Label: "Realtime", Value: fmt.Sprintf("%t", cfg.UseRealtime)},
		{Label: "Fallback", Value: fmt.Sprintf("%t", cfg.EnableFallback)},
		{Label: "Log level", Value: cfg.LogLevel},
	})

	run(bridge)
}

func run(bridge *app.Bridge) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := bridge.Start(ctx); err != nil {
			slog.Error("Server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	slog.Info("Received signal, shutting down", "signal", sig)
	cancel()

	time.Sleep(1 * time.Second)
}
