// Package app wires the bridge together: configuration, registry,
// transport, fallback, and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/applova/voiceplate/internal/bridge/api"
	"github.com/applova/voiceplate/internal/bridge/config"
	"github.com/applova/voiceplate/internal/bridge/fallback"
	"github.com/applova/voiceplate/internal/bridge/media"
	"github.com/applova/voiceplate/internal/bridge/realtime"
	"github.com/applova/voiceplate/internal/bridge/session"
	"github.com/applova/voiceplate/internal/bridge/transport"
)

// Bridge is the assembled voice bridge server.
type Bridge struct {
	cfg        *config.Config
	registry   *session.Registry
	ctrl       *fallback.Controller
	httpServer *http.Server
}

func NewServer(cfg *config.Config) (*Bridge, error) {
	upstreamFormat := cfg.UpstreamAudioFormat
	if upstreamFormat == "" {
		upstreamFormat = media.UpstreamFormatULaw
	}
	codec, err := media.NewCodec(media.FormatULaw8k, upstreamFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	registry := session.NewRegistry(cfg.MaxSessions)

	var answerer fallback.Answerer
	if cfg.EnableFallback && cfg.OpenAIAPIKey != "" {
		answerer = fallback.NewOpenAIAnswerer(cfg.OpenAIAPIKey, cfg.FallbackModel, cfg.Instructions)
	}
	ctrl := fallback.NewController(fallback.Config{
		RealtimeEnabled: cfg.UseRealtime,
		FallbackEnabled: cfg.EnableFallback,
		GraceWindow:     cfg.FallbackGrace,
	}, answerer)

	factory := func(streamID, callSID string, tel session.TelephonyWriter) *session.CallSession {
		retry := realtime.RetryPolicy{
			MaxAttempts: cfg.MaxReconnects,
			BaseDelay:   cfg.ReconnectDelay,
			MaxDelay:    30 * time.Second,
			Jitter:      0.2,
		}
		opts := []realtime.Option{realtime.WithHandshakeTimeout(cfg.HandshakeTimeout)}
		if cfg.RealtimeURL != "" {
			opts = append(opts, realtime.WithURL(cfg.RealtimeURL))
		}
		client := realtime.NewClient(cfg.OpenAIAPIKey, realtime.SessionConfig{
			Model:             cfg.RealtimeModel,
			Voice:             cfg.RealtimeVoice,
			Instructions:      cfg.Instructions,
			InputAudioFormat:  codec.UpstreamFormat(),
			OutputAudioFormat: codec.UpstreamFormat(),
			TurnDetection:     cfg.TurnDetection,
		}, retry, opts...)

		return session.New(streamID, callSID, codec, client, tel, session.Config{
			IdleTimeout:        cfg.IdleTimeout,
			InterruptGrace:     cfg.InterruptGrace,
			OutboundBufferSize: cfg.OutboundBufferSize,
			StaleWindow:        cfg.StaleWindow,
			ManualTurns:        cfg.TurnDetection == "none",
		})
	}

	streamHandler := transport.NewHandler(registry, codec, ctrl, factory)
	webhook := transport.NewWebhook(ctrl, transport.WebhookConfig{
		StreamURL: streamURL(cfg),
		Greeting:  cfg.Greeting,
	})

	r := chi.NewRouter()
	r.Post("/voice", webhook.HandleVoice)
	r.Post("/voice/fallback", webhook.HandleFallback)
	r.Post("/voice/answer", webhook.HandleAnswer)
	r.Post("/voice/status", webhook.HandleStatus)
	r.Handle("/media-stream", streamHandler)
	api.NewServer(registry).Routes(r)

	return &Bridge{
		cfg:      cfg,
		registry: registry,
		ctrl:     ctrl,
		httpServer: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.Port),
			Handler: r,
		},
	}, nil
}

// streamURL builds the media stream URL handed to the telephony
// provider in TwiML.
func streamURL(cfg *config.Config) string {
	if cfg.PublicHost != "" {
		return fmt.Sprintf("wss://%s/media-stream", cfg.PublicHost)
	}
	return fmt.Sprintf("ws://localhost:%d/media-stream", cfg.Port)
}

// Start serves HTTP until the context is cancelled or the listener
// fails.
func (b *Bridge) Start(ctx context.Context) error {
	slog.Info("[App] Starting voice bridge",
		"addr", b.httpServer.Addr,
		"realtime", b.ctrl.RealtimeEnabled(),
		"fallback", b.ctrl.FallbackEnabled())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.httpServer.Shutdown(shutdownCtx)
	}()

	if err := b.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Close tears down every active session and the HTTP server.
func (b *Bridge) Close() error {
	b.registry.CloseAll()
	return b.httpServer.Close()
}
