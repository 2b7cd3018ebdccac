// Package config loads the bridge configuration from flags, environment
// variables, and an optional .env file.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the bridge server configuration.
type Config struct {
	// HTTP settings
	Port     int
	BindAddr string
	// PublicHost is the externally reachable host used to build the
	// media stream wss URL handed to the telephony provider.
	PublicHost string
	LogLevel   string

	// Speech peer settings
	OpenAIAPIKey     string
	RealtimeModel    string
	RealtimeVoice    string
	RealtimeURL      string
	Instructions     string
	TurnDetection    string // "server_vad" or "none"
	// UpstreamAudioFormat is the audio format exchanged with the speech
	// peer: "g711_ulaw" (passthrough) or "pcm16" (transcoded).
	UpstreamAudioFormat string
	HandshakeTimeout    time.Duration
	MaxReconnects    int
	ReconnectDelay   time.Duration

	// Fallback settings
	FallbackModel string
	Greeting      string

	// Session settings
	MaxSessions        int
	IdleTimeout        time.Duration
	InterruptGrace     time.Duration
	OutboundBufferSize int
	StaleWindow        int
	FallbackGrace      time.Duration

	// Feature flags
	UseRealtime    bool
	EnableFallback bool
}

// Load loads configuration from an optional .env file, command line
// flags, and environment variable overrides.
func Load() *Config {
	// Missing .env is fine; real environments set variables directly.
	_ = godotenv.Load()

	cfg := &Config{
		HandshakeTimeout: 30 * time.Second,
		MaxReconnects:    3,
		ReconnectDelay:   2 * time.Second,
		IdleTimeout:      30 * time.Second,
		InterruptGrace:   time.Second,
		FallbackGrace:    5 * time.Second,
	}

	flag.IntVar(&cfg.Port, "port", 8080, "HTTP listening port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "HTTP bind address")
	flag.StringVar(&cfg.PublicHost, "public-host", "", "Externally reachable host for the media stream URL")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.RealtimeModel, "realtime-model", "gpt-4o-realtime-preview", "Speech-to-speech model")
	flag.StringVar(&cfg.RealtimeVoice, "voice", "alloy", "Speech-to-speech voice")
	flag.StringVar(&cfg.RealtimeURL, "realtime-url", "", "Speech peer WebSocket URL (default OpenAI)")
	flag.StringVar(&cfg.TurnDetection, "turn-detection", "server_vad", "Turn detection mode (server_vad, none)")
	flag.StringVar(&cfg.UpstreamAudioFormat, "upstream-audio-format", "g711_ulaw", "Audio format exchanged with the speech peer (g711_ulaw, pcm16)")
	flag.StringVar(&cfg.FallbackModel, "fallback-model", "gpt-4o-mini", "Turn-based fallback model")
	flag.IntVar(&cfg.MaxSessions, "max-sessions", 0, "Maximum concurrent call sessions (0 = unlimited)")
	flag.IntVar(&cfg.OutboundBufferSize, "outbound-buffer", 256, "Outbound frame buffer size per session")
	flag.IntVar(&cfg.StaleWindow, "stale-window", 10, "Stale frame tolerance in sequence numbers")
	flag.BoolVar(&cfg.UseRealtime, "realtime", true, "Serve calls on the streaming path")
	flag.BoolVar(&cfg.EnableFallback, "fallback", true, "Allow demoting failed calls to the turn-based path")
	flag.Parse()

	// Environment overrides
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("BIND"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("PUBLIC_HOST"); v != "" {
		cfg.PublicHost = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if v := os.Getenv("REALTIME_MODEL"); v != "" {
		cfg.RealtimeModel = v
	}
	if v := os.Getenv("REALTIME_VOICE"); v != "" {
		cfg.RealtimeVoice = v
	}
	if v := os.Getenv("REALTIME_URL"); v != "" {
		cfg.RealtimeURL = v
	}
	if v := os.Getenv("SYSTEM_INSTRUCTIONS"); v != "" {
		cfg.Instructions = v
	}
	if v := os.Getenv("TURN_DETECTION"); v != "" {
		cfg.TurnDetection = v
	}
	if v := os.Getenv("UPSTREAM_AUDIO_FORMAT"); v != "" {
		cfg.UpstreamAudioFormat = v
	}
	if v := os.Getenv("FALLBACK_MODEL"); v != "" {
		cfg.FallbackModel = v
	}
	if v := os.Getenv("GREETING"); v != "" {
		cfg.Greeting = v
	}
	if v := os.Getenv("MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxSessions = n
		}
	}
	if v := os.Getenv("MAX_RECONNECTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxReconnects = n
		}
	}
	if d := durationEnv("HANDSHAKE_TIMEOUT"); d > 0 {
		cfg.HandshakeTimeout = d
	}
	if d := durationEnv("RECONNECT_DELAY"); d > 0 {
		cfg.ReconnectDelay = d
	}
	if d := durationEnv("IDLE_TIMEOUT"); d > 0 {
		cfg.IdleTimeout = d
	}
	if d := durationEnv("INTERRUPT_GRACE"); d > 0 {
		cfg.InterruptGrace = d
	}
	if d := durationEnv("FALLBACK_GRACE"); d > 0 {
		cfg.FallbackGrace = d
	}
	if v := os.Getenv("USE_REALTIME_API"); v != "" {
		cfg.UseRealtime = parseBool(v, cfg.UseRealtime)
	}
	if v := os.Getenv("ENABLE_REALTIME_FALLBACK"); v != "" {
		cfg.EnableFallback = parseBool(v, cfg.EnableFallback)
	}

	return cfg
}

func durationEnv(key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
