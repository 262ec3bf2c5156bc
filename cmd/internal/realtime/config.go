package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultOpTimeout    = 10 * time.Second
	wsDefaultSessionOpen  = 5 * time.Second

	// Origin is required by default and only localhost is allowed (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// GatewayConfig tunes the websocket gateway.
type GatewayConfig struct {
	// InsecureSkipVerify disables websocket.Accept origin verification. Dev only.
	DevInsecure bool

	OriginRequired bool
	AllowedOrigins []string

	WriteTimeout    time.Duration
	ReadIdleTimeout time.Duration
	SendQueueSize   int

	// OpTimeout bounds each store-backed request (open, send).
	OpTimeout time.Duration

	// SessionOpenTimeout bounds profile resolution after the upgrade.
	SessionOpenTimeout time.Duration

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

// DefaultGatewayConfig returns the secure defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		OriginRequired:     wsDefaultOriginRequired,
		AllowedOrigins:     splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:       wsDefaultWriteTimeout,
		ReadIdleTimeout:    wsDefaultReadIdle,
		OpTimeout:          wsDefaultOpTimeout,
		SessionOpenTimeout: wsDefaultSessionOpen,
		SendQueueSize:      wsDefaultSendQueueSize,
		HeartbeatEvery:     heartbeatInterval,
		HeartbeatTimeout:   heartbeatTimeout,
		RateEvents:         rateLimitEvents,
		RateWindow:         rateLimitWindow,
	}
}

// LoadGatewayConfigFromEnv reads UNISALE_WS_* overrides on top of the defaults.
func LoadGatewayConfigFromEnv() GatewayConfig {
	def := DefaultGatewayConfig()

	return GatewayConfig{
		DevInsecure: envBoolWS("UNISALE_WS_DEV_INSECURE", false),

		OriginRequired: envBoolWS("UNISALE_WS_ORIGIN_REQUIRED", def.OriginRequired),
		AllowedOrigins: splitCSV(envStringWS("UNISALE_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)),

		WriteTimeout:    envDurationWS("UNISALE_WS_WRITE_TIMEOUT", def.WriteTimeout),
		ReadIdleTimeout: envDurationWS("UNISALE_WS_READ_IDLE_TIMEOUT", def.ReadIdleTimeout),
		OpTimeout:       envDurationWS("UNISALE_WS_OP_TIMEOUT", def.OpTimeout),
		SendQueueSize:   envIntWS("UNISALE_WS_SEND_QUEUE", def.SendQueueSize),

		// Set by the app from the session config.
		SessionOpenTimeout: def.SessionOpenTimeout,

		HeartbeatEvery:   envDurationWS("UNISALE_WS_HEARTBEAT_INTERVAL", def.HeartbeatEvery),
		HeartbeatTimeout: envDurationWS("UNISALE_WS_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),

		RateEvents: envIntWS("UNISALE_WS_RATE_EVENTS", def.RateEvents),
		RateWindow: envDurationWS("UNISALE_WS_RATE_WINDOW", def.RateWindow),
	}
}

// normalized fills zero values with defaults and clamps the send queue.
func (c GatewayConfig) normalized() GatewayConfig {
	def := DefaultGatewayConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = def.ReadIdleTimeout
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = def.OpTimeout
	}
	if c.SessionOpenTimeout <= 0 {
		c.SessionOpenTimeout = def.SessionOpenTimeout
	}
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = def.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = def.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = def.RateWindow
	}
	return c
}

// ---- env helpers ----

func envStringWS(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
