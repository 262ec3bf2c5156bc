package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). A 4000-rune message plus envelope fits.
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max bytes of a client_msg_id accepted from the wire.
	maxClientMsgIDBytes = 128
)

const (
	// Heartbeat defaults (overridable via GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
