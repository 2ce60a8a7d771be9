package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message body length (runes).
	maxMessageChars = 4000

	// Max attachment reference length (bytes). Attachments are URLs, never inline data.
	maxImageRefBytes = 2048

	maxConversationIDBytes = 128
	maxClientMsgIDBytes    = 64
	maxSenderIDBytes       = 128
	maxSenderNameChars     = 64
)

const (
	// Heartbeat defaults (can be overridden by env, see GatewayConfigFromEnv).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200

	defaultStoreTimeout = 5 * time.Second
)

func normalizeHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
