package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 10
	DBMaxIdleConns    = 2
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts. No write timeout: the event stream and the
// signaling socket are long-lived.
const (
	ServerRequestTimeout  = 30 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

const DBPingTimeout = 5 * time.Second

// Background job intervals
const (
	SweepJobInterval     = 5 * time.Second
	RetentionJobInterval = 1 * time.Hour
)

const EventQueueSize = 1024

const MaxRequestBodyBytes = 256 << 10

// Signaling socket. Ping cadence follows HEARTBEAT_INTERVAL_SECONDS.
const (
	WSWriteWait       = 10 * time.Second
	WSMaxMessageBytes = 64 << 10
	WSSendBufferSize  = 64
)
