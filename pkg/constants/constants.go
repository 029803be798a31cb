// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 30 * time.Second

	// WebSocketWriteWait bounds a single frame write
	WebSocketWriteWait = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Database connection constants
const (
	// MaxConnLifetime is the maximum lifetime of a database connection
	MaxConnLifetime = 1 * time.Hour

	// MaxConnIdleTime is the maximum idle time for a database connection
	MaxConnIdleTime = 30 * time.Minute

	// HealthCheckPeriod is the interval between database health checks
	HealthCheckPeriod = 1 * time.Minute
)

// Call-related constants
const (
	// CallConnectTimeout bounds how long a session may stay connecting
	CallConnectTimeout = 30 * time.Second

	// CallTickInterval is the duration tick while a session is connected
	CallTickInterval = time.Second

	// CallRingTimeout is how long an incoming invite stays pending
	CallRingTimeout = 45 * time.Second

	// CallHistoryWriteTimeout bounds a single history insert
	CallHistoryWriteTimeout = 5 * time.Second

	// SignalingRetention is how long a signaling topic replays to late subscribers
	SignalingRetention = 2 * time.Minute

	// SignalingMaxLen caps the replay log of a signaling topic
	SignalingMaxLen = 512
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Pagination constants
const (
	// DefaultPageSize is the default number of items per page
	DefaultPageSize = 20

	// MaxPageSize is the maximum number of items per page
	MaxPageSize = 100
)
