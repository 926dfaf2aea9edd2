package main

import "time"

// Webhook event names emitted to the downstream consumer
const (
	EventMessageReceived = "whatsapp.message.received"
)

// Header carrying the HMAC-SHA-256 hex digest of the webhook body
const signatureHeader = "X-Webhook-Signature"

// Session state values
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateQRPending    = "qr_pending"
	StateConnected    = "connected"
	StateLoggedOut    = "logged_out"
	StateError        = "error"
)

// States in which an existing socket is reused instead of opening a new one
var activeStates = []string{StateConnecting, StateQRPending, StateConnected}

const (
	// Capacity of the per-session rings of recent messages and acks
	recentMessagesCap = 50
	recentAcksCap     = 50

	// Ceiling for the linear reconnect backoff
	maxReconnectDelay = 15 * time.Second
)

// Defaults matching the production deployment
const (
	defaultMinSendDelay         = 1200 * time.Millisecond
	defaultMaxSendDelay         = 2600 * time.Millisecond
	defaultMaxReconnectAttempts = 8
	defaultWebhookTimeout       = 8 * time.Second
	defaultCountryCode          = "55"
	defaultSessionIdleTTL       = 12 * time.Hour
)

// S3 Environment Variables Constants
const (
	// Global S3 credentials (read from environment)
	S3_GLOBAL_ACCESS_KEY = "S3_ACCESS_KEY"
	S3_GLOBAL_SECRET_KEY = "S3_SECRET_KEY"
	S3_GLOBAL_ENDPOINT   = "S3_ENDPOINT"
	S3_GLOBAL_REGION     = "S3_REGION"
	S3_GLOBAL_BUCKET     = "S3_BUCKET"
)
