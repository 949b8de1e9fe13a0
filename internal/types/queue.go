package types

import "time"

// ItemKind classifies a queued outbound message
type ItemKind string

const (
	KindCallUpdate ItemKind = "call_update"
	KindHeartbeat  ItemKind = "heartbeat"
	KindTelemetry  ItemKind = "telemetry"
	KindLogBundle  ItemKind = "log_bundle"
)

// QueueItem is a durable outbox row
type QueueItem struct {
	ID          string     `json:"id"`
	Kind        ItemKind   `json:"kind"`
	Endpoint    string     `json:"endpoint"`
	Method      string     `json:"method"`
	Payload     []byte     `json:"payload"`
	RetryCount  int        `json:"retryCount"`
	Stuck       bool       `json:"stuck"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastRetryAt *time.Time `json:"lastRetryAt,omitempty"`
}

// HistoryEntry is the durable, deduplicated record of a resolved call
type HistoryEntry struct {
	ID              string        `json:"id"`
	PhoneNumber     string        `json:"phoneNumber"`
	Status          OutcomeStatus `json:"status"`
	Direction       CallType      `json:"direction,omitempty"`
	DurationSeconds int           `json:"durationSeconds,omitempty"`
	StartedAt       time.Time     `json:"startedAt"`
	EndedAt         *time.Time    `json:"endedAt,omitempty"`
	ResolveMethod   ResolveMethod `json:"resolveMethod"`
	ResolveReason   string        `json:"resolveReason,omitempty"`
	ActionSource    ActionSource  `json:"actionSource"`
	Delivered       bool          `json:"delivered"`
	ResolvedAt      time.Time     `json:"resolvedAt"`
}

// TelemetryItem is a single low-priority metric event
type TelemetryItem struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Endpoint  string    `json:"endpoint,omitempty"`
	HTTPCode  int       `json:"httpCode,omitempty"`
	ValueMs   int64     `json:"valueMs,omitempty"`
	Extra     string    `json:"extra,omitempty"`
}

// TelemetryBatch is the wire form of a flushed telemetry buffer
type TelemetryBatch struct {
	DeviceID string          `json:"deviceId"`
	Items    []TelemetryItem `json:"items"`
}

// StuckAlert is the aggregate out-of-band report of stuck queue items
type StuckAlert struct {
	DeviceID      string           `json:"deviceId"`
	Total         int              `json:"total"`
	OldestAgeSecs int64            `json:"oldestAgeSecs"`
	ByKind        map[ItemKind]int `json:"byKind"`
	Timestamp     time.Time        `json:"timestamp"`
}

// Heartbeat reports device liveness and last-poll diagnostics
type Heartbeat struct {
	DeviceID   string    `json:"deviceId"`
	Timestamp  time.Time `json:"timestamp"`
	PollMode   string    `json:"pollMode"`
	LastPollAt time.Time `json:"lastPollAt"`
	QueueDepth int       `json:"queueDepth"`
	UptimeSecs int64     `json:"uptimeSecs"`
}
