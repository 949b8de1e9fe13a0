package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/darbyhtml/proficrm-sub003/internal/types"
)

// Outbound endpoints on the remote service.
const (
	EndpointCallOutcome = "/v2/calls/outcome"
	EndpointHeartbeat   = "/v2/devices/heartbeat"
	EndpointTelemetry   = "/v2/telemetry/batch"
	EndpointLogBundle   = "/v2/devices/logs"
	EndpointStuckAlert  = "/v2/devices/queue-alert"
)

// callUpdateExtended is the preferred outcome schema
type callUpdateExtended struct {
	SchemaVersion   int        `json:"schemaVersion"`
	RequestID       string     `json:"requestId"`
	Status          string     `json:"status"`
	StartedAt       time.Time  `json:"startedAt"`
	DurationSeconds int        `json:"durationSeconds,omitempty"`
	EndedAt         *time.Time `json:"endedAt,omitempty"`
	Direction       string     `json:"direction,omitempty"`
	ResolveMethod   string     `json:"resolveMethod"`
	ResolveReason   string     `json:"resolveReason,omitempty"`
	AttemptsCount   int        `json:"attemptsCount"`
	ActionSource    string     `json:"actionSource"`
}

// callUpdateLegacy is the minimal schema older service revisions accept
type callUpdateLegacy struct {
	RequestID       string `json:"requestId"`
	Status          string `json:"status"`
	DurationSeconds int    `json:"durationSeconds"`
}

// BuildCallUpdate encodes a resolved outcome in the extended schema
func BuildCallUpdate(call types.PendingCall, outcome types.CallOutcome) ([]byte, error) {
	payload := callUpdateExtended{
		SchemaVersion:   2,
		RequestID:       call.ID,
		Status:          string(outcome.Status),
		StartedAt:       call.StartedAt,
		DurationSeconds: outcome.DurationSeconds,
		EndedAt:         outcome.EndedAt,
		Direction:       string(outcome.Direction),
		ResolveMethod:   string(outcome.ResolveMethod),
		ResolveReason:   outcome.ResolveReason,
		AttemptsCount:   call.Attempts,
		ActionSource:    string(call.ActionSource),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal call update: %w", err)
	}
	return data, nil
}

// downgradePayload re-encodes an extended call update in the legacy schema.
// Returns false if the payload is not extended (already legacy, nothing left
// to fall back to).
func downgradePayload(payload []byte) ([]byte, bool) {
	var ext callUpdateExtended
	if err := json.Unmarshal(payload, &ext); err != nil || ext.SchemaVersion < 2 {
		return nil, false
	}
	legacy, err := json.Marshal(callUpdateLegacy{
		RequestID:       ext.RequestID,
		Status:          ext.Status,
		DurationSeconds: ext.DurationSeconds,
	})
	if err != nil {
		return nil, false
	}
	return legacy, true
}

// payloadRequestID extracts the request id from a call-update payload of
// either schema.
func payloadRequestID(payload []byte) string {
	var partial struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(payload, &partial); err != nil {
		return ""
	}
	return partial.RequestID
}

func encodeAlert(alert types.StuckAlert) ([]byte, error) {
	data, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("marshal stuck alert: %w", err)
	}
	return data, nil
}
