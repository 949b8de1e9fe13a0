package types

import "time"

// CallType is the direction/disposition of a call-log record as reported by
// the platform
type CallType string

const (
	CallTypeOutgoing CallType = "outgoing"
	CallTypeIncoming CallType = "incoming"
	CallTypeMissed   CallType = "missed"
	CallTypeRejected CallType = "rejected"
	CallTypeUnknown  CallType = "unknown"
)

// ParseCallType decodes a platform call type, mapping unrecognized values to
// CallTypeUnknown.
func ParseCallType(s string) CallType {
	switch CallType(s) {
	case CallTypeOutgoing, CallTypeIncoming, CallTypeMissed, CallTypeRejected:
		return CallType(s)
	default:
		return CallTypeUnknown
	}
}

// CallLogRecord is read-only evidence from the platform call log
type CallLogRecord struct {
	Number          string    `json:"number"`
	Type            CallType  `json:"type"`
	DurationSeconds int       `json:"durationSeconds"`
	Timestamp       time.Time `json:"timestamp"`
	SubscriptionID  string    `json:"subscriptionId,omitempty"` // multi-SIM line id
}

// OutcomeStatus is the terminal status assigned to a resolved call
type OutcomeStatus string

const (
	OutcomeConnected OutcomeStatus = "connected"
	OutcomeNoAnswer  OutcomeStatus = "no_answer"
	OutcomeRejected  OutcomeStatus = "rejected"
	OutcomeMissed    OutcomeStatus = "missed"
	OutcomeUnknown   OutcomeStatus = "unknown"
)

// ResolveMethod records which path produced an outcome
type ResolveMethod string

const (
	ResolveMethodCallLog ResolveMethod = "call_log"
	ResolveMethodTimeout ResolveMethod = "timeout"
)

// Resolve reasons for outcomes that carry no call-log evidence.
const (
	ReasonTimeout           = "timeout"
	ReasonPermissionMissing = "permission_missing"
	ReasonPermissionRevoked = "permission_revoked"
)

// CallOutcome is the resolved result of a pending call
type CallOutcome struct {
	Status          OutcomeStatus `json:"status"`
	Direction       CallType      `json:"direction,omitempty"`
	DurationSeconds int           `json:"durationSeconds,omitempty"`
	EndedAt         *time.Time    `json:"endedAt,omitempty"`
	ResolveMethod   ResolveMethod `json:"resolveMethod"`
	ResolveReason   string        `json:"resolveReason,omitempty"`
}
