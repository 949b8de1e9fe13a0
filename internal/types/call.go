package types

import "time"

// CallState represents the lifecycle state of a pending call
type CallState string

const (
	CallStatePending   CallState = "pending"   // Dispatched, outcome unknown
	CallStateResolving CallState = "resolving" // Claimed by exactly one resolver
	CallStateResolved  CallState = "resolved"  // Outcome enqueued for delivery
	CallStateFailed    CallState = "failed"    // Expired without a confident match
	CallStateUnknown   CallState = "unknown"   // Persisted value not recognized
)

// ParseCallState decodes a persisted state string. Unrecognized values map to
// CallStateUnknown so that a present-but-newer value is not silently lost.
func ParseCallState(s string) CallState {
	switch CallState(s) {
	case CallStatePending, CallStateResolving, CallStateResolved, CallStateFailed:
		return CallState(s)
	default:
		return CallStateUnknown
	}
}

// ActionSource identifies how a call was initiated
type ActionSource string

const (
	ActionSourceRemoteCommand   ActionSource = "remote_command"
	ActionSourceNotificationTap ActionSource = "notification_tap"
	ActionSourceHistoryRedial   ActionSource = "history_redial"
	ActionSourceManualDial      ActionSource = "manual_dial"
	ActionSourceUnknown         ActionSource = "unknown"
)

// ParseActionSource decodes a persisted or wire action source, mapping
// unrecognized values to ActionSourceUnknown.
func ParseActionSource(s string) ActionSource {
	switch ActionSource(s) {
	case ActionSourceRemoteCommand, ActionSourceNotificationTap,
		ActionSourceHistoryRedial, ActionSourceManualDial:
		return ActionSource(s)
	default:
		return ActionSourceUnknown
	}
}

// PendingCall represents a dispatched call awaiting an outcome
type PendingCall struct {
	ID           string       `json:"id"`
	PhoneNumber  string       `json:"phoneNumber"` // digits-only canonical form
	StartedAt    time.Time    `json:"startedAt"`
	State        CallState    `json:"state"`
	Attempts     int          `json:"attempts"`
	ActionSource ActionSource `json:"actionSource"`
}

// Active reports whether the call still needs resolution
func (c *PendingCall) Active() bool {
	return c.State == CallStatePending || c.State == CallStateResolving
}

// Command is a call-dispatch command received from the remote channel
type Command struct {
	RequestID    string `json:"requestId"`
	PhoneNumber  string `json:"phoneNumber"`
	ActionSource string `json:"actionSource,omitempty"`
}
