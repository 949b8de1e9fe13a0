// Package calllog abstracts the platform call log. The log is read-only
// evidence owned by the platform; access can be granted or revoked at any
// time, so every read path treats ErrAccessDenied as a normal, recoverable
// condition.
package calllog

import (
	"context"
	"errors"
	"time"

	"github.com/darbyhtml/proficrm-sub003/internal/types"
)

// ErrAccessDenied indicates the call log is currently unreadable (permission
// missing or revoked).
var ErrAccessDenied = errors.New("call log access denied")

// Provider queries the platform call log for records in a time range
type Provider interface {
	Query(ctx context.Context, from, to time.Time) ([]types.CallLogRecord, error)
}
