package calllog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/darbyhtml/proficrm-sub003/internal/types"
)

// fileRecord is the on-disk row format written by the platform bridge
type fileRecord struct {
	Number          string `json:"number"`
	Type            string `json:"type"`
	DurationSeconds int    `json:"durationSeconds"`
	Timestamp       int64  `json:"timestamp"` // unix seconds
	SubscriptionID  string `json:"subscriptionId,omitempty"`
}

// FileProvider reads call-log records from a JSON file maintained by the
// platform bridge. A missing or unreadable file means the bridge has no log
// access, which surfaces as ErrAccessDenied.
type FileProvider struct {
	path string
}

func NewFileProvider(path string) *FileProvider {
	return &FileProvider{path: path}
}

func (p *FileProvider) Query(ctx context.Context, from, to time.Time) ([]types.CallLogRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) || os.IsPermission(err) {
			return nil, ErrAccessDenied
		}
		return nil, fmt.Errorf("read call log file: %w", err)
	}

	var raw []fileRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode call log file: %w", err)
	}

	var records []types.CallLogRecord
	for _, r := range raw {
		ts := time.Unix(r.Timestamp, 0)
		if ts.Before(from) || ts.After(to) {
			continue
		}
		records = append(records, types.CallLogRecord{
			Number:          r.Number,
			Type:            types.ParseCallType(r.Type),
			DurationSeconds: r.DurationSeconds,
			Timestamp:       ts,
			SubscriptionID:  r.SubscriptionID,
		})
	}
	return records, nil
}
