// Package changes stores the member_users change outbox. Triggers append one
// row per insert, update and delete; the sync worker claims rows, hands them
// to the reconciler and deletes them once handled.
package changes

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/membersync/internal/server/models"
)

// Change is one claimed outbox row. Before and After hold the raw row
// snapshots written by the trigger and may be nil.
type Change struct {
	ID       int64
	RecordID string
	Op       models.Op
	Before   []byte
	After    []byte
	Attempts int
}

// Event decodes the snapshots into a ChangeEvent.
func (c Change) Event() (models.ChangeEvent, error) {
	ev := models.ChangeEvent{
		ID:       fmt.Sprintf("outbox-%d", c.ID),
		RecordID: c.RecordID,
		Op:       c.Op,
	}

	var err error
	if ev.Before, err = decodeSnapshot(c.Before); err != nil {
		return ev, fmt.Errorf("%w: before: %v", models.ErrInvalidEvent, err)
	}
	if ev.After, err = decodeSnapshot(c.After); err != nil {
		return ev, fmt.Errorf("%w: after: %v", models.ErrInvalidEvent, err)
	}
	return ev, ev.Validate()
}

func decodeSnapshot(raw []byte) (*models.DirectoryRecord, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	rec := &models.DirectoryRecord{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

type Repository interface {
	// Claim leases up to limit due rows. Rows stay invisible to other
	// claimers until the lease expires or they are rescheduled.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Change, error)
	Ack(ctx context.Context, id int64) error
	Reschedule(ctx context.Context, id int64, delay time.Duration, lastErr string) error
	Backlog(ctx context.Context) (int64, error)
}
