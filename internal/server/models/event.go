package models

import (
	"errors"
	"fmt"
)

// Op is the kind of document mutation a change event reports.
type Op string

const (
	OpCreate Op = "c"
	OpUpdate Op = "u"
	OpDelete Op = "d"
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return string(o)
	}
}

// ChangeEvent carries the snapshots of one mutation of a member_users row.
// Create has After only, delete has Before only, update has both.
type ChangeEvent struct {
	ID       string
	RecordID string
	Op       Op
	Before   *DirectoryRecord
	After    *DirectoryRecord
}

var ErrInvalidEvent = errors.New("invalid change event")

// Validate checks that the snapshots required by Op are present.
func (e ChangeEvent) Validate() error {
	switch e.Op {
	case OpCreate:
		if e.After == nil {
			return fmt.Errorf("%w: create without after snapshot", ErrInvalidEvent)
		}
	case OpUpdate:
		if e.Before == nil || e.After == nil {
			return fmt.Errorf("%w: update needs both snapshots", ErrInvalidEvent)
		}
	case OpDelete:
		if e.Before == nil {
			return fmt.Errorf("%w: delete without before snapshot", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidEvent, string(e.Op))
	}
	return nil
}
