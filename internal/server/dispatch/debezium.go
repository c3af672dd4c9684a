package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dmitrijs2005/membersync/internal/server/models"
)

// debeziumPayload is the part of a Debezium change message we use. With the
// JSON converter's schemas enabled it is wrapped in {"schema":..,"payload":..}.
type debeziumPayload struct {
	Op     string                  `json:"op"`
	Before *models.DirectoryRecord `json:"before"`
	After  *models.DirectoryRecord `json:"after"`
}

// DecodeDebezium turns a message value into a ChangeEvent. skip is true for
// tombstones and truncate events, which carry nothing to reconcile.
func DecodeDebezium(id string, value []byte) (ev models.ChangeEvent, skip bool, err error) {
	value = bytes.TrimSpace(value)
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return ev, true, nil
	}

	var wrapper struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(value, &wrapper); err != nil {
		return ev, false, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	body := value
	if len(wrapper.Payload) > 0 {
		if bytes.Equal(wrapper.Payload, []byte("null")) {
			return ev, true, nil
		}
		body = wrapper.Payload
	}

	var p debeziumPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return ev, false, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	ev = models.ChangeEvent{ID: id, Before: p.Before, After: p.After}
	switch p.Op {
	case "c", "r":
		ev.Op = models.OpCreate
	case "u":
		ev.Op = models.OpUpdate
	case "d":
		ev.Op = models.OpDelete
	case "t":
		return ev, true, nil
	default:
		return ev, false, fmt.Errorf("%w: unknown op %q", ErrMalformedEvent, p.Op)
	}

	switch {
	case p.After != nil:
		ev.RecordID = p.After.ID
	case p.Before != nil:
		ev.RecordID = p.Before.ID
	}

	if err := ev.Validate(); err != nil {
		return ev, false, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, false, nil
}
