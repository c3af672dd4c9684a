// Package dispatch feeds member_users change events to the reconciler. It
// provides at-least-once delivery from two sources: the Postgres change
// outbox and a Debezium topic on Kafka.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/membersync/internal/server/models"
)

// ErrMalformedEvent marks events that can never be handled. Sources drop
// them instead of retrying.
var ErrMalformedEvent = errors.New("malformed change event")

// Handler is implemented by services.Reconciler.
type Handler interface {
	OnCreate(ctx context.Context, rec models.DirectoryRecord) error
	OnUpdate(ctx context.Context, before, after models.DirectoryRecord) error
	OnDelete(ctx context.Context, before models.DirectoryRecord) error
}

type Dispatcher struct {
	handler Handler
	timeout time.Duration
}

// NewDispatcher bounds every handler invocation by timeout; zero disables it.
func NewDispatcher(h Handler, timeout time.Duration) *Dispatcher {
	return &Dispatcher{handler: h, timeout: timeout}
}

// Dispatch invokes the handler matching ev.Op. A returned error other than
// ErrMalformedEvent means the event should be delivered again.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.ChangeEvent) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	switch ev.Op {
	case models.OpCreate:
		return d.handler.OnCreate(ctx, *ev.After)
	case models.OpUpdate:
		return d.handler.OnUpdate(ctx, *ev.Before, *ev.After)
	default:
		return d.handler.OnDelete(ctx, *ev.Before)
	}
}
