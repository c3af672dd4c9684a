package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dmitrijs2005/membersync/internal/common"
	"github.com/dmitrijs2005/membersync/internal/dbx"
	"github.com/dmitrijs2005/membersync/internal/logging"
	"github.com/dmitrijs2005/membersync/internal/server/metrics"
	"github.com/dmitrijs2005/membersync/internal/server/repositories/changes"
	"github.com/dmitrijs2005/membersync/internal/server/repositories/repomanager"
	"golang.org/x/sync/errgroup"
)

const sourceOutbox = "outbox"

type OutboxOptions struct {
	PollInterval time.Duration
	BatchSize    int
	Lease        time.Duration
	Workers      int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// OutboxSource polls member_user_changes. Changes of one record are handled
// in order; different records are handled in parallel.
type OutboxSource struct {
	db          dbx.DBTX
	repomanager repomanager.RepositoryManager
	dispatcher  *Dispatcher
	log         logging.Logger
	metrics     *metrics.Metrics
	opts        OutboxOptions
}

func NewOutboxSource(db dbx.DBTX, rm repomanager.RepositoryManager, d *Dispatcher, log logging.Logger, m *metrics.Metrics, opts OutboxOptions) *OutboxSource {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &OutboxSource{db: db, repomanager: rm, dispatcher: d, log: log, metrics: m, opts: opts}
}

// Run polls until ctx is done. A full batch is followed by another poll
// right away.
func (s *OutboxSource) Run(ctx context.Context) error {
	s.log.Info(ctx, "outbox source started", "batch_size", s.opts.BatchSize, "workers", s.opts.Workers)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info(ctx, "outbox source stopped")
			return nil
		case <-timer.C:
		}

		n, err := s.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Error(ctx, "outbox poll failed", "error", err)
		}

		next := s.opts.PollInterval
		if err == nil && n == s.opts.BatchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// Poll claims and handles one batch and returns its size.
func (s *OutboxSource) Poll(ctx context.Context) (int, error) {
	repo := s.repomanager.Changes(s.db)

	batch, err := repo.Claim(ctx, s.opts.BatchSize, s.opts.Lease)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(s.opts.Workers)
	for _, group := range groupByRecord(batch) {
		g.Go(func() error {
			s.handleGroup(ctx, repo, group)
			return nil
		})
	}
	_ = g.Wait()

	if backlog, err := repo.Backlog(ctx); err == nil {
		s.metrics.SetBacklog(backlog)
	}
	return len(batch), nil
}

// handleGroup stops at the first failure; the later changes stay leased
// and are then held back by the rescheduled one.
func (s *OutboxSource) handleGroup(ctx context.Context, repo changes.Repository, group []changes.Change) {
	for _, c := range group {
		log := s.log.With("change_id", c.ID, "record_id", c.RecordID, "op", c.Op.String())

		ev, err := c.Event()
		if err != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		} else {
			err = s.dispatcher.Dispatch(ctx, ev)
		}

		switch {
		case err == nil:
			s.metrics.Dispatched(sourceOutbox, "ok")
			s.ack(ctx, repo, log, c)

		case errors.Is(err, ErrMalformedEvent):
			s.metrics.Dispatched(sourceOutbox, "malformed")
			log.Error(ctx, "dropping malformed change", "error", err)
			s.ack(ctx, repo, log, c)

		default:
			s.metrics.Dispatched(sourceOutbox, "retry")
			delay := retryDelay(c.Attempts, s.opts.RetryInitial, s.opts.RetryMax)
			log.Warn(ctx, "change failed, rescheduled", "attempts", c.Attempts, "delay", delay.String(), "error", err)
			if rerr := repo.Reschedule(ctx, c.ID, delay, err.Error()); rerr != nil {
				log.Error(ctx, "reschedule failed", "error", rerr)
			}
			return
		}
	}
}

func (s *OutboxSource) ack(ctx context.Context, repo changes.Repository, log logging.Logger, c changes.Change) {
	err := repo.Ack(ctx, c.ID)
	if err != nil && !errors.Is(err, common.ErrorNotFound) {
		log.Error(ctx, "ack failed", "error", err)
	}
}

// groupByRecord keeps the id order inside each group and orders groups by
// their first change.
func groupByRecord(batch []changes.Change) [][]changes.Change {
	idx := map[string]int{}
	var out [][]changes.Change
	for _, c := range batch {
		i, ok := idx[c.RecordID]
		if !ok {
			i = len(out)
			idx[c.RecordID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], c)
	}
	return out
}

// retryDelay is the capped exponential delay after the given attempt count.
func retryDelay(attempts int, initial, maxDelay time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if maxDelay < initial {
		maxDelay = initial
	}

	b := &backoff.ExponentialBackOff{
		InitialInterval:     initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxDelay,
	}
	b.Reset()

	d := initial
	for i := 0; i < attempts && i < 64 && d < maxDelay; i++ {
		d = b.NextBackOff()
	}
	return d
}
