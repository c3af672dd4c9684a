package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dmitrijs2005/membersync/internal/logging"
	"github.com/dmitrijs2005/membersync/internal/server/metrics"
	"github.com/segmentio/kafka-go"
)

const sourceKafka = "kafka"

// Headers added to dead-lettered messages.
const (
	HeaderError     = "membersync-error"
	HeaderTopic     = "membersync-original-topic"
	HeaderPartition = "membersync-original-partition"
	HeaderOffset    = "membersync-original-offset"
)

// MessageReader is the part of *kafka.Reader used by KafkaSource.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// MessageWriter is the part of *kafka.Writer used for dead letters.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type KafkaOptions struct {
	Brokers         []string
	Topic           string
	GroupID         string
	DeadLetterTopic string
}

type RetryOptions struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
}

func NewKafkaReader(opts KafkaOptions) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  opts.Brokers,
		Topic:    opts.Topic,
		GroupID:  opts.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	})
}

// NewDeadLetterWriter returns nil when no dead-letter topic is configured.
func NewDeadLetterWriter(opts KafkaOptions) *kafka.Writer {
	if opts.DeadLetterTopic == "" {
		return nil
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.DeadLetterTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// KafkaSource consumes Debezium change events. A message is committed only
// after it was handled, dropped as malformed or dead-lettered.
type KafkaSource struct {
	reader     MessageReader
	deadLetter MessageWriter
	dispatcher *Dispatcher
	log        logging.Logger
	metrics    *metrics.Metrics
	retry      RetryOptions
}

// NewKafkaSource accepts a nil deadLetter; exhausted messages are then
// logged and skipped.
func NewKafkaSource(r MessageReader, deadLetter MessageWriter, d *Dispatcher, log logging.Logger, m *metrics.Metrics, retry RetryOptions) *KafkaSource {
	return &KafkaSource{reader: r, deadLetter: deadLetter, dispatcher: d, log: log, metrics: m, retry: retry}
}

func (s *KafkaSource) Run(ctx context.Context) error {
	s.log.Info(ctx, "kafka source started")
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.log.Info(ctx, "kafka source stopped")
				return nil
			}
			s.log.Error(ctx, "kafka fetch failed", "error", err)
			if !sleep(ctx, s.retry.Initial) {
				return nil
			}
			continue
		}

		// Handle only fails once ctx is done; the offset then stays uncommitted.
		if err := s.Handle(ctx, msg); err != nil {
			s.log.Info(ctx, "kafka source stopped", "offset", msg.Offset)
			return nil
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.log.Error(ctx, "kafka commit failed", "offset", msg.Offset, "error", err)
		}
	}
}

// Handle processes one message with retries. A nil result means the message
// may be committed; an error is only returned when ctx ends first.
func (s *KafkaSource) Handle(ctx context.Context, msg kafka.Message) error {
	id := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	log := s.log.With("event_id", id)

	ev, skip, err := DecodeDebezium(id, msg.Value)
	if skip {
		s.metrics.Dispatched(sourceKafka, "skipped")
		return nil
	}
	if err != nil {
		s.metrics.Dispatched(sourceKafka, "malformed")
		log.Error(ctx, "dropping malformed change", "error", err)
		return s.deadLetterMsg(ctx, msg, err)
	}

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		err := s.dispatcher.Dispatch(ctx, ev)
		if errors.Is(err, ErrMalformedEvent) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			log.Warn(ctx, "change failed, retrying", "record_id", ev.RecordID, "attempt", attempt, "error", err)
		}
		return struct{}{}, err
	}

	retryOpts := []backoff.RetryOption{backoff.WithBackOff(s.newBackOff())}
	if s.retry.MaxElapsed > 0 {
		retryOpts = append(retryOpts, backoff.WithMaxElapsedTime(s.retry.MaxElapsed))
	}
	_, err = backoff.Retry(ctx, op, retryOpts...)
	switch {
	case err == nil:
		s.metrics.Dispatched(sourceKafka, "ok")
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrMalformedEvent):
		s.metrics.Dispatched(sourceKafka, "malformed")
		log.Error(ctx, "dropping malformed change", "record_id", ev.RecordID, "error", err)
		return s.deadLetterMsg(ctx, msg, err)
	default:
		s.metrics.Dispatched(sourceKafka, "dead_lettered")
		log.Error(ctx, "retries exhausted", "record_id", ev.RecordID, "attempts", attempt, "error", err)
		return s.deadLetterMsg(ctx, msg, err)
	}
}

func (s *KafkaSource) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if s.retry.Initial > 0 {
		b.InitialInterval = s.retry.Initial
	}
	if s.retry.Max > 0 {
		b.MaxInterval = s.retry.Max
	}
	return b
}

func (s *KafkaSource) deadLetterMsg(ctx context.Context, msg kafka.Message, cause error) error {
	if s.deadLetter == nil {
		return nil
	}
	dl := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafka.Header{}, msg.Headers...),
			kafka.Header{Key: HeaderError, Value: []byte(cause.Error())},
			kafka.Header{Key: HeaderTopic, Value: []byte(msg.Topic)},
			kafka.Header{Key: HeaderPartition, Value: []byte(strconv.Itoa(msg.Partition))},
			kafka.Header{Key: HeaderOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		),
	}

	// A later commit would also commit this offset, so the write is retried
	// until it succeeds. The change itself is not dispatched again.
	b := s.newBackOff()
	for attempt := 1; ; attempt++ {
		err := s.deadLetter.WriteMessages(ctx, dl)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return fmt.Errorf("dead letter: %w", ctx.Err())
		}
		s.log.Error(ctx, "dead letter write failed, retrying", "offset", msg.Offset, "attempt", attempt, "error", err)
		if !sleep(ctx, b.NextBackOff()) {
			return fmt.Errorf("dead letter: %w", ctx.Err())
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
