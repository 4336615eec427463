// Package stream publishes classified file events to Kafka for downstream risk
// scoring and audit consumers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	serrors "github.com/p-blackswan/sentinel/internal/errors"
	"github.com/p-blackswan/sentinel/internal/event"
)

// Writer is the subset of *kafka.Writer the sink uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Options tunes the sink.
type Options struct {
	BufferSize   int
	BatchSize    int
	FlushEvery   time.Duration
	WriteTimeout time.Duration
}

func (o *Options) defaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.FlushEvery <= 0 {
		o.FlushEvery = time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
}

// KafkaSink buffers events and writes them in batches. Publish never blocks the
// caller; events are dropped when the buffer is full.
type KafkaSink struct {
	w       Writer
	opts    Options
	ch      chan kafka.Message
	dropped atomic.Int64
	written atomic.Int64
	logger  zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewKafkaWriter builds a synchronous writer for topic on the comma separated
// broker list. Messages with the same key (project id) land on one partition.
func NewKafkaWriter(brokers, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
}

// NewKafkaSink wraps w.
func NewKafkaSink(w Writer, opts Options, logger zerolog.Logger) *KafkaSink {
	opts.defaults()
	return &KafkaSink{
		w:      w,
		opts:   opts,
		ch:     make(chan kafka.Message, opts.BufferSize),
		logger: logger.With().Str("component", "kafka_sink").Logger(),
		closed: make(chan struct{}),
	}
}

// Publish queues p keyed by its project.
func (s *KafkaSink) Publish(_ context.Context, p event.FileEventPayload) error {
	select {
	case <-s.closed:
		return serrors.ErrClosed
	default:
	}
	value, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding file event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(p.ProjectID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(p.Event.Action)},
			{Key: "level", Value: []byte(p.Result.Level)},
		},
		Time: p.Event.Timestamp,
	}
	select {
	case s.ch <- msg:
		return nil
	default:
		s.dropped.Add(1)
		return serrors.ErrQueueFull
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (s *KafkaSink) Dropped() int64 { return s.dropped.Load() }

// Written returns the number of events acknowledged by the brokers.
func (s *KafkaSink) Written() int64 { return s.written.Load() }

// Run drains the buffer until ctx is done, then flushes what is left and
// closes the writer.
func (s *KafkaSink) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.FlushEvery)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, s.opts.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
		err := s.w.WriteMessages(wctx, batch...)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Int("batch", len(batch)).Msg("failed to write events")
		} else {
			s.written.Add(int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			s.closeOnce.Do(func() { close(s.closed) })
			for drained := false; !drained; {
				select {
				case msg := <-s.ch:
					batch = append(batch, msg)
					if len(batch) >= s.opts.BatchSize {
						flush(context.Background())
					}
				default:
					drained = true
				}
			}
			flush(context.Background())
			return s.w.Close()
		case msg := <-s.ch:
			batch = append(batch, msg)
			if len(batch) >= s.opts.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		}
	}
}
