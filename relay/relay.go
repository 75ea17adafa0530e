// Package relay streams block events through Kafka so worker-only pods
// can process blocks without running their own fetch loops.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/0xmhha/orchestrator-go/internal/config"
	"github.com/0xmhha/orchestrator-go/internal/logger"
	"github.com/0xmhha/orchestrator-go/types"
	"github.com/0xmhha/orchestrator-go/watcher"
)

var (
	// ErrInvalidConfig is returned when the relay configuration is unusable
	ErrInvalidConfig = errors.New("invalid relay configuration")

	// ErrClosed is returned when writing through a closed relay
	ErrClosed = errors.New("relay closed")
)

// Publisher forwards watcher block events to a Kafka topic. Events are
// keyed by network so each network's blocks stay ordered within a
// partition.
type Publisher struct {
	writer *kafka.Writer
	closed atomic.Bool

	stats struct {
		published atomic.Uint64
		errors    atomic.Uint64
	}

	logger *zap.Logger
}

// NewPublisher creates a Kafka publisher from the relay configuration.
func NewPublisher(cfg config.RelayConfig, log *zap.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no brokers", ErrInvalidConfig)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: no topic", ErrInvalidConfig)
	}
	if log == nil {
		log = zap.NewNop()
	}

	var acks kafka.RequiredAcks
	switch cfg.RequiredAcks {
	case 0:
		acks = kafka.RequireNone
	case 1:
		acks = kafka.RequireOne
	default:
		acks = kafka.RequireAll
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: acks,
	}

	return &Publisher{
		writer: writer,
		logger: logger.WithComponent(log, "relay-publisher"),
	}, nil
}

// Publish writes one block event to the topic.
func (p *Publisher) Publish(ctx context.Context, event types.BlockEvent) error {
	if p.closed.Load() {
		return ErrClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.stats.errors.Add(1)
		return fmt.Errorf("failed to serialize block event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.Network),
		Value: data,
		Headers: []kafka.Header{
			{Key: "network", Value: []byte(event.Network)},
			{Key: "height", Value: []byte(strconv.FormatUint(event.Block.Number, 10))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.stats.errors.Add(1)
		return fmt.Errorf("failed to write to kafka: %w", err)
	}

	p.stats.published.Add(1)
	return nil
}

// Run consumes a watcher subscription and relays every event until the
// subscription channel closes or the context is cancelled.
func (p *Publisher) Run(ctx context.Context, sub *watcher.Subscription) {
	for event := range sub.Channel {
		if ctx.Err() != nil {
			return
		}
		if err := p.Publish(ctx, event); err != nil {
			p.logger.Error("Failed to relay block event",
				zap.String("network", event.Network),
				zap.Uint64("height", event.Block.Number),
				zap.Error(err),
			)
		}
	}
}

// Stats returns publish and error totals.
func (p *Publisher) Stats() (published, errs uint64) {
	return p.stats.published.Load(), p.stats.errors.Load()
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}

// Source consumes relayed block events and re-broadcasts them locally,
// giving worker-only pods the same subscription surface a local watcher
// provides.
type Source struct {
	reader      *kafka.Reader
	broadcaster *watcher.Broadcaster

	logger *zap.Logger
}

// NewSource creates a relay-backed block source. bufferSize is each local
// subscriber's queue capacity.
func NewSource(cfg config.RelayConfig, bufferSize int, log *zap.Logger) (*Source, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: no brokers", ErrInvalidConfig)
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("%w: no topic", ErrInvalidConfig)
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = logger.WithComponent(log, "relay-source")

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})

	return &Source{
		reader:      reader,
		broadcaster: watcher.NewBroadcaster(bufferSize, log, nil),
		logger:      log,
	}, nil
}

// Subscribe registers a local consumer on a network's relayed feed.
func (s *Source) Subscribe(networkID, subscriberID string) (*watcher.Subscription, error) {
	sub := s.broadcaster.Subscribe(networkID, subscriberID)
	if sub == nil {
		return nil, ErrClosed
	}
	return sub, nil
}

// Unsubscribe removes a local consumer.
func (s *Source) Unsubscribe(networkID, subscriberID string) {
	s.broadcaster.Unsubscribe(networkID, subscriberID)
}

// Run reads relayed events and republishes them to local subscribers
// until the context is cancelled.
func (s *Source) Run(ctx context.Context) error {
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("failed to read from kafka: %w", err)
		}

		var event types.BlockEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			s.logger.Warn("Discarding malformed relay message",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			continue
		}
		if event.Block == nil {
			s.logger.Warn("Discarding relay message without block",
				zap.Int64("offset", msg.Offset),
			)
			continue
		}
		s.broadcaster.Publish(event.Block)
	}
}

// Close stops the reader and closes local subscriptions.
func (s *Source) Close() error {
	s.broadcaster.Close()
	return s.reader.Close()
}
