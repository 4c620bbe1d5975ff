package scanfeed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ent0n29/shuttle/internal/reliability"
)

type KafkaConfig struct {
	Brokers   []string
	Topic     string
	GroupID   string
	MinBytes  int
	MaxBytes  int
	MaxWait   time.Duration
	Logger    *slog.Logger
	OnState   func(State)
	OnMessage func(result string)
}

// KafkaSource consumes scan events from a topic with a consumer group.
// Offsets are committed once the sink accepts an event; malformed payloads
// are committed and dropped so they never block the partition.
type KafkaSource struct {
	reader    *kafka.Reader
	logger    *slog.Logger
	onMessage func(string)
	tracker   *Tracker
}

func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka scan feed needs at least one broker")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka scan feed needs a topic")
	}
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 1 << 20
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    cfg.Topic,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
		MaxWait:  cfg.MaxWait,
	})
	return &KafkaSource{
		reader:    reader,
		logger:    logger.With("component", "scanfeed", "source", "kafka", "topic", cfg.Topic),
		onMessage: cfg.OnMessage,
		tracker:   NewTracker("kafka", cfg.OnState),
	}, nil
}

func (s *KafkaSource) Name() string { return "kafka" }

func (s *KafkaSource) Status() Status { return s.tracker.Status() }

func (s *KafkaSource) Run(ctx context.Context, sink Sink) error {
	defer s.tracker.set(StateDisconnected, nil)
	s.logger.Info("starting scan consumer", "group", s.reader.Config().GroupID)

	failures := 0
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.tracker.set(StateDisconnected, err)
			delay := reliability.ExponentialBackoff(failures, time.Second, maxReconnectDelay)
			failures++
			s.logger.Error("error fetching scan message", "error", err, "retry_in", delay.String())
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		failures = 0
		s.tracker.set(StateConnected, nil)

		if err := s.handle(ctx, sink, msg); err != nil {
			// Not committed: the group redelivers it.
			s.logger.Error("error handling scan message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.logger.Error("error committing scan message", "offset", msg.Offset, "error", err)
		}
	}
}

func (s *KafkaSource) handle(ctx context.Context, sink Sink, msg kafka.Message) error {
	evt, err := Parse(msg.Value)
	if err != nil {
		s.tracker.received(true)
		s.observe("malformed")
		s.logger.Warn("malformed scan event dropped", "offset", msg.Offset, "error", err)
		return nil
	}
	s.tracker.received(false)
	if err := sink(ctx, evt); err != nil {
		s.observe("sink_error")
		return fmt.Errorf("ingest task %s: %w", evt.TaskID, err)
	}
	s.observe("ok")
	return nil
}

func (s *KafkaSource) observe(result string) {
	if s.onMessage != nil {
		s.onMessage(result)
	}
}

func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
