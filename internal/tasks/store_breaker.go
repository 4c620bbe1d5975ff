package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

type BreakerConfig struct {
	Name             string
	MaxFailures      uint32
	Cooldown         time.Duration
	HalfOpenRequests uint32
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// BreakerStore trips after consecutive store failures so an unreachable
// backend fails fast instead of stalling every operator action for the
// full store timeout.
type BreakerStore struct {
	next   Store
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

func NewBreakerStore(next Store, cfg BreakerConfig, logger *slog.Logger) *BreakerStore {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("store circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Missing rows and domain conflicts are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrStoreNotFound) ||
				errors.Is(err, ErrCycleActive) ||
				errors.Is(err, ErrNoActiveCycle)
		},
	}
	return &BreakerStore{
		next:   next,
		cb:     gobreaker.NewCircuitBreaker(settings),
		logger: logger,
	}
}

func (b *BreakerStore) State() string {
	return b.cb.State().String()
}

func (b *BreakerStore) do(fn func() (any, error)) (any, error) {
	out, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return out, err
}

func (b *BreakerStore) ListInProgress(ctx context.Context, mode string) ([]Task, error) {
	out, err := b.do(func() (any, error) { return b.next.ListInProgress(ctx, mode) })
	if err != nil {
		return nil, err
	}
	return out.([]Task), nil
}

func (b *BreakerStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	out, err := b.do(func() (any, error) { return b.next.CreateTask(ctx, task) })
	if err != nil {
		return Task{}, err
	}
	return out.(Task), nil
}

func (b *BreakerStore) UpdateStatus(ctx context.Context, taskID string, status Status) error {
	_, err := b.do(func() (any, error) { return nil, b.next.UpdateStatus(ctx, taskID, status) })
	return err
}

func (b *BreakerStore) MarkMissing(ctx context.Context, taskID string) error {
	_, err := b.do(func() (any, error) { return nil, b.next.MarkMissing(ctx, taskID) })
	return err
}

func (b *BreakerStore) DeleteTask(ctx context.Context, taskID string) error {
	_, err := b.do(func() (any, error) { return nil, b.next.DeleteTask(ctx, taskID) })
	return err
}

func (b *BreakerStore) GetPosition(ctx context.Context, mode string) (string, error) {
	out, err := b.do(func() (any, error) { return b.next.GetPosition(ctx, mode) })
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (b *BreakerStore) SavePosition(ctx context.Context, mode, stopID string) error {
	_, err := b.do(func() (any, error) { return nil, b.next.SavePosition(ctx, mode, stopID) })
	return err
}

func (b *BreakerStore) ListStops(ctx context.Context) (map[string]string, error) {
	out, err := b.do(func() (any, error) { return b.next.ListStops(ctx) })
	if err != nil {
		return nil, err
	}
	return out.(map[string]string), nil
}

func (b *BreakerStore) StartCycle(ctx context.Context, mode string) (Cycle, error) {
	out, err := b.do(func() (any, error) { return b.next.StartCycle(ctx, mode) })
	if err != nil {
		return Cycle{}, err
	}
	return out.(Cycle), nil
}

func (b *BreakerStore) StopCycle(ctx context.Context, mode string) (Cycle, error) {
	out, err := b.do(func() (any, error) { return b.next.StopCycle(ctx, mode) })
	if err != nil {
		return Cycle{}, err
	}
	return out.(Cycle), nil
}

func (b *BreakerStore) ListCycles(ctx context.Context, mode string, limit int) ([]Cycle, error) {
	out, err := b.do(func() (any, error) { return b.next.ListCycles(ctx, mode, limit) })
	if err != nil {
		return nil, err
	}
	return out.([]Cycle), nil
}

func (b *BreakerStore) Close() error {
	return b.next.Close()
}
