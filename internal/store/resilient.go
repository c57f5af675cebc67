package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/eventcore/internal/model"
)

// Repository is the state repository contract wrapped by ResilientStates.
type Repository interface {
	GetOrCreate(ctx context.Context, id model.StreamProcessorID, partitioned bool) (model.State, error)
	Persist(ctx context.Context, id model.StreamProcessorID, state model.State) error
}

// RetryConfig bounds the retries of transient persistence failures.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig retries for up to ten seconds.
var DefaultRetryConfig = RetryConfig{
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxElapsedTime:  10 * time.Second,
}

// ResilientStates retries transient failures of an inner repository with
// exponential backoff. Other failures are returned immediately.
//
// The processing loop terminates when persisting fails, so riding out a
// briefly locked database here keeps processors alive.
type ResilientStates struct {
	inner  Repository
	config RetryConfig
	logger *slog.Logger
}

// NewResilientStates wraps inner. A zero config uses DefaultRetryConfig.
func NewResilientStates(inner Repository, config RetryConfig, logger *slog.Logger) *ResilientStates {
	if config == (RetryConfig{}) {
		config = DefaultRetryConfig
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResilientStates{inner: inner, config: config, logger: logger}
}

func (r *ResilientStates) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.config.InitialInterval),
		backoff.WithMaxInterval(r.config.MaxInterval),
		backoff.WithMaxElapsedTime(r.config.MaxElapsedTime),
	)
	return backoff.WithContext(b, ctx)
}

func (r *ResilientStates) notify(op string, id model.StreamProcessorID) backoff.Notify {
	return func(err error, wait time.Duration) {
		r.logger.Warn("retrying state repository operation",
			"op", op,
			"processor", id.String(),
			"wait", wait,
			"error", err,
		)
	}
}

// GetOrCreate calls the inner repository, retrying transient failures.
func (r *ResilientStates) GetOrCreate(ctx context.Context, id model.StreamProcessorID, partitioned bool) (model.State, error) {
	return backoff.RetryNotifyWithData(func() (model.State, error) {
		state, err := r.inner.GetOrCreate(ctx, id, partitioned)
		if err != nil && !IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return state, err
	}, r.newBackOff(ctx), r.notify("get_or_create", id))
}

// Persist calls the inner repository, retrying transient failures.
func (r *ResilientStates) Persist(ctx context.Context, id model.StreamProcessorID, state model.State) error {
	err := backoff.RetryNotify(func() error {
		err := r.inner.Persist(ctx, id, state)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, r.newBackOff(ctx), r.notify("persist", id))
	if err != nil {
		return fmt.Errorf("persist %s: %w", id, err)
	}
	return nil
}
