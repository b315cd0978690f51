package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"examguard/internal/config"
	"examguard/internal/model"
)

// RetryPolicy bounds how long a transient persistence error is retried.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

func PolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return RetryPolicy{
		MaxAttempts:     uint(attempts),
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		MaxElapsed:      cfg.MaxElapsed,
	}
}

// retryingStore wraps a Store so that every call is retried with exponential
// backoff. Not-found and invariant errors are returned immediately; anything else
// that outlives the policy is reported as model.ErrPersistence.
type retryingStore struct {
	inner  Store
	policy RetryPolicy
	logger *slog.Logger
}

func WithRetry(inner Store, policy RetryPolicy, logger *slog.Logger) Store {
	return &retryingStore{inner: inner, policy: policy, logger: logger}
}

func retry[T any](ctx context.Context, r *retryingStore, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}
	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, next time.Duration) {
			if r.logger != nil {
				r.logger.Warn("storage call failed, retrying", "op", op, "err", err, "next", next.String())
			}
		}),
	}
	if r.policy.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(r.policy.MaxAttempts))
	}
	if r.policy.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(r.policy.MaxElapsed))
	}
	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && isPermanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
	if err == nil {
		return res, nil
	}
	if isPermanent(err) {
		return res, err
	}
	if r.logger != nil {
		r.logger.Error("storage call exhausted retries", "op", op, "err", err)
	}
	return res, fmt.Errorf("%s: %w: %w", op, model.ErrPersistence, err)
}

func isPermanent(err error) bool {
	return errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrInvariantViolation) ||
		errors.Is(err, model.ErrPersistence)
}

func exec(ctx context.Context, r *retryingStore, op string, fn func() error) error {
	_, err := retry(ctx, r, op, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

func (r *retryingStore) Init(ctx context.Context) error {
	return exec(ctx, r, "init", func() error { return r.inner.Init(ctx) })
}

func (r *retryingStore) Close() error {
	return r.inner.Close()
}

func (r *retryingStore) CreateSession(ctx context.Context, s model.ExamSession) error {
	return exec(ctx, r, "create session", func() error { return r.inner.CreateSession(ctx, s) })
}

func (r *retryingStore) GetSession(ctx context.Context, id string) (*model.ExamSession, error) {
	return retry(ctx, r, "get session", func() (*model.ExamSession, error) { return r.inner.GetSession(ctx, id) })
}

func (r *retryingStore) UpdateSessionStatus(ctx context.Context, t SessionTransition) error {
	return exec(ctx, r, "update session status", func() error { return r.inner.UpdateSessionStatus(ctx, t) })
}

// CreateAlert is safe to retry: the dedupe key makes a replay after an
// ambiguous commit a no-op.
func (r *retryingStore) CreateAlert(ctx context.Context, a model.Alert) (bool, error) {
	return retry(ctx, r, "create alert", func() (bool, error) { return r.inner.CreateAlert(ctx, a) })
}

func (r *retryingStore) ListAlerts(ctx context.Context, sessionID string, f AlertFilter) ([]model.Alert, error) {
	return retry(ctx, r, "list alerts", func() ([]model.Alert, error) { return r.inner.ListAlerts(ctx, sessionID, f) })
}

func (r *retryingStore) AcknowledgeAlert(ctx context.Context, alertID, proctorID string) (*model.Alert, error) {
	return retry(ctx, r, "acknowledge alert", func() (*model.Alert, error) {
		return r.inner.AcknowledgeAlert(ctx, alertID, proctorID)
	})
}

func (r *retryingStore) CreateIncidentIfNoneOpen(ctx context.Context, inc model.Incident) (bool, error) {
	return retry(ctx, r, "create incident", func() (bool, error) { return r.inner.CreateIncidentIfNoneOpen(ctx, inc) })
}

func (r *retryingStore) FindOpenIncident(ctx context.Context, sessionID string) (*model.Incident, error) {
	return retry(ctx, r, "find open incident", func() (*model.Incident, error) {
		return r.inner.FindOpenIncident(ctx, sessionID)
	})
}

func (r *retryingStore) GetIncident(ctx context.Context, id string) (*model.Incident, error) {
	return retry(ctx, r, "get incident", func() (*model.Incident, error) { return r.inner.GetIncident(ctx, id) })
}

func (r *retryingStore) UpdateIncidentStatus(ctx context.Context, t IncidentTransition) error {
	return exec(ctx, r, "update incident status", func() error { return r.inner.UpdateIncidentStatus(ctx, t) })
}

func (r *retryingStore) ListIncidents(ctx context.Context, sessionID string, limit int) ([]model.Incident, error) {
	return retry(ctx, r, "list incidents", func() ([]model.Incident, error) {
		return r.inner.ListIncidents(ctx, sessionID, limit)
	})
}
