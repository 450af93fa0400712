package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/runbook/internal/persistence"
)

// RetryConfig configures exponential backoff between attempts of a failing body.
type RetryConfig struct {
	InitialInterval     time.Duration // Used when the task declares no interval (default 1s)
	MaxInterval         time.Duration // Maximum wait between attempts (default 30s)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// newBackOff builds the wait policy for a task allowed maxAttempts attempts.
// The number of attempts bounds the retries, not elapsed time.
func newBackOff(ctx context.Context, cfg RetryConfig, initial time.Duration, maxAttempts int) backoff.BackOff {
	if maxAttempts <= 1 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	if initial <= 0 {
		initial = cfg.InitialInterval
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	if cfg.MaxInterval > 0 {
		policy.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier >= 1 {
		policy.Multiplier = cfg.Multiplier
	}
	policy.RandomizationFactor = cfg.RandomizationFactor
	policy.MaxElapsedTime = 0
	policy.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(policy, uint64(maxAttempts-1)), ctx)
}

// newBreaker creates the circuit breaker guarding journal writes.
func newBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,                // One probe write in half-open state
		Interval:    0,                // Don't clear counts automatically
		Timeout:     30 * time.Second, // Stay open for 30s before probing again
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// A missing row is a caller mistake, not an unhealthy journal
			return errors.Is(err, persistence.ErrNotFound) ||
				errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
}

// journalWriter writes audit records through a circuit breaker. Failures are
// logged and swallowed; the journal never decides the outcome of a run.
type journalWriter struct {
	journal persistence.Journal
	cb      *gobreaker.CircuitBreaker
	logger  *slog.Logger
	timeout time.Duration
}

func newJournalWriter(j persistence.Journal, logger *slog.Logger) *journalWriter {
	return &journalWriter{
		journal: j,
		cb:      newBreaker("journal", logger),
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// write runs fn unless the journal is absent or the breaker is open.
func (w *journalWriter) write(ctx context.Context, op string, fn func(ctx context.Context, j persistence.Journal) error) {
	if w == nil || w.journal == nil {
		return
	}
	// Journal writes outlive a cancelled run so the cancellation itself is recorded
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	defer cancel()

	_, err := w.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx, w.journal)
	})
	if err == nil {
		return
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		w.logger.Debug("journal write skipped, breaker open", "op", op)
		return
	}
	w.logger.Warn("journal write failed", "op", op, "error", err)
}

// state reports the breaker state, for status output and tests.
func (w *journalWriter) state() gobreaker.State {
	if w == nil || w.journal == nil {
		return gobreaker.StateClosed
	}
	return w.cb.State()
}
