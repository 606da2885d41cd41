// TaxDesk - customer support assistant pipeline
// License: MIT
//
// Copyright (c) 2026 TaxDesk contributors

package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taxdesk/taxdesk/pkg/logger"
)

type Status string

const (
	StatusClosed   Status = "CLOSED"
	StatusOpen     Status = "OPEN"
	StatusHalfOpen Status = "HALF_OPEN"
)

// ErrUnavailable is the synthetic fail-fast error returned while a breaker
// is open. Callers treat it the same as retry exhaustion.
var ErrUnavailable = errors.New("dependency unavailable: circuit open")

type Options struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxRetries       int
	BackoffBase      time.Duration
}

func (o Options) withDefaults() Options {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.Cooldown <= 0 {
		o.Cooldown = 30 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	return o
}

// Breaker guards one named external dependency. Calls pass through while
// CLOSED; after FailureThreshold consecutive failures the breaker opens and
// fails fast for Cooldown; the first call after cooldown is the single
// HALF_OPEN trial that either closes or reopens it.
type Breaker struct {
	name string
	opts Options

	mu            sync.Mutex
	status        Status
	failures      int
	openedAt      time.Time
	trialInFlight bool
	trips         int64

	onTrip func(name string)
}

func NewBreaker(name string, opts Options) *Breaker {
	return &Breaker{
		name:   name,
		opts:   opts.withDefaults(),
		status: StatusClosed,
	}
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStatusLocked(time.Now())
}

// currentStatusLocked folds cooldown expiry into the visible status without
// consuming the half-open trial slot.
func (b *Breaker) currentStatusLocked(now time.Time) Status {
	if b.status == StatusOpen && now.Sub(b.openedAt) >= b.opts.Cooldown {
		return StatusHalfOpen
	}
	return b.status
}

// allow reports whether a real call may proceed. The returned trial flag is
// true when this call is the single half-open probe.
func (b *Breaker) allow(now time.Time) (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.status {
	case StatusClosed:
		return false, nil
	case StatusOpen:
		if now.Sub(b.openedAt) < b.opts.Cooldown {
			return false, fmt.Errorf("%s: %w", b.name, ErrUnavailable)
		}
		b.status = StatusHalfOpen
		b.trialInFlight = true
		logger.InfoCF("resilience", "Breaker half-open, allowing trial call",
			map[string]interface{}{"breaker": b.name})
		return true, nil
	case StatusHalfOpen:
		if b.trialInFlight {
			return false, fmt.Errorf("%s: %w", b.name, ErrUnavailable)
		}
		b.trialInFlight = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) onSuccess(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}
	if b.status == StatusHalfOpen {
		logger.InfoCF("resilience", "Breaker closed after successful trial",
			map[string]interface{}{"breaker": b.name})
	}
	b.status = StatusClosed
	b.failures = 0
}

func (b *Breaker) onFailure(trial bool, now time.Time) {
	b.mu.Lock()
	tripped := false
	if trial {
		b.trialInFlight = false
	}

	switch b.status {
	case StatusHalfOpen:
		// Trial failed: reopen and restart the cooldown clock.
		b.status = StatusOpen
		b.openedAt = now
		b.trips++
		tripped = true
	case StatusClosed:
		b.failures++
		if b.failures >= b.opts.FailureThreshold {
			b.status = StatusOpen
			b.openedAt = now
			b.trips++
			tripped = true
		}
	}
	name := b.name
	failures := b.failures
	cb := b.onTrip
	b.mu.Unlock()

	if tripped {
		logger.WarnCF("resilience", "Breaker opened",
			map[string]interface{}{"breaker": name, "consecutive_failures": failures})
		if cb != nil {
			cb(name)
		}
	}
}

// Do runs fn with bounded exponential-backoff retries. Retries happen only
// while the breaker is CLOSED or HALF_OPEN; an open breaker fails fast with
// ErrUnavailable and no call is attempted.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	backoff := b.opts.BackoffBase
	var lastErr error

	for attempt := 0; attempt <= b.opts.MaxRetries; attempt++ {
		trial, err := b.allow(time.Now())
		if err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			b.onSuccess(trial)
			return nil
		}
		b.onFailure(trial, time.Now())

		if attempt < b.opts.MaxRetries {
			logger.DebugCF("resilience", "Call failed, backing off",
				map[string]interface{}{
					"breaker":    b.name,
					"attempt":    attempt + 1,
					"backoff_ms": backoff.Milliseconds(),
					"error":      lastErr.Error(),
				})
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}

type BreakerSnapshot struct {
	Name     string    `json:"name"`
	Status   Status    `json:"status"`
	Failures int       `json:"consecutive_failures"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
	Trips    int64     `json:"trips"`
}

func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Name:     b.name,
		Status:   b.currentStatusLocked(time.Now()),
		Failures: b.failures,
		OpenedAt: b.openedAt,
		Trips:    b.trips,
	}
}
