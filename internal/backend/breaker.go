package backend

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerConfig configures the circuit breaker in front of a generator.
type BreakerConfig struct {
	ConsecutiveFailures uint32        // Trip after this many failures in a row (default 5)
	OpenTimeout         time.Duration // Stay open this long before probing (default 30s)
}

// Breaker wraps a Generator with a circuit breaker. While open, Generate fails
// immediately with gobreaker.ErrOpenState instead of calling the backend.
// Failed generations are never retried here.
type Breaker struct {
	next Generator
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next Generator, cfg BreakerConfig) *Breaker {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        next.Name(),
		MaxRequests: 1, // One probe in half-open; the scheduler is sequential anyway
		Interval:    0, // Don't clear counts automatically
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(log.Fields{"backend": name, "from": from.String(), "to": to.String()}).Warn("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// Shutdown cancelling a call says nothing about backend health
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled)
		},
	})

	return &Breaker{next: next, cb: cb}
}

// Name returns the wrapped generator's name.
func (b *Breaker) Name() string { return b.next.Name() }

// State reports the breaker state ("closed", "half-open" or "open").
func (b *Breaker) State() string { return b.cb.State().String() }

// Generate calls the wrapped generator through the breaker.
func (b *Breaker) Generate(ctx context.Context, req Request) (Image, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Generate(ctx, req)
	})
	if err != nil {
		return Image{}, err
	}
	return result.(Image), nil
}
