package collector

import (
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/soundprediction/fdedup/pkg/config"
	"github.com/soundprediction/fdedup/pkg/logger"
)

// breaker wraps one destination shard's cross-actor RPC path, generalizing
// pkg/nlp/circuit_breaker.go's per-client CircuitBreakerClient to the
// collector shards' add/get/filter calls. When the config disables circuit
// breaking, calls pass straight through with only the retry loop applied.
type breaker struct {
	cb         *gobreaker.CircuitBreaker
	maxRetries int
	log        *logger.Logger
}

func newBreaker(name string, cfg config.CircuitBreakerConfig, maxRetries int, log *logger.Logger) *breaker {
	b := &breaker{maxRetries: maxRetries, log: log}
	if !cfg.Enabled {
		return b
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    time.Duration(cfg.Interval) * time.Second,
		Timeout:     time.Duration(cfg.Timeout) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 3 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.ReadyToTripRatio
		},
		OnStateChange: func(bname string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen && log != nil {
				log.Warn("circuit breaker tripped", "shard", bname, "from", from.String(), "to", to.String())
			}
		},
	})
	return b
}

// call executes fn, making up to b.maxRetries attempts in total (at least
// one) and retrying on any error, routing each attempt through the circuit
// breaker (if enabled). Once the attempts are exhausted the
// last error is returned wrapped, which the pipeline coordinator treats as
// fatal.
func call[T any](b *breaker, fn func() (T, error)) (T, error) {
	var zero T
	attempts := b.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if b.cb == nil {
			result, err := fn()
			if err == nil {
				return result, nil
			}
			lastErr = err
			continue
		}
		raw, err := b.cb.Execute(func() (interface{}, error) {
			return fn()
		})
		if err == nil {
			return raw.(T), nil
		}
		lastErr = err
	}
	return zero, fmt.Errorf("rpc failed after %d attempt(s): %w", attempts, lastErr)
}
