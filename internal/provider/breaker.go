// Copyright © 2017 Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package provider

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/binsage/binsage/common"
)

// Breaker guards one provider. Failures that indicate provider trouble
// (timeouts, 5xx, rate limits) count against the trip threshold; the
// caller's own mistakes (bad request, auth misconfiguration) and
// cancellations do not. Admin operations can force the breaker open or reset
// it regardless of its rolling counts.
type Breaker struct {
	providerID string
	cfg        common.BreakerConfig
	tel        *common.Telemetry

	mu         sync.Mutex
	cb         *gobreaker.CircuitBreaker
	forcedOpen bool
}

func NewBreaker(providerID string, cfg common.BreakerConfig, tel *common.Telemetry) *Breaker {
	b := &Breaker{providerID: providerID, cfg: cfg, tel: tel}
	b.cb = b.newInner()
	return b
}

func (b *Breaker) newInner() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        b.providerID,
		MaxRequests: 1, // single probe in half-open
		// Closed-state counts reset every Window seconds, so the trip
		// decision is a failure ratio over the recent window, not over the
		// life of the process.
		Interval: time.Duration(b.cfg.Window) * time.Second,
		Timeout:  b.cfg.Cooldown(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(b.cfg.MinSamples) {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= b.cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch common.CodeOf(err) {
			case common.ECodeProviderBadRequest, common.ECodeProviderAuth, common.ECodeCancelled:
				return true
			default:
				return false
			}
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.tel.BreakerChanges.WithLabelValues(name, stateOf(to).String()).Inc()
		},
	})
}

func stateOf(s gobreaker.State) common.BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return common.EBreakerState.Open()
	case gobreaker.StateHalfOpen:
		return common.EBreakerState.HalfOpen()
	default:
		return common.EBreakerState.Closed()
	}
}

// State reports the effective state, including a forced-open override.
func (b *Breaker) State() common.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.forcedOpen {
		return common.EBreakerState.Open()
	}
	return stateOf(b.cb.State())
}

// ForceOpen short-circuits every call until Reset, regardless of counts.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.forcedOpen {
		b.forcedOpen = true
		b.tel.BreakerChanges.WithLabelValues(b.providerID, common.EBreakerState.Open().String()).Inc()
	}
}

// Reset clears a forced-open override and discards the rolling counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forcedOpen = false
	b.cb = b.newInner()
	b.tel.BreakerChanges.WithLabelValues(b.providerID, common.EBreakerState.Closed().String()).Inc()
}

// Do runs one provider call under the breaker. An open breaker yields
// ProviderUnavailable without touching the provider.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) (*Completion, error)) (*Completion, error) {
	b.mu.Lock()
	forced, cb := b.forcedOpen, b.cb
	b.mu.Unlock()

	if forced {
		return nil, &CallError{CodedError: common.NewCodedError(common.ECodeProviderUnavailable,
			"%s breaker forced open", b.providerID)}
	}

	out, err := cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &CallError{CodedError: common.NewCodedError(common.ECodeProviderUnavailable,
				"%s breaker open", b.providerID)}
		}
		return nil, err
	}
	return out.(*Completion), nil
}
