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

package common

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Telemetry emits the structured events the boundary contract requires and
// keeps the prometheus series behind them. Events never include raw bytes
// from an uploaded binary, nor anything owner-identifying beyond the opaque
// owner id.
type Telemetry struct {
	log ILogger

	JobTransitions   *prometheus.CounterVec
	ProviderCalls    *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	BreakerChanges   *prometheus.CounterVec
	SweeperDeletions prometheus.Counter
	RateRejections   *prometheus.CounterVec
}

func NewTelemetry(log ILogger, reg prometheus.Registerer) *Telemetry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Telemetry{
		log: log,
		JobTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "binsage_job_transitions_total",
			Help: "Job state transitions by target status.",
		}, []string{"status"}),
		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "binsage_provider_calls_total",
			Help: "LLM provider calls by provider and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "binsage_provider_latency_seconds",
			Help:    "LLM provider call latency.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider"}),
		BreakerChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "binsage_breaker_transitions_total",
			Help: "Circuit breaker transitions by provider and new state.",
		}, []string{"provider", "state"}),
		SweeperDeletions: factory.NewCounter(prometheus.CounterOpts{
			Name: "binsage_sweeper_deletions_total",
			Help: "Expired result blobs deleted by the TTL sweeper.",
		}),
		RateRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "binsage_rate_rejections_total",
			Help: "Requests rejected by the sliding-window rate limiter.",
		}, []string{"endpoint"}),
	}
}

// Event logs one boundary-visible structured event.
func (t *Telemetry) Event(event string, jobID JobID, owner string, fields ...zap.Field) {
	all := append([]zap.Field{
		zap.String("event", event),
		zap.String("job_id", jobID.String()),
		zap.String("owner", owner),
	}, fields...)
	t.log.Info("telemetry", all...)
}

// ProviderCall records one provider round trip.
func (t *Telemetry) ProviderCall(provider string, outcome string, elapsed time.Duration) {
	t.ProviderCalls.WithLabelValues(provider, outcome).Inc()
	t.ProviderLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// NewNopTelemetry builds a telemetry sink on a throwaway registry; tests use
// it so series never collide across packages.
func NewNopTelemetry() *Telemetry {
	return NewTelemetry(NewNopLogger(), prometheus.NewRegistry())
}
