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

// Package provider is the multi-vendor LLM layer: a uniform completion
// contract, per-vendor clients, retry policy, health probing, budget-aware
// selection and per-provider circuit breaking.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/binsage/binsage/common"
)

// Prompt is one fully rendered request: the prompt manager has already
// substituted placeholders and applied provider adaptations.
type Prompt struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int64
	// Model overrides the provider's configured default when non-empty; a
	// caller-pinned model rides here all the way into the vendor request.
	Model string
}

// Completion is one model reply with its token accounting.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

// HealthStatus is the result of one probe.
type HealthStatus struct {
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latencyMs"`
	Reason    string        `json:"reason,omitempty"`
	CheckedAt time.Time     `json:"checkedAt"`
}

// IProvider is the capability set every vendor client implements. Instances
// are safe for concurrent use; no per-call state is shared.
type IProvider interface {
	ID() string
	Model() string
	ContextWindow() int64
	// Complete performs one chat round trip under the provider's timeout.
	Complete(ctx context.Context, prompt Prompt) (*Completion, error)
	// EstimateCost prices a hypothetical call in USD.
	EstimateCost(inputTokens, outputTokens int64) float64
	// HealthCheck performs one live probe.
	HealthCheck(ctx context.Context) HealthStatus
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// CallError layers a retry-after hint over the coded error taxonomy; the
// retry policy honours it for rate-limit failures.
type CallError struct {
	*common.CodedError
	RetryAfter time.Duration
}

// Unwrap exposes the embedded CodedError to errors.As; the promoted Unwrap
// would skip straight to its cause and hide the code.
func (e *CallError) Unwrap() error { return e.CodedError }

// classifyHTTP maps a non-2xx vendor response onto the provider error
// taxonomy. Auth and bad-request are fatal; everything else is retryable.
func classifyHTTP(providerID string, status int, body string, header http.Header) error {
	snippet := body
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &CallError{CodedError: common.NewCodedError(common.ECodeProviderAuth,
			"%s rejected credentials (%d): %s", providerID, status, snippet)}
	case status == http.StatusTooManyRequests:
		return &CallError{
			CodedError: common.NewCodedError(common.ECodeProviderRateLimit,
				"%s rate limited (%d): %s", providerID, status, snippet),
			RetryAfter: parseRetryAfter(header),
		}
	case status >= 500:
		return &CallError{CodedError: common.NewCodedError(common.ECodeProviderServerError,
			"%s server error (%d): %s", providerID, status, snippet)}
	default:
		return &CallError{CodedError: common.NewCodedError(common.ECodeProviderBadRequest,
			"%s rejected request (%d): %s", providerID, status, snippet)}
	}
}

func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// timeoutError wraps a deadline miss as ProviderTimeout.
func timeoutError(providerID string, cause error) error {
	return &CallError{CodedError: common.WrapCoded(cause, common.ECodeProviderTimeout,
		"%s call timed out", providerID)}
}

// transportError covers connection-level failures (DNS, refused, reset),
// which behave like server errors for retry and breaker purposes.
func transportError(providerID string, cause error) error {
	return &CallError{CodedError: common.WrapCoded(cause, common.ECodeProviderServerError,
		"%s unreachable", providerID)}
}

// IsFatal reports whether an error must not be retried or fallen back from.
func IsFatal(err error) bool {
	switch common.CodeOf(err) {
	case common.ECodeProviderAuth, common.ECodeProviderBadRequest:
		return true
	default:
		return false
	}
}

// EstimateTokens approximates the model tokenizer: ~4 bytes per token is
// close enough for budget checks and cost-ordered selection.
func EstimateTokens(text string) int64 {
	n := int64(len(text)) / 4
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// modelFor resolves the model for one request: the prompt's override wins
// over the provider's configured default.
func modelFor(cfg common.ProviderConfig, prompt Prompt) string {
	if prompt.Model != "" {
		return prompt.Model
	}
	return cfg.DefaultModel
}

// costPerToken converts the configured per-million rates.
func costFor(cfg common.ProviderConfig, inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)*cfg.InputCostPerMTok/1e6 +
		float64(outputTokens)*cfg.OutputCostPerMTok/1e6
}

// healthPrompt is the minimal round trip used by live probes.
var healthPrompt = Prompt{User: "Reply with the single word: ok", MaxTokens: 8, Temperature: 0}

func probe(ctx context.Context, p IProvider) HealthStatus {
	started := time.Now()
	_, err := p.Complete(ctx, healthPrompt)
	status := HealthStatus{
		Healthy:   err == nil,
		Latency:   time.Since(started),
		CheckedAt: time.Now(),
	}
	if err != nil {
		status.Reason = fmt.Sprintf("%v", err)
	}
	return status
}
