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
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binsage/binsage/common"
)

// fakeProvider serves scripted outcomes in order, repeating the last one.
type fakeProvider struct {
	id       string
	model    string
	costPer  float64 // flat estimate per call, for ordering tests
	outcomes []func() (*Completion, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeProvider) ID() string           { return f.id }
func (f *fakeProvider) Model() string        { return f.model }
func (f *fakeProvider) ContextWindow() int64 { return 128000 }

func (f *fakeProvider) EstimateCost(in, out int64) float64 { return f.costPer }

func (f *fakeProvider) Complete(ctx context.Context, prompt Prompt) (*Completion, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if i >= len(f.outcomes) {
		i = len(f.outcomes) - 1
	}
	return f.outcomes[i]()
}

func (f *fakeProvider) HealthCheck(ctx context.Context) HealthStatus {
	return probe(ctx, f)
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func ok(text string) func() (*Completion, error) {
	return func() (*Completion, error) {
		return &Completion{Text: text, InputTokens: 100, OutputTokens: 50}, nil
	}
}

func failWith(err error) func() (*Completion, error) {
	return func() (*Completion, error) { return nil, err }
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestClassifyHTTP(t *testing.T) {
	cases := []struct {
		status int
		want   common.ErrorCode
	}{
		{http.StatusUnauthorized, common.ECodeProviderAuth},
		{http.StatusForbidden, common.ECodeProviderAuth},
		{http.StatusTooManyRequests, common.ECodeProviderRateLimit},
		{http.StatusInternalServerError, common.ECodeProviderServerError},
		{http.StatusBadGateway, common.ECodeProviderServerError},
		{http.StatusBadRequest, common.ECodeProviderBadRequest},
		{http.StatusNotFound, common.ECodeProviderBadRequest},
	}
	for _, c := range cases {
		err := classifyHTTP("p1", c.status, "body", nil)
		assert.Equal(t, c.want, common.CodeOf(err), "status %d", c.status)
	}
}

func TestCallErrorExposesCodedError(t *testing.T) {
	// errors.As must reach the embedded CodedError itself, not jump straight
	// to its cause via the promoted Unwrap.
	err := classifyHTTP("p1", http.StatusUnauthorized, "nope", nil)
	var coded *common.CodedError
	require.ErrorAs(t, err, &coded)
	assert.Equal(t, common.ECodeProviderAuth, coded.Code)

	// Wrapped causes remain reachable below the CallError.
	err = transportError("p1", context.DeadlineExceeded)
	assert.Equal(t, common.ECodeProviderServerError, common.CodeOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassifyHTTPRetryAfter(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "7")

	err := classifyHTTP("p1", http.StatusTooManyRequests, "slow down", header)
	var callErr *CallError
	assert.ErrorAs(t, err, &callErr)
	assert.Equal(t, 7*time.Second, callErr.RetryAfter)

	// Absent or malformed header yields zero, which means retry immediately.
	err = classifyHTTP("p1", http.StatusTooManyRequests, "slow down", http.Header{})
	assert.ErrorAs(t, err, &callErr)
	assert.Zero(t, callErr.RetryAfter)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(classifyHTTP("p", 401, "", nil)))
	assert.True(t, IsFatal(classifyHTTP("p", 400, "", nil)))
	assert.False(t, IsFatal(classifyHTTP("p", 429, "", nil)))
	assert.False(t, IsFatal(classifyHTTP("p", 500, "", nil)))
	assert.False(t, IsFatal(timeoutError("p", context.DeadlineExceeded)))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens(""))
	assert.Equal(t, int64(1), EstimateTokens("ab"))
	assert.Equal(t, int64(25), EstimateTokens(string(make([]byte, 100))))
}

func TestCostFor(t *testing.T) {
	cfg := common.ProviderConfig{InputCostPerMTok: 3.0, OutputCostPerMTok: 15.0}
	assert.InDelta(t, 3.0+15.0, costFor(cfg, 1_000_000, 1_000_000), 1e-9)
	assert.InDelta(t, 0.003+0.015, costFor(cfg, 1000, 1000), 1e-9)
}
