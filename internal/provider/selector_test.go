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
	"net/http/httptest"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binsage/binsage/common"
)

// ollamaStub serves the local-daemon wire format; handy for registry tests
// because it needs no credentials.
func ollamaStub(t *testing.T, status int, text string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		_, _ = w.Write([]byte(`{"response":"` + text + `","prompt_eval_count":10,"eval_count":5}`))
	}))
	t.Cleanup(server.Close)
	return server
}

func registryWith(t *testing.T, cfgs ...common.ProviderConfig) *Registry {
	t.Helper()
	// MinSamples high enough that fallback tests never trip a breaker.
	r, err := NewRegistry(cfgs, common.BreakerConfig{FailureRatio: 0.5, MinSamples: 100, CooldownSeconds: 60},
		common.NewNopLogger(), common.NewNopTelemetry())
	require.NoError(t, err)
	return r
}

func ollamaConfig(id, baseURL string, inputCost float64) common.ProviderConfig {
	return common.ProviderConfig{
		ID:               id,
		Kind:             common.EProviderKind.Ollama(),
		BaseURL:          baseURL,
		DefaultModel:     "m-" + id,
		TimeoutSeconds:   5,
		InputCostPerMTok: inputCost,
	}
}

type allowAllBudget struct{ denied map[string]bool }

func (b allowAllBudget) OverBudget(ctx context.Context, owner, providerID string) bool {
	return b.denied[providerID]
}

func ids(providers []IProvider) []string {
	return lo.Map(providers, func(p IProvider, _ int) string { return p.ID() })
}

func TestCandidatesCostOptimizedOrder(t *testing.T) {
	cheap := ollamaStub(t, http.StatusOK, "ok")
	costly := ollamaStub(t, http.StatusOK, "ok")
	registry := registryWith(t,
		ollamaConfig("costly", costly.URL, 30.0),
		ollamaConfig("cheap", cheap.URL, 1.0),
	)
	s := NewSelector(registry, allowAllBudget{}, common.PipelineConfig{CostOptimized: true},
		common.NewNopLogger(), common.NewNopTelemetry())

	got := s.Candidates(context.Background(), "owner-a", 1000, 100)
	assert.Equal(t, []string{"cheap", "costly"}, ids(got))
}

func TestCandidatesPreferenceOrder(t *testing.T) {
	a := ollamaStub(t, http.StatusOK, "ok")
	b := ollamaStub(t, http.StatusOK, "ok")
	registry := registryWith(t,
		ollamaConfig("alpha", a.URL, 1.0),
		ollamaConfig("beta", b.URL, 1.0),
	)
	s := NewSelector(registry, allowAllBudget{},
		common.PipelineConfig{PreferenceOrder: []string{"beta", "alpha"}},
		common.NewNopLogger(), common.NewNopTelemetry())

	got := s.Candidates(context.Background(), "owner-a", 1000, 100)
	assert.Equal(t, []string{"beta", "alpha"}, ids(got))
}

func TestCandidatesFilterOpenBreakerAndBudget(t *testing.T) {
	a := ollamaStub(t, http.StatusOK, "ok")
	b := ollamaStub(t, http.StatusOK, "ok")
	c := ollamaStub(t, http.StatusOK, "ok")
	registry := registryWith(t,
		ollamaConfig("a", a.URL, 1.0),
		ollamaConfig("b", b.URL, 1.0),
		ollamaConfig("c", c.URL, 1.0),
	)
	registry.Breaker("a").ForceOpen()
	s := NewSelector(registry, allowAllBudget{denied: map[string]bool{"b": true}},
		common.PipelineConfig{}, common.NewNopLogger(), common.NewNopTelemetry())

	got := s.Candidates(context.Background(), "owner-a", 1000, 100)
	assert.Equal(t, []string{"c"}, ids(got))
}

func TestCandidatesFilterUnhealthy(t *testing.T) {
	sick := ollamaStub(t, http.StatusInternalServerError, "")
	well := ollamaStub(t, http.StatusOK, "ok")
	registry := registryWith(t,
		ollamaConfig("sick", sick.URL, 1.0),
		ollamaConfig("well", well.URL, 1.0),
	)
	s := NewSelector(registry, allowAllBudget{}, common.PipelineConfig{},
		common.NewNopLogger(), common.NewNopTelemetry())

	got := s.Candidates(context.Background(), "owner-a", 1000, 100)
	assert.Equal(t, []string{"well"}, ids(got))
}

func TestExecuteFallsBackOnRetryableFailure(t *testing.T) {
	broken := ollamaStub(t, http.StatusOK, "ok") // healthy at probe time...
	backup := ollamaStub(t, http.StatusOK, "saved by backup")
	registry := registryWith(t,
		ollamaConfig("primary", broken.URL, 1.0),
		ollamaConfig("backup", backup.URL, 2.0),
	)
	s := NewSelector(registry, allowAllBudget{}, common.PipelineConfig{CostOptimized: true},
		common.NewNopLogger(), common.NewNopTelemetry())

	// Warm the health cache, then break the primary; the probe result is
	// cached so selection still offers it and Execute must fall back.
	_ = s.Candidates(context.Background(), "owner-a", 10, 10)
	broken.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	c, servedBy, err := s.Execute(context.Background(), "owner-a", Prompt{User: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "backup", servedBy)
	assert.Equal(t, "saved by backup", c.Text)
}

func TestExecuteNoCandidates(t *testing.T) {
	a := ollamaStub(t, http.StatusOK, "ok")
	registry := registryWith(t, ollamaConfig("a", a.URL, 1.0))
	registry.Breaker("a").ForceOpen()
	s := NewSelector(registry, allowAllBudget{}, common.PipelineConfig{},
		common.NewNopLogger(), common.NewNopTelemetry())

	_, _, err := s.Execute(context.Background(), "owner-a", Prompt{User: "hi"})
	assert.Equal(t, common.ECodeProviderUnavailable, common.CodeOf(err))
}

func TestRegistrySnapshots(t *testing.T) {
	a := ollamaStub(t, http.StatusOK, "ok")
	registry := registryWith(t, ollamaConfig("a", a.URL, 1.0))
	registry.Breaker("a").ForceOpen()

	snaps := registry.Snapshots(context.Background())
	require.Len(t, snaps, 1)
	assert.Equal(t, "a", snaps[0].ID)
	assert.Equal(t, common.EBreakerState.Open(), snaps[0].BreakerState)
	assert.True(t, snaps[0].Health.Healthy)
}
