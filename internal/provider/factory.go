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
	"os"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/binsage/binsage/common"
)

const healthCacheTTL = 30 * time.Second

// Registry holds every configured provider with its breaker, and memoises
// health probes so selection never hammers vendors with probe traffic.
type Registry struct {
	log       common.ILogger
	providers []IProvider
	byID      map[string]IProvider
	breakers  map[string]*Breaker
	health    *gocache.Cache
}

// NewRegistry builds the configured providers. API keys left empty in config
// fall back to BINSAGE_PROVIDER_API_KEY_<ID>. Unknown kinds are a
// configuration error.
func NewRegistry(cfgs []common.ProviderConfig, breakerCfg common.BreakerConfig,
	log common.ILogger, tel *common.Telemetry) (*Registry, error) {

	r := &Registry{
		log:      log,
		byID:     make(map[string]IProvider, len(cfgs)),
		breakers: make(map[string]*Breaker, len(cfgs)),
		health:   gocache.New(healthCacheTTL, healthCacheTTL),
	}
	client := common.GetGlobalHTTPClient()

	for _, cfg := range cfgs {
		if cfg.APIKey == "" {
			cfg.APIKey = keyFromEnvironment(cfg.ID)
		}
		if _, dup := r.byID[cfg.ID]; dup {
			return nil, common.NewCodedError(common.ECodeValidation, "duplicate provider id %q", cfg.ID)
		}

		var p IProvider
		switch cfg.Kind {
		case common.EProviderKind.OpenAICompatible():
			p = newOpenAIProvider(cfg, client)
		case common.EProviderKind.Anthropic():
			p = newAnthropicProvider(cfg, client)
		case common.EProviderKind.Gemini():
			p = newGeminiProvider(cfg, client)
		case common.EProviderKind.Ollama():
			p = newOllamaProvider(cfg, client)
		default:
			return nil, common.NewCodedError(common.ECodeValidation,
				"provider %q has unsupported kind %q", cfg.ID, cfg.Kind)
		}

		r.providers = append(r.providers, p)
		r.byID[cfg.ID] = p
		r.breakers[cfg.ID] = NewBreaker(cfg.ID, breakerCfg, tel)
	}
	if len(r.providers) == 0 {
		return nil, common.NewCodedError(common.ECodeValidation, "no providers configured")
	}
	return r, nil
}

func keyFromEnvironment(providerID string) string {
	name := common.EEnvironmentVariable.ProviderAPIKeyPrefix().Name +
		strings.ToUpper(strings.ReplaceAll(providerID, "-", "_"))
	return os.Getenv(name)
}

// All returns every configured provider, in configuration order.
func (r *Registry) All() []IProvider { return r.providers }

// Get returns a provider by id.
func (r *Registry) Get(id string) (IProvider, bool) {
	p, ok := r.byID[id]
	return p, ok
}

// Breaker returns the breaker guarding a provider.
func (r *Registry) Breaker(id string) *Breaker { return r.breakers[id] }

// Health returns the cached health status for a provider, probing live when
// the cached entry is stale.
func (r *Registry) Health(ctx context.Context, id string) HealthStatus {
	if cached, ok := r.health.Get(id); ok {
		return cached.(HealthStatus)
	}
	p, ok := r.byID[id]
	if !ok {
		return HealthStatus{Healthy: false, Reason: "unknown provider", CheckedAt: time.Now()}
	}
	status := p.HealthCheck(ctx)
	r.health.SetDefault(id, status)
	return status
}

// InvalidateHealth drops the cached probe so the next Health call goes live.
func (r *Registry) InvalidateHealth(id string) { r.health.Delete(id) }

// Snapshot is the admin view of one provider.
type Snapshot struct {
	ID           string              `json:"id"`
	Model        string              `json:"model"`
	BreakerState common.BreakerState `json:"breakerState"`
	Health       HealthStatus        `json:"health"`
}

// Snapshots reports every provider's model, breaker state and cached health.
func (r *Registry) Snapshots(ctx context.Context) []Snapshot {
	out := make([]Snapshot, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, Snapshot{
			ID:           p.ID(),
			Model:        p.Model(),
			BreakerState: r.breakers[p.ID()].State(),
			Health:       r.Health(ctx, p.ID()),
		})
	}
	return out
}
