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
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/binsage/binsage/common"
)

// IBudgetChecker answers whether an owner has budget left on a provider.
type IBudgetChecker interface {
	OverBudget(ctx context.Context, owner, providerID string) bool
}

// Selector picks the provider for each call and runs the fallback chain.
// Candidates must be healthy, have a breaker that is not open, and have
// budget remaining for the owner. Ordering is cheapest-first when
// cost-optimised, otherwise the configured preference order.
type Selector struct {
	registry *Registry
	budget   IBudgetChecker
	cfg      common.PipelineConfig
	log      common.ILogger
	tel      *common.Telemetry
}

func NewSelector(registry *Registry, budget IBudgetChecker, cfg common.PipelineConfig,
	log common.ILogger, tel *common.Telemetry) *Selector {
	return &Selector{registry: registry, budget: budget, cfg: cfg, log: log, tel: tel}
}

// Candidates returns the eligible providers in call order for a prompt of
// the given estimated size.
func (s *Selector) Candidates(ctx context.Context, owner string, estimatedIn, estimatedOut int64) []IProvider {
	eligible := lo.Filter(s.registry.All(), func(p IProvider, _ int) bool {
		if s.registry.Breaker(p.ID()).State() == common.EBreakerState.Open() {
			return false
		}
		if !s.registry.Health(ctx, p.ID()).Healthy {
			return false
		}
		if s.budget != nil && s.budget.OverBudget(ctx, owner, p.ID()) {
			return false
		}
		return true
	})

	if s.cfg.CostOptimized {
		sort.SliceStable(eligible, func(i, j int) bool {
			return eligible[i].EstimateCost(estimatedIn, estimatedOut) <
				eligible[j].EstimateCost(estimatedIn, estimatedOut)
		})
		return eligible
	}

	rank := lo.SliceToMap(s.cfg.PreferenceOrder, func(id string) (string, int) {
		return id, lo.IndexOf(s.cfg.PreferenceOrder, id)
	})
	sort.SliceStable(eligible, func(i, j int) bool {
		ri, iOK := rank[eligible[i].ID()]
		rj, jOK := rank[eligible[j].ID()]
		switch {
		case iOK && jOK:
			return ri < rj
		case iOK:
			return true
		default:
			return false
		}
	})
	return eligible
}

// Pinned resolves an explicitly requested provider id.
func (s *Selector) Pinned(id string) (IProvider, bool) { return s.registry.Get(id) }

// Invoke runs one call against a specific provider, under its breaker and
// the full retry policy, recording latency and outcome.
func (s *Selector) Invoke(ctx context.Context, p IProvider, prompt Prompt) (*Completion, error) {
	started := time.Now()
	completion, err := s.registry.Breaker(p.ID()).Do(ctx, func(ctx context.Context) (*Completion, error) {
		return CompleteWithRetry(ctx, p, prompt)
	})
	if err != nil {
		s.tel.ProviderCall(p.ID(), string(common.CodeOf(err)), time.Since(started))
		return nil, err
	}
	s.tel.ProviderCall(p.ID(), "ok", time.Since(started))
	return completion, nil
}

// Execute runs the prompt against the candidate chain. Each candidate gets
// the full retry policy under its breaker; retryable failures advance to the
// next candidate, fatal ones (auth, bad request) and cancellation abort the
// chain. Returns the completion and the id of the provider that served it.
func (s *Selector) Execute(ctx context.Context, owner string, prompt Prompt) (*Completion, string, error) {
	estimatedIn := EstimateTokens(prompt.System + prompt.User)
	candidates := s.Candidates(ctx, owner, estimatedIn, prompt.MaxTokens)
	if len(candidates) == 0 {
		return nil, "", common.NewCodedError(common.ECodeProviderUnavailable,
			"no provider is healthy, closed and under budget for owner")
	}

	var lastErr error
	for _, p := range candidates {
		completion, err := s.Invoke(ctx, p, prompt)
		if err == nil {
			return completion, p.ID(), nil
		}

		if IsFatal(err) || common.CodeOf(err) == common.ECodeCancelled || ctx.Err() != nil {
			return nil, "", err
		}
		s.log.Warn("provider failed, falling back",
			zap.String("provider", p.ID()), zap.Error(err))
		lastErr = err
	}
	return nil, "", lastErr
}
