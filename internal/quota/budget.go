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

package quota

import (
	"context"
	"time"

	"github.com/binsage/binsage/common"
	"github.com/binsage/binsage/internal/store"
)

// BudgetLedger enforces per-provider daily and monthly cost ceilings against
// the usage table. Reserve checks before a call; Commit records after. A
// call admitted just under the ceiling may overshoot by its own actual cost;
// completed work is never retroactively rejected.
type BudgetLedger struct {
	structured *store.StructuredStore
	providers  map[string]common.ProviderConfig
	nowFunc    func() time.Time
}

func NewBudgetLedger(structured *store.StructuredStore, providers []common.ProviderConfig) *BudgetLedger {
	byID := make(map[string]common.ProviderConfig, len(providers))
	for _, p := range providers {
		byID[p.ID] = p
	}
	return &BudgetLedger{structured: structured, providers: byID, nowFunc: time.Now}
}

// Reserve checks that estimatedCost fits under both ceilings. Daily and
// monthly sums come back in one query, so the check sees one consistent
// snapshot of the ledger.
func (b *BudgetLedger) Reserve(ctx context.Context, owner, providerID string, estimatedCost float64) error {
	cfg, ok := b.providers[providerID]
	if !ok {
		return common.NewCodedError(common.ECodeValidation, "unknown provider %q", providerID)
	}
	if cfg.DailyBudgetUSD <= 0 && cfg.MonthlyBudgetUSD <= 0 {
		return nil
	}
	now := b.nowFunc().UTC()
	day := now.Format("2006-01-02")
	monthPrefix := now.Format("2006-01") + "%"

	var sums struct {
		Daily   float64 `db:"daily"`
		Monthly float64 `db:"monthly"`
	}
	err := b.structured.DB().GetContext(ctx, &sums, `
		SELECT
			COALESCE(SUM(cost) FILTER (WHERE day = $3), 0) AS daily,
			COALESCE(SUM(cost), 0) AS monthly
		FROM usage
		WHERE owner = $1 AND provider_id = $2 AND day LIKE $4`,
		owner, providerID, day, monthPrefix)
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageTx, "reading usage sums")
	}

	// A zero estimate is a headroom probe: spending exactly the ceiling
	// leaves none.
	exhausted := func(spent, ceiling float64) bool {
		if estimatedCost > 0 {
			return spent+estimatedCost > ceiling
		}
		return spent >= ceiling
	}
	if cfg.DailyBudgetUSD > 0 && exhausted(sums.Daily, cfg.DailyBudgetUSD) {
		return common.NewCodedError(common.ECodeCostLimitExceeded,
			"daily budget for %s exhausted: spent %.4f of %.4f, call needs %.4f",
			providerID, sums.Daily, cfg.DailyBudgetUSD, estimatedCost)
	}
	if cfg.MonthlyBudgetUSD > 0 && exhausted(sums.Monthly, cfg.MonthlyBudgetUSD) {
		return common.NewCodedError(common.ECodeCostLimitExceeded,
			"monthly budget for %s exhausted: spent %.4f of %.4f, call needs %.4f",
			providerID, sums.Monthly, cfg.MonthlyBudgetUSD, estimatedCost)
	}
	return nil
}

// Commit records actual usage after a completed call. A single upsert keeps
// the record monotonic; it may push the day past its ceiling (the in-flight
// overshoot the contract allows) but never runs backwards.
func (b *BudgetLedger) Commit(ctx context.Context, owner, providerID string, op common.OperationType, tokens int64, actualCost float64) error {
	day := b.nowFunc().UTC().Format("2006-01-02")
	_, err := b.structured.DB().ExecContext(ctx, `
		INSERT INTO usage (owner, provider_id, day, operation_type, tokens_used, requests, cost)
		VALUES ($1, $2, $3, $4, $5, 1, $6)
		ON CONFLICT (owner, provider_id, day, operation_type) DO UPDATE SET
			tokens_used = usage.tokens_used + EXCLUDED.tokens_used,
			requests    = usage.requests + 1,
			cost        = usage.cost + EXCLUDED.cost`,
		owner, providerID, day, op.String(), tokens, actualCost)
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageTx, "committing usage")
	}
	return nil
}

// OverBudget reports whether an owner has already exhausted a provider's
// daily or monthly ceiling; the selector filters candidates with it.
func (b *BudgetLedger) OverBudget(ctx context.Context, owner, providerID string) bool {
	return b.Reserve(ctx, owner, providerID, 0) != nil
}
