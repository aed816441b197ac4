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

// Package pipeline fans a decompilation result out to the LLM layer and
// aggregates the replies into one TranslationResult.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/binsage/binsage/common"
	"github.com/binsage/binsage/internal/prompt"
	"github.com/binsage/binsage/internal/provider"
)

// ITemplateSource is the slice of the prompt manager the pipeline needs.
type ITemplateSource interface {
	Latest(ctx context.Context, op common.OperationType) (*common.PromptTemplate, error)
	Render(t *common.PromptTemplate, providerID string, data map[string]interface{}) (*prompt.Rendered, error)
	RecordUse(ctx context.Context, templateID, providerID string, success bool, latency time.Duration) error
}

// IBudgetLedger gates and accounts provider spend.
type IBudgetLedger interface {
	Reserve(ctx context.Context, owner, providerID string, estimatedCost float64) error
	Commit(ctx context.Context, owner, providerID string, op common.OperationType, tokens int64, actualCost float64) error
}

// IProviderSource yields eligible providers and runs guarded calls.
type IProviderSource interface {
	Candidates(ctx context.Context, owner string, estimatedIn, estimatedOut int64) []provider.IProvider
	Pinned(id string) (provider.IProvider, bool)
	Invoke(ctx context.Context, p provider.IProvider, pr provider.Prompt) (*provider.Completion, error)
}

const (
	maxSummaryStrings  = 40
	maxDigestFunctions = 120
)

type Pipeline struct {
	cfg       common.PipelineConfig
	templates ITemplateSource
	providers IProviderSource
	budget    IBudgetLedger
	log       common.ILogger
}

func New(cfg common.PipelineConfig, templates ITemplateSource, providers IProviderSource,
	budget IBudgetLedger, log common.ILogger) *Pipeline {
	return &Pipeline{cfg: cfg, templates: templates, providers: providers, budget: budget, log: log}
}

// Run translates one decompilation result. Partial success is a result, not
// an error: individual task failures are recorded in TaskErrors and the
// aggregate status reflects the success fraction. Run returns an error only
// when no result can be produced at all.
func (p *Pipeline) Run(ctx context.Context, owner string, decomp *common.DecompilationResult,
	spec common.TranslationSpec) (*common.TranslationResult, error) {

	result := &common.TranslationResult{
		JobID:       decomp.JobID,
		DetailLevel: spec.DetailLevel,
		Status:      common.ETranslationStatus.Failed(),
		CreatedAt:   time.Now().UTC(),
	}

	translated, overflowed := p.splitByCap(decomp.Functions)
	byLibrary := lo.GroupBy(decomp.Imports, func(i common.ImportRecord) string { return i.Library })
	libraries := lo.Keys(byLibrary)
	sort.Strings(libraries)

	agg := newAggregator(len(translated), len(libraries))

	concurrency := p.cfg.MaxConcurrency
	if spec.MaxConcurrency > 0 && spec.MaxConcurrency < concurrency {
		concurrency = spec.MaxConcurrency
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)

	// Per-function fan-out. Slots are pre-indexed so concurrent completion
	// cannot disturb the address-ascending input order.
	for i, fn := range translated {
		i, fn := i, fn
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return groupCtx.Err()
			}
			ft := common.FunctionTranslation{Address: fn.Address, Name: fn.Name}
			task := "function:" + fn.Address
			out := p.runTask(groupCtx, owner, spec, common.EOperationType.FunctionTranslation(),
				p.functionData(fn, decomp, spec.DetailLevel))
			if out.err != nil {
				ft.ErrorCode = string(common.CodeOf(out.err))
				agg.fail(task, out.err)
			} else {
				ft.NaturalLanguage = out.completion.Text
				ft.TokensUsed = out.completion.InputTokens + out.completion.OutputTokens
				agg.succeed(out)
			}
			agg.setFunction(i, ft)
			return nil
		})
	}

	// Import groups, one task per library.
	for i, lib := range libraries {
		i, lib := i, lib
		symbols := lo.Map(byLibrary[lib], func(r common.ImportRecord, _ int) string { return r.Symbol })
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return groupCtx.Err()
			}
			ie := common.ImportExplanation{Library: lib, Symbols: symbols}
			out := p.runTask(groupCtx, owner, spec, common.EOperationType.ImportExplanation(),
				map[string]interface{}{
					"Library":        lib,
					"Symbols":        strings.Join(symbols, ", "),
					"DetailGuidance": prompt.DetailGuidance(spec.DetailLevel),
				})
			if out.err != nil {
				ie.ErrorCode = string(common.CodeOf(out.err))
				agg.fail("imports:"+lib, out.err)
			} else {
				ie.Explanation = out.completion.Text
				ie.TokensUsed = out.completion.InputTokens + out.completion.OutputTokens
				agg.succeed(out)
			}
			agg.setImport(i, ie)
			return nil
		})
	}

	if err := group.Wait(); err != nil && ctx.Err() != nil {
		agg.fill(result)
		result.Status = common.ETranslationStatus.Cancelled()
		return result, nil
	}

	// Aggregate note for functions beyond the cap: one task covering all of
	// them, never one per function.
	if len(overflowed) > 0 {
		out := p.runTask(ctx, owner, spec, common.EOperationType.OverallSummary(),
			p.overflowData(decomp, overflowed, spec.DetailLevel))
		if out.err != nil {
			agg.fail("overflow-summary", out.err)
		} else {
			result.OverflowSummary = out.completion.Text
			agg.succeed(out)
		}
	}

	// The overall summary digests the per-function findings, so it runs
	// after the fan-out has settled.
	agg.fill(result)
	out := p.runTask(ctx, owner, spec, common.EOperationType.OverallSummary(),
		p.summaryData(decomp, result.FunctionTranslations, spec.DetailLevel))
	if out.err != nil {
		agg.fail("summary", out.err)
	} else {
		result.OverallSummary = out.completion.Text
		agg.succeed(out)
	}
	agg.fill(result)

	if ctx.Err() != nil {
		result.Status = common.ETranslationStatus.Cancelled()
		return result, nil
	}
	result.Status = p.statusFor(agg.successes, agg.failures)
	return result, nil
}

func (p *Pipeline) splitByCap(functions []common.FunctionRecord) (translated, overflowed []common.FunctionRecord) {
	if len(functions) <= p.cfg.MaxFunctions {
		return functions, nil
	}
	return functions[:p.cfg.MaxFunctions], functions[p.cfg.MaxFunctions:]
}

// statusFor: completed when at least the configured fraction of tasks
// succeeded, failed only when nothing did, partial in between.
func (p *Pipeline) statusFor(successes, failures int) common.TranslationStatus {
	total := successes + failures
	if total == 0 || successes == 0 {
		return common.ETranslationStatus.Failed()
	}
	if float64(successes)/float64(total) >= p.cfg.SuccessFraction {
		return common.ETranslationStatus.Completed()
	}
	return common.ETranslationStatus.Partial()
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

type taskOutcome struct {
	completion *provider.Completion
	providerID string
	model      string
	op         common.OperationType
	cost       float64
	err        error
}

// runTask is the unit the limiter bounds: render, reserve, invoke, commit.
// Fallback moves to the next candidate only on retryable failures.
func (p *Pipeline) runTask(ctx context.Context, owner string, spec common.TranslationSpec,
	op common.OperationType, data map[string]interface{}) taskOutcome {

	tmpl, err := p.templates.Latest(ctx, op)
	if err != nil {
		return taskOutcome{op: op, err: err}
	}

	candidates, err := p.candidatesFor(ctx, owner, spec, tmpl, data)
	if err != nil {
		return taskOutcome{op: op, err: err}
	}

	var lastErr error = common.NewCodedError(common.ECodeProviderUnavailable, "no eligible provider")
	for _, cand := range candidates {
		rendered, err := p.templates.Render(tmpl, cand.ID(), data)
		if err != nil {
			return taskOutcome{op: op, err: err} // render errors are not provider-specific recoverable
		}
		pr := provider.Prompt{
			System:      rendered.System,
			User:        rendered.User,
			Temperature: rendered.Temperature,
			MaxTokens:   rendered.MaxTokens,
			Model:       spec.ModelPref,
		}

		estIn := provider.EstimateTokens(pr.System + pr.User)
		if err := p.budget.Reserve(ctx, owner, cand.ID(), cand.EstimateCost(estIn, pr.MaxTokens)); err != nil {
			lastErr = err
			continue // this provider's budget is spent; another may still have headroom
		}

		started := time.Now()
		completion, err := p.providers.Invoke(ctx, cand, pr)
		elapsed := time.Since(started)
		if recErr := p.templates.RecordUse(ctx, tmpl.TemplateID, cand.ID(), err == nil, elapsed); recErr != nil {
			p.log.Warn("recording prompt use failed", zap.Error(recErr))
		}
		if err != nil {
			if provider.IsFatal(err) || common.CodeOf(err) == common.ECodeCancelled || ctx.Err() != nil {
				return taskOutcome{op: op, err: err}
			}
			lastErr = err
			continue
		}

		cost := cand.EstimateCost(completion.InputTokens, completion.OutputTokens)
		if err := p.budget.Commit(ctx, owner, cand.ID(), op,
			completion.InputTokens+completion.OutputTokens, cost); err != nil {
			p.log.Warn("usage commit failed", zap.Error(err))
		}
		model := cand.Model()
		if spec.ModelPref != "" {
			model = spec.ModelPref
		}
		return taskOutcome{
			completion: completion,
			providerID: cand.ID(),
			model:      model,
			op:         op,
			cost:       cost,
		}
	}
	return taskOutcome{op: op, err: lastErr}
}

func (p *Pipeline) candidatesFor(ctx context.Context, owner string, spec common.TranslationSpec,
	tmpl *common.PromptTemplate, data map[string]interface{}) ([]provider.IProvider, error) {

	if spec.ProviderPref != "" {
		pinned, ok := p.providers.Pinned(spec.ProviderPref)
		if !ok {
			return nil, common.NewCodedError(common.ECodeValidation,
				"requested provider %q is not configured", spec.ProviderPref)
		}
		return []provider.IProvider{pinned}, nil
	}

	// Size estimate for cost-ordered selection; the render is provider
	// independent enough for an estimate.
	estIn := provider.EstimateTokens(tmpl.SystemPrompt + tmpl.UserPromptTemplate)
	for _, v := range data {
		if s, ok := v.(string); ok {
			estIn += provider.EstimateTokens(s)
		}
	}
	return p.providers.Candidates(ctx, owner, estIn, tmpl.DefaultMaxTokens), nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func (p *Pipeline) functionData(fn common.FunctionRecord, decomp *common.DecompilationResult,
	level common.DetailLevel) map[string]interface{} {

	var used []string
	for _, s := range decomp.Strings {
		if lo.Contains(s.UsedByFunc, fn.Address) {
			used = append(used, fmt.Sprintf("%q", s.Value))
		}
	}
	return map[string]interface{}{
		"Name":           fn.Name,
		"Address":        fn.Address,
		"Size":           fn.Size,
		"CallsTo":        orNone(strings.Join(fn.CallsTo, ", ")),
		"CalledBy":       orNone(strings.Join(fn.CalledBy, ", ")),
		"Strings":        orNone(strings.Join(used, ", ")),
		"Assembly":       fn.AssemblyBlock,
		"DetailGuidance": prompt.DetailGuidance(level),
	}
}

func (p *Pipeline) summaryData(decomp *common.DecompilationResult,
	translations []common.FunctionTranslation, level common.DetailLevel) map[string]interface{} {

	libraries := lo.Uniq(lo.Map(decomp.Imports, func(i common.ImportRecord, _ int) string { return i.Library }))
	sort.Strings(libraries)

	var notable []string
	for _, s := range decomp.Strings {
		if len(notable) == maxSummaryStrings {
			break
		}
		if len(s.UsedByFunc) > 0 {
			notable = append(notable, fmt.Sprintf("%q", s.Value))
		}
	}

	var digest strings.Builder
	for i, t := range translations {
		if i == maxDigestFunctions {
			break
		}
		if t.NaturalLanguage == "" {
			continue
		}
		fmt.Fprintf(&digest, "- %s %s: %s\n", t.Address, t.Name, firstLine(t.NaturalLanguage))
	}

	return map[string]interface{}{
		"Format":         decomp.Metadata.Format.String(),
		"Architecture":   decomp.Metadata.Architecture,
		"Platform":       decomp.Metadata.Platform,
		"FunctionCount":  len(decomp.Functions),
		"EntryPoint":     orNone(decomp.Metadata.EntryPoint),
		"Libraries":      orNone(strings.Join(libraries, ", ")),
		"Strings":        orNone(strings.Join(notable, ", ")),
		"FunctionDigest": orNone(digest.String()),
		"DetailGuidance": prompt.DetailGuidance(level),
	}
}

func (p *Pipeline) overflowData(decomp *common.DecompilationResult,
	overflowed []common.FunctionRecord, level common.DetailLevel) map[string]interface{} {

	var digest strings.Builder
	for _, fn := range overflowed {
		fmt.Fprintf(&digest, "- %s %s (%d bytes)\n", fn.Address, fn.Name, fn.Size)
	}
	data := p.summaryData(decomp, nil, level)
	data["FunctionDigest"] = digest.String()
	data["DetailGuidance"] = fmt.Sprintf(
		"These %d functions exceeded the per-function translation cap. Characterise them as a group; do not describe them individually. %s",
		len(overflowed), prompt.DetailGuidance(level))
	return data
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// aggregator collects concurrent task results under one lock.
type aggregator struct {
	mu        sync.Mutex
	functions []common.FunctionTranslation
	imports   []common.ImportExplanation
	errors    []common.TaskError

	successes  int
	failures   int
	tokens     int64
	cost       float64
	providerID string
	model      string
}

func newAggregator(functionCount, libraryCount int) *aggregator {
	return &aggregator{
		functions: make([]common.FunctionTranslation, functionCount),
		imports:   make([]common.ImportExplanation, libraryCount),
	}
}

func (a *aggregator) setFunction(i int, ft common.FunctionTranslation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.functions[i] = ft
}

func (a *aggregator) setImport(i int, ie common.ImportExplanation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.imports[i] = ie
}

func (a *aggregator) succeed(out taskOutcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successes++
	a.tokens += out.completion.InputTokens + out.completion.OutputTokens
	a.cost += out.cost
	if a.providerID == "" {
		a.providerID = out.providerID
		a.model = out.model
	}
}

func (a *aggregator) fail(task string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures++
	a.errors = append(a.errors, common.TaskError{
		Task:    task,
		Code:    string(common.CodeOf(err)),
		Message: err.Error(),
	})
}

func (a *aggregator) fill(result *common.TranslationResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	result.FunctionTranslations = a.functions
	result.ImportExplanations = a.imports
	result.TaskErrors = a.errors
	result.TotalTokensUsed = a.tokens
	result.EstimatedCost = a.cost
	result.ProviderID = a.providerID
	result.Model = a.model
}
