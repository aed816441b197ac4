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

// Package prompt stores versioned prompt templates, renders them with
// per-provider adaptations, and tracks per-template effectiveness.
package prompt

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/pkg/errors"

	"github.com/binsage/binsage/common"
	"github.com/binsage/binsage/internal/store"
)

const compiledCacheSize = 64

// Rendered is one fully substituted prompt, ready to hand to a provider.
type Rendered struct {
	TemplateID  string
	Version     int
	System      string
	User        string
	Temperature float64
	MaxTokens   int64
}

// Manager is safe for concurrent use. Compiled templates are cached LRU by
// (template id, version); versions are immutable so entries never go stale.
type Manager struct {
	structured *store.StructuredStore
	log        common.ILogger

	mu       sync.Mutex
	compiled *lru.Cache
}

func NewManager(structured *store.StructuredStore, log common.ILogger) *Manager {
	return &Manager{
		structured: structured,
		log:        log,
		compiled:   lru.New(compiledCacheSize),
	}
}

// Seed installs the version-1 templates if they are not already present.
// Safe to run on every start.
func (m *Manager) Seed(ctx context.Context) error {
	for _, t := range seedTemplates {
		adapt, err := json.Marshal(t.ProviderAdaptations)
		if err != nil {
			return common.WrapCoded(err, common.ECodeInternal, "encoding adaptations for %s", t.TemplateID)
		}
		_, err = m.structured.DB().ExecContext(ctx, `
			INSERT INTO prompt_templates
				(template_id, version, operation_type, system_prompt, user_prompt_template,
				 provider_adaptations, default_temperature, default_max_tokens)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (template_id, version) DO NOTHING`,
			t.TemplateID, t.Version, t.OperationType.String(), t.SystemPrompt,
			t.UserPromptTemplate, adapt, t.DefaultTemperature, t.DefaultMaxTokens)
		if err != nil {
			return common.WrapCoded(err, common.ECodeStorageIO, "seeding template %s", t.TemplateID)
		}
	}
	return nil
}

// Latest returns the highest version of the template serving an operation.
func (m *Manager) Latest(ctx context.Context, op common.OperationType) (*common.PromptTemplate, error) {
	return m.fetch(ctx, `
		SELECT template_id, version, operation_type, system_prompt, user_prompt_template,
		       provider_adaptations, default_temperature, default_max_tokens
		FROM prompt_templates WHERE template_id = $1
		ORDER BY version DESC LIMIT 1`, templateForOperation(op))
}

// Get returns one pinned version.
func (m *Manager) Get(ctx context.Context, templateID string, version int) (*common.PromptTemplate, error) {
	return m.fetch(ctx, `
		SELECT template_id, version, operation_type, system_prompt, user_prompt_template,
		       provider_adaptations, default_temperature, default_max_tokens
		FROM prompt_templates WHERE template_id = $1 AND version = $2`, templateID, version)
}

func (m *Manager) fetch(ctx context.Context, query string, args ...interface{}) (*common.PromptTemplate, error) {
	row := m.structured.DB().QueryRowxContext(ctx, query, args...)

	var t common.PromptTemplate
	var opType string
	var adapt []byte
	err := row.Scan(&t.TemplateID, &t.Version, &opType, &t.SystemPrompt,
		&t.UserPromptTemplate, &adapt, &t.DefaultTemperature, &t.DefaultMaxTokens)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewCodedError(common.ECodeNotFound, "prompt template not found")
	}
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "loading prompt template")
	}
	if err := t.OperationType.Parse(opType); err != nil {
		return nil, common.WrapCoded(err, common.ECodeInternal, "template %s", t.TemplateID)
	}
	if len(adapt) > 0 {
		if err := json.Unmarshal(adapt, &t.ProviderAdaptations); err != nil {
			return nil, common.WrapCoded(err, common.ECodeInternal, "decoding adaptations for %s", t.TemplateID)
		}
	}
	return &t, nil
}

// Publish stores a new immutable version (current max + 1) and returns it.
func (m *Manager) Publish(ctx context.Context, t common.PromptTemplate) (int, error) {
	adapt, err := json.Marshal(t.ProviderAdaptations)
	if err != nil {
		return 0, common.WrapCoded(err, common.ECodeInternal, "encoding adaptations")
	}
	var version int
	err = m.structured.DB().QueryRowxContext(ctx, `
		INSERT INTO prompt_templates
			(template_id, version, operation_type, system_prompt, user_prompt_template,
			 provider_adaptations, default_temperature, default_max_tokens)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5, $6, $7
		FROM prompt_templates WHERE template_id = $1
		RETURNING version`,
		t.TemplateID, t.OperationType.String(), t.SystemPrompt, t.UserPromptTemplate,
		adapt, t.DefaultTemperature, t.DefaultMaxTokens).Scan(&version)
	if err != nil {
		return 0, common.WrapCoded(err, common.ECodeStorageIO, "publishing template %s", t.TemplateID)
	}
	return version, nil
}

// Render substitutes data into the template and layers the provider's
// adaptation on top. A placeholder with no matching key is an error, not
// silent empty output.
func (m *Manager) Render(t *common.PromptTemplate, providerID string, data map[string]interface{}) (*Rendered, error) {
	compiled, err := m.compile(t)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := compiled.Execute(&buf, data); err != nil {
		return nil, common.WrapCoded(err, common.ECodeValidation,
			"rendering template %s v%d", t.TemplateID, t.Version)
	}

	r := &Rendered{
		TemplateID:  t.TemplateID,
		Version:     t.Version,
		System:      t.SystemPrompt,
		User:        buf.String(),
		Temperature: t.DefaultTemperature,
		MaxTokens:   t.DefaultMaxTokens,
	}
	if adapt, ok := t.ProviderAdaptations[providerID]; ok {
		if adapt.SystemSuffix != "" {
			r.System += "\n" + adapt.SystemSuffix
		}
		if adapt.UserSuffix != "" {
			r.User += "\n" + adapt.UserSuffix
		}
		if adapt.Temperature != nil {
			r.Temperature = *adapt.Temperature
		}
	}
	return r, nil
}

func (m *Manager) compile(t *common.PromptTemplate) (*template.Template, error) {
	key := fmt.Sprintf("%s@%d", t.TemplateID, t.Version)

	m.mu.Lock()
	if cached, ok := m.compiled.Get(key); ok {
		m.mu.Unlock()
		return cached.(*template.Template), nil
	}
	m.mu.Unlock()

	compiled, err := template.New(key).Option("missingkey=error").Parse(t.UserPromptTemplate)
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeValidation,
			"template %s v%d does not parse", t.TemplateID, t.Version)
	}

	m.mu.Lock()
	m.compiled.Add(key, compiled)
	m.mu.Unlock()
	return compiled, nil
}

// RecordUse accumulates effectiveness counters for one rendered call.
func (m *Manager) RecordUse(ctx context.Context, templateID, providerID string,
	success bool, latency time.Duration) error {

	successes := 0
	if success {
		successes = 1
	}
	_, err := m.structured.DB().ExecContext(ctx, `
		INSERT INTO prompt_metrics (template_id, provider_id, uses, successes, latency_ms_sum)
		VALUES ($1, $2, 1, $3, $4)
		ON CONFLICT (template_id, provider_id) DO UPDATE SET
			uses = prompt_metrics.uses + 1,
			successes = prompt_metrics.successes + EXCLUDED.successes,
			latency_ms_sum = prompt_metrics.latency_ms_sum + EXCLUDED.latency_ms_sum`,
		templateID, providerID, successes, latency.Milliseconds())
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageIO, "recording prompt use")
	}
	return nil
}

// TemplateMetrics is the admin effectiveness view for one (template,
// provider) pair.
type TemplateMetrics struct {
	TemplateID   string  `db:"template_id" json:"templateId"`
	ProviderID   string  `db:"provider_id" json:"providerId"`
	Uses         int64   `db:"uses" json:"uses"`
	Successes    int64   `db:"successes" json:"successes"`
	LatencyMsSum int64   `db:"latency_ms_sum" json:"latencyMsSum"`
	QualitySum   float64 `db:"quality_sum" json:"qualitySum"`
}

// Metrics lists effectiveness counters for one template across providers.
func (m *Manager) Metrics(ctx context.Context, templateID string) ([]TemplateMetrics, error) {
	var out []TemplateMetrics
	err := m.structured.DB().SelectContext(ctx, &out, `
		SELECT template_id, provider_id, uses, successes, latency_ms_sum, quality_sum
		FROM prompt_metrics WHERE template_id = $1
		ORDER BY provider_id`, templateID)
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageIO, "loading prompt metrics")
	}
	return out, nil
}
