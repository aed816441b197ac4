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
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Job is the structured-store row tracking one decompilation request from
// submission to its terminal state. The row outlives the result blobs so the
// audit trail survives TTL expiry.
type Job struct {
	ID             JobID       `db:"id" json:"id"`
	Owner          string      `db:"owner" json:"owner"`
	FileRef        string      `db:"file_ref" json:"fileRef"` // sha256 of the artifact
	Status         JobStatus   `db:"status" json:"status"`
	Priority       JobPriority `db:"priority" json:"priority"`
	Progress       float64     `db:"progress" json:"progress"`
	Attempts       int         `db:"attempts" json:"attempts"`
	WorkerID       string      `db:"worker_id" json:"workerId,omitempty"`
	ClaimExpiresAt *time.Time  `db:"claim_expires_at" json:"claimExpiresAt,omitempty"`
	VisibleAt      time.Time   `db:"visible_at" json:"visibleAt"`
	CreatedAt      time.Time   `db:"created_at" json:"createdAt"`
	CompletedAt    *time.Time  `db:"completed_at" json:"completedAt,omitempty"`
	ResultPresent  bool        `db:"result_present" json:"resultPresent"`
	ResultBlobKey  string      `db:"result_blob_key" json:"-"`
	DecompDone     bool        `db:"decomp_done" json:"decompDone"` // set once the decompilation blob is persisted; lets a reclaimed job skip extraction
	ErrorCode      string      `db:"error_code" json:"errorCode,omitempty"`
	ErrorMessage   string      `db:"error_message" json:"errorMessage,omitempty"`
	IdempotencyKey string      `db:"idempotency_key" json:"-"`
	Spec           JobSpecJSON `db:"spec" json:"spec"`
}

// JobSpecJSON is the raw serialized JobSpec column; decoded lazily because
// claim queries don't need it parsed.
type JobSpecJSON []byte

// JobSpec is everything the boundary hands the core when submitting work.
type JobSpec struct {
	Owner           string           `json:"owner"`
	FileRef         string           `json:"fileRef"`
	Priority        JobPriority      `json:"priority"`
	IdempotencyKey  string           `json:"idempotencyKey,omitempty"`
	TranslationSpec *TranslationSpec `json:"translationSpec,omitempty"`
}

// TranslationSpec configures the optional LLM fan-out after extraction.
type TranslationSpec struct {
	DetailLevel    DetailLevel `json:"detailLevel"`
	ProviderPref   string      `json:"providerPref,omitempty"` // pinned provider id; empty means let the selector choose
	ModelPref      string      `json:"modelPref,omitempty"`
	MaxConcurrency int         `json:"maxConcurrency,omitempty"`
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// BinaryArtifact is one uploaded executable, deduplicated by content hash.
// Multiple jobs may reference the same artifact; RefCount guards GC.
type BinaryArtifact struct {
	SHA256       string       `db:"sha256" json:"sha256"`
	Size         int64        `db:"size" json:"size"`
	Format       BinaryFormat `db:"format" json:"format"`
	Architecture string       `db:"architecture" json:"architecture"`
	Platform     string       `db:"platform" json:"platform"`
	PathInStore  string       `db:"path_in_store" json:"pathInStore"`
	RefCount     int          `db:"ref_count" json:"refCount"`
	CreatedAt    time.Time    `db:"created_at" json:"createdAt"`
	ReleasedAt   *time.Time   `db:"released_at" json:"releasedAt,omitempty"`
}

// UploadSession scopes a set of accepted uploads to one boundary session.
type UploadSession struct {
	ID               SessionID `db:"id" json:"id"`
	Owner            string    `db:"owner" json:"owner"`
	ExpiresAt        time.Time `db:"expires_at" json:"expiresAt"`
	AcceptedFileRefs []string  `db:"-" json:"acceptedFileRefs"`
}

// APIKey is consumed by the core for tier lookup only; the boundary owns
// issuance and hashing.
type APIKey struct {
	ID     string `db:"id" json:"id"`
	Owner  string `db:"owner" json:"owner"`
	Tier   Tier   `db:"tier" json:"tier"`
	Hash   string `db:"hash" json:"-"`
	Active bool   `db:"active" json:"active"`
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// FunctionRecord is one extracted function. Address (canonical 0x… hex) is
// the function's identity; CallsTo/CalledBy reference addresses of other
// functions in the same result and the graph must be closed.
type FunctionRecord struct {
	Name          string   `json:"name"`
	Address       string   `json:"address"`
	Size          int64    `json:"size"`
	AssemblyBlock string   `json:"assemblyBlock"`
	CallsTo       []string `json:"callsTo"`
	CalledBy      []string `json:"calledBy"`
	IsEntry       bool     `json:"isEntry"`
	IsImported    bool     `json:"isImported"`
}

// ImportRecord is one entry from the binary's import table.
type ImportRecord struct {
	Library string `json:"library"`
	Symbol  string `json:"symbol"`
	Address string `json:"address"`
	Ordinal *int   `json:"ordinal,omitempty"`
}

// StringRecord is one extracted string plus the functions that reference it.
type StringRecord struct {
	Value      string   `json:"value"`
	Address    string   `json:"address"`
	Encoding   string   `json:"encoding"`
	Section    string   `json:"section,omitempty"`
	UsedByFunc []string `json:"usedByFunc"` // addresses of referencing functions
}

// BinaryMetadata describes the artifact as the engine saw it.
type BinaryMetadata struct {
	SHA256       string       `json:"sha256"`
	Size         int64        `json:"size"`
	Format       BinaryFormat `json:"format"`
	Architecture string       `json:"architecture"`
	Platform     string       `json:"platform"`
	EntryPoint   string       `json:"entryPoint"`
}

// DecompilationResult is the immutable output of one engine session, stored
// as a blob under results/decomp/{job_id}.json.
type DecompilationResult struct {
	JobID     JobID            `json:"jobId"`
	Metadata  BinaryMetadata   `json:"metadata"`
	Functions []FunctionRecord `json:"functions"`
	Imports   []ImportRecord   `json:"imports"`
	Strings   []StringRecord   `json:"strings"`
	Errors    []string         `json:"errors,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// FunctionTranslation is the LLM's explanation of one function.
type FunctionTranslation struct {
	Address         string `json:"address"`
	Name            string `json:"name"`
	NaturalLanguage string `json:"naturalLanguage"`
	TokensUsed      int64  `json:"tokensUsed"`
	ErrorCode       string `json:"errorCode,omitempty"` // set when this task failed; NaturalLanguage empty
}

// ImportExplanation covers one library's imported symbols as a batch.
type ImportExplanation struct {
	Library     string   `json:"library"`
	Symbols     []string `json:"symbols"`
	Explanation string   `json:"explanation"`
	TokensUsed  int64    `json:"tokensUsed"`
	ErrorCode   string   `json:"errorCode,omitempty"`
}

// TranslationResult aggregates one translation fan-out. At most one exists
// per (job, provider, model); stored under results/translation/{job_id}.json.
type TranslationResult struct {
	JobID                JobID                 `json:"jobId"`
	ProviderID           string                `json:"providerId"`
	Model                string                `json:"model"`
	DetailLevel          DetailLevel           `json:"detailLevel"`
	FunctionTranslations []FunctionTranslation `json:"functionTranslations"`
	ImportExplanations   []ImportExplanation   `json:"importExplanations"`
	OverallSummary       string                `json:"overallSummary,omitempty"`
	OverflowSummary      string                `json:"overflowSummary,omitempty"` // aggregate note for functions beyond the per-function cap
	TotalTokensUsed      int64                 `json:"totalTokensUsed"`
	EstimatedCost        float64               `json:"estimatedCost"`
	Status               TranslationStatus     `json:"status"`
	TaskErrors           []TaskError           `json:"taskErrors,omitempty"`
	CreatedAt            time.Time             `json:"createdAt"`
}

// TaskError records one failed or skipped pipeline task.
type TaskError struct {
	Task    string `json:"task"` // e.g. "function:0x401000", "imports:kernel32.dll", "summary"
	Code    string `json:"code"`
	Message string `json:"message"`
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// UsageRecord accumulates per-owner, per-provider, per-day spend. Only ever
// increased, and only by the translation pipeline's commit step.
type UsageRecord struct {
	Owner         string        `db:"owner" json:"owner"`
	ProviderID    string        `db:"provider_id" json:"providerId"`
	Day           string        `db:"day" json:"day"` // YYYY-MM-DD in UTC
	OperationType OperationType `db:"operation_type" json:"operationType"`
	TokensUsed    int64         `db:"tokens_used" json:"tokensUsed"`
	Requests      int64         `db:"requests" json:"requests"`
	Cost          float64       `db:"cost" json:"cost"`
}

// PromptTemplate is one immutable version of a prompt. A new version is a
// new row; the latest version per operation wins unless a caller pins one.
type PromptTemplate struct {
	TemplateID          string           `db:"template_id" json:"templateId"`
	Version             int              `db:"version" json:"version"`
	OperationType       OperationType    `db:"operation_type" json:"operationType"`
	SystemPrompt        string           `db:"system_prompt" json:"systemPrompt"`
	UserPromptTemplate  string           `db:"user_prompt_template" json:"userPromptTemplate"`
	ProviderAdaptations map[string]Adapt `db:"-" json:"providerAdaptations,omitempty"`
	DefaultTemperature  float64          `db:"default_temperature" json:"defaultTemperature"`
	DefaultMaxTokens    int64            `db:"default_max_tokens" json:"defaultMaxTokens"`
}

// Adapt is a per-provider tweak layered on a template at render time.
type Adapt struct {
	SystemSuffix string   `json:"systemSuffix,omitempty"`
	UserSuffix   string   `json:"userSuffix,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
}
