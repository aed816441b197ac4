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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/binsage/binsage/common"
)

// ollamaProvider talks to a local Ollama daemon. Calls are free; cost rates
// in config are normally zero.
type ollamaProvider struct {
	cfg    common.ProviderConfig
	client *http.Client
}

func newOllamaProvider(cfg common.ProviderConfig, client *http.Client) *ollamaProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	return &ollamaProvider{cfg: cfg, client: client}
}

func (p *ollamaProvider) ID() string           { return p.cfg.ID }
func (p *ollamaProvider) Model() string        { return p.cfg.DefaultModel }
func (p *ollamaProvider) ContextWindow() int64 { return p.cfg.ContextWindow }

func (p *ollamaProvider) EstimateCost(inputTokens, outputTokens int64) float64 {
	return costFor(p.cfg, inputTokens, outputTokens)
}

type ollamaRequest struct {
	Model   string `json:"model"`
	System  string `json:"system,omitempty"`
	Prompt  string `json:"prompt"`
	Stream  bool   `json:"stream"`
	Options struct {
		Temperature float64 `json:"temperature"`
		NumPredict  int64   `json:"num_predict,omitempty"`
	} `json:"options"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	PromptEvalCount int64  `json:"prompt_eval_count"`
	EvalCount       int64  `json:"eval_count"`
}

func (p *ollamaProvider) Complete(ctx context.Context, prompt Prompt) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout())
	defer cancel()

	reqBody := ollamaRequest{
		Model:  modelFor(p.cfg, prompt),
		System: prompt.System,
		Prompt: prompt.User,
		Stream: false,
	}
	reqBody.Options.Temperature = prompt.Temperature
	reqBody.Options.NumPredict = prompt.MaxTokens

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeInternal, "encoding request")
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/api/generate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeInternal, "building request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, timeoutError(p.cfg.ID, err)
		}
		return nil, transportError(p.cfg.ID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(p.cfg.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTP(p.cfg.ID, resp.StatusCode, string(raw), resp.Header)
	}

	var parsed ollamaResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &CallError{CodedError: common.WrapCoded(err, common.ECodeProviderServerError,
			"%s returned malformed JSON", p.cfg.ID)}
	}
	return &Completion{
		Text:         parsed.Response,
		InputTokens:  parsed.PromptEvalCount,
		OutputTokens: parsed.EvalCount,
	}, nil
}

func (p *ollamaProvider) HealthCheck(ctx context.Context) HealthStatus {
	return probe(ctx, p)
}
