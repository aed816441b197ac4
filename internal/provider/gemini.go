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
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/binsage/binsage/common"
)

// geminiProvider calls the generateContent REST endpoint directly. System
// instructions ride in the dedicated systemInstruction field, not as a user
// turn.
type geminiProvider struct {
	cfg    common.ProviderConfig
	client *http.Client
}

func newGeminiProvider(cfg common.ProviderConfig, client *http.Client) *geminiProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &geminiProvider{cfg: cfg, client: client}
}

func (p *geminiProvider) ID() string           { return p.cfg.ID }
func (p *geminiProvider) Model() string        { return p.cfg.DefaultModel }
func (p *geminiProvider) ContextWindow() int64 { return p.cfg.ContextWindow }

func (p *geminiProvider) EstimateCost(inputTokens, outputTokens int64) float64 {
	return costFor(p.cfg, inputTokens, outputTokens)
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int64   `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (p *geminiProvider) Complete(ctx context.Context, prompt Prompt) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout())
	defer cancel()

	reqBody := geminiRequest{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt.User}}}},
	}
	if prompt.System != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: prompt.System}}}
	}
	reqBody.GenerationConfig.Temperature = prompt.Temperature
	reqBody.GenerationConfig.MaxOutputTokens = prompt.MaxTokens

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeInternal, "encoding request")
	}

	url := fmt.Sprintf("%s/models/%s:generateContent",
		strings.TrimSuffix(p.cfg.BaseURL, "/"), modelFor(p.cfg, prompt))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeInternal, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", p.cfg.APIKey)

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

	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &CallError{CodedError: common.WrapCoded(err, common.ECodeProviderServerError,
			"%s returned malformed JSON", p.cfg.ID)}
	}
	if len(parsed.Candidates) == 0 {
		return nil, &CallError{CodedError: common.NewCodedError(common.ECodeProviderServerError,
			"%s returned no candidates", p.cfg.ID)}
	}

	var sb strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return &Completion{
		Text:         sb.String(),
		InputTokens:  parsed.UsageMetadata.PromptTokenCount,
		OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
	}, nil
}

func (p *geminiProvider) HealthCheck(ctx context.Context) HealthStatus {
	return probe(ctx, p)
}
