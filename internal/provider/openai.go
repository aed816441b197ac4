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

// openAIProvider speaks the chat-completions dialect. It serves OpenAI
// proper, Azure OpenAI and any self-hosted gateway via the configured base
// URL.
type openAIProvider struct {
	cfg    common.ProviderConfig
	client *http.Client
}

func newOpenAIProvider(cfg common.ProviderConfig, client *http.Client) *openAIProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	return &openAIProvider{cfg: cfg, client: client}
}

func (p *openAIProvider) ID() string           { return p.cfg.ID }
func (p *openAIProvider) Model() string        { return p.cfg.DefaultModel }
func (p *openAIProvider) ContextWindow() int64 { return p.cfg.ContextWindow }

func (p *openAIProvider) EstimateCost(inputTokens, outputTokens int64) float64 {
	return costFor(p.cfg, inputTokens, outputTokens)
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int64        `json:"max_tokens,omitempty"`
}

type oaiResponse struct {
	Choices []struct {
		Message oaiMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *openAIProvider) Complete(ctx context.Context, prompt Prompt) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout())
	defer cancel()

	var messages []oaiMessage
	if prompt.System != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: prompt.System})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: prompt.User})

	body, err := json.Marshal(oaiRequest{
		Model:       modelFor(p.cfg, prompt),
		Messages:    messages,
		Temperature: prompt.Temperature,
		MaxTokens:   prompt.MaxTokens,
	})
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeInternal, "encoding request")
	}

	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeInternal, "building request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

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

	var parsed oaiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &CallError{CodedError: common.WrapCoded(err, common.ECodeProviderServerError,
			"%s returned malformed JSON", p.cfg.ID)}
	}
	if len(parsed.Choices) == 0 {
		return nil, &CallError{CodedError: common.NewCodedError(common.ECodeProviderServerError,
			"%s returned no choices", p.cfg.ID)}
	}
	return &Completion{
		Text:         parsed.Choices[0].Message.Content,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
	}, nil
}

func (p *openAIProvider) HealthCheck(ctx context.Context) HealthStatus {
	return probe(ctx, p)
}
