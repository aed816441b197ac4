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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binsage/binsage/common"
)

func openAIConfig(baseURL string) common.ProviderConfig {
	return common.ProviderConfig{
		ID:             "openai",
		Kind:           common.EProviderKind.OpenAICompatible(),
		BaseURL:        baseURL,
		APIKey:         "sk-test",
		DefaultModel:   "gpt-test",
		TimeoutSeconds: 5,
	}
}

func TestOpenAICompleteRoundTrip(t *testing.T) {
	var gotAuth string
	var gotBody oaiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "it prints hello"}},
			},
			"usage": map[string]int64{"prompt_tokens": 120, "completion_tokens": 30},
		})
	}))
	defer server.Close()

	p := newOpenAIProvider(openAIConfig(server.URL), server.Client())
	c, err := p.Complete(context.Background(), Prompt{
		System:      "you are terse",
		User:        "what does main do",
		Temperature: 0.2,
		MaxTokens:   256,
	})
	require.NoError(t, err)

	assert.Equal(t, "it prints hello", c.Text)
	assert.Equal(t, int64(120), c.InputTokens)
	assert.Equal(t, int64(30), c.OutputTokens)
	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "gpt-test", gotBody.Model)
	require.Len(t, gotBody.Messages, 2)
	assert.Equal(t, "system", gotBody.Messages[0].Role)
	assert.Equal(t, "user", gotBody.Messages[1].Role)
}

func TestOpenAIModelOverride(t *testing.T) {
	var gotBody oaiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "ok"}},
			},
			"usage": map[string]int64{"prompt_tokens": 1, "completion_tokens": 1},
		})
	}))
	defer server.Close()

	p := newOpenAIProvider(openAIConfig(server.URL), server.Client())
	_, err := p.Complete(context.Background(), Prompt{User: "hi", Model: "gpt-pinned"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-pinned", gotBody.Model, "a pinned model replaces the configured default")
}

func TestOpenAIErrorMapping(t *testing.T) {
	status := http.StatusUnauthorized
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "3")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":{"message":"nope"}}`))
	}))
	defer server.Close()

	p := newOpenAIProvider(openAIConfig(server.URL), server.Client())

	_, err := p.Complete(context.Background(), Prompt{User: "hi"})
	assert.Equal(t, common.ECodeProviderAuth, common.CodeOf(err))

	status = http.StatusTooManyRequests
	_, err = p.Complete(context.Background(), Prompt{User: "hi"})
	assert.Equal(t, common.ECodeProviderRateLimit, common.CodeOf(err))
	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, int64(3), int64(callErr.RetryAfter.Seconds()))

	status = http.StatusServiceUnavailable
	_, err = p.Complete(context.Background(), Prompt{User: "hi"})
	assert.Equal(t, common.ECodeProviderServerError, common.CodeOf(err))
}

func TestOpenAIEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[],"usage":{}}`))
	}))
	defer server.Close()

	p := newOpenAIProvider(openAIConfig(server.URL), server.Client())
	_, err := p.Complete(context.Background(), Prompt{User: "hi"})
	assert.Equal(t, common.ECodeProviderServerError, common.CodeOf(err))
}

func TestOpenAIUnreachable(t *testing.T) {
	p := newOpenAIProvider(openAIConfig("http://127.0.0.1:1"), http.DefaultClient)
	_, err := p.Complete(context.Background(), Prompt{User: "hi"})
	assert.Equal(t, common.ECodeProviderServerError, common.CodeOf(err))
}
