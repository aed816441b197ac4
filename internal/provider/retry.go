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
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"

	"github.com/binsage/binsage/common"
)

const (
	maxAttempts      = 3
	maxRetryAfterCap = 30 * time.Second
)

// CompleteWithRetry wraps one provider call in the retry policy: rate limits
// honour the server's retry-after (capped; zero means retry immediately,
// once); timeouts and server errors back off exponentially with jitter; auth
// and bad-request failures abort at once.
func CompleteWithRetry(ctx context.Context, p IProvider, prompt Prompt) (*Completion, error) {
	var result *Completion
	err := retry.Do(
		func() error {
			c, err := p.Complete(ctx, prompt)
			if err != nil {
				return err
			}
			result = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !IsFatal(err) && common.CodeOf(err) != common.ECodeCancelled
		}),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			var callErr *CallError
			if errors.As(err, &callErr) && common.CodeOf(err) == common.ECodeProviderRateLimit {
				after := callErr.RetryAfter
				if after > maxRetryAfterCap {
					after = maxRetryAfterCap
				}
				return after // zero retry-after means go again immediately
			}
			return retry.BackOffDelay(n, err, config)
		}),
		retry.Delay(500*time.Millisecond),
		retry.MaxJitter(250*time.Millisecond),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}
