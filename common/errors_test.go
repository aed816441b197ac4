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
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
	assert.Equal(t, ECodeInternal, CodeOf(io.EOF), "unclassified errors default to internal")
	assert.Equal(t, ECodeNotFound, CodeOf(NewCodedError(ECodeNotFound, "no such job")))

	// The code survives further wrapping up the chain.
	wrapped := errors.Wrap(WrapCoded(io.EOF, ECodeStorageIO, "reading blob"), "sweeper pass")
	assert.Equal(t, ECodeStorageIO, CodeOf(wrapped))
}

func TestCodedErrorUnwrap(t *testing.T) {
	err := WrapCoded(io.EOF, ECodeStorageIO, "reading blob")
	assert.ErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "storage_io_error")
	assert.Contains(t, err.Error(), "reading blob")
	assert.Contains(t, err.Error(), "EOF")
}

func TestCodedErrorWithHint(t *testing.T) {
	err := NewCodedError(ECodeValidation, "file too large").
		WithHint("maximum upload size is 100 MiB")
	assert.Equal(t, "maximum upload size is 100 MiB", err.Hint)
	assert.Equal(t, "validation_error: file too large", err.Error())
}

func TestRetryable(t *testing.T) {
	retryable := []ErrorCode{
		ECodeProviderRateLimit, ECodeProviderTimeout, ECodeProviderServerError,
		ECodeProviderUnavailable, ECodeStorageIO, ECodeStorageTx,
		ECodeEngineTimeout, ECodeEngineCrashed,
	}
	for _, code := range retryable {
		assert.True(t, Retryable(NewCodedError(code, "boom")), string(code))
	}

	terminal := []ErrorCode{
		ECodeValidation, ECodeNotFound, ECodeExpired, ECodeProviderAuth,
		ECodeProviderBadRequest, ECodeRateLimited, ECodeCostLimitExceeded,
		ECodeCancelled, ECodeEngineExtractionInvalid, ECodeInternal,
	}
	for _, code := range terminal {
		assert.False(t, Retryable(NewCodedError(code, "boom")), string(code))
	}

	assert.False(t, Retryable(nil))
}

func TestRetryableSeesThroughWrapping(t *testing.T) {
	err := errors.Wrap(NewCodedError(ECodeProviderTimeout, "deadline"), "translating fn")
	require.True(t, Retryable(err))
}
