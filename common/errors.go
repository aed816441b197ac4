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
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode is the stable, boundary-visible classification of a failure. The
// HTTP layer maps codes to status codes; the core never sees HTTP.
type ErrorCode string

const (
	ECodeValidation              ErrorCode = "validation_error"
	ECodeNotFound                ErrorCode = "not_found"
	ECodeExpired                 ErrorCode = "expired"
	ECodeStorageIO               ErrorCode = "storage_io_error"
	ECodeStorageTx               ErrorCode = "storage_tx_error"
	ECodeEngineTimeout           ErrorCode = "engine_timeout"
	ECodeEngineCrashed           ErrorCode = "engine_crashed"
	ECodeEngineExtractionInvalid ErrorCode = "engine_extraction_invalid"
	ECodeProviderRateLimit       ErrorCode = "provider_rate_limit"
	ECodeProviderAuth            ErrorCode = "provider_auth"
	ECodeProviderBadRequest      ErrorCode = "provider_bad_request"
	ECodeProviderServerError     ErrorCode = "provider_server_error"
	ECodeProviderTimeout         ErrorCode = "provider_timeout"
	ECodeProviderUnavailable     ErrorCode = "provider_unavailable"
	ECodeRateLimited             ErrorCode = "rate_limited"
	ECodeCostLimitExceeded       ErrorCode = "cost_limit_exceeded"
	ECodeCancelled               ErrorCode = "cancelled"
	ECodeInternal                ErrorCode = "internal_error"
)

// CodedError carries a stable code alongside the human-readable message, so
// callers can branch on classification without string matching.
type CodedError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Hint    string    `json:"hint,omitempty"`
	cause   error
}

func (e *CodedError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.cause }

func NewCodedError(code ErrorCode, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func WrapCoded(cause error, code ErrorCode, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (e *CodedError) WithHint(hint string) *CodedError {
	e.Hint = hint
	return e
}

// CodeOf extracts the stable code from anywhere in err's chain. Conditions
// nobody classified default to internal_error, which the logs flag loudly.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ECodeInternal
}

// Retryable reports whether a failure is worth another attempt: transient
// provider/storage trouble yes, validation and auth no.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ECodeProviderRateLimit, ECodeProviderTimeout, ECodeProviderServerError,
		ECodeProviderUnavailable, ECodeStorageIO, ECodeStorageTx,
		ECodeEngineTimeout, ECodeEngineCrashed:
		return true
	default:
		return false
	}
}

// errorf keeps wrapping local to this package without importing fmt at every
// call site that just needs a formatted error.
func errorf(format string, args ...interface{}) error {
	return errors.Errorf(format, args...)
}
