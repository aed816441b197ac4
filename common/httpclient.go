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
	"net/http"
	"runtime"
	"sync"
	"time"
)

var (
	globalHTTPClient     *http.Client
	globalHTTPClientOnce sync.Once
)

// GetGlobalHTTPClient initializes and returns the process-global HTTP client
// exactly once. All LLM provider traffic goes through it so connection reuse
// and proxy handling behave uniformly.
func GetGlobalHTTPClient() *http.Client {
	globalHTTPClientOnce.Do(func() {
		const concurrentDialsPerCPU = 4
		globalHTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 GetProxyFunc(),
				MaxConnsPerHost:       concurrentDialsPerCPU * runtime.NumCPU(),
				MaxIdleConnsPerHost:   32,
				IdleConnTimeout:       180 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
				DisableCompression:    false,
			},
		}
	})
	return globalHTTPClient
}
