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

package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binsage/binsage/common"
)

func newTestLimiter(t *testing.T, limit int) (*RateLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := common.RateLimitConfig{
		WindowSeconds: 60,
		Buckets:       6,
		TierLimits:    map[string]int{"Free": limit},
	}
	limiter := NewRateLimiter(rdb, cfg, common.NewNopTelemetry())

	now := time.Unix(1_700_000_000, 0)
	limiter.nowFunc = func() time.Time { return now }
	return limiter, mr, &now
}

func TestAllowUnderLimit(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, 5)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := limiter.Allow(ctx, "owner-a", "submit", common.ETier.Free())
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, int64(i+1), d.Count)
	}
}

func TestRejectOverLimitWithRetryAfter(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, "owner-a", "submit", common.ETier.Free())
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := limiter.Allow(ctx, "owner-a", "submit", common.ETier.Free())
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(4), d.Count, "rejected requests still count against the window")
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, 60*time.Second)

	rlErr := RateLimitError(d)
	assert.Equal(t, common.ECodeRateLimited, common.CodeOf(rlErr))
}

func TestWindowSlides(t *testing.T) {
	limiter, mr, now := newTestLimiter(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "owner-a", "submit", common.ETier.Free())
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := limiter.Allow(ctx, "owner-a", "submit", common.ETier.Free())
	require.NoError(t, err)
	require.False(t, d.Allowed)

	// Step past the window plus bucket retention; old buckets expire and the
	// subject is admitted again.
	*now = now.Add(75 * time.Second)
	mr.FastForward(75 * time.Second)

	d, err = limiter.Allow(ctx, "owner-a", "submit", common.ETier.Free())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Count)
}

func TestSubjectsAndEndpointsIsolated(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, 1)
	ctx := context.Background()

	d, err := limiter.Allow(ctx, "owner-a", "submit", common.ETier.Free())
	require.NoError(t, err)
	require.True(t, d.Allowed)

	// owner-a on submit is now at its limit; a different owner and a
	// different endpoint each have their own window.
	d, err = limiter.Allow(ctx, "owner-b", "submit", common.ETier.Free())
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, "owner-a", "status", common.ETier.Free())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestUnconfiguredTierUnlimited(t *testing.T) {
	limiter, _, _ := newTestLimiter(t, 1)

	d, err := limiter.Allow(context.Background(), "owner-a", "submit", common.ETier.Enterprise())
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
