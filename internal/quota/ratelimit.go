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

// Package quota is the admission layer: a sliding-window request limiter
// backed by Redis and a cost-ceiling ledger backed by the structured store.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/binsage/binsage/common"
)

// slidingWindowScript increments the current bucket and sums the window in
// one atomic round trip. Incrementing and reading must be one operation or
// two racing requests could both admit under a nearly-full window.
//
// KEYS[1]: bucket key prefix ("rl:{subject}:{endpoint}:")
// ARGV[1]: now (unix seconds), ARGV[2]: resolution R, ARGV[3]: bucket count
var slidingWindowScript = redis.NewScript(`
local prefix = KEYS[1]
local now = tonumber(ARGV[1])
local res = tonumber(ARGV[2])
local buckets = tonumber(ARGV[3])
local cur = math.floor(now / res)

local curKey = prefix .. cur
redis.call('INCR', curKey)
redis.call('EXPIRE', curKey, res * (buckets + 1))

local total = 0
local oldest = cur
for i = 0, buckets - 1 do
  local v = redis.call('GET', prefix .. (cur - i))
  if v then
    total = total + tonumber(v)
    oldest = cur - i
  end
end
return {total, oldest}
`)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Count      int64         // requests observed in the window, including this one
	Limit      int
	RetryAfter time.Duration // when the oldest contributing bucket expires
}

// RateLimiter is the sliding-window counter over (subject, endpoint). Width
// is window seconds; resolution divides it into buckets. Bucket keys expire
// on their own, so pruning is opportunistic and free.
type RateLimiter struct {
	rdb     *redis.Client
	cfg     common.RateLimitConfig
	tel     *common.Telemetry
	nowFunc func() time.Time
}

func NewRateLimiter(rdb *redis.Client, cfg common.RateLimitConfig, tel *common.Telemetry) *RateLimiter {
	return &RateLimiter{rdb: rdb, cfg: cfg, tel: tel, nowFunc: time.Now}
}

// Allow counts this request against (subject, endpoint) and decides
// admission for the given tier. The count always happens, admitted or not;
// rejected requests still consume window space, matching the exact-count
// invariant over any window of width W.
func (r *RateLimiter) Allow(ctx context.Context, subject, endpoint string, tier common.Tier) (Decision, error) {
	limit := r.cfg.TierLimit(tier)
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := r.nowFunc().Unix()
	res := int64(r.cfg.WindowSeconds / r.cfg.Buckets)
	if res < 1 {
		res = 1
	}
	prefix := fmt.Sprintf("rl:%s:%s:", subject, endpoint)

	raw, err := slidingWindowScript.Run(ctx, r.rdb, []string{prefix}, now, res, r.cfg.Buckets).Slice()
	if err != nil {
		return Decision{}, common.WrapCoded(err, common.ECodeStorageIO, "rate-limit script")
	}
	total := raw[0].(int64)
	oldest := raw[1].(int64)

	d := Decision{Allowed: total <= int64(limit), Count: total, Limit: limit}
	if !d.Allowed {
		// Oldest contributing bucket falls out of the window once its start
		// plus the window width passes.
		expiry := (oldest * res) + int64(r.cfg.WindowSeconds)
		if wait := expiry - now; wait > 0 {
			d.RetryAfter = time.Duration(wait) * time.Second
		}
		r.tel.RateRejections.WithLabelValues(endpoint).Inc()
	}
	return d, nil
}

// RateLimitError is what the boundary maps to 429 plus Retry-After.
func RateLimitError(d Decision) error {
	return common.NewCodedError(common.ECodeRateLimited,
		"rate limit exceeded: %d/%d in window", d.Count, d.Limit).
		WithHint(fmt.Sprintf("retry after %s", d.RetryAfter))
}
