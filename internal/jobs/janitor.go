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

package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/binsage/binsage/common"
)

// Janitor recovers jobs whose worker died: Running rows with an expired
// lease go back through Fail(retryable=true), and jobs past the wall-clock
// limit are failed outright. It runs beside the workers, not inside them.
type Janitor struct {
	manager  *Manager
	log      common.ILogger
	interval time.Duration
}

func NewJanitor(manager *Manager, log common.ILogger, interval time.Duration) *Janitor {
	return &Janitor{manager: manager, log: log, interval: interval}
}

func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.SweepOnce(ctx)
		}
	}
}

// SweepOnce reclaims expired leases and enforces the wall-clock timeout.
func (j *Janitor) SweepOnce(ctx context.Context) {
	now := j.manager.nowFunc()

	var expired []string
	err := j.manager.structured.DB().SelectContext(ctx, &expired,
		`SELECT id FROM jobs WHERE status = 'Running' AND claim_expires_at < $1`, now)
	if err != nil {
		j.log.Warn("janitor: lease scan failed", zap.Error(err))
		return
	}
	for _, id := range expired {
		jobID, err := common.ParseJobID(id)
		if err != nil {
			continue
		}
		cause := common.NewCodedError(common.ECodeInternal, "worker lease expired")
		// Empty worker id matches any holder: the real worker is presumed dead.
		if err := j.manager.Fail(ctx, jobID, "", cause, true); err != nil {
			j.log.Warn("janitor: reclaim failed", zap.String("job_id", id), zap.Error(err))
		} else {
			j.log.Info("janitor: reclaimed expired lease", zap.String("job_id", id))
		}
	}

	if wallClock := j.manager.cfg.JobWallClock(); wallClock > 0 {
		var overdue []string
		err := j.manager.structured.DB().SelectContext(ctx, &overdue,
			`SELECT id FROM jobs WHERE status = 'Running' AND created_at < $1`, now.Add(-wallClock))
		if err != nil {
			j.log.Warn("janitor: wall-clock scan failed", zap.Error(err))
			return
		}
		for _, id := range overdue {
			jobID, err := common.ParseJobID(id)
			if err != nil {
				continue
			}
			cause := common.NewCodedError(common.ECodeInternal, "job exceeded wall-clock limit")
			if err := j.manager.Fail(ctx, jobID, "", cause, false); err != nil {
				j.log.Warn("janitor: wall-clock fail failed", zap.String("job_id", id), zap.Error(err))
			}
		}
	}
}
