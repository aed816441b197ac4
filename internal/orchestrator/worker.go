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

package orchestrator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/binsage/binsage/common"
	"github.com/binsage/binsage/internal/jobs"
)

const claimPollInterval = 2 * time.Second

// Pool runs the fixed set of workers. Each worker executes one job at a
// time to completion; the claim queue provides the fan-out across workers.
type Pool struct {
	cfg          common.Config
	orchestrator *Orchestrator
	jobs         *jobs.Manager
	log          common.ILogger
}

func NewPool(cfg common.Config, o *Orchestrator, jobManager *jobs.Manager, log common.ILogger) *Pool {
	return &Pool{cfg: cfg, orchestrator: o, jobs: jobManager, log: log}
}

// Run blocks until ctx is cancelled. In-flight jobs get their cancellation
// via the same context; lease recovery picks up anything cut off mid-run.
func (p *Pool) Run(ctx context.Context) error {
	if vm, err := mem.VirtualMemory(); err == nil {
		p.log.Info("worker pool starting",
			zap.Int("workers", p.cfg.WorkerCount),
			zap.Uint64("total_memory_mb", vm.Total/(1<<20)),
			zap.Uint64("available_memory_mb", vm.Available/(1<<20)))
	}

	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		w := &worker{
			id:           common.NewWorkerID(),
			pool:         p,
			orchestrator: p.orchestrator,
			jobs:         p.jobs,
			log:          p.log.With(zap.Int("worker", i)),
		}
		group.Go(func() error { return w.run(ctx) })
	}
	return group.Wait()
}

type worker struct {
	id           common.WorkerID
	pool         *Pool
	orchestrator *Orchestrator
	jobs         *jobs.Manager
	log          common.ILogger
}

func (w *worker) run(ctx context.Context) error {
	ticker := time.NewTicker(claimPollInterval)
	defer ticker.Stop()

	for {
		claimed, err := w.jobs.Claim(ctx, w.id, 1)
		if err != nil {
			w.log.Warn("claim failed", zap.Error(err))
		}
		for _, job := range claimed {
			w.execute(ctx, job)
		}
		if len(claimed) > 0 {
			continue // drain the queue before sleeping
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// execute runs one job with its heartbeat loop, then reports the outcome.
func (w *worker) execute(ctx context.Context, job common.Job) {
	log := common.JobLogger(w.log, job.ID, job.Owner)
	log.Info("job claimed")

	progress := &Progress{}
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cancelRequested := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		w.heartbeat(jobCtx, job, progress, func() {
			close(cancelRequested)
			cancel()
		})
	}()

	err := w.orchestrator.Execute(jobCtx, job, w.id, progress)
	cancel()
	<-heartbeatDone

	switch {
	case err == nil:
		log.Info("job completed")
	case wasCancelRequested(cancelRequested):
		// The owner cancelled; the row is already terminal. Nothing to report.
		log.Info("job cancelled by owner")
	case common.CodeOf(err) == common.ECodeCancelled && ctx.Err() != nil:
		// Shutdown; leave the row running, lease recovery will requeue it.
		log.Info("job interrupted by shutdown")
	default:
		retryable := common.Retryable(err)
		log.Warn("job failed", zap.Error(err), zap.Bool("retryable", retryable))
		if failErr := w.jobs.Fail(ctx, job.ID, w.id, err, retryable); failErr != nil {
			log.Warn("reporting failure failed", zap.Error(failErr))
		}
	}
}

func wasCancelRequested(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// heartbeat extends the lease at a third of its duration and carries the
// monotonic progress. A heartbeat refused because the owner cancelled stops
// the job via onCancel.
func (w *worker) heartbeat(ctx context.Context, job common.Job, progress *Progress, onCancel func()) {
	ticker := time.NewTicker(w.pool.cfg.HeartbeatEvery())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := w.jobs.Heartbeat(ctx, job.ID, w.id, progress.Get())
		if errors.Is(err, jobs.ErrCancelRequested) {
			onCancel()
			return
		}
		if err != nil && ctx.Err() == nil {
			w.log.Warn("heartbeat failed", zap.Error(err))
		}
	}
}
