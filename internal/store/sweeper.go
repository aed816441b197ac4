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

package store

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/binsage/binsage/common"
)

const sweepBatchSize = 256

// Sweeper is the background task that deletes expired result blobs, purges
// released artifacts, and drops expired upload sessions.
type Sweeper struct {
	kernel   *Kernel
	log      common.ILogger
	tel      *common.Telemetry
	interval time.Duration
	grace    time.Duration

	// keys seen orphaned on the previous pass; deleted if still orphaned
	suspectedOrphans map[string]bool
}

func NewSweeper(kernel *Kernel, log common.ILogger, tel *common.Telemetry, interval, artifactGrace time.Duration) *Sweeper {
	if interval < time.Minute {
		interval = time.Minute
	}
	return &Sweeper{kernel: kernel, log: log, tel: tel, interval: interval, grace: artifactGrace, suspectedOrphans: map[string]bool{}}
}

// Run loops until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs one full pass. Deletion order is always blob first, row
// second: a reader racing the sweeper sees "row present, blob absent", which
// it must report as expired, never as an error.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	s.sweepExpiredResults(ctx)
	s.sweepOrphans(ctx)
	s.sweepArtifacts(ctx)
	s.sweepUploadSessions(ctx)
}

// sweepOrphans reclaims result blobs with no metadata row. These appear when
// a worker crashed between the blob write and the row write; the untracked
// set is re-checked on the next pass before deletion so a blob whose row is
// about to land (the write is two-phase) gets a full interval of grace.
func (s *Sweeper) sweepOrphans(ctx context.Context) {
	keys, err := s.kernel.Blobs.List(ctx, "results/")
	if err != nil {
		s.log.Warn("sweeper: listing result blobs failed", zap.Error(err))
		return
	}
	stillOrphaned := map[string]bool{}
	for _, key := range keys {
		tracked, _, err := s.kernel.Structured.BlobExpiry(ctx, key, time.Now())
		if err != nil {
			continue
		}
		if !tracked {
			stillOrphaned[key] = true
			if s.suspectedOrphans[key] {
				if err := s.kernel.Blobs.Delete(ctx, key); err == nil {
					s.tel.SweeperDeletions.Inc()
				}
				delete(stillOrphaned, key)
			}
		}
	}
	s.suspectedOrphans = stillOrphaned
}

func (s *Sweeper) sweepExpiredResults(ctx context.Context) {
	keys, err := s.kernel.Structured.ExpiredBlobs(ctx, time.Now(), sweepBatchSize)
	if err != nil {
		s.log.Warn("sweeper: listing expired blobs failed", zap.Error(err))
		return
	}
	for _, key := range keys {
		if err := s.kernel.Blobs.Delete(ctx, key); err != nil {
			s.log.Warn("sweeper: blob delete failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if jobID := jobIDFromResultKey(key); jobID != "" {
			if err := s.kernel.Structured.MarkResultAbsent(ctx, jobID); err != nil {
				s.log.Warn("sweeper: marking result absent failed", zap.String("job", jobID), zap.Error(err))
			}
		}
		if err := s.kernel.Structured.ForgetBlob(ctx, key); err != nil {
			s.log.Warn("sweeper: forgetting blob failed", zap.String("key", key), zap.Error(err))
			continue
		}
		s.tel.SweeperDeletions.Inc()
	}
}

func (s *Sweeper) sweepArtifacts(ctx context.Context) {
	artifacts, err := s.kernel.Structured.PurgeableArtifacts(ctx, s.grace, sweepBatchSize)
	if err != nil {
		s.log.Warn("sweeper: listing purgeable artifacts failed", zap.Error(err))
		return
	}
	for _, a := range artifacts {
		if err := s.kernel.Blobs.Delete(ctx, UploadKey(a.SHA256)); err != nil {
			s.log.Warn("sweeper: artifact blob delete failed", zap.String("sha256", a.SHA256), zap.Error(err))
			continue
		}
		if err := s.kernel.Structured.DeleteArtifactRow(ctx, a.SHA256); err != nil {
			s.log.Warn("sweeper: artifact row delete failed", zap.String("sha256", a.SHA256), zap.Error(err))
		}
	}
}

func (s *Sweeper) sweepUploadSessions(ctx context.Context) {
	sessions, err := s.kernel.Structured.ExpiredUploadSessions(ctx, time.Now(), sweepBatchSize)
	if err != nil {
		s.log.Warn("sweeper: listing expired upload sessions failed", zap.Error(err))
		return
	}
	for _, sess := range sessions {
		for _, ref := range sess.AcceptedFileRefs {
			if err := s.kernel.Structured.ReleaseArtifact(ctx, ref); err != nil {
				s.log.Warn("sweeper: releasing session artifact failed", zap.String("sha256", ref), zap.Error(err))
			}
		}
		_ = s.kernel.Blobs.Delete(ctx, SessionKey(sess.ID))
		if err := s.kernel.Structured.DeleteUploadSession(ctx, sess.ID); err != nil {
			s.log.Warn("sweeper: deleting upload session failed", zap.String("session", sess.ID.String()), zap.Error(err))
		}
	}
}

// jobIDFromResultKey pulls the job id out of results/{decomp,translation}/{id}.json.
func jobIDFromResultKey(key string) string {
	if !strings.HasPrefix(key, "results/") {
		return ""
	}
	rest := key[strings.LastIndex(key, "/")+1:]
	return strings.TrimSuffix(rest, ".json")
}
