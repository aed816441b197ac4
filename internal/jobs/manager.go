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

// Package jobs owns the job lifecycle: enqueue, atomic claim, heartbeat,
// terminal transitions, and lease-expiry recovery. Every transition is a
// single conditional UPDATE, so workers can race freely.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/binsage/binsage/common"
	"github.com/binsage/binsage/internal/store"
)

// ErrCancelRequested is returned from Heartbeat when the owner cancelled the
// job; the worker is expected to stop at its next task boundary.
var ErrCancelRequested = common.NewCodedError(common.ECodeCancelled, "cancellation requested")

const jobColumns = `id, owner, file_ref, status, priority, progress, attempts, worker_id,
	claim_expires_at, visible_at, created_at, completed_at, result_present, result_blob_key,
	decomp_done, error_code, error_message, idempotency_key, spec`

// Manager is the C3 surface. It talks only to the structured store; blobs are
// the orchestrator's business.
type Manager struct {
	structured *store.StructuredStore
	cfg        common.Config
	log        common.ILogger
	tel        *common.Telemetry
	nowFunc    func() time.Time
}

func NewManager(structured *store.StructuredStore, cfg common.Config, log common.ILogger, tel *common.Telemetry) *Manager {
	return &Manager{structured: structured, cfg: cfg, log: log, tel: tel, nowFunc: time.Now}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Submit validates the spec, enforces the per-tier pending cap, bumps the
// artifact's reference count and enqueues the job. With an idempotency key,
// resubmission returns the original job id.
func (m *Manager) Submit(ctx context.Context, spec common.JobSpec, tier common.Tier) (common.JobID, error) {
	if spec.Owner == "" {
		return common.JobID{}, common.NewCodedError(common.ECodeValidation, "owner is required")
	}
	if spec.FileRef == "" {
		return common.JobID{}, common.NewCodedError(common.ECodeValidation, "fileRef is required")
	}

	if spec.IdempotencyKey != "" {
		var existing string
		err := m.structured.DB().GetContext(ctx, &existing,
			`SELECT id FROM jobs WHERE owner = $1 AND idempotency_key = $2`,
			spec.Owner, spec.IdempotencyKey)
		if err == nil {
			return common.ParseJobID(existing)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return common.JobID{}, common.WrapCoded(err, common.ECodeStorageTx, "idempotency lookup")
		}
	}

	// The artifact must already be in the store; submission never creates it.
	artifact, err := m.structured.GetArtifact(ctx, spec.FileRef)
	if err != nil {
		if common.CodeOf(err) == common.ECodeNotFound {
			return common.JobID{}, common.NewCodedError(common.ECodeValidation, "artifact %s is not uploaded", spec.FileRef)
		}
		return common.JobID{}, err
	}
	if artifact.Size > m.cfg.MaxFileSizeBytes {
		return common.JobID{}, common.NewCodedError(common.ECodeValidation,
			"artifact is %d bytes, limit is %d", artifact.Size, m.cfg.MaxFileSizeBytes)
	}

	if cap := m.cfg.RateLimit.PendingCap(tier); cap > 0 {
		var pending int
		err := m.structured.DB().GetContext(ctx, &pending,
			`SELECT COUNT(*) FROM jobs WHERE owner = $1 AND status IN ('Queued', 'Running')`, spec.Owner)
		if err != nil {
			return common.JobID{}, common.WrapCoded(err, common.ECodeStorageTx, "pending count")
		}
		if pending >= cap {
			return common.JobID{}, common.NewCodedError(common.ECodeValidation,
				"pending job cap reached (%d) for tier %s", cap, tier).
				WithHint("wait for queued jobs to finish")
		}
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return common.JobID{}, common.WrapCoded(err, common.ECodeInternal, "encoding job spec")
	}

	jobID := common.NewJobID()
	now := m.nowFunc()
	_, err = m.structured.DB().ExecContext(ctx, `
		INSERT INTO jobs (id, owner, file_ref, status, priority, visible_at, created_at, idempotency_key, spec)
		VALUES ($1, $2, $3, 'Queued', $4, $5, $5, $6, $7)`,
		jobID.String(), spec.Owner, spec.FileRef, spec.Priority, now, spec.IdempotencyKey, specJSON)
	if err != nil {
		// A concurrent duplicate submit loses the unique-index race; resolve
		// to the winner's id.
		if spec.IdempotencyKey != "" {
			var existing string
			if e := m.structured.DB().GetContext(ctx, &existing,
				`SELECT id FROM jobs WHERE owner = $1 AND idempotency_key = $2`,
				spec.Owner, spec.IdempotencyKey); e == nil {
				return common.ParseJobID(existing)
			}
		}
		return common.JobID{}, common.WrapCoded(err, common.ECodeStorageTx, "inserting job")
	}

	if _, err := m.structured.DB().ExecContext(ctx,
		`UPDATE artifacts SET ref_count = ref_count + 1, released_at = NULL WHERE sha256 = $1`,
		spec.FileRef); err != nil {
		m.log.Warn("artifact ref bump failed", zap.String("sha256", spec.FileRef), zap.Error(err))
	}

	m.tel.JobTransitions.WithLabelValues("Queued").Inc()
	m.tel.Event("job_submitted", jobID, spec.Owner, zap.String("file_ref", spec.FileRef))
	return jobID, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Claim atomically moves up to max queued jobs to Running under this
// worker's lease. SKIP LOCKED keeps concurrent claimers collision-free while
// preserving (priority desc, created_at asc) order per stream.
func (m *Manager) Claim(ctx context.Context, workerID common.WorkerID, max int) ([]common.Job, error) {
	now := m.nowFunc()
	expires := now.Add(m.cfg.JobLease())
	var claimed []common.Job
	err := m.structured.DB().SelectContext(ctx, &claimed, `
		UPDATE jobs SET status = 'Running', worker_id = $1, claim_expires_at = $2
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'Queued' AND visible_at <= $3
			ORDER BY priority DESC, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		workerID.String(), expires, now, max)
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageTx, "claiming jobs")
	}
	for _, j := range claimed {
		m.tel.JobTransitions.WithLabelValues("Running").Inc()
		m.tel.Event("job_claimed", j.ID, j.Owner, zap.String("worker", workerID.String()))
	}
	return claimed, nil
}

// Heartbeat extends the lease and records monotonic progress. It surfaces
// ErrCancelRequested when the owner cancelled so the worker can finalise.
func (m *Manager) Heartbeat(ctx context.Context, jobID common.JobID, workerID common.WorkerID, progress float64) error {
	progress = math.Min(math.Max(progress, 0), 1)
	expires := m.nowFunc().Add(m.cfg.JobLease())
	res, err := m.structured.DB().ExecContext(ctx, `
		UPDATE jobs SET claim_expires_at = $1, progress = GREATEST(progress, $2)
		WHERE id = $3 AND worker_id = $4 AND status = 'Running'`,
		expires, progress, jobID.String(), workerID.String())
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageTx, "heartbeat")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	// The conditional update missed: either the job was cancelled, the lease
	// was reclaimed, or the id is bogus. Look once to tell the worker which.
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == common.EJobStatus.Cancelled() {
		return ErrCancelRequested
	}
	return common.NewCodedError(common.ECodeValidation,
		"heartbeat rejected: job %s is %s under worker %q", jobID, job.Status, job.WorkerID)
}

// Complete marks the job terminal-successful. Calling it again with the same
// result key is a no-op; with a different key it is rejected.
func (m *Manager) Complete(ctx context.Context, jobID common.JobID, workerID common.WorkerID, resultBlobKey string) error {
	now := m.nowFunc()
	res, err := m.structured.DB().ExecContext(ctx, `
		UPDATE jobs SET status = 'Completed', progress = 1, completed_at = $1,
			result_present = TRUE, result_blob_key = $2, worker_id = '', claim_expires_at = NULL
		WHERE id = $3 AND worker_id = $4 AND status = 'Running'`,
		now, resultBlobKey, jobID.String(), workerID.String())
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageTx, "completing job")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		m.tel.JobTransitions.WithLabelValues("Completed").Inc()
		m.releaseArtifactOf(ctx, jobID)
		return nil
	}
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == common.EJobStatus.Completed() && job.ResultBlobKey == resultBlobKey {
		return nil // idempotent repeat
	}
	return common.NewCodedError(common.ECodeValidation,
		"complete rejected: job %s is %s", jobID, job.Status)
}

// Fail either requeues (retryable, attempts remaining, with exponential
// backoff in visible_at) or marks the job terminally failed.
func (m *Manager) Fail(ctx context.Context, jobID common.JobID, workerID common.WorkerID, cause error, retryable bool) error {
	code := string(common.CodeOf(cause))
	// error_code already carries the code; the message column stores only the
	// human-readable part.
	msg := ""
	var coded *common.CodedError
	switch {
	case errors.As(cause, &coded):
		msg = coded.Message
	case cause != nil:
		msg = cause.Error()
	}
	now := m.nowFunc()

	if retryable {
		// Backoff doubles per attempt: 30s, 60s, 120s, …
		res, err := m.structured.DB().ExecContext(ctx, `
			UPDATE jobs SET status = 'Queued', worker_id = '', claim_expires_at = NULL,
				attempts = attempts + 1,
				visible_at = $1 + (interval '30 seconds' * power(2, attempts)),
				error_code = $2, error_message = $3
			WHERE id = $4 AND (worker_id = $5 OR $5 = '') AND status = 'Running' AND attempts + 1 < $6`,
			now, code, msg, jobID.String(), workerID.String(), m.cfg.MaxAttempts)
		if err != nil {
			return common.WrapCoded(err, common.ECodeStorageTx, "requeueing job")
		}
		if n, _ := res.RowsAffected(); n == 1 {
			m.tel.JobTransitions.WithLabelValues("Queued").Inc()
			m.log.Info("job requeued after retryable failure",
				zap.String("job_id", jobID.String()), zap.String("code", code))
			return nil
		}
		// Attempts exhausted (or contention); fall through to terminal failure.
	}

	res, err := m.structured.DB().ExecContext(ctx, `
		UPDATE jobs SET status = 'Failed', worker_id = '', claim_expires_at = NULL,
			completed_at = $1, error_code = $2, error_message = $3
		WHERE id = $4 AND (worker_id = $5 OR $5 = '') AND status = 'Running'`,
		now, code, msg, jobID.String(), workerID.String())
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageTx, "failing job")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		m.tel.JobTransitions.WithLabelValues("Failed").Inc()
		m.releaseArtifactOf(ctx, jobID)
	}
	return nil
}

// Cancel transitions a non-terminal job to Cancelled. Running workers learn
// about it from their next heartbeat.
func (m *Manager) Cancel(ctx context.Context, jobID common.JobID, owner string) error {
	res, err := m.structured.DB().ExecContext(ctx, `
		UPDATE jobs SET status = 'Cancelled', completed_at = $1, claim_expires_at = NULL
		WHERE id = $2 AND owner = $3 AND status IN ('Queued', 'Running')`,
		m.nowFunc(), jobID.String(), owner)
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageTx, "cancelling job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		job, err := m.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return common.NewCodedError(common.ECodeValidation, "job %s already %s", jobID, job.Status)
		}
		return common.NewCodedError(common.ECodeValidation, "job %s is not owned by %q", jobID, owner)
	}
	m.tel.JobTransitions.WithLabelValues("Cancelled").Inc()
	m.tel.Event("job_cancelled", jobID, owner)
	m.releaseArtifactOf(ctx, jobID)
	return nil
}

// Get fetches one job row.
func (m *Manager) Get(ctx context.Context, jobID common.JobID) (*common.Job, error) {
	var job common.Job
	err := m.structured.DB().GetContext(ctx, &job,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewCodedError(common.ECodeNotFound, "job %s not found", jobID)
	}
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageTx, "reading job")
	}
	return &job, nil
}

// MarkDecompDone flags that the decompilation blob is persisted, making the
// job restart-safe: a future claimant skips extraction.
func (m *Manager) MarkDecompDone(ctx context.Context, jobID common.JobID, workerID common.WorkerID) error {
	_, err := m.structured.DB().ExecContext(ctx, `
		UPDATE jobs SET decomp_done = TRUE
		WHERE id = $1 AND worker_id = $2 AND status = 'Running'`,
		jobID.String(), workerID.String())
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageTx, "marking decomp done")
	}
	return nil
}

func (m *Manager) releaseArtifactOf(ctx context.Context, jobID common.JobID) {
	var fileRef string
	if err := m.structured.DB().GetContext(ctx, &fileRef,
		`SELECT file_ref FROM jobs WHERE id = $1`, jobID.String()); err != nil {
		return
	}
	if err := m.structured.ReleaseArtifact(ctx, fileRef); err != nil {
		m.log.Warn("artifact release failed", zap.String("sha256", fileRef), zap.Error(err))
	}
}
