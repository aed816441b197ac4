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
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binsage/binsage/common"
	"github.com/binsage/binsage/internal/store"
)

func testJobsConfig() common.Config {
	cfg := common.DefaultConfig()
	cfg.MaxAttempts = 3
	cfg.MaxFileSizeBytes = 1024
	cfg.JobLeaseSeconds = 120
	cfg.RateLimit.PendingCaps = map[string]int{"Free": 2}
	return cfg
}

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	m := NewManager(store.NewStructuredFromDB(db), testJobsConfig(),
		common.NewNopLogger(), common.NewNopTelemetry())
	m.nowFunc = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return m, mock
}

var jobRowColumns = []string{
	"id", "owner", "file_ref", "status", "priority", "progress", "attempts", "worker_id",
	"claim_expires_at", "visible_at", "created_at", "completed_at", "result_present",
	"result_blob_key", "decomp_done", "error_code", "error_message", "idempotency_key", "spec",
}

func jobRow(id common.JobID, status string, resultKey string) *sqlmock.Rows {
	now := time.Date(2026, 8, 24, 11, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(jobRowColumns).AddRow(
		id.String(), "owner-a", "feedface00", status, 1, 0.0, 0, "",
		nil, now, now, nil, resultKey != "", resultKey, false, "", "", "", []byte("{}"))
}

func artifactRow(size int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"sha256", "size", "format", "architecture", "platform", "path_in_store", "ref_count", "created_at", "released_at",
	}).AddRow("feedface00", size, "ELF", "x86-64", "linux", "uploads/feedface00", 1, time.Now(), nil)
}

func validSpec() common.JobSpec {
	return common.JobSpec{Owner: "owner-a", FileRef: "feedface00"}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestSubmitRequiresOwnerAndFileRef(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	_, err := m.Submit(ctx, common.JobSpec{FileRef: "abc"}, common.ETier.Free())
	assert.Equal(t, common.ECodeValidation, common.CodeOf(err))

	_, err = m.Submit(ctx, common.JobSpec{Owner: "owner-a"}, common.ETier.Free())
	assert.Equal(t, common.ECodeValidation, common.CodeOf(err))
}

func TestSubmitEnqueues(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectQuery("FROM artifacts WHERE sha256").
		WithArgs("feedface00").
		WillReturnRows(artifactRow(512))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM jobs").
		WithArgs("owner-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(sqlmock.AnyArg(), "owner-a", "feedface00", sqlmock.AnyArg(),
			sqlmock.AnyArg(), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE artifacts SET ref_count").
		WithArgs("feedface00").
		WillReturnResult(sqlmock.NewResult(0, 1))

	jobID, err := m.Submit(context.Background(), validSpec(), common.ETier.Free())
	require.NoError(t, err)
	assert.False(t, jobID.IsEmpty())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitIdempotencyReturnsExistingJob(t *testing.T) {
	m, mock := newTestManager(t)
	existing := common.NewJobID()

	mock.ExpectQuery("SELECT id FROM jobs WHERE owner").
		WithArgs("owner-a", "retry-key").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(existing.String()))

	spec := validSpec()
	spec.IdempotencyKey = "retry-key"
	jobID, err := m.Submit(context.Background(), spec, common.ETier.Free())
	require.NoError(t, err)
	assert.Equal(t, existing, jobID)
	assert.NoError(t, mock.ExpectationsWereMet(), "resubmission must not enqueue a second job")
}

func TestSubmitRejectsUnknownArtifact(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectQuery("FROM artifacts WHERE sha256").
		WillReturnError(sql.ErrNoRows)

	_, err := m.Submit(context.Background(), validSpec(), common.ETier.Free())
	assert.Equal(t, common.ECodeValidation, common.CodeOf(err))
}

func TestSubmitRejectsOversizedArtifact(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectQuery("FROM artifacts WHERE sha256").
		WillReturnRows(artifactRow(4096)) // limit is 1024

	_, err := m.Submit(context.Background(), validSpec(), common.ETier.Free())
	assert.Equal(t, common.ECodeValidation, common.CodeOf(err))
}

func TestSubmitEnforcesPendingCap(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectQuery("FROM artifacts WHERE sha256").
		WillReturnRows(artifactRow(512))
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM jobs").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	_, err := m.Submit(context.Background(), validSpec(), common.ETier.Free())
	assert.Equal(t, common.ECodeValidation, common.CodeOf(err))
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestClaimReturnsLeasedJobs(t *testing.T) {
	m, mock := newTestManager(t)
	workerID := common.NewWorkerID()
	jobID := common.NewJobID()

	mock.ExpectQuery("UPDATE jobs SET status = 'Running'").
		WithArgs(workerID.String(), sqlmock.AnyArg(), sqlmock.AnyArg(), 1).
		WillReturnRows(jobRow(jobID, "Running", ""))

	claimed, err := m.Claim(context.Background(), workerID, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, jobID, claimed[0].ID)
	assert.Equal(t, common.EJobStatus.Running(), claimed[0].Status)
	assert.Equal(t, "owner-a", claimed[0].Owner)
}

func TestClaimEmptyQueue(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectQuery("UPDATE jobs SET status = 'Running'").
		WillReturnRows(sqlmock.NewRows(jobRowColumns))

	claimed, err := m.Claim(context.Background(), common.NewWorkerID(), 4)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestHeartbeatExtendsLease(t *testing.T) {
	m, mock := newTestManager(t)
	jobID, workerID := common.NewJobID(), common.NewWorkerID()

	mock.ExpectExec("UPDATE jobs SET claim_expires_at").
		WithArgs(sqlmock.AnyArg(), 0.5, jobID.String(), workerID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, m.Heartbeat(context.Background(), jobID, workerID, 0.5))
}

func TestHeartbeatReportsCancellation(t *testing.T) {
	m, mock := newTestManager(t)
	jobID, workerID := common.NewJobID(), common.NewWorkerID()

	mock.ExpectExec("UPDATE jobs SET claim_expires_at").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM jobs WHERE id").
		WithArgs(jobID.String()).
		WillReturnRows(jobRow(jobID, "Cancelled", ""))

	err := m.Heartbeat(context.Background(), jobID, workerID, 0.5)
	assert.ErrorIs(t, err, ErrCancelRequested)
}

func TestHeartbeatRejectedAfterLeaseLoss(t *testing.T) {
	m, mock := newTestManager(t)
	jobID, workerID := common.NewJobID(), common.NewWorkerID()

	mock.ExpectExec("UPDATE jobs SET claim_expires_at").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM jobs WHERE id").
		WillReturnRows(jobRow(jobID, "Queued", ""))

	err := m.Heartbeat(context.Background(), jobID, workerID, 0.5)
	assert.Equal(t, common.ECodeValidation, common.CodeOf(err))
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestCompleteTransitionsAndReleasesArtifact(t *testing.T) {
	m, mock := newTestManager(t)
	jobID, workerID := common.NewJobID(), common.NewWorkerID()

	mock.ExpectExec("UPDATE jobs SET status = 'Completed'").
		WithArgs(sqlmock.AnyArg(), "results/decomp/x.json", jobID.String(), workerID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT file_ref FROM jobs").
		WithArgs(jobID.String()).
		WillReturnRows(sqlmock.NewRows([]string{"file_ref"}).AddRow("feedface00"))
	mock.ExpectExec("UPDATE artifacts").
		WithArgs("feedface00").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, m.Complete(context.Background(), jobID, workerID, "results/decomp/x.json"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteIsIdempotent(t *testing.T) {
	m, mock := newTestManager(t)
	jobID, workerID := common.NewJobID(), common.NewWorkerID()

	mock.ExpectExec("UPDATE jobs SET status = 'Completed'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM jobs WHERE id").
		WillReturnRows(jobRow(jobID, "Completed", "results/decomp/x.json"))

	assert.NoError(t, m.Complete(context.Background(), jobID, workerID, "results/decomp/x.json"),
		"repeating a completed transition with the same result key is a no-op")
}

func TestCompleteRejectsDifferentResultKey(t *testing.T) {
	m, mock := newTestManager(t)
	jobID, workerID := common.NewJobID(), common.NewWorkerID()

	mock.ExpectExec("UPDATE jobs SET status = 'Completed'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM jobs WHERE id").
		WillReturnRows(jobRow(jobID, "Completed", "results/decomp/x.json"))

	err := m.Complete(context.Background(), jobID, workerID, "results/decomp/other.json")
	assert.Equal(t, common.ECodeValidation, common.CodeOf(err))
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestFailRetryableRequeuesWithBackoff(t *testing.T) {
	m, mock := newTestManager(t)
	jobID, workerID := common.NewJobID(), common.NewWorkerID()
	cause := common.NewCodedError(common.ECodeEngineCrashed, "engine died")

	mock.ExpectExec("UPDATE jobs SET status = 'Queued'").
		WithArgs(sqlmock.AnyArg(), string(common.ECodeEngineCrashed), "engine died",
			jobID.String(), workerID.String(), 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, m.Fail(context.Background(), jobID, workerID, cause, true))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailTerminalAfterAttemptsExhausted(t *testing.T) {
	m, mock := newTestManager(t)
	jobID, workerID := common.NewJobID(), common.NewWorkerID()
	cause := common.NewCodedError(common.ECodeEngineCrashed, "engine died")

	// The requeue misses because attempts are exhausted; the terminal update
	// wins instead, and the artifact reference is released.
	mock.ExpectExec("UPDATE jobs SET status = 'Queued'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE jobs SET status = 'Failed'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT file_ref FROM jobs").
		WillReturnRows(sqlmock.NewRows([]string{"file_ref"}).AddRow("feedface00"))
	mock.ExpectExec("UPDATE artifacts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, m.Fail(context.Background(), jobID, workerID, cause, true))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	m, mock := newTestManager(t)
	jobID, workerID := common.NewJobID(), common.NewWorkerID()

	mock.ExpectExec("UPDATE jobs SET status = 'Failed'").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT file_ref FROM jobs").
		WillReturnRows(sqlmock.NewRows([]string{"file_ref"}).AddRow("feedface00"))
	mock.ExpectExec("UPDATE artifacts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	cause := common.NewCodedError(common.ECodeValidation, "spec does not decode")
	require.NoError(t, m.Fail(context.Background(), jobID, workerID, cause, false))
	assert.NoError(t, mock.ExpectationsWereMet())
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestCancelPendingJob(t *testing.T) {
	m, mock := newTestManager(t)
	jobID := common.NewJobID()

	mock.ExpectExec("UPDATE jobs SET status = 'Cancelled'").
		WithArgs(sqlmock.AnyArg(), jobID.String(), "owner-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT file_ref FROM jobs").
		WillReturnRows(sqlmock.NewRows([]string{"file_ref"}).AddRow("feedface00"))
	mock.ExpectExec("UPDATE artifacts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, m.Cancel(context.Background(), jobID, "owner-a"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelTerminalJobIsRejected(t *testing.T) {
	m, mock := newTestManager(t)
	jobID := common.NewJobID()

	mock.ExpectExec("UPDATE jobs SET status = 'Cancelled'").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM jobs WHERE id").
		WillReturnRows(jobRow(jobID, "Completed", "results/decomp/x.json"))

	err := m.Cancel(context.Background(), jobID, "owner-a")
	assert.Equal(t, common.ECodeValidation, common.CodeOf(err))
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestGetUnknownJob(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectQuery("FROM jobs WHERE id").
		WillReturnError(sql.ErrNoRows)

	_, err := m.Get(context.Background(), common.NewJobID())
	assert.Equal(t, common.ECodeNotFound, common.CodeOf(err))
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

func TestJanitorReclaimsExpiredLeases(t *testing.T) {
	m, mock := newTestManager(t)
	j := NewJanitor(m, common.NewNopLogger(), time.Minute)
	jobID := common.NewJobID()

	mock.ExpectQuery("WHERE status = 'Running' AND claim_expires_at").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(jobID.String()))
	// Reclaim goes through the normal retryable-failure path with a wildcard
	// worker id.
	mock.ExpectExec("UPDATE jobs SET status = 'Queued'").
		WithArgs(sqlmock.AnyArg(), string(common.ECodeInternal), sqlmock.AnyArg(),
			jobID.String(), "", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("WHERE status = 'Running' AND created_at").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	j.SweepOnce(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}
