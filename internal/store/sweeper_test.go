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
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binsage/binsage/common"
)

func newTestSweeper(t *testing.T) (*Sweeper, *Kernel, sqlmock.Sqlmock) {
	t.Helper()
	kernel, mock := newTestKernel(t)
	s := NewSweeper(kernel, common.NewNopLogger(), common.NewNopTelemetry(), time.Minute, time.Hour)
	return s, kernel, mock
}

func TestSweepExpiredResultsDeletesBlobFirst(t *testing.T) {
	s, kernel, mock := newTestSweeper(t)
	ctx := context.Background()
	jobID := common.NewJobID()
	key := DecompResultKey(jobID)
	require.NoError(t, kernel.Blobs.Put(ctx, key, []byte("{}")))

	mock.ExpectQuery("SELECT key FROM blob_meta WHERE expires_at").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow(key))
	mock.ExpectExec("UPDATE jobs SET result_present").
		WithArgs(jobID.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM blob_meta").
		WithArgs(key).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.sweepExpiredResults(ctx)
	require.NoError(t, mock.ExpectationsWereMet())

	ok, err := kernel.Blobs.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepExpiredResultsKeepsRowWhenBlobDeleteFails(t *testing.T) {
	s, _, mock := newTestSweeper(t)

	// Listing succeeds but the blob Delete on the local store never fails for
	// a missing file, so simulate the row-keeping path via a failing forget:
	// blob gone, ForgetBlob errors, the row survives for the next pass.
	key := DecompResultKey(common.NewJobID())
	mock.ExpectQuery("SELECT key FROM blob_meta WHERE expires_at").
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow(key))
	mock.ExpectExec("UPDATE jobs SET result_present").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM blob_meta").
		WillReturnError(sql.ErrConnDone)

	s.sweepExpiredResults(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepOrphansGivesOnePassOfGrace(t *testing.T) {
	s, kernel, mock := newTestSweeper(t)
	ctx := context.Background()
	key := "results/decomp/orphan.json"
	require.NoError(t, kernel.Blobs.Put(ctx, key, []byte("{}")))

	// First pass: the blob has no metadata row yet; it may simply be mid
	// two-phase write, so it only becomes a suspect.
	mock.ExpectQuery("SELECT expires_at FROM blob_meta").
		WithArgs(key).
		WillReturnError(sql.ErrNoRows)
	s.sweepOrphans(ctx)

	ok, err := kernel.Blobs.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok, "an untracked blob survives its first sweep")

	// Second pass: still untracked, so it really is an orphan.
	mock.ExpectQuery("SELECT expires_at FROM blob_meta").
		WithArgs(key).
		WillReturnError(sql.ErrNoRows)
	s.sweepOrphans(ctx)

	ok, err = kernel.Blobs.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepOrphansSparesTrackedBlobs(t *testing.T) {
	s, kernel, mock := newTestSweeper(t)
	ctx := context.Background()
	key := "results/decomp/tracked.json"
	require.NoError(t, kernel.Blobs.Put(ctx, key, []byte("{}")))

	for i := 0; i < 3; i++ {
		mock.ExpectQuery("SELECT expires_at FROM blob_meta").
			WithArgs(key).
			WillReturnRows(expiryRow(time.Now().Add(time.Hour)))
		s.sweepOrphans(ctx)
	}

	ok, err := kernel.Blobs.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSweepArtifactsPurgesReleased(t *testing.T) {
	s, kernel, mock := newTestSweeper(t)
	ctx := context.Background()
	sha := "feedface00"
	require.NoError(t, kernel.Blobs.Put(ctx, UploadKey(sha), []byte("bin")))

	released := time.Now().Add(-2 * time.Hour)
	mock.ExpectQuery("FROM artifacts").
		WillReturnRows(sqlmock.NewRows([]string{
			"sha256", "size", "format", "architecture", "platform", "path_in_store", "ref_count", "created_at", "released_at",
		}).AddRow(sha, 3, "ELF", "x86-64", "linux", UploadKey(sha), 0, released.Add(-time.Hour), released))
	mock.ExpectExec("DELETE FROM artifacts").
		WithArgs(sha).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.sweepArtifacts(ctx)
	require.NoError(t, mock.ExpectationsWereMet())

	ok, err := kernel.Blobs.Exists(ctx, UploadKey(sha))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepUploadSessionsReleasesRefs(t *testing.T) {
	s, _, mock := newTestSweeper(t)

	mock.ExpectQuery("FROM upload_sessions").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner", "expires_at"}).
			AddRow("sess-1", "owner-a", time.Now().Add(-time.Hour)))
	mock.ExpectQuery("FROM upload_session_refs").
		WithArgs("sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"file_ref"}).AddRow("feedface00"))
	mock.ExpectExec("UPDATE artifacts").
		WithArgs("feedface00").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM upload_sessions").
		WithArgs("sess-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s.sweepUploadSessions(context.Background())
	assert.NoError(t, mock.ExpectationsWereMet())
}
