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

// Package store is the hybrid storage kernel: small structured rows live in
// PostgreSQL, large result payloads live in a content-addressed blob store,
// and a TTL sweeper keeps the two in agreement.
package store

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"

	"github.com/binsage/binsage/common"
)

//go:embed migrations/*.sql
var migrations embed.FS

// StructuredStore wraps the relational side of the kernel. All job state
// transitions issued through it are single conditional statements, so two
// workers can never both win the same transition.
type StructuredStore struct {
	db *sqlx.DB
}

// OpenStructured connects and migrates the schema to head.
func OpenStructured(url string) (*StructuredStore, error) {
	db, err := sqlx.Connect("postgres", url)
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageTx, "connecting structured store")
	}
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageTx, "migrating structured store")
	}
	return &StructuredStore{db: db}, nil
}

// NewStructuredFromDB wraps an existing handle; tests inject sqlmock here.
func NewStructuredFromDB(db *sql.DB) *StructuredStore {
	return &StructuredStore{db: sqlx.NewDb(db, "postgres")}
}

func (s *StructuredStore) DB() *sqlx.DB { return s.db }

func (s *StructuredStore) Close() error { return s.db.Close() }

// WithTx runs fn in a transaction, retrying exactly once on failure before
// surfacing a StorageTx error. Transient serialization hiccups get one more
// chance; anything persistent propagates.
func (s *StructuredStore) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			lastErr = err
			continue
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			lastErr = err
			continue
		}
		if err := tx.Commit(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return common.WrapCoded(lastErr, common.ECodeStorageTx, "transaction failed after retry")
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Blob metadata rows drive the TTL sweeper; the row is authoritative for
// expiry, the blob just holds bytes.

// TrackBlob upserts the metadata row for a written blob.
func (s *StructuredStore) TrackBlob(ctx context.Context, key string, jobID common.JobID, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blob_meta (key, job_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		key, jobID.String(), expiresAt)
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageTx, "tracking blob %s", key)
	}
	return nil
}

// ExpiredBlobs returns keys whose metadata row is past expiry.
func (s *StructuredStore) ExpiredBlobs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	var keys []string
	err := s.db.SelectContext(ctx, &keys,
		`SELECT key FROM blob_meta WHERE expires_at < $1 ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageTx, "listing expired blobs")
	}
	return keys, nil
}

// BlobExpiry reports whether a key is tracked and, if so, whether it has
// expired. Readers use this to distinguish Expired from NotFound.
func (s *StructuredStore) BlobExpiry(ctx context.Context, key string, now time.Time) (tracked bool, expired bool, err error) {
	var expiresAt time.Time
	err = s.db.GetContext(ctx, &expiresAt, `SELECT expires_at FROM blob_meta WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, common.WrapCoded(err, common.ECodeStorageTx, "reading blob meta %s", key)
	}
	return true, !expiresAt.After(now), nil
}

// ForgetBlob removes the metadata row. The sweeper calls this only after the
// blob itself is gone, preserving the "row present, blob absent == expired"
// reader contract.
func (s *StructuredStore) ForgetBlob(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blob_meta WHERE key = $1`, key)
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageTx, "forgetting blob %s", key)
	}
	return nil
}

// MarkResultAbsent flips result_present off for a job whose result blobs the
// sweeper removed; the job row itself stays for audit.
func (s *StructuredStore) MarkResultAbsent(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET result_present = FALSE WHERE id = $1`, jobID)
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageTx, "marking result absent for %s", jobID)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Artifact rows. Reference counting keeps an artifact alive while any job
// still points at it; release + grace period makes it sweepable.

// UpsertArtifact records an artifact, bumping the ref count if it already
// exists (same content uploaded again).
func (s *StructuredStore) UpsertArtifact(ctx context.Context, a common.BinaryArtifact) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (sha256, size, format, architecture, platform, path_in_store, ref_count)
		VALUES ($1, $2, $3, $4, $5, $6, 1)
		ON CONFLICT (sha256) DO UPDATE SET ref_count = artifacts.ref_count + 1, released_at = NULL`,
		a.SHA256, a.Size, a.Format.String(), a.Architecture, a.Platform, a.PathInStore)
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageTx, "upserting artifact %s", a.SHA256)
	}
	return nil
}

// ReleaseArtifact decrements the ref count; at zero the row is stamped so the
// grace period can start.
func (s *StructuredStore) ReleaseArtifact(ctx context.Context, sha256 string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE artifacts
		SET ref_count = GREATEST(ref_count - 1, 0),
		    released_at = CASE WHEN ref_count <= 1 THEN now() ELSE released_at END
		WHERE sha256 = $1`, sha256)
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageTx, "releasing artifact %s", sha256)
	}
	return nil
}

// PurgeableArtifacts lists artifacts with zero references whose grace period
// has elapsed.
func (s *StructuredStore) PurgeableArtifacts(ctx context.Context, grace time.Duration, limit int) ([]common.BinaryArtifact, error) {
	var out []common.BinaryArtifact
	err := s.db.SelectContext(ctx, &out, `
		SELECT sha256, size, format, architecture, platform, path_in_store, ref_count, created_at, released_at
		FROM artifacts
		WHERE ref_count = 0 AND released_at IS NOT NULL AND released_at < $1
		LIMIT $2`, time.Now().Add(-grace), limit)
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageTx, "listing purgeable artifacts")
	}
	return out, nil
}

// DeleteArtifactRow removes the row once its blob is gone.
func (s *StructuredStore) DeleteArtifactRow(ctx context.Context, sha256 string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE sha256 = $1 AND ref_count = 0`, sha256)
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageTx, "deleting artifact row %s", sha256)
	}
	return nil
}

// GetArtifact fetches one artifact row.
func (s *StructuredStore) GetArtifact(ctx context.Context, sha256 string) (*common.BinaryArtifact, error) {
	var a common.BinaryArtifact
	err := s.db.GetContext(ctx, &a, `
		SELECT sha256, size, format, architecture, platform, path_in_store, ref_count, created_at, released_at
		FROM artifacts WHERE sha256 = $1`, sha256)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewCodedError(common.ECodeNotFound, "artifact %s not found", sha256)
	}
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageTx, "reading artifact %s", sha256)
	}
	return &a, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Upload sessions.

// CreateUploadSession inserts a session row.
func (s *StructuredStore) CreateUploadSession(ctx context.Context, sess common.UploadSession) error {
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO upload_sessions (id, owner, expires_at) VALUES ($1, $2, $3)`,
			sess.ID.String(), sess.Owner, sess.ExpiresAt); err != nil {
			return err
		}
		for _, ref := range sess.AcceptedFileRefs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO upload_session_refs (session_id, file_ref) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
				sess.ID.String(), ref); err != nil {
				return err
			}
		}
		return nil
	})
	return err
}

// ExpiredUploadSessions lists sessions past expiry along with their refs.
func (s *StructuredStore) ExpiredUploadSessions(ctx context.Context, now time.Time, limit int) ([]common.UploadSession, error) {
	var sessions []common.UploadSession
	err := s.db.SelectContext(ctx, &sessions,
		`SELECT id, owner, expires_at FROM upload_sessions WHERE expires_at < $1 LIMIT $2`, now, limit)
	if err != nil {
		return nil, common.WrapCoded(err, common.ECodeStorageTx, "listing expired upload sessions")
	}
	for i := range sessions {
		var refs []string
		if err := s.db.SelectContext(ctx, &refs,
			`SELECT file_ref FROM upload_session_refs WHERE session_id = $1`, sessions[i].ID.String()); err != nil {
			return nil, common.WrapCoded(err, common.ECodeStorageTx, "listing session refs")
		}
		sessions[i].AcceptedFileRefs = refs
	}
	return sessions, nil
}

// DeleteUploadSession drops the session (refs cascade).
func (s *StructuredStore) DeleteUploadSession(ctx context.Context, id common.SessionID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_sessions WHERE id = $1`, id.String())
	if err != nil {
		return common.WrapCoded(err, common.ECodeStorageTx, "deleting upload session %s", id)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// API keys (read-only to the core).

// GetAPIKeyTier resolves an owner's tier via any active key. Owners without
// keys fall back to Free.
func (s *StructuredStore) GetAPIKeyTier(ctx context.Context, owner string) (common.Tier, error) {
	var tierStr string
	err := s.db.GetContext(ctx, &tierStr,
		`SELECT tier FROM api_keys WHERE owner = $1 AND active ORDER BY tier DESC LIMIT 1`, owner)
	if errors.Is(err, sql.ErrNoRows) {
		return common.ETier.Free(), nil
	}
	if err != nil {
		return common.ETier.Free(), common.WrapCoded(err, common.ECodeStorageTx, "resolving tier for %s", owner)
	}
	var t common.Tier
	if err := t.Parse(tierStr); err != nil {
		return common.ETier.Free(), nil
	}
	return t, nil
}
