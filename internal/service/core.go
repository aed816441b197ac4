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

// Package service is the single surface the HTTP boundary consumes: upload,
// submit, result reads, cancellation and provider administration. The
// boundary maps its responses to HTTP; nothing in here knows about status
// codes.
package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"github.com/binsage/binsage/common"
	"github.com/binsage/binsage/internal/jobs"
	"github.com/binsage/binsage/internal/provider"
	"github.com/binsage/binsage/internal/quota"
	"github.com/binsage/binsage/internal/store"
)

// IAdmission is the slice of the rate limiter the facade needs; nil disables
// request-rate admission (budget ceilings still apply downstream).
type IAdmission interface {
	Allow(ctx context.Context, subject, endpoint string, tier common.Tier) (quota.Decision, error)
}

// Core ties the storage kernel, job manager, admission layer and provider
// registry together behind the inbound contract.
type Core struct {
	cfg      common.Config
	kernel   *store.Kernel
	jobs     *jobs.Manager
	limiter  IAdmission
	registry *provider.Registry
	tel      *common.Telemetry
}

func NewCore(cfg common.Config, kernel *store.Kernel, jobManager *jobs.Manager,
	limiter IAdmission, registry *provider.Registry, tel *common.Telemetry) *Core {
	return &Core{cfg: cfg, kernel: kernel, jobs: jobManager, limiter: limiter, registry: registry, tel: tel}
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// SubmitRequest is one submission from the boundary. Exactly one of FileRef
// (a sha256 of an already uploaded artifact) or InlineBytes must be set;
// inline bytes are ingested as an artifact first, so the raw binary never
// lands in the job row.
type SubmitRequest struct {
	Owner           string
	FileRef         string
	InlineBytes     []byte
	Priority        common.JobPriority
	IdempotencyKey  string
	TranslationSpec *common.TranslationSpec
}

// Submit admits, ingests (for inline bytes) and enqueues one job.
func (c *Core) Submit(ctx context.Context, req SubmitRequest) (common.JobID, error) {
	if req.Owner == "" {
		return common.JobID{}, common.NewCodedError(common.ECodeValidation, "owner is required")
	}
	if (req.FileRef == "") == (len(req.InlineBytes) == 0) {
		return common.JobID{}, common.NewCodedError(common.ECodeValidation,
			"exactly one of fileRef or inline bytes must be provided")
	}

	tier, err := c.kernel.Structured.GetAPIKeyTier(ctx, req.Owner)
	if err != nil {
		return common.JobID{}, err
	}
	if c.limiter != nil {
		decision, err := c.limiter.Allow(ctx, req.Owner, "submit", tier)
		if err != nil {
			return common.JobID{}, err
		}
		if !decision.Allowed {
			return common.JobID{}, quota.RateLimitError(decision)
		}
	}

	fileRef := req.FileRef
	if len(req.InlineBytes) > 0 {
		artifact, err := c.Upload(ctx, req.Owner, req.InlineBytes)
		if err != nil {
			return common.JobID{}, err
		}
		fileRef = artifact.SHA256
	}

	return c.jobs.Submit(ctx, common.JobSpec{
		Owner:           req.Owner,
		FileRef:         fileRef,
		Priority:        req.Priority,
		IdempotencyKey:  req.IdempotencyKey,
		TranslationSpec: req.TranslationSpec,
	}, tier)
}

// Upload ingests one binary: size check, content hash, format sniff, blob
// write, artifact row. Re-uploading identical content is a reference bump on
// the existing artifact, not a second copy.
func (c *Core) Upload(ctx context.Context, owner string, data []byte) (*common.BinaryArtifact, error) {
	if len(data) == 0 {
		return nil, common.NewCodedError(common.ECodeValidation, "uploaded binary is empty")
	}
	// A file at exactly the limit is accepted; one byte over is not.
	if int64(len(data)) > c.cfg.MaxFileSizeBytes {
		return nil, common.NewCodedError(common.ECodeValidation,
			"uploaded binary is %d bytes, limit is %d", len(data), c.cfg.MaxFileSizeBytes)
	}

	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])

	artifact := common.BinaryArtifact{
		SHA256:      ref,
		Size:        int64(len(data)),
		Format:      SniffFormat(data),
		PathInStore: store.UploadKey(ref),
	}
	if err := c.kernel.PutUpload(ctx, ref, data); err != nil {
		return nil, err
	}
	if err := c.kernel.Structured.UpsertArtifact(ctx, artifact); err != nil {
		return nil, err
	}
	c.tel.Event("artifact_uploaded", common.JobID{}, owner,
		zap.String("sha256", ref), zap.Int64("size", artifact.Size))
	return &artifact, nil
}

// OpenUploadSession scopes a set of uploads to one boundary session; the
// sweeper releases the referenced artifacts when the session expires.
func (c *Core) OpenUploadSession(ctx context.Context, owner string, ttl time.Duration, fileRefs []string) (common.SessionID, error) {
	sess := common.UploadSession{
		ID:               common.NewSessionID(),
		Owner:            owner,
		ExpiresAt:        time.Now().Add(ttl),
		AcceptedFileRefs: fileRefs,
	}
	if err := c.kernel.Structured.CreateUploadSession(ctx, sess); err != nil {
		return "", err
	}
	return sess.ID, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// GetJob returns the job row for status polling.
func (c *Core) GetJob(ctx context.Context, jobID common.JobID) (*common.Job, error) {
	return c.jobs.Get(ctx, jobID)
}

// GetDecompilationResult returns the stored extraction, mapping the blob/row
// states to NotFound and Expired for the boundary.
func (c *Core) GetDecompilationResult(ctx context.Context, jobID common.JobID) (*common.DecompilationResult, error) {
	return c.kernel.ReadDecompilationResult(ctx, jobID)
}

// GetTranslationResult mirrors GetDecompilationResult for translations.
func (c *Core) GetTranslationResult(ctx context.Context, jobID common.JobID) (*common.TranslationResult, error) {
	return c.kernel.ReadTranslationResult(ctx, jobID)
}

// CancelJob requests cancellation on behalf of the owner. Running workers
// observe it at their next heartbeat.
func (c *Core) CancelJob(ctx context.Context, jobID common.JobID, owner string) error {
	return c.jobs.Cancel(ctx, jobID, owner)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// ProviderState reports one provider's health and breaker state.
func (c *Core) ProviderState(ctx context.Context, providerID string) (*provider.Snapshot, error) {
	p, ok := c.registry.Get(providerID)
	if !ok {
		return nil, common.NewCodedError(common.ECodeNotFound, "provider %q is not configured", providerID)
	}
	return &provider.Snapshot{
		ID:           p.ID(),
		Model:        p.Model(),
		BreakerState: c.registry.Breaker(providerID).State(),
		Health:       c.registry.Health(ctx, providerID),
	}, nil
}

// ResetProvider clears the breaker and forces a fresh health probe.
func (c *Core) ResetProvider(providerID string) error {
	b := c.registry.Breaker(providerID)
	if b == nil {
		return common.NewCodedError(common.ECodeNotFound, "provider %q is not configured", providerID)
	}
	b.Reset()
	c.registry.InvalidateHealth(providerID)
	return nil
}

// ForceOpenProvider takes a provider out of rotation until ResetProvider.
func (c *Core) ForceOpenProvider(providerID string) error {
	b := c.registry.Breaker(providerID)
	if b == nil {
		return common.NewCodedError(common.ECodeNotFound, "provider %q is not configured", providerID)
	}
	b.ForceOpen()
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// SniffFormat detects the container format from magic bytes. The engine
// refines architecture and platform later; this only gates obviously
// unsupported uploads at the door.
func SniffFormat(data []byte) common.BinaryFormat {
	switch {
	case len(data) >= 2 && data[0] == 'M' && data[1] == 'Z':
		return common.EBinaryFormat.PE()
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x7f, 'E', 'L', 'F'}):
		return common.EBinaryFormat.ELF()
	case len(data) >= 4 && isMachOMagic(data[:4]):
		return common.EBinaryFormat.MachO()
	default:
		return common.EBinaryFormat.Unknown()
	}
}

func isMachOMagic(magic []byte) bool {
	known := [][]byte{
		{0xfe, 0xed, 0xfa, 0xce}, {0xce, 0xfa, 0xed, 0xfe}, // 32-bit, both endians
		{0xfe, 0xed, 0xfa, 0xcf}, {0xcf, 0xfa, 0xed, 0xfe}, // 64-bit
		{0xca, 0xfe, 0xba, 0xbe}, // fat
	}
	for _, k := range known {
		if bytes.Equal(magic, k) {
			return true
		}
	}
	return false
}
