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

// Package orchestrator owns end-to-end job execution: load the artifact,
// drive the engine session, persist the decompilation, run the translation
// fan-out, and report the terminal status.
package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/binsage/binsage/common"
	"github.com/binsage/binsage/internal/engine"
	"github.com/binsage/binsage/internal/jobs"
	"github.com/binsage/binsage/internal/store"
)

// Progress weights: detecting the format is worth 0.1, finishing extraction
// a further 0.4, translation the remaining 0.5. Progress never decreases.
const (
	progressFormatDetected = 0.1
	progressExtracted      = 0.5
	progressDone           = 1.0
)

// ITranslator is the pipeline seam; tests substitute a canned one.
type ITranslator interface {
	Run(ctx context.Context, owner string, decomp *common.DecompilationResult,
		spec common.TranslationSpec) (*common.TranslationResult, error)
}

// SessionOpener builds an engine session against a binary on disk.
type SessionOpener func(cfg common.EngineConfig, log common.ILogger, binaryPath string) (*engine.Session, error)

type Orchestrator struct {
	cfg        common.Config
	kernel     *store.Kernel
	structured *store.StructuredStore
	jobs       *jobs.Manager
	translator ITranslator
	log        common.ILogger
	tel        *common.Telemetry

	openSession SessionOpener
}

func New(cfg common.Config, kernel *store.Kernel, structured *store.StructuredStore,
	jobManager *jobs.Manager, translator ITranslator, log common.ILogger, tel *common.Telemetry) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		kernel:      kernel,
		structured:  structured,
		jobs:        jobManager,
		translator:  translator,
		log:         log,
		tel:         tel,
		openSession: engine.NewSession,
	}
}

// Execute runs one claimed job to its terminal state. The returned error is
// the cause the worker reports through the job manager; nil means the job
// completed.
func (o *Orchestrator) Execute(ctx context.Context, job common.Job, workerID common.WorkerID, progress *Progress) error {
	log := common.JobLogger(o.log, job.ID, job.Owner)

	var spec common.JobSpec
	if err := json.Unmarshal(job.Spec, &spec); err != nil {
		return common.WrapCoded(err, common.ECodeValidation, "job spec does not decode")
	}

	decomp, err := o.decompilation(ctx, job, workerID, log, progress)
	if err != nil {
		return err
	}
	progress.Advance(progressExtracted)

	resultKey := store.DecompResultKey(job.ID)
	if spec.TranslationSpec != nil {
		translation, err := o.translator.Run(ctx, job.Owner, decomp, *spec.TranslationSpec)
		if err != nil {
			return err
		}
		resultKey = store.TranslationResultKey(job.ID)
		if err := o.kernel.WriteResult(ctx, resultKey, job.ID, translation); err != nil {
			return err
		}
		o.tel.Event("translation_done", job.ID, job.Owner,
			zap.String("status", translation.Status.String()),
			zap.Int64("tokens", translation.TotalTokensUsed))
		if translation.Status == common.ETranslationStatus.Cancelled() {
			return common.NewCodedError(common.ECodeCancelled, "translation cancelled")
		}
	}
	progress.Advance(progressDone)

	return o.jobs.Complete(ctx, job.ID, workerID, resultKey)
}

// decompilation returns the extraction for this job, reusing a persisted
// result when a previous attempt already got that far.
func (o *Orchestrator) decompilation(ctx context.Context, job common.Job, workerID common.WorkerID,
	log common.ILogger, progress *Progress) (*common.DecompilationResult, error) {

	if job.DecompDone {
		decomp, err := o.kernel.ReadDecompilationResult(ctx, job.ID)
		if err == nil {
			log.Info("reusing persisted decompilation")
			progress.Advance(progressFormatDetected)
			return decomp, nil
		}
		// Expired or lost since the previous attempt; extract again.
		log.Warn("persisted decompilation unavailable, re-extracting", zap.Error(err))
	}

	artifact, err := o.structured.GetArtifact(ctx, job.FileRef)
	if err != nil {
		return nil, err
	}
	data, err := o.kernel.GetUpload(ctx, job.FileRef)
	if err != nil {
		return nil, err
	}

	// The engine wants a file on disk; cloud-backed blob stores make this a
	// staging copy.
	scratch, err := o.stageBinary(job.FileRef, data)
	if err != nil {
		return nil, err
	}
	defer os.Remove(scratch)

	decomp, err := o.extractWithRestarts(ctx, job.ID, *artifact, scratch, log, progress)
	if err != nil {
		return nil, err
	}

	if err := o.kernel.WriteResult(ctx, store.DecompResultKey(job.ID), job.ID, decomp); err != nil {
		return nil, err
	}
	if err := o.jobs.MarkDecompDone(ctx, job.ID, workerID); err != nil {
		return nil, err
	}
	o.tel.Event("extraction_done", job.ID, job.Owner,
		zap.Int("functions", len(decomp.Functions)),
		zap.Int("imports", len(decomp.Imports)),
		zap.Int("strings", len(decomp.Strings)))
	return decomp, nil
}

func (o *Orchestrator) stageBinary(sha256 string, data []byte) (string, error) {
	f, err := os.CreateTemp("", "binsage-"+sha256[:12]+"-*")
	if err != nil {
		return "", common.WrapCoded(err, common.ECodeStorageIO, "staging binary")
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", common.WrapCoded(err, common.ECodeStorageIO, "staging binary")
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", common.WrapCoded(err, common.ECodeStorageIO, "staging binary")
	}
	return filepath.Clean(name), nil
}

// extractWithRestarts retries engine crashes and timeouts by restarting the
// session, up to the configured restart budget. Invalid extractions are
// deterministic and not retried.
func (o *Orchestrator) extractWithRestarts(ctx context.Context, jobID common.JobID,
	artifact common.BinaryArtifact, binaryPath string, log common.ILogger, progress *Progress) (*common.DecompilationResult, error) {

	session, err := o.openSession(o.cfg.Engine, log, binaryPath)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	progress.Advance(progressFormatDetected)

	extractor := engine.NewExtractor(session, log)

	var lastErr error
	for attempt := 0; attempt <= o.cfg.Engine.MaxRestarts; attempt++ {
		if attempt > 0 {
			log.Warn("restarting engine session", zap.Int("attempt", attempt), zap.Error(lastErr))
			if err := session.Restart(); err != nil {
				lastErr = err
				continue
			}
		}
		decomp, err := extractor.Extract(ctx, jobID, artifact)
		if err == nil {
			return decomp, nil
		}
		switch common.CodeOf(err) {
		case common.ECodeEngineTimeout, common.ECodeEngineCrashed:
			lastErr = err
		default:
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, common.WrapCoded(ctx.Err(), common.ECodeCancelled, "extraction cancelled")
		}
	}
	return nil, lastErr
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Progress is the monotonic fraction the heartbeat loop reports. Shared
// between the executing goroutine and the heartbeat ticker.
type Progress struct {
	mu sync.Mutex
	v  float64
}

// Advance raises progress to v; lower values are ignored.
func (p *Progress) Advance(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v > p.v {
		p.v = v
	}
}

func (p *Progress) Get() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.v
}
