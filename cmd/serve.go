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

package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/binsage/binsage/common"
	"github.com/binsage/binsage/internal/jobs"
	"github.com/binsage/binsage/internal/orchestrator"
	"github.com/binsage/binsage/internal/pipeline"
	"github.com/binsage/binsage/internal/prompt"
	"github.com/binsage/binsage/internal/provider"
	"github.com/binsage/binsage/internal/quota"
	"github.com/binsage/binsage/internal/store"
)

// serveCmd boots the worker pool with its janitor and TTL sweeper and runs
// until interrupted. The HTTP boundary is a separate deployment; it embeds
// the same packages and talks to the same stores.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Runs the decompilation workers, lease janitor and TTL sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}
		cfg, err := common.LoadConfig(configFile)
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(parent context.Context, cfg common.Config, log common.ILogger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel := common.NewTelemetry(log, nil)

	structured, err := store.OpenStructured(cfg.StructuredStoreURL)
	if err != nil {
		return err
	}
	defer structured.Close()

	blobs, err := store.NewBlobStore(ctx, cfg.StorageRoot, cfg)
	if err != nil {
		return err
	}
	kernel := store.NewKernel(structured, blobs, cfg.ResultTTL())

	prompts := prompt.NewManager(structured, log)
	if err := prompts.Seed(ctx); err != nil {
		return err
	}

	registry, err := provider.NewRegistry(cfg.Providers, cfg.Breaker, log, tel)
	if err != nil {
		return err
	}
	budget := quota.NewBudgetLedger(structured, cfg.Providers)
	selector := provider.NewSelector(registry, budget, cfg.Pipeline, log, tel)
	translator := pipeline.New(cfg.Pipeline, prompts, selector, budget, log)

	jobManager := jobs.NewManager(structured, cfg, log, tel)
	orch := orchestrator.New(cfg, kernel, structured, jobManager, translator, log, tel)
	pool := orchestrator.NewPool(cfg, orch, jobManager, log)
	janitor := jobs.NewJanitor(jobManager, log, cfg.JobLease())
	sweeper := store.NewSweeper(kernel, log, tel, cfg.SweepInterval(), cfg.ArtifactGrace())

	log.Info("binsage serving",
		zap.String("version", common.BinsageVersion),
		zap.String("storage_root", cfg.StorageRoot),
		zap.Int("providers", len(cfg.Providers)))

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return pool.Run(ctx) })
	group.Go(func() error { janitor.Run(ctx); return nil })
	group.Go(func() error { sweeper.Run(ctx); return nil })

	err = group.Wait()
	if ctx.Err() != nil {
		log.Info("shutdown complete")
		return nil
	}
	return err
}
