// CleanSheet is a document sanitization gateway.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package job drives one submission through the sanitization pipeline:
// stage, pre-scan, sandbox, post-scan, deliver. The controller owns job
// state and artifact lifetimes; scanning and sandboxing are injected.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"cleansheet/internal/metrics"
	"cleansheet/internal/staging"
	"cleansheet/pkg/models"
)

// outputWait bounds the wait for the sandbox output to appear on the
// gateway side of the bind mount after the container has exited.
const outputWait = 2 * time.Second

// Scanner queries a reputation service. Scan never fails the pipeline;
// degraded lookups come back as indeterminate verdicts.
type Scanner interface {
	Scan(ctx context.Context, path, sha256 string) models.Verdict
}

// SandboxRunner executes the worker for one job and returns once its
// container has exited and been destroyed.
type SandboxRunner interface {
	Run(ctx context.Context, jobID, inputPath, outputPath string) error
}

// Ledger records terminal job outcomes. Append failures are logged, not
// fatal; the ledger is informational.
type Ledger interface {
	AppendScanRecord(ctx context.Context, rec models.ScanRecord) error
}

// InputError marks a submission the client can fix: wrong type, too
// large, missing. The gateway maps it to a 400.
type InputError struct {
	Err error
}

func (e *InputError) Error() string { return e.Err.Error() }
func (e *InputError) Unwrap() error { return e.Err }

// Options tunes controller policy.
type Options struct {
	// RejectOnPreScanThreat fails flagged jobs instead of sanitizing
	// them anyway.
	RejectOnPreScanThreat bool
}

// Controller runs the pipeline.
type Controller struct {
	stager  *staging.Stager
	scanner Scanner
	runner  SandboxRunner
	ledger  Ledger
	opts    Options
}

// New builds a controller. ledger may be nil.
func New(stager *staging.Stager, scanner Scanner, runner SandboxRunner, ledger Ledger, opts Options) *Controller {
	return &Controller{stager: stager, scanner: scanner, runner: runner, ledger: ledger, opts: opts}
}

// Result is a successfully sanitized job ready for delivery. Cleanup
// must be called after the response body has been written; it retires
// the job's artifacts and records the terminal state.
type Result struct {
	Job           *models.Job
	OutputPath    string
	SuggestedName string

	// Warning is set when the pre-scan flagged the original; the
	// delivered file is sanitized either way. Detail carries the
	// verdict line.
	Warning bool
	Detail  string

	Cleanup func()
}

// Process runs one submission through the pipeline. The returned error
// is an *InputError for client mistakes and a plain error for pipeline
// failures; in both cases all artifacts are already retired.
func (c *Controller) Process(ctx context.Context, originalName string, upload io.Reader) (*Result, error) {
	job := &models.Job{
		ID:           uuid.NewString(),
		OriginalName: originalName,
		SafeName:     staging.SafeBaseName(originalName),
		State:        models.StateReceived,
		CreatedAt:    time.Now().UTC(),
	}
	log := slog.With("job_id", job.ID, "file", job.SafeName)

	stageStart := time.Now()
	inputPath, err := c.stager.Stage(job.ID, originalName, upload)
	if err != nil {
		if errors.Is(err, staging.ErrInvalidType) || errors.Is(err, staging.ErrTooLarge) {
			return nil, &InputError{Err: err}
		}
		return nil, c.fail(ctx, job, fmt.Errorf("stage: %w", err))
	}
	job.InputPath = inputPath
	job.OutputPath = c.stager.OutputPath(job.ID)
	job.State = models.StateStaged

	if job.SHA256, err = staging.HashFile(inputPath); err != nil {
		return nil, c.fail(ctx, job, err)
	}
	metrics.ObservePhase(metrics.PhaseStage, time.Since(stageStart))
	log.Info("Job staged", "sha256", job.SHA256)

	preStart := time.Now()
	pre := c.scanner.Scan(ctx, inputPath, job.SHA256)
	job.PreScan = &pre
	job.State = models.StatePreScored
	metrics.ObservePhase(metrics.PhasePreScan, time.Since(preStart))
	metrics.IncVerdict(metrics.PhasePreScan, string(pre.Kind))
	log.Info("Pre-scan verdict", "verdict", pre.String())

	if pre.Threat() && c.opts.RejectOnPreScanThreat {
		return nil, c.fail(ctx, job, fmt.Errorf("rejected by pre-scan: %s", pre.String()))
	}

	// The job is sandboxed from launch, so a worker failure is
	// attributed to the sandboxed state.
	job.State = models.StateSandboxed
	sandboxStart := time.Now()
	if err := c.runner.Run(ctx, job.ID, job.InputPath, job.OutputPath); err != nil {
		return nil, c.fail(ctx, job, err)
	}
	metrics.ObservePhase(metrics.PhaseSandbox, time.Since(sandboxStart))

	if err := awaitOutput(job.OutputPath); err != nil {
		return nil, c.fail(ctx, job, err)
	}
	job.State = models.StateProduced
	log.Info("Sanitized artifact produced")

	postStart := time.Now()
	postSHA, err := staging.HashFile(job.OutputPath)
	if err != nil {
		return nil, c.fail(ctx, job, err)
	}
	post := c.scanner.Scan(ctx, job.OutputPath, postSHA)
	job.PostScan = &post
	metrics.ObservePhase(metrics.PhasePostScan, time.Since(postStart))
	metrics.IncVerdict(metrics.PhasePostScan, string(post.Kind))
	log.Info("Post-scan verdict", "verdict", post.String())

	// A flagged output means the pipeline itself failed its promise.
	// Never ship it.
	if post.Threat() {
		return nil, c.fail(ctx, job, fmt.Errorf("sanitized output flagged by post-scan: %s", post.String()))
	}

	deliverStart := time.Now()
	res := &Result{
		Job:           job,
		OutputPath:    job.OutputPath,
		SuggestedName: suggestedName(job.SafeName),
		Warning:       pre.Threat(),
		Detail:        pre.String(),
		Cleanup: func() {
			job.State = models.StateDelivered
			metrics.ObservePhase(metrics.PhaseDeliver, time.Since(deliverStart))
			metrics.IncJobOutcome(string(models.StateDelivered))
			c.record(context.Background(), job)
			staging.Remove(job.InputPath)
			staging.Remove(job.OutputPath)
			log.Info("Job delivered")
		},
	}
	return res, nil
}

// fail retires the job's artifacts, records the terminal state, and
// returns the error for the caller to propagate.
func (c *Controller) fail(ctx context.Context, job *models.Job, err error) error {
	from := job.State
	staging.Remove(job.InputPath)
	staging.Remove(job.OutputPath)
	job.State = models.StateFailed
	metrics.IncJobOutcome(string(models.StateFailed))
	c.record(ctx, job)
	slog.Error("Job failed", "job_id", job.ID, "from", from, "error", err)
	return err
}

func (c *Controller) record(ctx context.Context, job *models.Job) {
	if c.ledger == nil {
		return
	}
	rec := models.ScanRecord{
		JobID:        job.ID,
		OriginalName: job.SafeName,
		SHA256:       job.SHA256,
		FinalState:   job.State,
		CreatedAt:    job.CreatedAt,
		FinishedAt:   time.Now().UTC(),
	}
	if job.PreScan != nil {
		rec.PreVerdict = job.PreScan.String()
	}
	if job.PostScan != nil {
		rec.PostVerdict = job.PostScan.String()
	}
	if err := c.ledger.AppendScanRecord(ctx, rec); err != nil {
		slog.Warn("Failed to append scan record", "job_id", job.ID, "error", err)
	}
}

// awaitOutput waits for the worker's artifact to become visible through
// the shared bind mount. The container has already exited; this only
// absorbs filesystem visibility lag.
func awaitOutput(path string) error {
	deadline := time.Now().Add(outputWait)
	for {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("job: sandbox produced no output at %s", filepath.Base(path))
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// suggestedName derives the download filename from the sanitized
// basename of the original upload.
func suggestedName(safeName string) string {
	stem := strings.TrimSuffix(safeName, filepath.Ext(safeName))
	if stem == "" {
		stem = "document"
	}
	return "sanitized_" + stem + ".pdf"
}
