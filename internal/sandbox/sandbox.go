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

// Package sandbox runs the per-job worker container. Each job gets a
// fresh container with no network, all capabilities dropped, and the
// staged input mounted read-only; the container is force-removed after
// every run regardless of outcome.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"cleansheet/internal/metrics"
)

// Container-side paths of the worker contract.
const (
	workerInputDir  = "/worker/input"
	workerOutputDir = "/worker/output"
)

// workerDockerfile is the worker image recipe inside the build context.
const workerDockerfile = "Dockerfile.worker"

// destroyTimeout bounds the post-run force removal. Removal runs on its
// own context so a cancelled job still tears its container down.
const destroyTimeout = 10 * time.Second

// dockerAPI is the slice of the docker client the supervisor needs.
// *client.Client satisfies it; tests substitute a fake.
type dockerAPI interface {
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Config holds supervisor settings resolved by the caller.
type Config struct {
	// Image is the worker image tag.
	Image string

	// BuildContextDir holds Dockerfile.worker and the worker sources.
	BuildContextDir string

	// HostUploadDir and HostOutputDir are the HOST-side paths of the
	// staging areas. When the gateway itself runs in a container these
	// differ from the paths the gateway sees.
	HostUploadDir string
	HostOutputDir string

	// Timeout is the worker wall-clock ceiling.
	Timeout time.Duration
}

// Supervisor creates, waits on, and destroys worker containers.
type Supervisor struct {
	cli dockerAPI
	cfg Config

	buildMu sync.Mutex
	built   bool
}

// New connects to the docker daemon and returns a supervisor.
func New(cfg Config) (*Supervisor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: connect to docker: %w", err)
	}
	return &Supervisor{cli: cli, cfg: cfg}, nil
}

func newWithClient(cli dockerAPI, cfg Config) *Supervisor {
	return &Supervisor{cli: cli, cfg: cfg}
}

// Close releases the docker client.
func (s *Supervisor) Close() error {
	return s.cli.Close()
}

// EnsureImage makes the worker image available, building it from the
// build context if missing. Builds are serialized; a successful build is
// remembered, a failed one is retried on the next call.
func (s *Supervisor) EnsureImage(ctx context.Context) error {
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	if s.built {
		return nil
	}

	images, err := s.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", s.cfg.Image)),
	})
	if err != nil {
		return fmt.Errorf("sandbox: list images: %w", err)
	}
	if len(images) > 0 {
		s.built = true
		return nil
	}

	slog.Info("Building worker image", "image", s.cfg.Image, "context", s.cfg.BuildContextDir)
	start := time.Now()

	buildCtx, err := archive.TarWithOptions(s.cfg.BuildContextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("sandbox: tar build context: %w", err)
	}
	defer func() { _ = buildCtx.Close() }()

	resp, err := s.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{s.cfg.Image},
		Dockerfile:  workerDockerfile,
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("sandbox: build image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Build failures arrive inside the response stream, not as an error
	// from ImageBuild.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("sandbox: build image: %w", err)
	}

	slog.Info("Worker image built", "image", s.cfg.Image, "duration", time.Since(start).Round(time.Millisecond))
	s.built = true
	return nil
}

// Run executes the worker for one job. inputPath and outputPath are the
// gateway-side staged paths; their basenames locate the same files under
// the host staging directories for the bind mounts. Returns once the
// container has exited and been destroyed.
func (s *Supervisor) Run(ctx context.Context, jobID, inputPath, outputPath string) error {
	if err := s.EnsureImage(ctx); err != nil {
		return err
	}

	inputBase := filepath.Base(inputPath)
	outputBase := filepath.Base(outputPath)
	containerInput := path.Join(workerInputDir, inputBase)
	containerOutput := path.Join(workerOutputDir, outputBase)

	created, err := s.cli.ContainerCreate(ctx,
		&container.Config{
			Image: s.cfg.Image,
			Env: []string{
				"INPUT_FILE=" + containerInput,
				"OUTPUT_FILE=" + containerOutput,
			},
			Labels: map[string]string{"cleansheet.job": jobID},
		},
		&container.HostConfig{
			NetworkMode: "none",
			CapDrop:     strslice.StrSlice{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			Tmpfs:       map[string]string{"/tmp": "size=1g,mode=1777"},
			Mounts: []mount.Mount{
				{
					Type:     mount.TypeBind,
					Source:   filepath.Join(s.cfg.HostUploadDir, inputBase),
					Target:   containerInput,
					ReadOnly: true,
				},
				{
					Type:   mount.TypeBind,
					Source: s.cfg.HostOutputDir,
					Target: workerOutputDir,
				},
			},
			Resources: container.Resources{
				Memory:   2 << 30,
				NanoCPUs: 1_000_000_000,
			},
		},
		nil, nil, "cleansheet-worker-"+jobID)
	if err != nil {
		return fmt.Errorf("sandbox: create container: %w", err)
	}
	defer s.destroy(created.ID, jobID)

	if err := s.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("sandbox: start container: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	statusCh, errCh := s.cli.ContainerWait(waitCtx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if waitCtx.Err() != nil && ctx.Err() == nil {
			return fmt.Errorf("sandbox: worker exceeded %s wall clock", s.cfg.Timeout)
		}
		return fmt.Errorf("sandbox: wait: %w", err)
	case status := <-statusCh:
		if status.StatusCode != 0 {
			return fmt.Errorf("sandbox: worker exited with code %d: %s",
				status.StatusCode, s.tailLogs(ctx, created.ID))
		}
	}

	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		slog.Debug("Worker completed", "job_id", jobID,
			"container_id", created.ID[:12], "log", s.tailLogs(ctx, created.ID))
	}
	return nil
}

// destroy force-removes the container on a fresh context so teardown
// survives job cancellation.
func (s *Supervisor) destroy(containerID, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()

	if err := s.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		slog.Warn("Failed to remove worker container", "job_id", jobID, "container_id", containerID, "error", err)
		return
	}
	metrics.IncSandboxDestroyed()
}

// tailLogs fetches the last lines of worker output for error reporting.
func (s *Supervisor) tailLogs(ctx context.Context, containerID string) string {
	rc, err := s.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "50",
	})
	if err != nil {
		return "(logs unavailable)"
	}
	defer func() { _ = rc.Close() }()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "(logs unavailable)"
	}
	combined := strings.TrimSpace(stdout.String() + stderr.String())
	if combined == "" {
		return "(no output)"
	}
	return combined
}
