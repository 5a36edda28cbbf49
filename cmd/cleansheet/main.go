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

// Command cleansheet runs the document sanitization gateway.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cleansheet/internal/config"
	"cleansheet/internal/database"
	"cleansheet/internal/job"
	"cleansheet/internal/reputation"
	"cleansheet/internal/sandbox"
	"cleansheet/internal/staging"
	"cleansheet/internal/web"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Gateway exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stager, err := staging.New(cfg.UploadDir(), cfg.OutputDir())
	if err != nil {
		return err
	}

	db, err := database.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	repCfg := reputation.DefaultConfig()
	repCfg.APIKey = cfg.VirusTotalAPIKey
	scanner := reputation.New(repCfg)
	if cfg.VirusTotalAPIKey == "" {
		slog.Warn("VIRUSTOTAL_API_KEY not set; reputation scanning disabled")
	}

	supervisor, err := sandbox.New(sandbox.Config{
		Image:           cfg.WorkerImage,
		BuildContextDir: cfg.BuildContextDir,
		HostUploadDir:   hostPath(cfg.HostPWD, cfg.UploadDir(), "uploads"),
		HostOutputDir:   hostPath(cfg.HostPWD, cfg.OutputDir(), "output"),
		Timeout:         cfg.WorkerTimeout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = supervisor.Close() }()

	// Build the worker image ahead of the first job. A failure here is
	// retried when a job actually needs the image.
	go func() {
		if err := supervisor.EnsureImage(ctx); err != nil {
			slog.Warn("Worker image not ready at startup", "error", err)
		}
	}()

	go sweeper(ctx, stager, cfg.SweepInterval, cfg.RetireAge)

	controller := job.New(stager, scanner, supervisor, db, job.Options{
		RejectOnPreScanThreat: cfg.RejectOnPreScanThreat,
	})
	server, err := web.New(controller, db)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown failed", "error", err)
		}
	}()

	slog.Info("CleanSheet gateway listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// hostPath resolves the host-side staging path for bind mounts. With no
// HOST_PWD the gateway runs directly on the host and its own paths are
// the host paths.
func hostPath(hostPWD, localPath, sub string) string {
	if hostPWD == "" {
		return localPath
	}
	return filepath.Join(hostPWD, sub)
}

// sweeper retires orphaned staged artifacts on a fixed interval. It is
// the failsafe behind per-job cleanup.
func sweeper(ctx context.Context, stager *staging.Stager, interval, retireAge time.Duration) {
	if n := stager.Sweep(retireAge); n > 0 {
		slog.Info("Startup sweep removed orphans", "count", n)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := stager.Sweep(retireAge); n > 0 {
				slog.Info("Sweep removed orphans", "count", n)
			}
		}
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}
