// Rebooter is a remote hardware-recovery controller for a fleet of
// continuous-integration worker machines.
// Copyright (C) 2025  Matthew Burns
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

// rebooter-api runs the HTTP Front and the Job Worker pool in a single
// process: the front accepts and persists job submissions, the pool
// drains the in-process queue and drives recovery to completion.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rebooter/internal/authverifier"
	"rebooter/internal/config"
	"rebooter/internal/httpfront"
	"rebooter/internal/jobs"
	"rebooter/internal/liveness"
	"rebooter/internal/logging"
	"rebooter/internal/mechanism"
	"rebooter/internal/metrics"
	"rebooter/internal/middleware"
	"rebooter/internal/notify"
	"rebooter/internal/orchestrator"
	"rebooter/internal/registry"
	"rebooter/internal/resolver"
	"rebooter/internal/secretset"
	"rebooter/internal/store"
	"rebooter/internal/ticket"
)

// pingerAdapter fixes the per-call timeout liveness.Prober.IsUp takes
// so it satisfies the job worker's simpler Pinger interface.
type pingerAdapter struct {
	prober  *liveness.Prober
	timeout time.Duration
}

func (p pingerAdapter) IsUp(ctx context.Context, host string) bool {
	return p.prober.IsUp(ctx, host, p.timeout)
}

func main() {
	var logLevel string
	var workerConfigPath string
	flag.StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error (env LOG_LEVEL)")
	flag.StringVar(&workerConfigPath, "worker-config", "", "path to the worker registry JSON/YAML file (env WORKER_CONFIG)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		logLevel = v
	}
	if workerConfigPath != "" {
		cfg.WorkerConfigPath = workerConfigPath
	}

	logger := logging.New(logLevel)
	slog.SetDefault(logger)

	reg, err := registry.Load(cfg.WorkerConfigPath)
	if err != nil {
		slog.Error("failed to load worker registry", "path", cfg.WorkerConfigPath, "error", err)
		os.Exit(1)
	}

	st, err := store.Open(context.Background(), cfg.StorePath)
	if err != nil {
		slog.Error("failed to open job store", "path", cfg.StorePath, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	res := resolver.New(5 * time.Minute)
	prober := liveness.New(liveness.ExecFunc(mechanism.DefaultExec))

	redact := secretset.New(cfg.TaskclusterAccessToken, cfg.XenPassword, cfg.ILOPassword)

	ticketFiler := ticket.New(ticket.Config{
		BaseURL:               cfg.BugzillaURL,
		APIKey:                cfg.BugzillaAPIKey,
		ReopenState:           cfg.BugzillaReopenState,
		RebootTemplate:        cfg.BugzillaRebootTemplate,
		WorkerTrackerTemplate: cfg.BugzillaWorkerTrackerTemplate,
	})

	orch := &orchestrator.Orchestrator{
		Registry: reg,
		Resolver: res,
		Prober:   prober,
		Ticket:   ticketFiler,
		Exec:     mechanism.ExecFunc(mechanism.DefaultExec),
		Ambient: mechanism.Ambient{
			XenURL:      cfg.XenURL,
			XenUsername: cfg.XenUsername,
			XenPassword: cfg.XenPassword,
			ILOUsername: cfg.ILOUsername,
			ILOPassword: cfg.ILOPassword,
		},
		RebootMethods:      cfg.RebootMethods,
		DownTimeout:        cfg.DownTimeout,
		UpTimeout:          cfg.UpTimeout,
		IssueTrackerAPIKey: cfg.BugzillaAPIKey,
		AccessToken:        cfg.TaskclusterAccessToken,
	}

	var chatPoster notify.ChatPoster
	if token := os.Getenv("SLACK_TOKEN"); token != "" {
		chatPoster = notify.NewSlackChatPoster(token)
	}
	notifier := &notify.Notifier{
		Chat:        chatPoster,
		ChatChannel: cfg.NotifyIRCChannel,
		OpsAddress:  cfg.NotifyEmail,
	}
	if emailBase := os.Getenv("EMAIL_SERVICE_URL"); emailBase != "" {
		notifier.Email = notify.NewHTTPEmailSender(emailBase, http.DefaultClient)
	}

	queue := jobs.NewQueue(256)

	pool := make([]*jobs.Worker, 0, cfg.WorkerConcurrency)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		id := fmt.Sprintf("worker-%d", i+1)
		w := jobs.NewWorker(id, queue, orch, ticketFiler, pingerAdapter{prober: prober, timeout: cfg.UpTimeout}, notifier, st,
			jobs.Config{Concurrency: 1, PollInterval: 2 * time.Second, Redact: redact})
		pool = append(pool, w)
	}

	verifier := authverifier.New(cfg.AuthVerifierURL, http.DefaultClient)
	front := httpfront.New(httpfront.Config{
		CORSOrigin:         cfg.CORSOrigin,
		ValidWorkerIDRegex: cfg.ValidWorkerIDRegex,
		TaskNames:          cfg.TaskNames,
		RequiredScopeSets:  cfg.RequiredScopeSets,
	}, verifier, queue, st)

	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	defer rateLimiter.Stop()

	mux := http.NewServeMux()
	front.Register(mux)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           rateLimiter.Middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	for _, w := range pool {
		go w.Run(workerCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http front listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	cancelWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("graceful shutdown failed", "error", err)
	} else {
		slog.Info("server stopped gracefully")
	}
}
