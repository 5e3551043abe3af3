// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// The heartbeat binary runs one Afterword heartbeat cycle and exits. All
// state lives in Supabase, so the process is stateless and safe to invoke
// from any scheduler; a run that dies mid-cycle is repaired by the next one.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/hashicorp/go-rootcerts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/afterword-app/heartbeat/internal/consts"
	"github.com/afterword-app/heartbeat/internal/crypto"
	"github.com/afterword-app/heartbeat/internal/heartbeat"
	"github.com/afterword-app/heartbeat/internal/httpclient"
	"github.com/afterword-app/heartbeat/internal/mail"
	"github.com/afterword-app/heartbeat/internal/metrics"
	"github.com/afterword-app/heartbeat/internal/options"
	"github.com/afterword-app/heartbeat/internal/push"
	"github.com/afterword-app/heartbeat/internal/store"
	"github.com/afterword-app/heartbeat/internal/supabase"
	"github.com/afterword-app/heartbeat/internal/version"
)

func main() {
	opts := options.HeartbeatEnvOptions{}
	if err := opts.Parse(); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing environment variable options: %s\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(opts.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error setting up the logger: %s\n", err)
		os.Exit(1)
	}
	// Every run gets its own ID so interleaved or retried runs can be told
	// apart in aggregated logs.
	logger = logger.WithValues("runID", uuid.NewString())
	setupLog := logger.WithName("setup")

	buildInfo := version.Version()
	setupLog.Info("Starting heartbeat",
		"gitVersion", buildInfo.GitVersion,
		"gitCommit", buildInfo.GitCommit,
		"goVersion", buildInfo.GoVersion,
		"platform", buildInfo.Platform,
		"maxRuntime", opts.MaxRuntime,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpOpts := []httpclient.Option{
		httpclient.WithLogger(logger.WithName("http")),
	}
	if opts.CACert != "" || opts.CAPath != "" {
		httpOpts = append(httpOpts, httpclient.WithCAConfig(&rootcerts.Config{
			CAFile: opts.CACert,
			CAPath: opts.CAPath,
		}))
	}
	httpClient, err := httpclient.New(httpOpts...)
	if err != nil {
		setupLog.Error(err, "Failed to set up the HTTP client")
		os.Exit(1)
	}

	supabaseClient, err := supabase.New(supabase.Config{
		URL:            opts.SupabaseURL,
		ServiceRoleKey: opts.SupabaseServiceRoleKey,
		HTTPClient:     httpClient,
		Logger:         logger.WithName("supabase"),
	})
	if err != nil {
		setupLog.Error(err, "Failed to set up the Supabase client")
		os.Exit(1)
	}
	datastore := store.New(supabaseClient, logger.WithName("store"))

	mailer, err := mail.New(mail.Config{
		APIKey:     opts.ResendAPIKey,
		HTTPClient: httpClient,
		Logger:     logger.WithName("mail"),
	})
	if err != nil {
		setupLog.Error(err, "Failed to set up the mail client")
		os.Exit(1)
	}

	secretBox, err := crypto.NewSecretBox(opts.ServerSecret)
	if err != nil {
		setupLog.Error(err, "Failed to set up the envelope crypto")
		os.Exit(1)
	}

	registry := metrics.NewRegistry(buildInfo)
	if opts.MetricsAddr != "" {
		serveMetrics(opts.MetricsAddr, registry, setupLog)
	}

	hbConfig := heartbeat.Config{
		Store:         datastore,
		Mailer:        mailer,
		SecretBox:     secretBox,
		FromEmail:     opts.ResendFromEmail,
		ViewerBaseURL: opts.ViewerBaseURL,
		MaxRuntime:    opts.MaxRuntime,
		Metrics:       heartbeat.NewMetrics(registry),
		Logger:        logger,
	}
	// Push is best effort end to end: a missing or malformed credential
	// downgrades the run to email-only reminders instead of failing it.
	if opts.FirebaseServiceAccountJSON == "" {
		setupLog.Info("FIREBASE_SERVICE_ACCOUNT_JSON not set, push delivery disabled")
	} else if pusher := newPusher(opts, httpClient, datastore, logger, setupLog); pusher != nil {
		hbConfig.Pusher = pusher
	}

	hb, err := heartbeat.New(hbConfig)
	if err != nil {
		setupLog.Error(err, "Failed to set up the heartbeat")
		os.Exit(1)
	}

	if err := hb.RunWithRetries(ctx); err != nil {
		setupLog.Error(err, "Heartbeat run failed")
		os.Exit(1)
	}
	setupLog.Info("Heartbeat run complete", metrics.RunSummary(registry)...)
}

// newPusher wires the FCM client, returning nil when the configured service
// account cannot serve so the cycle runs without push.
func newPusher(opts options.HeartbeatEnvOptions, httpClient *httpclient.Client,
	devices push.DeviceSource, logger, setupLog logr.Logger,
) heartbeat.Pusher {
	tokens, err := push.NewTokenSource([]byte(opts.FirebaseServiceAccountJSON), logger.WithName("push"))
	if err != nil {
		setupLog.Error(err, "Unusable Firebase service account, push delivery disabled")
		return nil
	}
	pusher, err := push.New(push.Config{
		TokenSource: tokens,
		Devices:     devices,
		HTTPClient:  httpClient,
		Logger:      logger.WithName("push"),
	})
	if err != nil {
		setupLog.Error(err, "Failed to set up the push client, push delivery disabled")
		return nil
	}
	setupLog.Info("Push delivery enabled", "projectID", tokens.ProjectID())
	return pusher
}

// newLogger maps the HEARTBEAT_LOG_LEVEL option onto the logr V-levels used
// throughout and builds the zap-backed logger.
func newLogger(level string) (logr.Logger, error) {
	var v int
	switch level {
	case "", "info":
		v = 0
	case "warning":
		v = consts.LogLevelWarning
	case "debug":
		v = consts.LogLevelDebug
	default:
		return logr.Logger{}, fmt.Errorf("unsupported log level %q", level)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zapcore.Level(-v))
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapLog, err := zapConfig.Build()
	if err != nil {
		return logr.Logger{}, err
	}
	return zapr.NewLogger(zapLog), nil
}

// serveMetrics exposes the registry on addr for the duration of the run.
// The listener dies with the process; deployments that need complete series
// scrape through an aggregating gateway.
func serveMetrics(addr string, registry *prometheus.Registry, setupLog logr.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	setupLog.Info("Serving metrics", "addr", addr)
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			setupLog.Error(err, "Metrics listener failed", "addr", addr)
		}
	}()
}
