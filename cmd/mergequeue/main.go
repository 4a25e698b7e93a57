package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/mergequeue/internal/cfg"
	"github.com/simplesurance/mergequeue/internal/githubclt"
	"github.com/simplesurance/mergequeue/internal/logfields"
	"github.com/simplesurance/mergequeue/internal/mergequeue"
	"github.com/simplesurance/mergequeue/internal/model"
	"github.com/simplesurance/mergequeue/internal/provider/github"
	"github.com/simplesurance/mergequeue/internal/retry"
	"github.com/simplesurance/mergequeue/internal/wshub"
)

const appName = "mergequeue"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

const EventChannelBufferSize = 1024

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught, terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

func startHTTPServer(name, listenAddr string, mux *http.ServeMux, listenFn func(*http.Server) error) {
	srv := http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
	}

	goodbye.Register(func(context.Context, os.Signal) {
		const shutdownTimeout = 30 * time.Second
		ctx, cancelFn := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating "+name+" server",
			logfields.Event(name+"_server_terminating"),
			zap.Duration("shutdown_timeout", shutdownTimeout),
		)

		err := srv.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down "+name+" server failed",
				logfields.Event(name+"_server_termination_failed"),
				zap.Error(err),
			)
		}
	})

	go func() {
		defer panicHandler()

		logger.Info(
			name+" server started",
			logfields.Event(name+"_server_started"),
			zap.String("listenAddr", listenAddr),
		)

		err := listenFn(&srv)
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info(name+" server terminated", logfields.Event(name+"_server_terminated"))
			return
		}

		logger.Fatal(
			name+" server terminated unexpectedly",
			logfields.Event(name+"_server_terminated_unexpectedly"),
			zap.Error(err),
		)
	}()
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	ShowVersion *bool
}

var args arguments

const defConfigFile = "/etc/mergequeue/config.toml"

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			defConfigFile,
			"path to the configuration file",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION]\nMerge GitHub pull requests one after another per base branch.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseCfg() *cfg.Config {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	file, err := os.Open(*args.ConfigFile)
	exitOnErr("could not open configuration files", err)
	defer file.Close()

	config, err := cfg.Load(file)
	exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)

	err = config.Validate()
	exitOnErr(fmt.Sprintf("invalid configuration file: %s", *args.ConfigFile), err)

	return config
}

func initLogFmtLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zapEncoderConfig(config)

	logger := zap.New(zapcore.NewCore(
		zaplogfmt.NewEncoder(cfg),
		os.Stdout,
		logLevel),
	)

	return logger
}

func zapEncoderConfig(config *cfg.Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.LogTimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

func mustInitZapFormatLogger(config *cfg.Config, logLevel zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Sampling = nil
	cfg.EncoderConfig = zapEncoderConfig(config)
	cfg.OutputPaths = []string{"stdout"}
	cfg.Encoding = config.LogFormat
	cfg.Level = zap.NewAtomicLevelAt(logLevel)

	logger, err := cfg.Build()
	exitOnErr("could not initialize logger", err)

	return logger
}

func mustInitLogger(config *cfg.Config) {
	var logLevel zapcore.Level
	if *args.Verbose {
		logLevel = zapcore.DebugLevel
	} else if err := (&logLevel).Set(config.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "can not set log level to %q: %s\n", config.LogLevel, err)
		os.Exit(2)
	}

	switch config.LogFormat {
	case "logfmt":
		logger = initLogFmtLogger(config, logLevel)
	case "console", "json":
		logger = mustInitZapFormatLogger(config, logLevel)
	default:
		fmt.Fprintf(os.Stderr, "unsupported log-format argument: %q\n", config.LogFormat)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "flushing logs failed: %s\n", err)
		}
	})
}

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

func mustNewGithubClient(config *cfg.Config) mergequeue.GithubClient {
	opts := []githubclt.Option{
		githubclt.WithMergeMethod(config.MergeQueue.MergeMethod),
	}

	if config.GithubAppID != 0 {
		opts = append(opts, githubclt.WithAppInstallation(
			config.GithubAppID,
			config.GithubAppInstallationID,
			config.GithubAppPrivateKeyFile,
		))
	} else {
		opts = append(opts, githubclt.WithAPIToken(config.GithubAPIToken))
	}

	if config.GithubEnterpriseURL != "" {
		opts = append(opts, githubclt.WithEnterpriseURL(config.GithubEnterpriseURL))
	}

	clt, err := githubclt.New(config.MergeQueue.RepositoryOwner, config.MergeQueue.Repository, opts...)
	if err != nil {
		logger.Fatal(
			"creating github client failed",
			logfields.Event("github_client_creation_failed"),
			zap.Error(err),
		)
	}

	if config.MergeQueue.DryRun {
		logger.Info(
			"dry run enabled, pull requests are not modified",
			logfields.Event("dry_run_enabled"),
		)

		return mergequeue.NewDryGithubClient(clt, logger)
	}

	return clt
}

func mustStartMergeQueue(config *cfg.Config, ghClient mergequeue.GithubClient, evChan <-chan model.Event, mux *http.ServeMux) {
	mqCfg, err := config.MergeQueue.MergeServiceConfig()
	if err != nil {
		logger.Fatal("invalid merge queue configuration", logfields.Event("cfg_invalid"), zap.Error(err))
	}

	retryer := retry.NewRetryer()

	dispatcher, err := mergequeue.NewDispatchService(ghClient, retryer, mqCfg)
	if err != nil {
		logger.Fatal("creating merge queue dispatcher failed", logfields.Event("merge_queue_creation_failed"), zap.Error(err))
	}

	hub := wshub.NewHub()
	lifecycleEvents, cancelSubscription := dispatcher.Subscribe()

	go func() {
		defer panicHandler()

		for ev := range lifecycleEvents {
			hub.Broadcast(&ev)
		}
	}()

	mux.HandleFunc(config.MergeQueue.HTTPListEndpoint, dispatcher.HTTPHandlerList)
	mux.HandleFunc(config.MergeQueue.HTTPHealthEndpoint, dispatcher.HTTPHandlerHealth)
	mux.HandleFunc(config.MergeQueue.HTTPEventsEndpoint, hub.ServeWS)

	logger.Info(
		"registered merge queue http endpoints",
		logfields.Event("merge_queue_http_handlers_registered"),
		zap.String("list_endpoint", config.MergeQueue.HTTPListEndpoint),
		zap.String("health_endpoint", config.MergeQueue.HTTPHealthEndpoint),
		zap.String("events_endpoint", config.MergeQueue.HTTPEventsEndpoint),
	)

	goodbye.Register(func(context.Context, os.Signal) {
		logger.Debug("stopping merge queues", logfields.Event("merge_queues_stopping"))

		retryer.Stop()
		dispatcher.Stop()

		cancelSubscription()
		hub.Close()

		logger.Debug("merge queues stopped", logfields.Event("merge_queues_stopped"))
	})

	go func() {
		defer panicHandler()

		dispatcher.Start(context.Background())
		dispatcher.EventLoop(evChan)
	}()
}

func main() {
	defer panicHandler()

	defer goodbye.Exit(context.Background(), 1)
	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	config := mustParseCfg()

	mustInitLogger(config)

	logger.Info(
		"loaded cfg file",
		logfields.Event("cfg_loaded"),
		zap.String("cfg_file", *args.ConfigFile),
		zap.String("http_server_listen_addr", config.HTTPListenAddr),
		zap.String("https_server_listen_addr", config.HTTPSListenAddr),
		zap.String("github_webhook_endpoint", config.HTTPGithubWebhookEndpoint),
		zap.String("github_webhook_secret", hide(config.GithubWebHookSecret)),
		zap.String("github_api_token", hide(config.GithubAPIToken)),
		zap.Int64("github_app_id", config.GithubAppID),
		zap.String("github_enterprise_url", config.GithubEnterpriseURL),
		zap.String("log_format", config.LogFormat),
		zap.String("log_time_key", config.LogTimeKey),
		zap.String("log_level", config.LogLevel),
		zap.String("event_filter_query", config.EventFilterQuery),
		zap.String("metrics_endpoint", config.MetricsEndpoint),
		logfields.RepositoryOwner(config.MergeQueue.RepositoryOwner),
		logfields.Repository(config.MergeQueue.Repository),
		zap.String("merge_queue.integration_label", config.MergeQueue.IntegrationLabel),
		zap.Strings("merge_queue.top_priority_labels", config.MergeQueue.TopPriorityLabels),
		zap.Bool("merge_queue.requires_all_status_checks", config.MergeQueue.RequiresAllStatusChecks),
		zap.String("merge_queue.status_checks_timeout", config.MergeQueue.StatusChecksTimeout),
		zap.String("merge_queue.idle_queue_cleanup_delay", config.MergeQueue.IdleQueueCleanupDelay),
		zap.String("merge_queue.merge_method", config.MergeQueue.MergeMethod),
		zap.Bool("merge_queue.dry_run", config.MergeQueue.DryRun),
	)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
	})

	mux := http.NewServeMux()

	evChan := make(chan model.Event, EventChannelBufferSize)

	ghClient := mustNewGithubClient(config)
	mustStartMergeQueue(config, ghClient, evChan, mux)

	providerOpts := []github.Option{
		github.WithPayloadSecret(config.GithubWebHookSecret),
		github.WithRepository(config.MergeQueue.RepositoryOwner, config.MergeQueue.Repository),
	}

	if config.EventFilterQuery != "" {
		filter, err := github.NewEventFilter(config.EventFilterQuery)
		if err != nil {
			logger.Fatal("parsing event_filter_query failed", logfields.Event("cfg_invalid"), zap.Error(err))
		}

		providerOpts = append(providerOpts, github.WithEventFilter(filter))
	}

	gh := github.New([]chan<- model.Event{evChan}, providerOpts...)

	mux.HandleFunc(config.HTTPGithubWebhookEndpoint, gh.HTTPHandler)
	logger.Info(
		"registered github webhook event http endpoint",
		logfields.Event("github_http_handler_registered"),
		zap.String("endpoint", config.HTTPGithubWebhookEndpoint),
	)

	mux.Handle(config.MetricsEndpoint, promhttp.Handler())
	logger.Info(
		"registered prometheus metrics http endpoint",
		logfields.Event("metrics_http_handler_registered"),
		zap.String("endpoint", config.MetricsEndpoint),
	)

	if config.HTTPListenAddr != "" {
		startHTTPServer("http", config.HTTPListenAddr, mux, (*http.Server).ListenAndServe)
	}

	if config.HTTPSListenAddr != "" {
		startHTTPServer("https", config.HTTPSListenAddr, mux, func(srv *http.Server) error {
			return srv.ListenAndServeTLS(config.HTTPSCertFile, config.HTTPSKeyFile)
		})
	}

	select {}
}
