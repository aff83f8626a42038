package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	apiPkg "github.com/h1v3-io/holdline/internal/api"
	"github.com/h1v3-io/holdline/internal/config"
	slackconn "github.com/h1v3-io/holdline/internal/connector/slack"
	"github.com/h1v3-io/holdline/internal/connector/telegram"
	"github.com/h1v3-io/holdline/internal/connector/webhook"
	"github.com/h1v3-io/holdline/internal/fanout"
	"github.com/h1v3-io/holdline/internal/issuer"
	"github.com/h1v3-io/holdline/internal/logbuf"
	"github.com/h1v3-io/holdline/internal/notify"
	"github.com/h1v3-io/holdline/internal/relay"
	"github.com/h1v3-io/holdline/internal/resolution"
	"github.com/h1v3-io/holdline/internal/scheduler"
	"github.com/h1v3-io/holdline/internal/telemetry"
	"github.com/h1v3-io/holdline/internal/ticket"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to config JSONC file (default: HOLDLINE_* environment)")
	verbose := pflag.BoolP("verbose", "v", false, "Verbose logging")
	pflag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
		if err == nil {
			err = cfg.Validate()
		}
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("holdlined starting", "version", version, "store", cfg.Store.Driver, "relay", cfg.Relay.Driver)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Insecure:       cfg.Telemetry.Insecure,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	}, logger)
	if err != nil {
		logger.Error("failed to set up telemetry", "error", err)
		os.Exit(1)
	}

	// 1. Ticket store
	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		logger.Error("failed to open ticket store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// 2. Fan-out hub and resolution service
	hub := fanout.New(fanout.Config{
		QueueSize:        cfg.Fanout.QueueSize,
		BacklogThreshold: cfg.Fanout.BacklogThreshold,
	}, logger)
	svc := resolution.NewService(store, hub, logger)

	// 3. Relay transport, consumer and issuer
	codec, err := relay.CodecByName(cfg.Relay.Codec)
	if err != nil {
		logger.Error("invalid relay codec", "error", err)
		os.Exit(1)
	}
	transport, err := relay.Dial(ctx, relay.DialConfig{
		Driver:   cfg.Relay.Driver,
		Addr:     cfg.Relay.Addr,
		Password: cfg.Relay.Password,
		DB:       cfg.Relay.DB,
		DSN:      cfg.Relay.DSN,
	}, logger)
	if err != nil {
		logger.Error("failed to connect relay", "driver", cfg.Relay.Driver, "error", err)
		os.Exit(1)
	}
	defer transport.Close()

	channels := relay.Channels{
		Approval: cfg.Relay.Channels.Approval,
		Job:      cfg.Relay.Channels.Job,
		Status:   cfg.Relay.Channels.Status,
	}
	consumer := relay.NewConsumer(transport, relay.ConsumerConfig{
		Channels: channels.All(),
		Codec:    codec,
		Backoff: relay.Backoff{
			Base:        cfg.Relay.Backoff.Base.D(),
			MaxAttempts: cfg.Relay.Backoff.MaxAttempts,
		},
		Logger: logger,
	})
	consumer.HandleTickets(svc)
	go safeGo(logger, "relay-consumer", func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("relay consumer stopped", "error", err)
		}
	})

	iss := issuer.New(relay.NewPublisher(transport, codec, channels), issuer.Config{
		PublishTimeout: cfg.Issuer.PublishTimeout.D(),
		OutboxSize:     cfg.Issuer.OutboxSize,
		Logger:         logger,
		Recorder:       svc,
	})

	// 4. Scheduled maintenance
	sched := scheduler.New(logger)
	if err := sched.AddJob("fanout-sweep", cfg.Fanout.SweepSchedule, func(context.Context) {
		if n := hub.Sweep(); n > 0 {
			logger.Info("pruned slow subscribers", "component", "fanout", "count", n)
		}
	}); err != nil {
		logger.Error("failed to schedule fan-out sweep", "error", err)
		os.Exit(1)
	}
	if err := sched.AddJob("outbox-flush", cfg.Issuer.FlushSchedule, func(ctx context.Context) {
		iss.Outbox().Flush(ctx)
	}); err != nil {
		logger.Error("failed to schedule outbox flush", "error", err)
		os.Exit(1)
	}
	go safeGo(logger, "scheduler", func() { sched.Start(ctx) })

	// 5. Chat connectors
	cmds := notify.NewCommands(svc)
	var targets []notify.Target

	if tc := cfg.Connectors.Telegram; tc != nil {
		tgConn, err := telegram.New(telegram.Config{
			Token:     tc.Token,
			AllowFrom: tc.AllowFrom,
		}, cmds.Handle, logger.With("connector", "telegram"))
		if err != nil {
			logger.Error("failed to init telegram connector", "error", err)
			os.Exit(1)
		}
		for _, chat := range tc.NotifyChats {
			targets = append(targets, notify.Target{Connector: tgConn, ChatID: strconv.FormatInt(chat, 10)})
		}
		go safeGo(logger, "telegram", func() { tgConn.Start(ctx) })
		logger.Info("telegram connector started", "notify_chats", len(tc.NotifyChats))
	}

	if sc := cfg.Connectors.Slack; sc != nil {
		slackConn, err := slackconn.New(slackconn.Config{
			BotToken: sc.BotToken,
			AppToken: sc.AppToken,
			Channels: sc.Channels,
		}, cmds.Handle, logger.With("connector", "slack"))
		if err != nil {
			logger.Error("failed to init slack connector", "error", err)
			os.Exit(1)
		}
		for _, ch := range sc.NotifyChannels {
			targets = append(targets, notify.Target{Connector: slackConn, ChatID: ch})
		}
		go safeGo(logger, "slack", func() { slackConn.Start(ctx) })
		logger.Info("slack connector started", "notify_channels", len(sc.NotifyChannels))
	}

	if len(targets) > 0 {
		notifier := notify.NewNotifier(hub, targets, logger)
		go safeGo(logger, "notifier", func() { notifier.Run(ctx) })
	}

	// 6. API server
	opts := []apiPkg.Option{
		apiPkg.WithLogs(logBuf),
		apiPkg.WithEvents(hub),
		apiPkg.WithIssuer(iss),
		apiPkg.WithHealth("relay", func() (bool, any) {
			h := consumer.Health()
			return h.Healthy(), h
		}),
		apiPkg.WithHealth("store", func() (bool, any) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if _, err := store.List(ctx, ticket.Filter{Limit: 1}); err != nil {
				return false, map[string]string{"error": err.Error()}
			}
			return true, map[string]string{"driver": cfg.Store.Driver}
		}),
		apiPkg.WithHealth("outbox", func() (bool, any) {
			return true, map[string]int{"pending": iss.Outbox().Len()}
		}),
	}
	if wc := cfg.Connectors.Webhook; wc != nil && len(wc.Endpoints) > 0 {
		endpoints := make(map[string]webhook.EndpointConfig, len(wc.Endpoints))
		for name, ep := range wc.Endpoints {
			endpoints[name] = webhook.EndpointConfig{Secret: ep.Secret, BearerToken: ep.BearerToken}
		}
		opts = append(opts, apiPkg.WithWebhook(webhook.New(webhook.Config{Endpoints: endpoints}, svc.Resolve, logger)))
	}

	apiSrv := apiPkg.NewServer(svc, apiPkg.Config{
		Host:          cfg.API.Host,
		Port:          cfg.API.Port,
		Key:           cfg.API.Key,
		Heartbeat:     cfg.Fanout.Heartbeat.D(),
		RatePerSecond: cfg.API.RateLimit,
		Burst:         cfg.API.Burst,
	}, logger.With("component", "api"), opts...)

	go safeGo(logger, "api-server", func() {
		if err := apiSrv.Start(ctx); err != nil {
			logger.Error("api server stopped", "error", err)
			cancel()
		}
	})
	logger.Info("api server started", "port", cfg.API.Port)

	// 7. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-ctx.Done():
	}
	cancel()

	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if n := iss.Outbox().Flush(flushCtx); n > 0 {
		logger.Info("flushed outbox on shutdown", "published", n)
	}
	if err := shutdownTelemetry(flushCtx); err != nil {
		logger.Warn("telemetry shutdown", "error", err)
	}
	logger.Info("holdlined stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (ticket.Store, error) {
	switch cfg.Driver {
	case "memory":
		return ticket.NewMemoryStore(), nil
	case "postgres":
		return ticket.OpenPostgres(ctx, cfg.DSN)
	default:
		return ticket.NewSQLiteStore(cfg.Path)
	}
}
