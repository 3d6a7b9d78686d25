package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ifconfig "github.com/voicetyped/intentflow/config"
	"github.com/voicetyped/intentflow/internal/connectutil"
	dialoghandler "github.com/voicetyped/intentflow/internal/dialog/handler"
	"github.com/voicetyped/intentflow/pkg/dialog"
	"github.com/voicetyped/intentflow/pkg/events"
	"github.com/voicetyped/intentflow/pkg/hooks"
	"github.com/voicetyped/intentflow/pkg/sessionstore"
	"github.com/voicetyped/intentflow/pkg/urlvalidation"
)

func main() {
	ctx := context.Background()

	cfg, err := config.LoadWithOIDC[ifconfig.DialogConfig](ctx)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	eventRef := cfg.GetEventsQueueName()
	eventURL := cfg.GetEventsQueueURL()

	serviceOpts := []frame.Option{
		frame.WithConfig(&cfg),
		frame.WithName("intentflow-dialog"),
		frame.WithRegisterServerOauth2Client(),
		frame.WithRegisterPublisher(eventRef, eventURL),
	}
	if cfg.StoreBackend == ifconfig.StoreDatabase {
		serviceOpts = append(serviceOpts, frame.WithDatastore())
	}

	ctx, srv := frame.NewService(serviceOpts...)
	defer srv.Stop(ctx)

	pool, err := srv.WorkManager().GetPool()
	if err != nil {
		log.Fatalf("getting worker pool: %v", err)
	}

	authenticator := srv.SecurityManager().GetAuthenticator(ctx)

	pub := events.NewPublisher(srv.QueueManager(), "dialog", eventRef)
	hookExec := hooks.NewExecutor(pub, urlvalidation.AllowHosts(cfg.HookAllowedHosts...)).
		WithCircuitBreaker(cfg.CBFailThreshold, time.Duration(cfg.CBResetTimeoutSec)*time.Second)

	var pipeline *dialog.Pipeline
	if hc, ok := cfg.HookConfig(); ok {
		pipeline = dialog.NewPipeline().Before(dialog.RemoteBeforeHook(hookExec, hc))
		if cfg.HookAfter {
			pipeline.After(dialog.RemoteAfterHook(hookExec, hc))
		}
	}

	loader := dialog.NewLoader(cfg.DialogDir, dialog.NewActionRunner(hookExec))
	if _, err := loader.LoadAll(); err != nil {
		log.Printf("warning: loading dialogs: %v", err)
	}
	if cfg.WatchDialogs {
		watch := func() {
			err := loader.WatchAndReload(ctx, func(names []string, err error) {
				data := &events.DialogReloadedData{Dialogs: names}
				if err != nil {
					data.Error = err.Error()
				}
				if emitErr := pub.Emit(ctx, events.DialogReloaded, "", data); emitErr != nil {
					slog.WarnContext(ctx, "emit dialog.reloaded failed", slog.String("error", emitErr.Error()))
				}
			})
			if err != nil {
				slog.ErrorContext(ctx, "dialog watcher stopped", slog.String("error", err.Error()))
			}
		}
		if err := pool.Submit(ctx, watch); err != nil {
			log.Fatalf("starting dialog watcher: %v", err)
		}
	}

	store, closeStore := openStore(ctx, &cfg, srv)
	defer closeStore()

	handler := dialoghandler.NewDialogHandler(loader, store, pub, dialoghandler.Options{
		DefaultDialog: cfg.DefaultDialog,
		TurnTimeout:   cfg.TurnTimeout(),
		Hooks:         pipeline,
		Pool:          pool,
	})

	mux := http.NewServeMux()
	opts, err := connectutil.AuthenticatedOptions(ctx, authenticator)
	if err != nil {
		log.Fatalf("setting up auth interceptors: %v", err)
	}
	handler.Mount(mux, opts...)
	mux.Handle("/metrics", promhttp.Handler())

	handler.StartReaper(ctx)

	initOpts := []frame.Option{frame.WithHTTPHandler(connectutil.H2CHandler(mux))}
	if cfg.TurnQueueName != "" && cfg.TurnQueueURL != "" {
		initOpts = append(initOpts, frame.WithRegisterSubscriber(cfg.TurnQueueName, cfg.TurnQueueURL,
			&dialoghandler.TurnSubscriber{Handler: handler, Publisher: pub}))
	}
	srv.Init(ctx, initOpts...)

	if err := srv.Run(ctx, ""); err != nil {
		log.Fatalf("service exited: %v", err)
	}
}

func openStore(ctx context.Context, cfg *ifconfig.DialogConfig, srv *frame.Service) (sessionstore.Store, func()) {
	storeOpts := []sessionstore.Option{sessionstore.WithTTL(cfg.SessionTTL())}

	switch cfg.StoreBackend {
	case ifconfig.StoreRedis:
		storeOpts = append(storeOpts, sessionstore.WithPrefix(cfg.RedisPrefix))
		rs := sessionstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, storeOpts...)
		if err := rs.Ping(ctx); err != nil {
			log.Fatalf("connecting to redis: %v", err)
		}
		return rs, func() { _ = rs.Close() }

	case ifconfig.StoreDatabase:
		gs := sessionstore.NewGormStore(srv.DatastoreManager().GetPool(ctx, "__default__pool_name__"), storeOpts...)
		if err := gs.Migrate(ctx); err != nil {
			log.Fatalf("migrating session table: %v", err)
		}
		return gs, func() {}

	default:
		return sessionstore.NewMemoryStore(storeOpts...), func() {}
	}
}
