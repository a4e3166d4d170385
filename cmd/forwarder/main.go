// Command forwarder runs the RabbitMQ-to-webhook forwarder: one process
// that owns a single AMQP connection, replays persisted consumers on
// startup, and exposes the Control API described in SPEC_FULL.md.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Guarantees timezone data is available even on minimal/scratch base
	// images that ship without the system tzdata database.
	_ "time/tzdata"

	"go.uber.org/zap"

	apihttp "github.com/relaymq/forwarder/internal/api/http"
	"github.com/relaymq/forwarder/internal/broker"
	"github.com/relaymq/forwarder/internal/config"
	"github.com/relaymq/forwarder/internal/controlplane"
	"github.com/relaymq/forwarder/internal/epoch"
	"github.com/relaymq/forwarder/internal/registry"
	"github.com/relaymq/forwarder/internal/store"
	"github.com/relaymq/forwarder/internal/supervisor"
	"github.com/relaymq/forwarder/internal/webhook"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("starting forwarder")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatal("invalid timezone", zap.String("timezone", cfg.Timezone), zap.Error(err))
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A Store I/O failure is unrecoverable — the Registry and Store would
	// silently diverge from that point on, so it is treated as fatal.
	exitOnStoreFailure := func(msg string, err error) {
		logger.Fatal("store: unrecoverable failure, exiting", zap.String("op", msg), zap.Error(err))
	}
	db, err := store.Open(cfg.DBPath, logger, exitOnStoreFailure)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer db.Close()

	epochMgr := epoch.NewManager()
	reg := registry.New()
	whClient := webhook.New(0, logger)

	link := broker.New(cfg.RabbitMQURL, logger)
	if err := link.Dial(rootCtx); err != nil {
		logger.Fatal("failed to connect to rabbitmq", zap.Error(err))
	}
	defer link.Close()
	epochMgr.Bump() // the initial channel is a fresh channel too

	orc := controlplane.New(controlplane.Config{
		Store:            db,
		Registry:         reg,
		Link:             link,
		EpochMgr:         epochMgr,
		Webhook:          whClient,
		FinishWebhookURL: cfg.FinishWebhook,
		Location:         location,
		Logger:           logger,
		LoopContext:      rootCtx,
	})

	sup := supervisor.New(supervisor.Config{
		Link:             link,
		Events:           link.Events(),
		EpochMgr:         epochMgr,
		Registry:         reg,
		Store:            db,
		Starter:          orc,
		Webhook:          whClient,
		FinishWebhookURL: cfg.FinishWebhook,
		MaxAttempts:      cfg.MaxReconnectAttempts,
		Exit:             os.Exit,
		Logger:           logger,
	})
	go sup.Run(rootCtx)

	restorePersistedConsumers(rootCtx, db, orc, epochMgr, logger)

	router := apihttp.NewRouter(apihttp.RouterDeps{Orchestrator: orc, Logger: logger, GinMode: cfg.GinMode})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.APIPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("control api listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("control api server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down forwarder")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("control api shutdown error", zap.Error(err))
	}

	// Cancels every in-flight Delivery Loop goroutine before the broker
	// connection they depend on is torn down.
	cancel()

	if err := link.Close(); err != nil {
		logger.Error("broker close error", zap.Error(err))
	}

	logger.Info("forwarder stopped")
}

// restorePersistedConsumers replays every row the Store already holds at
// startup — the same path the Reconnect Supervisor uses after a reconnect,
// run once up front under the initial connection's epoch so a process restart picks up exactly
// where it left off. Mirrors supervisor.Supervisor.restore's vanished-queue
// branch: a spec whose queue no longer exists on the broker must not sit in
// the Store forever, or every subsequent restart repeats the same failed
// subscribe.
func restorePersistedConsumers(ctx context.Context, db *store.Store, orc *controlplane.Orchestrator, epochMgr *epoch.Manager, logger *zap.Logger) {
	specs, err := db.LoadAll(ctx)
	if err != nil {
		logger.Fatal("failed to load persisted consumers", zap.Error(err))
	}
	for _, spec := range specs {
		if err := orc.Start(ctx, spec, epochMgr.Current()); err != nil {
			if errors.Is(err, broker.ErrNotFound) {
				logger.Info("queue no longer exists on broker, purging store row",
					zap.String("queue", spec.Queue))
				if derr := db.Delete(ctx, spec.Queue); derr != nil {
					logger.Error("purge of vanished queue failed",
						zap.String("queue", spec.Queue), zap.Error(derr))
				}
				continue
			}
			logger.Error("failed to restore consumer on startup",
				zap.String("queue", spec.Queue), zap.Error(err))
			continue
		}
		logger.Info("restored consumer", zap.String("queue", spec.Queue))
	}
}
