package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"soilwatch/internal/auth"
	"soilwatch/internal/config"
	"soilwatch/internal/evaluate"
	"soilwatch/internal/ingest"
	"soilwatch/internal/logger"
	"soilwatch/internal/notify"
	"soilwatch/internal/pipeline"
	"soilwatch/internal/registry"
	"soilwatch/internal/store"
	transport "soilwatch/internal/transport/http"
	"soilwatch/internal/transport/ws"
)

func main() {
	cfg := config.Load()
	logger.Init(cfg.LogLevel)
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage.
	pg, err := store.NewPostgresStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pg.Close()

	rdb, err := store.NewRedisStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rdb.Close()

	// Device and rule registry, warmed from the store.
	reg := registry.New(pg, cfg.AutoRegister)
	if err := reg.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to load device registry")
	}

	// Notification side. Without a token the service runs headless:
	// alerts are still evaluated and persisted, just not delivered.
	var (
		sender     *notify.TelegramSender
		recipients []int64
	)
	if cfg.TelegramToken != "" {
		sender, err = notify.NewTelegramSender(cfg.TelegramToken)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize telegram sender")
		}
		recipients = cfg.TelegramChatIDs
	} else {
		log.Warn().Msg("no telegram token configured, alert delivery disabled")
	}

	dispatcher := notify.NewDispatcher(notify.DispatcherConfig{
		Sender:     senderOrNil(sender),
		Recipients: recipients,
		Devices:    reg,
		Publisher:  rdb,
		QueueSize:  cfg.NotifyQueueSize,
		MaxRetries: cfg.NotifyMaxRetries,
		BaseDelay:  cfg.NotifyBaseDelay,
		MaxDelay:   cfg.NotifyMaxDelay,
	})
	go dispatcher.Run(ctx)

	// Evaluation pipeline: fanout feeds the eval workers and the live
	// state writer from buffered channels.
	fanout := pipeline.NewFanout(cfg.EvalChannelSize, cfg.LiveChannelSize)
	engine := evaluate.NewEngine(pg, reg, dispatcher, cfg.StaleAfter)
	workers := pipeline.NewEvalWorkers(fanout.EvalChan, engine, cfg.EvalWorkers)
	// Workers stop on fanout close, not on the shutdown signal, so
	// queued readings drain with a context that is still live.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go workers.Run(workerCtx)

	hub := ws.NewHub()
	go hub.Run(ctx)

	liveWriter := pipeline.NewLiveWriter(fanout.LiveChan, rdb, hub)
	go liveWriter.Run(ctx)

	// Ingestion boundary.
	ingestor := ingest.NewService(pg, reg, fanout, cfg.MaxClockSkew)

	// Operator chat commands over the same bot account.
	latest := store.NewLatestQuerier(pg, rdb)
	if sender != nil {
		commands := notify.NewCommands(reg, latest, pg)
		bot := notify.NewBot(sender.API(), sender, commands, cfg.TelegramChatIDs)
		go bot.Run(ctx)
		dispatcher.SendSystem(ctx, "soilwatch is up and watching")
	}

	// HTTP server.
	authn := auth.NewAuthenticator(cfg, rdb)
	handler := transport.NewHandler(ingestor, reg, latest, pg, pg, hub)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      transport.NewRouter(handler, authn),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.HTTPPort).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}

	// No new readings past this point. Let in-flight evaluations drain.
	fanout.Close()
	workers.Wait()

	log.Info().Msg("soilwatch stopped")
	os.Exit(0)
}

// senderOrNil avoids handing the dispatcher a typed-nil interface when
// telegram is not configured.
func senderOrNil(s *notify.TelegramSender) notify.Sender {
	if s == nil {
		return nil
	}
	return s
}
