package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperswap/params"
	"github.com/uhyunpark/hyperswap/pkg/api"
	"github.com/uhyunpark/hyperswap/pkg/app/dex"
	"github.com/uhyunpark/hyperswap/pkg/events"
	"github.com/uhyunpark/hyperswap/pkg/storage"
	"github.com/uhyunpark/hyperswap/pkg/util"
)

func main() {
	app := &cli.App{
		Name:  "hyperswap-node",
		Usage: "run the hyperswap exchange core behind its HTTP/WebSocket API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env", Usage: "path to .env file (default: ./.env)"},
			&cli.StringFlag{Name: "api-addr", Usage: "HTTP listen address (overrides API_ADDR)"},
			&cli.StringFlag{Name: "db", Usage: "Pebble directory (overrides DB_PATH)"},
			&cli.BoolFlag{Name: "in-memory", Usage: "keep state in memory only"},
			&cli.StringSliceFlag{Name: "kafka-broker", Usage: "Kafka broker address, repeatable (overrides KAFKA_BROKERS)"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-file", Usage: "log file teed with stdout; \"stdout\" disables it (overrides LOG_FILE)"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	// Load config from .env file and environment variables; flags win
	cfg := params.LoadFromEnv(c.String("env"))
	if c.IsSet("api-addr") {
		cfg.API.Addr = c.String("api-addr")
	}
	if c.IsSet("db") {
		cfg.Storage.DBPath = c.String("db")
	}
	if c.Bool("in-memory") {
		cfg.Storage.InMemory = true
	}
	if c.IsSet("kafka-broker") {
		cfg.Events.KafkaBrokers = c.StringSlice("kafka-broker")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-file") {
		cfg.Log.File = c.String("log-file")
		if cfg.Log.File == params.LogStdout {
			cfg.Log.File = ""
		}
	}

	// Setup logging (console, teed to a file when configured)
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "level", cfg.Log.Level)

	// ---- Storage ----
	var (
		store  persistentStore
		closer func() error
	)
	if cfg.Storage.InMemory {
		mem := storage.NewInMemoryStore()
		store, closer = mem, mem.Close
		sugar.Warn("in_memory_mode - state is lost on restart")
	} else {
		pebbleStore, err := storage.NewPebbleStore(cfg.StatePath())
		if err != nil {
			return err
		}
		store, closer = pebbleStore, pebbleStore.Close
		sugar.Infow("state_store_opened", "path", cfg.StatePath())
	}
	defer func() {
		if err := closer(); err != nil {
			sugar.Errorw("state_store_close_failed", "err", err)
		}
	}()

	// ---- Event fan-out ----
	hub := api.NewHub(logger.Named("ws"))
	publishers := events.Multi{hub}
	if len(cfg.Events.KafkaBrokers) > 0 {
		kafkaPub := events.NewAsync(
			events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic),
			cfg.Events.QueueSize,
			logger.Named("kafka"),
		)
		defer kafkaPub.Close()
		publishers = append(publishers, kafkaPub)
		sugar.Infow("kafka_enabled", "brokers", cfg.Events.KafkaBrokers, "topic", cfg.Events.KafkaTopic)
	}

	// ---- App ----
	opts := []dex.Option{
		dex.WithPersister(store),
		dex.WithPublisher(publishers),
		dex.WithLogger(logger.Named("dex")),
	}
	st, found, err := store.Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	var dexApp *dex.App
	if found {
		if dexApp, err = dex.NewFromState(st, opts...); err != nil {
			return fmt.Errorf("restore state: %w", err)
		}
	} else {
		dexApp = dex.New(opts...)
	}
	stats := dexApp.Stats()
	sugar.Infow("state_loaded",
		"restored", found,
		"created", stats.Created,
		"accounts", stats.Accounts,
		"live_orders", stats.LiveOrders,
		"event_seq", stats.EventSeq)

	// ---- Journal ----
	var journal storage.Journal = storage.NewNopJournal()
	if cfg.Storage.JournalPath != "" {
		fj, err := storage.NewFileJournal(cfg.Storage.JournalPath)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		journal = fj
	}
	defer journal.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	// Start HTTP/WebSocket server for frontend
	apiServer := api.NewServer(dexApp, hub, journal, logger.Named("api"), cfg.API.CORSOrigins)
	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start(cfg.API.Addr)
	}()

	select {
	case <-ctx.Done():
		sugar.Info("shutdown_requested")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("api_shutdown_failed", "err", err)
	}
	logger.Info("node_stopped", zap.Uint64("event_seq", dexApp.Stats().EventSeq))
	return nil
}

func newLogger(cfg params.Log) (*zap.Logger, error) {
	if cfg.File == "" {
		return util.NewLogger(cfg.Level)
	}
	return util.NewLoggerWithFile(cfg.File, cfg.Level)
}

// persistentStore is what the node needs from a state backend
type persistentStore interface {
	dex.Persister
	Load() (dex.State, bool, error)
}
