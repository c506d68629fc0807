// Gray Logic Resource DB
//
// This is the entry point for the resdb daemon. It hosts the hierarchical
// resource store, replays and persists it through SQLite, and optionally
// mirrors it to MQTT, records values to InfluxDB, exports snapshots to S3
// and serves the admin HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	_ "github.com/nerrad567/gray-logic-resdb/migrations"

	"github.com/nerrad567/gray-logic-resdb/internal/api"
	"github.com/nerrad567/gray-logic-resdb/internal/eventbridge"
	"github.com/nerrad567/gray-logic-resdb/internal/history"
	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/backup"
	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-resdb/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-resdb/internal/metrics"
	"github.com/nerrad567/gray-logic-resdb/internal/persistence"
	"github.com/nerrad567/gray-logic-resdb/internal/resource"
	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// storeCloseTimeout bounds the final flush on shutdown.
	storeCloseTimeout = 30 * time.Second

	// shutdownBackupTimeout bounds the snapshot upload on shutdown.
	shutdownBackupTimeout = time.Minute
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting resdb",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(registry)

	// Type registry
	types := schema.NewRegistry()
	types.SetLogger(log.Component("schema"))
	loaded, err := types.LoadDir(cfg.Schema.Dir)
	if err != nil {
		return fmt.Errorf("loading types: %w", err)
	}
	log.Info("types loaded", "dir", cfg.Schema.Dir, "types", len(loaded))

	if cfg.Schema.Watch {
		watcher, watchErr := types.Watch(cfg.Schema.Dir)
		if watchErr != nil {
			log.Warn("type hot-load disabled", "error", watchErr)
		} else {
			defer func() {
				log.Info("stopping type watcher")
				watcher.Stop()
			}()
		}
	}

	// Persistence
	var (
		db    *database.DB
		coord *persistence.Coordinator
	)
	if cfg.Persistence.Enabled {
		db, coord, err = openPersistence(ctx, cfg, log, collector)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
	} else {
		log.Info("persistence disabled, store is in-memory")
	}

	opts := resource.Options{
		Schema:  types,
		Logger:  log.Component("resource"),
		Metrics: collector,
	}
	if coord != nil {
		opts.Persistence = coord
	}
	store, err := resource.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("opening resource store: %w", err)
	}
	// Registered before the shutdown backup so the store outlives it.
	defer func() {
		log.Info("closing resource store")
		closeCtx, cancel := context.WithTimeout(context.Background(), storeCloseTimeout)
		defer cancel()
		if closeErr := store.Close(closeCtx); closeErr != nil {
			log.Error("error closing resource store", "error", closeErr)
		}
	}()
	st := store.Stats()
	log.Info("resource store ready", "nodes", st.Nodes, "top_level", st.TopLevel)

	// MQTT event bridge (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		var bridge *eventbridge.Bridge
		mqttClient, bridge, err = startEventBridge(cfg, store, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		defer func() {
			stats := bridge.Stats()
			log.Info("stopping event bridge",
				"published", stats.Published,
				"publish_errors", stats.PublishErrors,
				"writes_applied", stats.WritesApplied,
			)
			bridge.Stop()
		}()
	} else {
		log.Info("MQTT disabled")
	}

	// InfluxDB value history (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		var recorder *history.Recorder
		influxClient, recorder, err = startHistory(cfg, store, log)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
			stats := influxClient.Stats()
			log.Info("InfluxDB connection closed",
				"samples_queued", stats.Queued,
				"failed_batches", stats.FailedBatches,
			)
		}()
		defer func() {
			log.Info("stopping value recorder", "recorded", recorder.Stats().Recorded)
			recorder.Stop()
		}()
	} else {
		log.Info("InfluxDB disabled")
	}

	// S3 backup (optional)
	var exporter *backup.Exporter
	if cfg.Backup.Enabled {
		exporter, err = backup.New(ctx, cfg.Backup, cfg.Site.ID)
		if err != nil {
			return fmt.Errorf("creating backup exporter: %w", err)
		}
		log.Info("backup exporter ready", "bucket", exporter.Bucket())
		if cfg.Backup.OnShutdown {
			defer shutdownBackup(exporter, store, log)
		}
	} else {
		log.Info("backup disabled")
	}

	// Admin API (optional)
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Logger:   log.Component("api"),
			Store:    store,
			Gatherer: registry,
			Version:  version,
		}
		if exporter != nil {
			deps.Backup = exporter
		}
		if coord != nil {
			deps.Persistence = coord
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		server, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := server.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("admin API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: API, backup, history, bridge,
	// MQTT, store (final flush), database, type watcher.
	return nil
}

// getConfigPath returns the configuration file path.
// Uses RESDB_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("RESDB_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openPersistence opens and migrates the database and creates the
// coordinator over it.
func openPersistence(ctx context.Context, cfg *config.Config, log *logging.Logger, m persistence.Metrics) (*database.DB, *persistence.Coordinator, error) {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Persistence.Path,
		WALMode:     cfg.Persistence.WALMode,
		BusyTimeout: cfg.Persistence.BusyTimeout,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	log.Info("database connected", "path", cfg.Persistence.Path)

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database migrations complete")

	plog := log.Component("persistence")
	coord := persistence.New(persistence.Options{
		Log:              persistence.NewSQLiteLog(db.DB),
		FlushInterval:    cfg.FlushInterval(),
		CompactThreshold: cfg.Persistence.CompactThreshold,
		Logger:           plog,
		Metrics:          m,
		OnError: func(err error) {
			plog.Error("record log write failed, will retry", "error", err)
		},
	})
	return db, coord, nil
}

// startEventBridge connects to the broker and mirrors the configured paths.
func startEventBridge(cfg *config.Config, store *resource.Store, log *logging.Logger) (*mqtt.Client, *eventbridge.Bridge, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	mlog := log.Component("mqtt")
	client.SetLogger(mlog)
	client.SetOnConnect(func() {
		mlog.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		mlog.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	paths := cfg.MQTT.PublishPaths
	if len(paths) == 0 {
		paths = []string{"*"}
	}
	bridge := eventbridge.New(eventbridge.Options{
		Store:        store,
		Publisher:    client,
		Topics:       client.Topics(),
		QoS:          client.QoS(),
		Paths:        paths,
		AcceptWrites: cfg.MQTT.AcceptWrites,
		Logger:       log.Component("eventbridge"),
	})
	if err := bridge.Start(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("starting event bridge: %w", err)
	}
	log.Info("event bridge started", "paths", paths, "accept_writes", cfg.MQTT.AcceptWrites)
	return client, bridge, nil
}

// startHistory connects to InfluxDB and records the configured paths.
func startHistory(cfg *config.Config, store *resource.Store, log *logging.Logger) (*influxdb.Client, *history.Recorder, error) {
	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})

	paths := cfg.InfluxDB.RecordPaths
	if len(paths) == 0 {
		paths = []string{"*"}
	}
	recorder := history.New(store, client, paths, log.Component("history"))
	if err := recorder.Start(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("starting value recorder: %w", err)
	}
	log.Info("value recorder started", "paths", paths)
	return client, recorder, nil
}

// shutdownBackup uploads a final snapshot. Failures are logged only.
func shutdownBackup(exporter *backup.Exporter, store *resource.Store, log *logging.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownBackupTimeout)
	defer cancel()

	key, err := exporter.Export(ctx, store)
	if err != nil {
		log.Error("shutdown backup failed", "error", err)
		return
	}
	log.Info("shutdown backup uploaded", "key", key)
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database to check (nil when persistence is disabled)
//   - mqttClient: MQTT client to check (nil if disabled)
//   - influxClient: InfluxDB client to check (nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	var errs []error
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mqtt: %w", err))
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("influxdb: %w", err))
		}
	}
	return errors.Join(errs...)
}
