// RadioWatch Core - Wireless Device Tracker
//
// This is the main entry point for the RadioWatch Core application:
// the subsystem that ingests parsed packet metadata from PHY handlers,
// classifies it into persistent device records, and serves snapshots to
// the web layer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/radiowatch/radiowatch-core/internal/api"
	"github.com/radiowatch/radiowatch-core/internal/eventbus"
	"github.com/radiowatch/radiowatch-core/internal/infrastructure/config"
	"github.com/radiowatch/radiowatch-core/internal/infrastructure/logging"
	"github.com/radiowatch/radiowatch-core/internal/infrastructure/mqtt"
	"github.com/radiowatch/radiowatch-core/internal/store"
	"github.com/radiowatch/radiowatch-core/internal/telemetry"
	"github.com/radiowatch/radiowatch-core/internal/timetracker"
	"github.com/radiowatch/radiowatch-core/internal/tracker"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for
// testability. Returning an error allows main to handle exit codes
// consistently.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting RadioWatch Core",
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

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)

	// Event bus
	bus := eventbus.New()
	bus.SetLogger(log.Component("eventbus"))
	defer bus.Close()

	// Time tracker for periodic callbacks
	timers := timetracker.New()
	timers.SetLogger(log.Component("timetracker"))
	defer timers.Close()

	// State store (optional). The store owns the SQLite file: no
	// persistence, no database.
	var stateStore tracker.Persistence
	var deviceStore *store.Store
	if cfg.Tracker.Persistent.Enabled {
		deviceStore, err = store.Open(ctx, store.Config{
			Path:              cfg.Database.Path,
			WALMode:           cfg.Database.WALMode,
			BusyTimeout:       time.Duration(cfg.Database.BusyTimeout) * time.Second,
			Compression:       cfg.Tracker.Persistent.Compression,
			PersistentTimeout: time.Duration(cfg.Tracker.Persistent.Timeout) * time.Second,
			WithRRD:           !cfg.Tracker.RAMNoRRD,
			Logger:            log.Component("store"),
		})
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		defer func() {
			log.Info("closing state store")
			if closeErr := deviceStore.Close(); closeErr != nil {
				log.Error("error closing state store", "error", closeErr)
			}
		}()
		stateStore = deviceStore
		log.Info("state store ready",
			"path", deviceStore.Path(),
			"compression", cfg.Tracker.Persistent.Compression,
			"mode", cfg.Tracker.Persistent.Mode,
		)
	} else {
		log.Info("persistent device storage disabled")
	}

	// Device tracker core
	deviceTracker, err := tracker.New(tracker.Options{
		Config: tracker.Config{
			DeviceTimeout:         cfg.Tracker.DeviceTimeoutDuration(),
			DeviceIdleMinPackets:  uint64(cfg.Tracker.DevicePackets),
			MaxDevices:            cfg.Tracker.MaxDevices,
			RAMNoRRD:              cfg.Tracker.RAMNoRRD,
			TrackHistoryCloud:     cfg.Tracker.TrackHistoryCloud,
			TrackPersourceHistory: cfg.Tracker.TrackPersourceHistory,
			MapPhyViews:           cfg.Tracker.MapPhyViews,
			MapSeenbyViews:        cfg.Tracker.MapSeenbyViews,
			StorageInterval:       cfg.Tracker.StorageInterval(),
		},
		Logger:   log.Component("tracker"),
		Bus:      bus,
		Timers:   timers,
		Store:    stateStore,
		OnDemand: cfg.Tracker.Persistent.Mode == config.PersistentModeOnDemand,
	})
	if err != nil {
		return fmt.Errorf("creating tracker: %w", err)
	}
	defer deviceTracker.Close()

	// Rehydrate stored devices at boot in onstart mode. PHY handlers
	// registered later pick up their rows through the deferred queue.
	if err := deviceTracker.LoadStoredDevices(ctx); err != nil {
		log.Warn("stored device load failed, continuing with empty index", "error", err)
	}
	log.Info("tracker initialised", "devices", deviceTracker.NumDevices())

	// MQTT event mirror (optional)
	if cfg.MQTT.Enabled {
		mqttClient, mqttErr := mqtt.Connect(cfg.MQTT)
		if mqttErr != nil {
			return fmt.Errorf("connecting to MQTT: %w", mqttErr)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()

		mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })

		publisher := mqtt.NewEventPublisher(mqttClient, bus, byte(cfg.MQTT.QoS), log.Component("mqtt"))
		defer publisher.Close()

		log.Info("MQTT event mirror connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT event mirror disabled")
	}

	// Telemetry sink (optional)
	if cfg.InfluxDB.Enabled {
		reporter, telErr := telemetry.Start(cfg.InfluxDB, cfg.Server.ID, deviceTracker, timers, log.Component("telemetry"))
		if telErr != nil {
			return fmt.Errorf("starting telemetry: %w", telErr)
		}
		defer reporter.Close()

		log.Info("telemetry sink connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("telemetry sink disabled")
	}

	// HTTP API server
	apiServer, err := api.New(api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log.Component("api"),
		Tracker: deviceTracker,
		Bus:     bus,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Final flush so the next run rehydrates today's population.
	if stateStore != nil {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := deviceTracker.FlushAllDevices(flushCtx); err != nil {
			log.Error("final device flush failed", "error", err)
		} else {
			log.Info("final device flush complete", "devices", deviceTracker.NumDevices())
		}
		flushCancel()
	}

	log.Info("RadioWatch Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses RADIOWATCH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("RADIOWATCH_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
