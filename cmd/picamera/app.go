package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prakashlab/picamera-mqtt/internal/deploy"
	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/config"
	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/database"
	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/influxdb"
	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/logging"
	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/mqtt"
	"github.com/prakashlab/picamera-mqtt/internal/process"
	"github.com/prakashlab/picamera-mqtt/migrations"
)

// app holds what every subcommand shares: config, logger, telemetry and
// the process runner.
type app struct {
	cfg    *config.Config
	log    *logging.Logger
	runner *process.Runner
	influx *influxdb.Client
}

// loadConfig resolves the config path from the flag, then PICAMERA_CONFIG.
// With neither set the built-in defaults are used.
func loadConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = os.Getenv("PICAMERA_CONFIG")
	}
	if path == "" {
		cfg, err := config.Default()
		return cfg, "(defaults)", err
	}
	cfg, err := config.Load(path)
	return cfg, path, err
}

// newApp loads configuration and builds the shared services.
func newApp(configPath string) (*app, error) {
	log := logging.Default()

	cfg, source, err := loadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "source", source, "client", cfg.Client.Name)

	runner := process.NewRunner()
	runner.SetLogger(log)

	a := &app{cfg: cfg, log: log, runner: runner}

	if cfg.InfluxDB.Enabled {
		influx, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		influx.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		a.influx = influx
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	}
	return a, nil
}

// close releases shared services.
func (a *app) close() {
	if a.influx != nil {
		a.log.Info("closing InfluxDB connection")
		if err := a.influx.Close(); err != nil {
			a.log.Error("error closing InfluxDB", "error", err)
		}
	}
}

// newSession builds a session for this client with the role's bindings
// and any topic overrides from config.
func (a *app) newSession(defaults []mqtt.Binding) (*mqtt.Session, error) {
	cfg := a.cfg

	id, err := mqtt.NewIdentity(cfg.Client.Name, cfg.Client.Targets)
	if err != nil {
		return nil, err
	}
	bindings, err := mqtt.ApplyOverrides(defaults, cfg.Topics)
	if err != nil {
		return nil, fmt.Errorf("applying topic overrides: %w", err)
	}

	clientID := cfg.MQTT.Broker.ClientID
	if clientID == "" {
		clientID = mqtt.DefaultClientID(id)
	}
	transport, err := mqtt.NewPahoTransport(cfg.MQTT, clientID)
	if err != nil {
		return nil, err
	}

	opts := mqtt.Options{
		Transport:         transport,
		Identity:          id,
		Bindings:          bindings,
		KeepaliveInterval: cfg.Session.KeepaliveInterval,
		KeepaliveTimeout:  cfg.Session.KeepaliveTimeout,
		RetryInterval:     cfg.Session.RetryInterval,
		RetryMaxInterval:  cfg.Session.RetryMaxInterval,
		Logger:            a.log,
	}
	if cfg.Session.RecoverNetwork {
		opts.Recovery = deploy.NetworkRecovery(a.runner, a.log)
	}
	if a.influx != nil {
		opts.Metrics = a.influx
	}

	session, err := mqtt.NewSession(opts)
	if err != nil {
		return nil, err
	}
	a.log.Info("mqtt session configured",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", clientID,
		"session_id", id.SessionID(),
		"targets", id.Targets(),
	)
	return session, nil
}

// openDatabase opens and migrates the capture catalog.
func (a *app) openDatabase(ctx context.Context) (*database.DB, error) {
	db, err := database.Open(a.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	n, err := db.Migrate(ctx, migrations.FS)
	if err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	a.log.Info("database ready", "path", db.Path(), "migrations_applied", n)
	return db, nil
}

// runSession runs session until ctx is cancelled.
func runSession(ctx context.Context, session *mqtt.Session) error {
	err := session.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mqtt session: %w", err)
	}
	return nil
}
