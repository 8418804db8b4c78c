package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/config"
	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/database"
	"github.com/prakashlab/picamera-mqtt/internal/infrastructure/mqtt"
	"github.com/prakashlab/picamera-mqtt/migrations"
)

// errUnhealthy is returned by status when any check fails.
var errUnhealthy = errors.New("unhealthy")

// statusCheck is one line of the status report.
type statusCheck struct {
	Name     string
	Detail   string
	Disabled bool
	Err      error
}

// runStatus reports whether the broker, the capture catalog and InfluxDB
// answer. With -migrate-down the latest catalog migration is rolled back
// first.
func runStatus(ctx context.Context, args []string, stdout io.Writer) error {
	fs, configPath := newFlagSet("status")
	timeout := fs.Duration("timeout", 5*time.Second, "time allowed to reach the broker")
	migrateDown := fs.Bool("migrate-down", false, "roll back the latest capture catalog migration")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(*configPath)
	if err != nil {
		return err
	}
	defer a.close()

	session, err := a.newSession(senderBindings())
	if err != nil {
		return err
	}

	checks := []statusCheck{
		brokerStatus(ctx, session, fmt.Sprintf("%s:%d", a.cfg.MQTT.Broker.Host, a.cfg.MQTT.Broker.Port), *timeout),
		databaseStatus(ctx, a.cfg.Database, *migrateDown),
		influxStatus(ctx, a),
	}
	return printStatus(stdout, checks)
}

// brokerStatus runs session until it first connects or timeout passes,
// then reports its health.
func brokerStatus(ctx context.Context, session *mqtt.Session, broker string, timeout time.Duration) statusCheck {
	check := statusCheck{Name: "broker", Detail: broker}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var once sync.Once
	connected := make(chan struct{})
	session.OnConnect(func(bool) { once.Do(func() { close(connected) }) })

	done := make(chan error, 1)
	go func() { done <- session.Run(runCtx) }()

	select {
	case <-connected:
	case <-runCtx.Done():
	}
	check.Err = session.HealthCheck(ctx)
	cancel()
	<-done
	return check
}

// databaseStatus opens the capture catalog without migrating it and
// reports how many migrations are applied.
func databaseStatus(ctx context.Context, cfg config.DatabaseConfig, migrateDown bool) statusCheck {
	check := statusCheck{Name: "database", Detail: cfg.Path}
	if !cfg.Enabled && !migrateDown {
		check.Disabled = true
		return check
	}

	db, err := database.Open(cfg)
	if err != nil {
		check.Err = err
		return check
	}
	defer db.Close() //nolint:errcheck // read-only use

	if migrateDown {
		if err := db.MigrateDown(ctx, migrations.FS); err != nil {
			check.Err = fmt.Errorf("rolling back migration: %w", err)
			return check
		}
	}
	if err := db.HealthCheck(ctx); err != nil {
		check.Err = err
		return check
	}
	applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		check.Err = err
		return check
	}
	check.Detail = fmt.Sprintf("%s (%d applied, %d pending)", cfg.Path, len(applied), len(pending))
	return check
}

// influxStatus pings InfluxDB when telemetry is enabled.
func influxStatus(ctx context.Context, a *app) statusCheck {
	check := statusCheck{Name: "influxdb", Detail: a.cfg.InfluxDB.URL}
	if a.influx == nil {
		check.Disabled = true
		return check
	}
	check.Err = a.influx.HealthCheck(ctx)
	return check
}

// printStatus writes one coloured line per check and returns errUnhealthy
// when any enabled check failed.
func printStatus(w io.Writer, checks []statusCheck) error {
	ok := color.New(color.FgGreen)
	failed := color.New(color.FgRed, color.Bold)
	off := color.New(color.Faint)

	var bad int
	for _, c := range checks {
		switch {
		case c.Disabled:
			off.Fprintf(w, "%-9s off\n", c.Name) //nolint:errcheck // terminal output
		case c.Err != nil:
			bad++
			failed.Fprintf(w, "%-9s FAIL", c.Name) //nolint:errcheck // terminal output
			fmt.Fprintf(w, "  %s: %v\n", c.Detail, c.Err)
		default:
			ok.Fprintf(w, "%-9s ok", c.Name) //nolint:errcheck // terminal output
			fmt.Fprintf(w, "    %s\n", c.Detail)
		}
	}
	if bad > 0 {
		return fmt.Errorf("%w: %d of %d checks failed", errUnhealthy, bad, len(checks))
	}
	return nil
}
