// Command solarcore runs the full monitoring process: it loads an INI configuration,
// spins up one plugin worker per configured device instance under a three-layer
// supervisor, merges their readings into a single aggregated SystemState through the
// adaptive spike filter, and fans the resulting snapshots out to MQTT, a local YAML
// snapshot file, a SQLite history store, and an HTTP health/metrics endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mikef5410/solarcore/internal/aggregator"
	"github.com/mikef5410/solarcore/internal/config"
	"github.com/mikef5410/solarcore/internal/filter"
	"github.com/mikef5410/solarcore/internal/httpapi"
	"github.com/mikef5410/solarcore/internal/keys"
	"github.com/mikef5410/solarcore/internal/persistence"
	"github.com/mikef5410/solarcore/internal/plugin"
	"github.com/mikef5410/solarcore/internal/publish"
	"github.com/mikef5410/solarcore/internal/sinks"
	"github.com/mikef5410/solarcore/internal/supervisor"

	_ "github.com/mikef5410/solarcore/internal/plugin/deye"
	_ "github.com/mikef5410/solarcore/internal/plugin/growatt"
	_ "github.com/mikef5410/solarcore/internal/plugin/jkbms"
	_ "github.com/mikef5410/solarcore/internal/plugin/powmr"
	_ "github.com/mikef5410/solarcore/internal/plugin/solaredge"
)

// exitError carries the process exit code assigned to each failure class, letting main()
// translate an Action error into the right process exit status.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func fatalConfig(err error) error  { return &exitError{code: 1, err: err} }
func fatalStartup(err error) error { return &exitError{code: 3, err: err} }

func main() {
	app := &cli.App{
		Name:  "solarcore",
		Usage: "poll solar inverter and BMS plugins, filter and aggregate their readings, publish snapshots",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the solarcore INI configuration file",
				EnvVars: []string{"SOLARCORE_CONFIG"},
				Value:   "/etc/solarcore.conf",
			},
			&cli.StringFlag{
				Name:    "db-file",
				Usage:   "path to the SQLite history database",
				EnvVars: []string{"SOLARCORE_DB_FILE"},
				Value:   "solarcore.db",
			},
			&cli.StringFlag{
				Name:    "http-addr",
				Usage:   "address the /healthz and /metrics HTTP server listens on",
				EnvVars: []string{"SOLARCORE_HTTP_ADDR"},
				Value:   ":9110",
			},
			&cli.StringFlag{
				Name:    "live-data-file",
				Usage:   "YAML snapshot file rewritten on every published snapshot; empty disables it",
				EnvVars: []string{"SOLARCORE_LIVE_DATA_FILE"},
				Value:   "solarcore_live.yaml",
			},
			&cli.DurationFlag{
				Name:    "power-history-interval",
				Usage:   "how often a power_history row is written",
				EnvVars: []string{"SOLARCORE_POWER_HISTORY_INTERVAL"},
				Value:   time.Duration(config.DefaultPowerHistoryInterval) * time.Second,
			},
			&cli.DurationFlag{
				Name:    "shutdown-grace",
				Usage:   "how long workers are given to release their transports on shutdown",
				EnvVars: []string{"SOLARCORE_SHUTDOWN_GRACE"},
				Value:   10 * time.Second,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			slog.Error("solarcore exiting", "err", ee.err, "code", ee.code)
			os.Exit(ee.code)
		}
		slog.Error("solarcore exiting", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return fatalConfig(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := persistence.Open(c.String("db-file"))
	if err != nil {
		return fatalStartup(fmt.Errorf("open persistence store: %w", err))
	}
	defer store.Close()

	hub := publish.NewHub()
	httpServer := &httpapi.Server{Addr: c.String("http-addr"), Logger: logger}

	state := aggregator.NewSystemState()
	filt := filter.NewFilter(buildFilterKeys(cfg), cfg.Location())
	if cfg.Filter.ConfirmationCount > 0 {
		filt.ConfirmationCount = cfg.Filter.ConfirmationCount
	}
	if cfg.Filter.DecreaseWindowMinutes > 0 {
		filt.DecreaseWindow = time.Duration(cfg.Filter.DecreaseWindowMinutes) * time.Minute
	}

	readings := make(chan keys.Reading, 256)
	agg := &aggregator.Aggregator{
		In:         readings,
		Filter:     filt,
		State:      state,
		StaleAfter: 5 * time.Minute,
		Derived:    aggregator.DefaultDerivedFields(),
		Logger:     logger,
		Publish: func(snap aggregator.Snapshot) {
			hub.Publish(snap)
			httpServer.SetSnapshot(snap)
		},
	}

	sup := &supervisor.Supervisor{
		WatchdogTimeout:   time.Duration(cfg.WatchdogTimeoutSeconds) * time.Second,
		Grace:             time.Duration(cfg.WatchdogGraceSeconds) * time.Second,
		MaxReloadAttempts: cfg.MaxReconnectAttempts,
		Logger:            logger,
		OnAvailabilityChange: func(instanceID string, offline bool) {
			logger.Warn("plugin availability changed", "instance", instanceID, "offline", offline)
		},
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, name := range cfg.PluginInstances {
		inst := cfg.Instances[name]
		ctor, ok := plugin.Lookup(inst.PluginType)
		if !ok {
			return fatalStartup(fmt.Errorf("instance %q: unknown plugin_type %q", name, inst.PluginType))
		}
		extra := instanceExtra(inst)
		factory := func() (*plugin.Worker, error) {
			dp, err := ctor(inst.Name, extra)
			if err != nil {
				return nil, err
			}
			return &plugin.Worker{
				PollInterval:               time.Duration(cfg.PollIntervalSeconds) * time.Second,
				ConnectTimeout:             time.Duration(inst.ModbusTimeoutSeconds * float64(time.Second)),
				MaxConsecutiveWaitingPolls: 3,
				Logger:                     logger,
				Plugin:                     dp,
			}, nil
		}
		if err := sup.Register(gctx, inst.Name, factory, readings); err != nil {
			return fatalStartup(fmt.Errorf("instance %q: %w", name, err))
		}
	}

	var mqttSink *sinks.MQTTSink
	if cfg.MQTTBrokerURL != "" {
		client, err := sinks.NewMQTTClient(cfg.MQTTBrokerURL, "solarcore")
		if err != nil {
			return fatalStartup(fmt.Errorf("connect mqtt broker: %w", err))
		}
		mqttSink = &sinks.MQTTSink{Client: client, Topic: cfg.MQTTTopic, QoS: 0, Logger: logger}
	}

	liveDataFile := c.String("live-data-file")

	g.Go(func() error {
		agg.Run(gctx)
		return nil
	})
	g.Go(func() error {
		sup.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil {
			logger.Error("http server stopped", "err", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return httpServer.Shutdown()
	})
	if mqttSink != nil {
		g.Go(func() error {
			mqttSink.Run(gctx, hub, nil)
			return nil
		})
	}
	if liveDataFile != "" {
		fileSink := &sinks.FileSnapshotSink{Filename: liveDataFile, Logger: logger}
		g.Go(func() error {
			fileSink.Run(gctx, hub, nil)
			return nil
		})
	}
	g.Go(func() error {
		return runPersistenceLoop(gctx, store, hub, c.Duration("power-history-interval"), logger)
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				filt.Prune(now)
			}
		}
	})

	<-ctx.Done()
	logger.Info("shutdown signal received, draining workers")
	sup.Shutdown(c.Duration("shutdown-grace"))

	if err := g.Wait(); err != nil {
		logger.Error("component stopped with error", "err", err)
	}
	logger.Info("solarcore stopped cleanly")
	return nil
}

// runPersistenceLoop writes a power_history row every interval and sweeps rows older than
// history_max_age_hours once an hour.
func runPersistenceLoop(ctx context.Context, store *persistence.Store, hub *publish.Hub, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = time.Duration(config.DefaultPowerHistoryInterval) * time.Second
	}
	ch := hub.Subscribe(ctx, nil)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	retain := time.NewTicker(time.Hour)
	defer retain.Stop()

	var latest aggregator.Snapshot
	haveLatest := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-ch:
			if !ok {
				return nil
			}
			latest = snap
			haveLatest = true
		case <-ticker.C:
			if !haveLatest {
				continue
			}
			if err := store.WritePowerHistory(latest); err != nil {
				logger.Error("write power history", "err", err)
			}
		case now := <-retain.C:
			if err := store.Retain(now, time.Duration(config.DefaultHistoryMaxAgeHours)*time.Hour); err != nil {
				logger.Error("retention sweep", "err", err)
			}
		}
	}
}

// instanceExtra merges an instance's typed connection fields into its Extra map so the
// registry's Constructor, which only sees instanceName and a string map, can resolve the
// full connection and retry behavior without each plugin hand-parsing InstanceConfig.
func instanceExtra(inst config.InstanceConfig) map[string]string {
	extra := make(map[string]string, len(inst.Extra)+10)
	for k, v := range inst.Extra {
		extra[k] = v
	}
	extra["connection_type"] = inst.ConnectionType
	extra["host"] = inst.Host
	extra["port"] = fmt.Sprintf("%d", inst.Port)
	extra["serial_device"] = inst.SerialDevice
	extra["serial_baud"] = fmt.Sprintf("%d", inst.SerialBaud)
	extra["slave_address"] = fmt.Sprintf("%d", inst.SlaveAddress)
	extra["modbus_timeout_seconds"] = fmt.Sprintf("%g", inst.ModbusTimeoutSeconds)
	extra["max_regs_per_read"] = fmt.Sprintf("%d", inst.MaxRegsPerRead)
	extra["max_read_retries_per_group"] = fmt.Sprintf("%d", inst.MaxReadRetriesPerGroup)
	extra["inter_read_delay_ms"] = fmt.Sprintf("%d", inst.InterReadDelayMS)
	return extra
}

// buildFilterKeys assembles the adaptive filter's per-key policy table: daily energy
// counters get the hard-ceiling/rate-based regime from cfg.Filter, a handful of
// well-known instantaneous keys get range sanity checks.
func buildFilterKeys(cfg config.AppConfig) map[keys.StandardKey]filter.KeyConfig {
	out := make(map[keys.StandardKey]filter.KeyConfig)

	dailyKeys := []keys.StandardKey{
		keys.EnergyPVDailyKWh, keys.EnergyGridDailyImportKWh, keys.EnergyGridDailyExportKWh,
		keys.EnergyBatteryDailyChargeKWh, keys.EnergyBatteryDailyDischargeKWh,
		keys.EnergyLoadDailyKWh,
	}
	for _, k := range dailyKeys {
		limit := cfg.Filter.DailyLimitKWh[string(k)]
		baseRate := cfg.Filter.BaseRateOverrideKWhSec[string(k)]
		out[k] = filter.KeyConfig{
			Kind:              filter.KindEnergyCounter,
			DailyLimitKWh:     limit,
			BaseRateKWhPerSec: baseRate,
		}
	}

	instantaneous := map[keys.StandardKey][2]float64{
		keys.BatteryStateOfChargePercent: {0, 100},
		keys.BatteryStateOfHealthPercent: {0, 100},
		keys.GridFrequencyHz:             {40, 70},
		keys.PVTotalDCPowerWatts:         {0, cfg.System.PVPeakWatts * 1.5},
		keys.LoadTotalPowerWatts:         {-cfg.System.ACMaxWatts * 1.5, cfg.System.ACMaxWatts * 1.5},
	}
	for k, bounds := range instantaneous {
		if bounds[1] <= bounds[0] {
			continue // sizing not configured; skip the range check rather than reject everything
		}
		out[k] = filter.KeyConfig{
			Kind:     filter.KindInstantaneous,
			MinValue: bounds[0],
			MaxValue: bounds[1],
			HasRange: true,
		}
	}

	return out
}
