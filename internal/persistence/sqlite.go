// Package persistence implements durable power-history snapshots, daily summary rollups,
// and a retention sweep, stored in a single SQLite database. The schema is created with
// CREATE TABLE IF NOT EXISTS and its version is recorded in PRAGMA user_version.
package persistence

import (
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mikef5410/solarcore/internal/aggregator"
	"github.com/mikef5410/solarcore/internal/keys"
)

const schemaVersion = 1

// Store wraps a *sql.DB with solarcore's schema and retry-on-busy write path.
type Store struct {
	db     *sql.DB
	Logger *slog.Logger
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Open creates or upgrades the database at filename and returns a ready Store.
func Open(filename string) (*Store, error) {
	db, err := sql.Open("sqlite3", filename+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS power_history (
			id INTEGER PRIMARY KEY,
			ts DATETIME NOT NULL,
			soc REAL,
			pv_w REAL,
			batt_w REAL,
			load_w REAL,
			grid_w_signed REAL
		)`,
		`CREATE TABLE IF NOT EXISTS state_history (
			id INTEGER PRIMARY KEY,
			ts DATETIME NOT NULL,
			json_blob TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_summary (
			date TEXT PRIMARY KEY,
			pv_yield_kwh REAL,
			load_energy_kwh REAL,
			battery_charge_kwh REAL,
			battery_discharge_kwh REAL,
			grid_import_kwh REAL,
			grid_export_kwh REAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_power_history_ts ON power_history(ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	var vers int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&vers); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if vers < schemaVersion {
		s.logger().Info("upgrading persistence schema", "from", vers, "to", schemaVersion)
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version=%d;", schemaVersion)); err != nil {
			return fmt.Errorf("bump schema version: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withRetry runs fn, retrying up to 5 attempts with exponential backoff when sqlite
// reports the database is busy/locked.
func withRetry(fn func() error) error {
	var err error
	backoff := 10 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isBusyErr(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return fmt.Errorf("after 5 attempts: %w", err)
}

func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// WritePowerHistory inserts one power-history sample taken from snap, at the cadence
// the caller (the persistence loop in cmd/solarcore) decides.
func (s *Store) WritePowerHistory(snap aggregator.Snapshot) error {
	soc := numOrNull(snap, keys.BatteryStateOfChargePercent)
	pv := numOrNull(snap, keys.PVTotalDCPowerWatts)
	batt := numOrNull(snap, keys.BatteryPowerWatts)
	load := numOrNull(snap, keys.LoadTotalPowerWatts)
	grid := numOrNull(snap, keys.GridTotalActivePowerWatts)

	return withRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO power_history (ts, soc, pv_w, batt_w, load_w, grid_w_signed) VALUES (?, ?, ?, ?, ?, ?)`,
			snap.TakenAt.UTC(), soc, pv, batt, load, grid,
		)
		return err
	})
}

// WriteStateSnapshot persists an on-demand full-state snapshot as a JSON blob into the
// state_history table.
func (s *Store) WriteStateSnapshot(ts time.Time, jsonBlob string) error {
	return withRetry(func() error {
		_, err := s.db.Exec(`INSERT INTO state_history (ts, json_blob) VALUES (?, ?)`, ts.UTC(), jsonBlob)
		return err
	})
}

// DailySummary is one day's energy rollup.
type DailySummary struct {
	Date                string
	PVYieldKWh          float64
	LoadEnergyKWh       float64
	BatteryChargeKWh    float64
	BatteryDischargeKWh float64
	GridImportKWh       float64
	GridExportKWh       float64
}

// WriteDailySummary upserts one day's rollup, computed by the caller at local midnight
// from the last-known daily energy counters.
func (s *Store) WriteDailySummary(sum DailySummary) error {
	return withRetry(func() error {
		_, err := s.db.Exec(
			`INSERT INTO daily_summary (date, pv_yield_kwh, load_energy_kwh, battery_charge_kwh, battery_discharge_kwh, grid_import_kwh, grid_export_kwh)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(date) DO UPDATE SET
				pv_yield_kwh=excluded.pv_yield_kwh,
				load_energy_kwh=excluded.load_energy_kwh,
				battery_charge_kwh=excluded.battery_charge_kwh,
				battery_discharge_kwh=excluded.battery_discharge_kwh,
				grid_import_kwh=excluded.grid_import_kwh,
				grid_export_kwh=excluded.grid_export_kwh`,
			sum.Date, sum.PVYieldKWh, sum.LoadEnergyKWh, sum.BatteryChargeKWh,
			sum.BatteryDischargeKWh, sum.GridImportKWh, sum.GridExportKWh,
		)
		return err
	})
}

// SummaryForMonth aggregates daily_summary rows for the given year-month ("2026-08")
// into a single month-to-date rollup.
func (s *Store) SummaryForMonth(yearMonth string) (DailySummary, error) {
	row := s.db.QueryRow(
		`SELECT COALESCE(SUM(pv_yield_kwh),0), COALESCE(SUM(load_energy_kwh),0),
			COALESCE(SUM(battery_charge_kwh),0), COALESCE(SUM(battery_discharge_kwh),0),
			COALESCE(SUM(grid_import_kwh),0), COALESCE(SUM(grid_export_kwh),0)
		 FROM daily_summary WHERE date LIKE ?`,
		yearMonth+"-%",
	)
	var out DailySummary
	out.Date = yearMonth
	err := row.Scan(&out.PVYieldKWh, &out.LoadEnergyKWh, &out.BatteryChargeKWh,
		&out.BatteryDischargeKWh, &out.GridImportKWh, &out.GridExportKWh)
	return out, err
}

// SummaryForYear aggregates daily_summary rows for the given year ("2026") into a
// single year-to-date rollup.
func (s *Store) SummaryForYear(year string) (DailySummary, error) {
	row := s.db.QueryRow(
		`SELECT COALESCE(SUM(pv_yield_kwh),0), COALESCE(SUM(load_energy_kwh),0),
			COALESCE(SUM(battery_charge_kwh),0), COALESCE(SUM(battery_discharge_kwh),0),
			COALESCE(SUM(grid_import_kwh),0), COALESCE(SUM(grid_export_kwh),0)
		 FROM daily_summary WHERE date LIKE ?`,
		year+"-%",
	)
	var out DailySummary
	out.Date = year
	err := row.Scan(&out.PVYieldKWh, &out.LoadEnergyKWh, &out.BatteryChargeKWh,
		&out.BatteryDischargeKWh, &out.GridImportKWh, &out.GridExportKWh)
	return out, err
}

// Retain deletes power_history and state_history rows older than maxAge. daily_summary
// rows are never swept: they're the long-term rollup these raw rows age out of.
func (s *Store) Retain(now time.Time, maxAge time.Duration) error {
	cutoff := now.Add(-maxAge).UTC()
	return withRetry(func() error {
		if _, err := s.db.Exec(`DELETE FROM power_history WHERE ts < ?`, cutoff); err != nil {
			return err
		}
		_, err := s.db.Exec(`DELETE FROM state_history WHERE ts < ?`, cutoff)
		return err
	})
}

func numOrNull(snap aggregator.Snapshot, k keys.StandardKey) interface{} {
	v, ok := snap.Values[k]
	if !ok {
		return nil
	}
	n, ok := v.AsNumber()
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil
	}
	return n
}
