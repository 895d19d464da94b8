// Package ledger records the outcome of every processed tomogram in a
// SQLite database so later runs can skip units that already succeeded.
package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Statuses that count as processed
var processedStatuses = []string{"success", "success-with-warnings"}

// Ledger is an open outcome database
type Ledger struct {
	db  *sql.DB
	log zerolog.Logger
}

// Entry is one recorded outcome
type Entry struct {
	RunID    string
	Tool     string
	Unit     string
	Status   string
	Reason   string
	Warnings []string

	// RecordedAt is set by Record when zero
	RecordedAt time.Time
}

// Open opens or creates the ledger at path and migrates it to the latest
// schema
func Open(path string, log zerolog.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	l := &Ledger{db: db, log: log}
	if err := l.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the database
func (l *Ledger) Close() error {
	return l.db.Close()
}

// MigrateUp runs all pending migrations. It is a no-op on an up to date
// database.
func (l *Ledger) MigrateUp() error {
	m, err := l.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared connection

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ledger migration failed: %w", err)
	}
	return nil
}

// Version returns the schema version, 0 when nothing was applied
func (l *Ledger) Version() (uint, bool, error) {
	m, err := l.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (l *Ledger) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(l.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{log: l.log}
	return m, nil
}

// migrateLogger implements migrate.Logger on top of zerolog
type migrateLogger struct {
	log zerolog.Logger
}

func (m *migrateLogger) Printf(format string, v ...interface{}) {
	m.log.Debug().Str("component", "migrate").Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (m *migrateLogger) Verbose() bool {
	return false
}

// Record appends an outcome
func (l *Ledger) Record(ctx context.Context, e Entry) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO outcomes (run_id, tool, unit, status, reason, warnings, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Tool, e.Unit, e.Status, e.Reason,
		strings.Join(e.Warnings, "\n"), e.RecordedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", e.Tool, e.Unit, err)
	}
	return nil
}

// History returns the outcomes of one unit for tool, oldest first
func (l *Ledger) History(ctx context.Context, tool, unit string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT run_id, tool, unit, status, reason, warnings, recorded_at
		FROM outcomes WHERE tool = ? AND unit = ? ORDER BY id`, tool, unit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var warnings, recorded string
		if err := rows.Scan(&e.RunID, &e.Tool, &e.Unit, &e.Status, &e.Reason, &warnings, &recorded); err != nil {
			return nil, err
		}
		if warnings != "" {
			e.Warnings = strings.Split(warnings, "\n")
		}
		if e.RecordedAt, err = time.Parse(time.RFC3339Nano, recorded); err != nil {
			return nil, fmt.Errorf("bad timestamp %q: %w", recorded, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Processed returns the units whose most recent outcome for tool was a
// success, with or without warnings. Skipped outcomes are ignored.
func (l *Ledger) Processed(ctx context.Context, tool string) (map[string]bool, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT o.unit, o.status FROM outcomes o
		WHERE o.tool = ? AND o.id = (
			SELECT MAX(id) FROM outcomes
			WHERE tool = o.tool AND unit = o.unit AND status != 'skipped'
		)`, tool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[string]bool)
	for rows.Next() {
		var unit, status string
		if err := rows.Scan(&unit, &status); err != nil {
			return nil, err
		}
		for _, s := range processedStatuses {
			if status == s {
				done[unit] = true
			}
		}
	}
	return done, rows.Err()
}
