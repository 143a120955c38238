// Package agentd is the local agent daemon the pairing console talks to.
// It owns the only persistent state in the system: provision status,
// machine identity, and device settings survive restarts here, not in
// the console.
package agentd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrUnknownCode reports a confirm attempt against a code that is not
// the active one.
var ErrUnknownCode = errors.New("unknown or expired pairing code")

// Open opens sqlite with sensible defaults.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // sqlite
	db.SetConnMaxLifetime(0)
	return db, nil
}

// RunMigrations applies all up migrations found at path.
func RunMigrations(dbPath, migrationsPath string) error {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", dbPath)

	m, err := migrate.New(
		fmt.Sprintf("file://%s", migrationsPath),
		dsn,
	)
	if err != nil {
		return err
	}
	defer m.Close()

	err = m.Up()
	if err == migrate.ErrNoChange {
		return nil
	}
	return err
}

// RunMigrationsWithDB allows reuse of an existing *sql.DB.
func RunMigrationsWithDB(db *sql.DB, migrationsPath string) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"sqlite3",
		driver,
	)
	if err != nil {
		return err
	}
	defer m.Close()

	err = m.Up()
	if err == migrate.ErrNoChange {
		return nil
	}
	return err
}

// WithTx runs fn in a transaction.
func WithTx(db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Store persists provision state. The provision table holds a single row.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// ProvisionState is the single provision row.
type ProvisionState struct {
	ActiveCode    string
	CodeIssuedAt  time.Time
	CodeConfirmed bool
	Provisioned   bool
	MachineID     string
}

func (s *Store) Provision(ctx context.Context) (ProvisionState, error) {
	var (
		st       ProvisionState
		issuedAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT active_code, code_issued_at, code_confirmed, provisioned, machine_id FROM provision WHERE id = 1`,
	).Scan(&st.ActiveCode, &issuedAt, &st.CodeConfirmed, &st.Provisioned, &st.MachineID)
	if err != nil {
		return ProvisionState{}, fmt.Errorf("read provision row: %w", err)
	}
	if issuedAt.Valid {
		st.CodeIssuedAt = time.Unix(issuedAt.Int64, 0).UTC()
	}
	return st, nil
}

// SetActiveCode replaces the active code and clears any prior
// confirmation that never completed.
func (s *Store) SetActiveCode(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provision SET active_code = ?, code_issued_at = ?, code_confirmed = 0 WHERE id = 1`,
		code, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("set active code: %w", err)
	}
	return nil
}

// Confirm marks the active code confirmed and provisions the machine,
// minting its permanent id if it does not have one yet. This is the
// console-side action a human performs.
func (s *Store) Confirm(ctx context.Context, code string) error {
	return WithTx(s.db, func(tx *sql.Tx) error {
		var active string
		if err := tx.QueryRowContext(ctx, `SELECT active_code FROM provision WHERE id = 1`).Scan(&active); err != nil {
			return fmt.Errorf("read active code: %w", err)
		}
		if active == "" || active != code {
			return ErrUnknownCode
		}
		var machineID string
		if err := tx.QueryRowContext(ctx, `SELECT machine_id FROM provision WHERE id = 1`).Scan(&machineID); err != nil {
			return fmt.Errorf("read machine id: %w", err)
		}
		if machineID == "" {
			machineID = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE provision SET code_confirmed = 1, provisioned = 1, machine_id = ? WHERE id = 1`,
			machineID,
		)
		if err != nil {
			return fmt.Errorf("confirm code: %w", err)
		}
		return nil
	})
}

// Submit reports whether code is the active, console-confirmed code.
func (s *Store) Submit(ctx context.Context, code string) (bool, error) {
	st, err := s.Provision(ctx)
	if err != nil {
		return false, err
	}
	return st.ActiveCode != "" && st.ActiveCode == code && st.CodeConfirmed, nil
}

// Setting returns the value stored under key, empty when absent.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, nil
}

// PutSetting upserts a settings key.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("put setting %s: %w", key, err)
	}
	return nil
}
