package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"leasecast/pkg/models"
	"leasecast/pkg/storage"
)

//go:embed schema.sql
var schemaSQL string

// Store is a storage.Store backed by a SQLite file. Every instance on the
// host opens the same file; transactions start with BEGIN IMMEDIATE so the
// lease read-modify-write is serialized across processes.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
//
// The database is configured with:
//   - WAL mode so readers do not block the writer
//   - a 5-second busy timeout for cross-process lock contention
//   - immediate transactions (write lock taken at BEGIN)
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection per process; cross-process ordering comes from the file lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) RunTransaction(ctx context.Context, label string, fn func(ctx context.Context, tx storage.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin %q: %v", storage.ErrTransient, label, err)
	}

	if err := fn(ctx, &tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit %q: %v", storage.ErrTransient, label, err)
	}
	return nil
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) Instances() storage.InstanceTable { return instanceTable{t.tx} }
func (t *tx) Owner() storage.OwnerTable        { return ownerTable{t.tx} }

type instanceTable struct{ tx *sql.Tx }

func (t instanceTable) Put(ctx context.Context, rec models.InstanceRecord) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO instances (owner_user_id, instance_id, last_update_ms, visibility)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (owner_user_id, instance_id)
		DO UPDATE SET last_update_ms = excluded.last_update_ms, visibility = excluded.visibility`,
		rec.OwnerUserID, rec.InstanceID, rec.LastUpdate.UnixMilli(), string(rec.Visibility))
	if err != nil {
		return fmt.Errorf("%w: put instance %s: %v", storage.ErrTransient, rec.InstanceID, err)
	}
	return nil
}

func (t instanceTable) All(ctx context.Context) ([]models.InstanceRecord, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT owner_user_id, instance_id, last_update_ms, visibility
		FROM instances
		ORDER BY owner_user_id, instance_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: scan instances: %v", storage.ErrTransient, err)
	}
	defer rows.Close()

	var out []models.InstanceRecord
	for rows.Next() {
		var (
			rec        models.InstanceRecord
			updatedMs  int64
			visibility string
		)
		if err := rows.Scan(&rec.OwnerUserID, &rec.InstanceID, &updatedMs, &visibility); err != nil {
			return nil, fmt.Errorf("%w: decode instance: %v", storage.ErrTransient, err)
		}
		rec.LastUpdate = time.UnixMilli(updatedMs)
		rec.Visibility = models.VisibilityState(visibility)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan instances: %v", storage.ErrTransient, err)
	}
	return out, nil
}

type ownerTable struct{ tx *sql.Tx }

func (t ownerTable) Get(ctx context.Context) (*models.OwnerLease, error) {
	var (
		lease    models.OwnerLease
		expiryMs int64
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT key, owner_instance_id, lease_expiry_ms FROM owner_lease WHERE key = ?`,
		models.OwnerLeaseKey,
	).Scan(&lease.Key, &lease.OwnerInstanceID, &expiryMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read lease: %v", storage.ErrTransient, err)
	}
	lease.LeaseExpiry = time.UnixMilli(expiryMs)
	return &lease, nil
}

func (t ownerTable) Put(ctx context.Context, lease models.OwnerLease) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO owner_lease (key, owner_instance_id, lease_expiry_ms)
		VALUES (?, ?, ?)
		ON CONFLICT (key)
		DO UPDATE SET owner_instance_id = excluded.owner_instance_id, lease_expiry_ms = excluded.lease_expiry_ms`,
		models.OwnerLeaseKey, lease.OwnerInstanceID, lease.LeaseExpiry.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: write lease: %v", storage.ErrTransient, err)
	}
	return nil
}

func (t ownerTable) Delete(ctx context.Context) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM owner_lease WHERE key = ?`, models.OwnerLeaseKey); err != nil {
		return fmt.Errorf("%w: delete lease: %v", storage.ErrTransient, err)
	}
	return nil
}
