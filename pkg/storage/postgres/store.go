package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"leasecast/pkg/models"
	"leasecast/pkg/storage"
)

// PostgresStore shares a partition across hosts. Every transaction runs at
// SERIALIZABLE isolation, so two instances racing to claim an absent or
// expired lease cannot both commit.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore initializes GORM connection and AutoMigrates schemas.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(&models.InstanceRecord{}, &models.OwnerLease{}); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// RunTransaction executes fn in a SERIALIZABLE transaction. Serialization
// failures surface as storage.ErrTransient; the caller's next tick retries.
func (s *PostgresStore) RunTransaction(ctx context.Context, label string, fn func(ctx context.Context, tx storage.Tx) error) error {
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(ctx, &tx{db: db})
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrTransient) || errors.Is(err, storage.ErrInvariantViolation) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", storage.ErrTransient, label, err)
}

type tx struct {
	db *gorm.DB
}

func (t *tx) Instances() storage.InstanceTable { return instanceTable{t.db} }
func (t *tx) Owner() storage.OwnerTable        { return ownerTable{t.db} }

type instanceTable struct{ db *gorm.DB }

// Put upserts on the (owner_user_id, instance_id) primary key.
func (t instanceTable) Put(ctx context.Context, rec models.InstanceRecord) error {
	result := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "owner_user_id"}, {Name: "instance_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_update", "visibility"}),
		}).
		Create(&rec)
	if result.Error != nil {
		return fmt.Errorf("%w: put instance %s: %v", storage.ErrTransient, rec.InstanceID, result.Error)
	}
	return nil
}

func (t instanceTable) All(ctx context.Context) ([]models.InstanceRecord, error) {
	var records []models.InstanceRecord
	result := t.db.WithContext(ctx).
		Order("owner_user_id asc, instance_id asc").
		Find(&records)
	if result.Error != nil {
		return nil, fmt.Errorf("%w: scan instances: %v", storage.ErrTransient, result.Error)
	}
	return records, nil
}

type ownerTable struct{ db *gorm.DB }

// Get reads the lease row FOR UPDATE so a concurrent renewal blocks behind us.
func (t ownerTable) Get(ctx context.Context) (*models.OwnerLease, error) {
	var lease models.OwnerLease
	result := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("key = ?", models.OwnerLeaseKey).
		Take(&lease)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read lease: %v", storage.ErrTransient, result.Error)
	}
	return &lease, nil
}

func (t ownerTable) Put(ctx context.Context, lease models.OwnerLease) error {
	lease.Key = models.OwnerLeaseKey
	result := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"owner_instance_id", "lease_expiry"}),
		}).
		Create(&lease)
	if result.Error != nil {
		return fmt.Errorf("%w: write lease: %v", storage.ErrTransient, result.Error)
	}
	return nil
}

func (t ownerTable) Delete(ctx context.Context) error {
	result := t.db.WithContext(ctx).
		Where("key = ?", models.OwnerLeaseKey).
		Delete(&models.OwnerLease{})
	if result.Error != nil {
		return fmt.Errorf("%w: delete lease: %v", storage.ErrTransient, result.Error)
	}
	return nil
}
