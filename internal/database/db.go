package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ponytojas/go-safecast-uploader/config"
	"github.com/ponytojas/go-safecast-uploader/internal/models"
)

// TimescaleDB handles database operations
type TimescaleDB struct {
	pool      *pgxpool.Pool
	tableName string
}

// NewTimescaleDB creates a new TimescaleDB instance
func NewTimescaleDB(ctx context.Context, cfg *config.Config) (*TimescaleDB, error) {
	log.Printf("Connecting to database at 'host=%s port=%d user=%s dbname=%s sslmode=%s'",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.DBName,
		cfg.Database.SSLMode,
	)
	pool, err := pgxpool.New(ctx, cfg.GetDBConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &TimescaleDB{
		pool:      pool,
		tableName: pgx.Identifier{cfg.Timescale.TableName}.Sanitize(),
	}, nil
}

// Close closes the connection pool
func (db *TimescaleDB) Close() {
	db.pool.Close()
}

// InitializeTable creates the measurements hypertable if it doesn't exist
func (db *TimescaleDB) InitializeTable(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL,
			time TIMESTAMPTZ NOT NULL,
			device_id TEXT NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			unit TEXT NOT NULL,
			latitude TEXT NOT NULL,
			longitude TEXT NOT NULL,
			uploaded_at TIMESTAMPTZ,
			safecast_id BIGINT,
			PRIMARY KEY (id, time)
		)
	`, db.tableName))
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	// Convert to hypertable
	_, err = db.pool.Exec(ctx, `SELECT create_hypertable($1::regclass, 'time', if_not_exists => TRUE)`, db.tableName)
	if err != nil {
		return fmt.Errorf("failed to convert table to hypertable: %w", err)
	}

	log.Printf("Table %s ready", db.tableName)
	return nil
}

// InsertMeasurements stores ms in one transaction and sets their IDs.
// Either every measurement is stored or none is.
func (db *TimescaleDB) InsertMeasurements(ctx context.Context, ms []models.Measurement) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (time, device_id, value, unit, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, db.tableName)

	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		for i := range ms {
			m := &ms[i]
			err := tx.QueryRow(ctx, query,
				m.CapturedAt, m.DeviceID, m.Value, m.Unit, m.Latitude, m.Longitude).Scan(&m.ID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for i := range ms {
			ms[i].ID = 0
		}
		return fmt.Errorf("failed to insert measurements: %w", err)
	}
	return nil
}

// PendingMeasurements returns up to limit measurements not yet uploaded, oldest first
func (db *TimescaleDB) PendingMeasurements(ctx context.Context, limit int) ([]models.Measurement, error) {
	rows, err := db.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, time, device_id, value, unit, latitude, longitude
		FROM %s
		WHERE uploaded_at IS NULL
		ORDER BY time, id
		LIMIT $1
	`, db.tableName), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending measurements: %w", err)
	}

	pending, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Measurement, error) {
		var m models.Measurement
		err := row.Scan(&m.ID, &m.CapturedAt, &m.DeviceID, &m.Value, &m.Unit, &m.Latitude, &m.Longitude)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan pending measurements: %w", err)
	}
	return pending, nil
}

// MarkUploaded records that measurement id was accepted by Safecast. A nil
// safecastID is stored as NULL.
func (db *TimescaleDB) MarkUploaded(ctx context.Context, id int64, safecastID *int64, at time.Time) error {
	tag, err := db.pool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET uploaded_at = $2, safecast_id = $3 WHERE id = $1
	`, db.tableName), id, at, safecastID)
	if err != nil {
		return fmt.Errorf("failed to mark measurement %d uploaded: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("measurement %d not found", id)
	}
	return nil
}
