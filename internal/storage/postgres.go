package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stormseeker/humidity/pkg/protocol"
	"github.com/stormseeker/humidity/pkg/publisher"
)

const schema = `
	CREATE TABLE IF NOT EXISTS humidity_readings (
		id BIGSERIAL PRIMARY KEY,
		envelope_id UUID UNIQUE NOT NULL,
		source VARCHAR(255),
		value DOUBLE PRECISION NOT NULL,
		captured_at TIMESTAMPTZ NOT NULL,
		payload JSONB NOT NULL,
		created_at TIMESTAMPTZ DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_humidity_readings_captured_at ON humidity_readings(captured_at)`

// execer is the part of *sql.DB the store uses
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	PingContext(ctx context.Context) error
	Close() error
}

// PostgreSQL stores every envelope as a row of humidity_readings
type PostgreSQL struct {
	publisher.Listeners

	db     execer
	logger *logrus.Logger
}

// NewPostgreSQL connects, configures the pool and creates the schema
func NewPostgreSQL(ctx context.Context, databaseURL string, logger *logrus.Logger) (*PostgreSQL, error) {
	if logger == nil {
		logger = logrus.New()
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	p := newPostgreSQL(db, logger)

	if err := p.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("PostgreSQL storage ready")
	return p, nil
}

func newPostgreSQL(db execer, logger *logrus.Logger) *PostgreSQL {
	return &PostgreSQL{db: db, logger: logger}
}

// Ping checks the connection and updates the connection state
func (p *PostgreSQL) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		p.MarkLost()
		return err
	}
	p.MarkConnected()
	return nil
}

// Migrate creates humidity_readings if it does not exist
func (p *PostgreSQL) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Publish inserts env. Re-inserting the same envelope id is a no-op, so a
// retried publish is confirmed without a duplicate row.
func (p *PostgreSQL) Publish(ctx context.Context, env *protocol.Envelope) (string, error) {
	payload, err := env.ToJSON()
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	value, ok := env.Metric(protocol.MetricHumidity)
	if !ok {
		return "", fmt.Errorf("envelope %s has no %s metric", env.ID, protocol.MetricHumidity)
	}

	query := `
		INSERT INTO humidity_readings (envelope_id, source, value, captured_at, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (envelope_id) DO NOTHING`

	if _, err := p.db.ExecContext(ctx, query, env.ID, env.Source, value, env.Timestamp, string(payload)); err != nil {
		p.logger.WithFields(logrus.Fields{
			"envelope_id": env.ID,
			"error":       err,
		}).Error("Failed to store humidity reading")
		p.MarkLost()
		return "", fmt.Errorf("failed to insert reading: %w", err)
	}

	p.MarkConnected()
	p.NotifyMessageConfirmed(env.ID)
	return env.ID, nil
}

// Close closes the database connection
func (p *PostgreSQL) Close() error {
	err := p.db.Close()
	p.MarkDisconnected()
	return err
}

// Name возвращает имя publisher
func (p *PostgreSQL) Name() string {
	return "postgres"
}
