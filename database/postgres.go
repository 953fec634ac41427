package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"huehub/config"
	"huehub/logger"

	_ "github.com/lib/pq"
)

var DB *sql.DB

const maxRetries = 10

// DSN builds the lib/pq connection string for cfg.
func DSN(cfg config.Config) string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
}

// ConnectDB opens the database, retrying with a linear backoff while the
// server is not reachable yet.
func ConnectDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	log := logger.WithComponent("database")
	dsn := DSN(cfg)

	var lastErr error
	for i := range maxRetries {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Int("retry_in_s", i+1).Msg("Error opening database")
			if !sleep(ctx, time.Duration(i+1)*time.Second) {
				return nil, ctx.Err()
			}
			continue
		}
		if err = db.PingContext(ctx); err == nil {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(10)
			db.SetConnMaxLifetime(5 * time.Minute)

			DB = db
			log.Info().Msg("Database connection successful")
			return db, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("retry_in_s", i+1).Msg("Error pinging database")
		db.Close()
		if !sleep(ctx, time.Duration(i+1)*time.Second) {
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", maxRetries, lastErr)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS hue_bridges (
		id            TEXT PRIMARY KEY,
		name          TEXT NOT NULL DEFAULT '',
		host          TEXT NOT NULL,
		manufacturer  TEXT NOT NULL DEFAULT '',
		model         TEXT NOT NULL DEFAULT '',
		username      TEXT NOT NULL DEFAULT '',
		enabled       BOOLEAN NOT NULL DEFAULT FALSE,
		heartrate     INTEGER NOT NULL DEFAULT 5,
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS hue_resources (
		uuid          UUID PRIMARY KEY,
		bridge_id     TEXT NOT NULL REFERENCES hue_bridges(id) ON DELETE CASCADE,
		kind          TEXT NOT NULL,
		resource_id   TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		UNIQUE (bridge_id, kind, resource_id)
	)`,
}

// Migrate creates the tables used to resume polling after a restart.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}
