package postgres

import (
	"context"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/andresuchdata/dicom-compressor/internal/config"
)

const connMaxLifetime = 5 * time.Minute

// DB is the ledger's connection pool. Transactions are additionally limited by a semaphore
// so a wide batch cannot hold every connection inside open transactions.
type DB struct {
	*sqlx.DB
	sem *semaphore.Weighted
}

var (
	dbInstance *DB
	once       sync.Once
)

// driverName maps DB_DRIVER to the name the database/sql driver registers under.
func driverName(driver string) (string, error) {
	switch driver {
	case "", "postgres", "pq":
		return "postgres", nil
	case "pgx":
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// dataSourceName builds a keyword/value DSN; both lib/pq and pgx accept this form.
func dataSourceName(cfg *config.DatabaseConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, sslMode)
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// NewDB connects once per process and returns the shared pool on later calls.
func NewDB(cfg *config.DatabaseConfig) (*DB, error) {
	var err error
	once.Do(func() {
		var name string
		if name, err = driverName(cfg.Driver); err != nil {
			return
		}

		var conn *sqlx.DB
		if conn, err = sqlx.Connect(name, dataSourceName(cfg)); err != nil {
			err = fmt.Errorf("connect %s@%s:%s/%s: %w", cfg.User, cfg.Host, cfg.Port, cfg.DBName, err)
			return
		}

		maxOpen := positiveOr(cfg.MaxOpenConns, 25)
		conn.SetMaxOpenConns(maxOpen)
		conn.SetMaxIdleConns(positiveOr(cfg.MaxIdleConns, 5))
		conn.SetConnMaxLifetime(connMaxLifetime)

		maxTx := positiveOr(cfg.MaxConcurrentTx, 10)
		if maxTx > maxOpen {
			maxTx = maxOpen
		}
		dbInstance = &DB{DB: conn, sem: semaphore.NewWeighted(int64(maxTx))}

		log.Info().
			Str("driver", name).
			Str("host", cfg.Host).
			Str("db", cfg.DBName).
			Int("max_open", maxOpen).
			Int("max_tx", maxTx).
			Msg("ledger database connected")
	})

	return dbInstance, err
}

// WithTx runs fn in a transaction, rolling back when fn fails.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	if err := db.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for transaction slot: %w", err)
	}
	defer db.sem.Release(1)

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("ledger rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
