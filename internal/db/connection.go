package db

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dny1020/outdial-orchestrator/pkg/errors"
	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
}

type DB struct {
	*sql.DB
	cfg    Config
	mu     sync.RWMutex
	health bool
	stop   chan struct{}
}

// New opens the SQL store, retrying the initial connection
func New(cfg Config) (*DB, error) {
	dsn := cfg.URL
	if !strings.Contains(dsn, "parseTime") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}

	var db *sql.DB
	var err error

	// Retry connection
	for i := 0; i <= cfg.RetryAttempts; i++ {
		db, err = sql.Open("mysql", dsn)
		if err == nil {
			err = db.Ping()
			if err == nil {
				break
			}
		}

		if i < cfg.RetryAttempts {
			logger.WithField("attempt", i+1).WithError(err).Warn("Database connection failed, retrying...")
			time.Sleep(cfg.RetryDelay * time.Duration(i+1))
		}
	}

	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to connect to database")
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	wrapper := &DB{
		DB:     db,
		cfg:    cfg,
		health: true,
		stop:   make(chan struct{}),
	}

	go wrapper.healthCheck()

	logger.Info("Database connection established")
	return wrapper, nil
}

// NewWithDB wraps an existing handle; used by tests
func NewWithDB(db *sql.DB) *DB {
	return &DB{DB: db, health: true, stop: make(chan struct{})}
}

func (db *DB) healthCheck() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-db.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := db.PingContext(ctx)
			cancel()

			db.mu.Lock()
			oldHealth := db.health
			db.health = err == nil
			db.mu.Unlock()

			if oldHealth != db.health {
				if db.health {
					logger.Info("Database connection recovered")
				} else {
					logger.WithError(err).Error("Database connection lost")
				}
			}
		}
	}
}

func (db *DB) IsHealthy() bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.health
}

// Close stops the health checker and releases the pool
func (db *DB) Close() error {
	close(db.stop)
	return db.DB.Close()
}

// Transaction with retry
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	var err error
	for i := 0; i <= db.cfg.RetryAttempts; i++ {
		err = db.transaction(ctx, fn)
		if err == nil {
			return nil
		}

		if !isRetryableError(err) {
			return err
		}

		if i < db.cfg.RetryAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(db.cfg.RetryDelay * time.Duration(i+1)):
				logger.WithField("attempt", i+1).WithError(err).Warn("Transaction failed, retrying...")
			}
		}
	}

	return errors.Wrap(err, errors.ErrDatabase, "transaction failed after retries")
}

func (db *DB) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	err = fn(tx)
	if err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Coded errors carry their own retry classification
	if appErr, ok := err.(*errors.AppError); ok {
		return appErr.IsRetryable()
	}

	errStr := err.Error()
	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"deadlock",
		"try restarting transaction",
	}

	for _, e := range retryableErrors {
		if strings.Contains(strings.ToLower(errStr), e) {
			return true
		}
	}

	return false
}
