package circuitbreaker

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// DatabaseWrapper wraps sqlx operations with a circuit breaker.
type DatabaseWrapper struct {
	db     *sqlx.DB
	cb     *CircuitBreaker
	logger *zap.Logger
}

// NewDatabaseWrapper creates a database wrapper with circuit breaker
func NewDatabaseWrapper(db *sqlx.DB, logger *zap.Logger) *DatabaseWrapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := NewCircuitBreaker("database/"+db.DriverName(), GetDatabaseConfig().ToConfig(), logger)
	Breakers.Track(DependencyDatabase, db.DriverName(), cb)

	return &DatabaseWrapper{
		db:     db,
		cb:     cb,
		logger: logger,
	}
}

// sql.ErrNoRows is an answer, not an outage
func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func (dw *DatabaseWrapper) run(ctx context.Context, fn func() error) error {
	err := dw.cb.ExecuteClassified(ctx, fn, isNoRows)
	Breakers.Observe(DependencyDatabase, dw.db.DriverName(), err, err == nil || isNoRows(err))
	return err
}

// PingContext wraps database ping with circuit breaker
func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return dw.run(ctx, func() error { return dw.db.PingContext(ctx) })
}

// ExecContext wraps Exec with circuit breaker
func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var res sql.Result
	err := dw.run(ctx, func() error {
		var err error
		res, err = dw.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// GetContext scans a single row into dest.
func (dw *DatabaseWrapper) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error { return dw.db.GetContext(ctx, dest, query, args...) })
}

// SelectContext scans all rows into dest.
func (dw *DatabaseWrapper) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return dw.run(ctx, func() error { return dw.db.SelectContext(ctx, dest, query, args...) })
}

// Rebind converts '?' placeholders to the driver's bindvar style.
func (dw *DatabaseWrapper) Rebind(query string) string { return dw.db.Rebind(query) }

// DriverName returns the sqlx driver name.
func (dw *DatabaseWrapper) DriverName() string { return dw.db.DriverName() }

// Stats returns connection pool statistics.
func (dw *DatabaseWrapper) Stats() sql.DBStats { return dw.db.Stats() }

// Close closes the database.
func (dw *DatabaseWrapper) Close() error { return dw.db.Close() }

// GetDB returns the underlying sqlx handle.
func (dw *DatabaseWrapper) GetDB() *sqlx.DB { return dw.db }

// IsCircuitBreakerOpen returns true if the circuit breaker is open
func (dw *DatabaseWrapper) IsCircuitBreakerOpen() bool {
	return dw.cb.State() == StateOpen
}
