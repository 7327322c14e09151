package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/circuitbreaker"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Config holds database configuration
type Config struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// dataSource resolves the driver name and DSN. A postgres:// URL selects
// postgres regardless of Driver.
func (c Config) dataSource() (driver, dsn string) {
	driver = c.Driver
	dsn = c.DSN
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = DriverPostgres
	}
	if driver == "" {
		driver = DriverSQLite
	}
	if dsn != "" {
		return driver, dsn
	}
	if driver == DriverSQLite {
		return driver, "research.db"
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	return driver, fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode,
	)
}

// Open connects to the configured database, wraps it in a circuit breaker
// and verifies the connection.
func Open(ctx context.Context, config Config, logger *zap.Logger) (*circuitbreaker.DatabaseWrapper, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxConnections == 0 {
		config.MaxConnections = 25
	}
	if config.IdleConnections == 0 {
		config.IdleConnections = 5
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 5 * time.Minute
	}

	driver, dsn := config.dataSource()
	rawDB, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		// one writer; also keeps :memory: databases on a single connection
		rawDB.SetMaxOpenConns(1)
	} else {
		rawDB.SetMaxOpenConns(config.MaxConnections)
		rawDB.SetMaxIdleConns(config.IdleConnections)
	}
	rawDB.SetConnMaxLifetime(config.MaxLifetime)

	db := circuitbreaker.NewDatabaseWrapper(rawDB, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		rawDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("Database client initialized",
		zap.String("driver", driver),
		zap.Int("max_connections", config.MaxConnections),
	)
	return db, nil
}
