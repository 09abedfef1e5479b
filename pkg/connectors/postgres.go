package connectors

import (
	"context"
	"fmt"
	"time"

	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/configs"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostgresConnector hands out gorm handles bound to a request context.
// Constructed once at server start; the pool is shared by all sessions but is
// only touched on the start/close paths, never per audio frame.
type PostgresConnector interface {
	DB(ctx context.Context) *gorm.DB
	Close() error
}

type postgresConnector struct {
	db     *gorm.DB
	logger commons.Logger
}

// NewPostgresConnector opens the connection pool described by cfg.
func NewPostgresConnector(logger commons.Logger, cfg configs.PostgresConfig) (PostgresConnector, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Auth.User, cfg.Auth.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect postgres at %s:%d: %w", cfg.Host, cfg.Port, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access underlying sql pool: %w", err)
	}
	if cfg.MaxOpenConnection > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConnection)
	}
	if cfg.MaxIdealConnection > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdealConnection)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	logger.Infow("postgres connected", "host", cfg.Host, "db", cfg.DBName)
	return &postgresConnector{db: db, logger: logger}, nil
}

func (c *postgresConnector) DB(ctx context.Context) *gorm.DB {
	return c.db.WithContext(ctx)
}

func (c *postgresConnector) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
