package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Client is the PostgreSQL Store, backed by pgxpool.
type Client struct {
	pool   *pgxpool.Pool
	logger *zap.SugaredLogger
}

// NewClient connects to connStr, verifies the connection and ensures the
// schema exists.
func NewClient(ctx context.Context, connStr string, logger *zap.SugaredLogger) (*Client, error) {
	if connStr == "" {
		return nil, fmt.Errorf("database url is required")
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := &Client{pool: pool, logger: logger}
	if err := c.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("Connected to PostgreSQL")
	return c, nil
}

// Close closes the database connection pool
func (c *Client) Close() {
	c.pool.Close()
}
