// Package columnar wraps the ClickHouse native client. The ingestion worker
// never writes to ClickHouse directly (rows arrive through the Kafka topics);
// the client exists for startup liveness probing and ongoing health checks.
package columnar

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/tidewave-analytics/tidewave/pkg/config"
)

// Client holds a pooled connection to the columnar store.
type Client struct {
	conn   driver.Conn
	logger *slog.Logger
}

// New opens a connection to ClickHouse and verifies it with a ping.
func New(ctx context.Context, cfg config.ClickHouseConfig) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening clickhouse connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("pinging clickhouse: %w", err)
	}
	return &Client{
		conn:   conn,
		logger: slog.Default().With("component", "columnar"),
	}, nil
}

// Liveness runs a trivial query against the store. Used at startup and by
// the readiness probe.
func (c *Client) Liveness(ctx context.Context) error {
	var one uint8
	if err := c.conn.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("columnar liveness query: %w", err)
	}
	return nil
}

// Ping checks the underlying connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.conn.Close()
}
