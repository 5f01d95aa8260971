package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const requestsDDL = `
CREATE TABLE IF NOT EXISTS gateway_requests (
    id         UUID,
    session_id String,
    provider   LowCardinality(String),
    model      LowCardinality(String),
    route      LowCardinality(String),
    outcome    LowCardinality(String),
    code       LowCardinality(String),
    frames     UInt32,
    latency_ms UInt32,
    created_at DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (created_at, provider, model)
TTL toDateTime(created_at) + INTERVAL 90 DAY`

// ClickHouseSink batch-inserts request logs into the gateway_requests table.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects using a clickhouse:// DSN, verifies the
// connection and creates the table when missing.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: clickhouse ping: %w", err)
	}

	if err := conn.Exec(ctx, requestsDDL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("logger: clickhouse ddl: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, entries []RequestLog) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO gateway_requests")
	if err != nil {
		return fmt.Errorf("logger: clickhouse prepare: %w", err)
	}
	for _, e := range entries {
		err := batch.Append(
			e.ID,
			e.SessionID,
			e.Provider,
			e.Model,
			e.Route,
			e.Outcome,
			e.Code,
			e.Frames,
			e.LatencyMs,
			normalizeTime(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("logger: clickhouse append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("logger: clickhouse send: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
