package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer runs statements. *pgxpool.Pool satisfies it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SchemaStatements returns the DDL for the token ticks table.
func SchemaStatements(table string) []string {
	ident := pgx.Identifier{table}.Sanitize()
	index := pgx.Identifier{table + "_network_time_idx"}.Sanitize()

	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	source         TEXT             NOT NULL,
	epoch          UUID             NOT NULL,
	received_at    TIMESTAMPTZ      NOT NULL,
	block_time     TIMESTAMPTZ      NOT NULL,
	interval_start TIMESTAMPTZ      NOT NULL,
	interval_end   TIMESTAMPTZ      NOT NULL,
	duration_s     BIGINT           NOT NULL,
	network        TEXT             NOT NULL,
	token_id       TEXT             NOT NULL,
	address        TEXT             NOT NULL,
	symbol         TEXT             NOT NULL,
	name           TEXT             NOT NULL,
	is_native      BOOLEAN          NOT NULL,
	volume_base    DOUBLE PRECISION NOT NULL,
	volume_quote   DOUBLE PRECISION NOT NULL,
	volume_usd     DOUBLE PRECISION NOT NULL,
	quoted_in_usd  BOOLEAN          NOT NULL,
	price_open     DOUBLE PRECISION NOT NULL,
	price_high     DOUBLE PRECISION NOT NULL,
	price_low      DOUBLE PRECISION NOT NULL,
	price_close    DOUBLE PRECISION NOT NULL,
	avg_mean       DOUBLE PRECISION NOT NULL,
	avg_ema        DOUBLE PRECISION NOT NULL,
	avg_sma        DOUBLE PRECISION NOT NULL,
	avg_wsma       DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (source, token_id, interval_start)
)`, ident),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (network, interval_start DESC)`, index, ident),
	}
}

// EnsureSchema creates the token ticks table if needed and converts it to a
// hypertable when the timescaledb extension is available.
func EnsureSchema(ctx context.Context, db Execer, table string) error {
	for _, stmt := range SchemaStatements(table) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema for %s: %w", table, err)
		}
	}

	var hasTimescale bool
	err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`).Scan(&hasTimescale)
	if err != nil {
		return fmt.Errorf("check timescaledb extension: %w", err)
	}
	if !hasTimescale {
		return nil
	}

	_, err = db.Exec(ctx,
		`SELECT create_hypertable($1::regclass, 'interval_start', if_not_exists => TRUE, migrate_data => TRUE)`,
		pgx.Identifier{table}.Sanitize(),
	)
	if err != nil {
		return fmt.Errorf("create hypertable %s: %w", table, err)
	}
	return nil
}
