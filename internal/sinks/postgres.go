package sinks

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// overviewSchema is created on connect if absent. Additive schema only.
const overviewSchema = `
CREATE TABLE IF NOT EXISTS option_overviews (
    cycle            BIGINT       NOT NULL,
    ts               TIMESTAMPTZ  NOT NULL,
    index_symbol     TEXT         NOT NULL,
    expiry_rule      TEXT         NOT NULL,
    expiry           DATE         NOT NULL,
    options_count    INT          NOT NULL,
    pcr              DOUBLE PRECISION NOT NULL,
    strike_coverage  DOUBLE PRECISION NOT NULL,
    field_coverage   DOUBLE PRECISION NOT NULL,
    status           TEXT         NOT NULL,
    PRIMARY KEY (cycle, index_symbol, expiry_rule)
)`

const overviewUpsert = `
INSERT INTO option_overviews
    (cycle, ts, index_symbol, expiry_rule, expiry, options_count, pcr,
     strike_coverage, field_coverage, status)
VALUES
    (:cycle, :ts, :index_symbol, :expiry_rule, :expiry, :options_count, :pcr,
     :strike_coverage, :field_coverage, :status)
ON CONFLICT (cycle, index_symbol, expiry_rule) DO UPDATE SET
    ts = EXCLUDED.ts,
    options_count = EXCLUDED.options_count,
    pcr = EXCLUDED.pcr,
    strike_coverage = EXCLUDED.strike_coverage,
    field_coverage = EXCLUDED.field_coverage,
    status = EXCLUDED.status`

// PostgresSink persists the per-cycle overview aggregates. Option rows stay
// in CSV/redis; postgres keeps the queryable roll-up.
type PostgresSink struct {
	db *sqlx.DB
}

// NewPostgresSink connects and ensures the schema.
func NewPostgresSink(dsn string) (*PostgresSink, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres sink connect: %w", err)
	}
	if _, err := db.Exec(overviewSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres sink schema: %w", err)
	}
	return &PostgresSink{db: db}, nil
}

// NewPostgresSinkWith wraps an existing handle; tests inject sqlmock here.
func NewPostgresSinkWith(db *sqlx.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (p *PostgresSink) Name() string { return "postgres" }

// WriteOptions is a no-op: per-option rows are out of the overview sink's
// contract.
func (p *PostgresSink) WriteOptions(context.Context, []OptionRow) error { return nil }

func (p *PostgresSink) WriteOverview(ctx context.Context, ov OverviewRow) error {
	if _, err := p.db.NamedExecContext(ctx, overviewUpsert, ov); err != nil {
		return fmt.Errorf("postgres sink upsert: %w", err)
	}
	return nil
}

func (p *PostgresSink) Close() error {
	if err := p.db.Close(); err != nil {
		log.Warn().Err(err).Msg("postgres sink close")
		return err
	}
	return nil
}
