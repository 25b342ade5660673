// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Query-farm/wart-worker/series"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS wart_nodes (
	space text NOT NULL,
	id    text NOT NULL,
	tag   text NOT NULL,
	props jsonb NOT NULL DEFAULT '{}',
	seq   bigserial,
	PRIMARY KEY (space, id, tag)
);
CREATE TABLE IF NOT EXISTS wart_edges (
	space text NOT NULL,
	tag   text NOT NULL,
	src   text NOT NULL,
	dst   text NOT NULL,
	props jsonb NOT NULL DEFAULT '{}',
	seq   bigserial
);
CREATE INDEX IF NOT EXISTS wart_edges_src ON wart_edges (space, tag, src);
CREATE INDEX IF NOT EXISTS wart_edges_dst ON wart_edges (space, tag, dst);
`

// Postgres is a Backend over two tables, wart_nodes and wart_edges.
// Node ids are stored as text ("i:42" or "s:alice") and properties as
// jsonb. Rows come back in insertion order.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, retrying the first ping with exponential
// backoff, and makes sure the schema exists.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	ping := func() error { return pool.Ping(ctx) }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(ping, policy); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing pool. Call Migrate before first use.
func NewPostgres(pool *pgxpool.Pool) *Postgres { return &Postgres{pool: pool} }

func (p *Postgres) Close() { p.pool.Close() }

// Migrate creates the tables and indexes if they are missing.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate graph schema: %w", err)
	}
	return nil
}

// UpsertNode attaches tag with props to node id.
func (p *Postgres) UpsertNode(ctx context.Context, space string, id NodeID, tag string, props map[string]any) error {
	if props == nil {
		props = map[string]any{}
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO wart_nodes (space, id, tag, props) VALUES ($1, $2, $3, $4)
		ON CONFLICT (space, id, tag) DO UPDATE SET props = EXCLUDED.props`,
		space, idText(id), tag, props)
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", id, err)
	}
	return nil
}

// InsertEdge adds a directed edge of type tag.
func (p *Postgres) InsertEdge(ctx context.Context, space, tag string, src, dst NodeID, props map[string]any) error {
	if props == nil {
		props = map[string]any{}
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO wart_edges (space, tag, src, dst, props) VALUES ($1, $2, $3, $4, $5)`,
		space, tag, idText(src), idText(dst), props)
	if err != nil {
		return fmt.Errorf("insert edge %s->%s: %w", src, dst, err)
	}
	return nil
}

// DeleteSpace removes every node and edge of space.
func (p *Postgres) DeleteSpace(ctx context.Context, space string) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM wart_edges WHERE space = $1`, space); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM wart_nodes WHERE space = $1`, space)
		return err
	})
}

func (p *Postgres) ChoiceNodes(ctx context.Context, space, tag string, n int) (*series.Table, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id FROM wart_nodes WHERE space = $1 AND tag = $2 ORDER BY seq LIMIT $3`,
		space, tag, n)
	if err != nil {
		return nil, fmt.Errorf("choice nodes: %w", err)
	}
	texts, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("choice nodes: %w", err)
	}
	ids := make([]NodeID, len(texts))
	for i, t := range texts {
		if ids[i], err = parseIDText(t); err != nil {
			return nil, err
		}
	}
	return idTable(tag, ids)
}

func (p *Postgres) FetchNode(ctx context.Context, space string, id NodeID, tag string, keys []string) (*series.Table, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT props FROM wart_nodes WHERE space = $1 AND id = $2 AND tag = $3`,
		space, idText(id), tag)
	if err != nil {
		return nil, fmt.Errorf("fetch node %s: %w", id, err)
	}
	props, err := pgx.CollectRows(rows, pgx.RowTo[map[string]any])
	if err != nil {
		return nil, fmt.Errorf("fetch node %s: %w", id, err)
	}
	for _, pr := range props {
		normalizeProps(pr)
	}
	return propTable(tag, nil, keys, props)
}

func (p *Postgres) FetchNeighbors(ctx context.Context, space string, id NodeID, tag string, keys []string, reversely bool) (*series.Table, error) {
	query := `SELECT dst, props FROM wart_edges WHERE space = $1 AND tag = $2 AND src = $3 ORDER BY seq`
	if reversely {
		query = `SELECT src, props FROM wart_edges WHERE space = $1 AND tag = $2 AND dst = $3 ORDER BY seq`
	}
	rows, err := p.pool.Query(ctx, query, space, tag, idText(id))
	if err != nil {
		return nil, fmt.Errorf("fetch neighbors of %s: %w", id, err)
	}
	defer rows.Close()

	ids := []NodeID{}
	var props []map[string]any
	for rows.Next() {
		var (
			text string
			pr   map[string]any
		)
		if err := rows.Scan(&text, &pr); err != nil {
			return nil, fmt.Errorf("fetch neighbors of %s: %w", id, err)
		}
		other, err := parseIDText(text)
		if err != nil {
			return nil, err
		}
		ids = append(ids, other)
		props = append(props, normalizeProps(pr))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch neighbors of %s: %w", id, err)
	}
	return propTable(tag, ids, keys, props)
}

func idText(id NodeID) string {
	if id.IsStr {
		return "s:" + id.Str
	}
	return "i:" + strconv.FormatInt(id.Int, 10)
}

func parseIDText(t string) (NodeID, error) {
	switch {
	case strings.HasPrefix(t, "s:"):
		return StrID(t[2:]), nil
	case strings.HasPrefix(t, "i:"):
		n, err := strconv.ParseInt(t[2:], 10, 64)
		if err != nil {
			return NodeID{}, fmt.Errorf("graph: bad stored id %q: %w", t, err)
		}
		return IntID(n), nil
	default:
		return NodeID{}, fmt.Errorf("graph: bad stored id %q", t)
	}
}
