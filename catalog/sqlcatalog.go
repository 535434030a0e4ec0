package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/wkalt/cstore/commitlog"
	"github.com/wkalt/cstore/segment"
)

/*
The SQL catalog keeps metadata in SQLite. Segment generations are handed out
from a counter row, reserved in batches so that most calls do not touch the
database. Generations skipped by a restart are never reused.
*/

////////////////////////////////////////////////////////////////////////////////

type sqlCatalog struct {
	db              *sql.DB
	reservationSize int

	mtx *sync.Mutex
	c   uint64
	max uint64
}

// NewSQLCatalog returns a catalog backed by db, migrating it if needed.
func NewSQLCatalog(ctx context.Context, db *sql.DB, reservationSize int) (Catalog, error) {
	c := &sqlCatalog{
		db:              db,
		reservationSize: reservationSize,
		mtx:             &sync.Mutex{},
	}
	if err := c.initialize(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *sqlCatalog) initialize(ctx context.Context) error {
	var maxApplied int64
	err := c.db.QueryRowContext(ctx, "select max(version) from schema_migrations").Scan(&maxApplied)
	if err == nil && maxApplied == 1 {
		return nil
	}
	if _, err := c.db.ExecContext(ctx, `
	create table if not exists generations (
		counter bigint not null
	);

	create table if not exists segments (
		table_id text not null,
		generation bigint not null,
		meta text not null,
		primary key (table_id, generation)
	);

	create table if not exists truncations (
		table_id text primary key,
		truncated_at bigint not null,
		replay_segment bigint not null,
		replay_offset bigint not null
	);

	create table schema_migrations(
		version bigint not null,
		timestamp text not null default current_timestamp
	);

	insert into schema_migrations(version) values (1);
	`); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

func (c *sqlCatalog) reserve(ctx context.Context, n int) error {
	var newMax uint64
	err := c.db.QueryRowContext(ctx,
		"update generations set counter = counter + $1 returning counter", n).Scan(&newMax)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to update generation counter: %w", err)
		}
		err = c.db.QueryRowContext(ctx,
			"insert into generations (counter) values ($1) returning counter", n).Scan(&newMax)
		if err != nil {
			return fmt.Errorf("failed to initialize generation counter: %w", err)
		}
	}
	c.max = newMax
	c.c = newMax - uint64(n)
	return nil
}

func (c *sqlCatalog) NextGeneration(ctx context.Context) (uint64, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.c >= c.max {
		if err := c.reserve(ctx, c.reservationSize); err != nil {
			return 0, err
		}
	}
	c.c++
	return c.c, nil
}

func (c *sqlCatalog) PutSegment(ctx context.Context, meta segment.Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode segment metadata: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
	insert into segments (table_id, generation, meta) values ($1, $2, $3)`,
		meta.Table.String(), meta.Generation, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to store segment: %w", err)
	}
	return nil
}

func (c *sqlCatalog) RemoveSegment(ctx context.Context, table uuid.UUID, generation uint64) error {
	res, err := c.db.ExecContext(ctx, `
	delete from segments where table_id = $1 and generation = $2`, table.String(), generation)
	if err != nil {
		return fmt.Errorf("failed to remove segment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count removed rows: %w", err)
	}
	if n == 0 {
		return SegmentNotFoundError{table, generation}
	}
	return nil
}

func (c *sqlCatalog) Segments(ctx context.Context, table uuid.UUID) ([]segment.Meta, error) {
	rows, err := c.db.QueryContext(ctx, `
	select meta from segments where table_id = $1 order by generation`, table.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()
	metas := []segment.Meta{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		var meta segment.Meta
		if err := json.Unmarshal([]byte(data), &meta); err != nil {
			return nil, fmt.Errorf("failed to decode segment metadata: %w", err)
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	return metas, nil
}

func (c *sqlCatalog) SaveTruncation(ctx context.Context, rec TruncationRecord) error {
	_, err := c.db.ExecContext(ctx, `
	insert into truncations (table_id, truncated_at, replay_segment, replay_offset)
	values ($1, $2, $3, $4)
	on conflict (table_id) do update set
		truncated_at = excluded.truncated_at,
		replay_segment = excluded.replay_segment,
		replay_offset = excluded.replay_offset`,
		rec.Table.String(), rec.TruncatedAt.UnixNano(), rec.ReplayAfter.Segment, rec.ReplayAfter.Offset,
	)
	if err != nil {
		return fmt.Errorf("failed to save truncation record: %w", err)
	}
	return nil
}

func (c *sqlCatalog) Truncation(ctx context.Context, table uuid.UUID) (TruncationRecord, error) {
	var nanos int64
	var pos commitlog.Position
	err := c.db.QueryRowContext(ctx, `
	select truncated_at, replay_segment, replay_offset from truncations where table_id = $1`,
		table.String(),
	).Scan(&nanos, &pos.Segment, &pos.Offset)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TruncationRecord{}, ErrTruncationNotFound
		}
		return TruncationRecord{}, fmt.Errorf("failed to read truncation record: %w", err)
	}
	return TruncationRecord{Table: table, TruncatedAt: time.Unix(0, nanos), ReplayAfter: pos}, nil
}

func (c *sqlCatalog) Truncations(ctx context.Context) (map[uuid.UUID]TruncationRecord, error) {
	rows, err := c.db.QueryContext(ctx, `
	select table_id, truncated_at, replay_segment, replay_offset from truncations`)
	if err != nil {
		return nil, fmt.Errorf("failed to list truncation records: %w", err)
	}
	defer rows.Close()
	out := map[uuid.UUID]TruncationRecord{}
	for rows.Next() {
		var id string
		var nanos int64
		var pos commitlog.Position
		if err := rows.Scan(&id, &nanos, &pos.Segment, &pos.Offset); err != nil {
			return nil, fmt.Errorf("failed to scan truncation record: %w", err)
		}
		table, err := uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("failed to parse table ID: %w", err)
		}
		out[table] = TruncationRecord{Table: table, TruncatedAt: time.Unix(0, nanos), ReplayAfter: pos}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list truncation records: %w", err)
	}
	return out, nil
}

func (c *sqlCatalog) RemoveTable(ctx context.Context, table uuid.UUID) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "delete from segments where table_id = $1", table.String()); err != nil {
		return fmt.Errorf("failed to remove segments: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "delete from truncations where table_id = $1", table.String()); err != nil {
		return fmt.Errorf("failed to remove truncation record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
