// Package postgres provides the PostgreSQL-backed Store implementation.
// It uses pgx/v5 (pure Go, no CGO) and runs embedded migrations at startup.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meshbus/warden/partition"
	"github.com/meshbus/warden/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB implements store.Store using PostgreSQL via pgx/v5.
type DB struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool, runs migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}

	return &DB{pool: pool}, nil
}

// RunMigrations applies all pending up-migrations against dsn.
// Safe to call multiple times — ErrNoChange is treated as success.
// Called by warden-migrate (as exported) and by Open (internally).
func RunMigrations(dsn string) error { return runMigrations(dsn) }

func runMigrations(dsn string) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("iofs source: %w", err)
	}
	migrateURL := toMigrateURL(dsn)
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL)
	if err != nil {
		return fmt.Errorf("migrate.New: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// toMigrateURL converts a postgres:// or postgresql:// DSN to the pgx5://
// scheme expected by golang-migrate's pgx/v5 driver.
func toMigrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(dsn, prefix) {
			return "pgx5://" + dsn[len(prefix):]
		}
	}
	return "pgx5://" + dsn
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// ---- coordination procedure ----

// ProcessWorkBatch performs the single round trip into wh_process_work_batch.
// Every phase described in the data model — heartbeat, eviction, ranking,
// completion/failure ingest, stream cleanup, lease renewal, new-message
// persistence, event-store append, orphan reclamation, and result
// selection — runs server-side inside that one function call.
func (d *DB) ProcessWorkBatch(ctx context.Context, req store.BatchRequest) (*store.BatchResult, error) {
	// partition.Of is the single authoritative stream→partition hash;
	// the procedure trusts whatever it's handed here rather than
	// rehashing the stream id itself.
	for i := range req.NewOutbox {
		req.NewOutbox[i].PartitionNum = partition.Of(req.NewOutbox[i].StreamID, req.PartitionCount)
	}
	for i := range req.NewInbox {
		req.NewInbox[i].PartitionNum = partition.Of(req.NewInbox[i].StreamID, req.PartitionCount)
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal batch request: %w", err)
	}

	var resultJSON []byte
	err = d.pool.QueryRow(ctx, `SELECT wh_process_work_batch($1)`, reqJSON).Scan(&resultJSON)
	if err != nil {
		return nil, fmt.Errorf("wh_process_work_batch: %w", err)
	}

	var result store.BatchResult
	if err := json.Unmarshal(resultJSON, &result); err != nil {
		return nil, fmt.Errorf("unmarshal batch result: %w", err)
	}
	return &result, nil
}

// ---- event store reads ----

func (d *DB) EventsAfter(ctx context.Context, streamID string, afterVersion int64, limit int) ([]store.EventStoreRow, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, stream_id, version, event_type, payload, created_at
		FROM wh_event_store
		WHERE stream_id = $1 AND version > $2
		ORDER BY version
		LIMIT $3
	`, streamID, afterVersion, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []store.EventStoreRow
	for rows.Next() {
		var e store.EventStoreRow
		if err := rows.Scan(&e.ID, &e.StreamID, &e.Version, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (d *DB) ListActiveStreamsForOwner(ctx context.Context, ownerID uuid.UUID) ([]store.ActiveStream, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT stream_id, partition_num, owner_id, last_seen_at
		FROM wh_active_streams WHERE owner_id = $1
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list active streams: %w", err)
	}
	defer rows.Close()

	var streams []store.ActiveStream
	for rows.Next() {
		var s store.ActiveStream
		if err := rows.Scan(&s.StreamID, &s.PartitionNum, &s.OwnerID, &s.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan active stream: %w", err)
		}
		streams = append(streams, s)
	}
	return streams, rows.Err()
}

// ---- checkpoints ----

func (d *DB) GetPerspectiveCheckpoint(ctx context.Context, perspectiveName, streamID string) (*store.PerspectiveCheckpoint, error) {
	var c store.PerspectiveCheckpoint
	err := d.pool.QueryRow(ctx, `
		SELECT perspective_name, stream_id, last_event_id, updated_at
		FROM wh_perspective_checkpoints WHERE perspective_name = $1 AND stream_id = $2
	`, perspectiveName, streamID).Scan(&c.PerspectiveName, &c.StreamID, &c.LastEventID, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get perspective checkpoint: %w", err)
	}
	return &c, nil
}

func (d *DB) SetPerspectiveCheckpoint(ctx context.Context, perspectiveName, streamID string, lastEventID int64) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO wh_perspective_checkpoints (perspective_name, stream_id, last_event_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (perspective_name, stream_id) DO UPDATE
			SET last_event_id = $3, updated_at = now()
	`, perspectiveName, streamID, lastEventID)
	if err != nil {
		return fmt.Errorf("set perspective checkpoint: %w", err)
	}
	return nil
}

func (d *DB) GetReceptorCheckpoint(ctx context.Context, receptorName, streamID string) (*store.ReceptorProcessing, error) {
	var r store.ReceptorProcessing
	var lastInboxID *uuid.UUID
	err := d.pool.QueryRow(ctx, `
		SELECT receptor_name, stream_id, last_inbox_id, updated_at
		FROM wh_receptor_processing WHERE receptor_name = $1 AND stream_id = $2
	`, receptorName, streamID).Scan(&r.ReceptorName, &r.StreamID, &lastInboxID, &r.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get receptor checkpoint: %w", err)
	}
	if lastInboxID != nil {
		r.LastInboxID = *lastInboxID
	}
	return &r, nil
}

func (d *DB) SetReceptorCheckpoint(ctx context.Context, receptorName, streamID string, lastInboxID uuid.UUID) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO wh_receptor_processing (receptor_name, stream_id, last_inbox_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (receptor_name, stream_id) DO UPDATE
			SET last_inbox_id = $3, updated_at = now()
	`, receptorName, streamID, lastInboxID)
	if err != nil {
		return fmt.Errorf("set receptor checkpoint: %w", err)
	}
	return nil
}

// ---- message associations ----

func (d *DB) ListMessageAssociations(ctx context.Context, eventType string) ([]store.MessageAssociation, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT event_type, receptor_name, perspective_name
		FROM wh_message_associations WHERE event_type = $1
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("query message associations: %w", err)
	}
	defer rows.Close()

	var assocs []store.MessageAssociation
	for rows.Next() {
		var a store.MessageAssociation
		var receptor, perspective *string
		if err := rows.Scan(&a.EventType, &receptor, &perspective); err != nil {
			return nil, fmt.Errorf("scan message association: %w", err)
		}
		if receptor != nil {
			a.ReceptorName = *receptor
		}
		if perspective != nil {
			a.PerspectiveName = *perspective
		}
		assocs = append(assocs, a)
	}
	return assocs, rows.Err()
}

// ---- config ----

func (d *DB) GetConfig(ctx context.Context) (map[string]any, error) {
	var raw []byte
	err := d.pool.QueryRow(ctx, `SELECT data FROM wh_config WHERE id = 1`).Scan(&raw)
	if err == pgx.ErrNoRows {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get config: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

func (d *DB) SetConfig(ctx context.Context, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = d.pool.Exec(ctx, `
		INSERT INTO wh_config (id, data) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET data = $1
	`, raw)
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}
