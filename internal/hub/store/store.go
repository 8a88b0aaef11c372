// Package store implements PersistentStore (§4.1): a durable append log of
// deltas, periodic snapshots, and per-client acknowledgement cursors backed
// by an embedded SQLite database in WAL mode.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	hubdb "github.com/patleeman/pi-deck/internal/db"
	"github.com/patleeman/pi-deck/internal/hub/model"
)

// Store is the SQLite-backed PersistentStore. Writes go through a single
// dedicated connection (db/sqlite.go's OpenSQLite enforces this); catch-up
// reads use a separate read-only pool so they never contend with the
// commit worker's writes (§5: "read-only transactions allowed concurrently
// with append").
type Store struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// Open creates (if needed) and opens the sync database at dbPath.
func Open(dbPath string) (*Store, error) {
	writerDB, err := hubdb.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	readerDB, err := hubdb.OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writerDB.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}

	s := &Store{
		writer: sqlx.NewDb(writerDB, "sqlite3"),
		reader: sqlx.NewDb(readerDB, "sqlite3"),
	}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			version INTEGER PRIMARY KEY,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS deltas (
			version INTEGER PRIMARY KEY,
			workspace_id TEXT,
			payload BLOB NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS clients (
			client_id TEXT PRIMARY KEY,
			last_ack_version INTEGER NOT NULL DEFAULT 0,
			last_seen INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_deltas_workspace ON deltas(workspace_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.writer.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

// Close closes both the writer and reader connections.
func (s *Store) Close() error {
	var firstErr error
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			firstErr = err
		}
	}
	if s.reader != nil {
		if err := s.reader.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Append durably writes one delta in a single transaction. It fails if the
// version already exists (§4.1): VersionedLog calls this strictly in
// version order under its single commit worker, so a collision means a bug
// upstream, not a race to recover from here.
func (s *Store) Append(ctx context.Context, version uint64, workspaceID string, mutation model.Mutation) error {
	payload, err := json.Marshal(mutation)
	if err != nil {
		return fmt.Errorf("marshal mutation: %w", err)
	}

	tx, err := s.writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.GetContext(ctx, &exists, `SELECT COUNT(1) FROM deltas WHERE version = ?`, version); err != nil {
		return fmt.Errorf("check existing version: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("delta version %d already present", version)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO deltas (version, workspace_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		version, workspaceID, payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert delta: %w", err)
	}
	return tx.Commit()
}

// WriteSnapshot durably persists a full state snapshot. Deltas strictly
// older than the caller-computed prune boundary MAY subsequently be pruned
// via PruneDeltasBefore.
func (s *Store) WriteSnapshot(ctx context.Context, version uint64, state *model.GlobalState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.writer.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshots (version, payload, created_at) VALUES (?, ?, ?)`,
		version, payload, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// PruneDeltasBefore removes deltas strictly older than version. Callers are
// responsible for computing a safe boundary (§4.1: min(snapshotVersion,
// minAckVersion - K)) before calling this.
func (s *Store) PruneDeltasBefore(ctx context.Context, version uint64) error {
	_, err := s.writer.ExecContext(ctx, `DELETE FROM deltas WHERE version < ?`, version)
	if err != nil {
		return fmt.Errorf("prune deltas: %w", err)
	}
	return nil
}

// LoadLatest returns the most recent snapshot (if any) and every delta
// committed after it, read atomically within a single read-only
// transaction (§4.1 loadLatest).
func (s *Store) LoadLatest(ctx context.Context) (*model.Snapshot, []model.Delta, error) {
	tx, err := s.reader.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("begin loadLatest tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	snapshot, err := latestSnapshot(ctx, tx)
	if err != nil {
		return nil, nil, err
	}

	since := uint64(0)
	if snapshot != nil {
		since = snapshot.Version
	}
	deltas, err := deltasAfter(ctx, tx, since, 0)
	if err != nil {
		return nil, nil, err
	}
	return snapshot, deltas, tx.Commit()
}

func latestSnapshot(ctx context.Context, q sqlx.QueryerContext) (*model.Snapshot, error) {
	var row struct {
		Version uint64 `db:"version"`
		Payload []byte `db:"payload"`
	}
	rows, err := q.QueryxContext(ctx, `SELECT version, payload FROM snapshots ORDER BY version DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, nil
	}
	if err := rows.StructScan(&row); err != nil {
		return nil, fmt.Errorf("scan snapshot: %w", err)
	}

	var state model.GlobalState
	if err := json.Unmarshal(row.Payload, &state); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot payload: %w", err)
	}
	return &model.Snapshot{Version: row.Version, State: &state}, nil
}

// DeltasSince returns the next window of deltas strictly after version, up
// to limit entries (0 = unbounded); used both by loadLatest and by SyncHub
// catch-up streaming (§4.1 deltasSince).
func (s *Store) DeltasSince(ctx context.Context, version uint64, limit int) ([]model.Delta, error) {
	return deltasAfter(ctx, s.reader, version, limit)
}

func deltasAfter(ctx context.Context, q sqlx.QueryerContext, since uint64, limit int) ([]model.Delta, error) {
	query := `SELECT version, payload FROM deltas WHERE version > ? ORDER BY version ASC`
	args := []interface{}{since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := q.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query deltas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var deltas []model.Delta
	for rows.Next() {
		var row struct {
			Version uint64 `db:"version"`
			Payload []byte `db:"payload"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scan delta: %w", err)
		}
		var mut model.Mutation
		if err := json.Unmarshal(row.Payload, &mut); err != nil {
			return nil, fmt.Errorf("unmarshal delta payload: %w", err)
		}
		deltas = append(deltas, model.Delta{Version: row.Version, Mutation: mut})
	}
	return deltas, rows.Err()
}

// ClientAck upserts a client's acknowledgement cursor. Monotonic: never
// moves last_ack_version backwards (§4.1 clientAck).
func (s *Store) ClientAck(ctx context.Context, clientID string, version uint64) error {
	_, err := s.writer.ExecContext(ctx, `
		INSERT INTO clients (client_id, last_ack_version, last_seen)
		VALUES (?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			last_ack_version = MAX(last_ack_version, excluded.last_ack_version),
			last_seen = excluded.last_seen
	`, clientID, version, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert client ack: %w", err)
	}
	return nil
}

// MinAckVersion returns the lowest last_ack_version across all known
// clients, used to compute the snapshot-pruning safety boundary (§4.1). It
// returns ok=false when there are no known clients yet (nothing to bound
// pruning by beyond the snapshot version itself).
func (s *Store) MinAckVersion(ctx context.Context) (version uint64, ok bool, err error) {
	var rows *sqlx.Rows
	rows, err = s.reader.QueryxContext(ctx, `SELECT MIN(last_ack_version) FROM clients`)
	if err != nil {
		return 0, false, fmt.Errorf("query min ack: %w", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return 0, false, nil
	}
	var min sql.NullInt64
	if err := rows.Scan(&min); err != nil {
		return 0, false, fmt.Errorf("scan min ack: %w", err)
	}
	if !min.Valid {
		return 0, false, nil
	}
	return uint64(min.Int64), true, nil
}
