package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	log_id             INTEGER PRIMARY KEY AUTOINCREMENT,
	checkpoint_id      TEXT    NOT NULL UNIQUE,
	thread_id          TEXT    NOT NULL,
	sequence           INTEGER NOT NULL,
	title              TEXT    NOT NULL DEFAULT '',
	state_json         TEXT    NOT NULL,
	created_at_unix_ms INTEGER NOT NULL,
	UNIQUE (thread_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints (thread_id, sequence);
`

// SQLiteStore persists checkpoints in a SQLite database.
// The pool is limited to one connection, which serializes commits.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the SQLite database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("chatgraph: missing sqlite path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func initSQLite(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Commit appends state as the next checkpoint of the thread.
func (s *SQLiteStore) Commit(ctx context.Context, threadID string, state State) (string, error) {
	if err := validateThreadID(threadID); err != nil {
		return "", writeFailed(err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", writeFailed(err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev *State
	seq := uint64(1)
	var lastSeq uint64
	var lastJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT sequence, state_json FROM checkpoints WHERE thread_id = ? ORDER BY sequence DESC LIMIT 1`,
		threadID,
	).Scan(&lastSeq, &lastJSON)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return "", writeFailed(err)
	default:
		last, err := decodeCheckpoint([]byte(lastJSON))
		if err != nil {
			return "", writeFailed(err)
		}
		prev = &last.State
		seq = lastSeq + 1
	}
	if err := CheckAppend(prev, state); err != nil {
		return "", writeFailed(err)
	}

	ckpt := Checkpoint{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Sequence:  seq,
		State:     state,
		CreatedAt: s.now().UTC(),
	}
	data, err := encodeCheckpoint(ckpt)
	if err != nil {
		return "", writeFailed(err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO checkpoints (checkpoint_id, thread_id, sequence, title, state_json, created_at_unix_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		ckpt.ID, threadID, seq, state.Metadata.Title, string(data), ckpt.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return "", writeFailed(err)
	}
	if err := tx.Commit(); err != nil {
		return "", writeFailed(err)
	}
	return ckpt.ID, nil
}

// Latest returns the newest checkpoint of the thread.
func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM checkpoints WHERE thread_id = ? ORDER BY sequence DESC LIMIT 1`,
		threadID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	if err != nil {
		return Checkpoint{}, err
	}
	return decodeCheckpoint([]byte(data))
}

// Get returns the checkpoint at sequence.
func (s *SQLiteStore) Get(ctx context.Context, threadID string, sequence uint64) (Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT state_json FROM checkpoints WHERE thread_id = ? AND sequence = ?`,
		threadID, sequence,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, fmt.Errorf("%w: thread %s sequence %d", ErrNotFound, threadID, sequence)
	}
	if err != nil {
		return Checkpoint{}, err
	}
	return decodeCheckpoint([]byte(data))
}

// History returns every checkpoint of the thread in sequence order.
func (s *SQLiteStore) History(ctx context.Context, threadID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state_json FROM checkpoints WHERE thread_id = ? ORDER BY sequence ASC`,
		threadID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		ckpt, err := decodeCheckpoint([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, ckpt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	return out, nil
}

// ListThreads returns thread IDs, most recently committed first.
func (s *SQLiteStore) ListThreads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id FROM checkpoints GROUP BY thread_id ORDER BY MAX(log_id) DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListThreadsWithTitles returns titled threads, most recently committed first.
func (s *SQLiteStore) ListThreadsWithTitles(ctx context.Context) ([]ThreadTitle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.thread_id, c.title
		FROM checkpoints c
		JOIN (SELECT thread_id, MAX(sequence) AS sequence FROM checkpoints GROUP BY thread_id) latest
			ON c.thread_id = latest.thread_id AND c.sequence = latest.sequence
		WHERE c.title <> ''
		ORDER BY c.log_id DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ThreadTitle{}
	for rows.Next() {
		var tt ThreadTitle
		if err := rows.Scan(&tt.ThreadID, &tt.Title); err != nil {
			return nil, err
		}
		out = append(out, tt)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
