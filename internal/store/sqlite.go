package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/queue"
)

// SQLite is the Store backed by the tables created in storage.BootstrapSQLite.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	slots map[cell.CellID]chan struct{}
}

func NewSQLite(db *sql.DB, logger *slog.Logger) *SQLite {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLite{db: db, logger: logger, slots: make(map[cell.CellID]chan struct{})}
}

func genesisHash(id cell.CellID) cell.CommitHash {
	sum := blake3.Sum256([]byte("genesis\x00" + id.String()))
	return cell.NewCommitHash(sum[:])
}

func (s *SQLite) InitCell(ctx context.Context, id cell.CellID, databases []string) (cell.CommitHash, error) {
	if id.IsZero() {
		return "", fmt.Errorf("init cell: empty cell id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
INSERT INTO cells(cell_id, dna_hash, agent, created_at) VALUES(?, ?, ?, ?)
ON CONFLICT(cell_id) DO NOTHING;
`, id.String(), string(id.Dna), string(id.Agent), now)
	if err != nil {
		return "", fmt.Errorf("insert cell: %w", err)
	}
	created, err := res.RowsAffected()
	if err != nil {
		return "", err
	}

	for _, name := range databases {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO cell_databases(cell_id, name) VALUES(?, ?) ON CONFLICT DO NOTHING;
`, id.String(), name); err != nil {
			return "", fmt.Errorf("create database %q: %w", name, err)
		}
	}

	genesis := genesisHash(id)
	if created == 1 {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO commits(cell_id, seq, hash, prev_hash, committed_at) VALUES(?, 0, ?, NULL, ?);
`, id.String(), string(genesis), now); err != nil {
			return "", fmt.Errorf("insert genesis commit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return genesis, nil
}

func (s *SQLite) Head(ctx context.Context, id cell.CellID) (Snapshot, error) {
	return headOf(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func headOf(ctx context.Context, q queryer, id cell.CellID) (Snapshot, error) {
	var (
		seq  int64
		hash string
	)
	err := q.QueryRowContext(ctx, `
SELECT seq, hash FROM commits WHERE cell_id = ? ORDER BY seq DESC LIMIT 1;
`, id.String()).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrCellNotFound, id)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read head: %w", err)
	}
	return Snapshot{Cell: id, Seq: uint64(seq), Hash: cell.CommitHash(hash)}, nil
}

func (s *SQLite) BeginRead(ctx context.Context, id cell.CellID, asAt cell.CommitHash) (ReadHandle, error) {
	if asAt == "" {
		snap, err := s.Head(ctx, id)
		if err != nil {
			return nil, err
		}
		return &sqliteRead{db: s.db, snap: snap}, nil
	}

	var seq int64
	err := s.db.QueryRowContext(ctx, `
SELECT seq FROM commits WHERE cell_id = ? AND hash = ?;
`, id.String(), string(asAt)).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		if _, herr := s.Head(ctx, id); herr != nil {
			return nil, herr
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownSnapshot, asAt)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve snapshot: %w", err)
	}
	return &sqliteRead{db: s.db, snap: Snapshot{Cell: id, Seq: uint64(seq), Hash: asAt}}, nil
}

func (s *SQLite) slot(id cell.CellID) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.slots[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.slots[id] = ch
	}
	return ch
}

// BeginWrite waits for the cell's write slot or ctx.
func (s *SQLite) BeginWrite(ctx context.Context, id cell.CellID) (WriteHandle, error) {
	if _, err := s.Head(ctx, id); err != nil {
		return nil, err
	}
	ch := s.slot(id)
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &sqliteWrite{store: s, cell: id, slot: ch}, nil
}

type sqliteWrite struct {
	store *SQLite
	cell  cell.CellID
	slot  chan struct{}

	once     sync.Once
	released bool
}

func (w *sqliteWrite) Release() {
	w.once.Do(func() {
		w.released = true
		<-w.slot
	})
}

func (w *sqliteWrite) Apply(ctx context.Context, cs CommitSet) (Snapshot, error) {
	if w.released {
		return Snapshot{}, ErrReleasedHandle
	}
	if cs.Cell != w.cell {
		return Snapshot{}, fmt.Errorf("%w: commit set for %s applied to %s", ErrInvalidCommitSet, cs.Cell, w.cell)
	}

	db := w.store.db
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	head, err := headOf(ctx, tx, w.cell)
	if err != nil {
		return Snapshot{}, err
	}
	if cs.Base.Seq > head.Seq {
		return Snapshot{}, fmt.Errorf("%w: base seq %d beyond head %d", ErrInvalidCommitSet, cs.Base.Seq, head.Seq)
	}
	seq := head.Seq + 1
	cellKey := w.cell.String()

	h := blake3.New()
	prev, _ := head.Hash.Bytes()
	_, _ = h.Write(prev)
	_, _ = h.Write(binary.BigEndian.AppendUint64(nil, seq))

	for _, op := range cs.Ops {
		if err := requireDatabase(ctx, tx, cellKey, op.DB); err != nil {
			return Snapshot{}, err
		}
		var newer int
		err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM kv WHERE cell_id = ? AND db = ? AND key = ? AND seq > ? AND seq <= ?;
`, cellKey, op.DB, op.Key, int64(cs.Base.Seq), int64(head.Seq)).Scan(&newer)
		if err != nil {
			return Snapshot{}, fmt.Errorf("conflict check: %w", err)
		}
		if newer > 0 {
			return Snapshot{}, fmt.Errorf("%w: %s/%s changed after seq %d", ErrWriteConflict, op.DB, op.Key, cs.Base.Seq)
		}

		deleted := 0
		var value any = op.Value
		if op.Delete {
			deleted, value = 1, nil
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO kv(cell_id, db, key, seq, value, deleted) VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(cell_id, db, key, seq) DO UPDATE SET value = excluded.value, deleted = excluded.deleted;
`, cellKey, op.DB, op.Key, int64(seq), value, deleted); err != nil {
			return Snapshot{}, fmt.Errorf("write %s/%s: %w", op.DB, op.Key, err)
		}
		_, _ = h.Write([]byte(op.DB + "\x00" + op.Key + "\x00"))
		_, _ = h.Write(op.Value)
	}

	if len(cs.Appends) > 0 {
		if err := appendChain(ctx, tx, cellKey, seq, cs.Appends); err != nil {
			return Snapshot{}, err
		}
		for _, e := range cs.Appends {
			_, _ = h.Write([]byte(e.Address))
		}
	}

	for _, tr := range cs.Triggers {
		tr.CellID = cellKey
		tr.CommitSeq = seq
		if _, _, err := queue.EnqueueIn(ctx, tx, tr); err != nil {
			return Snapshot{}, err
		}
	}

	hash := cell.NewCommitHash(h.Sum(nil))
	if _, err := tx.ExecContext(ctx, `
INSERT INTO commits(cell_id, seq, hash, prev_hash, committed_at) VALUES(?, ?, ?, ?, ?);
`, cellKey, int64(seq), string(hash), string(head.Hash), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return Snapshot{}, fmt.Errorf("insert commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Snapshot{}, fmt.Errorf("commit tx: %w", err)
	}

	w.store.logger.Debug("applied commit set",
		"cell", cellKey, "seq", seq, "ops", len(cs.Ops), "appends", len(cs.Appends), "triggers", len(cs.Triggers))
	return Snapshot{Cell: w.cell, Seq: seq, Hash: hash}, nil
}

func requireDatabase(ctx context.Context, tx *sql.Tx, cellKey, name string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `
SELECT COUNT(*) FROM cell_databases WHERE cell_id = ? AND name = ?;
`, cellKey, name).Scan(&n); err != nil {
		return fmt.Errorf("check database %q: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: database %q", ErrStoreNotInitialized, name)
	}
	return nil
}

// appendChain links entries after the current chain head, in order.
func appendChain(ctx context.Context, tx *sql.Tx, cellKey string, commitSeq uint64, entries []cell.SignedEntry) error {
	var (
		chainSeq int64 = -1
		prev     sql.NullString
	)
	err := tx.QueryRowContext(ctx, `
SELECT seq, address FROM chain WHERE cell_id = ? ORDER BY seq DESC LIMIT 1;
`, cellKey).Scan(&chainSeq, &prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read chain head: %w", err)
	}

	for _, e := range entries {
		if e.Address == "" || len(e.Signature) == 0 {
			return fmt.Errorf("%w: unsigned entry", ErrInvalidCommitSet)
		}
		chainSeq++
		content := string(e.Content)
		if content == "" {
			content = "null"
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO chain(cell_id, seq, address, prev, entry_type, content, author, signature, created_at, commit_seq)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, cellKey, chainSeq, string(e.Address), prev, e.Type, content, string(e.Author), e.Signature,
			e.Timestamp.UTC().Format(time.RFC3339Nano), int64(commitSeq)); err != nil {
			return fmt.Errorf("append chain entry: %w", err)
		}
		prev = sql.NullString{String: string(e.Address), Valid: true}
	}
	return nil
}
