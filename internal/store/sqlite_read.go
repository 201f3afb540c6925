package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/cellhost/internal/cell"
)

// sqliteRead filters every query by seq <= snap.Seq. It holds no
// transaction, so an open read never blocks a writer.
type sqliteRead struct {
	db   *sql.DB
	snap Snapshot
}

func (r *sqliteRead) Snapshot() Snapshot { return r.snap }

func (r *sqliteRead) Close() {}

func (r *sqliteRead) cellKey() string { return r.snap.Cell.String() }

func (r *sqliteRead) HasDatabase(ctx context.Context, db string) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM cell_databases WHERE cell_id = ? AND name = ?;
`, r.cellKey(), db).Scan(&n); err != nil {
		return false, fmt.Errorf("check database %q: %w", db, err)
	}
	return n > 0, nil
}

func (r *sqliteRead) Get(ctx context.Context, db, key string) ([]byte, bool, error) {
	var (
		value   []byte
		deleted int
	)
	err := r.db.QueryRowContext(ctx, `
SELECT value, deleted FROM kv
WHERE cell_id = ? AND db = ? AND key = ? AND seq <= ?
ORDER BY seq DESC LIMIT 1;
`, r.cellKey(), db, key, int64(r.snap.Seq)).Scan(&value, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s/%s: %w", db, key, err)
	}
	if deleted == 1 {
		return nil, false, nil
	}
	return value, true, nil
}

// liveKeys selects the newest version of each key at the snapshot.
const liveKeys = `
SELECT k.key, k.value FROM kv k
WHERE k.cell_id = ? AND k.db = ? AND substr(k.key, 1, ?) = ? AND k.deleted = 0
  AND k.seq = (
    SELECT MAX(k2.seq) FROM kv k2
    WHERE k2.cell_id = k.cell_id AND k2.db = k.db AND k2.key = k.key AND k2.seq <= ?
  )
ORDER BY k.key ASC`

func (r *sqliteRead) Scan(ctx context.Context, db, prefix string) ([]KV, error) {
	rows, err := r.db.QueryContext(ctx, liveKeys+";", r.cellKey(), db, len(prefix), prefix, int64(r.snap.Seq))
	if err != nil {
		return nil, fmt.Errorf("scan %s/%s: %w", db, prefix, err)
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("scan %s: %w", db, err)
		}
		out = append(out, kv)
	}
	return out, rows.Err()
}

func (r *sqliteRead) IsEmpty(ctx context.Context, db string) (bool, error) {
	rows, err := r.db.QueryContext(ctx, liveKeys+" LIMIT 1;", r.cellKey(), db, 0, "", int64(r.snap.Seq))
	if err != nil {
		return false, fmt.Errorf("probe %s: %w", db, err)
	}
	defer rows.Close()
	return !rows.Next(), rows.Err()
}

const chainColumns = `seq, address, prev, entry_type, content, author, signature, created_at, commit_seq`

func (r *sqliteRead) Chain(ctx context.Context, entryType string) ([]cell.ChainRecord, error) {
	query := `SELECT ` + chainColumns + ` FROM chain WHERE cell_id = ? AND commit_seq <= ?`
	args := []any{r.cellKey(), int64(r.snap.Seq)}
	if entryType != "" {
		query += ` AND entry_type = ?`
		args = append(args, entryType)
	}
	rows, err := r.db.QueryContext(ctx, query+` ORDER BY seq ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer rows.Close()

	var out []cell.ChainRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *sqliteRead) Record(ctx context.Context, addr cell.EntryHash) (cell.ChainRecord, bool, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+chainColumns+` FROM chain
WHERE cell_id = ? AND address = ? AND commit_seq <= ?
ORDER BY seq ASC LIMIT 1;
`, r.cellKey(), string(addr), int64(r.snap.Seq))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cell.ChainRecord{}, false, nil
	}
	if err != nil {
		return cell.ChainRecord{}, false, err
	}
	return rec, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (cell.ChainRecord, error) {
	var (
		rec       cell.ChainRecord
		seq       int64
		commitSeq int64
		prev      sql.NullString
		address   string
		author    string
		content   string
		createdAt string
	)
	if err := row.Scan(&seq, &address, &prev, &rec.Type, &content, &author, &rec.Signature, &createdAt, &commitSeq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan chain record: %w", err)
	}
	rec.Seq = uint64(seq)
	rec.CommitSeq = uint64(commitSeq)
	rec.Address = cell.EntryHash(address)
	rec.Author = cell.AgentPubKey(author)
	rec.Content = json.RawMessage(content)
	if prev.Valid {
		rec.Prev = cell.EntryHash(prev.String)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return rec, fmt.Errorf("parse entry timestamp: %w", err)
	}
	rec.Timestamp = ts
	return rec, nil
}
