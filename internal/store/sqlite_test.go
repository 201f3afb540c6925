package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/queue"
	"github.com/mattjoyce/cellhost/internal/storage"
)

func testCell(name string) cell.CellID {
	dna := blake3.Sum256([]byte("dna-" + name))
	agent := blake3.Sum256([]byte("agent-" + name))
	return cell.CellID{Dna: cell.NewDnaHash(dna[:]), Agent: cell.NewAgentPubKey(agent[:])}
}

func openTestStore(t *testing.T) (*SQLite, *queue.Queue) {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "cells.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLite(db, nil), queue.New(db)
}

func commit(t *testing.T, s *SQLite, cs CommitSet) Snapshot {
	t.Helper()
	w, err := s.BeginWrite(context.Background(), cs.Cell)
	require.NoError(t, err)
	defer w.Release()
	snap, err := w.Apply(context.Background(), cs)
	require.NoError(t, err)
	return snap
}

func signed(typ, addr string) cell.SignedEntry {
	sum := blake3.Sum256([]byte(addr))
	return cell.SignedEntry{
		Entry: cell.Entry{
			Type:      typ,
			Content:   json.RawMessage(`{"n":1}`),
			Author:    testCell("a").Agent,
			Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		Address:   cell.NewEntryHash(sum[:]),
		Signature: []byte("sig"),
	}
}

func TestInitCellIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)
	id := testCell("a")

	h1, err := s.InitCell(ctx, id, []string{"app"})
	require.NoError(t, err)
	h2, err := s.InitCell(ctx, id, []string{"app", "index"})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	head, err := s.Head(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head.Seq)
	assert.Equal(t, h1, head.Hash)

	r, err := s.BeginRead(ctx, id, "")
	require.NoError(t, err)
	ok, err := r.HasDatabase(ctx, "index")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUnknownCellAndSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)

	_, err := s.BeginRead(ctx, testCell("nope"), "")
	assert.ErrorIs(t, err, ErrCellNotFound)
	_, err = s.BeginWrite(ctx, testCell("nope"))
	assert.ErrorIs(t, err, ErrCellNotFound)

	id := testCell("a")
	_, err = s.InitCell(ctx, id, []string{"app"})
	require.NoError(t, err)
	_, err = s.BeginRead(ctx, id, genesisHash(testCell("other")))
	assert.ErrorIs(t, err, ErrUnknownSnapshot)
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)
	id := testCell("a")
	head0, err := s.InitCell(ctx, id, []string{"app"})
	require.NoError(t, err)

	s1 := commit(t, s, CommitSet{Cell: id, Base: Snapshot{Seq: 0}, Ops: []Op{
		{DB: "app", Key: "x", Value: []byte("1")},
		{DB: "app", Key: "y", Value: []byte("1")},
	}})

	r, err := s.BeginRead(ctx, id, s1.Hash)
	require.NoError(t, err)

	commit(t, s, CommitSet{Cell: id, Base: s1, Ops: []Op{
		{DB: "app", Key: "x", Value: []byte("2")},
		{DB: "app", Key: "y", Delete: true},
		{DB: "app", Key: "z", Value: []byte("2")},
	}})

	v, ok, err := r.Get(ctx, "app", "x")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", string(v))
	_, ok, err = r.Get(ctx, "app", "y")
	require.NoError(t, err)
	assert.True(t, ok, "delete after the snapshot must not be visible")

	kvs, err := r.Scan(ctx, "app", "")
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	assert.Equal(t, "x", kvs[0].Key)
	assert.Equal(t, "1", string(kvs[0].Value))

	latest, err := s.BeginRead(ctx, id, "")
	require.NoError(t, err)
	kvs, err = latest.Scan(ctx, "app", "")
	require.NoError(t, err)
	require.Len(t, kvs, 2)
	assert.Equal(t, []string{"x", "z"}, []string{kvs[0].Key, kvs[1].Key})

	genesis, err := s.BeginRead(ctx, id, head0)
	require.NoError(t, err)
	empty, err := genesis.IsEmpty(ctx, "app")
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestWriteConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)
	id := testCell("a")
	_, err := s.InitCell(ctx, id, []string{"app"})
	require.NoError(t, err)

	commit(t, s, CommitSet{Cell: id, Ops: []Op{{DB: "app", Key: "k", Value: []byte("a")}}})

	w, err := s.BeginWrite(ctx, id)
	require.NoError(t, err)
	defer w.Release()
	_, err = w.Apply(ctx, CommitSet{Cell: id, Ops: []Op{{DB: "app", Key: "k", Value: []byte("b")}}})
	assert.ErrorIs(t, err, ErrWriteConflict)
	assert.True(t, IsRetryable(err))

	head, err := s.Head(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head.Seq)
}

func TestApplyIsAtomic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, q := openTestStore(t)
	id := testCell("a")
	_, err := s.InitCell(ctx, id, []string{"app"})
	require.NoError(t, err)

	w, err := s.BeginWrite(ctx, id)
	require.NoError(t, err)
	_, err = w.Apply(ctx, CommitSet{
		Cell:     id,
		Ops:      []Op{{DB: "app", Key: "k", Value: []byte("v")}, {DB: "missing", Key: "k", Value: []byte("v")}},
		Appends:  []cell.SignedEntry{signed("counter", "e1")},
		Triggers: []queue.EnqueueRequest{{Kind: "revalidate-entry", Subject: "e1"}},
	})
	w.Release()
	require.ErrorIs(t, err, ErrStoreNotInitialized)

	r, err := s.BeginRead(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Snapshot().Seq)
	_, ok, err := r.Get(ctx, "app", "k")
	require.NoError(t, err)
	assert.False(t, ok)
	recs, err := r.Chain(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, recs)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestChainAppendsRebaseOntoHead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, q := openTestStore(t)
	id := testCell("a")
	head0, err := s.InitCell(ctx, id, []string{"app"})
	require.NoError(t, err)

	e1, e2 := signed("counter", "e1"), signed("counter", "e2")
	commit(t, s, CommitSet{Cell: id, Appends: []cell.SignedEntry{e1},
		Triggers: []queue.EnqueueRequest{{Kind: "revalidate-entry", Subject: string(e1.Address)}}})
	// Built against genesis, applied after e1.
	commit(t, s, CommitSet{Cell: id, Base: Snapshot{Seq: 0, Hash: head0}, Appends: []cell.SignedEntry{e2},
		Triggers: []queue.EnqueueRequest{{Kind: "revalidate-entry", Subject: string(e2.Address)}}})

	r, err := s.BeginRead(ctx, id, "")
	require.NoError(t, err)
	recs, err := r.Chain(ctx, "counter")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(0), recs[0].Seq)
	assert.Equal(t, e1.Address, recs[1].Prev)
	assert.Equal(t, uint64(2), recs[1].CommitSeq)
	assert.Equal(t, e1.Timestamp, recs[0].Timestamp)

	rec, ok, err := r.Record(ctx, e2.Address)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1), rec.Seq)

	pending, err := q.List(ctx, id.String(), queue.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, uint64(1), pending[0].CommitSeq)
	assert.Equal(t, uint64(2), pending[1].CommitSeq)
}

func TestBeginWriteSerializesPerCell(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := openTestStore(t)
	a, b := testCell("a"), testCell("b")
	for _, id := range []cell.CellID{a, b} {
		_, err := s.InitCell(ctx, id, []string{"app"})
		require.NoError(t, err)
	}

	w1, err := s.BeginWrite(ctx, a)
	require.NoError(t, err)

	// Another cell is not blocked.
	wb, err := s.BeginWrite(ctx, b)
	require.NoError(t, err)
	wb.Release()

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = s.BeginWrite(short, a)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "second writer should wait, got %v", err)

	w1.Release()
	w1.Release()
	_, err = w1.Apply(ctx, CommitSet{Cell: a})
	assert.ErrorIs(t, err, ErrReleasedHandle)

	w2, err := s.BeginWrite(ctx, a)
	require.NoError(t, err)
	w2.Release()
}

func TestIsRetryableBusyDatabase(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "busy.db")
	holder, err := storage.OpenSQLite(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })

	other, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(0)")
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	conn, err := holder.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE")
	require.NoError(t, err)
	defer func() { _, _ = conn.ExecContext(ctx, "ROLLBACK") }()

	_, err = other.ExecContext(ctx, "CREATE TABLE contended (k TEXT)")
	require.Error(t, err)
	assert.True(t, IsRetryable(err), "err: %v", err)

	assert.False(t, IsRetryable(errors.New("database is locked")), "message text alone is not a driver error")
	assert.False(t, IsRetryable(nil))
}
