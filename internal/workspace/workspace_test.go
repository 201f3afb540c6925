package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/storage"
	"github.com/mattjoyce/cellhost/internal/store"
)

func setup(t *testing.T) (*store.SQLite, cell.CellID, cell.CommitHash) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "cells.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dna := blake3.Sum256([]byte("dna"))
	agent := blake3.Sum256([]byte("agent"))
	id := cell.CellID{Dna: cell.NewDnaHash(dna[:]), Agent: cell.NewAgentPubKey(agent[:])}
	st := store.NewSQLite(db, nil)
	head0, err := st.InitCell(ctx, id, Databases)
	require.NoError(t, err)
	return st, id, head0
}

func apply(t *testing.T, st store.Store, w *Workspace) store.Snapshot {
	t.Helper()
	cs, err := w.IntoCommitSet()
	require.NoError(t, err)
	wh, err := st.BeginWrite(context.Background(), cs.Cell)
	require.NoError(t, err)
	defer wh.Release()
	snap, err := wh.Apply(context.Background(), cs)
	require.NoError(t, err)
	return snap
}

func TestOpenRequiresDatabases(t *testing.T) {
	st, id, _ := setup(t)
	_, err := Open(context.Background(), st, id, "", DBApp, "ledger")
	assert.ErrorIs(t, err, store.ErrStoreNotInitialized)
}

func TestGetReadsBufferThenSnapshot(t *testing.T) {
	ctx := context.Background()
	st, id, _ := setup(t)

	w, err := Open(ctx, st, id, "", DBApp)
	require.NoError(t, err)
	require.NoError(t, w.Put(DBApp, "a", []byte("1")))
	apply(t, st, w)

	w2, err := Open(ctx, st, id, "", DBApp)
	require.NoError(t, err)
	defer w2.Discard()
	v, ok, err := w2.Get(ctx, DBApp, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(v))

	require.NoError(t, w2.Put(DBApp, "a", []byte("2")))
	v, _, _ = w2.Get(ctx, DBApp, "a")
	assert.Equal(t, "2", string(v))

	require.NoError(t, w2.Delete(DBApp, "a"))
	_, ok, err = w2.Get(ctx, DBApp, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = w2.Get(ctx, "nope", "a")
	assert.ErrorIs(t, err, store.ErrStoreNotInitialized)
}

func TestBufferedWritesInvisibleToOtherWorkspaces(t *testing.T) {
	ctx := context.Background()
	st, id, _ := setup(t)

	w1, err := Open(ctx, st, id, "")
	require.NoError(t, err)
	defer w1.Discard()
	w2, err := Open(ctx, st, id, "")
	require.NoError(t, err)
	defer w2.Discard()

	require.NoError(t, w1.Put(DBApp, "k", []byte("v")))
	_, ok, err := w2.Get(ctx, DBApp, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMustGetEmptyStore(t *testing.T) {
	ctx := context.Background()
	st, id, _ := setup(t)

	w, err := Open(ctx, st, id, "")
	require.NoError(t, err)
	_, err = w.MustGet(ctx, DBApp, "k")
	assert.ErrorIs(t, err, store.ErrEmptyStore)

	require.NoError(t, w.Put(DBApp, "other", []byte("x")))
	_, err = w.MustGet(ctx, DBApp, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	w.Discard()
}

func TestScanMergesBuffer(t *testing.T) {
	ctx := context.Background()
	st, id, _ := setup(t)

	w, err := Open(ctx, st, id, "")
	require.NoError(t, err)
	require.NoError(t, w.Put(DBIndex, "counter/b", []byte("b")))
	require.NoError(t, w.Put(DBIndex, "counter/c", []byte("c")))
	require.NoError(t, w.Put(DBIndex, "other/x", []byte("x")))
	apply(t, st, w)

	w2, err := Open(ctx, st, id, "")
	require.NoError(t, err)
	defer w2.Discard()
	require.NoError(t, w2.Put(DBIndex, "counter/a", []byte("a")))
	require.NoError(t, w2.Delete(DBIndex, "counter/c"))

	kvs, err := w2.Scan(ctx, DBIndex, "counter/")
	require.NoError(t, err)
	var keys []string
	for _, kv := range kvs {
		keys = append(keys, kv.Key)
	}
	assert.Equal(t, []string{"counter/a", "counter/b"}, keys)
}

func TestSnapshotPinnedByAsAt(t *testing.T) {
	ctx := context.Background()
	st, id, head0 := setup(t)

	w, err := Open(ctx, st, id, "")
	require.NoError(t, err)
	require.NoError(t, w.Put(DBApp, "k", []byte("v")))
	apply(t, st, w)

	old, err := Open(ctx, st, id, head0)
	require.NoError(t, err)
	defer old.Discard()
	_, ok, err := old.Get(ctx, DBApp, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), old.Snapshot().Seq)
}

func TestConsumedWorkspaceRejectsUse(t *testing.T) {
	ctx := context.Background()
	st, id, _ := setup(t)

	w, err := Open(ctx, st, id, "")
	require.NoError(t, err)
	_, err = w.IntoCommitSet()
	require.NoError(t, err)

	_, err = w.IntoCommitSet()
	assert.ErrorIs(t, err, ErrConsumed)
	assert.ErrorIs(t, w.Put(DBApp, "k", nil), ErrConsumed)
	_, _, err = w.Get(ctx, DBApp, "k")
	assert.ErrorIs(t, err, ErrConsumed)
	w.Discard()
}

func TestCheckoutDiscardsOnError(t *testing.T) {
	ctx := context.Background()
	st, id, _ := setup(t)
	boom := errors.New("boom")

	var held *Workspace
	err := Checkout(ctx, st, id, "", func(w *Workspace) error {
		held = w
		require.NoError(t, w.Put(DBApp, "k", []byte("v")))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, held.Put(DBApp, "k", nil), ErrConsumed)

	r, err := st.BeginRead(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Snapshot().Seq)
}

func TestChainAndGrants(t *testing.T) {
	ctx := context.Background()
	st, id, _ := setup(t)

	w, err := Open(ctx, st, id, "")
	require.NoError(t, err)
	defer w.Discard()

	sum := blake3.Sum256([]byte("e"))
	se := cell.SignedEntry{
		Entry:     cell.Entry{Type: "counter", Content: json.RawMessage(`{}`), Author: id.Agent, Timestamp: time.Now()},
		Address:   cell.NewEntryHash(sum[:]),
		Signature: []byte("sig"),
	}
	require.NoError(t, w.AppendEntry(se))
	assert.Error(t, w.AppendEntry(cell.SignedEntry{}))

	recs, err := w.Query(ctx, "counter")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, se.Address, recs[0].Address)

	g := cell.CapGrant{Tag: "pub", Access: cell.AccessUnrestricted, Functions: []cell.GrantedFunction{{Zome: "z", Fn: "f"}}}
	b, _ := json.Marshal(g)
	require.NoError(t, w.Put(DBGrants, "pub", b))
	grants, err := w.Grants(ctx)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, "pub", grants[0].Tag)
}
