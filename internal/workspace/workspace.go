// Package workspace is the transactional view a workflow executes against:
// reads come from one fixed snapshot, writes accumulate in a private buffer
// until IntoCommitSet hands them to the store.
//
// A Workspace belongs to exactly one workflow execution. It is not safe for
// concurrent use and must end in IntoCommitSet or Discard; Checkout
// guarantees that on every exit path.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/store"
)

// Logical databases every cell is created with.
const (
	DBApp        = "app"
	DBIndex      = "index"
	DBGrants     = "grants"
	DBValidation = "validation"
)

// Databases is the set InitCell creates.
var Databases = []string{DBApp, DBIndex, DBGrants, DBValidation}

var (
	ErrConsumed    = errors.New("workspace already committed or discarded")
	ErrKeyNotFound = errors.New("key not found")
	ErrInvalidKey  = errors.New("db and key are required")
)

type bufKey struct{ db, key string }

type Workspace struct {
	read    store.ReadHandle
	known   map[string]bool
	writes  map[bufKey]store.Op
	order   []bufKey
	appends []cell.SignedEntry
	done    bool
}

// Open binds a workspace to the snapshot asAt (the head when empty). Each
// database in required must exist for the cell.
func Open(ctx context.Context, st store.Store, id cell.CellID, asAt cell.CommitHash, required ...string) (*Workspace, error) {
	read, err := st.BeginRead(ctx, id, asAt)
	if err != nil {
		return nil, err
	}
	w := &Workspace{
		read:   read,
		known:  make(map[string]bool),
		writes: make(map[bufKey]store.Op),
	}
	for _, db := range required {
		if err := w.requireDB(ctx, db); err != nil {
			read.Close()
			return nil, err
		}
	}
	return w, nil
}

// Checkout opens a workspace, runs fn, and discards the workspace afterwards
// unless fn consumed it.
func Checkout(ctx context.Context, st store.Store, id cell.CellID, asAt cell.CommitHash, fn func(*Workspace) error) error {
	w, err := Open(ctx, st, id, asAt, Databases...)
	if err != nil {
		return err
	}
	defer w.Discard()
	return fn(w)
}

func (w *Workspace) Cell() cell.CellID { return w.read.Snapshot().Cell }
func (w *Workspace) Snapshot() store.Snapshot { return w.read.Snapshot() }
func (w *Workspace) Reader() store.ReadHandle { return w.read }
func (w *Workspace) PendingWrites() int { return len(w.order) }
func (w *Workspace) PendingAppends() int { return len(w.appends) }

func (w *Workspace) requireDB(ctx context.Context, db string) error {
	if ok, seen := w.known[db]; seen {
		if !ok {
			return fmt.Errorf("%w: database %q", store.ErrStoreNotInitialized, db)
		}
		return nil
	}
	ok, err := w.read.HasDatabase(ctx, db)
	if err != nil {
		return err
	}
	w.known[db] = ok
	if !ok {
		return fmt.Errorf("%w: database %q", store.ErrStoreNotInitialized, db)
	}
	return nil
}

// Get reads the buffer first, then the snapshot.
func (w *Workspace) Get(ctx context.Context, db, key string) ([]byte, bool, error) {
	if w.done {
		return nil, false, ErrConsumed
	}
	if err := w.requireDB(ctx, db); err != nil {
		return nil, false, err
	}
	if op, ok := w.writes[bufKey{db, key}]; ok {
		if op.Delete {
			return nil, false, nil
		}
		return op.Value, true, nil
	}
	return w.read.Get(ctx, db, key)
}

// MustGet is Get for callers that require a value. It fails with
// store.ErrEmptyStore when the database holds nothing at all.
func (w *Workspace) MustGet(ctx context.Context, db, key string) ([]byte, error) {
	v, ok, err := w.Get(ctx, db, key)
	if err != nil {
		return nil, err
	}
	if ok {
		return v, nil
	}
	empty, err := w.read.IsEmpty(ctx, db)
	if err != nil {
		return nil, err
	}
	if empty && !w.bufferHas(db) {
		return nil, fmt.Errorf("%w: database %q", store.ErrEmptyStore, db)
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrKeyNotFound, db, key)
}

func (w *Workspace) bufferHas(db string) bool {
	for k, op := range w.writes {
		if k.db == db && !op.Delete {
			return true
		}
	}
	return false
}

func (w *Workspace) buffer(op store.Op) error {
	if w.done {
		return ErrConsumed
	}
	if op.DB == "" || op.Key == "" {
		return fmt.Errorf("workspace write: %w", ErrInvalidKey)
	}
	k := bufKey{op.DB, op.Key}
	if _, ok := w.writes[k]; !ok {
		w.order = append(w.order, k)
	}
	w.writes[k] = op
	return nil
}

func (w *Workspace) Put(db, key string, value []byte) error {
	return w.buffer(store.Op{DB: db, Key: key, Value: value})
}

func (w *Workspace) Delete(db, key string) error {
	return w.buffer(store.Op{DB: db, Key: key, Delete: true})
}

// Scan merges buffered writes over the snapshot's live keys.
func (w *Workspace) Scan(ctx context.Context, db, prefix string) ([]store.KV, error) {
	if w.done {
		return nil, ErrConsumed
	}
	if err := w.requireDB(ctx, db); err != nil {
		return nil, err
	}
	base, err := w.read.Scan(ctx, db, prefix)
	if err != nil {
		return nil, err
	}
	merged := make(map[string][]byte, len(base))
	for _, kv := range base {
		merged[kv.Key] = kv.Value
	}
	for k, op := range w.writes {
		if k.db != db || !strings.HasPrefix(k.key, prefix) {
			continue
		}
		if op.Delete {
			delete(merged, k.key)
		} else {
			merged[k.key] = op.Value
		}
	}
	out := make([]store.KV, 0, len(merged))
	for k, v := range merged {
		out = append(out, store.KV{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// AppendEntry buffers a signed entry for the source chain.
func (w *Workspace) AppendEntry(se cell.SignedEntry) error {
	if w.done {
		return ErrConsumed
	}
	if se.Address == "" || len(se.Signature) == 0 {
		return fmt.Errorf("workspace append: entry must be signed")
	}
	w.appends = append(w.appends, se)
	return nil
}

// Query returns snapshot records of entryType followed by buffered appends.
func (w *Workspace) Query(ctx context.Context, entryType string) ([]cell.ChainRecord, error) {
	if w.done {
		return nil, ErrConsumed
	}
	recs, err := w.read.Chain(ctx, entryType)
	if err != nil {
		return nil, err
	}
	for _, se := range w.appends {
		if entryType == "" || se.Type == entryType {
			recs = append(recs, cell.ChainRecord{SignedEntry: se})
		}
	}
	return recs, nil
}

// Grants decodes the capability grants visible to this workspace.
func (w *Workspace) Grants(ctx context.Context) ([]cell.CapGrant, error) {
	kvs, err := w.Scan(ctx, DBGrants, "")
	if err != nil {
		return nil, err
	}
	out := make([]cell.CapGrant, 0, len(kvs))
	for _, kv := range kvs {
		var g cell.CapGrant
		if err := json.Unmarshal(kv.Value, &g); err != nil {
			return nil, fmt.Errorf("decode grant %q: %w", kv.Key, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// IntoCommitSet finalizes the buffer. The workspace cannot be used afterwards.
func (w *Workspace) IntoCommitSet() (store.CommitSet, error) {
	if w.done {
		return store.CommitSet{}, ErrConsumed
	}
	w.done = true
	defer w.read.Close()

	ops := make([]store.Op, 0, len(w.order))
	for _, k := range w.order {
		ops = append(ops, w.writes[k])
	}
	return store.CommitSet{
		Cell:    w.Cell(),
		Base:    w.Snapshot(),
		Ops:     ops,
		Appends: w.appends,
	}, nil
}

// Discard drops the buffer. It is a no-op after IntoCommitSet.
func (w *Workspace) Discard() {
	if w.done {
		return
	}
	w.done = true
	w.writes = nil
	w.order = nil
	w.appends = nil
	w.read.Close()
}
