// Package store is the durable, transactional key-value store beneath the
// engine. Each cell has a set of logical databases and a source chain.
// Every commit produces a new snapshot (seq, hash); older snapshots remain
// readable, so a reader bound to a snapshot never observes later commits.
//
// Writes are single-writer per cell: BeginWrite blocks while another write
// handle for the same cell is held. Readers never block writers.
package store

import (
	"context"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/queue"
)

// Store is implemented by SQLite; tests wrap it to inject failures.
type Store interface {
	// InitCell creates the cell, its logical databases and the genesis
	// snapshot. Calling it again for an existing cell returns the genesis hash.
	InitCell(ctx context.Context, id cell.CellID, databases []string) (cell.CommitHash, error)
	Head(ctx context.Context, id cell.CellID) (Snapshot, error)
	BeginRead(ctx context.Context, id cell.CellID, asAt cell.CommitHash) (ReadHandle, error)
	BeginWrite(ctx context.Context, id cell.CellID) (WriteHandle, error)
}

// Snapshot identifies one committed state of a cell.
type Snapshot struct {
	Cell cell.CellID
	Seq  uint64
	Hash cell.CommitHash
}

type KV struct {
	Key   string
	Value []byte
}

// ReadHandle reads a cell exactly as of one snapshot.
type ReadHandle interface {
	Snapshot() Snapshot
	HasDatabase(ctx context.Context, db string) (bool, error)
	Get(ctx context.Context, db, key string) ([]byte, bool, error)
	// Scan returns live keys with the prefix, ordered by key.
	Scan(ctx context.Context, db, prefix string) ([]KV, error)
	IsEmpty(ctx context.Context, db string) (bool, error)
	// Chain returns records of entryType ("" for all) in chain order.
	Chain(ctx context.Context, entryType string) ([]cell.ChainRecord, error)
	Record(ctx context.Context, addr cell.EntryHash) (cell.ChainRecord, bool, error)
	Close()
}

// WriteHandle holds the cell's write slot until Release.
type WriteHandle interface {
	// Apply commits cs atomically and returns the new snapshot. On error
	// nothing from cs is visible.
	Apply(ctx context.Context, cs CommitSet) (Snapshot, error)
	Release()
}

// Op is one buffered key-value mutation.
type Op struct {
	DB     string
	Key    string
	Value  []byte
	Delete bool
}

// CommitSet is everything a workspace produced, applied as one transaction.
type CommitSet struct {
	Cell cell.CellID
	// Base is the snapshot the writes were computed against. A key modified
	// after Base by another commit fails the apply with ErrWriteConflict.
	Base    Snapshot
	Ops     []Op
	Appends []cell.SignedEntry
	// Triggers are written in the same transaction, so they exist exactly
	// when the commit does.
	Triggers []queue.EnqueueRequest
}

// Empty reports whether applying cs would change nothing.
func (cs CommitSet) Empty() bool {
	return len(cs.Ops) == 0 && len(cs.Appends) == 0 && len(cs.Triggers) == 0
}
