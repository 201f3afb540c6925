// Package guest runs zome code. A call gets a read-only view of the
// snapshot and returns everything it wants written as data in Result; the
// guest has no path to the store.
package guest

//go:generate mockgen -destination=mocks/mock_runtime.go -package=mocks github.com/mattjoyce/cellhost/internal/guest Runtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/clock"
	"github.com/mattjoyce/cellhost/internal/store"
)

var (
	ErrZomeNotFound = errors.New("zome not installed")
	ErrFnNotFound   = errors.New("zome function not found")
	// ErrSerialization marks a payload or result that could not be
	// converted between JSON and guest values.
	ErrSerialization = errors.New("guest serialization failed")
)

// Runtime executes one zome function call.
type Runtime interface {
	Call(ctx context.Context, call Call) (Result, error)
}

// Reader is the snapshot view a guest may read.
type Reader interface {
	Get(ctx context.Context, db, key string) ([]byte, bool, error)
	Scan(ctx context.Context, db, prefix string) ([]store.KV, error)
	Query(ctx context.Context, entryType string) ([]cell.ChainRecord, error)
}

type Call struct {
	Cell       cell.CellID
	Provenance cell.AgentPubKey
	Zome       string
	Fn         string
	Payload    json.RawMessage
	AsAt       cell.CommitHash
	Reader     Reader
	Clock      clock.Clock
	// RequireAttestedTime makes host.sys_time fail instead of falling back
	// to local time when the clock cannot attest.
	RequireAttestedTime bool
}

// NewEntry is an entry the guest asked to create; the host signs it.
type NewEntry struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// Put is a write to the cell's app database.
type Put struct {
	Key    string          `json:"key"`
	Value  json.RawMessage `json:"value,omitempty"`
	Delete bool            `json:"delete,omitempty"`
}

type Result struct {
	Output  json.RawMessage   `json:"output"`
	Entries []NewEntry        `json:"entries,omitempty"`
	Puts    []Put             `json:"puts,omitempty"`
	Grants  []cell.CapGrant   `json:"grants,omitempty"`
	Signals []json.RawMessage `json:"signals,omitempty"`
	// Time is the verified time read during the call. It is set whenever
	// Entries is non-empty and is the timestamp those entries carry.
	Time time.Time `json:"time,omitzero"`
}
