package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusSuperseded marks a trigger that could not be requeued because an
	// equivalent one was already pending.
	StatusSuperseded Status = "superseded"
)

// Trigger is a follow-on workflow scheduled by a committed effect.
type Trigger struct {
	ID          string
	CellID      string
	Kind        string
	Subject     string
	Payload     json.RawMessage
	Status      Status
	Attempt     int
	CommitSeq   uint64
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	LastError   *string
}

// EnqueueRequest describes one trigger. (CellID, Kind, Subject) is the
// coalescing key: at most one pending trigger exists per key.
type EnqueueRequest struct {
	CellID    string
	Kind      string
	Subject   string
	Payload   json.RawMessage
	CommitSeq uint64
}

var ErrTriggerNotFound = errors.New("trigger not found")

// Execer is satisfied by *sql.DB and *sql.Tx so triggers can be written
// inside a store transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
