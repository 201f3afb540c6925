package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/engine"
	"github.com/mattjoyce/cellhost/internal/queue"
)

// CallRequest is the JSON body for POST /cells/{cell}/call
type CallRequest struct {
	Zome    string          `json:"zome"`
	Fn      string          `json:"fn"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Cap     cell.CapSecret  `json:"cap,omitempty"`
	// Provenance defaults to the cell's own agent.
	Provenance cell.AgentPubKey `json:"provenance,omitempty"`
	AsAt       cell.CommitHash  `json:"as_at,omitempty"`
	TimeoutMs  int64            `json:"timeout_ms,omitempty"`
}

// CallResponse is returned when an invocation commits.
type CallResponse struct {
	InvocationID string          `json:"invocation_id"`
	Output       json.RawMessage `json:"output"`
}

// CellResponse is returned by GET /cells/{cell}
type CellResponse struct {
	engine.CellInfo
	HeadSeq  uint64          `json:"head_seq"`
	HeadHash cell.CommitHash `json:"head_hash"`
}

type TriggerResponse struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Subject     string          `json:"subject"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      queue.Status    `json:"status"`
	Attempt     int             `json:"attempt"`
	CommitSeq   uint64          `json:"commit_seq"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Cells         int    `json:"cells"`
	PendingDepth  int    `json:"pending_triggers"`
}
