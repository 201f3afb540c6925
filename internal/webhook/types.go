package webhook

import (
	"context"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/engine"
	"github.com/mattjoyce/cellhost/internal/workflow"
)

// Invoker runs invocations against installed cells.
type Invoker interface {
	Lookup(ref string) (engine.CellInfo, error)
	Submit(ctx context.Context, inv cell.Invocation) (workflow.Output, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig binds one URL path to a zome function.
type EndpointConfig struct {
	Path string
	// Cell is a cell name or id, resolved on every request.
	Cell string
	Zome string
	Fn   string

	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

// AcceptedResponse is returned once a signed request has been handed to
// the engine.
type AcceptedResponse struct {
	InvocationID string `json:"invocation_id"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	DefaultMaxBodySize     = 1 << 20
	DefaultSignatureHeader = "X-Hub-Signature-256"
)
