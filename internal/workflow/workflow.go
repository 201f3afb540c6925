// Package workflow holds the units of work the engine runs against a cell.
// A workflow reads through a workspace and returns an Effect describing
// everything it wants committed and announced; it never commits itself.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/signal"
	"github.com/mattjoyce/cellhost/internal/store"
	"github.com/mattjoyce/cellhost/internal/workspace"
)

type Kind string

const (
	KindInvokeZome      Kind = "invoke-zome"
	KindRevalidateEntry Kind = "revalidate-entry"
	KindPublish         Kind = "publish"
)

// Output is the JSON value a workflow returns to its caller.
type Output = json.RawMessage

// Trigger asks for a follow-up workflow on the same cell. Triggers with the
// same Kind and Subject coalesce while one is pending.
type Trigger struct {
	Kind    Kind
	Subject string
	Payload json.RawMessage
}

// Callback runs after a successful commit. It cannot affect the commit.
type Callback func(ctx context.Context, head store.Snapshot)

// Effect is applied all or nothing: the workspace and triggers commit
// together, then signals are published in order, then callbacks run.
type Effect struct {
	Workspace *workspace.Workspace
	Triggers  []Trigger
	Signals   []signal.Signal
	Callbacks []Callback
}

// Discard releases the effect's workspace without committing.
func (e *Effect) Discard() {
	if e != nil && e.Workspace != nil {
		e.Workspace.Discard()
	}
}

type Workflow interface {
	Kind() Kind
	Execute(ctx context.Context, ws *workspace.Workspace, inv cell.Invocation) (Output, *Effect, error)
}

// Registry maps kinds to workflows.
type Registry struct {
	byKind map[Kind]Workflow
}

func NewRegistry(wfs ...Workflow) *Registry {
	r := &Registry{byKind: make(map[Kind]Workflow, len(wfs))}
	for _, wf := range wfs {
		r.byKind[wf.Kind()] = wf
	}
	return r
}

func (r *Registry) Get(kind Kind) (Workflow, error) {
	wf, ok := r.byKind[kind]
	if !ok {
		return nil, E(CodeNotImplemented, "registry", fmt.Errorf("no workflow for kind %q", kind))
	}
	return wf, nil
}

func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	return out
}
