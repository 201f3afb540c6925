package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/crypto"
	"github.com/mattjoyce/cellhost/internal/signal"
	"github.com/mattjoyce/cellhost/internal/workspace"
)

type ValidationStatus string

const (
	StatusValid    ValidationStatus = "valid"
	StatusRejected ValidationStatus = "rejected"
)

// ValidationRecord is stored in the validation database under the entry
// address.
type ValidationRecord struct {
	Status    ValidationStatus `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	CheckedAt uint64           `json:"checked_at"`
}

// RevalidateEntry re-checks a committed entry's address and signature.
type RevalidateEntry struct {
	Crypto crypto.Provider
}

func (w *RevalidateEntry) Kind() Kind { return KindRevalidateEntry }

func (w *RevalidateEntry) Execute(ctx context.Context, ws *workspace.Workspace, inv cell.Invocation) (Output, *Effect, error) {
	const op = "revalidate-entry"
	started := time.Now()

	var p RevalidatePayload
	if err := json.Unmarshal(inv.Payload, &p); err != nil {
		return nil, nil, E(CodeSerialization, op, err)
	}
	if p.Address == "" {
		return nil, nil, E(CodeInvalidValue, op, errors.New("payload has no address"))
	}

	rec, ok, err := ws.Reader().Record(ctx, p.Address)
	if err != nil {
		return nil, nil, StoreError(op, err)
	}
	if !ok {
		return nil, nil, E(CodeInvalidValue, op, fmt.Errorf("entry %s not in chain", p.Address))
	}

	vr := ValidationRecord{Status: StatusValid, CheckedAt: ws.Snapshot().Seq}
	if err := crypto.VerifyEntry(ctx, w.Crypto, rec.SignedEntry); err != nil {
		if !errors.Is(err, crypto.ErrAddressMismatch) && !errors.Is(err, crypto.ErrBadSignature) {
			return nil, nil, E(CodeInvalidValue, op, err)
		}
		vr.Status, vr.Reason = StatusRejected, err.Error()
	}
	b, err := json.Marshal(vr)
	if err != nil {
		return nil, nil, E(CodeSerialization, op, err)
	}
	if err := ws.Put(workspace.DBValidation, string(p.Address), b); err != nil {
		return nil, nil, StoreError(op, err)
	}

	return b, &Effect{
		Workspace: ws,
		Signals: []signal.Signal{signal.Trace{
			CellID:       inv.CellID,
			InvocationID: inv.ID,
			Workflow:     string(KindRevalidateEntry),
			Subject:      string(p.Address),
			Detail:       string(vr.Status),
			Elapsed:      time.Since(started),
		}},
	}, nil
}

// Publish will gossip committed entries to peers. Networking is not part of
// this engine yet.
type Publish struct{}

func (Publish) Kind() Kind { return KindPublish }

func (Publish) Execute(context.Context, *workspace.Workspace, cell.Invocation) (Output, *Effect, error) {
	return nil, nil, E(CodeNotImplemented, "publish", errors.New("publishing to peers is not built"))
}
