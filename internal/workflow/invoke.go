package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/clock"
	"github.com/mattjoyce/cellhost/internal/crypto"
	"github.com/mattjoyce/cellhost/internal/guest"
	"github.com/mattjoyce/cellhost/internal/signal"
	"github.com/mattjoyce/cellhost/internal/workspace"
)

// State is a step of an invoke-zome execution.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// next lists the legal transitions.
var next = map[State][]State{
	StatePending: {StateRunning, StateFailed},
	StateRunning: {StateCompleted, StateFailed},
}

type machine struct {
	state   State
	inv     cell.Invocation
	observe func(cell.Invocation, State, State)
}

func (m *machine) to(s State) {
	legal := false
	for _, n := range next[m.state] {
		if n == s {
			legal = true
			break
		}
	}
	if !legal {
		panic(fmt.Sprintf("invoke-zome: illegal transition %s -> %s", m.state, s))
	}
	from := m.state
	m.state = s
	if m.observe != nil {
		m.observe(m.inv, from, s)
	}
}

// fail moves to Failed and returns err, for use in return statements.
func (m *machine) fail(err error) (Output, *Effect, error) {
	m.to(StateFailed)
	return nil, nil, err
}

// RevalidatePayload is the payload of a revalidate-entry trigger.
type RevalidatePayload struct {
	Address cell.EntryHash `json:"address"`
}

// InvokeZome runs one zome function: capability check, guest call, then the
// guest's buffered result is turned into workspace writes and an Effect.
type InvokeZome struct {
	Runtime guest.Runtime
	Crypto  crypto.Provider
	Clock   clock.Clock
	// RequireAttestedTime is passed to the guest for host.sys_time.
	RequireAttestedTime bool
	Logger              *slog.Logger
	// Observe, when set, sees every state transition.
	Observe func(inv cell.Invocation, from, to State)
}

func (w *InvokeZome) Kind() Kind { return KindInvokeZome }

func (w *InvokeZome) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

func (w *InvokeZome) Execute(ctx context.Context, ws *workspace.Workspace, inv cell.Invocation) (Output, *Effect, error) {
	const op = "invoke-zome"
	m := &machine{state: StatePending, inv: inv, observe: w.Observe}
	logger := w.logger().With("invocation_id", inv.ID, "zome", inv.ZomeName, "fn", inv.FnName)

	if err := ctx.Err(); err != nil {
		return m.fail(E(CodeCancelled, op, err))
	}
	allowed, err := w.Crypto.VerifyCapability(ctx, crypto.CapRequest{
		Cell:       inv.CellID,
		Zome:       inv.ZomeName,
		Fn:         inv.FnName,
		Secret:     inv.Cap,
		Provenance: inv.Provenance,
	}, ws)
	if err != nil {
		return m.fail(StoreError(op, err))
	}
	if !allowed {
		logger.Debug("capability denied", "provenance", inv.Provenance)
		return m.fail(E(CodeCapabilityDenied, op, fmt.Errorf("%s may not call %s.%s", inv.Provenance, inv.ZomeName, inv.FnName)))
	}

	m.to(StateRunning)
	started := time.Now()
	res, err := w.Runtime.Call(ctx, guest.Call{
		Cell:                inv.CellID,
		Provenance:          inv.Provenance,
		Zome:                inv.ZomeName,
		Fn:                  inv.FnName,
		Payload:             inv.Payload,
		AsAt:                ws.Snapshot().Hash,
		Reader:              ws,
		Clock:               w.Clock,
		RequireAttestedTime: w.RequireAttestedTime,
	})
	if err != nil {
		logger.Debug("guest call failed", "error", err)
		return m.fail(guestError(op, err))
	}
	elapsed := time.Since(started)

	// Past the suspension point: the rest must not observe cancellation.
	wctx := context.WithoutCancel(ctx)
	eff, err := w.apply(wctx, ws, inv, res, logger)
	if err != nil {
		return m.fail(err)
	}
	eff.Signals = append([]signal.Signal{signal.Trace{
		CellID:       inv.CellID,
		InvocationID: inv.ID,
		Workflow:     string(KindInvokeZome),
		Zome:         inv.ZomeName,
		Fn:           inv.FnName,
		Detail:       fmt.Sprintf("entries=%d puts=%d grants=%d", len(res.Entries), len(res.Puts), len(res.Grants)),
		Elapsed:      elapsed,
	}}, eff.Signals...)

	m.to(StateCompleted)
	return res.Output, eff, nil
}

// apply writes the guest result into ws and derives triggers and user
// signals.
func (w *InvokeZome) apply(ctx context.Context, ws *workspace.Workspace, inv cell.Invocation, res guest.Result, logger *slog.Logger) (*Effect, error) {
	const op = "invoke-zome"
	eff := &Effect{Workspace: ws}

	if len(res.Entries) > 0 {
		// The runtime stamps verified time before returning; the clock is
		// never consulted past the suspension point.
		now := res.Time
		if now.IsZero() {
			logger.Warn("guest result carries no timestamp, using local clock")
			now = time.Now().UTC()
		}
		for _, ne := range res.Entries {
			if !json.Valid(ne.Content) {
				return nil, E(CodeSerialization, op, fmt.Errorf("entry %q content is not JSON", ne.Type))
			}
			se, err := crypto.SignEntry(ctx, w.Crypto, cell.Entry{
				Type:      ne.Type,
				Content:   ne.Content,
				Author:    inv.CellID.Agent,
				Timestamp: now,
			})
			if err != nil {
				return nil, E(CodeInvalidValue, op, err)
			}
			if err := ws.AppendEntry(se); err != nil {
				return nil, StoreError(op, err)
			}
			row, err := json.Marshal(indexRow{Author: se.Author, Timestamp: se.Timestamp})
			if err != nil {
				return nil, E(CodeSerialization, op, err)
			}
			if err := ws.Put(workspace.DBIndex, IndexKey(se.Type, se.Address), row); err != nil {
				return nil, StoreError(op, err)
			}
			payload, err := json.Marshal(RevalidatePayload{Address: se.Address})
			if err != nil {
				return nil, E(CodeSerialization, op, err)
			}
			eff.Triggers = append(eff.Triggers, Trigger{
				Kind:    KindRevalidateEntry,
				Subject: string(se.Address),
				Payload: payload,
			})
		}
	}

	for _, p := range res.Puts {
		var err error
		if p.Delete {
			err = ws.Delete(workspace.DBApp, p.Key)
		} else {
			if !json.Valid(p.Value) {
				return nil, E(CodeSerialization, op, fmt.Errorf("value for %q is not JSON", p.Key))
			}
			err = ws.Put(workspace.DBApp, p.Key, p.Value)
		}
		if err != nil {
			return nil, StoreError(op, err)
		}
	}

	for _, g := range res.Grants {
		if err := g.Validate(); err != nil {
			return nil, E(CodeInvalidValue, op, err)
		}
		b, err := json.Marshal(g)
		if err != nil {
			return nil, E(CodeSerialization, op, err)
		}
		if err := ws.Put(workspace.DBGrants, g.Tag, b); err != nil {
			return nil, StoreError(op, err)
		}
	}

	for _, payload := range res.Signals {
		eff.Signals = append(eff.Signals, signal.User{CellID: inv.CellID, Zome: inv.ZomeName, Payload: payload})
	}
	return eff, nil
}

type indexRow struct {
	Author    cell.AgentPubKey `json:"author"`
	Timestamp time.Time        `json:"timestamp"`
}

// IndexKey is the index database key of an entry.
func IndexKey(entryType string, addr cell.EntryHash) string {
	return entryType + "/" + string(addr)
}
