// Package signal defines the observer notifications emitted after a commit
// and the bus that delivers them.
package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/cellhost/internal/cell"
)

type Kind string

const (
	KindTrace Kind = "trace"
	KindUser  Kind = "user"
)

// Signal is a closed set of kinds. Consumers handle them through Visitor;
// adding a kind adds a Visitor method, so every consumer must handle it.
type Signal interface {
	Kind() Kind
	Cell() cell.CellID
	Accept(v Visitor) error
	sealed()
}

type Visitor interface {
	VisitTrace(Trace) error
	VisitUser(User) error
}

// Trace records one workflow execution for diagnostics.
type Trace struct {
	CellID       cell.CellID   `json:"cell_id"`
	InvocationID string        `json:"invocation_id,omitempty"`
	Workflow     string        `json:"workflow"`
	Zome         string        `json:"zome,omitempty"`
	Fn           string        `json:"fn,omitempty"`
	Subject      string        `json:"subject,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

func (Trace) Kind() Kind { return KindTrace }
func (t Trace) Cell() cell.CellID { return t.CellID }
func (t Trace) Accept(v Visitor) error { return v.VisitTrace(t) }
func (Trace) sealed() {}

// User carries an application payload emitted by zome code.
type User struct {
	CellID  cell.CellID     `json:"cell_id"`
	Zome    string          `json:"zome"`
	Payload json.RawMessage `json:"payload"`
}

func (User) Kind() Kind { return KindUser }
func (u User) Cell() cell.CellID { return u.CellID }
func (u User) Accept(v Visitor) error { return v.VisitUser(u) }
func (User) sealed() {}

// Envelope is a signal as delivered: numbered in publish order.
type Envelope struct {
	ID     int64
	At     time.Time
	Signal Signal
}

type wireEnvelope struct {
	ID     int64           `json:"id"`
	At     time.Time       `json:"at"`
	Kind   Kind            `json:"kind"`
	Signal json.RawMessage `json:"signal"`
}

type jsonEncoder struct{ out json.RawMessage }

func (e *jsonEncoder) VisitTrace(t Trace) (err error) {
	e.out, err = json.Marshal(t)
	return err
}

func (e *jsonEncoder) VisitUser(u User) (err error) {
	e.out, err = json.Marshal(u)
	return err
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Signal == nil {
		return nil, fmt.Errorf("envelope %d has no signal", e.ID)
	}
	var enc jsonEncoder
	if err := e.Signal.Accept(&enc); err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{ID: e.ID, At: e.At, Kind: e.Signal.Kind(), Signal: enc.out})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	e.ID, e.At = w.ID, w.At
	switch w.Kind {
	case KindTrace:
		var t Trace
		if err := json.Unmarshal(w.Signal, &t); err != nil {
			return err
		}
		e.Signal = t
	case KindUser:
		var u User
		if err := json.Unmarshal(w.Signal, &u); err != nil {
			return err
		}
		e.Signal = u
	default:
		return fmt.Errorf("unknown signal kind %q", w.Kind)
	}
	return nil
}
