package cell

import (
	"encoding/json"
	"fmt"
	"time"
)

// Invocation is a request to run one zome function in one cell.
type Invocation struct {
	ID         string          `json:"id,omitempty"`
	CellID     CellID          `json:"cell_id"`
	ZomeName   string          `json:"zome_name"`
	FnName     string          `json:"fn_name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Cap        CapSecret       `json:"cap,omitempty"`
	Provenance AgentPubKey     `json:"provenance"`
	// AsAt pins the snapshot the invocation reads. Empty means the head at open time.
	AsAt     CommitHash `json:"as_at,omitempty"`
	Deadline time.Time  `json:"deadline,omitempty"`
}

// Validate checks the fields every invocation must carry.
func (inv Invocation) Validate() error {
	if inv.CellID.IsZero() {
		return fmt.Errorf("invocation: cell_id is required")
	}
	if inv.ZomeName == "" {
		return fmt.Errorf("invocation: zome_name is required")
	}
	if inv.FnName == "" {
		return fmt.Errorf("invocation: fn_name is required")
	}
	if inv.Provenance == "" {
		return fmt.Errorf("invocation: provenance is required")
	}
	if len(inv.Payload) > 0 && !json.Valid(inv.Payload) {
		return fmt.Errorf("invocation: payload is not valid JSON")
	}
	return nil
}
