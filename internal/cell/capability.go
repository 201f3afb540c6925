package cell

import (
	"crypto/subtle"
	"fmt"
	"slices"
)

// CapSecret is the bearer secret presented with an invocation.
type CapSecret string

type CapAccess string

const (
	AccessUnrestricted CapAccess = "unrestricted"
	AccessTransferable CapAccess = "transferable"
	AccessAssigned     CapAccess = "assigned"
)

// GrantedFunction names one zome function a grant covers. Fn "*" covers the whole zome.
type GrantedFunction struct {
	Zome string `json:"zome"`
	Fn   string `json:"fn"`
}

// CapGrant is stored in a cell's grants database and authorizes callers
// other than the cell's own agent.
type CapGrant struct {
	Tag       string            `json:"tag"`
	Access    CapAccess         `json:"access"`
	Secret    CapSecret         `json:"secret,omitempty"`
	Assignees []AgentPubKey     `json:"assignees,omitempty"`
	Functions []GrantedFunction `json:"functions"`
}

func (g CapGrant) Validate() error {
	if g.Tag == "" {
		return fmt.Errorf("cap grant: tag is required")
	}
	switch g.Access {
	case AccessUnrestricted:
	case AccessTransferable:
		if g.Secret == "" {
			return fmt.Errorf("cap grant %q: transferable access needs a secret", g.Tag)
		}
	case AccessAssigned:
		if g.Secret == "" || len(g.Assignees) == 0 {
			return fmt.Errorf("cap grant %q: assigned access needs a secret and assignees", g.Tag)
		}
	default:
		return fmt.Errorf("cap grant %q: unknown access %q", g.Tag, g.Access)
	}
	if len(g.Functions) == 0 {
		return fmt.Errorf("cap grant %q: no functions", g.Tag)
	}
	return nil
}

// Covers reports whether the grant lists zome/fn.
func (g CapGrant) Covers(zome, fn string) bool {
	return slices.ContainsFunc(g.Functions, func(f GrantedFunction) bool {
		return f.Zome == zome && (f.Fn == fn || f.Fn == "*")
	})
}

// Admits reports whether a caller presenting secret as provenance satisfies
// the grant's access rule. It does not check function coverage.
func (g CapGrant) Admits(secret CapSecret, provenance AgentPubKey) bool {
	switch g.Access {
	case AccessUnrestricted:
		return true
	case AccessTransferable:
		return secretsEqual(secret, g.Secret)
	case AccessAssigned:
		return secretsEqual(secret, g.Secret) && slices.Contains(g.Assignees, provenance)
	default:
		return false
	}
}

func secretsEqual(a, b CapSecret) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
