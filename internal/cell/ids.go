// Package cell holds the data model shared by the engine: identities,
// invocations, capabilities and source chain entries.
package cell

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Prefixes distinguish the kind of a 32-byte hash in its text form.
const (
	dnaPrefix    = "uhC0k"
	agentPrefix  = "uhCAk"
	entryPrefix  = "uhCEk"
	commitPrefix = "uhCkk"
)

var ErrInvalidHash = errors.New("invalid hash")

// DnaHash identifies an application (a resolved DNA bundle).
type DnaHash string

// AgentPubKey is an agent's ed25519 public key in text form.
type AgentPubKey string

// EntryHash is the content address of a source chain entry.
type EntryHash string

// CommitHash addresses one committed snapshot of a cell's state.
type CommitHash string

func encode(prefix string, raw []byte) string {
	return prefix + base64.RawURLEncoding.EncodeToString(raw)
}

func decode(prefix, s string) ([]byte, error) {
	if !strings.HasPrefix(s, prefix) {
		return nil, fmt.Errorf("%w: %q lacks prefix %s", ErrInvalidHash, s, prefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(s[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: %q has %d bytes", ErrInvalidHash, s, len(raw))
	}
	return raw, nil
}

func NewDnaHash(raw []byte) DnaHash         { return DnaHash(encode(dnaPrefix, raw)) }
func NewAgentPubKey(raw []byte) AgentPubKey { return AgentPubKey(encode(agentPrefix, raw)) }
func NewEntryHash(raw []byte) EntryHash     { return EntryHash(encode(entryPrefix, raw)) }
func NewCommitHash(raw []byte) CommitHash   { return CommitHash(encode(commitPrefix, raw)) }

// Bytes returns the raw public key.
func (a AgentPubKey) Bytes() ([]byte, error) { return decode(agentPrefix, string(a)) }

// Bytes returns the raw content hash.
func (h EntryHash) Bytes() ([]byte, error) { return decode(entryPrefix, string(h)) }

// Bytes returns the raw commit hash.
func (h CommitHash) Bytes() ([]byte, error) { return decode(commitPrefix, string(h)) }

// CellID names one running instance of a DNA for one agent.
type CellID struct {
	Dna   DnaHash     `json:"dna"`
	Agent AgentPubKey `json:"agent"`
}

func (c CellID) String() string {
	return string(c.Dna) + ":" + string(c.Agent)
}

// IsZero reports whether the id is unset.
func (c CellID) IsZero() bool { return c.Dna == "" && c.Agent == "" }

// ParseCellID parses the "<dna>:<agent>" form produced by String.
func ParseCellID(s string) (CellID, error) {
	dna, agent, ok := strings.Cut(s, ":")
	if !ok {
		return CellID{}, fmt.Errorf("cell id %q: expected <dna>:<agent>", s)
	}
	if _, err := decode(dnaPrefix, dna); err != nil {
		return CellID{}, fmt.Errorf("cell id dna: %w", err)
	}
	if _, err := decode(agentPrefix, agent); err != nil {
		return CellID{}, fmt.Errorf("cell id agent: %w", err)
	}
	return CellID{Dna: DnaHash(dna), Agent: AgentPubKey(agent)}, nil
}
