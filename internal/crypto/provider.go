// Package crypto provides the signing, hashing and capability checks the
// engine needs. A Provider is passed to every call that uses it; there is
// no package-level keystore.
package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/cellhost/internal/cell"
)

var ErrUnknownAgent = errors.New("no private key for agent")

// Provider is the capability-style interface to the crypto backend.
type Provider interface {
	NewAgent(ctx context.Context) (cell.AgentPubKey, error)
	Sign(ctx context.Context, agent cell.AgentPubKey, data []byte) ([]byte, error)
	Verify(ctx context.Context, agent cell.AgentPubKey, data, sig []byte) (bool, error)
	Hash(data []byte) []byte
	VerifyCapability(ctx context.Context, req CapRequest, grants GrantSource) (bool, error)
}

// CapRequest is what a caller presents to run Zome/Fn in Cell.
type CapRequest struct {
	Cell       cell.CellID
	Zome       string
	Fn         string
	Secret     cell.CapSecret
	Provenance cell.AgentPubKey
}

// GrantSource yields the grants visible at the invocation's snapshot.
type GrantSource interface {
	Grants(ctx context.Context) ([]cell.CapGrant, error)
}

// Keystore is an in-memory ed25519 Provider.
type Keystore struct {
	mu   sync.RWMutex
	keys map[cell.AgentPubKey]ed25519.PrivateKey
	rand io.Reader
}

func NewKeystore() *Keystore {
	return &Keystore{keys: make(map[cell.AgentPubKey]ed25519.PrivateKey), rand: rand.Reader}
}

func (k *Keystore) NewAgent(ctx context.Context) (cell.AgentPubKey, error) {
	pub, priv, err := ed25519.GenerateKey(k.rand)
	if err != nil {
		return "", fmt.Errorf("generate agent key: %w", err)
	}
	agent := cell.NewAgentPubKey(pub)
	k.mu.Lock()
	k.keys[agent] = priv
	k.mu.Unlock()
	return agent, nil
}

// ImportSeed derives an agent from a 32-byte seed, so a configured agent
// keeps its identity across restarts.
func (k *Keystore) ImportSeed(seed []byte) (cell.AgentPubKey, error) {
	if len(seed) != ed25519.SeedSize {
		return "", fmt.Errorf("agent seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	agent := cell.NewAgentPubKey(priv.Public().(ed25519.PublicKey))
	k.mu.Lock()
	k.keys[agent] = priv
	k.mu.Unlock()
	return agent, nil
}

func (k *Keystore) Sign(ctx context.Context, agent cell.AgentPubKey, data []byte) ([]byte, error) {
	k.mu.RLock()
	priv, ok := k.keys[agent]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, agent)
	}
	return ed25519.Sign(priv, data), nil
}

func (k *Keystore) Verify(ctx context.Context, agent cell.AgentPubKey, data, sig []byte) (bool, error) {
	pub, err := agent.Bytes()
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}

func (k *Keystore) Hash(data []byte) []byte {
	sum := blake3.Sum256(data)
	return sum[:]
}

// VerifyCapability admits the cell's own agent unconditionally; any other
// caller needs a grant that covers the function and admits its secret.
func (k *Keystore) VerifyCapability(ctx context.Context, req CapRequest, grants GrantSource) (bool, error) {
	if req.Provenance == "" {
		return false, nil
	}
	if _, err := req.Provenance.Bytes(); err != nil {
		return false, nil
	}
	if req.Provenance == req.Cell.Agent {
		return true, nil
	}
	gs, err := grants.Grants(ctx)
	if err != nil {
		return false, fmt.Errorf("load grants: %w", err)
	}
	for _, g := range gs {
		if g.Covers(req.Zome, req.Fn) && g.Admits(req.Secret, req.Provenance) {
			return true, nil
		}
	}
	return false, nil
}
