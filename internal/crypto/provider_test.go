package crypto

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cellhost/internal/cell"
)

type staticGrants []cell.CapGrant

func (g staticGrants) Grants(context.Context) ([]cell.CapGrant, error) { return g, nil }

func TestSignAndVerifyEntry(t *testing.T) {
	ctx := context.Background()
	ks := NewKeystore()
	agent, err := ks.NewAgent(ctx)
	require.NoError(t, err)

	e := cell.Entry{Type: "counter", Content: json.RawMessage(`{ "amount": 1 }`), Author: agent, Timestamp: time.Now()}
	se, err := SignEntry(ctx, ks, e)
	require.NoError(t, err)
	require.NoError(t, VerifyEntry(ctx, ks, se))

	// Whitespace does not change the address.
	e.Content = json.RawMessage(`{"amount":1}`)
	addr, err := EntryAddress(ks, e)
	require.NoError(t, err)
	assert.Equal(t, se.Address, addr)

	tampered := se
	tampered.Content = json.RawMessage(`{"amount":2}`)
	assert.ErrorIs(t, VerifyEntry(ctx, ks, tampered), ErrAddressMismatch)

	forged := se
	forged.Signature = bytes.Repeat([]byte{1}, len(se.Signature))
	assert.ErrorIs(t, VerifyEntry(ctx, ks, forged), ErrBadSignature)
}

func TestImportSeedIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a1, err := NewKeystore().ImportSeed(seed)
	require.NoError(t, err)
	a2, err := NewKeystore().ImportSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	_, err = NewKeystore().ImportSeed([]byte("short"))
	assert.Error(t, err)
}

func TestSignUnknownAgent(t *testing.T) {
	other, err := NewKeystore().NewAgent(context.Background())
	require.NoError(t, err)
	_, err = NewKeystore().Sign(context.Background(), other, []byte("x"))
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestVerifyCapability(t *testing.T) {
	ctx := context.Background()
	ks := NewKeystore()
	owner, _ := ks.NewAgent(ctx)
	caller, _ := ks.NewAgent(ctx)
	stranger, _ := ks.NewAgent(ctx)
	id := cell.CellID{Dna: cell.NewDnaHash(ks.Hash([]byte("dna"))), Agent: owner}

	grants := staticGrants{
		{Tag: "public", Access: cell.AccessUnrestricted, Functions: []cell.GrantedFunction{{Zome: "counter", Fn: "get"}}},
		{Tag: "friends", Access: cell.AccessAssigned, Secret: "s3cret", Assignees: []cell.AgentPubKey{caller},
			Functions: []cell.GrantedFunction{{Zome: "counter", Fn: "*"}}},
	}

	cases := []struct {
		name string
		req  CapRequest
		want bool
	}{
		{"owner always", CapRequest{Cell: id, Zome: "counter", Fn: "increment", Provenance: owner}, true},
		{"unrestricted fn", CapRequest{Cell: id, Zome: "counter", Fn: "get", Provenance: stranger}, true},
		{"assigned with secret", CapRequest{Cell: id, Zome: "counter", Fn: "increment", Secret: "s3cret", Provenance: caller}, true},
		{"assigned wrong agent", CapRequest{Cell: id, Zome: "counter", Fn: "increment", Secret: "s3cret", Provenance: stranger}, false},
		{"assigned wrong secret", CapRequest{Cell: id, Zome: "counter", Fn: "increment", Secret: "nope00", Provenance: caller}, false},
		{"uncovered zome", CapRequest{Cell: id, Zome: "other", Fn: "get", Provenance: stranger}, false},
		{"malformed provenance", CapRequest{Cell: id, Zome: "counter", Fn: "get", Provenance: "bogus"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ks.VerifyCapability(ctx, tc.req, grants)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
