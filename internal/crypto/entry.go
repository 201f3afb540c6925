package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/cellhost/internal/cell"
)

var (
	ErrAddressMismatch = errors.New("entry address does not match content")
	ErrBadSignature    = errors.New("entry signature invalid")
)

// EntryAddress hashes the entry's canonical bytes.
func EntryAddress(p Provider, e cell.Entry) (cell.EntryHash, error) {
	b, err := e.CanonicalBytes()
	if err != nil {
		return "", err
	}
	return cell.NewEntryHash(p.Hash(b)), nil
}

// SignEntry addresses e and signs the address with the author's key.
func SignEntry(ctx context.Context, p Provider, e cell.Entry) (cell.SignedEntry, error) {
	addr, err := EntryAddress(p, e)
	if err != nil {
		return cell.SignedEntry{}, err
	}
	sig, err := p.Sign(ctx, e.Author, []byte(addr))
	if err != nil {
		return cell.SignedEntry{}, fmt.Errorf("sign entry: %w", err)
	}
	return cell.SignedEntry{Entry: e, Address: addr, Signature: sig}, nil
}

// VerifyEntry recomputes the address and checks the author's signature.
func VerifyEntry(ctx context.Context, p Provider, se cell.SignedEntry) error {
	addr, err := EntryAddress(p, se.Entry)
	if err != nil {
		return err
	}
	if addr != se.Address {
		return fmt.Errorf("%w: have %s, computed %s", ErrAddressMismatch, se.Address, addr)
	}
	ok, err := p.Verify(ctx, se.Author, []byte(se.Address), se.Signature)
	if err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}
