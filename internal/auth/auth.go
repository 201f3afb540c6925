// Package auth resolves API bearer tokens to principals and their scopes.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"slices"
	"strings"
)

// Wildcard grants every scope.
const Wildcard = "*"

// implied lists the scopes a scope carries with it. Calling a cell implies
// seeing it.
var implied = map[string][]string{
	"cells:call": {"cells:ro"},
}

var (
	ErrMissingHeader = errors.New("missing Authorization header")
	ErrBadScheme     = errors.New("invalid Authorization header format")
	ErrEmptyToken    = errors.New("missing API token")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Name   string
	Token  string
	Scopes []string
	Agents []string
}

// Principal is the authenticated caller. Agents, when non-empty, are the
// only provenances it may assert.
type Principal struct {
	Name   string
	Scopes map[string]struct{}
	Agents []string
}

// Has reports whether p holds scope, directly or through the wildcard.
func (p Principal) Has(scope string) bool {
	if _, ok := p.Scopes[Wildcard]; ok {
		return true
	}
	_, ok := p.Scopes[scope]
	return ok
}

// MayAssert reports whether p may call as agent.
func (p Principal) MayAssert(agent string) bool {
	return len(p.Agents) == 0 || slices.Contains(p.Agents, agent)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken returns the token of an "Authorization: Bearer" header.
func ExtractBearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", ErrMissingHeader
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || scheme != "Bearer" {
		return "", ErrBadScheme
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

// Authenticate matches a presented bearer token against configured tokens.
// Every configured token is compared so the time taken does not depend on
// which one matched.
func Authenticate(presented string, tokens []TokenConfig) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	want := sha256.Sum256([]byte(presented))

	match := -1
	for i, t := range tokens {
		if t.Token == "" {
			continue
		}
		have := sha256.Sum256([]byte(t.Token))
		if subtle.ConstantTimeCompare(want[:], have[:]) == 1 && match < 0 {
			match = i
		}
	}
	if match < 0 {
		return Principal{}, false
	}
	t := tokens[match]
	return Principal{Name: t.Name, Scopes: expandScopes(t.Scopes), Agents: t.Agents}, true
}

func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		out[s] = struct{}{}
		for _, extra := range implied[s] {
			out[extra] = struct{}{}
		}
	}
	return out
}

// HasAnyScope reports whether p holds at least one of required. An empty
// requirement is always met.
func HasAnyScope(p Principal, required ...string) bool {
	return len(required) == 0 || slices.ContainsFunc(required, p.Has)
}
