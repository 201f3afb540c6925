package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cellhost/internal/auth"
	"github.com/mattjoyce/cellhost/internal/bundle"
	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/engine"
	"github.com/mattjoyce/cellhost/internal/guest"
	"github.com/mattjoyce/cellhost/internal/signal"
	"github.com/mattjoyce/cellhost/internal/storage"
)

const counterZome = `
def total():
    n = 0
    for e in host.query("counter"):
        n += e["content"]["amount"]
    return n

def increment(payload):
    host.create("counter", {"amount": payload["amount"]})
    host.emit_signal({"incremented": payload["amount"]})
    return total() + payload["amount"]

def get(payload):
    return total()
`

var boundAgent = cell.NewAgentPubKey(bytes.Repeat([]byte{9}, 32))

var tokens = []auth.TokenConfig{
	{Name: "caller", Token: "call-token", Scopes: []string{"cells:call"}},
	{Name: "bound", Token: "bound-token", Scopes: []string{"cells:call"}, Agents: []string{string(boundAgent)}},
	{Name: "watcher", Token: "watch-token", Scopes: []string{"signals:ro"}},
}

type fixture struct {
	srv  *httptest.Server
	eng  *engine.Engine
	cell engine.CellInfo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "cells.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	eng, err := engine.New(engine.Options{DB: db, Runtime: guest.NewStarlark()})
	require.NoError(t, err)
	t.Cleanup(eng.Close)

	b, err := bundle.New(bundle.Manifest{
		Name:  "counter",
		Zomes: []bundle.Zome{{Name: "counter", Location: bundle.Location{Bundled: "counter.star"}}},
	}, map[string][]byte{"counter.star": []byte(counterZome)})
	require.NoError(t, err)
	info, err := eng.InstallCell(ctx, engine.CellSpec{Name: "counter", Bundle: b})
	require.NoError(t, err)

	s := New(Config{Tokens: tokens, KeepAlive: 50 * time.Millisecond}, eng, slog.Default())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, eng: eng, cell: info}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	h := decode[HealthzResponse](t, resp)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, 1, h.Cells)
}

func TestAuthAndScopes(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/cells", "", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/cells", "wrong", nil).StatusCode)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodGet, "/cells", "watch-token", nil).StatusCode)

	resp := f.do(t, http.MethodGet, "/cells", "call-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cells := decode[[]engine.CellInfo](t, resp)
	require.Len(t, cells, 1)
	assert.Equal(t, f.cell.ID, cells[0].ID)
}

func TestCallCommitsAndAdvancesHead(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/cells/counter/call", "call-token",
		CallRequest{Zome: "counter", Fn: "increment", Payload: json.RawMessage(`{"amount":3}`)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	call := decode[CallResponse](t, resp)
	assert.NotEmpty(t, call.InvocationID)
	assert.JSONEq(t, `3`, string(call.Output))

	resp = f.do(t, http.MethodGet, "/cells/"+f.cell.ID.String(), "call-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decode[CellResponse](t, resp)
	assert.Equal(t, uint64(1), info.HeadSeq)

	resp = f.do(t, http.MethodGet, "/cells/counter/triggers?status=pending", "call-token", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	triggers := decode[[]TriggerResponse](t, resp)
	require.Len(t, triggers, 1)
	assert.Equal(t, "revalidate-entry", triggers[0].Kind)
}

func TestCallErrors(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/cells/nope/call", "call-token", CallRequest{Zome: "counter", Fn: "get"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/cells/counter/call", strings.NewReader("{"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer call-token")
	raw, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	_ = raw.Body.Close()
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)

	resp = f.do(t, http.MethodPost, "/cells/counter/call", "call-token", CallRequest{Fn: "get"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "InvalidValue", decode[ErrorResponse](t, resp).Code)

	stranger := cell.NewAgentPubKey(bytes.Repeat([]byte{7}, 32))
	resp = f.do(t, http.MethodPost, "/cells/counter/call", "call-token",
		CallRequest{Zome: "counter", Fn: "get", Provenance: stranger})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "CapabilityDenied", decode[ErrorResponse](t, resp).Code)

	resp = f.do(t, http.MethodGet, "/cells/counter/triggers?status=weird", "call-token", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSignalStream(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/signals?cell=counter&kind=user", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer watch-token")
	stream, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	resp := f.do(t, http.MethodPost, "/cells/counter/call", "call-token",
		CallRequest{Zome: "counter", Fn: "increment", Payload: json.RawMessage(`{"amount":2}`)})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var event, data string
	sc := bufio.NewScanner(stream.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if data != "" {
			break
		}
	}
	require.Equal(t, "user", event)

	var env signal.Envelope
	require.NoError(t, json.Unmarshal([]byte(data), &env))
	u, ok := env.Signal.(signal.User)
	require.True(t, ok)
	assert.Equal(t, f.cell.ID, u.CellID)
	assert.JSONEq(t, `{"incremented":2}`, string(u.Payload))
}

func TestSignalStreamRejectsBadFilters(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/signals?cell=nope", "watch-token", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/signals?kind=weird", "watch-token", nil).StatusCode)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusGatewayTimeout, statusFor("Cancelled"))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor("DispatchError"))
	assert.Equal(t, http.StatusInternalServerError, statusFor(""))
}

func TestBoundTokenCannotAssertOtherAgents(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/cells/counter/call", "bound-token",
		CallRequest{Zome: "counter", Fn: "get", Provenance: f.cell.ID.Agent})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "token may not act as this agent", decode[ErrorResponse](t, resp).Error)

	// With no provenance the bound agent is used, and it holds no grant.
	resp = f.do(t, http.MethodPost, "/cells/counter/call", "bound-token", CallRequest{Zome: "counter", Fn: "get"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "CapabilityDenied", decode[ErrorResponse](t, resp).Code)

	resp = f.do(t, http.MethodPost, "/cells/counter/call", "call-token",
		CallRequest{Zome: "counter", Fn: "get", Provenance: f.cell.ID.Agent})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
