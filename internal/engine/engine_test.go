package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/cellhost/internal/bundle"
	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/guest"
	"github.com/mattjoyce/cellhost/internal/queue"
	"github.com/mattjoyce/cellhost/internal/signal"
	"github.com/mattjoyce/cellhost/internal/storage"
	"github.com/mattjoyce/cellhost/internal/store"
	"github.com/mattjoyce/cellhost/internal/workflow"
	"github.com/mattjoyce/cellhost/internal/workspace"
)

const counterZome = `
def total():
    n = 0
    for e in host.query("counter"):
        n += e["content"]["amount"]
    return n

def increment(payload):
    amount = payload["amount"]
    host.create("counter", {"amount": amount})
    host.emit_signal({"incremented": amount})
    return total() + amount

def get(payload):
    return total()

def noisy_failure(payload):
    host.emit_signal({"never": "seen"})
    host.put("scratch", 1)
    fail("guest trap")

def open_up(payload):
    host.create_cap_grant("public", ["counter.get"])
    return None
`

func counterBundle(t *testing.T) *bundle.Bundle {
	t.Helper()
	b, err := bundle.New(bundle.Manifest{
		Name:  "counter",
		Zomes: []bundle.Zome{{Name: "counter", Location: bundle.Location{Bundled: "counter.star"}}},
	}, map[string][]byte{"counter.star": []byte(counterZome)})
	require.NoError(t, err)
	return b
}

// failNthApply fails the nth Apply across all cells.
type failNthApply struct {
	store.Store
	n     int32
	count atomic.Int32
}

func (f *failNthApply) BeginWrite(ctx context.Context, id cell.CellID) (store.WriteHandle, error) {
	wh, err := f.Store.BeginWrite(ctx, id)
	if err != nil {
		return nil, err
	}
	return &countingWrite{WriteHandle: wh, parent: f}, nil
}

type countingWrite struct {
	store.WriteHandle
	parent *failNthApply
}

var errInjected = errors.New("injected apply failure")

func (w *countingWrite) Apply(ctx context.Context, cs store.CommitSet) (store.Snapshot, error) {
	if w.parent.count.Add(1) == w.parent.n {
		return store.Snapshot{}, errInjected
	}
	return w.WriteHandle.Apply(ctx, cs)
}

func newEngine(t *testing.T, wrap func(store.Store) store.Store) *Engine {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "cells.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	opts := Options{DB: db, Runtime: guest.NewStarlark(), PollInterval: 10 * time.Millisecond}
	if wrap != nil {
		opts.Store = wrap(store.NewSQLite(db, nil))
	}
	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func install(t *testing.T, e *Engine, name string) CellInfo {
	t.Helper()
	info, err := e.InstallCell(context.Background(), CellSpec{Name: name, Bundle: counterBundle(t)})
	require.NoError(t, err)
	return info
}

func increment(info CellInfo, asAt cell.CommitHash) cell.Invocation {
	return cell.Invocation{
		CellID:     info.ID,
		ZomeName:   "counter",
		FnName:     "increment",
		Payload:    json.RawMessage(`{"amount":1}`),
		Provenance: info.ID.Agent,
		AsAt:       asAt,
	}
}

func counterAt(t *testing.T, e *Engine, info CellInfo, asAt cell.CommitHash) int {
	t.Helper()
	out, err := e.Submit(context.Background(), cell.Invocation{
		CellID: info.ID, ZomeName: "counter", FnName: "get", Provenance: info.ID.Agent, AsAt: asAt,
	})
	require.NoError(t, err)
	var n int
	require.NoError(t, json.Unmarshal(out, &n))
	return n
}

func revalidateTriggers(t *testing.T, e *Engine, id cell.CellID) []*queue.Trigger {
	t.Helper()
	ts, err := e.Triggers(context.Background(), id, "")
	require.NoError(t, err)
	var out []*queue.Trigger
	for _, tr := range ts {
		if tr.Kind == string(workflow.KindRevalidateEntry) {
			out = append(out, tr)
		}
	}
	return out
}

func chainLen(t *testing.T, e *Engine, id cell.CellID) int {
	t.Helper()
	r, err := e.store.BeginRead(context.Background(), id, "")
	require.NoError(t, err)
	defer r.Close()
	recs, err := r.Chain(context.Background(), "counter")
	require.NoError(t, err)
	return len(recs)
}

func TestScenarioCounterTwiceAtGenesis(t *testing.T) {
	e := newEngine(t, nil)
	info := install(t, e, "counter")
	head0 := info.Genesis

	for i := 0; i < 2; i++ {
		_, err := e.Submit(context.Background(), increment(info, head0))
		require.NoError(t, err, "run %d", i)
	}

	assert.Equal(t, 2, counterAt(t, e, info, ""))
	assert.Equal(t, 2, chainLen(t, e, info.ID))
	trig := revalidateTriggers(t, e, info.ID)
	require.Len(t, trig, 2)
	assert.NotEqual(t, trig[0].Subject, trig[1].Subject)

	// The genesis snapshot still reads as empty.
	assert.Equal(t, 0, counterAt(t, e, info, head0))
}

func TestScenarioSecondApplyFails(t *testing.T) {
	e := newEngine(t, func(s store.Store) store.Store {
		return &failNthApply{Store: s, n: 2}
	})
	info := install(t, e, "counter")
	head0 := info.Genesis

	_, err := e.Submit(context.Background(), increment(info, head0))
	require.NoError(t, err)

	_, err = e.Submit(context.Background(), increment(info, head0))
	require.Error(t, err)
	assert.True(t, workflow.IsCode(err, workflow.CodeDispatch), "err: %v", err)
	assert.ErrorIs(t, err, errInjected)

	assert.Equal(t, 1, counterAt(t, e, info, ""))
	assert.Equal(t, 1, chainLen(t, e, info.ID))
	assert.Len(t, revalidateTriggers(t, e, info.ID), 1)
}

func TestScenarioCellsCommitIndependently(t *testing.T) {
	e := newEngine(t, nil)
	a := install(t, e, "a")
	b := install(t, e, "b")
	require.NotEqual(t, a.ID, b.ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, info := range []CellInfo{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Submit(context.Background(), increment(info, ""))
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, counterAt(t, e, a, ""))
	assert.Equal(t, 1, counterAt(t, e, b, ""))

	// A held write slot on a blocks only a.
	wh, err := e.store.BeginWrite(context.Background(), a.ID)
	require.NoError(t, err)
	doneA := make(chan error, 1)
	go func() {
		_, err := e.Submit(context.Background(), increment(a, ""))
		doneA <- err
	}()

	_, err = e.Submit(context.Background(), increment(b, ""))
	require.NoError(t, err)
	select {
	case err := <-doneA:
		t.Fatalf("cell a committed while its slot was held: %v", err)
	default:
	}
	wh.Release()
	require.NoError(t, <-doneA)
	assert.Equal(t, 2, counterAt(t, e, a, ""))
	assert.Equal(t, 2, counterAt(t, e, b, ""))
}

func TestFailedGuestLeavesNothing(t *testing.T) {
	e := newEngine(t, nil)
	info := install(t, e, "counter")
	sub := e.Subscribe()
	defer sub.Close()

	inv := increment(info, "")
	inv.FnName = "noisy_failure"
	_, err := e.Submit(context.Background(), inv)
	assert.True(t, workflow.IsCode(err, workflow.CodeGuest), "err: %v", err)

	head, err := e.Head(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head.Seq)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSignalsArriveInOrder(t *testing.T) {
	e := newEngine(t, nil)
	info := install(t, e, "counter")
	_, err := e.Submit(context.Background(), increment(info, ""))
	require.NoError(t, err)

	sub := e.Subscribe()
	defer sub.Close()
	_, err = e.Submit(context.Background(), increment(info, ""))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, err := sub.Next(ctx)
	require.NoError(t, err)
	second, err := sub.Next(ctx)
	require.NoError(t, err)

	tr, ok := first.Signal.(signal.Trace)
	require.True(t, ok)
	assert.Equal(t, "increment", tr.Fn)
	u, ok := second.Signal.(signal.User)
	require.True(t, ok)
	assert.JSONEq(t, `{"incremented":1}`, string(u.Payload))
}

func TestCapabilityGate(t *testing.T) {
	e := newEngine(t, nil)
	info := install(t, e, "counter")
	stranger, err := e.crypto.NewAgent(context.Background())
	require.NoError(t, err)

	inv := increment(info, "")
	inv.Provenance = stranger
	_, err = e.Submit(context.Background(), inv)
	assert.True(t, workflow.IsCode(err, workflow.CodeCapabilityDenied))
	head, err := e.Head(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head.Seq)

	owner := increment(info, "")
	owner.FnName = "open_up"
	_, err = e.Submit(context.Background(), owner)
	require.NoError(t, err)

	get := cell.Invocation{CellID: info.ID, ZomeName: "counter", FnName: "get", Provenance: stranger}
	_, err = e.Submit(context.Background(), get)
	require.NoError(t, err, "public grant covers get")
	_, err = e.Submit(context.Background(), inv)
	assert.True(t, workflow.IsCode(err, workflow.CodeCapabilityDenied), "grant does not cover increment")
}

func TestSubmitValidationAndDeadline(t *testing.T) {
	e := newEngine(t, nil)
	info := install(t, e, "counter")

	_, err := e.Submit(context.Background(), cell.Invocation{CellID: info.ID})
	assert.True(t, workflow.IsCode(err, workflow.CodeInvalidValue))

	inv := increment(info, "")
	inv.Deadline = time.Now().Add(-time.Second)
	_, err = e.Submit(context.Background(), inv)
	assert.True(t, workflow.IsCode(err, workflow.CodeCancelled))

	inv = increment(info, "")
	inv.AsAt = cell.NewCommitHash([]byte("unknown"))
	_, err = e.Submit(context.Background(), inv)
	assert.True(t, workflow.IsCode(err, workflow.CodeInvalidValue))

	inv = increment(info, "")
	inv.ZomeName = "missing"
	_, err = e.Submit(context.Background(), inv)
	assert.True(t, workflow.IsCode(err, workflow.CodeGuest))
}

func TestSubmitWithRetryGivesUpOnPermanent(t *testing.T) {
	var wrapped *failNthApply
	e := newEngine(t, func(s store.Store) store.Store {
		wrapped = &failNthApply{Store: s, n: 1}
		return wrapped
	})
	info := install(t, e, "counter")

	_, err := e.SubmitWithRetry(context.Background(), increment(info, ""), time.Second)
	assert.True(t, workflow.IsCode(err, workflow.CodeDispatch))
	assert.Equal(t, int32(1), wrapped.count.Load(), "injected failure is not retryable")

	out, err := e.SubmitWithRetry(context.Background(), increment(info, ""), time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `1`, string(out))
}

func TestWorkersRevalidateEntries(t *testing.T) {
	e := newEngine(t, nil)
	info := install(t, e, "counter")
	_, err := e.Submit(context.Background(), increment(info, ""))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Start(ctx) }()

	require.Eventually(t, func() bool {
		ts, _ := e.Triggers(context.Background(), info.ID, queue.StatusSucceeded)
		return len(ts) == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	trig := revalidateTriggers(t, e, info.ID)
	r, err := e.store.BeginRead(context.Background(), info.ID, "")
	require.NoError(t, err)
	defer r.Close()
	v, ok, err := r.Get(context.Background(), workspace.DBValidation, trig[0].Subject)
	require.NoError(t, err)
	require.True(t, ok)
	var vr workflow.ValidationRecord
	require.NoError(t, json.Unmarshal(v, &vr))
	assert.Equal(t, workflow.StatusValid, vr.Status)
}

func TestLookupAndInstallFromLocation(t *testing.T) {
	e := newEngine(t, nil)
	raw, err := counterBundle(t).Encode()
	require.NoError(t, err)
	e.resolver.Embedded = map[string][]byte{"counter.bundle": raw}

	_, err = e.InstallCell(context.Background(), CellSpec{
		Name: "bad", Location: bundle.Location{Bundled: "counter.bundle"}, Checksum: bundle.Checksum([]byte("x")),
	})
	assert.Error(t, err)

	seed := make([]byte, 32)
	info, err := e.InstallCell(context.Background(), CellSpec{
		Name: "embedded", Location: bundle.Location{Bundled: "counter.bundle"}, Checksum: bundle.Checksum(raw), AgentSeed: seed,
	})
	require.NoError(t, err)
	again, err := e.InstallCell(context.Background(), CellSpec{
		Name: "embedded", Location: bundle.Location{Bundled: "counter.bundle"}, AgentSeed: seed,
	})
	require.NoError(t, err)
	assert.Equal(t, info.ID, again.ID)
	assert.Equal(t, []string{"counter"}, info.Zomes)

	got, err := e.Lookup(info.ID.String())
	require.NoError(t, err)
	assert.Equal(t, "embedded", got.Name)
	_, err = e.Lookup("nope")
	assert.ErrorIs(t, err, ErrUnknownCell)
	assert.Len(t, e.Cells(), 1)
}
