// Package engine wires the store, guest runtime, dispatcher and signal bus
// into the surface callers use: install cells, submit invocations and
// subscribe to signals.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/lithammer/shortuuid/v4"

	"github.com/mattjoyce/cellhost/internal/bundle"
	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/clock"
	"github.com/mattjoyce/cellhost/internal/crypto"
	"github.com/mattjoyce/cellhost/internal/dispatch"
	"github.com/mattjoyce/cellhost/internal/guest"
	"github.com/mattjoyce/cellhost/internal/log"
	"github.com/mattjoyce/cellhost/internal/queue"
	"github.com/mattjoyce/cellhost/internal/signal"
	"github.com/mattjoyce/cellhost/internal/store"
	"github.com/mattjoyce/cellhost/internal/workflow"
	"github.com/mattjoyce/cellhost/internal/workspace"
)

var ErrUnknownCell = errors.New("unknown cell")

// Runtime is a guest runtime that zome code can be installed into.
type Runtime interface {
	guest.Runtime
	Install(dna cell.DnaHash, zomes map[string][]byte) error
}

// seedImporter is implemented by providers that can derive an agent from a
// configured seed.
type seedImporter interface {
	ImportSeed(seed []byte) (cell.AgentPubKey, error)
}

type Options struct {
	DB      *sql.DB
	Runtime Runtime
	Crypto  crypto.Provider
	Clock   clock.Clock
	// RequireAttestedTime makes host.sys_time fail when the clock cannot attest.
	RequireAttestedTime bool
	Resolver            *bundle.Resolver

	Workers        int
	PollInterval   time.Duration
	TriggerTimeout time.Duration
	// CallTimeout applies to invocations that carry no deadline.
	CallTimeout time.Duration
	Logger      *slog.Logger
	// Store overrides the SQLite store built on DB; tests use it to inject
	// failures.
	Store store.Store
}

// CellSpec describes a cell to install.
type CellSpec struct {
	Name string
	// Bundle, when set, is used as is; otherwise Location is resolved and
	// decoded.
	Bundle   *bundle.Bundle
	Location bundle.Location
	// Checksum is an optional hex blake3 of the encoded bundle at Location.
	Checksum  string
	AgentSeed []byte
}

// CellInfo is an installed cell.
type CellInfo struct {
	Name    string          `json:"name"`
	ID      cell.CellID     `json:"id"`
	DNA     string          `json:"dna_name"`
	Zomes   []string        `json:"zomes"`
	Genesis cell.CommitHash `json:"genesis"`
}

type Engine struct {
	store      store.Store
	queue      *queue.Queue
	bus        *signal.Bus
	dispatcher *dispatch.Dispatcher
	invoke     *workflow.InvokeZome
	runtime    Runtime
	crypto     crypto.Provider
	resolver   *bundle.Resolver
	opts       Options
	logger     *slog.Logger

	mu    sync.RWMutex
	cells map[string]CellInfo
}

func New(opts Options) (*Engine, error) {
	if opts.DB == nil {
		return nil, errors.New("engine: DB is required")
	}
	if opts.Runtime == nil {
		return nil, errors.New("engine: Runtime is required")
	}
	if opts.Crypto == nil {
		opts.Crypto = crypto.NewKeystore()
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}
	if opts.Resolver == nil {
		opts.Resolver = &bundle.Resolver{}
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("engine")
	}

	st := opts.Store
	if st == nil {
		st = store.NewSQLite(opts.DB, logger.With("component", "store"))
	}
	q := queue.New(opts.DB, queue.WithLogger(logger.With("component", "queue")))
	bus := signal.NewBus()

	invoke := &workflow.InvokeZome{
		Runtime:             opts.Runtime,
		Crypto:              opts.Crypto,
		Clock:               opts.Clock,
		RequireAttestedTime: opts.RequireAttestedTime,
		Logger:              logger.With("component", "workflow"),
	}
	reg := workflow.NewRegistry(invoke, &workflow.RevalidateEntry{Crypto: opts.Crypto}, workflow.Publish{})

	d := dispatch.New(st, q, bus, reg,
		dispatch.WithWorkers(opts.Workers),
		dispatch.WithPollInterval(opts.PollInterval),
		dispatch.WithTriggerTimeout(opts.TriggerTimeout),
		dispatch.WithLogger(logger.With("component", "dispatch")),
	)

	return &Engine{
		store:      st,
		queue:      q,
		bus:        bus,
		dispatcher: d,
		invoke:     invoke,
		runtime:    opts.Runtime,
		crypto:     opts.Crypto,
		resolver:   opts.Resolver,
		opts:       opts,
		logger:     logger,
		cells:      make(map[string]CellInfo),
	}, nil
}

// InstallCell resolves the cell's bundle, installs its zomes and creates its
// databases. Installing the same spec again yields the same cell.
func (e *Engine) InstallCell(ctx context.Context, spec CellSpec) (CellInfo, error) {
	if spec.Name == "" {
		return CellInfo{}, fmt.Errorf("install cell: name is required")
	}
	b := spec.Bundle
	if b == nil {
		raw, err := e.resolver.Resolve(ctx, nil, spec.Location)
		if err != nil {
			return CellInfo{}, fmt.Errorf("install cell %q: %w", spec.Name, err)
		}
		if spec.Checksum != "" {
			if err := bundle.VerifyChecksum(spec.Location.String(), raw, spec.Checksum); err != nil {
				return CellInfo{}, fmt.Errorf("install cell %q: %w", spec.Name, err)
			}
		}
		if b, err = bundle.Decode(raw); err != nil {
			return CellInfo{}, fmt.Errorf("install cell %q: %w", spec.Name, err)
		}
	}
	zomes, err := e.resolver.ResolveZomes(ctx, b)
	if err != nil {
		return CellInfo{}, fmt.Errorf("install cell %q: %w", spec.Name, err)
	}
	dna := bundle.DnaHash(b.Manifest, zomes)

	var agent cell.AgentPubKey
	if len(spec.AgentSeed) > 0 {
		imp, ok := e.crypto.(seedImporter)
		if !ok {
			return CellInfo{}, fmt.Errorf("install cell %q: crypto provider cannot import seeds", spec.Name)
		}
		agent, err = imp.ImportSeed(spec.AgentSeed)
	} else {
		agent, err = e.crypto.NewAgent(ctx)
	}
	if err != nil {
		return CellInfo{}, fmt.Errorf("install cell %q: %w", spec.Name, err)
	}

	if err := e.runtime.Install(dna, zomes); err != nil {
		return CellInfo{}, fmt.Errorf("install cell %q: %w", spec.Name, err)
	}
	id := cell.CellID{Dna: dna, Agent: agent}
	genesis, err := e.store.InitCell(ctx, id, workspace.Databases)
	if err != nil {
		return CellInfo{}, fmt.Errorf("install cell %q: %w", spec.Name, err)
	}

	names := make([]string, 0, len(zomes))
	for n := range zomes {
		names = append(names, n)
	}
	sort.Strings(names)
	info := CellInfo{Name: spec.Name, ID: id, DNA: b.Manifest.Name, Zomes: names, Genesis: genesis}

	e.mu.Lock()
	e.cells[spec.Name] = info
	e.mu.Unlock()
	e.logger.Info("cell installed", "cell", spec.Name, "id", id.String(), "zomes", names)
	return info, nil
}

// Cells lists installed cells by name.
func (e *Engine) Cells() []CellInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]CellInfo, 0, len(e.cells))
	for _, c := range e.cells {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup finds a cell by name or by its "dna:agent" id.
func (e *Engine) Lookup(ref string) (CellInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if c, ok := e.cells[ref]; ok {
		return c, nil
	}
	for _, c := range e.cells {
		if c.ID.String() == ref {
			return c, nil
		}
	}
	return CellInfo{}, fmt.Errorf("%w: %s", ErrUnknownCell, ref)
}

func (e *Engine) Head(ctx context.Context, id cell.CellID) (store.Snapshot, error) {
	return e.store.Head(ctx, id)
}

// Submit runs an invoke-zome workflow for inv and commits its effect.
func (e *Engine) Submit(ctx context.Context, inv cell.Invocation) (workflow.Output, error) {
	const op = "submit"
	if inv.ID == "" {
		inv.ID = shortuuid.New()
	}
	if err := inv.Validate(); err != nil {
		return nil, workflow.E(workflow.CodeInvalidValue, op, err)
	}

	var cancel context.CancelFunc
	if !inv.Deadline.IsZero() {
		ctx, cancel = context.WithDeadline(ctx, inv.Deadline)
	} else {
		ctx, cancel = context.WithTimeout(ctx, e.opts.CallTimeout)
	}
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, workflow.E(workflow.CodeCancelled, op, err)
	}

	logger := log.WithInvocation(inv.ID).With("cell", inv.CellID.String(), "zome", inv.ZomeName, "fn", inv.FnName)
	started := time.Now()
	out, err := e.dispatcher.Run(ctx, e.invoke, inv)
	if err != nil {
		logger.Info("invocation failed", "code", workflow.CodeOf(err), "error", err, "elapsed", time.Since(started))
		return nil, err
	}
	logger.Debug("invocation completed", "elapsed", time.Since(started))
	return out, nil
}

// SubmitWithRetry resubmits inv while the failure is a retryable store
// conflict or busy error, for at most maxElapsed.
func (e *Engine) SubmitWithRetry(ctx context.Context, inv cell.Invocation, maxElapsed time.Duration) (workflow.Output, error) {
	if inv.ID == "" {
		inv.ID = shortuuid.New()
	}
	var out workflow.Output
	op := func() error {
		var err error
		out, err = e.Submit(ctx, inv)
		if err != nil && !workflow.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxElapsedTime = maxElapsed
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	return out, err
}

// Subscribe returns a subscription to signals published from now on.
func (e *Engine) Subscribe() *signal.Subscription { return e.bus.Subscribe() }

// Triggers lists a cell's triggers, optionally filtered by status.
func (e *Engine) Triggers(ctx context.Context, id cell.CellID, status queue.Status) ([]*queue.Trigger, error) {
	return e.queue.List(ctx, id.String(), status)
}

// Depth counts pending triggers across all cells.
func (e *Engine) Depth(ctx context.Context) (int, error) { return e.queue.Depth(ctx) }

// Start runs the trigger workers until ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	return e.dispatcher.Start(ctx)
}

// Dispatcher exposes the dispatcher for callers that drive triggers by hand.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// Close ends all subscriptions.
func (e *Engine) Close() {
	e.bus.Close()
}
