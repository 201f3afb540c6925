package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/log"
	"github.com/mattjoyce/cellhost/internal/queue"
	"github.com/mattjoyce/cellhost/internal/signal"
	"github.com/mattjoyce/cellhost/internal/store"
	"github.com/mattjoyce/cellhost/internal/workflow"
	"github.com/mattjoyce/cellhost/internal/workspace"
)

const (
	defaultWorkers        = 4
	defaultPollInterval   = time.Second
	defaultTriggerTimeout = 30 * time.Second
	// completeRetryWindow bounds how long a worker keeps retrying Complete.
	completeRetryWindow = 30 * time.Second
)

// Dispatcher commits effects and drains the trigger queue.
type Dispatcher struct {
	store    store.Store
	queue    *queue.Queue
	bus      *signal.Bus
	registry *workflow.Registry
	logger   *slog.Logger

	workers        int
	pollInterval   time.Duration
	triggerTimeout time.Duration
	lease          time.Duration
	wake           chan struct{}
}

type Option func(*Dispatcher)

func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

func WithPollInterval(p time.Duration) Option {
	return func(d *Dispatcher) {
		if p > 0 {
			d.pollInterval = p
		}
	}
}

// WithTriggerTimeout bounds one trigger's workflow execution.
func WithTriggerTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.triggerTimeout = t
		}
	}
}

// WithLease sets how long a claimed trigger may stay running before it is
// returned to pending. Defaults to twice the trigger timeout plus the
// Complete retry window.
func WithLease(l time.Duration) Option {
	return func(d *Dispatcher) {
		if l > 0 {
			d.lease = l
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// New creates a Dispatcher.
func New(st store.Store, q *queue.Queue, bus *signal.Bus, reg *workflow.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:          st,
		queue:          q,
		bus:            bus,
		registry:       reg,
		logger:         log.WithComponent("dispatch"),
		workers:        defaultWorkers,
		pollInterval:   defaultPollInterval,
		triggerTimeout: defaultTriggerTimeout,
		wake:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.lease == 0 {
		d.lease = 2*d.triggerTimeout + completeRetryWindow
	}
	return d
}

// Commit applies eff atomically, then publishes its signals and runs its
// callbacks. It returns the snapshot the effect produced.
func (d *Dispatcher) Commit(ctx context.Context, eff *workflow.Effect) (store.Snapshot, error) {
	const op = "commit"
	ctx = context.WithoutCancel(ctx)
	if eff == nil || eff.Workspace == nil {
		return store.Snapshot{}, workflow.E(workflow.CodeInvalidValue, op, errors.New("effect has no workspace"))
	}

	cs, err := eff.Workspace.IntoCommitSet()
	if err != nil {
		return store.Snapshot{}, workflow.E(workflow.CodeDispatch, op, err)
	}
	cellKey := cs.Cell.String()
	for _, t := range eff.Triggers {
		cs.Triggers = append(cs.Triggers, queue.EnqueueRequest{
			CellID:  cellKey,
			Kind:    string(t.Kind),
			Subject: t.Subject,
			Payload: t.Payload,
		})
	}
	logger := d.logger.With("cell", cellKey)

	wh, err := d.store.BeginWrite(ctx, cs.Cell)
	if err != nil {
		return store.Snapshot{}, workflow.E(workflow.CodeDispatch, op, err)
	}
	head := cs.Base
	if !cs.Empty() {
		head, err = wh.Apply(ctx, cs)
		if err != nil {
			wh.Release()
			logger.Warn("commit failed", "base_seq", cs.Base.Seq, "error", err)
			return store.Snapshot{}, workflow.E(workflow.CodeDispatch, op, err)
		}
		logger.Debug("committed", "seq", head.Seq, "ops", len(cs.Ops), "appends", len(cs.Appends), "triggers", len(cs.Triggers))
	}
	if len(eff.Signals) > 0 {
		d.bus.Publish(eff.Signals...)
	}
	wh.Release()

	if len(cs.Triggers) > 0 {
		d.notify()
	}
	for i, cb := range eff.Callbacks {
		d.runCallback(ctx, logger, i, cb, head)
	}
	return head, nil
}

func (d *Dispatcher) runCallback(ctx context.Context, logger *slog.Logger, i int, cb workflow.Callback, head store.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("callback panicked", "index", i, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	cb(ctx, head)
}

// Run executes wf against a workspace at inv.AsAt and commits its effect.
func (d *Dispatcher) Run(ctx context.Context, wf workflow.Workflow, inv cell.Invocation) (workflow.Output, error) {
	var out workflow.Output
	err := workspace.Checkout(ctx, d.store, inv.CellID, inv.AsAt, func(ws *workspace.Workspace) error {
		o, eff, err := wf.Execute(ctx, ws, inv)
		if err != nil {
			return err
		}
		out = o
		if eff == nil {
			return nil
		}
		if eff.Workspace == nil {
			eff.Workspace = ws
		}
		_, err = d.Commit(ctx, eff)
		return err
	})
	if err != nil {
		return nil, workflow.StoreError(string(wf.Kind()), err)
	}
	return out, nil
}

func (d *Dispatcher) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start runs the worker pool until ctx is cancelled. Triggers left running
// by a previous process are reset first.
func (d *Dispatcher) Start(ctx context.Context) error {
	if n, err := d.queue.RecoverRunning(ctx, 0); err != nil {
		return fmt.Errorf("recover running triggers: %w", err)
	} else if n > 0 {
		d.logger.Info("recovered running triggers", "count", n)
	}

	d.logger.Info("dispatch workers started", "workers", d.workers)
	defer d.logger.Info("dispatch workers stopped")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		g.Go(func() error { return d.work(gctx, i) })
	}
	g.Go(func() error { return d.reapLoop(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reapLoop returns triggers whose claim outlived the lease to pending, so a
// lost completion does not hold a cell's queue until the next restart.
func (d *Dispatcher) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.lease / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.reap(ctx)
		}
	}
}

func (d *Dispatcher) reap(ctx context.Context) int {
	n, err := d.queue.RecoverRunning(ctx, d.lease)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("failed to reap stale triggers", "error", err)
		}
		return 0
	}
	if n > 0 {
		d.logger.Warn("returned stale triggers to pending", "count", n, "lease", d.lease)
		d.notify()
	}
	return n
}

func (d *Dispatcher) work(ctx context.Context, id int) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	logger := d.logger.With("worker", id)

	for {
		processed, err := d.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("failed to process trigger", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// ProcessNext claims and runs one trigger. It reports false when nothing
// was claimable.
func (d *Dispatcher) ProcessNext(ctx context.Context) (bool, error) {
	t, err := d.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if t == nil {
		return false, nil
	}
	d.execute(ctx, t)
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, t *queue.Trigger) {
	logger := log.WithInvocation(t.ID).With("cell", t.CellID, "kind", t.Kind, "subject", t.Subject)
	logger.Debug("running trigger", "attempt", t.Attempt)

	id, err := cell.ParseCellID(t.CellID)
	if err != nil {
		d.complete(ctx, logger, t.ID, queue.StatusFailed, err)
		return
	}
	wf, err := d.registry.Get(workflow.Kind(t.Kind))
	if err != nil {
		d.complete(ctx, logger, t.ID, queue.StatusFailed, err)
		return
	}

	rctx, cancel := context.WithTimeout(ctx, d.triggerTimeout)
	defer cancel()
	_, err = d.Run(rctx, wf, cell.Invocation{
		ID:         t.ID,
		CellID:     id,
		Provenance: id.Agent,
		Payload:    t.Payload,
	})
	if err != nil {
		logger.Warn("trigger failed", "error", err)
		d.complete(ctx, logger, t.ID, queue.StatusFailed, err)
		return
	}
	d.complete(ctx, logger, t.ID, queue.StatusSucceeded, nil)
}

func (d *Dispatcher) complete(ctx context.Context, logger *slog.Logger, id string, status queue.Status, cause error) {
	var lastError *string
	if cause != nil {
		s := cause.Error()
		lastError = &s
	}
	err := retryComplete(ctx, completeRetryWindow, func() error {
		return d.queue.Complete(context.WithoutCancel(ctx), id, status, lastError)
	}, func(err error, wait time.Duration) {
		logger.Warn("complete trigger failed, retrying", "error", err, "retry_in", wait)
	})
	if err != nil {
		logger.Error("failed to complete trigger", "error", err)
	}
}

// retryComplete runs complete with exponential backoff until it succeeds,
// the window closes or ctx ends. A missing trigger is not retried.
func retryComplete(ctx context.Context, window time.Duration, complete func() error, notify backoff.Notify) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxElapsedTime = window
	op := func() error {
		err := complete()
		if errors.Is(err, queue.ErrTriggerNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
}
