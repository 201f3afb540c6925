package guest

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"

	starjson "go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	startime "go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/mattjoyce/cellhost/internal/cell"
)

const defaultMaxSteps = 10_000_000

// Starlark runs zomes written in Starlark. Each zome is a file whose
// top-level functions are callable as fn(payload); the predeclared host
// module exposes the snapshot and the effect buffer.
type Starlark struct {
	mu       sync.RWMutex
	programs map[cell.DnaHash]map[string]*starlark.Program
	maxSteps uint64
	logger   *slog.Logger
}

type StarlarkOption func(*Starlark)

// WithMaxSteps bounds the work one call may do.
func WithMaxSteps(n uint64) StarlarkOption {
	return func(s *Starlark) { s.maxSteps = n }
}

func WithLogger(l *slog.Logger) StarlarkOption {
	return func(s *Starlark) { s.logger = l }
}

func NewStarlark(opts ...StarlarkOption) *Starlark {
	s := &Starlark{
		programs: make(map[cell.DnaHash]map[string]*starlark.Program),
		maxSteps: defaultMaxSteps,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func isPredeclared(name string) bool { return name == "host" }

// Install compiles the zomes of a DNA. Installing the same DNA again
// replaces its programs.
func (s *Starlark) Install(dna cell.DnaHash, zomes map[string][]byte) error {
	progs := make(map[string]*starlark.Program, len(zomes))
	for name, src := range zomes {
		_, prog, err := starlark.SourceProgramOptions(&syntax.FileOptions{}, name+".star", src, isPredeclared)
		if err != nil {
			return fmt.Errorf("compile zome %q: %w", name, err)
		}
		progs[name] = prog
	}
	s.mu.Lock()
	s.programs[dna] = progs
	s.mu.Unlock()
	return nil
}

// Zomes lists the installed zome names of dna.
func (s *Starlark) Zomes(dna cell.DnaHash) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.programs[dna]))
	for name := range s.programs[dna] {
		out = append(out, name)
	}
	return out
}

func (s *Starlark) program(dna cell.DnaHash, zome string) (*starlark.Program, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prog, ok := s.programs[dna][zome]
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", ErrZomeNotFound, zome, dna)
	}
	return prog, nil
}

func (s *Starlark) Call(ctx context.Context, call Call) (res Result, err error) {
	prog, err := s.program(call.Cell.Dna, call.Zome)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	logger := s.logger.With("zome", call.Zome, "fn", call.Fn)
	state := newCallState(ctx, call)
	thread := &starlark.Thread{
		Name:  fmt.Sprintf("%s/%s", call.Zome, call.Fn),
		Print: func(_ *starlark.Thread, msg string) { logger.Debug(msg) },
		Load:  load,
	}
	thread.SetMaxExecutionSteps(s.maxSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("zome panic", "panic", r, "stack", string(debug.Stack()))
			res, err = Result{}, fmt.Errorf("zome %s panicked: %v", call.Zome, r)
		}
	}()

	globals, err := prog.Init(thread, starlark.StringDict{"host": state.module()})
	if err != nil {
		return Result{}, s.callError(ctx, call, err)
	}
	fnVal, ok := globals[call.Fn]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s.%s", ErrFnNotFound, call.Zome, call.Fn)
	}
	fn, ok := fnVal.(starlark.Callable)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s.%s is not a function", ErrFnNotFound, call.Zome, call.Fn)
	}

	payload, err := decodeJSON(call.Payload)
	if err != nil {
		return Result{}, err
	}
	out, err := starlark.Call(thread, fn, starlark.Tuple{payload}, nil)
	if err != nil {
		return Result{}, s.callError(ctx, call, err)
	}

	output, err := encodeJSON(out)
	if err != nil {
		return Result{}, fmt.Errorf("%s.%s result: %w", call.Zome, call.Fn, err)
	}
	if len(state.result.Entries) > 0 {
		if _, err := state.now(false); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, fmt.Errorf("%s.%s: %w", call.Zome, call.Fn, ctxErr)
			}
			logger.Warn("entry timestamp from local clock", "error", err)
		}
	}
	res = state.result
	res.Output = output
	return res, nil
}

// callError prefers the context error when the thread was cancelled.
func (s *Starlark) callError(ctx context.Context, call Call, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s.%s: %w", call.Zome, call.Fn, ctxErr)
	}
	return fmt.Errorf("%s.%s: %w", call.Zome, call.Fn, err)
}

func load(_ *starlark.Thread, module string) (starlark.StringDict, error) {
	switch module {
	case "json":
		return starjson.Module.Members, nil
	case "math":
		return math.Module.Members, nil
	case "time":
		members := make(starlark.StringDict)
		maps.Copy(members, startime.Module.Members)
		// Zomes read time through host.sys_time.
		delete(members, "now")
		members.Freeze()
		return members, nil
	}
	return nil, fmt.Errorf("module %q not found", module)
}
