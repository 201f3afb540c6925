package guest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/clock"
)

const appDB = "app"

// callState is the buffer behind the host module for one call.
type callState struct {
	ctx    context.Context
	call   Call
	result Result
	// overlay lets host.get see the call's own puts.
	overlay map[string]Put
}

func newCallState(ctx context.Context, call Call) *callState {
	return &callState{ctx: ctx, call: call, overlay: make(map[string]Put)}
}

func (s *callState) module() *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "host",
		Members: starlark.StringDict{
			"get":              starlark.NewBuiltin("get", s.get),
			"scan":             starlark.NewBuiltin("scan", s.scan),
			"put":              starlark.NewBuiltin("put", s.put),
			"delete":           starlark.NewBuiltin("delete", s.del),
			"create":           starlark.NewBuiltin("create", s.create),
			"query":            starlark.NewBuiltin("query", s.query),
			"emit_signal":      starlark.NewBuiltin("emit_signal", s.emitSignal),
			"create_cap_grant": starlark.NewBuiltin("create_cap_grant", s.createCapGrant),
			"sys_time":         starlark.NewBuiltin("sys_time", s.sysTime),
			"agent_info":       starlark.NewBuiltin("agent_info", s.agentInfo),
			"zome_info":        starlark.NewBuiltin("zome_info", s.zomeInfo),
		},
	}
}

func (s *callState) reader() (Reader, error) {
	if s.call.Reader == nil {
		return nil, fmt.Errorf("no snapshot reader")
	}
	return s.call.Reader, nil
}

// stored values are JSON; anything else comes back as a string.
func decodeStored(b []byte) starlark.Value {
	if v, err := decodeJSON(b); err == nil {
		return v
	}
	return starlark.String(b)
}

func (s *callState) get(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	db := appDB
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "db?", &db); err != nil {
		return nil, err
	}
	if db == appDB {
		if p, ok := s.overlay[key]; ok {
			if p.Delete {
				return starlark.None, nil
			}
			return decodeStored(p.Value), nil
		}
	}
	r, err := s.reader()
	if err != nil {
		return nil, err
	}
	v, ok, err := r.Get(s.ctx, db, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return starlark.None, nil
	}
	return decodeStored(v), nil
}

func (s *callState) scan(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var prefix string
	db := appDB
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "prefix?", &prefix, "db?", &db); err != nil {
		return nil, err
	}
	r, err := s.reader()
	if err != nil {
		return nil, err
	}
	kvs, err := r.Scan(s.ctx, db, prefix)
	if err != nil {
		return nil, err
	}
	out := starlark.NewDict(len(kvs))
	for _, kv := range kvs {
		if err := out.SetKey(starlark.String(kv.Key), decodeStored(kv.Value)); err != nil {
			return nil, err
		}
	}
	if db == appDB {
		for k, p := range s.overlay {
			if !strings.HasPrefix(k, prefix) {
				continue
			}
			if p.Delete {
				if _, _, err := out.Delete(starlark.String(k)); err != nil {
					return nil, err
				}
				continue
			}
			if err := out.SetKey(starlark.String(k), decodeStored(p.Value)); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func (s *callState) put(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key, "value", &value); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("%s: key is required", b.Name())
	}
	raw, err := encodeJSON(value)
	if err != nil {
		return nil, err
	}
	p := Put{Key: key, Value: raw}
	s.overlay[key] = p
	s.result.Puts = append(s.result.Puts, p)
	return starlark.None, nil
}

func (s *callState) del(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("%s: key is required", b.Name())
	}
	p := Put{Key: key, Delete: true}
	s.overlay[key] = p
	s.result.Puts = append(s.result.Puts, p)
	return starlark.None, nil
}

func (s *callState) create(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var typ string
	var content starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "type", &typ, "content", &content); err != nil {
		return nil, err
	}
	if typ == "" {
		return nil, fmt.Errorf("%s: entry type is required", b.Name())
	}
	raw, err := encodeJSON(content)
	if err != nil {
		return nil, err
	}
	s.result.Entries = append(s.result.Entries, NewEntry{Type: typ, Content: raw})
	return starlark.MakeInt(len(s.result.Entries) - 1), nil
}

// query lists chain entries of a type visible at the snapshot. Entries
// created earlier in the same call are not included.
func (s *callState) query(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var typ string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "type?", &typ); err != nil {
		return nil, err
	}
	r, err := s.reader()
	if err != nil {
		return nil, err
	}
	recs, err := r.Query(s.ctx, typ)
	if err != nil {
		return nil, err
	}
	out := make([]starlark.Value, 0, len(recs))
	for _, rec := range recs {
		d := starlark.NewDict(6)
		_ = d.SetKey(starlark.String("address"), starlark.String(rec.Address))
		_ = d.SetKey(starlark.String("type"), starlark.String(rec.Type))
		_ = d.SetKey(starlark.String("author"), starlark.String(rec.Author))
		_ = d.SetKey(starlark.String("seq"), starlark.MakeUint64(rec.Seq))
		_ = d.SetKey(starlark.String("timestamp"), starlark.MakeInt64(rec.Timestamp.UnixMicro()))
		_ = d.SetKey(starlark.String("content"), decodeStored(rec.Content))
		out = append(out, d)
	}
	return starlark.NewList(out), nil
}

func (s *callState) emitSignal(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var payload starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "payload", &payload); err != nil {
		return nil, err
	}
	raw, err := encodeJSON(payload)
	if err != nil {
		return nil, err
	}
	s.result.Signals = append(s.result.Signals, raw)
	return starlark.None, nil
}

// create_cap_grant(tag, functions, access="unrestricted", secret="", assignees=[])
// functions are "zome.fn" strings; "zome.*" covers the whole zome.
func (s *callState) createCapGrant(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		tag, access, secret string
		functions           *starlark.List
		assignees           *starlark.List
	)
	access = string(cell.AccessUnrestricted)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"tag", &tag, "functions", &functions, "access?", &access, "secret?", &secret, "assignees?", &assignees); err != nil {
		return nil, err
	}
	g := cell.CapGrant{Tag: tag, Access: cell.CapAccess(access), Secret: cell.CapSecret(secret)}
	for i := 0; i < functions.Len(); i++ {
		str, ok := starlark.AsString(functions.Index(i))
		if !ok {
			return nil, fmt.Errorf("%s: functions must be strings", b.Name())
		}
		zome, fn, ok := strings.Cut(str, ".")
		if !ok || zome == "" || fn == "" {
			return nil, fmt.Errorf("%s: function %q must be zome.fn", b.Name(), str)
		}
		g.Functions = append(g.Functions, cell.GrantedFunction{Zome: zome, Fn: fn})
	}
	if assignees != nil {
		for i := 0; i < assignees.Len(); i++ {
			str, ok := starlark.AsString(assignees.Index(i))
			if !ok {
				return nil, fmt.Errorf("%s: assignees must be strings", b.Name())
			}
			g.Assignees = append(g.Assignees, cell.AgentPubKey(str))
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	s.result.Grants = append(s.result.Grants, g)
	return starlark.None, nil
}

// sys_time returns verified time in unix microseconds.
func (s *callState) sysTime(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	t, err := s.now(s.call.RequireAttestedTime)
	if err != nil && s.call.RequireAttestedTime {
		return nil, err
	}
	return starlark.MakeInt64(t.UnixMicro()), nil
}

// now reads the clock once per call. Later reads, including the entry
// timestamp stamped after the zome returns, reuse that answer.
func (s *callState) now(requireAttested bool) (time.Time, error) {
	if !s.result.Time.IsZero() {
		return s.result.Time, nil
	}
	t, err := clock.Now(s.ctx, s.call.Clock, requireAttested)
	if err != nil && requireAttested {
		return time.Time{}, err
	}
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		return time.Time{}, ctxErr
	}
	s.result.Time = t
	return t, err
}

func (s *callState) agentInfo(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	d := starlark.NewDict(3)
	_ = d.SetKey(starlark.String("agent"), starlark.String(s.call.Cell.Agent))
	_ = d.SetKey(starlark.String("dna"), starlark.String(s.call.Cell.Dna))
	_ = d.SetKey(starlark.String("provenance"), starlark.String(s.call.Provenance))
	return d, nil
}

func (s *callState) zomeInfo(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	d := starlark.NewDict(3)
	_ = d.SetKey(starlark.String("zome"), starlark.String(s.call.Zome))
	_ = d.SetKey(starlark.String("fn"), starlark.String(s.call.Fn))
	_ = d.SetKey(starlark.String("as_at"), starlark.String(s.call.AsAt))
	return d, nil
}
