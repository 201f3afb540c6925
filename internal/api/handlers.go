package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/lithammer/shortuuid/v4"

	"github.com/mattjoyce/cellhost/internal/auth"
	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/engine"
	"github.com/mattjoyce/cellhost/internal/queue"
	"github.com/mattjoyce/cellhost/internal/workflow"
)

const maxCallBody = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.engine.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute trigger depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute trigger depth")
		return
	}

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Cells:         len(s.engine.Cells()),
		PendingDepth:  depth,
	})
}

func (s *Server) handleListCells(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.Cells())
}

func (s *Server) handleGetCell(w http.ResponseWriter, r *http.Request) {
	info, ok := s.lookup(w, r)
	if !ok {
		return
	}
	head, err := s.engine.Head(r.Context(), info.ID)
	if err != nil {
		s.writeWorkflowError(w, workflow.StoreError("head", err))
		return
	}
	respondJSON(w, http.StatusOK, CellResponse{CellInfo: info, HeadSeq: head.Seq, HeadHash: head.Hash})
}

// handleListTriggers handles GET /cells/{cell}/triggers?status=pending
func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	info, ok := s.lookup(w, r)
	if !ok {
		return
	}
	status := queue.Status(r.URL.Query().Get("status"))
	switch status {
	case "", queue.StatusPending, queue.StatusRunning, queue.StatusSucceeded, queue.StatusFailed, queue.StatusSuperseded:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown trigger status")
		return
	}

	triggers, err := s.engine.Triggers(r.Context(), info.ID, status)
	if err != nil {
		s.logger.Error("failed to list triggers", "cell", info.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list triggers")
		return
	}
	out := make([]TriggerResponse, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, TriggerResponse{
			ID:          t.ID,
			Kind:        t.Kind,
			Subject:     t.Subject,
			Payload:     t.Payload,
			Status:      t.Status,
			Attempt:     t.Attempt,
			CommitSeq:   t.CommitSeq,
			CreatedAt:   t.CreatedAt,
			CompletedAt: t.CompletedAt,
			LastError:   t.LastError,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// handleCall handles POST /cells/{cell}/call. The invocation runs to
// commit before the response is written.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	info, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req CallRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxCallBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	inv := cell.Invocation{
		ID:         shortuuid.New(),
		CellID:     info.ID,
		ZomeName:   req.Zome,
		FnName:     req.Fn,
		Payload:    req.Payload,
		Cap:        req.Cap,
		Provenance: req.Provenance,
		AsAt:       req.AsAt,
	}
	p, _ := auth.PrincipalFromContext(r.Context())
	if inv.Provenance == "" {
		inv.Provenance = info.ID.Agent
		if len(p.Agents) > 0 {
			inv.Provenance = cell.AgentPubKey(p.Agents[0])
		}
	}
	if !p.MayAssert(string(inv.Provenance)) {
		s.logger.Warn("provenance not allowed for token", "token", p.Name, "provenance", inv.Provenance)
		s.writeError(w, http.StatusForbidden, "token may not act as this agent")
		return
	}
	if req.TimeoutMs > 0 {
		inv.Deadline = time.Now().Add(time.Duration(req.TimeoutMs) * time.Millisecond)
	}

	out, err := s.engine.Submit(r.Context(), inv)
	if err != nil {
		s.logger.Info("call failed",
			"cell", info.Name,
			"invocation_id", inv.ID,
			"code", workflow.CodeOf(err),
			"request_id", middleware.GetReqID(r.Context()),
		)
		s.writeWorkflowError(w, err)
		return
	}
	if len(out) == 0 {
		out = json.RawMessage("null")
	}
	respondJSON(w, http.StatusOK, CallResponse{InvocationID: inv.ID, Output: out})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (engine.CellInfo, bool) {
	return s.lookupRef(w, chi.URLParam(r, "cell"))
}

func (s *Server) lookupRef(w http.ResponseWriter, ref string) (engine.CellInfo, bool) {
	info, err := s.engine.Lookup(ref)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownCell) {
			s.writeError(w, http.StatusNotFound, "cell not found")
		} else {
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return engine.CellInfo{}, false
	}
	return info, true
}

// statusFor maps an error code to the HTTP status reported for it.
func statusFor(code workflow.Code) int {
	switch code {
	case workflow.CodeInvalidValue, workflow.CodeSerialization:
		return http.StatusBadRequest
	case workflow.CodeCapabilityDenied:
		return http.StatusForbidden
	case workflow.CodeStoreNotInitialized, workflow.CodeEmptyStore:
		return http.StatusNotFound
	case workflow.CodeGuest:
		return http.StatusUnprocessableEntity
	case workflow.CodeCancelled:
		return http.StatusGatewayTimeout
	case workflow.CodeNotImplemented:
		return http.StatusNotImplemented
	case workflow.CodeStoreAccess, workflow.CodeDispatch:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeWorkflowError(w http.ResponseWriter, err error) {
	code := workflow.CodeOf(err)
	respondJSON(w, statusFor(code), ErrorResponse{Error: err.Error(), Code: string(code)})
}

func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
