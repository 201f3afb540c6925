package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mattjoyce/cellhost/internal/cell"
	"github.com/mattjoyce/cellhost/internal/signal"
)

// handleSignals streams signals published after the request arrives.
// ?cell= restricts the stream to one cell (name or id) and ?kind= to one
// signal kind.
func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var only cell.CellID
	if ref := r.URL.Query().Get("cell"); ref != "" {
		info, ok := s.lookupRef(w, ref)
		if !ok {
			return
		}
		only = info.ID
	}
	kind := signal.Kind(r.URL.Query().Get("kind"))
	if kind != "" && kind != signal.KindTrace && kind != signal.KindUser {
		s.writeError(w, http.StatusBadRequest, "unknown signal kind")
		return
	}

	sub := s.engine.Subscribe()
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	envs := make(chan signal.Envelope)
	go func() {
		defer close(envs)
		for env := range sub.All(ctx) {
			select {
			case envs <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envs:
			if !ok {
				return
			}
			if !only.IsZero() && env.Signal.Cell() != only {
				continue
			}
			if kind != "" && env.Signal.Kind() != kind {
				continue
			}
			if err := writeSSE(w, env); err != nil {
				s.logger.Warn("signal stream write failed", "error", err)
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, env signal.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", env.ID, env.Signal.Kind(), data); err != nil {
		return err
	}
	return nil
}
