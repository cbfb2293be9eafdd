package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/livedub/internal/observe"
	"github.com/MrWong99/livedub/internal/resilience"
	"github.com/MrWong99/livedub/internal/session"
)

// maxRequestBytes bounds the size of a session request body.
const maxRequestBytes = 64 << 10

// errorBody is the JSON body of every non-2xx API response.
type errorBody struct {
	Error string `json:"error"`
}

// tabBody describes one tab in GET /v1/tabs.
type tabBody struct {
	ID    string `json:"id"`
	Page  bool   `json:"page"`
	Muted bool   `json:"muted"`
}

// routes builds the control API:
//
//	POST   /v1/session            start capturing a tab (202)
//	GET    /v1/session            state and counters of the session
//	DELETE /v1/session            stop the session
//	GET    /v1/tabs               configured tabs
//	GET    /v1/tabs/{tab}/media   media element states of a tab
//	GET    /healthz, /readyz      probes
//	GET    /metrics               Prometheus exposition, when configured
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session", a.startSession)
	mux.HandleFunc("GET /v1/session", a.getSession)
	mux.HandleFunc("DELETE /v1/session", a.stopSession)
	mux.HandleFunc("GET /v1/tabs", a.listTabs)
	mux.HandleFunc("GET /v1/tabs/{tab}/media", a.tabMedia)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) startSession(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	observe.Annotate(r.Context(), "tab.id", req.TabID)
	info, err := a.controller.Start(r.Context(), req)
	if err != nil {
		writeError(w, startStatus(err), err)
		return
	}
	observe.Annotate(r.Context(), "session.id", info.ID)
	writeJSON(w, http.StatusAccepted, info)
}

// startStatus maps a start failure to an HTTP status.
func startStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownTab):
		return http.StatusNotFound
	case errors.Is(err, session.ErrNotIdle):
		return http.StatusConflict
	case errors.Is(err, session.ErrClosed), errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (a *App) getSession(w http.ResponseWriter, r *http.Request) {
	info := a.controller.Info()
	if info.ID != "" {
		observe.Annotate(r.Context(), "session.id", info.ID)
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *App) stopSession(w http.ResponseWriter, r *http.Request) {
	if id := a.controller.Info().ID; id != "" {
		observe.Annotate(r.Context(), "session.id", id)
	}
	ctx, cancel := context.WithTimeout(r.Context(), a.shutdownTimeout())
	defer cancel()
	if err := a.controller.Stop(ctx); err != nil {
		if errors.Is(err, session.ErrNotActive) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, a.controller.Info())
}

func (a *App) listTabs(w http.ResponseWriter, _ *http.Request) {
	ids := a.tabs.ids()
	out := make([]tabBody, 0, len(ids))
	for _, id := range ids {
		t, ok := a.tabs.get(id)
		if !ok {
			continue
		}
		body := tabBody{ID: id, Page: t.page != nil}
		for _, ag := range t.agents {
			if ag.Muted() {
				body.Muted = true
				break
			}
		}
		out = append(out, body)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) tabMedia(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("tab")
	t, ok := a.tabs.get(id)
	if !ok {
		writeError(w, http.StatusNotFound, ErrUnknownTab)
		return
	}
	if t.page == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, t.page.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("app: write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}
