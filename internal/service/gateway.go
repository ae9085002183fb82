package service

import (
	"encoding/json"
	"log"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apperrors "github.com/WangQiHao-Charlie/actiond/internal/errors"
	"github.com/WangQiHao-Charlie/actiond/internal/job"
)

// maxBodyBytes bounds a POST /action body.
const maxBodyBytes = 1 << 20

// GatewayOptions configures the HTTP gateway.
type GatewayOptions struct {
	Performer Performer
	Catalog   Catalog
	// Health returns extra fields for GET /healthz. Optional.
	Health func() map[string]any
	Logf   func(string, ...any)
}

type gateway struct {
	opts GatewayOptions
}

// NewGateway returns the HTTP handler serving
//
//	POST /action    JSON body or form fields, same payload as Perform
//	GET  /actions   registry export
//	GET  /healthz   liveness plus load counters
func NewGateway(opts GatewayOptions) http.Handler {
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	g := &gateway{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/action", g.handleAction)
	r.Get("/actions", g.handleActions)
	r.Get("/healthz", g.handleHealth)
	return r
}

func (g *gateway) handleAction(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	payload, err := decodePayload(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, job.Response{
			Status: job.StatusError,
			Error:  err.Error(),
			Code:   string(apperrors.CodeInvalidParameter),
		})
		return
	}
	resp := g.opts.Performer.Perform(r.Context(), payload)
	writeJSON(w, http.StatusOK, resp)
}

func decodePayload(r *http.Request) (map[string]any, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && err != http.ErrNotMultipart {
			return nil, err
		}
		payload := make(map[string]any, len(r.Form))
		for k, v := range r.Form {
			if len(v) > 0 {
				payload[k] = v[0]
			}
		}
		return payload, nil
	}
	payload := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidParameter, "decode request", err)
	}
	return payload, nil
}

func (g *gateway) handleActions(w http.ResponseWriter, _ *http.Request) {
	data, err := g.opts.Catalog.ExportJSON()
	if err != nil {
		g.opts.Logf("[GATEWAY] export actions: %v", err)
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (g *gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if g.opts.Health != nil {
		for k, v := range g.opts.Health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
