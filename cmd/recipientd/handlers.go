package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"tenantmigration"
	"tenantmigration/election"
	"tenantmigration/primaryonly"
	"tenantmigration/recipient"
)

// leaderStatus is the election view the handlers need. Satisfied by
// *election.Runner; tests supply a stub.
type leaderStatus interface {
	Status() election.Status
}

type apiServer struct {
	svc      *recipient.Service
	registry *primaryonly.Registry
	store    recipient.Store
	runner   leaderStatus
	metrics  *recipient.Metrics
	pingDB   func(ctx context.Context) error
}

type submitRequest struct {
	ID             string                         `json:"id,omitempty"`
	TenantID       string                         `json:"tenantId"`
	DonorAddress   string                         `json:"donorAddress"`
	ReadPreference tenantmigration.ReadPreference `json:"readPreference"`
}

func (s *apiServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
		return
	}

	dec := json.NewDecoder(r.Body)
	var req submitRequest
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", nil)
		return
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", nil)
		return
	}

	doc := tenantmigration.NewStateDocument(
		strings.TrimSpace(req.TenantID),
		strings.TrimSpace(req.DonorAddress),
		req.ReadPreference,
	)
	if req.ID != "" {
		// Caller-supplied keys make resubmission idempotent.
		id, err := uuid.Parse(strings.TrimSpace(req.ID))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "id must be a UUID", map[string]string{"id": req.ID})
			return
		}
		doc.ID = id
	}
	if doc.ReadPreference.Mode == "" {
		doc.ReadPreference.Mode = tenantmigration.PrimaryOnly
	}
	if err := doc.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	inst, err := s.svc.Submit(r.Context(), s.registry, doc)
	if err != nil {
		if errors.Is(err, tenantmigration.ErrNotPrimary) {
			writeError(w, http.StatusServiceUnavailable, "not_primary", "this node does not hold the primary role", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	writeJSON(w, http.StatusAccepted, toSubmitResponse(inst.Snapshot()))
}

func (s *apiServer) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
		return
	}

	docs, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "list migrations", nil)
		return
	}
	writeJSON(w, http.StatusOK, toListResponse(docs, s.liveStates()))
}

func (s *apiServer) handleMigration(w http.ResponseWriter, r *http.Request) {
	idText := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/migrations/"), "/")
	if idText == "" || strings.Contains(idText, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "migration id is required", nil)
		return
	}
	id, err := uuid.Parse(idText)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "migration id must be a UUID", map[string]string{"id": idText})
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGet(w, r, id)
	case http.MethodDelete:
		s.handleDelete(w, r, id)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", nil)
	}
}

func (s *apiServer) handleGet(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	doc, ok, err := s.store.Load(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "load migration", nil)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "migration not found", map[string]string{"id": id.String()})
		return
	}

	resp := toMigrationResponse(doc)
	if live, exists := s.liveStates()[id]; exists {
		resp.WorkflowState = string(live.State)
		resp.Term = live.Term
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDelete removes a terminal document. Resumable migrations and
// migrations with a live instance are refused; interrupting them is the
// election's job, not the API's.
func (s *apiServer) handleDelete(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if _, live := s.registry.LookupInstance(recipient.ServiceName, id); live {
		writeError(w, http.StatusConflict, "migration_active", "migration has a live instance", map[string]string{"id": id.String()})
		return
	}

	doc, ok, err := s.store.Load(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "load migration", nil)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "migration not found", map[string]string{"id": id.String()})
		return
	}
	if !doc.Terminal() {
		writeError(w, http.StatusConflict, "migration_resumable", "migration is not terminal", map[string]string{
			"id": id.String(),
		})
		return
	}

	deleted, err := s.store.Delete(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "delete migration", nil)
		return
	}
	if !deleted {
		writeError(w, http.StatusConflict, "migration_resumable", "migration is not terminal", map[string]string{
			"id": id.String(),
		})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *apiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *apiServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if s.pingDB != nil {
		if err := s.pingDB(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database ping failed", nil)
			return
		}
	}
	status := s.runner.Status()
	writeJSON(w, http.StatusOK, readyResponse{
		Leader: status.Mode == election.ModeLeader,
		Epoch:  status.Epoch,
	})
}

func (s *apiServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.metrics == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.metrics.SetLiveInstances(len(s.registry.Instances(recipient.ServiceName)))
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	s.metrics.WritePrometheus(w)
}

// liveStates indexes the live instance snapshots by migration id.
func (s *apiServer) liveStates() map[uuid.UUID]recipient.Snapshot {
	snaps := s.svc.Snapshots(s.registry)
	out := make(map[uuid.UUID]recipient.Snapshot, len(snaps))
	for _, snap := range snaps {
		out[snap.ID] = snap
	}
	return out
}
