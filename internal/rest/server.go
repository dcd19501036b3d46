// Package rest exposes the administration surface: deploying process
// definitions, starting instances, publishing messages and querying
// state. Execution itself never goes through here; the dispatcher owns
// that.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/procflow/procflow/internal/rest/middleware"
	"github.com/procflow/procflow/pkg/bpmn"
	"github.com/procflow/procflow/pkg/storage"
)

// maxDefinitionSize caps uploaded BPMN documents.
const maxDefinitionSize = 4 << 20

type Server struct {
	engine     *bpmn.Engine
	store      storage.Storage
	dispatcher *bpmn.Dispatcher
	logger     hclog.Logger
	addr       string
	server     *http.Server
}

func NewServer(engine *bpmn.Engine, store storage.Storage, dispatcher *bpmn.Dispatcher, addr string, logger hclog.Logger) *Server {
	r := chi.NewRouter()
	s := Server{
		engine:     engine,
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		addr:       addr,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              addr,
		},
	}
	r.Use(middleware.Cors())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/process-definitions", s.saveDefinition)
		r.Get("/process-definitions/{id}", s.listDefinitionVersions)
		r.Delete("/process-definitions/{id}", s.deleteDefinition)

		r.Post("/process-instances", s.createInstance)
		r.Get("/process-instances", s.listInstances)
		r.Get("/process-instances/{id}", s.getInstance)
		r.Delete("/process-instances/{id}", s.deleteInstance)
		r.Post("/process-instances/{id}/messages", s.publishMessage)
	})
	r.Route("/system", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJson(w, http.StatusOK, map[string]string{
				"status":   "UP",
				"lockName": dispatcher.LockName(),
			})
		})
	})
	return &s
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.logger.Error("failed to listen", "addr", s.addr, "error", err)
		return nil
	}
	s.logger.Info("REST server listening", "addr", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("error starting server", "error", err)
		}
	}()
	return listener
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error stopping server", "error", err)
	}
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type definitionSummary struct {
	Id      uuid.UUID `json:"id"`
	Version int32     `json:"version"`
	Name    string    `json:"name"`
}

type instanceSummary struct {
	Id                uuid.UUID  `json:"id"`
	DefinitionId      uuid.UUID  `json:"definitionId"`
	DefinitionVersion int32      `json:"definitionVersion"`
	Status            string     `json:"status"`
	NextExecution     *time.Time `json:"nextExecution,omitempty"`
	LockName          *string    `json:"lockName,omitempty"`
}

// saveDefinition deploys a BPMN document as the next version of a
// definition. The id query parameter targets an existing definition;
// without it a fresh id is minted.
func (s *Server) saveDefinition(w http.ResponseWriter, r *http.Request) {
	id := uuid.New()
	if param := r.URL.Query().Get("id"); param != "" {
		parsed, err := uuid.Parse(param)
		if err != nil {
			writeError(w, http.StatusBadRequest, apiError{Message: "invalid definition id", Type: "BAD_REQUEST"})
			return
		}
		id = parsed
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDefinitionSize))
	if err != nil || len(data) == 0 {
		writeError(w, http.StatusBadRequest, apiError{Message: "missing request body", Type: "BAD_REQUEST"})
		return
	}

	definition, err := s.engine.SaveDefinition(r.Context(), id, r.URL.Query().Get("name"), data)
	if err != nil {
		var parseErr *bpmn.ParseError
		switch {
		case errors.As(err, &parseErr):
			writeError(w, http.StatusUnprocessableEntity, apiError{Message: err.Error(), Type: "INVALID_DEFINITION"})
		case errors.Is(err, storage.ErrDefinitionExists):
			writeError(w, http.StatusConflict, apiError{Message: err.Error(), Type: "CONFLICT"})
		default:
			writeError(w, http.StatusInternalServerError, apiError{Message: err.Error(), Type: "ERROR"})
		}
		return
	}
	writeJson(w, http.StatusCreated, definitionSummary{Id: definition.Id, Version: definition.Version, Name: definition.Name})
}

func (s *Server) listDefinitionVersions(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, apiError{Message: "invalid definition id", Type: "BAD_REQUEST"})
		return
	}
	definitions, err := s.store.FindProcessDefinitions(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, apiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	summaries := make([]definitionSummary, 0, len(definitions))
	for _, d := range definitions {
		summaries = append(summaries, definitionSummary{Id: d.Id, Version: d.Version, Name: d.Name})
	}
	writeJson(w, http.StatusOK, summaries)
}

func (s *Server) deleteDefinition(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, apiError{Message: "invalid definition id", Type: "BAD_REQUEST"})
		return
	}
	if err := s.store.DeleteProcessDefinitions(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, apiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createInstanceRequest struct {
	DefinitionId uuid.UUID      `json:"definitionId"`
	Variables    map[string]any `json:"variables"`
}

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apiError{Message: "invalid request body", Type: "BAD_REQUEST"})
		return
	}
	instance, err := s.engine.CreateInstance(r.Context(), req.DefinitionId, req.Variables)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, apiError{Message: err.Error(), Type: "NOT_FOUND"})
			return
		}
		writeError(w, http.StatusInternalServerError, apiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	s.dispatcher.Wake()
	writeJson(w, http.StatusCreated, toInstanceSummary(instance))
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	status := storage.InstanceStatusAny
	if param := r.URL.Query().Get("status"); param != "" {
		parsed, ok := parseStatus(param)
		if !ok {
			writeError(w, http.StatusBadRequest, apiError{Message: "unknown status " + param, Type: "BAD_REQUEST"})
			return
		}
		status = parsed
	}
	instances, err := s.store.ListProcessInstances(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, apiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	summaries := make([]instanceSummary, 0, len(instances))
	for _, inst := range instances {
		summaries = append(summaries, toInstanceSummary(inst))
	}
	writeJson(w, http.StatusOK, summaries)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, apiError{Message: "invalid instance id", Type: "BAD_REQUEST"})
		return
	}
	instance, err := s.store.FindProcessInstance(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, apiError{Message: err.Error(), Type: "NOT_FOUND"})
			return
		}
		writeError(w, http.StatusInternalServerError, apiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	// expose the engine's state blob as-is; it is the instance's
	// variables, tokens and failure detail
	var state json.RawMessage
	if json.Valid(instance.Data) {
		state = instance.Data
	}
	writeJson(w, http.StatusOK, struct {
		instanceSummary
		State json.RawMessage `json:"state,omitempty"`
	}{toInstanceSummary(instance), state})
}

func (s *Server) deleteInstance(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, apiError{Message: "invalid instance id", Type: "BAD_REQUEST"})
		return
	}
	if err := s.store.DeleteProcessInstance(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, apiError{Message: err.Error(), Type: "NOT_FOUND"})
			return
		}
		writeError(w, http.StatusInternalServerError, apiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type publishMessageRequest struct {
	Name string `json:"name"`
}

func (s *Server) publishMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, apiError{Message: "invalid instance id", Type: "BAD_REQUEST"})
		return
	}
	var req publishMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, apiError{Message: "missing message name", Type: "BAD_REQUEST"})
		return
	}
	if err := s.engine.PublishMessage(r.Context(), id, req.Name); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, apiError{Message: err.Error(), Type: "NOT_FOUND"})
		case bpmn.IsContention(err):
			writeError(w, http.StatusConflict, apiError{Message: err.Error(), Type: "CONFLICT"})
		default:
			writeError(w, http.StatusUnprocessableEntity, apiError{Message: err.Error(), Type: "INVALID_STATE"})
		}
		return
	}
	s.dispatcher.Wake()
	w.WriteHeader(http.StatusAccepted)
}

func toInstanceSummary(inst storage.ProcessInstance) instanceSummary {
	return instanceSummary{
		Id:                inst.Id,
		DefinitionId:      inst.DefinitionId,
		DefinitionVersion: inst.DefinitionVersion,
		Status:            inst.Status.String(),
		NextExecution:     inst.NextExecution,
		LockName:          inst.LockName,
	}
}

func parseStatus(s string) (storage.InstanceStatus, bool) {
	for _, status := range []storage.InstanceStatus{
		storage.InstanceStatusScheduled,
		storage.InstanceStatusExecuting,
		storage.InstanceStatusCompleted,
		storage.InstanceStatusFailed,
	} {
		if status.String() == s {
			return status, true
		}
	}
	return storage.InstanceStatusUnknown, false
}

func writeJson(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, apiErr apiError) {
	writeJson(w, status, apiErr)
}
