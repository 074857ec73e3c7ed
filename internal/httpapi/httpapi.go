// Package httpapi exposes nodes over HTTP: their status, their logs, client writes and, for simulated clusters,
// fault injection.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"ramen/internal/logging"
	"ramen/internal/raft"
	"ramen/internal/raft/server"
)

// Backend is what the API serves. Implementations report raft.ErrNodeNotFound for ids they do not know.
type Backend interface {
	Statuses(ctx context.Context) ([]server.Status, error)
	Status(ctx context.Context, id raft.NodeID) (server.Status, error)
	// Entries returns the log entries of node id in [from, to]
	Entries(ctx context.Context, id raft.NodeID, from, to uint32) ([]raft.LogEntry, error)
	Distribute(ctx context.Context, id raft.NodeID, payload []byte, requireAck bool) (string, bool, error)
}

// FaultInjector is implemented by backends that can break the network on purpose. The fault routes are only served
// when the backend implements it.
type FaultInjector interface {
	Kill(ctx context.Context, id raft.NodeID) error
	Revive(ctx context.Context, id raft.NodeID) error
	Partition(ctx context.Context, groups ...[]raft.NodeID) error
	Heal(ctx context.Context) error
}

// Entry is a log entry as served by the API
type Entry struct {
	Index   uint32 `json:"index"`
	Term    uint32 `json:"term"`
	Payload string `json:"payload"`
}

type distributeRequest struct {
	Payload    string `json:"payload"`
	RequireAck bool   `json:"requireAck"`
}

type distributeResponse struct {
	ID string `json:"id"`
	OK bool   `json:"ok"`
}

type partitionRequest struct {
	Groups [][]raft.NodeID `json:"groups"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves the HTTP API backed by a Backend
type Server struct {
	backend Backend
	logger  logging.Logger
}

func New(backend Backend, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{backend: backend, logger: logger}
}

// Handler returns the HTTP handler with all routes
func (s *Server) Handler() http.Handler {
	faults, withFaults := s.backend.(FaultInjector)

	r := chi.NewRouter()
	r.Get("/healthz", s.Healthz)
	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", s.ListNodes)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetNode)
			r.Get("/log", s.GetLog)
			r.Post("/entries", s.PostEntry)
			if withFaults {
				r.Post("/kill", handleNodeFault(faults.Kill))
				r.Post("/revive", handleNodeFault(faults.Revive))
			}
		})
	})
	if withFaults {
		r.Post("/partition", handlePartition(faults))
		r.Post("/heal", handleHeal(faults))
	}
	return r
}

func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) ListNodes(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.backend.Statuses(r.Context())
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) GetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeID(w, r)
	if !ok {
		return
	}
	status, err := s.backend.Status(r.Context(), id)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetLog serves the entries in [from, to]. from defaults to 1 and to to the end of the log.
func (s *Server) GetLog(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeID(w, r)
	if !ok {
		return
	}

	from, err := queryIndex(r, "from", 1)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := queryIndex(r, "to", ^uint32(0))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.backend.Entries(r.Context(), id, from, to)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}

	out := make([]Entry, 0, len(entries))
	for i, e := range entries {
		out = append(out, Entry{Index: max(from, 1) + uint32(i), Term: e.Term, Payload: string(e.Payload)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) PostEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := nodeID(w, r)
	if !ok {
		return
	}

	var body distributeRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if body.Payload == "" {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	entryID, accepted, err := s.backend.Distribute(r.Context(), id, []byte(body.Payload), body.RequireAck)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	s.logger.Debugf("[HTTP] Queued entry %s on node %v", entryID, id)
	writeJSON(w, http.StatusAccepted, distributeResponse{ID: entryID, OK: accepted})
}

func handleNodeFault(fault func(context.Context, raft.NodeID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := nodeID(w, r)
		if !ok {
			return
		}
		if err := fault(r.Context(), id); err != nil {
			writeBackendError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handlePartition(faults FaultInjector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body partitionRequest
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if len(body.Groups) == 0 {
			writeError(w, http.StatusBadRequest, "groups is required")
			return
		}
		if err := faults.Partition(r.Context(), body.Groups...); err != nil {
			writeBackendError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleHeal(faults FaultInjector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := faults.Heal(r.Context()); err != nil {
			writeBackendError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// nodeID parses the {id} URL parameter, answering 400 when it is not a valid node id
func nodeID(w http.ResponseWriter, r *http.Request) (raft.NodeID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || raft.NodeID(id) == raft.None {
		writeError(w, http.StatusBadRequest, "invalid node id "+strconv.Quote(raw))
		return raft.None, false
	}
	return raft.NodeID(id), true
}

func queryIndex(r *http.Request, key string, fallback uint32) (uint32, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, errors.New("invalid " + key + " index " + strconv.Quote(raw))
	}
	return uint32(v), nil
}

func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	if !errors.Is(err, raft.ErrNodeNotFound) {
		s.logger.Warnf("[HTTP] Backend failed: %v", err)
	}
	writeBackendError(w, err)
}

func writeBackendError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, raft.ErrNodeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, server.ErrOrchestratorStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, dst interface{}) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
