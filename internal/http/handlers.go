package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/rating"
	"github.com/example/ride-dispatch/internal/storage"
)

// Server is the HTTP face of the dispatch engine.
type Server struct {
	Store     storage.Store
	Avail     *availability.Service
	Matcher   *matcher.Service
	Lifecycle *lifecycle.Service
	Rating    *rating.Service
	Registry  *notify.Registry
	Ingest    *ingest.Producer

	logger *slog.Logger
	mux    *mux.Router
}

// Deps bundles the server's collaborators. Registry and Ingest may be
// nil; the matching routes degrade gracefully.
type Deps struct {
	Store     storage.Store
	Avail     *availability.Service
	Matcher   *matcher.Service
	Lifecycle *lifecycle.Service
	Rating    *rating.Service
	Registry  *notify.Registry
	Ingest    *ingest.Producer
}

func NewServer(log *slog.Logger, d Deps) *Server {
	s := &Server{
		Store:     d.Store,
		Avail:     d.Avail,
		Matcher:   d.Matcher,
		Lifecycle: d.Lifecycle,
		Rating:    d.Rating,
		Registry:  d.Registry,
		Ingest:    d.Ingest,
		logger:    log,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/providers", s.handleProviderRegister).Methods("POST")
	api.HandleFunc("/providers/{id}", s.handleProviderGet).Methods("GET")
	api.HandleFunc("/providers/{id}/available", s.handleProviderAvailable).Methods("POST")
	api.HandleFunc("/providers/{id}/offline", s.handleProviderOffline).Methods("POST")
	api.HandleFunc("/providers/{id}/location", s.handleProviderLocation).Methods("POST")

	api.HandleFunc("/requests", s.handleRequestCreate).Methods("POST")
	api.HandleFunc("/requests", s.handleRequestList).Methods("GET")
	api.HandleFunc("/requests/{id}", s.handleRequestGet).Methods("GET")
	api.HandleFunc("/requests/{id}/history", s.handleRequestHistory).Methods("GET")
	api.HandleFunc("/requests/{id}/assign", s.handleRequestAssign).Methods("POST")
	api.HandleFunc("/requests/{id}/accept", s.handleRequestAccept).Methods("POST")
	api.HandleFunc("/requests/{id}/decline", s.handleRequestDecline).Methods("POST")
	api.HandleFunc("/requests/{id}/cancel", s.handleRequestCancel).Methods("POST")
	api.HandleFunc("/requests/{id}/complete", s.handleRequestComplete).Methods("POST")
	api.HandleFunc("/requests/{id}/rating", s.handleRequestRate).Methods("POST")

	api.HandleFunc("/stats", s.handleStats).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{party_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleProviderRegister(w http.ResponseWriter, r *http.Request) {
	var in availability.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid body: %w", models.ErrValidation))
		return
	}
	p, err := s.Avail.Register(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleProviderGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.Avail.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProviderAvailable(w http.ResponseWriter, r *http.Request) {
	p, err := s.Avail.SetAvailable(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publish(p)
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProviderOffline(w http.ResponseWriter, r *http.Request) {
	p, err := s.Avail.SetOffline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publish(p)
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleProviderLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Coord
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid body: %w", models.ErrValidation))
		return
	}
	p, err := s.Avail.UpdateLocation(r.Context(), mux.Vars(r)["id"], loc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.publish(p)
	s.writeJSON(w, http.StatusOK, p)
}

// publish streams the snapshot to kafka when configured, best effort.
func (s *Server) publish(p *models.Provider) {
	if s.Ingest == nil {
		return
	}
	if err := s.Ingest.Publish(*p); err != nil {
		s.logger.Warn("kafka publish failed", "provider_id", p.ID, "error", err.Error())
	}
}

func (s *Server) handleRequestCreate(w http.ResponseWriter, r *http.Request) {
	var in matcher.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid body: %w", models.ErrValidation))
		return
	}
	rq, err := s.Matcher.CreateRequest(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rq)
}

func (s *Server) handleRequestGet(w http.ResponseWriter, r *http.Request) {
	rq, err := s.Store.GetRequest(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rq)
}

func (s *Server) handleRequestList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.RequestFilter{
		RequesterID: q.Get("requester_id"),
		ProviderID:  q.Get("provider_id"),
	}
	if v := q.Get("status"); v != "" {
		f.Status = models.RequestStatus(v)
		if !f.Status.Valid() {
			s.writeError(w, r, fmt.Errorf("unknown status %q: %w", v, models.ErrValidation))
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("invalid limit %q: %w", v, models.ErrValidation))
			return
		}
		f.Limit = n
	}
	items, err := s.Store.ListRequests(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"requests": items, "count": len(items)})
}

func (s *Server) handleRequestHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Store.GetRequest(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	trs, err := s.Store.Transitions(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "transitions": trs})
}

func (s *Server) handleRequestAssign(w http.ResponseWriter, r *http.Request) {
	rq, err := s.Matcher.Assign(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rq)
}

type providerAction struct {
	ProviderID string `json:"provider_id"`
}

type requesterAction struct {
	RequesterID string `json:"requester_id"`
}

func (s *Server) handleRequestAccept(w http.ResponseWriter, r *http.Request) {
	var in providerAction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid body: %w", models.ErrValidation))
		return
	}
	rq, err := s.Lifecycle.Accept(r.Context(), mux.Vars(r)["id"], in.ProviderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rq)
}

func (s *Server) handleRequestDecline(w http.ResponseWriter, r *http.Request) {
	var in providerAction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid body: %w", models.ErrValidation))
		return
	}
	rq, err := s.Lifecycle.Decline(r.Context(), mux.Vars(r)["id"], in.ProviderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rq)
}

func (s *Server) handleRequestCancel(w http.ResponseWriter, r *http.Request) {
	var in requesterAction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid body: %w", models.ErrValidation))
		return
	}
	rq, err := s.Lifecycle.Cancel(r.Context(), mux.Vars(r)["id"], in.RequesterID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rq)
}

func (s *Server) handleRequestComplete(w http.ResponseWriter, r *http.Request) {
	var in providerAction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid body: %w", models.ErrValidation))
		return
	}
	rq, err := s.Lifecycle.Complete(r.Context(), mux.Vars(r)["id"], in.ProviderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rq)
}

func (s *Server) handleRequestRate(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RequesterID string `json:"requester_id"`
		Stars       int    `json:"stars"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, r, fmt.Errorf("invalid body: %w", models.ErrValidation))
		return
	}
	rq, prov, err := s.Rating.Submit(r.Context(), mux.Vars(r)["id"], in.RequesterID, in.Stars)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"request": rq, "provider": prov})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Store.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// readiness follows the store when it can be probed
	if p, ok := s.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.Registry == nil {
		http.Error(w, "websocket disabled", http.StatusNotImplemented)
		return
	}
	id := mux.Vars(r)["party_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the response
		return
	}
	s.Registry.Add(id, conn)
	// the pump only exists to notice the peer going away
	go func() {
		defer func() {
			s.Registry.Remove(id, conn)
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrUnauthorizedActor):
		return http.StatusForbidden
	case errors.Is(err, models.ErrActiveRequestExists),
		errors.Is(err, models.ErrStateConflict),
		errors.Is(err, models.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrNoProviderAvailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
