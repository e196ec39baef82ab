package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/rating"
	"github.com/example/ride-dispatch/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := notify.NewRegistry()
	avail := &availability.Service{Store: store, Log: log}
	m := &matcher.Service{
		Store:  store,
		Source: geo.NewStoreSource(store),
		Notify: reg,
		Avail:  avail,
		Log:    log,
	}
	life := &lifecycle.Service{Store: store, Notify: reg, Avail: avail, Log: log}
	rate := &rating.Service{Store: store, Notify: reg, Log: log}
	srv := NewServer(log, Deps{
		Store: store, Avail: avail, Matcher: m, Lifecycle: life, Rating: rate, Registry: reg,
	})
	return srv, store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func registerAvailableProvider(t *testing.T, srv *Server, id string, lat, lon float64) {
	t.Helper()
	rec := doJSON(t, srv, "POST", "/api/v1/providers", map[string]any{
		"id": id, "name": id, "category": "car",
		"loc": map[string]float64{"lat": lat, "lon": lon},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = doJSON(t, srv, "POST", "/api/v1/providers/"+id+"/available", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestProviderEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/providers", map[string]any{
		"id": "p1", "name": "Abel", "category": "car",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var p models.Provider
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Equal(t, models.ProviderOffline, p.State)
	require.Equal(t, 5.0, p.Rating)

	rec = doJSON(t, srv, "POST", "/api/v1/providers/p1/location", map[string]float64{"lat": 9.03, "lon": 38.74})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, srv, "POST", "/api/v1/providers/p1/available", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Equal(t, models.ProviderAvailable, p.State)

	rec = doJSON(t, srv, "GET", "/api/v1/providers/p1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "POST", "/api/v1/providers/p1/offline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	require.Equal(t, models.ProviderOffline, p.State)
}

func TestRequestFlowOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	registerAvailableProvider(t, srv, "p1", 9.031, 38.741)

	rec := doJSON(t, srv, "POST", "/api/v1/requests", map[string]any{
		"requester_id": "alice", "category": "car",
		"origin":      map[string]float64{"lat": 9.03, "lon": 38.74},
		"destination": map[string]float64{"lat": 9.01, "lon": 38.76},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rq models.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rq))
	require.Equal(t, models.StatusRequested, rq.Status)
	require.NotEmpty(t, rq.ID)

	rec = doJSON(t, srv, "POST", "/api/v1/requests/"+rq.ID+"/assign", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rq))
	require.Equal(t, models.StatusAssigned, rq.Status)
	require.Equal(t, "p1", rq.ProviderID)

	rec = doJSON(t, srv, "POST", "/api/v1/requests/"+rq.ID+"/accept", map[string]string{"provider_id": "p1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rq))
	require.Equal(t, models.StatusOngoing, rq.Status)

	rec = doJSON(t, srv, "POST", "/api/v1/requests/"+rq.ID+"/complete", map[string]string{"provider_id": "p1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rq))
	require.Equal(t, models.StatusCompleted, rq.Status)
	require.Equal(t, "p1", rq.ProviderID)

	rec = doJSON(t, srv, "POST", "/api/v1/requests/"+rq.ID+"/rating", map[string]any{
		"requester_id": "alice", "stars": 5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rated struct {
		Request  models.Request  `json:"request"`
		Provider models.Provider `json:"provider"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rated))
	require.NotNil(t, rated.Request.Rating)
	require.Equal(t, 1, rated.Provider.RatingCount)

	rec = doJSON(t, srv, "GET", "/api/v1/requests/"+rq.ID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var hist struct {
		Transitions []models.RequestTransition `json:"transitions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	require.Len(t, hist.Transitions, 3)
	require.Equal(t, models.StatusRequested, hist.Transitions[0].FromStatus)
	require.Equal(t, models.StatusCompleted, hist.Transitions[2].ToStatus)
}

func TestCancelOverHTTP(t *testing.T) {
	srv, store := newTestServer(t)
	registerAvailableProvider(t, srv, "p1", 9.031, 38.741)

	rec := doJSON(t, srv, "POST", "/api/v1/requests", map[string]any{
		"requester_id": "alice", "category": "car",
		"origin":      map[string]float64{"lat": 9.03, "lon": 38.74},
		"destination": map[string]float64{"lat": 9.01, "lon": 38.76},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var rq models.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rq))

	rec = doJSON(t, srv, "POST", "/api/v1/requests/"+rq.ID+"/assign", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "POST", "/api/v1/requests/"+rq.ID+"/cancel", map[string]string{"requester_id": "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rq))
	require.Equal(t, models.StatusCancelled, rq.Status)

	p, err := store.GetProvider(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, models.ProviderAvailable, p.State)
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t)
	registerAvailableProvider(t, srv, "p1", 9.031, 38.741)

	// bad category
	rec := doJSON(t, srv, "POST", "/api/v1/requests", map[string]any{
		"requester_id": "alice", "category": "boat",
		"origin":      map[string]float64{"lat": 9.03, "lon": 38.74},
		"destination": map[string]float64{"lat": 9.01, "lon": 38.76},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// unknown request
	rec = doJSON(t, srv, "GET", "/api/v1/requests/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// malformed body
	req := httptest.NewRequest("POST", "/api/v1/requests", strings.NewReader("{"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)

	// open a real request
	rec = doJSON(t, srv, "POST", "/api/v1/requests", map[string]any{
		"requester_id": "alice", "category": "car",
		"origin":      map[string]float64{"lat": 9.03, "lon": 38.74},
		"destination": map[string]float64{"lat": 9.01, "lon": 38.76},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var rq models.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rq))

	// second active request for the same requester
	rec = doJSON(t, srv, "POST", "/api/v1/requests", map[string]any{
		"requester_id": "alice", "category": "car",
		"origin":      map[string]float64{"lat": 9.03, "lon": 38.74},
		"destination": map[string]float64{"lat": 9.01, "lon": 38.76},
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	// accept before assignment
	rec = doJSON(t, srv, "POST", "/api/v1/requests/"+rq.ID+"/accept", map[string]string{"provider_id": "p1"})
	require.Equal(t, http.StatusConflict, rec.Code)

	// wrong provider after assignment
	rec = doJSON(t, srv, "POST", "/api/v1/requests/"+rq.ID+"/assign", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, srv, "POST", "/api/v1/requests/"+rq.ID+"/accept", map[string]string{"provider_id": "p2"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	// invalid stars
	rec = doJSON(t, srv, "POST", "/api/v1/requests/"+rq.ID+"/rating", map[string]any{"requester_id": "alice", "stars": 9})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssignNoProvidersOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, "POST", "/api/v1/requests", map[string]any{
		"requester_id": "bob", "category": "car",
		"origin":      map[string]float64{"lat": 9.03, "lon": 38.74},
		"destination": map[string]float64{"lat": 9.01, "lon": 38.76},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var rq models.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rq))

	rec = doJSON(t, srv, "POST", "/api/v1/requests/"+rq.ID+"/assign", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListRequestsOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, who := range []string{"alice", "bob"} {
		rec := doJSON(t, srv, "POST", "/api/v1/requests", map[string]any{
			"requester_id": who, "category": "car",
			"origin":      map[string]float64{"lat": 9.03, "lon": 38.74},
			"destination": map[string]float64{"lat": 9.01, "lon": 38.76},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := doJSON(t, srv, "GET", "/api/v1/requests?status=requested", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Requests []models.Request `json:"requests"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 2, list.Count)

	rec = doJSON(t, srv, "GET", "/api/v1/requests?requester_id=alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	require.Equal(t, "alice", list.Requests[0].RequesterID)

	rec = doJSON(t, srv, "GET", "/api/v1/requests?status=sideways", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, "GET", "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "GET", "/ready", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ride_dispatch_requests_created_total")
}

func TestWSDelivery(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/alice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.Registry.Connected("alice") }, time.Second, 10*time.Millisecond)

	registerAvailableProvider(t, srv, "p1", 9.031, 38.741)
	rec := doJSON(t, srv, "POST", "/api/v1/requests", map[string]any{
		"requester_id": "alice", "category": "car",
		"origin":      map[string]float64{"lat": 9.03, "lon": 38.74},
		"destination": map[string]float64{"lat": 9.01, "lon": 38.76},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var rq models.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rq))
	rec = doJSON(t, srv, "POST", "/api/v1/requests/"+rq.ID+"/assign", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev notify.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, notify.EventProviderAssigned, ev.Type)
	require.Equal(t, rq.ID, ev.RequestID)
	require.Equal(t, "p1", ev.ProviderID)
}
