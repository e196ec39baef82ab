package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in process memory behind one mutex. It is
// the default backend for tests and single-node runs; the mutex plays the
// role the SQL stores give to transactions.
type MemoryStore struct {
	mu          sync.RWMutex
	providers   map[string]models.Provider
	requesters  map[string]models.Requester
	requests    map[string]models.Request
	transitions []models.RequestTransition
	nextTransID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers:  make(map[string]models.Provider),
		requesters: make(map[string]models.Requester),
		requests:   make(map[string]models.Request),
	}
}

func (m *MemoryStore) CreateProvider(_ context.Context, p *models.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[p.ID]; ok {
		return fmt.Errorf("provider %s already registered: %w", p.ID, models.ErrStateConflict)
	}
	m.providers[p.ID] = cloneProvider(*p)
	return nil
}

func (m *MemoryStore) GetProvider(_ context.Context, id string) (*models.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	out := cloneProvider(p)
	return &out, nil
}

func (m *MemoryStore) ProvidersByState(_ context.Context, state models.ProviderState) ([]models.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Provider{}
	for _, p := range m.providers {
		if p.State == state {
			out = append(out, cloneProvider(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateProviderState(_ context.Context, id string, from, to models.ProviderState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return false, fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	if p.State != from {
		return false, nil
	}
	p.State = to
	p.UpdatedAt = time.Now().UTC()
	m.providers[id] = p
	return true, nil
}

func (m *MemoryStore) UpdateProviderLocation(_ context.Context, id string, loc models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return fmt.Errorf("provider %s: %w", id, models.ErrNotFound)
	}
	l := loc
	p.Loc = &l
	p.UpdatedAt = time.Now().UTC()
	m.providers[id] = p
	return nil
}

func (m *MemoryStore) UpsertRequester(_ context.Context, r *models.Requester) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := *r
	if cur, ok := m.requesters[r.ID]; ok {
		in.CreatedAt = cur.CreatedAt
	}
	m.requesters[r.ID] = in
	return nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, rq *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requesters[rq.RequesterID]; !ok {
		return fmt.Errorf("requester %s: %w", rq.RequesterID, models.ErrNotFound)
	}
	if _, ok := m.requests[rq.ID]; ok {
		return fmt.Errorf("request %s already exists: %w", rq.ID, models.ErrStateConflict)
	}
	for _, ex := range m.requests {
		if ex.RequesterID == rq.RequesterID && ex.Active() {
			return fmt.Errorf("requester %s: %w", rq.RequesterID, models.ErrActiveRequestExists)
		}
	}
	m.requests[rq.ID] = cloneRequest(*rq)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rq, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	out := cloneRequest(rq)
	return &out, nil
}

func (m *MemoryStore) ListRequests(_ context.Context, f RequestFilter) ([]models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Request{}
	for _, rq := range m.requests {
		if f.Status != "" && rq.Status != f.Status {
			continue
		}
		if f.RequesterID != "" && rq.RequesterID != f.RequesterID {
			continue
		}
		if f.ProviderID != "" && rq.ProviderID != f.ProviderID {
			continue
		}
		out = append(out, cloneRequest(rq))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ApplyTransition(_ context.Context, t Transition) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rq, ok := m.requests[t.RequestID]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", t.RequestID, models.ErrNotFound)
	}
	if rq.Status != t.FromStatus {
		return nil, fmt.Errorf("request %s is %s, expected %s: %w", t.RequestID, rq.Status, t.FromStatus, models.ErrConcurrencyConflict)
	}
	if t.ExpectProvider != "" && rq.ProviderID != t.ExpectProvider {
		return nil, fmt.Errorf("request %s held by %q, expected %q: %w", t.RequestID, rq.ProviderID, t.ExpectProvider, models.ErrConcurrencyConflict)
	}

	var prov models.Provider
	if t.Provider != nil {
		p, ok := m.providers[t.Provider.ProviderID]
		if !ok {
			return nil, fmt.Errorf("provider %s: %w", t.Provider.ProviderID, models.ErrNotFound)
		}
		if p.State != t.Provider.From {
			return nil, fmt.Errorf("provider %s is %s, expected %s: %w", t.Provider.ProviderID, p.State, t.Provider.From, models.ErrConcurrencyConflict)
		}
		prov = p
	}

	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	rq.Status = t.ToStatus
	rq.UpdatedAt = at
	switch t.ToStatus {
	case models.StatusAssigned:
		ts := at
		rq.AssignedAt = &ts
	case models.StatusRequested:
		// a decline rolls the assignment back entirely
		rq.AssignedAt = nil
		rq.DistanceKm = nil
	case models.StatusOngoing:
		ts := at
		rq.StartedAt = &ts
	case models.StatusCompleted:
		ts := at
		rq.CompletedAt = &ts
	case models.StatusCancelled:
		ts := at
		rq.CancelledAt = &ts
	}
	if t.AssignProvider != "" {
		rq.ProviderID = t.AssignProvider
	}
	if t.ClearProvider {
		rq.ProviderID = ""
	}
	if t.DistanceKm != nil {
		d := *t.DistanceKm
		rq.DistanceKm = &d
	}

	if t.Provider != nil {
		prov.State = t.Provider.To
		prov.UpdatedAt = at
		m.providers[t.Provider.ProviderID] = prov
	}
	m.requests[t.RequestID] = rq

	m.nextTransID++
	m.transitions = append(m.transitions, models.RequestTransition{
		ID:         m.nextTransID,
		RequestID:  t.RequestID,
		FromStatus: t.FromStatus,
		ToStatus:   t.ToStatus,
		Actor:      t.Actor,
		At:         at,
	})

	out := cloneRequest(rq)
	return &out, nil
}

func (m *MemoryStore) ApplyRating(_ context.Context, requestID string, stars int, at time.Time) (*models.Request, *models.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rq, ok := m.requests[requestID]
	if !ok {
		return nil, nil, fmt.Errorf("request %s: %w", requestID, models.ErrNotFound)
	}
	if rq.Status != models.StatusCompleted || rq.Rating != nil {
		return nil, nil, fmt.Errorf("request %s not ratable: %w", requestID, models.ErrConcurrencyConflict)
	}
	p, ok := m.providers[rq.ProviderID]
	if !ok {
		return nil, nil, fmt.Errorf("provider %s: %w", rq.ProviderID, models.ErrNotFound)
	}

	p.Rating = (p.Rating*float64(p.RatingCount) + float64(stars)) / float64(p.RatingCount+1)
	p.RatingCount++
	p.UpdatedAt = at
	s := stars
	rq.Rating = &s
	rq.UpdatedAt = at

	m.providers[p.ID] = p
	m.requests[requestID] = rq

	outReq := cloneRequest(rq)
	outProv := cloneProvider(p)
	return &outReq, &outProv, nil
}

func (m *MemoryStore) Transitions(_ context.Context, requestID string) ([]models.RequestTransition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.RequestTransition{}
	for _, tr := range m.transitions {
		if tr.RequestID == requestID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (m *MemoryStore) Stats(_ context.Context) (*models.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := &models.Stats{
		ProvidersByState: map[models.ProviderState]int{
			models.ProviderOffline:      0,
			models.ProviderAvailable:    0,
			models.ProviderOnAssignment: 0,
		},
		RequestsByStatus: map[models.RequestStatus]int{
			models.StatusRequested: 0,
			models.StatusAssigned:  0,
			models.StatusOngoing:   0,
			models.StatusCompleted: 0,
			models.StatusCancelled: 0,
		},
	}
	for _, p := range m.providers {
		st.ProvidersByState[p.State]++
	}
	sum := 0
	for _, rq := range m.requests {
		st.RequestsByStatus[rq.Status]++
		if rq.Rating != nil {
			st.RatedRequests++
			sum += *rq.Rating
		}
	}
	if st.RatedRequests > 0 {
		st.AverageRating = float64(sum) / float64(st.RatedRequests)
	}
	return st, nil
}

func cloneProvider(p models.Provider) models.Provider {
	if p.Loc != nil {
		l := *p.Loc
		p.Loc = &l
	}
	return p
}

func cloneRequest(r models.Request) models.Request {
	if r.DistanceKm != nil {
		d := *r.DistanceKm
		r.DistanceKm = &d
	}
	if r.Rating != nil {
		v := *r.Rating
		r.Rating = &v
	}
	if r.AssignedAt != nil {
		ts := *r.AssignedAt
		r.AssignedAt = &ts
	}
	if r.StartedAt != nil {
		ts := *r.StartedAt
		r.StartedAt = &ts
	}
	if r.CompletedAt != nil {
		ts := *r.CompletedAt
		r.CompletedAt = &ts
	}
	if r.CancelledAt != nil {
		ts := *r.CancelledAt
		r.CancelledAt = &ts
	}
	return r
}
