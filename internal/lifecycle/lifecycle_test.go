package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/storage"
)

type recNotify struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recNotify) Notify(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recNotify) types() []notify.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recNotify) last() (notify.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return notify.Event{}, false
	}
	return r.events[len(r.events)-1], true
}

type recIndex struct {
	mu   sync.Mutex
	seen []models.Provider
}

func (r *recIndex) Upsert(_ context.Context, p models.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, p)
	return nil
}

func (r *recIndex) lastState(id string) (models.ProviderState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.seen) - 1; i >= 0; i-- {
		if r.seen[i].ID == id {
			return r.seen[i].State, true
		}
	}
	return "", false
}

func newService(t *testing.T) (*Service, *storage.MemoryStore, *recNotify, *recIndex) {
	t.Helper()
	store := storage.NewMemoryStore()
	log := slog.New(slog.NewJSONHandler(io.Discard, nil))
	rn := &recNotify{}
	ri := &recIndex{}
	svc := &Service{
		Store:  store,
		Notify: rn,
		Avail:  &availability.Service{Store: store, Index: ri, Log: log},
		Log:    log,
	}
	return svc, store, rn, ri
}

func seedRequested(t *testing.T, store *storage.MemoryStore, requestID, requesterID string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.UpsertRequester(ctx, &models.Requester{ID: requesterID, Name: requesterID, CreatedAt: now}))
	require.NoError(t, store.CreateRequest(ctx, &models.Request{
		ID: requestID, RequesterID: requesterID, Category: models.CategoryCar,
		Origin:      models.Coord{Lat: 9.03, Lon: 38.74},
		Destination: models.Coord{Lat: 9.01, Lon: 38.76},
		Status:      models.StatusRequested, CreatedAt: now, UpdatedAt: now,
	}))
}

func seedProvider(t *testing.T, store *storage.MemoryStore, id string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.CreateProvider(context.Background(), &models.Provider{
		ID: id, Name: id, Category: models.CategoryCar, State: models.ProviderAvailable,
		Loc: &models.Coord{Lat: 9.031, Lon: 38.741}, Rating: 5, CreatedAt: now, UpdatedAt: now,
	}))
}

func assignTo(t *testing.T, store *storage.MemoryStore, requestID, providerID string) {
	t.Helper()
	dist := 1.2
	_, err := store.ApplyTransition(context.Background(), storage.Transition{
		RequestID: requestID, FromStatus: models.StatusRequested, ToStatus: models.StatusAssigned,
		Actor: models.ActorEngine, AssignProvider: providerID, DistanceKm: &dist,
		Provider: availability.Reserve(providerID),
	})
	require.NoError(t, err)
}

func seedAssigned(t *testing.T, store *storage.MemoryStore, requestID, requesterID, providerID string) {
	t.Helper()
	seedRequested(t, store, requestID, requesterID)
	seedProvider(t, store, providerID)
	assignTo(t, store, requestID, providerID)
}

func TestAcceptMovesToOngoing(t *testing.T) {
	svc, store, rn, _ := newService(t)
	ctx := context.Background()
	seedAssigned(t, store, "r1", "alice", "p1")

	got, err := svc.Accept(ctx, "r1", "p1")
	require.NoError(t, err)
	require.Equal(t, models.StatusOngoing, got.Status)
	require.Equal(t, "p1", got.ProviderID)
	require.NotNil(t, got.StartedAt)

	p, err := store.GetProvider(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, models.ProviderOnAssignment, p.State)

	// one commit, two notifications
	require.Equal(t, []notify.EventType{notify.EventRequestAccepted, notify.EventRequestStarted}, rn.types())
}

func TestAcceptWrongProvider(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()
	seedAssigned(t, store, "r1", "alice", "p1")

	_, err := svc.Accept(ctx, "r1", "p2")
	require.ErrorIs(t, err, models.ErrUnauthorizedActor)

	cur, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, models.StatusAssigned, cur.Status)
}

func TestAcceptValidation(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Accept(ctx, "r1", "")
	require.ErrorIs(t, err, models.ErrValidation)

	_, err = svc.Accept(ctx, "missing", "p1")
	require.ErrorIs(t, err, models.ErrNotFound)

	seedRequested(t, store, "r1", "alice")
	_, err = svc.Accept(ctx, "r1", "p1")
	require.ErrorIs(t, err, models.ErrStateConflict)
}

func TestDeclineReturnsToPool(t *testing.T) {
	svc, store, rn, ri := newService(t)
	ctx := context.Background()
	seedAssigned(t, store, "r1", "alice", "p1")

	got, err := svc.Decline(ctx, "r1", "p1")
	require.NoError(t, err)
	require.Equal(t, models.StatusRequested, got.Status)
	require.Empty(t, got.ProviderID)
	require.Nil(t, got.AssignedAt)
	require.Nil(t, got.DistanceKm)

	p, err := store.GetProvider(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, models.ProviderAvailable, p.State)

	st, ok := ri.lastState("p1")
	require.True(t, ok, "index never refreshed")
	require.Equal(t, models.ProviderAvailable, st)

	ev, ok := rn.last()
	require.True(t, ok)
	require.Equal(t, notify.EventRequestDeclined, ev.Type)
	require.Equal(t, "p1", ev.ProviderID)
}

func TestDeclineThenStaleAccept(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()
	seedAssigned(t, store, "r1", "alice", "p1")

	_, err := svc.Decline(ctx, "r1", "p1")
	require.NoError(t, err)

	// the pool hands the request to someone else
	seedProvider(t, store, "p2")
	assignTo(t, store, "r1", "p2")

	_, err = svc.Accept(ctx, "r1", "p1")
	require.ErrorIs(t, err, models.ErrUnauthorizedActor)

	got, err := svc.Accept(ctx, "r1", "p2")
	require.NoError(t, err)
	require.Equal(t, models.StatusOngoing, got.Status)
}

func TestCancelRequested(t *testing.T) {
	svc, store, rn, _ := newService(t)
	ctx := context.Background()
	seedRequested(t, store, "r1", "alice")

	got, err := svc.Cancel(ctx, "r1", "alice")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)

	ev, ok := rn.last()
	require.True(t, ok)
	require.Equal(t, notify.EventRequestCancelled, ev.Type)
}

func TestCancelAssignedReleasesProvider(t *testing.T) {
	svc, store, rn, ri := newService(t)
	ctx := context.Background()
	seedAssigned(t, store, "r1", "alice", "p1")

	got, err := svc.Cancel(ctx, "r1", "alice")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	require.Empty(t, got.ProviderID)

	p, err := store.GetProvider(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, models.ProviderAvailable, p.State)

	st, ok := ri.lastState("p1")
	require.True(t, ok)
	require.Equal(t, models.ProviderAvailable, st)

	// the event still names the provider the record just dropped
	ev, ok := rn.last()
	require.True(t, ok)
	require.Equal(t, notify.EventRequestCancelled, ev.Type)
	require.Equal(t, "p1", ev.ProviderID)
}

func TestCancelWrongRequester(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()
	seedRequested(t, store, "r1", "alice")

	_, err := svc.Cancel(ctx, "r1", "mallory")
	require.ErrorIs(t, err, models.ErrUnauthorizedActor)
}

func TestCancelOngoing(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()
	seedAssigned(t, store, "r1", "alice", "p1")
	_, err := svc.Accept(ctx, "r1", "p1")
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, "r1", "alice")
	require.ErrorIs(t, err, models.ErrStateConflict)
}

func TestCancelTwice(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()
	seedRequested(t, store, "r1", "alice")

	_, err := svc.Cancel(ctx, "r1", "alice")
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, "r1", "alice")
	require.ErrorIs(t, err, models.ErrStateConflict)
}

func TestCompleteFlow(t *testing.T) {
	svc, store, rn, ri := newService(t)
	ctx := context.Background()
	seedAssigned(t, store, "r1", "alice", "p1")
	_, err := svc.Accept(ctx, "r1", "p1")
	require.NoError(t, err)

	got, err := svc.Complete(ctx, "r1", "p1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.Equal(t, "p1", got.ProviderID)

	p, err := store.GetProvider(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, models.ProviderAvailable, p.State)

	st, ok := ri.lastState("p1")
	require.True(t, ok)
	require.Equal(t, models.ProviderAvailable, st)

	ev, ok := rn.last()
	require.True(t, ok)
	require.Equal(t, notify.EventRequestCompleted, ev.Type)
}

func TestCompleteRequiresOngoing(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()
	seedAssigned(t, store, "r1", "alice", "p1")

	_, err := svc.Complete(ctx, "r1", "p1")
	require.ErrorIs(t, err, models.ErrStateConflict)

	_, err = svc.Accept(ctx, "r1", "p1")
	require.NoError(t, err)
	_, err = svc.Complete(ctx, "r1", "p2")
	require.ErrorIs(t, err, models.ErrUnauthorizedActor)

	_, err = svc.Complete(ctx, "r1", "p1")
	require.NoError(t, err)
	_, err = svc.Complete(ctx, "r1", "p1")
	require.ErrorIs(t, err, models.ErrStateConflict)
}

func TestAcceptCancelRace(t *testing.T) {
	svc, store, _, _ := newService(t)
	ctx := context.Background()
	seedAssigned(t, store, "r1", "alice", "p1")

	var wg sync.WaitGroup
	var acceptErr, cancelErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, acceptErr = svc.Accept(ctx, "r1", "p1")
	}()
	go func() {
		defer wg.Done()
		_, cancelErr = svc.Cancel(ctx, "r1", "alice")
	}()
	wg.Wait()

	cur, err := store.GetRequest(ctx, "r1")
	require.NoError(t, err)
	p, err := store.GetProvider(ctx, "p1")
	require.NoError(t, err)

	switch cur.Status {
	case models.StatusOngoing:
		require.NoError(t, acceptErr)
		require.ErrorIs(t, cancelErr, models.ErrStateConflict)
		require.Equal(t, models.ProviderOnAssignment, p.State)
	case models.StatusCancelled:
		require.NoError(t, cancelErr)
		require.ErrorIs(t, acceptErr, models.ErrStateConflict)
		require.Equal(t, models.ProviderAvailable, p.State)
		require.Empty(t, cur.ProviderID)
	default:
		t.Fatalf("unexpected final status %s", cur.Status)
	}
}
