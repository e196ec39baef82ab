package rating

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

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

func (r *recNotify) last() (notify.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return notify.Event{}, false
	}
	return r.events[len(r.events)-1], true
}

func newService(t *testing.T) (*Service, *storage.MemoryStore, *recNotify) {
	t.Helper()
	store := storage.NewMemoryStore()
	rn := &recNotify{}
	svc := &Service{
		Store:  store,
		Notify: rn,
		Log:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}
	return svc, store, rn
}

// seedCompleted walks a request through its whole life so the store
// state is exactly what a real completion leaves behind.
func seedCompleted(t *testing.T, store *storage.MemoryStore, requestID, requesterID, providerID string, avg float64, count int) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.CreateProvider(ctx, &models.Provider{
		ID: providerID, Name: providerID, Category: models.CategoryCar, State: models.ProviderAvailable,
		Loc: &models.Coord{Lat: 9.031, Lon: 38.741}, Rating: avg, RatingCount: count,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.UpsertRequester(ctx, &models.Requester{ID: requesterID, Name: requesterID, CreatedAt: now}))
	require.NoError(t, store.CreateRequest(ctx, &models.Request{
		ID: requestID, RequesterID: requesterID, Category: models.CategoryCar,
		Origin:      models.Coord{Lat: 9.03, Lon: 38.74},
		Destination: models.Coord{Lat: 9.01, Lon: 38.76},
		Status:      models.StatusRequested, CreatedAt: now, UpdatedAt: now,
	}))
	legs := []storage.Transition{
		{RequestID: requestID, FromStatus: models.StatusRequested, ToStatus: models.StatusAssigned,
			Actor: models.ActorEngine, AssignProvider: providerID,
			Provider: &storage.ProviderChange{ProviderID: providerID, From: models.ProviderAvailable, To: models.ProviderOnAssignment}},
		{RequestID: requestID, FromStatus: models.StatusAssigned, ToStatus: models.StatusOngoing,
			Actor: models.ActorProvider, ExpectProvider: providerID},
		{RequestID: requestID, FromStatus: models.StatusOngoing, ToStatus: models.StatusCompleted,
			Actor: models.ActorProvider, ExpectProvider: providerID,
			Provider: &storage.ProviderChange{ProviderID: providerID, From: models.ProviderOnAssignment, To: models.ProviderAvailable}},
	}
	for _, leg := range legs {
		_, err := store.ApplyTransition(ctx, leg)
		require.NoError(t, err)
	}
}

func TestSubmitFoldsAverage(t *testing.T) {
	svc, store, rn := newService(t)
	ctx := context.Background()
	seedCompleted(t, store, "r1", "alice", "p1", 4.8, 15)

	rq, prov, err := svc.Submit(ctx, "r1", "alice", 5)
	require.NoError(t, err)
	require.NotNil(t, rq.Rating)
	require.Equal(t, 5, *rq.Rating)
	require.Equal(t, 16, prov.RatingCount)
	require.InDelta(t, 4.8125, prov.Rating, 1e-9)

	stored, err := store.GetProvider(ctx, "p1")
	require.NoError(t, err)
	require.InDelta(t, 4.8125, stored.Rating, 1e-9)

	ev, ok := rn.last()
	require.True(t, ok)
	require.Equal(t, notify.EventRatingRecorded, ev.Type)
	require.NotNil(t, ev.Rating)
	require.Equal(t, 5, *ev.Rating)
}

func TestSubmitValidation(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	seedCompleted(t, store, "r1", "alice", "p1", 5, 0)

	for _, stars := range []int{0, 6, -1} {
		_, _, err := svc.Submit(ctx, "r1", "alice", stars)
		require.ErrorIs(t, err, models.ErrValidation, "stars=%d", stars)
	}
	_, _, err := svc.Submit(ctx, "r1", "", 4)
	require.ErrorIs(t, err, models.ErrValidation)
}

func TestSubmitWrongRequester(t *testing.T) {
	svc, store, _ := newService(t)
	seedCompleted(t, store, "r1", "alice", "p1", 5, 0)

	_, _, err := svc.Submit(context.Background(), "r1", "mallory", 4)
	require.ErrorIs(t, err, models.ErrUnauthorizedActor)
}

func TestSubmitNotCompleted(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.UpsertRequester(ctx, &models.Requester{ID: "alice", Name: "alice", CreatedAt: now}))
	require.NoError(t, store.CreateRequest(ctx, &models.Request{
		ID: "r1", RequesterID: "alice", Category: models.CategoryCar,
		Origin:      models.Coord{Lat: 9.03, Lon: 38.74},
		Destination: models.Coord{Lat: 9.01, Lon: 38.76},
		Status:      models.StatusRequested, CreatedAt: now, UpdatedAt: now,
	}))

	_, _, err := svc.Submit(ctx, "r1", "alice", 4)
	require.ErrorIs(t, err, models.ErrStateConflict)
}

func TestSubmitTwice(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	seedCompleted(t, store, "r1", "alice", "p1", 5, 0)

	_, _, err := svc.Submit(ctx, "r1", "alice", 4)
	require.NoError(t, err)
	_, _, err = svc.Submit(ctx, "r1", "alice", 5)
	require.ErrorIs(t, err, models.ErrStateConflict)
}

func TestSubmitUnknownRequest(t *testing.T) {
	svc, _, _ := newService(t)
	_, _, err := svc.Submit(context.Background(), "missing", "alice", 4)
	require.ErrorIs(t, err, models.ErrNotFound)
}

func TestSubmitRace(t *testing.T) {
	svc, store, _ := newService(t)
	ctx := context.Background()
	seedCompleted(t, store, "r1", "alice", "p1", 4.0, 4)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, stars := range []int{3, 5} {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, _, err := svc.Submit(ctx, "r1", "alice", n)
			errs <- err
		}(stars)
	}
	wg.Wait()
	close(errs)

	var won, lost int
	for err := range errs {
		if err == nil {
			won++
		} else {
			require.ErrorIs(t, err, models.ErrStateConflict)
			lost++
		}
	}
	require.Equal(t, 1, won)
	require.Equal(t, 1, lost)

	prov, err := store.GetProvider(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 5, prov.RatingCount)
}
