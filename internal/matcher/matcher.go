package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	// DefaultRadiusKm bounds how far away an assigned provider may start.
	DefaultRadiusKm = 10.0
	// DefaultMaxAttempts bounds reservation retries under contention.
	DefaultMaxAttempts = 16
)

// Source yields candidate providers near an origin.
type Source interface {
	Near(ctx context.Context, origin models.Coord, radiusKm float64) ([]models.Provider, error)
}

type Service struct {
	Store  storage.Store
	Source Source
	Notify notify.Notifier
	Avail  *availability.Service
	Log    *slog.Logger

	RadiusKm    float64
	MaxAttempts int
}

type CreateInput struct {
	RequesterID    string          `json:"requester_id"`
	RequesterName  string          `json:"requester_name"`
	RequesterPhone string          `json:"requester_phone"`
	Category       models.Category `json:"category"`
	Origin         models.Coord    `json:"origin"`
	Destination    models.Coord    `json:"destination"`
}

// CreateRequest registers the requester if needed and opens a new request
// in requested state. Assignment is a separate, explicit step.
func (s *Service) CreateRequest(ctx context.Context, in CreateInput) (*models.Request, error) {
	if in.RequesterID == "" {
		return nil, fmt.Errorf("requester_id required: %w", models.ErrValidation)
	}
	if !in.Category.Valid() {
		return nil, fmt.Errorf("unknown category %q: %w", in.Category, models.ErrValidation)
	}
	if !in.Origin.Valid() {
		return nil, fmt.Errorf("bad origin: %w", models.ErrValidation)
	}
	if !in.Destination.Valid() {
		return nil, fmt.Errorf("bad destination: %w", models.ErrValidation)
	}

	now := time.Now().UTC()
	name := in.RequesterName
	if name == "" {
		name = in.RequesterID
	}
	if err := s.Store.UpsertRequester(ctx, &models.Requester{
		ID: in.RequesterID, Name: name, Phone: in.RequesterPhone, CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	rq := &models.Request{
		ID:          uuid.NewString(),
		RequesterID: in.RequesterID,
		Category:    in.Category,
		Origin:      in.Origin,
		Destination: in.Destination,
		Status:      models.StatusRequested,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Store.CreateRequest(ctx, rq); err != nil {
		return nil, err
	}
	observability.RequestsCreatedTotal.Inc()
	s.Log.Info("request created",
		slog.String("request_id", rq.ID),
		slog.String("requester_id", rq.RequesterID),
		slog.String("category", string(rq.Category)),
	)
	return rq, nil
}

type candidate struct {
	p    models.Provider
	dist float64
}

// Assign picks the nearest available provider of the request's category
// within the radius and claims them with a compare-and-set commit. When a
// reservation loses a race the next candidate is tried, until either the
// attempt budget or the candidate list runs out.
func (s *Service) Assign(ctx context.Context, requestID string) (*models.Request, error) {
	start := time.Now()
	defer func() {
		observability.AssignLatency.Observe(time.Since(start).Seconds())
	}()

	rq, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if rq.Status != models.StatusRequested {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, rq.Status, models.ErrStateConflict)
	}

	radius := s.RadiusKm
	if radius <= 0 {
		radius = DefaultRadiusKm
	}
	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	near, err := s.Source.Near(ctx, rq.Origin, radius)
	if err != nil {
		return nil, fmt.Errorf("candidate lookup: %w", err)
	}
	list := s.rank(rq, near, radius)
	if len(list) == 0 {
		observability.NoProviderTotal.Inc()
		return nil, fmt.Errorf("request %s: %w", requestID, models.ErrNoProviderAvailable)
	}

	attempts := 0
	for _, c := range list {
		if attempts >= maxAttempts {
			return nil, fmt.Errorf("request %s: attempt budget exhausted: %w", requestID, models.ErrConcurrencyConflict)
		}
		attempts++

		d := c.dist
		updated, err := s.Store.ApplyTransition(ctx, storage.Transition{
			RequestID:      requestID,
			FromStatus:     models.StatusRequested,
			ToStatus:       models.StatusAssigned,
			Actor:          models.ActorEngine,
			AssignProvider: c.p.ID,
			DistanceKm:     &d,
			Provider:       availability.Reserve(c.p.ID),
		})
		if err == nil {
			s.Avail.RefreshIndex(ctx, c.p.ID)
			observability.AssignmentsTotal.Inc()
			observability.ProvidersAvailable.Dec()
			s.Log.Info("provider assigned",
				slog.String("request_id", requestID),
				slog.String("provider_id", c.p.ID),
				slog.Float64("distance_km", d),
				slog.Int("attempt", attempts),
			)
			s.notify(ctx, notify.FromRequest(notify.EventProviderAssigned, updated))
			return updated, nil
		}
		if errors.Is(err, models.ErrConcurrencyConflict) {
			observability.AssignConflictsTotal.Inc()
			cur, gerr := s.Store.GetRequest(ctx, requestID)
			if gerr != nil {
				return nil, gerr
			}
			if cur.Status != models.StatusRequested {
				// someone else resolved the request while we were matching
				return nil, fmt.Errorf("request %s is %s: %w", requestID, cur.Status, models.ErrStateConflict)
			}
			// provider was taken; fall through to the next candidate
			continue
		}
		return nil, err
	}
	observability.NoProviderTotal.Inc()
	return nil, fmt.Errorf("request %s: %w", requestID, models.ErrNoProviderAvailable)
}

// rank filters candidates down to real contenders and orders them by
// distance, then registration time, then id, so equal inputs always
// produce the same assignment.
func (s *Service) rank(rq *models.Request, near []models.Provider, radius float64) []candidate {
	list := make([]candidate, 0, len(near))
	for _, p := range near {
		if p.State != models.ProviderAvailable || p.Category != rq.Category || p.Loc == nil {
			continue
		}
		d := geo.DistanceKm(rq.Origin, *p.Loc)
		if d > radius {
			continue
		}
		list = append(list, candidate{p: p, dist: d})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].dist != list[j].dist {
			return list[i].dist < list[j].dist
		}
		if !list[i].p.CreatedAt.Equal(list[j].p.CreatedAt) {
			return list[i].p.CreatedAt.Before(list[j].p.CreatedAt)
		}
		return list[i].p.ID < list[j].p.ID
	})
	return list
}

func (s *Service) notify(ctx context.Context, ev notify.Event) {
	if s.Notify == nil {
		return
	}
	if err := s.Notify.Notify(ctx, ev); err != nil {
		s.Log.Warn("notify failed", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
	}
}
