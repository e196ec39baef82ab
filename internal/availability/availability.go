package availability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Indexer mirrors provider snapshots into a fast candidate index. Upsert
// receives the full snapshot and decides whether the provider belongs in
// the index at all.
type Indexer interface {
	Upsert(ctx context.Context, p models.Provider) error
}

// Service owns provider registration and the offline/available half of
// the provider state machine. The on_assignment legs are built here (see
// Reserve and Release) but committed by the matcher and lifecycle
// services as part of their request transitions.
type Service struct {
	Store storage.Store
	Index Indexer // optional
	Log   *slog.Logger
}

type RegisterInput struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Phone    string          `json:"phone"`
	Category models.Category `json:"category"`
	Loc      *models.Coord   `json:"loc"`
}

// Register creates a provider. New providers start offline with a 5.0
// rating over zero submissions; they join the pool via SetAvailable.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.Provider, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("name required: %w", models.ErrValidation)
	}
	if !in.Category.Valid() {
		return nil, fmt.Errorf("unknown category %q: %w", in.Category, models.ErrValidation)
	}
	if in.Loc != nil && !in.Loc.Valid() {
		return nil, fmt.Errorf("bad location: %w", models.ErrValidation)
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	p := &models.Provider{
		ID:        id,
		Name:      in.Name,
		Phone:     in.Phone,
		Category:  in.Category,
		State:     models.ProviderOffline,
		Loc:       in.Loc,
		Rating:    5,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Store.CreateProvider(ctx, p); err != nil {
		return nil, err
	}
	s.Log.Info("provider registered", slog.String("provider_id", id), slog.String("category", string(in.Category)))
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Provider, error) {
	return s.Store.GetProvider(ctx, id)
}

// SetAvailable puts the provider into the matchable pool. Calling it while
// already available is a no-op; while on an assignment it is a conflict.
func (s *Service) SetAvailable(ctx context.Context, id string) (*models.Provider, error) {
	return s.setState(ctx, id, models.ProviderAvailable)
}

// SetOffline removes the provider from the pool, same rules as
// SetAvailable mirrored.
func (s *Service) SetOffline(ctx context.Context, id string) (*models.Provider, error) {
	return s.setState(ctx, id, models.ProviderOffline)
}

func (s *Service) setState(ctx context.Context, id string, want models.ProviderState) (*models.Provider, error) {
	for attempt := 0; attempt < 2; attempt++ {
		p, err := s.Store.GetProvider(ctx, id)
		if err != nil {
			return nil, err
		}
		switch p.State {
		case want:
			return p, nil
		case models.ProviderOnAssignment:
			return nil, fmt.Errorf("provider %s is on an assignment: %w", id, models.ErrStateConflict)
		}
		ok, err := s.Store.UpdateProviderState(ctx, id, p.State, want)
		if err != nil {
			return nil, err
		}
		if ok {
			p, err := s.Store.GetProvider(ctx, id)
			if err != nil {
				return nil, err
			}
			if want == models.ProviderAvailable {
				observability.ProvidersAvailable.Inc()
			} else {
				observability.ProvidersAvailable.Dec()
			}
			s.refreshIndex(ctx, *p)
			s.Log.Info("provider state changed", slog.String("provider_id", id), slog.String("state", string(want)))
			return p, nil
		}
		// lost a race; look again
	}
	return nil, fmt.Errorf("provider %s: %w", id, models.ErrConcurrencyConflict)
}

// UpdateLocation records the provider's position and refreshes the index
// so the new position is what matching sees.
func (s *Service) UpdateLocation(ctx context.Context, id string, loc models.Coord) (*models.Provider, error) {
	if !loc.Valid() {
		return nil, fmt.Errorf("bad location: %w", models.ErrValidation)
	}
	if err := s.Store.UpdateProviderLocation(ctx, id, loc); err != nil {
		return nil, err
	}
	p, err := s.Store.GetProvider(ctx, id)
	if err != nil {
		return nil, err
	}
	s.refreshIndex(ctx, *p)
	return p, nil
}

// RefreshIndex re-reads a provider and syncs the candidate index. Callers
// run it after commits that move a provider in or out of the pool.
func (s *Service) RefreshIndex(ctx context.Context, providerID string) {
	if s.Index == nil {
		return
	}
	p, err := s.Store.GetProvider(ctx, providerID)
	if err != nil {
		s.Log.Warn("index refresh read failed", slog.String("provider_id", providerID), slog.String("error", err.Error()))
		return
	}
	s.refreshIndex(ctx, *p)
}

func (s *Service) refreshIndex(ctx context.Context, p models.Provider) {
	if s.Index == nil {
		return
	}
	if err := s.Index.Upsert(ctx, p); err != nil {
		s.Log.Warn("geo index update failed", slog.String("provider_id", p.ID), slog.String("error", err.Error()))
	}
}

// Reserve is the provider-side leg that claims a provider for an
// assignment; it commits atomically with the request leg.
func Reserve(providerID string) *storage.ProviderChange {
	return &storage.ProviderChange{ProviderID: providerID, From: models.ProviderAvailable, To: models.ProviderOnAssignment}
}

// Release returns a provider to the available pool.
func Release(providerID string) *storage.ProviderChange {
	return &storage.ProviderChange{ProviderID: providerID, From: models.ProviderOnAssignment, To: models.ProviderAvailable}
}
