package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// ProviderChange is the provider-side leg of a transition: the provider
// moves between states in the same commit as the request it serves.
type ProviderChange struct {
	ProviderID string
	From       models.ProviderState
	To         models.ProviderState
}

// Transition is one atomic lifecycle commit. The request identified by
// RequestID moves FromStatus to ToStatus, optionally claiming or releasing
// a provider on the way. A store applies every leg or none, and fails with
// models.ErrConcurrencyConflict when the observed state no longer matches
// the expected one.
type Transition struct {
	RequestID  string
	FromStatus models.RequestStatus
	ToStatus   models.RequestStatus
	Actor      models.Actor

	// ExpectProvider, when set, requires the request to still be held by
	// that provider. Keeps a stale accept or decline from landing after
	// the request moved on to someone else.
	ExpectProvider string

	// AssignProvider sets the request's provider_id; ClearProvider nulls
	// it. At most one of the two may be set.
	AssignProvider string
	ClearProvider  bool

	// DistanceKm is recorded when a provider is assigned.
	DistanceKm *float64

	// Provider is the optional provider-side leg.
	Provider *ProviderChange

	At time.Time
}

// RequestFilter narrows ListRequests. Zero fields match everything.
type RequestFilter struct {
	Status      models.RequestStatus
	RequesterID string
	ProviderID  string
	Limit       int
}

// Store defines persistence for providers, requesters and requests.
// Implementations must make ApplyTransition and ApplyRating atomic and
// conflict-checked, and enforce the one-active-request rules on insert.
type Store interface {
	CreateProvider(ctx context.Context, p *models.Provider) error
	GetProvider(ctx context.Context, id string) (*models.Provider, error)
	ProvidersByState(ctx context.Context, state models.ProviderState) ([]models.Provider, error)
	// UpdateProviderState is a compare-and-set; false means the provider
	// was not in the from state when the update ran.
	UpdateProviderState(ctx context.Context, id string, from, to models.ProviderState) (bool, error)
	UpdateProviderLocation(ctx context.Context, id string, loc models.Coord) error

	UpsertRequester(ctx context.Context, r *models.Requester) error

	CreateRequest(ctx context.Context, rq *models.Request) error
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	ListRequests(ctx context.Context, f RequestFilter) ([]models.Request, error)
	ApplyTransition(ctx context.Context, t Transition) (*models.Request, error)
	// ApplyRating sets the request's stars and folds them into the
	// provider's running average in one commit. The request must still be
	// completed and unrated.
	ApplyRating(ctx context.Context, requestID string, stars int, at time.Time) (*models.Request, *models.Provider, error)
	Transitions(ctx context.Context, requestID string) ([]models.RequestTransition, error)

	Stats(ctx context.Context) (*models.Stats, error)
}
