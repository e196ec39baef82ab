package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Service moves requests through accept, decline, cancel and complete.
// Each move lands as one storage transition, so the request row, the
// provider state and the audit trail never disagree.
type Service struct {
	Store  storage.Store
	Notify notify.Notifier
	Avail  *availability.Service
	Log    *slog.Logger
}

// Accept moves an assigned request to ongoing. Accepting is starting:
// there is no separate en-route phase, so the one commit emits both the
// accepted and the started event.
func (s *Service) Accept(ctx context.Context, requestID, providerID string) (*models.Request, error) {
	rq, err := s.providerOwned(ctx, requestID, providerID, models.EventAccept)
	if err != nil {
		return nil, err
	}
	updated, err := s.Store.ApplyTransition(ctx, storage.Transition{
		RequestID:      requestID,
		FromStatus:     rq.Status,
		ToStatus:       models.StatusOngoing,
		Actor:          models.ActorProvider,
		ExpectProvider: providerID,
	})
	if err != nil {
		return nil, s.afterRace(ctx, requestID, providerID, err)
	}
	observability.TransitionsTotal.WithLabelValues(string(models.EventAccept)).Inc()
	s.Log.Info("request accepted",
		slog.String("request_id", requestID),
		slog.String("provider_id", providerID))
	s.notify(ctx, notify.FromRequest(notify.EventRequestAccepted, updated))
	s.notify(ctx, notify.FromRequest(notify.EventRequestStarted, updated))
	return updated, nil
}

// Decline hands an assigned request back to the pool and rolls the
// assignment off the record. Nobody is blacklisted; an immediate
// re-assign may well pick the same provider again.
func (s *Service) Decline(ctx context.Context, requestID, providerID string) (*models.Request, error) {
	rq, err := s.providerOwned(ctx, requestID, providerID, models.EventDecline)
	if err != nil {
		return nil, err
	}
	updated, err := s.Store.ApplyTransition(ctx, storage.Transition{
		RequestID:      requestID,
		FromStatus:     rq.Status,
		ToStatus:       models.StatusRequested,
		Actor:          models.ActorProvider,
		ExpectProvider: providerID,
		ClearProvider:  true,
		Provider:       availability.Release(providerID),
	})
	if err != nil {
		return nil, s.afterRace(ctx, requestID, providerID, err)
	}
	s.Avail.RefreshIndex(ctx, providerID)
	observability.TransitionsTotal.WithLabelValues(string(models.EventDecline)).Inc()
	observability.ProvidersAvailable.Inc()
	s.Log.Info("request declined",
		slog.String("request_id", requestID),
		slog.String("provider_id", providerID))
	ev := notify.FromRequest(notify.EventRequestDeclined, updated)
	// the snapshot no longer names who declined
	ev.ProviderID = providerID
	s.notify(ctx, ev)
	return updated, nil
}

// Cancel withdraws a request on the requester's behalf. Allowed while
// the request is requested or assigned; once the job is ongoing the
// requester is committed. A provider assigned in the meantime is
// released and taken off the record in the same commit.
func (s *Service) Cancel(ctx context.Context, requestID, requesterID string) (*models.Request, error) {
	if requesterID == "" {
		return nil, fmt.Errorf("requester_id is required: %w", models.ErrValidation)
	}
	// two attempts: an assign may land between the read and the write,
	// and cancelling an assigned request is still legal
	for attempt := 0; attempt < 2; attempt++ {
		rq, err := s.Store.GetRequest(ctx, requestID)
		if err != nil {
			return nil, err
		}
		if rq.RequesterID != requesterID {
			return nil, fmt.Errorf("request %s belongs to requester %s: %w", requestID, rq.RequesterID, models.ErrUnauthorizedActor)
		}
		if _, err := models.NextStatus(rq.Status, models.EventCancel, models.ActorRequester); err != nil {
			return nil, fmt.Errorf("request %s: %w", requestID, err)
		}
		tr := storage.Transition{
			RequestID:  requestID,
			FromStatus: rq.Status,
			ToStatus:   models.StatusCancelled,
			Actor:      models.ActorRequester,
		}
		if rq.Status == models.StatusAssigned {
			tr.ExpectProvider = rq.ProviderID
			tr.ClearProvider = true
			tr.Provider = availability.Release(rq.ProviderID)
		}
		updated, err := s.Store.ApplyTransition(ctx, tr)
		if errors.Is(err, models.ErrConcurrencyConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if tr.Provider != nil {
			s.Avail.RefreshIndex(ctx, tr.Provider.ProviderID)
			observability.ProvidersAvailable.Inc()
		}
		observability.TransitionsTotal.WithLabelValues(string(models.EventCancel)).Inc()
		s.Log.Info("request cancelled",
			slog.String("request_id", requestID),
			slog.String("requester_id", requesterID),
			slog.String("from_status", string(rq.Status)))
		ev := notify.FromRequest(notify.EventRequestCancelled, updated)
		if tr.Provider != nil {
			// the snapshot no longer names who was released
			ev.ProviderID = tr.Provider.ProviderID
		}
		s.notify(ctx, ev)
		return updated, nil
	}
	return nil, fmt.Errorf("request %s kept moving during cancel: %w", requestID, models.ErrConcurrencyConflict)
}

// Complete closes an ongoing request. The provider id stays on the
// record so history and rating know who did the work.
func (s *Service) Complete(ctx context.Context, requestID, providerID string) (*models.Request, error) {
	rq, err := s.providerOwned(ctx, requestID, providerID, models.EventComplete)
	if err != nil {
		return nil, err
	}
	updated, err := s.Store.ApplyTransition(ctx, storage.Transition{
		RequestID:      requestID,
		FromStatus:     rq.Status,
		ToStatus:       models.StatusCompleted,
		Actor:          models.ActorProvider,
		ExpectProvider: providerID,
		Provider:       availability.Release(providerID),
	})
	if err != nil {
		return nil, s.afterRace(ctx, requestID, providerID, err)
	}
	s.Avail.RefreshIndex(ctx, providerID)
	observability.TransitionsTotal.WithLabelValues(string(models.EventComplete)).Inc()
	observability.ProvidersAvailable.Inc()
	s.Log.Info("request completed",
		slog.String("request_id", requestID),
		slog.String("provider_id", providerID))
	s.notify(ctx, notify.FromRequest(notify.EventRequestCompleted, updated))
	return updated, nil
}

// providerOwned loads the request and verifies the calling provider may
// apply ev to it. Wrong provider beats wrong state.
func (s *Service) providerOwned(ctx context.Context, requestID, providerID string, ev models.Event) (*models.Request, error) {
	if providerID == "" {
		return nil, fmt.Errorf("provider_id is required: %w", models.ErrValidation)
	}
	rq, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if rq.ProviderID != "" && rq.ProviderID != providerID {
		return nil, fmt.Errorf("request %s belongs to provider %s: %w", requestID, rq.ProviderID, models.ErrUnauthorizedActor)
	}
	if _, err := models.NextStatus(rq.Status, ev, models.ActorProvider); err != nil {
		return nil, fmt.Errorf("request %s: %w", requestID, err)
	}
	return rq, nil
}

// afterRace turns a compare-and-set miss into the error the caller
// actually hit by looking at the request again.
func (s *Service) afterRace(ctx context.Context, requestID, wantProvider string, err error) error {
	if !errors.Is(err, models.ErrConcurrencyConflict) {
		return err
	}
	cur, gerr := s.Store.GetRequest(ctx, requestID)
	if gerr != nil {
		return gerr
	}
	if wantProvider != "" && cur.ProviderID != "" && cur.ProviderID != wantProvider {
		return fmt.Errorf("request %s belongs to provider %s: %w", requestID, cur.ProviderID, models.ErrUnauthorizedActor)
	}
	return fmt.Errorf("request %s is %s: %w", requestID, cur.Status, models.ErrStateConflict)
}

func (s *Service) notify(ctx context.Context, ev notify.Event) {
	if s.Notify == nil {
		return
	}
	if err := s.Notify.Notify(ctx, ev); err != nil {
		s.Log.Warn("notify failed",
			slog.String("type", string(ev.Type)),
			slog.String("request_id", ev.RequestID),
			slog.String("error", err.Error()))
	}
}
