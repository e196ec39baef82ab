package rating

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Service records post-completion ratings and folds them into the
// provider's running average.
type Service struct {
	Store  storage.Store
	Notify notify.Notifier
	Log    *slog.Logger
}

// Submit records stars for a completed request. A request takes exactly
// one rating, from the requester who placed it. Returns the rated
// request and the provider with the recomputed average.
func (s *Service) Submit(ctx context.Context, requestID, requesterID string, stars int) (*models.Request, *models.Provider, error) {
	if stars < 1 || stars > 5 {
		return nil, nil, fmt.Errorf("stars must be between 1 and 5: %w", models.ErrValidation)
	}
	if requesterID == "" {
		return nil, nil, fmt.Errorf("requester_id is required: %w", models.ErrValidation)
	}
	rq, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if rq.RequesterID != requesterID {
		return nil, nil, fmt.Errorf("request %s belongs to requester %s: %w", requestID, rq.RequesterID, models.ErrUnauthorizedActor)
	}
	if rq.Status != models.StatusCompleted {
		return nil, nil, fmt.Errorf("cannot rate a %s request: %w", rq.Status, models.ErrStateConflict)
	}
	if rq.Rating != nil {
		return nil, nil, fmt.Errorf("request %s is already rated: %w", requestID, models.ErrStateConflict)
	}
	updated, prov, err := s.Store.ApplyRating(ctx, requestID, stars, time.Now().UTC())
	if errors.Is(err, models.ErrConcurrencyConflict) {
		// another rating squeezed in between our read and the write
		return nil, nil, fmt.Errorf("request %s is already rated: %w", requestID, models.ErrStateConflict)
	}
	if err != nil {
		return nil, nil, err
	}
	observability.RatingsTotal.Inc()
	s.Log.Info("rating recorded",
		slog.String("request_id", requestID),
		slog.String("provider_id", prov.ID),
		slog.Int("stars", stars),
		slog.Float64("provider_rating", prov.Rating))
	if s.Notify != nil {
		if nerr := s.Notify.Notify(ctx, notify.FromRequest(notify.EventRatingRecorded, updated)); nerr != nil {
			s.Log.Warn("notify failed",
				slog.String("request_id", requestID),
				slog.String("error", nerr.Error()))
		}
	}
	return updated, prov, nil
}
