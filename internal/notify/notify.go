package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type EventType string

const (
	EventProviderAssigned EventType = "provider.assigned"
	EventRequestAccepted  EventType = "request.accepted"
	EventRequestDeclined  EventType = "request.declined"
	EventRequestStarted   EventType = "request.started"
	EventRequestCompleted EventType = "request.completed"
	EventRequestCancelled EventType = "request.cancelled"
	EventRatingRecorded   EventType = "rating.recorded"
)

// Event is one lifecycle notification. Both party ids ride along so a
// sink can route to whoever is connected.
type Event struct {
	Type        EventType            `json:"type"`
	RequestID   string               `json:"request_id"`
	RequesterID string               `json:"requester_id"`
	ProviderID  string               `json:"provider_id,omitempty"`
	Status      models.RequestStatus `json:"status"`
	DistanceKm  *float64             `json:"distance_km,omitempty"`
	Rating      *int                 `json:"rating,omitempty"`
	At          time.Time            `json:"at"`
}

// FromRequest builds the common event shape for a request snapshot.
func FromRequest(t EventType, rq *models.Request) Event {
	return Event{
		Type:        t,
		RequestID:   rq.ID,
		RequesterID: rq.RequesterID,
		ProviderID:  rq.ProviderID,
		Status:      rq.Status,
		DistanceKm:  rq.DistanceKm,
		Rating:      rq.Rating,
		At:          rq.UpdatedAt,
	}
}

// Notifier delivers an event to whoever should hear about it. Delivery is
// best effort; the lifecycle commit has already happened by the time a
// notifier runs.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes every event to the structured log. It doubles as the
// delivery channel of last resort when no push sink is configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (l *LogNotifier) Notify(_ context.Context, ev Event) error {
	l.log.Info("event",
		slog.String("type", string(ev.Type)),
		slog.String("request_id", ev.RequestID),
		slog.String("requester_id", ev.RequesterID),
		slog.String("provider_id", ev.ProviderID),
		slog.String("status", string(ev.Status)),
	)
	return nil
}

// Multi fans an event out to every sink and joins their failures.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
