package models

// Actor identifies who fires a lifecycle event.
type Actor string

const (
	ActorEngine    Actor = "engine"
	ActorProvider  Actor = "provider"
	ActorRequester Actor = "requester"
)

// Event is a lifecycle trigger on a request.
type Event string

const (
	EventAssign   Event = "assign"
	EventAccept   Event = "accept"
	EventDecline  Event = "decline"
	EventCancel   Event = "cancel"
	EventComplete Event = "complete"
)

type transition struct {
	status RequestStatus
	event  Event
}

// transitions is the entire lifecycle. Any (status, event) pair absent
// here is a conflict no matter who asks.
var transitions = map[transition]RequestStatus{
	{StatusRequested, EventAssign}: StatusAssigned,
	{StatusAssigned, EventAccept}:  StatusOngoing,
	{StatusAssigned, EventDecline}: StatusRequested,
	{StatusRequested, EventCancel}: StatusCancelled,
	{StatusAssigned, EventCancel}:  StatusCancelled,
	{StatusOngoing, EventComplete}: StatusCompleted,
}

// eventActors pins each event to the one actor role allowed to fire it.
var eventActors = map[Event]Actor{
	EventAssign:   ActorEngine,
	EventAccept:   ActorProvider,
	EventDecline:  ActorProvider,
	EventCancel:   ActorRequester,
	EventComplete: ActorProvider,
}

// NextStatus resolves a single lifecycle step. The actor role is checked
// first: a role that never fires ev gets ErrUnauthorizedActor even when
// the transition itself would be legal. Identity checks (is this the
// assigned provider, is this the owning requester) belong to the caller.
func NextStatus(from RequestStatus, ev Event, actor Actor) (RequestStatus, error) {
	if eventActors[ev] != actor {
		return "", ErrUnauthorizedActor
	}
	to, ok := transitions[transition{from, ev}]
	if !ok {
		return "", ErrStateConflict
	}
	return to, nil
}
