package models

import "time"

type Coord struct {
    Lat float64 `json:"lat"`
    Lon float64 `json:"lon"`
}

// Valid reports whether the pair is a plausible WGS84 coordinate.
func (c Coord) Valid() bool {
    return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Category partitions providers by vehicle class. A request is only ever
// matched against providers of its own category.
type Category string

const (
    CategoryCar        Category = "car"
    CategoryMotorcycle Category = "motorcycle"
    CategoryVan        Category = "van"
    CategoryBike       Category = "bike"
)

func (c Category) Valid() bool {
    switch c {
    case CategoryCar, CategoryMotorcycle, CategoryVan, CategoryBike:
        return true
    }
    return false
}

type ProviderState string

const (
    ProviderOffline      ProviderState = "offline"
    ProviderAvailable    ProviderState = "available"
    ProviderOnAssignment ProviderState = "on_assignment"
)

type Provider struct {
    ID          string        `json:"id"`
    Name        string        `json:"name"`
    Phone       string        `json:"phone,omitempty"`
    Category    Category      `json:"category"`
    State       ProviderState `json:"state"`
    Loc         *Coord        `json:"loc,omitempty"` // nil until first location report
    Rating      float64       `json:"rating"`
    RatingCount int           `json:"rating_count"`
    CreatedAt   time.Time     `json:"created_at"`
    UpdatedAt   time.Time     `json:"updated_at"`
}

type Requester struct {
    ID        string    `json:"id"`
    Name      string    `json:"name"`
    Phone     string    `json:"phone,omitempty"`
    CreatedAt time.Time `json:"created_at"`
}

type RequestStatus string

const (
    StatusRequested RequestStatus = "requested"
    StatusAssigned  RequestStatus = "assigned"
    StatusOngoing   RequestStatus = "ongoing"
    StatusCompleted RequestStatus = "completed"
    StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no event can move a request out of s.
func (s RequestStatus) Terminal() bool {
    return s == StatusCompleted || s == StatusCancelled
}

func (s RequestStatus) Valid() bool {
    switch s {
    case StatusRequested, StatusAssigned, StatusOngoing, StatusCompleted, StatusCancelled:
        return true
    }
    return false
}

type Request struct {
    ID          string        `json:"id"`
    RequesterID string        `json:"requester_id"`
    ProviderID  string        `json:"provider_id,omitempty"` // kept after completion for rating
    Category    Category      `json:"category"`
    Origin      Coord         `json:"origin"`
    Destination Coord         `json:"destination"`
    Status      RequestStatus `json:"status"`
    DistanceKm  *float64      `json:"distance_km,omitempty"` // origin to provider at assignment
    Rating      *int          `json:"rating,omitempty"`
    CreatedAt   time.Time     `json:"created_at"`
    UpdatedAt   time.Time     `json:"updated_at"`
    AssignedAt  *time.Time    `json:"assigned_at,omitempty"`
    StartedAt   *time.Time    `json:"started_at,omitempty"`
    CompletedAt *time.Time    `json:"completed_at,omitempty"`
    CancelledAt *time.Time    `json:"cancelled_at,omitempty"`
}

// Active reports whether the request still occupies its requester's single
// active slot.
func (r *Request) Active() bool {
    return !r.Status.Terminal()
}

// RequestTransition is one audit row: a status change applied to a request
// and the actor that caused it.
type RequestTransition struct {
    ID         int64         `json:"id"`
    RequestID  string        `json:"request_id"`
    FromStatus RequestStatus `json:"from_status"`
    ToStatus   RequestStatus `json:"to_status"`
    Actor      Actor         `json:"actor"`
    At         time.Time     `json:"at"`
}

// Stats is the read-only operational summary served to admins.
type Stats struct {
    ProvidersByState map[ProviderState]int `json:"providers_by_state"`
    RequestsByStatus map[RequestStatus]int `json:"requests_by_status"`
    RatedRequests    int                   `json:"rated_requests"`
    AverageRating    float64               `json:"average_rating"`
}
