package models

import "time"

// Status is the lifecycle state of a ride request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCanceled  Status = "canceled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusFailed
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusConfirmed, StatusCompleted, StatusCanceled, StatusFailed:
		return true
	}
	return false
}

// Location is an opaque pickup/destination descriptor. The core never
// interprets it beyond round-tripping.
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Address string  `json:"address"`
}

// RideRequest is the central ledger record. Every mutation after insert goes
// through a version-conditioned write; Version is the fencing token.
type RideRequest struct {
	ID          string   `json:"id"`
	RiderID     string   `json:"rider_id"`
	DriverID    string   `json:"driver_id,omitempty"` // empty until claimed
	Pickup      Location `json:"pickup"`
	Destination Location `json:"destination"`

	// FeeCents is fixed at creation, smallest currency unit.
	FeeCents int64  `json:"fee_cents"`
	Currency string `json:"currency"`

	// PaymentRef correlates this record to the gateway authorization.
	// Set at creation, never reused.
	PaymentRef string `json:"payment_ref"`
	// CaptureID is set once the authorization has been captured.
	CaptureID string `json:"capture_id,omitempty"`

	Status  Status `json:"status"`
	Version int64  `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CanceledAt  *time.Time `json:"canceled_at,omitempty"`
}

// Clone returns a deep copy so store snapshots can be handed to callers
// without aliasing the stored record.
func (r *RideRequest) Clone() *RideRequest {
	cp := *r
	cp.AcceptedAt = copyTime(r.AcceptedAt)
	cp.CompletedAt = copyTime(r.CompletedAt)
	cp.CanceledAt = copyTime(r.CanceledAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TransitionEvent is emitted on every successful transition. Subscribers key
// on RideID and drop stale deliveries by comparing Version.
type TransitionEvent struct {
	RideID    string    `json:"ride_id"`
	RiderID   string    `json:"rider_id"`
	DriverID  string    `json:"driver_id,omitempty"`
	NewStatus Status    `json:"new_status"`
	Version   int64     `json:"version"`
	FeeCents  int64     `json:"fee_cents"`
	Currency  string    `json:"currency"`
	Pickup    Location  `json:"pickup"`
	At        time.Time `json:"at"`
}
