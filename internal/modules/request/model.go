// README: Dispatch request aggregate, severity tiers and status definitions.
package request

import (
	"errors"
	"time"

	"lifeline/internal/types"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusOfferPending Status = "offer_pending"
	StatusAssigned     Status = "assigned"
	StatusCancelled    Status = "cancelled"
	StatusExhausted    Status = "exhausted"
)

// Severity is informational: it is surfaced to units and operators but does
// not change the matching order.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeveritySevere   Severity = "severe"
	SeverityModerate Severity = "moderate"
	SeverityMild     Severity = "mild"
	SeverityUnknown  Severity = "unknown"
)

// Rank orders severities, highest first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeveritySevere:
		return 3
	case SeverityModerate:
		return 2
	case SeverityMild:
		return 1
	default:
		return 0
	}
}

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeveritySevere, SeverityModerate, SeverityMild, SeverityUnknown:
		return true
	}
	return false
}

// DefaultETAMinutes is reported when no ETA has been recorded for an
// assigned request yet.
const DefaultETAMinutes = 15

type Request struct {
	ID            types.ID
	RequesterID   types.ID
	Location      types.Point
	Severity      Severity
	Status        Status
	StatusVersion int
	// CandidateUnitID is set only while Status is offer_pending; it names
	// the single unit the request is currently offered to.
	CandidateUnitID *types.ID
	OfferStartedAt  *time.Time
	AssignedUnitID  *types.ID
	FacilityID      *types.ID
	ETAMinutes      *int
	CreatedAt       time.Time
	ClosedAt        *time.Time
}

// Terminal reports whether the request can no longer change state.
func (r *Request) Terminal() bool {
	switch r.Status {
	case StatusAssigned, StatusCancelled, StatusExhausted:
		return true
	}
	return false
}

// AllowedTransitions represents the dispatch state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:      {StatusOfferPending, StatusExhausted, StatusCancelled},
	StatusOfferPending: {StatusAssigned, StatusPending, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

type Event struct {
	ID         int64
	RequestID  types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	UnitID     *types.ID
	CreatedAt  time.Time
}

var (
	ErrNotFound   = errors.New("request not found")
	ErrConflict   = errors.New("request state conflict")
	ErrBadRequest = errors.New("bad request")
)
