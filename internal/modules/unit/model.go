// README: Field unit (ambulance) registry types.
package unit

import (
	"errors"
	"time"

	"lifeline/internal/types"
)

type Unit struct {
	ID         types.ID
	AccountID  types.ID
	CallSign   string
	VehicleReg string
	OnDuty     bool
	CreatedAt  time.Time
}

// Position is a unit's live location. It exists only while the unit is on
// duty; absence means "position unknown" and the unit is not dispatchable.
type Position struct {
	UnitID    types.ID
	Point     types.Point
	UpdatedAt time.Time
}

var (
	ErrNotFound = errors.New("unit not found")
	ErrOffDuty  = errors.New("unit is off duty")
)
