// README: Common value types shared across modules.
package types

import "strconv"

// ID is the numeric identity used for requests, units, accounts and
// facilities alike.
type ID int64

func ParseID(s string) (ID, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return ID(n), true
}

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point is inside the representable lat/lng range.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
