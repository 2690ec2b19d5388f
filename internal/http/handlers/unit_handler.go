// README: Unit-facing handlers: duty, location pings, offer/assignment polls, nearby search.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"lifeline/internal/modules/dispatch"
	"lifeline/internal/modules/unit"
	"lifeline/internal/types"
)

type UnitHandler struct {
	units    *unit.Service
	dispatch *dispatch.Service
}

func NewUnitHandler(unitSvc *unit.Service, dispatchSvc *dispatch.Service) *UnitHandler {
	return &UnitHandler{units: unitSvc, dispatch: dispatchSvc}
}

type setDutyBody struct {
	OnDuty bool `json:"on_duty"`
}

func (h *UnitHandler) SetDuty(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body setDutyBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.units.SetDuty(c.Request.Context(), id, body.OnDuty); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"unit_id": id, "on_duty": body.OnDuty})
}

type positionBody struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (h *UnitHandler) ReportPosition(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body positionBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body")
		return
	}
	p := types.Point{Lat: body.Lat, Lng: body.Lng}
	if !p.Valid() {
		writeError(c, http.StatusBadRequest, "coordinates out of range")
		return
	}
	if err := h.units.ReportPosition(c.Request.Context(), id, p); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}

func (h *UnitHandler) PollOffer(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	offer, err := h.dispatch.PollOffer(c.Request.Context(), id)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	if offer == nil {
		writeJSON(c, http.StatusOK, gin.H{"offer": nil})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"offer": offer})
}

func (h *UnitHandler) PollAssignment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	view, err := h.dispatch.PollAssigned(c.Request.Context(), id)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	if view == nil {
		writeJSON(c, http.StatusOK, gin.H{"assignment": nil})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"assignment": view})
}

func (h *UnitHandler) CompleteAssignment(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	requestID, err := h.dispatch.CompleteAssignment(c.Request.Context(), id)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"request_id": requestID, "completed": true})
}

func (h *UnitHandler) Nearby(c *gin.Context) {
	lat, err1 := strconv.ParseFloat(c.Query("lat"), 64)
	lng, err2 := strconv.ParseFloat(c.Query("lng"), 64)
	if err1 != nil || err2 != nil {
		writeError(c, http.StatusBadRequest, "missing or invalid lat/lng")
		return
	}
	p := types.Point{Lat: lat, Lng: lng}
	if !p.Valid() {
		writeError(c, http.StatusBadRequest, "coordinates out of range")
		return
	}
	radiusKm := 0.0
	if v := c.Query("radius_km"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			writeError(c, http.StatusBadRequest, "invalid radius_km")
			return
		}
		radiusKm = r
	}
	units, err := h.dispatch.QueryNearby(c.Request.Context(), p, radiusKm)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"units": units})
}
