// README: Requester/operator handlers: create, status poll, cancel, facility, retry.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"lifeline/internal/modules/dispatch"
	"lifeline/internal/modules/request"
	"lifeline/internal/types"
)

type RequestHandler struct {
	dispatch *dispatch.Service
}

func NewRequestHandler(svc *dispatch.Service) *RequestHandler {
	return &RequestHandler{dispatch: svc}
}

type createRequestBody struct {
	RequesterID types.ID         `json:"requester_id"`
	Lat         float64          `json:"lat"`
	Lng         float64          `json:"lng"`
	Severity    request.Severity `json:"severity"`
}

func (h *RequestHandler) Create(c *gin.Context) {
	var body createRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body")
		return
	}
	id, err := h.dispatch.CreateRequest(c.Request.Context(), dispatch.CreateCommand{
		RequesterID: body.RequesterID,
		Location:    types.Point{Lat: body.Lat, Lng: body.Lng},
		Severity:    body.Severity,
	})
	if err != nil && !errors.Is(err, dispatch.ErrNoUnitsAvailable) {
		writeDispatchError(c, err)
		return
	}
	resp := gin.H{"request_id": id}
	// An empty pool is not an error: the request is open and will be
	// re-dispatched; tell the requester no unit is available yet.
	if errors.Is(err, dispatch.ErrNoUnitsAvailable) {
		resp["units_available"] = false
	}
	writeJSON(c, http.StatusCreated, resp)
}

func (h *RequestHandler) Status(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	status, err := h.dispatch.Status(c.Request.Context(), id)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, status)
}

func (h *RequestHandler) Cancel(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.dispatch.Cancel(c.Request.Context(), id); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": request.StatusCancelled})
}

// Retry re-runs the offer loop for a request that is still pending.
func (h *RequestHandler) Retry(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	err := h.dispatch.Dispatch(c.Request.Context(), id)
	if errors.Is(err, dispatch.ErrNoUnitsAvailable) {
		writeJSON(c, http.StatusOK, gin.H{"units_available": false})
		return
	}
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": request.StatusOfferPending})
}

type assignFacilityBody struct {
	FacilityID types.ID `json:"facility_id"`
}

func (h *RequestHandler) AssignFacility(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body assignFacilityBody
	if err := c.ShouldBindJSON(&body); err != nil || body.FacilityID <= 0 {
		writeError(c, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.dispatch.AssignFacility(c.Request.Context(), id, body.FacilityID); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"facility_id": body.FacilityID})
}

type setETABody struct {
	Minutes int `json:"minutes"`
}

func (h *RequestHandler) SetETA(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body setETABody
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, http.StatusBadRequest, "invalid body")
		return
	}
	if err := h.dispatch.SetETA(c.Request.Context(), id, body.Minutes); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"eta_minutes": body.Minutes})
}

func (h *RequestHandler) Accept(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	unitID, ok := queryID(c, "unit_id")
	if !ok {
		return
	}
	if err := h.dispatch.Accept(c.Request.Context(), id, unitID); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": request.StatusAssigned})
}

func (h *RequestHandler) Reject(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	unitID, ok := queryID(c, "unit_id")
	if !ok {
		return
	}
	if err := h.dispatch.Reject(c.Request.Context(), id, unitID); err != nil {
		writeDispatchError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": request.StatusPending})
}
