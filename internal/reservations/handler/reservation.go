package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	reservationserrors "chargehold/internal/reservations/errors"
	"chargehold/internal/reservations/service"
	apperrors "chargehold/pkg/errors"
	httputil "chargehold/pkg/http"
	"chargehold/pkg/logger"
	"chargehold/pkg/model"

	"github.com/julienschmidt/httprouter"
)

const basePath = "/api/v1/reservations"

type CreateReservationRequest struct {
	UserID          string        `json:"user_id"`
	Station         model.Station `json:"station"`
	ChargingPointID string        `json:"charging_point_id,omitempty"`
}

// ReservationView is a reservation plus the values a countdown display needs.
type ReservationView struct {
	model.Reservation
	RemainingFormatted string `json:"remaining_formatted"`
	NearExpiration     bool   `json:"near_expiration"`
}

type LedgerResponse struct {
	StationID      string `json:"station_id"`
	Reserved       int    `json:"reserved"`
	AvailableSlots *int   `json:"available_slots,omitempty"`
}

type ReservationHandler struct {
	service service.ReservationService
	log     *logger.Logger
}

func NewReservationHandler(service service.ReservationService, log *logger.Logger) *ReservationHandler {
	return &ReservationHandler{
		service: service,
		log:     log,
	}
}

func (h *ReservationHandler) view(r model.Reservation) ReservationView {
	return ReservationView{
		Reservation:        r,
		RemainingFormatted: model.FormatRemainingTime(r.RemainingTime),
		NearExpiration:     h.service.IsNearExpiration(r),
	}
}

func (h *ReservationHandler) writeError(w http.ResponseWriter, handler string, err error) {
	if writeErr := httputil.WriteError(w, err); writeErr != nil {
		h.log.Error("failed to write error response", "handler", handler, "operation", "WriteError", "error", writeErr)
	}
}

func (h *ReservationHandler) Create(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req CreateReservationRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		h.writeError(w, "Create", err)
		return
	}

	result := h.service.CreateReservation(r.Context(), model.ReservationRequest{
		UserID:  req.UserID,
		Station: req.Station,
		Hold:    model.HoldFor(req.ChargingPointID),
	})
	if !result.Success {
		h.writeError(w, "Create", createError(result))
		return
	}

	if err := httputil.WriteCreated(w, h.view(*result.Reservation)); err != nil {
		h.log.Error("failed to write created response", "handler", "Create", "operation", "WriteCreated", "error", err)
	}
}

func createError(result service.CreateResult) error {
	if result.Reason == service.ReasonInvalidRequest {
		return apperrors.Validation(result.Error, result.Details)
	}
	return apperrors.Conflict(result.Error).WithDetail("reason", string(result.Reason))
}

func (h *ReservationHandler) GetByID(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")

	reservation, ok := h.service.GetReservation(id)
	if !ok {
		h.writeError(w, "GetByID", apperrors.NotFoundWithID("Reservation", id))
		return
	}

	if err := httputil.WriteSuccess(w, h.view(reservation)); err != nil {
		h.log.Error("failed to write success response", "handler", "GetByID", "operation", "WriteSuccess", "error", err)
	}
}

func (h *ReservationHandler) Cancel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h.finish(w, r, ps.ByName("id"), "Cancel", h.service.CancelReservation)
}

func (h *ReservationHandler) Complete(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h.finish(w, r, ps.ByName("id"), "Complete", h.service.CompleteReservation)
}

// finish answers 204 on success, 404 for an unknown id and 409 for a
// reservation that is no longer active.
func (h *ReservationHandler) finish(
	w http.ResponseWriter,
	r *http.Request,
	id string,
	handler string,
	transition func(ctx context.Context, id string) bool,
) {
	if transition(r.Context(), id) {
		httputil.WriteNoContent(w)
		return
	}

	current, ok := h.service.GetReservation(id)
	if !ok {
		h.writeError(w, handler, apperrors.NotFoundWithID("Reservation", id))
		return
	}

	h.writeError(w, handler, apperrors.Wrap(reservationserrors.ErrNotActive, apperrors.CodeConflict,
		"Reservation is not active", http.StatusConflict).WithDetail("status", string(current.Status)))
}

func (h *ReservationHandler) GetByUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	reservations := h.service.GetUserReservations(ps.ByName("user_id"))

	views := make([]ReservationView, 0, len(reservations))
	for _, reservation := range reservations {
		views = append(views, h.view(reservation))
	}

	if err := httputil.WriteList(w, views, len(views)); err != nil {
		h.log.Error("failed to write list response", "handler", "GetByUser", "operation", "WriteList", "error", err)
	}
}

func (h *ReservationHandler) GetActiveByUser(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	userID := ps.ByName("user_id")

	reservation, ok := h.service.GetActiveReservationByUser(userID)
	if !ok {
		h.writeError(w, "GetActiveByUser", apperrors.Wrap(reservationserrors.ErrNotFound, apperrors.CodeNotFound,
			"No active reservation for user", http.StatusNotFound).WithDetail("user_id", userID))
		return
	}

	if err := httputil.WriteSuccess(w, h.view(reservation)); err != nil {
		h.log.Error("failed to write success response", "handler", "GetActiveByUser", "operation", "WriteSuccess", "error", err)
	}
}

// GetLedger reports outstanding holds for a station. With ?available=N it also
// reports how many slots remain out of the N the station data source reports.
func (h *ReservationHandler) GetLedger(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	stationID := ps.ByName("station_id")
	resp := LedgerResponse{
		StationID: stationID,
		Reserved:  h.service.ReservedCount(stationID),
	}

	if raw := r.URL.Query().Get("available"); raw != "" {
		available, err := strconv.Atoi(raw)
		if err != nil || available < 0 {
			h.writeError(w, "GetLedger", apperrors.InvalidInput(fmt.Sprintf("invalid available parameter: %s", raw)))
			return
		}
		slots := h.service.AvailableSlots(model.Station{ID: stationID, Available: available})
		resp.AvailableSlots = &slots
	}

	if err := httputil.WriteSuccess(w, resp); err != nil {
		h.log.Error("failed to write success response", "handler", "GetLedger", "operation", "WriteSuccess", "error", err)
	}
}

func (h *ReservationHandler) RegisterRoutes(router *httprouter.Router) {
	router.POST(basePath, h.Create)
	router.GET(basePath+"/id/:id", h.GetByID)
	router.POST(basePath+"/id/:id/cancel", h.Cancel)
	router.POST(basePath+"/id/:id/complete", h.Complete)
	router.GET(basePath+"/users/:user_id", h.GetByUser)
	router.GET(basePath+"/users/:user_id/active", h.GetActiveByUser)
	router.GET(basePath+"/stations/:station_id/ledger", h.GetLedger)
}
