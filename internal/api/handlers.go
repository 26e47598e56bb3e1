package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eksporyuk/broadcast-engine/internal/credit"
	"github.com/eksporyuk/broadcast-engine/internal/domain"
	"github.com/eksporyuk/broadcast-engine/internal/pkg/httputil"
	"github.com/eksporyuk/broadcast-engine/internal/service/broadcast"
	"github.com/eksporyuk/broadcast-engine/internal/tracker"
)

// defaultAccountID is used when the caller does not identify an account.
// Single-tenant deployments never set the header.
const defaultAccountID = "default"

// Handlers holds the dependencies of the HTTP layer.
type Handlers struct {
	svc      *broadcast.Service
	tracking *tracker.Handler
}

// NewHandlers creates the API handlers. The tracking handler may be nil when
// engagement tracking is disabled.
func NewHandlers(svc *broadcast.Service, tracking *tracker.Handler) *Handlers {
	return &Handlers{svc: svc, tracking: tracking}
}

func accountID(r *http.Request) string {
	if id := r.Header.Get("X-Account-ID"); id != "" {
		return id
	}
	return defaultAccountID
}

// writeServiceError maps service errors onto HTTP responses. Unrecognized
// errors get the fallback status; 5xx bodies never include the raw error.
func writeServiceError(w http.ResponseWriter, err error, fallback int) {
	var insufficient *credit.InsufficientCreditError
	switch {
	case errors.Is(err, broadcast.ErrNotFound):
		httputil.NotFound(w, "broadcast not found")
	case errors.As(err, &insufficient):
		httputil.JSON(w, http.StatusPaymentRequired, httputil.ErrorResponse{
			Error: "insufficient credits",
			Code:  "INSUFFICIENT_CREDITS",
			Details: map[string]int64{
				"required":  insufficient.Required,
				"available": insufficient.Available,
			},
		})
	case errors.Is(err, broadcast.ErrCampaignSending):
		httputil.Conflict(w, "broadcast is currently sending")
	case errors.Is(err, broadcast.ErrNotEditable):
		httputil.Conflict(w, "broadcast can no longer be edited")
	case errors.Is(err, broadcast.ErrNotScheduled):
		httputil.Conflict(w, "broadcast has no pending schedule")
	case errors.Is(err, broadcast.ErrInvalidTransition):
		httputil.Conflict(w, "operation not allowed in the current status")
	case fallback >= 500:
		httputil.InternalError(w, err)
	default:
		httputil.Error(w, fallback, err.Error())
	}
}

// HandleListBroadcasts lists an account's campaigns with pagination.
func (h *Handlers) HandleListBroadcasts(w http.ResponseWriter, r *http.Request) {
	pag := ParsePagination(r, 50, 200)

	campaigns, total, err := h.svc.List(r.Context(), accountID(r), broadcast.ListFilter{
		Status: r.URL.Query().Get("status"),
		Search: r.URL.Query().Get("search"),
		Limit:  pag.Limit,
		Offset: pag.Offset,
	})
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if campaigns == nil {
		campaigns = []domain.Campaign{}
	}

	httputil.OK(w, NewPaginatedResponse(campaigns, pag, total))
}

// HandleCreateBroadcast creates a new campaign. With a scheduledAt it is
// born SCHEDULED, otherwise DRAFT.
func (h *Handlers) HandleCreateBroadcast(w http.ResponseWriter, r *http.Request) {
	var input broadcast.CreateInput
	if !httputil.Decode(w, r, &input) {
		return
	}

	c, err := h.svc.CreateCampaign(r.Context(), accountID(r), input)
	if err != nil {
		writeServiceError(w, err, http.StatusBadRequest)
		return
	}
	httputil.Created(w, c)
}

// HandleGetBroadcast returns a single campaign.
func (h *Handlers) HandleGetBroadcast(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), accountID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	httputil.OK(w, c)
}

// HandleUpdateBroadcast edits campaign content. Only DRAFT and SCHEDULED
// campaigns are editable.
func (h *Handlers) HandleUpdateBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          *string               `json:"name"`
		Subject       *string               `json:"subject"`
		Body          *string               `json:"body"`
		SegmentFilter *domain.SegmentFilter `json:"targetSegment"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}

	c, err := h.svc.Update(r.Context(), accountID(r), chi.URLParam(r, "id"), broadcast.UpdateFields{
		Name:          req.Name,
		Subject:       req.Subject,
		Body:          req.Body,
		SegmentFilter: req.SegmentFilter,
	})
	if err != nil {
		writeServiceError(w, err, http.StatusBadRequest)
		return
	}
	httputil.OK(w, c)
}

// HandleDeleteBroadcast removes a campaign. Rejected while sending.
func (h *Handlers) HandleDeleteBroadcast(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), accountID(r), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	httputil.NoContent(w)
}

// HandleSendBroadcast fires a campaign immediately. Insufficient credits
// map to 402 with the required and available amounts.
func (h *Handlers) HandleSendBroadcast(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.SendNow(r.Context(), accountID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	httputil.OK(w, report)
}

// HandleScheduleBroadcast sets or replaces a campaign's schedule.
func (h *Handlers) HandleScheduleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScheduledAt *time.Time             `json:"scheduledAt"`
		Recurrence  *domain.RecurrenceRule `json:"recurring"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.ScheduledAt == nil {
		httputil.BadRequest(w, "scheduledAt is required")
		return
	}

	c, err := h.svc.Schedule(r.Context(), accountID(r), chi.URLParam(r, "id"), *req.ScheduledAt, req.Recurrence)
	if err != nil {
		writeServiceError(w, err, http.StatusBadRequest)
		return
	}
	httputil.OK(w, c)
}

// HandleCancelSchedule removes a pending schedule, returning the campaign
// to DRAFT.
func (h *Handlers) HandleCancelSchedule(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.CancelSchedule(r.Context(), accountID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	httputil.OK(w, c)
}

// HandleCancelBroadcast cancels a campaign. A sending campaign finishes its
// current batch before stopping.
func (h *Handlers) HandleCancelBroadcast(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Cancel(r.Context(), accountID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err, http.StatusInternalServerError)
		return
	}
	httputil.OK(w, c)
}

// HandleGetCredits returns the account's credit balance.
func (h *Handlers) HandleGetCredits(w http.ResponseWriter, r *http.Request) {
	balance, err := h.svc.CreditBalance(r.Context(), accountID(r))
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, domain.CreditAccount{AccountID: accountID(r), Balance: balance})
}

// HandleTopUpCredits deposits credits into the account.
func (h *Handlers) HandleTopUpCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Amount <= 0 {
		httputil.BadRequest(w, "amount must be positive")
		return
	}

	balance, err := h.svc.TopUpCredits(r.Context(), accountID(r), req.Amount)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, domain.CreditAccount{AccountID: accountID(r), Balance: balance})
}
