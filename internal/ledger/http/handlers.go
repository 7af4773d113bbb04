// Package ledgerhttp exposes the ledger service as a JSON API.
package ledgerhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/barstock/barstock/internal/ledger"
	"github.com/barstock/barstock/internal/platform/httpx"
	"github.com/barstock/barstock/internal/platform/lock"
	"github.com/barstock/barstock/internal/shared"
)

// IdempotencyHeader carries the client key that deduplicates transfer creation.
const IdempotencyHeader = "Idempotency-Key"

// Service is the ledger contract the handlers depend on.
type Service interface {
	Calendar() ledger.Calendar
	GetLedger(ctx context.Context, sel ledger.LocationSelector, day time.Time) ([]ledger.Row, error)
	UpsertOne(ctx context.Context, input ledger.UpsertInput) (ledger.Record, error)
	BulkUpsert(ctx context.Context, input ledger.BulkUpsertInput) (ledger.BulkResult, error)
	ListAlerts(ctx context.Context, filter ledger.AlertFilter) ([]ledger.Alert, error)
	CreateTransfer(ctx context.Context, input ledger.CreateTransferInput) (ledger.Transfer, error)
	ListTransfers(ctx context.Context, filter ledger.TransferFilter) ([]ledger.Transfer, error)
	GetTransfer(ctx context.Context, id int64) (ledger.Transfer, error)
	ApproveTransfer(ctx context.Context, input ledger.ApproveInput) (ledger.Transfer, error)
	RejectTransfer(ctx context.Context, input ledger.RejectInput) (ledger.Transfer, error)
}

// Handler serves the ledger API.
type Handler struct {
	logger    *slog.Logger
	service   Service
	validator *validator.Validate
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

func (h *Handler) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sel, err := parseSelector(q.Get("location"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var day time.Time
	if raw := q.Get("day"); raw != "" {
		if day, err = h.service.Calendar().Parse(raw); err != nil {
			h.respondError(w, r, err)
			return
		}
	}
	rows, err := h.service.GetLedger(r.Context(), sel, day)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rows": toRows(rows)})
}

func (h *Handler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req upsertRequest
	if !h.decode(w, r, &req) {
		return
	}
	day, err := h.service.Calendar().Parse(req.Day)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	rec, err := h.service.UpsertOne(r.Context(), ledger.UpsertInput{
		LocationID: req.LocationID,
		Day:        day,
		Item:       req.raw(),
		ActorID:    actor,
	})
	if err != nil {
		if rec.ID != 0 {
			h.respondPartial(w, r, err, map[string]any{"record": toRecord(rec)})
			return
		}
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRecord(rec))
}

func (h *Handler) handleBulkUpsert(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req bulkUpsertRequest
	if !h.decode(w, r, &req) {
		return
	}
	day, err := h.service.Calendar().Parse(req.Day)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	items := make([]ledger.RawInput, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, item.raw())
	}
	res, err := h.service.BulkUpsert(r.Context(), ledger.BulkUpsertInput{
		Location: ledger.Location(req.LocationID),
		Day:      day,
		Items:    items,
		ActorID:  actor,
	})
	body := map[string]any{"updated": toRecords(res.Updated), "skipped": skippedOrEmpty(res.Skipped)}
	if err != nil {
		h.respondPartial(w, r, err, body)
		return
	}
	httpx.JSON(w, http.StatusOK, body)
}

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter ledger.AlertFilter
	if raw := q.Get("location"); raw != "" {
		id, err := parseID(raw, "location")
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		filter.LocationID = &id
	}
	if raw := q.Get("day"); raw != "" {
		day, err := h.service.Calendar().Parse(raw)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		filter.Day = &day
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	filter.Limit = limit
	alerts, err := h.service.ListAlerts(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"alerts": toAlerts(alerts)})
}

func (h *Handler) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	var req createTransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.service.CreateTransfer(r.Context(), ledger.CreateTransferInput{
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
		FromLocationID: req.FromLocationID,
		ToLocationID:   req.ToLocationID,
		Note:           req.Note,
		ActorID:        actor,
		IdempotencyKey: r.Header.Get(IdempotencyHeader),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toTransfer(t))
}

func (h *Handler) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	transfers, err := h.service.ListTransfers(r.Context(), ledger.TransferFilter{
		Status: ledger.TransferStatus(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		Limit:  limit,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"transfers": toTransfers(transfers)})
}

func (h *Handler) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	t, err := h.service.GetTransfer(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransfer(t))
}

func (h *Handler) handleApproveTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	id, err := parseID(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req approveRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	var day time.Time
	if req.EffectiveDay != "" {
		if day, err = h.service.Calendar().Parse(req.EffectiveDay); err != nil {
			h.respondError(w, r, err)
			return
		}
	}
	t, err := h.service.ApproveTransfer(r.Context(), ledger.ApproveInput{
		TransferID:   id,
		EffectiveDay: day,
		ActorID:      actor,
		Note:         req.Note,
	})
	if err != nil {
		if t.ID != 0 {
			h.respondPartial(w, r, err, map[string]any{"transfer": toTransfer(t)})
			return
		}
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransfer(t))
}

func (h *Handler) handleRejectTransfer(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireActor(w, r)
	if !ok {
		return
	}
	id, err := parseID(chi.URLParam(r, "id"), "id")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req rejectRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	t, err := h.service.RejectTransfer(r.Context(), ledger.RejectInput{TransferID: id, ActorID: actor, Note: req.Note})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTransfer(t))
}

func (h *Handler) requireActor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	actor, ok := shared.ActorFromContext(r.Context())
	if !ok || actor <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: actor id required", httpx.ErrUnauthorized))
		return 0, false
	}
	return actor, true
}

// decode reads and validates the body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return false
		}
		fields := make(map[string]string, len(verrs))
		for _, fieldErr := range verrs {
			fields[fieldErr.Namespace()] = fieldErr.Tag()
		}
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusBadRequest,
			Errors: fields,
		})
		return false
	}
	return true
}

// respondError maps ledger errors onto problem responses.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		p := httpx.ProblemDetail{Title: "Validation Failed", Status: http.StatusBadRequest, Detail: err.Error()}
		if verr.Field != "" {
			p.Errors = map[string]string{verr.Field: verr.Reason}
		}
		httpx.WriteProblem(w, p)
	case errors.Is(err, ledger.ErrValidation):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	case errors.Is(err, ledger.ErrNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case errors.Is(err, ledger.ErrInvalidStateTransition),
		errors.Is(err, shared.ErrIdempotencyConflict),
		errors.Is(err, lock.ErrNotAcquired):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
	case errors.Is(err, ledger.ErrConsistency):
		h.respondPartial(w, r, err, nil)
	default:
		h.logger.Error("ledger request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

// respondPartial reports a write that committed but whose propagation was
// interrupted, carrying the committed result and the resume point.
func (h *Handler) respondPartial(w http.ResponseWriter, r *http.Request, err error, partial map[string]any) {
	var failure *ledger.ConsistencyFailure
	if !errors.As(err, &failure) {
		h.respondError(w, r, err)
		return
	}
	ext := map[string]any{
		"chain":      failure.Chain.String(),
		"failed_day": failure.FailedDay.Format(ledger.DayLayout),
	}
	if failure.LastWrittenDay != nil {
		ext["last_written_day"] = failure.LastWrittenDay.Format(ledger.DayLayout)
	} else {
		ext["last_written_day"] = nil
	}
	for k, v := range partial {
		ext[k] = v
	}
	h.logger.Error("ledger propagation interrupted",
		slog.String("path", r.URL.Path),
		slog.String("chain", failure.Chain.String()),
		slog.Any("error", err))
	httpx.WriteProblem(w, httpx.ProblemDetail{
		Title:      "Propagation Interrupted",
		Status:     http.StatusInternalServerError,
		Detail:     "the write was stored but later days were not updated; propagation will be resumed",
		Extensions: ext,
	})
}

func parseSelector(raw string) (ledger.LocationSelector, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "all") {
		return ledger.LocationAll, nil
	}
	id, err := parseID(raw, "location")
	if err != nil {
		return ledger.LocationSelector{}, err
	}
	return ledger.Location(id), nil
}

func parseID(raw, field string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, &ledger.ValidationError{Field: field, Reason: "must be a positive integer"}
	}
	return id, nil
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &ledger.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
	}
	return n, nil
}

func skippedOrEmpty(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}
