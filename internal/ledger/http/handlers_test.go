package ledgerhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/barstock/barstock/internal/ledger"
	"github.com/barstock/barstock/internal/platform/lock"
	"github.com/barstock/barstock/internal/shared"
)

func day(n int) time.Time {
	return time.Date(2024, time.March, n, 0, 0, 0, 0, time.UTC)
}

type stubService struct {
	lastUpsert   ledger.UpsertInput
	lastBulk     ledger.BulkUpsertInput
	lastSel      ledger.LocationSelector
	lastDay      time.Time
	lastCreate   ledger.CreateTransferInput
	lastApprove  ledger.ApproveInput
	lastFilter   ledger.TransferFilter
	lastAlerts   ledger.AlertFilter
	rows         []ledger.Row
	record       ledger.Record
	bulk         ledger.BulkResult
	transfer     ledger.Transfer
	err          error
	transferErrs map[int64]error
}

func (s *stubService) Calendar() ledger.Calendar { return ledger.UTCCalendar() }

func (s *stubService) GetLedger(ctx context.Context, sel ledger.LocationSelector, d time.Time) ([]ledger.Row, error) {
	s.lastSel, s.lastDay = sel, d
	return s.rows, s.err
}

func (s *stubService) UpsertOne(ctx context.Context, input ledger.UpsertInput) (ledger.Record, error) {
	s.lastUpsert = input
	return s.record, s.err
}

func (s *stubService) BulkUpsert(ctx context.Context, input ledger.BulkUpsertInput) (ledger.BulkResult, error) {
	s.lastBulk = input
	return s.bulk, s.err
}

func (s *stubService) ListAlerts(ctx context.Context, filter ledger.AlertFilter) ([]ledger.Alert, error) {
	s.lastAlerts = filter
	return []ledger.Alert{{ID: 1, RecordID: 2, LocationID: 1, ProductID: 1, Day: day(1), Variance: -3, FlaggedBy: 7}}, s.err
}

func (s *stubService) CreateTransfer(ctx context.Context, input ledger.CreateTransferInput) (ledger.Transfer, error) {
	s.lastCreate = input
	return s.transfer, s.err
}

func (s *stubService) ListTransfers(ctx context.Context, filter ledger.TransferFilter) ([]ledger.Transfer, error) {
	s.lastFilter = filter
	return []ledger.Transfer{s.transfer}, s.err
}

func (s *stubService) GetTransfer(ctx context.Context, id int64) (ledger.Transfer, error) {
	if err := s.transferErrs[id]; err != nil {
		return ledger.Transfer{}, err
	}
	return s.transfer, s.err
}

func (s *stubService) ApproveTransfer(ctx context.Context, input ledger.ApproveInput) (ledger.Transfer, error) {
	s.lastApprove = input
	if err := s.transferErrs[input.TransferID]; err != nil {
		return ledger.Transfer{}, err
	}
	return s.transfer, s.err
}

func (s *stubService) RejectTransfer(ctx context.Context, input ledger.RejectInput) (ledger.Transfer, error) {
	if err := s.transferErrs[input.TransferID]; err != nil {
		return ledger.Transfer{}, err
	}
	return s.transfer, s.err
}

func newRouter(svc *stubService) http.Handler {
	r := chi.NewRouter()
	NewHandler(nil, svc).MountRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string, actor int64, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	if actor > 0 {
		req = req.WithContext(shared.ContextWithActor(req.Context(), actor))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestGetLedgerParsesSelector(t *testing.T) {
	svc := &stubService{rows: []ledger.Row{{
		Product: ledger.Product{ID: 1, Name: "Gin", CostPrice: decimal.NewFromInt(10)},
		Day:     day(5), Exists: true, Locations: 2, Closing: 12,
	}}}
	h := newRouter(svc)

	rr := do(t, h, http.MethodGet, "/ledger?location=all&day=2024-03-05", "", 0)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.True(t, svc.lastSel.All)
	require.Equal(t, day(5), svc.lastDay)
	rows := decodeBody(t, rr)["rows"].([]any)
	require.Len(t, rows, 1)
	require.Equal(t, "2024-03-05", rows[0].(map[string]any)["day"])
	require.Equal(t, "10", rows[0].(map[string]any)["product"].(map[string]any)["cost_price"])

	rr = do(t, h, http.MethodGet, "/ledger?location=3", "", 0)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, ledger.Location(3), svc.lastSel)
	require.True(t, svc.lastDay.IsZero())

	rr = do(t, h, http.MethodGet, "/ledger?location=bar", "", 0)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "must be a positive integer", decodeBody(t, rr)["errors"].(map[string]any)["location"])

	rr = do(t, h, http.MethodGet, "/ledger?day=03/05/2024", "", 0)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUpsertRequiresActor(t *testing.T) {
	svc := &stubService{}
	rr := do(t, newRouter(svc), http.MethodPost, "/ledger", `{"location_id":1,"day":"2024-03-01","product_id":1}`, 0)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Zero(t, svc.lastUpsert.LocationID)
}

func TestUpsertMapsRequest(t *testing.T) {
	manual := 80.0
	svc := &stubService{record: ledger.Record{ID: 9, LocationID: 1, ProductID: 2, Day: day(1), ManualClosing: &manual, Closing: 80}}
	rr := do(t, newRouter(svc), http.MethodPost, "/ledger",
		`{"location_id":1,"day":"2024-03-01","product_id":2,"opening":100,"sales_qty":10,"manual_closing":80}`, 5)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, int64(5), svc.lastUpsert.ActorID)
	require.Equal(t, day(1), svc.lastUpsert.Day)
	require.Equal(t, int64(2), svc.lastUpsert.Item.ProductID)
	require.InDelta(t, 100, *svc.lastUpsert.Item.Opening, 1e-9)
	require.InDelta(t, 80, *svc.lastUpsert.Item.ManualClosing, 1e-9)
	require.Equal(t, float64(9), decodeBody(t, rr)["id"])
}

func TestUpsertValidation(t *testing.T) {
	svc := &stubService{}
	h := newRouter(svc)

	rr := do(t, h, http.MethodPost, "/ledger", `{"location_id":1,"day":"2024-03-01","product_id":2,"sales_qty":-1}`, 5)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "SalesQty")

	rr = do(t, h, http.MethodPost, "/ledger", `{"location_id":1,"day":"2024-03-01","product_id":2,"colour":"red"}`, 5)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodPost, "/ledger", `{"location_id":1,"day":"yesterday","product_id":2}`, 5)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Zero(t, svc.lastUpsert.LocationID)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", ledger.ErrLocationNotFound, http.StatusNotFound},
		{"validation", &ledger.ValidationError{Field: "items", Reason: "duplicate"}, http.StatusBadRequest},
		{"lock busy", lock.ErrNotAcquired, http.StatusConflict},
		{"storage", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubService{err: tc.err}
			rr := do(t, newRouter(svc), http.MethodPost, "/ledger", `{"location_id":1,"day":"2024-03-01","product_id":2}`, 5)
			require.Equal(t, tc.status, rr.Code, rr.Body.String())
			require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
		})
	}
}

func TestUpsertReportsInterruptedPropagation(t *testing.T) {
	last := day(2)
	svc := &stubService{
		record: ledger.Record{ID: 4, LocationID: 1, ProductID: 2, Day: day(1), Closing: 30},
		err:    &ledger.ConsistencyFailure{Chain: ledger.ChainKey{LocationID: 1, ProductID: 2}, FailedDay: day(3), LastWrittenDay: &last, Err: errors.New("disk full")},
	}
	rr := do(t, newRouter(svc), http.MethodPost, "/ledger", `{"location_id":1,"day":"2024-03-01","product_id":2,"opening":30}`, 5)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	body := decodeBody(t, rr)
	require.Equal(t, "2024-03-02", body["last_written_day"])
	require.Equal(t, "2024-03-03", body["failed_day"])
	require.Equal(t, "1:2", body["chain"])
	require.Equal(t, float64(4), body["record"].(map[string]any)["id"])
}

func TestBulkUpsertReturnsPartialResults(t *testing.T) {
	svc := &stubService{
		bulk: ledger.BulkResult{Updated: []ledger.Record{{ID: 1, ProductID: 1, Day: day(1)}}, Skipped: []int64{99}},
	}
	h := newRouter(svc)
	payload := `{"location_id":1,"day":"2024-03-01","items":[{"product_id":1,"opening":10},{"product_id":99}]}`

	rr := do(t, h, http.MethodPost, "/ledger/bulk-upsert", payload, 5)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, ledger.Location(1), svc.lastBulk.Location)
	require.Len(t, svc.lastBulk.Items, 2)
	body := decodeBody(t, rr)
	require.Equal(t, []any{float64(99)}, body["skipped"])

	failed := day(1)
	svc.err = errors.Join(&ledger.ConsistencyFailure{Chain: ledger.ChainKey{LocationID: 1, ProductID: 2}, FailedDay: day(2), LastWrittenDay: &failed, Err: errors.New("timeout")})
	rr = do(t, h, http.MethodPost, "/ledger/bulk-upsert", payload, 5)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
	body = decodeBody(t, rr)
	require.Equal(t, "2024-03-01", body["last_written_day"])
	require.Len(t, body["updated"], 1)

	rr = do(t, h, http.MethodPost, "/ledger/bulk-upsert", `{"location_id":1,"day":"2024-03-01","items":[]}`, 5)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTransferLifecycleEndpoints(t *testing.T) {
	approver := int64(9)
	effective := day(2)
	svc := &stubService{
		transfer: ledger.Transfer{ID: 3, ProductID: 1, Quantity: 5, FromLocationID: 1, ToLocationID: 2, Status: ledger.TransferApproved, ApprovedBy: &approver, EffectiveDay: &effective},
		transferErrs: map[int64]error{
			7: ledger.ErrAlreadyDecided,
			8: ledger.ErrTransferNotFound,
		},
	}
	h := newRouter(svc)

	rr := do(t, h, http.MethodPost, "/transfers", `{"product_id":1,"quantity":5,"from_location_id":1,"to_location_id":2}`, 4, IdempotencyHeader, "req-1")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Equal(t, "req-1", svc.lastCreate.IdempotencyKey)
	require.Equal(t, int64(4), svc.lastCreate.ActorID)

	rr = do(t, h, http.MethodPost, "/transfers", `{"product_id":1,"quantity":5,"from_location_id":2,"to_location_id":2}`, 4)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, decodeBody(t, rr)["errors"], "createTransferRequest.ToLocationID")

	rr = do(t, h, http.MethodPut, "/transfers/3/approve", `{"effective_day":"2024-03-02"}`, 9)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.Equal(t, day(2), svc.lastApprove.EffectiveDay)
	body := decodeBody(t, rr)
	require.Equal(t, "approved", body["status"])
	require.Equal(t, "2024-03-02", body["effective_day"])

	rr = do(t, h, http.MethodPut, "/transfers/3/approve", "", 9)
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, svc.lastApprove.EffectiveDay.IsZero())

	rr = do(t, h, http.MethodPut, "/transfers/7/approve", "", 9)
	require.Equal(t, http.StatusConflict, rr.Code)
	rr = do(t, h, http.MethodPut, "/transfers/7/reject", `{"note":"late"}`, 9)
	require.Equal(t, http.StatusConflict, rr.Code)
	rr = do(t, h, http.MethodGet, "/transfers/8", "", 0)
	require.Equal(t, http.StatusNotFound, rr.Code)
	rr = do(t, h, http.MethodPut, "/transfers/abc/reject", "", 9)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, h, http.MethodGet, "/transfers?status=Pending&limit=5", "", 0)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, ledger.TransferPending, svc.lastFilter.Status)
	require.Equal(t, 5, svc.lastFilter.Limit)

	svc.err = shared.ErrIdempotencyConflict
	rr = do(t, h, http.MethodPost, "/transfers", `{"product_id":1,"quantity":5,"from_location_id":1,"to_location_id":2}`, 4, IdempotencyHeader, "req-1")
	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestListAlertsFilters(t *testing.T) {
	svc := &stubService{}
	rr := do(t, newRouter(svc), http.MethodGet, "/alerts?location=2&day=2024-03-01&limit=10", "", 0)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, int64(2), *svc.lastAlerts.LocationID)
	require.Equal(t, day(1), *svc.lastAlerts.Day)
	require.Equal(t, 10, svc.lastAlerts.Limit)
	alerts := decodeBody(t, rr)["alerts"].([]any)
	require.Equal(t, float64(-3), alerts[0].(map[string]any)["variance"])

	rr = do(t, newRouter(svc), http.MethodGet, "/alerts?limit=-1", "", 0)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
