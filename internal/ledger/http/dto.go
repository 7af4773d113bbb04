package ledgerhttp

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/barstock/barstock/internal/ledger"
)

type itemRequest struct {
	ProductID     int64    `json:"product_id" validate:"required,gt=0"`
	Opening       *float64 `json:"opening"`
	ReceivedQty   float64  `json:"received_qty" validate:"gte=0"`
	SalesQty      float64  `json:"sales_qty" validate:"gte=0"`
	ManualClosing *float64 `json:"manual_closing" validate:"omitempty,gte=0"`
}

func (i itemRequest) raw() ledger.RawInput {
	return ledger.RawInput{
		ProductID:     i.ProductID,
		Opening:       i.Opening,
		ReceivedQty:   i.ReceivedQty,
		SalesQty:      i.SalesQty,
		ManualClosing: i.ManualClosing,
	}
}

type upsertRequest struct {
	LocationID int64  `json:"location_id" validate:"required,gt=0"`
	Day        string `json:"day" validate:"required"`
	itemRequest
}

type bulkUpsertRequest struct {
	LocationID int64         `json:"location_id" validate:"required,gt=0"`
	Day        string        `json:"day" validate:"required"`
	Items      []itemRequest `json:"items" validate:"required,min=1,dive"`
}

type createTransferRequest struct {
	ProductID      int64   `json:"product_id" validate:"required,gt=0"`
	Quantity       float64 `json:"quantity" validate:"gt=0"`
	FromLocationID int64   `json:"from_location_id" validate:"required,gt=0"`
	ToLocationID   int64   `json:"to_location_id" validate:"required,gt=0,nefield=FromLocationID"`
	Note           string  `json:"note" validate:"max=500"`
}

type approveRequest struct {
	EffectiveDay string `json:"effective_day"`
	Note         string `json:"note" validate:"max=500"`
}

type rejectRequest struct {
	Note string `json:"note" validate:"max=500"`
}

type recordResponse struct {
	ID              int64           `json:"id"`
	LocationID      int64           `json:"location_id"`
	ProductID       int64           `json:"product_id"`
	Day             string          `json:"day"`
	Opening         float64         `json:"opening"`
	ReceivedQty     float64         `json:"received_qty"`
	TransferInQty   float64         `json:"transfer_in_qty"`
	TransferOutQty  float64         `json:"transfer_out_qty"`
	SalesQty        float64         `json:"sales_qty"`
	ManualClosing   *float64        `json:"manual_closing"`
	ExpectedClosing float64         `json:"expected_closing"`
	Closing         float64         `json:"closing"`
	Variance        *float64        `json:"variance"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	SalesAmount     decimal.Decimal `json:"sales_amount"`
	UpdatedBy       int64           `json:"updated_by,omitempty"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func toRecord(rec ledger.Record) recordResponse {
	return recordResponse{
		ID:              rec.ID,
		LocationID:      rec.LocationID,
		ProductID:       rec.ProductID,
		Day:             rec.Day.Format(ledger.DayLayout),
		Opening:         rec.Opening,
		ReceivedQty:     rec.ReceivedQty,
		TransferInQty:   rec.TransferInQty,
		TransferOutQty:  rec.TransferOutQty,
		SalesQty:        rec.SalesQty,
		ManualClosing:   rec.ManualClosing,
		ExpectedClosing: rec.ExpectedClosing,
		Closing:         rec.Closing,
		Variance:        rec.Variance,
		UnitCost:        rec.UnitCost,
		UnitPrice:       rec.UnitPrice,
		SalesAmount:     rec.SalesAmount,
		UpdatedBy:       rec.UpdatedBy,
		UpdatedAt:       rec.UpdatedAt,
	}
}

func toRecords(recs []ledger.Record) []recordResponse {
	out := make([]recordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toRecord(rec))
	}
	return out
}

type rowResponse struct {
	Product         ledger.Product  `json:"product"`
	Day             string          `json:"day"`
	Exists          bool            `json:"exists"`
	Locations       int             `json:"locations"`
	Opening         float64         `json:"opening"`
	ReceivedQty     float64         `json:"received_qty"`
	TransferInQty   float64         `json:"transfer_in_qty"`
	TransferOutQty  float64         `json:"transfer_out_qty"`
	SalesQty        float64         `json:"sales_qty"`
	ManualClosing   *float64        `json:"manual_closing"`
	ExpectedClosing float64         `json:"expected_closing"`
	Closing         float64         `json:"closing"`
	Variance        *float64        `json:"variance"`
	UnitCost        decimal.Decimal `json:"unit_cost"`
	SalesAmount     decimal.Decimal `json:"sales_amount"`
	UpdatedAt       *time.Time      `json:"updated_at"`
}

func toRows(rows []ledger.Row) []rowResponse {
	out := make([]rowResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowResponse{
			Product:         r.Product,
			Day:             r.Day.Format(ledger.DayLayout),
			Exists:          r.Exists,
			Locations:       r.Locations,
			Opening:         r.Opening,
			ReceivedQty:     r.ReceivedQty,
			TransferInQty:   r.TransferInQty,
			TransferOutQty:  r.TransferOutQty,
			SalesQty:        r.SalesQty,
			ManualClosing:   r.ManualClosing,
			ExpectedClosing: r.ExpectedClosing,
			Closing:         r.Closing,
			Variance:        r.Variance,
			UnitCost:        r.UnitCost,
			SalesAmount:     r.SalesAmount,
			UpdatedAt:       r.UpdatedAt,
		})
	}
	return out
}

type alertResponse struct {
	ID              int64     `json:"id"`
	RecordID        int64     `json:"record_id"`
	LocationID      int64     `json:"location_id"`
	ProductID       int64     `json:"product_id"`
	Day             string    `json:"day"`
	ExpectedClosing float64   `json:"expected_closing"`
	ManualClosing   float64   `json:"manual_closing"`
	Variance        float64   `json:"variance"`
	FlaggedBy       int64     `json:"flagged_by"`
	CreatedAt       time.Time `json:"created_at"`
}

func toAlerts(alerts []ledger.Alert) []alertResponse {
	out := make([]alertResponse, 0, len(alerts))
	for _, a := range alerts {
		out = append(out, alertResponse{
			ID:              a.ID,
			RecordID:        a.RecordID,
			LocationID:      a.LocationID,
			ProductID:       a.ProductID,
			Day:             a.Day.Format(ledger.DayLayout),
			ExpectedClosing: a.ExpectedClosing,
			ManualClosing:   a.ManualClosing,
			Variance:        a.Variance,
			FlaggedBy:       a.FlaggedBy,
			CreatedAt:       a.CreatedAt,
		})
	}
	return out
}

type transferResponse struct {
	ID             int64                 `json:"id"`
	ProductID      int64                 `json:"product_id"`
	Quantity       float64               `json:"quantity"`
	FromLocationID int64                 `json:"from_location_id"`
	ToLocationID   int64                 `json:"to_location_id"`
	Status         ledger.TransferStatus `json:"status"`
	RequestedBy    int64                 `json:"requested_by,omitempty"`
	ApprovedBy     *int64                `json:"approved_by"`
	EffectiveDay   *string               `json:"effective_day"`
	DecidedAt      *time.Time            `json:"decided_at"`
	Note           string                `json:"note,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

func toTransfer(t ledger.Transfer) transferResponse {
	out := transferResponse{
		ID:             t.ID,
		ProductID:      t.ProductID,
		Quantity:       t.Quantity,
		FromLocationID: t.FromLocationID,
		ToLocationID:   t.ToLocationID,
		Status:         t.Status,
		RequestedBy:    t.RequestedBy,
		ApprovedBy:     t.ApprovedBy,
		DecidedAt:      t.DecidedAt,
		Note:           t.Note,
		CreatedAt:      t.CreatedAt,
	}
	if t.EffectiveDay != nil {
		day := t.EffectiveDay.Format(ledger.DayLayout)
		out.EffectiveDay = &day
	}
	return out
}

func toTransfers(ts []ledger.Transfer) []transferResponse {
	out := make([]transferResponse, 0, len(ts))
	for _, t := range ts {
		out = append(out, toTransfer(t))
	}
	return out
}
