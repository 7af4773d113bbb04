package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ChainKey identifies the ordered sequence of records for one product at one location.
type ChainKey struct {
	LocationID int64
	ProductID  int64
}

// String renders the key for logs and lock names.
func (k ChainKey) String() string {
	return fmt.Sprintf("%d:%d", k.LocationID, k.ProductID)
}

// LocationSelector addresses either one concrete location or every location.
type LocationSelector struct {
	ID  int64
	All bool
}

// LocationAll selects every location; write paths reject it.
var LocationAll = LocationSelector{All: true}

// Location selects a single concrete location.
func Location(id int64) LocationSelector {
	return LocationSelector{ID: id}
}

// Record is the ledger row for one (location, product, day).
type Record struct {
	ID         int64
	LocationID int64
	ProductID  int64
	Day        time.Time

	Opening        float64
	ReceivedQty    float64
	TransferInQty  float64
	TransferOutQty float64
	SalesQty       float64
	ManualClosing  *float64

	ExpectedClosing float64
	Closing         float64
	Variance        *float64

	UnitCost    decimal.Decimal
	UnitPrice   decimal.Decimal
	SalesAmount decimal.Decimal

	UpdatedBy int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Chain returns the chain the record belongs to.
func (r Record) Chain() ChainKey {
	return ChainKey{LocationID: r.LocationID, ProductID: r.ProductID}
}

// Raw extracts the fields the balance calculator reads.
func (r Record) Raw() RawFields {
	return RawFields{
		Opening:        r.Opening,
		ReceivedQty:    r.ReceivedQty,
		TransferInQty:  r.TransferInQty,
		TransferOutQty: r.TransferOutQty,
		SalesQty:       r.SalesQty,
		ManualClosing:  r.ManualClosing,
		UnitPrice:      r.UnitPrice,
	}
}

// Apply copies derived values onto the record.
func (r *Record) Apply(d Derived) {
	r.ExpectedClosing = d.ExpectedClosing
	r.Closing = d.Closing
	r.Variance = d.Variance
	r.SalesAmount = d.SalesAmount
}

// Alert is an immutable shrinkage event raised when a manual count falls short.
type Alert struct {
	ID              int64
	DedupKey        uuid.UUID
	RecordID        int64
	LocationID      int64
	ProductID       int64
	Day             time.Time
	ExpectedClosing float64
	ManualClosing   float64
	Variance        float64
	FlaggedBy       int64
	CreatedAt       time.Time
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	LocationID *int64
	Day        *time.Time
	Limit      int
}

// TransferStatus enumerates the transfer lifecycle.
type TransferStatus string

const (
	// TransferPending waits for a decision.
	TransferPending TransferStatus = "pending"
	// TransferApproved has been applied to both ledgers.
	TransferApproved TransferStatus = "approved"
	// TransferRejected was declined without ledger effect.
	TransferRejected TransferStatus = "rejected"
)

// Valid reports whether the status is a known lifecycle value.
func (s TransferStatus) Valid() bool {
	switch s {
	case TransferPending, TransferApproved, TransferRejected:
		return true
	}
	return false
}

// Transfer is a request to move stock of one product between locations.
type Transfer struct {
	ID             int64
	ProductID      int64
	Quantity       float64
	FromLocationID int64
	ToLocationID   int64
	Status         TransferStatus
	RequestedBy    int64
	ApprovedBy     *int64
	EffectiveDay   *time.Time
	DecidedAt      *time.Time
	Note           string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TransferFilter narrows ListTransfers.
type TransferFilter struct {
	Status TransferStatus
	Limit  int
}

// Product is the catalog view the ledger needs.
type Product struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Category     string          `json:"category"`
	CostPrice    decimal.Decimal `json:"cost_price"`
	SellingPrice decimal.Decimal `json:"selling_price"`
}

// RawInput carries the operator-supplied fields for one product on one day.
type RawInput struct {
	ProductID     int64
	Opening       *float64
	ReceivedQty   float64
	SalesQty      float64
	ManualClosing *float64
}

// UpsertInput describes a single-record upsert.
type UpsertInput struct {
	LocationID int64
	Day        time.Time
	Item       RawInput
	ActorID    int64
}

// BulkUpsertInput describes a batch of raw entries for one location and day.
type BulkUpsertInput struct {
	Location LocationSelector
	Day      time.Time
	Items    []RawInput
	ActorID  int64
}

// BulkResult reports the outcome of BulkUpsert.
type BulkResult struct {
	Updated []Record
	Skipped []int64
}

// CreateTransferInput opens a pending transfer.
type CreateTransferInput struct {
	ProductID      int64
	Quantity       float64
	FromLocationID int64
	ToLocationID   int64
	Note           string
	ActorID        int64
	// IdempotencyKey, when set, makes a replayed request fail instead of opening a second transfer.
	IdempotencyKey string
}

// ApproveInput approves a pending transfer at an effective day.
type ApproveInput struct {
	TransferID   int64
	EffectiveDay time.Time
	ActorID      int64
	Note         string
}

// RejectInput declines a pending transfer.
type RejectInput struct {
	TransferID int64
	ActorID    int64
	Note       string
}

// Row is one product line of GetLedger; for the all-locations selector values are summed.
type Row struct {
	Product         Product
	Day             time.Time
	Exists          bool
	Locations       int
	Opening         float64
	ReceivedQty     float64
	TransferInQty   float64
	TransferOutQty  float64
	SalesQty        float64
	ManualClosing   *float64
	ExpectedClosing float64
	Closing         float64
	Variance        *float64
	UnitCost        decimal.Decimal
	SalesAmount     decimal.Decimal
	UpdatedAt       *time.Time
}

// ChainBreak describes a consecutive pair whose opening does not match the previous closing.
type ChainBreak struct {
	Chain       ChainKey
	Day         time.Time
	Opening     float64
	PrevDay     time.Time
	PrevClosing float64
}

// AuditReport summarises an AuditChains run.
type AuditReport struct {
	Breaks   []ChainBreak
	Repaired int
	Failed   int
}
