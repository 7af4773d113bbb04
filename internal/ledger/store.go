package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/barstock/barstock/internal/shared"
)

// RepositoryPort abstracts ledger persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListRecords(ctx context.Context, sel LocationSelector, day time.Time) ([]Record, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)
	GetTransfer(ctx context.Context, id int64) (Transfer, error)
	ListTransfers(ctx context.Context, filter TransferFilter) ([]Transfer, error)
	FindBrokenLinks(ctx context.Context, limit int) ([]ChainBreak, error)
}

// DaySnapshot holds, per product, the record at a day and its nearest predecessor.
type DaySnapshot struct {
	Current  map[int64]Record
	Previous map[int64]Record
}

// TxRepository exposes the statements that run inside a transaction.
type TxRepository interface {
	// LoadDay locks the day's records for the products and reads their predecessors.
	LoadDay(ctx context.Context, locationID int64, productIDs []int64, day time.Time) (DaySnapshot, error)
	// GetRecordForUpdate returns ErrRecordNotFound when the day has no record.
	GetRecordForUpdate(ctx context.Context, chain ChainKey, day time.Time) (Record, error)
	// PreviousRecord returns the latest record strictly before day or ErrRecordNotFound.
	PreviousRecord(ctx context.Context, chain ChainKey, day time.Time) (Record, error)
	// RecordsAfter lists records strictly after day in ascending order.
	RecordsAfter(ctx context.Context, chain ChainKey, day time.Time) ([]Record, error)
	// SaveRecords inserts or overwrites records keyed by (location, product, day)
	// and returns them in input order.
	SaveRecords(ctx context.Context, recs []Record) ([]Record, error)
	// SaveDerived writes opening and the derived fields of an existing record.
	SaveDerived(ctx context.Context, rec Record) error
	// InsertAlerts stores alerts, ignoring dedup key conflicts, and returns how many were new.
	InsertAlerts(ctx context.Context, alerts []Alert) (int, error)
	InsertTransfer(ctx context.Context, t Transfer) (Transfer, error)
	GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error)
	UpdateTransfer(ctx context.Context, t Transfer) (Transfer, error)
	// RecordsMissingCost pages records with a zero unit cost by ascending id.
	RecordsMissingCost(ctx context.Context, locationID *int64, afterID int64, limit int) ([]Record, error)
	SetUnitCost(ctx context.Context, recordID int64, cost decimal.Decimal) error
}

// Catalog is the product and location lookup the ledger consumes.
type Catalog interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	GetProducts(ctx context.Context, ids []int64) (map[int64]Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	LocationExists(ctx context.Context, id int64) (bool, error)
}

// Locker serialises work on chains. Release must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, keys ...string) (release func(), err error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ApprovalPort records transfer decisions.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
}

// IdempotencyPort guards transfer creation against replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ResumeEnqueuer schedules a background retry of an interrupted propagation.
type ResumeEnqueuer interface {
	EnqueueResume(ctx context.Context, chain ChainKey, fromDay time.Time, actorID int64) error
}
