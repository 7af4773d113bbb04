package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/barstock/barstock/internal/platform/db"
)

// Repository persists ledger data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

const recordColumns = `id, location_id, product_id, day, opening, received_qty, transfer_in_qty, transfer_out_qty,
sales_qty, manual_closing, expected_closing, closing, variance, unit_cost, unit_price, sales_amount,
COALESCE(updated_by, 0), created_at, updated_at`

const transferColumns = `id, product_id, quantity, from_location_id, to_location_id, status, requested_by,
approved_by, effective_day, decided_at, note, created_at, updated_at`

const alertColumns = `id, dedup_key, record_id, location_id, product_id, day, expected_closing, manual_closing,
variance, COALESCE(flagged_by, 0), created_at`

// WithTx executes the callback inside a read-committed transaction. Chain
// locks serialise writers, so row locks only guard against foreign writers.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// ListRecords returns the records of a day for one location or all of them.
func (r *Repository) ListRecords(ctx context.Context, sel LocationSelector, day time.Time) ([]Record, error) {
	var location *int64
	if !sel.All {
		location = &sel.ID
	}
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+`
FROM ledger_records
WHERE day=$1 AND ($2::bigint IS NULL OR location_id=$2)
ORDER BY product_id, location_id`, day, location)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// ListAlerts returns alerts newest first.
func (r *Repository) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+alertColumns+`
FROM shrinkage_alerts
WHERE ($1::bigint IS NULL OR location_id=$1) AND ($2::date IS NULL OR day=$2)
ORDER BY created_at DESC, id DESC
LIMIT $3`, filter.LocationID, filter.Day, filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	alerts := []Alert{}
	for rows.Next() {
		var a Alert
		if err := rows.Scan(&a.ID, &a.DedupKey, &a.RecordID, &a.LocationID, &a.ProductID, &a.Day,
			&a.ExpectedClosing, &a.ManualClosing, &a.Variance, &a.FlaggedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// GetTransfer loads a transfer without locking it.
func (r *Repository) GetTransfer(ctx context.Context, id int64) (Transfer, error) {
	return scanTransfer(r.pool.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfer_requests WHERE id=$1`, id))
}

// ListTransfers lists transfers newest first.
func (r *Repository) ListTransfers(ctx context.Context, filter TransferFilter) ([]Transfer, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+transferColumns+`
FROM transfer_requests
WHERE ($1 = '' OR status=$1)
ORDER BY created_at DESC, id DESC
LIMIT $2`, string(filter.Status), filter.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	transfers := []Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// FindBrokenLinks lists consecutive records whose opening differs from the previous closing.
func (r *Repository) FindBrokenLinks(ctx context.Context, limit int) ([]ChainBreak, error) {
	rows, err := r.pool.Query(ctx, `SELECT location_id, product_id, day, opening, prev_day, prev_closing
FROM (
	SELECT location_id, product_id, day, opening,
		LAG(day) OVER w AS prev_day,
		LAG(closing) OVER w AS prev_closing
	FROM ledger_records
	WINDOW w AS (PARTITION BY location_id, product_id ORDER BY day)
) chained
WHERE prev_day IS NOT NULL AND ABS(opening - prev_closing) > 1e-9
ORDER BY location_id, product_id, day
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var breaks []ChainBreak
	for rows.Next() {
		var b ChainBreak
		if err := rows.Scan(&b.Chain.LocationID, &b.Chain.ProductID, &b.Day, &b.Opening, &b.PrevDay, &b.PrevClosing); err != nil {
			return nil, err
		}
		breaks = append(breaks, b)
	}
	return breaks, rows.Err()
}

func (r *txRepository) LoadDay(ctx context.Context, locationID int64, productIDs []int64, day time.Time) (DaySnapshot, error) {
	snap := DaySnapshot{Current: map[int64]Record{}, Previous: map[int64]Record{}}
	rows, err := r.tx.Query(ctx, `SELECT `+recordColumns+`
FROM ledger_records
WHERE location_id=$1 AND product_id = ANY($2) AND day=$3
FOR UPDATE`, locationID, productIDs, day)
	if err != nil {
		return snap, err
	}
	current, err := collectRecords(rows)
	if err != nil {
		return snap, err
	}
	for _, rec := range current {
		snap.Current[rec.ProductID] = rec
	}
	rows, err = r.tx.Query(ctx, `SELECT DISTINCT ON (product_id) `+recordColumns+`
FROM ledger_records
WHERE location_id=$1 AND product_id = ANY($2) AND day < $3
ORDER BY product_id, day DESC`, locationID, productIDs, day)
	if err != nil {
		return snap, err
	}
	previous, err := collectRecords(rows)
	if err != nil {
		return snap, err
	}
	for _, rec := range previous {
		snap.Previous[rec.ProductID] = rec
	}
	return snap, nil
}

func (r *txRepository) GetRecordForUpdate(ctx context.Context, chain ChainKey, day time.Time) (Record, error) {
	rec, err := scanRecord(r.tx.QueryRow(ctx, `SELECT `+recordColumns+`
FROM ledger_records WHERE location_id=$1 AND product_id=$2 AND day=$3 FOR UPDATE`,
		chain.LocationID, chain.ProductID, day))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	return rec, err
}

func (r *txRepository) PreviousRecord(ctx context.Context, chain ChainKey, day time.Time) (Record, error) {
	rec, err := scanRecord(r.tx.QueryRow(ctx, `SELECT `+recordColumns+`
FROM ledger_records WHERE location_id=$1 AND product_id=$2 AND day < $3
ORDER BY day DESC LIMIT 1`, chain.LocationID, chain.ProductID, day))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	return rec, err
}

func (r *txRepository) RecordsAfter(ctx context.Context, chain ChainKey, day time.Time) ([]Record, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+recordColumns+`
FROM ledger_records WHERE location_id=$1 AND product_id=$2 AND day > $3
ORDER BY day ASC`, chain.LocationID, chain.ProductID, day)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (r *txRepository) SaveRecords(ctx context.Context, recs []Record) ([]Record, error) {
	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(`INSERT INTO ledger_records (location_id, product_id, day, opening, received_qty, transfer_in_qty,
	transfer_out_qty, sales_qty, manual_closing, expected_closing, closing, variance, unit_cost, unit_price,
	sales_amount, updated_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
ON CONFLICT (location_id, product_id, day) DO UPDATE SET
	opening=EXCLUDED.opening,
	received_qty=EXCLUDED.received_qty,
	transfer_in_qty=EXCLUDED.transfer_in_qty,
	transfer_out_qty=EXCLUDED.transfer_out_qty,
	sales_qty=EXCLUDED.sales_qty,
	manual_closing=EXCLUDED.manual_closing,
	expected_closing=EXCLUDED.expected_closing,
	closing=EXCLUDED.closing,
	variance=EXCLUDED.variance,
	unit_cost=EXCLUDED.unit_cost,
	unit_price=EXCLUDED.unit_price,
	sales_amount=EXCLUDED.sales_amount,
	updated_by=EXCLUDED.updated_by,
	updated_at=EXCLUDED.updated_at
RETURNING `+recordColumns,
			rec.LocationID, rec.ProductID, rec.Day, rec.Opening, rec.ReceivedQty, rec.TransferInQty,
			rec.TransferOutQty, rec.SalesQty, rec.ManualClosing, rec.ExpectedClosing, rec.Closing, rec.Variance,
			rec.UnitCost, rec.UnitPrice, rec.SalesAmount, nullInt(rec.UpdatedBy), rec.CreatedAt, rec.UpdatedAt)
	}
	results := r.tx.SendBatch(ctx, batch)
	saved := make([]Record, 0, len(recs))
	for range recs {
		rec, err := scanRecord(results.QueryRow())
		if err != nil {
			_ = results.Close()
			return nil, translateWriteError(err)
		}
		saved = append(saved, rec)
	}
	if err := results.Close(); err != nil {
		return nil, translateWriteError(err)
	}
	return saved, nil
}

func (r *txRepository) SaveDerived(ctx context.Context, rec Record) error {
	tag, err := r.tx.Exec(ctx, `UPDATE ledger_records
SET opening=$2, expected_closing=$3, closing=$4, variance=$5, sales_amount=$6, updated_at=$7
WHERE id=$1`, rec.ID, rec.Opening, rec.ExpectedClosing, rec.Closing, rec.Variance, rec.SalesAmount, rec.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *txRepository) InsertAlerts(ctx context.Context, alerts []Alert) (int, error) {
	if len(alerts) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, a := range alerts {
		batch.Queue(`INSERT INTO shrinkage_alerts (dedup_key, record_id, location_id, product_id, day,
	expected_closing, manual_closing, variance, flagged_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (dedup_key) DO NOTHING`,
			a.DedupKey, a.RecordID, a.LocationID, a.ProductID, a.Day,
			a.ExpectedClosing, a.ManualClosing, a.Variance, nullInt(a.FlaggedBy), a.CreatedAt)
	}
	results := r.tx.SendBatch(ctx, batch)
	inserted := 0
	for range alerts {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, err
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, results.Close()
}

func (r *txRepository) InsertTransfer(ctx context.Context, t Transfer) (Transfer, error) {
	created, err := scanTransfer(r.tx.QueryRow(ctx, `INSERT INTO transfer_requests (product_id, quantity, from_location_id,
	to_location_id, status, requested_by, note, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING `+transferColumns,
		t.ProductID, t.Quantity, t.FromLocationID, t.ToLocationID, string(t.Status), nullInt(t.RequestedBy),
		t.Note, t.CreatedAt, t.UpdatedAt))
	if err != nil {
		return Transfer{}, translateWriteError(err)
	}
	return created, nil
}

func (r *txRepository) GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error) {
	return scanTransfer(r.tx.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfer_requests WHERE id=$1 FOR UPDATE`, id))
}

func (r *txRepository) UpdateTransfer(ctx context.Context, t Transfer) (Transfer, error) {
	return scanTransfer(r.tx.QueryRow(ctx, `UPDATE transfer_requests
SET status=$2, approved_by=$3, effective_day=$4, decided_at=$5, updated_at=$6
WHERE id=$1
RETURNING `+transferColumns, t.ID, string(t.Status), t.ApprovedBy, t.EffectiveDay, t.DecidedAt, t.UpdatedAt))
}

func (r *txRepository) RecordsMissingCost(ctx context.Context, locationID *int64, afterID int64, limit int) ([]Record, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+recordColumns+`
FROM ledger_records
WHERE unit_cost = 0 AND id > $2 AND ($1::bigint IS NULL OR location_id=$1)
ORDER BY id ASC
LIMIT $3`, locationID, afterID, limit)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (r *txRepository) SetUnitCost(ctx context.Context, recordID int64, cost decimal.Decimal) error {
	_, err := r.tx.Exec(ctx, `UPDATE ledger_records SET unit_cost=$2 WHERE id=$1`, recordID, cost)
	return err
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.LocationID, &rec.ProductID, &rec.Day, &rec.Opening, &rec.ReceivedQty,
		&rec.TransferInQty, &rec.TransferOutQty, &rec.SalesQty, &rec.ManualClosing, &rec.ExpectedClosing,
		&rec.Closing, &rec.Variance, &rec.UnitCost, &rec.UnitPrice, &rec.SalesAmount, &rec.UpdatedBy,
		&rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	recs := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanTransfer(row pgx.Row) (Transfer, error) {
	var (
		t           Transfer
		status      string
		requestedBy *int64
	)
	err := row.Scan(&t.ID, &t.ProductID, &t.Quantity, &t.FromLocationID, &t.ToLocationID, &status, &requestedBy,
		&t.ApprovedBy, &t.EffectiveDay, &t.DecidedAt, &t.Note, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrTransferNotFound
		}
		return Transfer{}, err
	}
	t.Status = TransferStatus(status)
	if requestedBy != nil {
		t.RequestedBy = *requestedBy
	}
	return t, nil
}

func translateWriteError(err error) error {
	if constraint, ok := db.ConstraintError(err, db.CodeForeignKeyViolation); ok {
		return fmt.Errorf("%w: %s", ErrNotFound, constraint)
	}
	return err
}

func nullInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}
