package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/barstock/barstock/internal/shared"
)

var errInjected = errors.New("injected storage failure")

type memoryRepo struct {
	mu        sync.Mutex
	records   map[int64]Record
	alerts    []Alert
	transfers map[int64]Transfer
	nextID    int64

	// fault hooks run inside the transaction; a non-nil error aborts it.
	failSaveDerived    func(Record) error
	failSaveRecords    func([]Record) error
	failUpdateTransfer func(Transfer) error
}

type memoryTx struct {
	repo *memoryRepo
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: map[int64]Record{}, transfers: map[int64]Transfer{}}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make(map[int64]Record, len(r.records))
	for id, rec := range r.records {
		records[id] = rec
	}
	transfers := make(map[int64]Transfer, len(r.transfers))
	for id, t := range r.transfers {
		transfers[id] = t
	}
	alerts := append([]Alert(nil), r.alerts...)
	nextID := r.nextID
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.records, r.transfers, r.alerts, r.nextID = records, transfers, alerts, nextID
		return err
	}
	return nil
}

func (r *memoryRepo) ListRecords(ctx context.Context, sel LocationSelector, day time.Time) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if rec.Day.Equal(day) && (sel.All || rec.LocationID == sel.ID) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memoryRepo) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Alert
	for i := len(r.alerts) - 1; i >= 0; i-- {
		a := r.alerts[i]
		if filter.LocationID != nil && a.LocationID != *filter.LocationID {
			continue
		}
		if filter.Day != nil && !a.Day.Equal(*filter.Day) {
			continue
		}
		out = append(out, a)
		if len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *memoryRepo) GetTransfer(ctx context.Context, id int64) (Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.transfers[id]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	return t, nil
}

func (r *memoryRepo) ListTransfers(ctx context.Context, filter TransferFilter) ([]Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transfer
	for _, t := range r.transfers {
		if filter.Status == "" || t.Status == filter.Status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *memoryRepo) FindBrokenLinks(ctx context.Context, limit int) ([]ChainBreak, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var breaks []ChainBreak
	for _, chain := range r.chainsLocked() {
		recs := r.chainLocked(chain)
		for i := 1; i < len(recs); i++ {
			if recs[i].Opening != recs[i-1].Closing {
				breaks = append(breaks, ChainBreak{
					Chain: chain, Day: recs[i].Day, Opening: recs[i].Opening,
					PrevDay: recs[i-1].Day, PrevClosing: recs[i-1].Closing,
				})
			}
		}
	}
	if len(breaks) > limit {
		breaks = breaks[:limit]
	}
	return breaks, nil
}

// chain returns a chain's records ordered by day.
func (r *memoryRepo) chain(key ChainKey) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chainLocked(key)
}

func (r *memoryRepo) chainLocked(key ChainKey) []Record {
	var out []Record
	for _, rec := range r.records {
		if rec.Chain() == key {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out
}

func (r *memoryRepo) chainsLocked() []ChainKey {
	seen := map[ChainKey]bool{}
	var keys []ChainKey
	for _, rec := range r.records {
		if !seen[rec.Chain()] {
			seen[rec.Chain()] = true
			keys = append(keys, rec.Chain())
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].LocationID != keys[j].LocationID {
			return keys[i].LocationID < keys[j].LocationID
		}
		return keys[i].ProductID < keys[j].ProductID
	})
	return keys
}

func (r *memoryRepo) find(key ChainKey, day time.Time) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(key, day)
}

func (r *memoryRepo) findLocked(key ChainKey, day time.Time) (Record, bool) {
	for _, rec := range r.records {
		if rec.Chain() == key && rec.Day.Equal(day) {
			return rec, true
		}
	}
	return Record{}, false
}

// seed stores a record as-is, bypassing the service.
func (r *memoryRepo) seed(rec Record) Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	rec.ID = r.nextID
	r.records[rec.ID] = rec
	return rec
}

func (r *memoryRepo) setFaults(derived func(Record) error, records func([]Record) error, transfer func(Transfer) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failSaveDerived, r.failSaveRecords, r.failUpdateTransfer = derived, records, transfer
}

func (r *memoryRepo) alertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

func (tx *memoryTx) LoadDay(ctx context.Context, locationID int64, productIDs []int64, day time.Time) (DaySnapshot, error) {
	snap := DaySnapshot{Current: map[int64]Record{}, Previous: map[int64]Record{}}
	for _, productID := range productIDs {
		key := ChainKey{LocationID: locationID, ProductID: productID}
		if rec, ok := tx.repo.findLocked(key, day); ok {
			snap.Current[productID] = rec
		}
		if prev, err := tx.PreviousRecord(ctx, key, day); err == nil {
			snap.Previous[productID] = prev
		}
	}
	return snap, nil
}

func (tx *memoryTx) GetRecordForUpdate(ctx context.Context, chain ChainKey, day time.Time) (Record, error) {
	if rec, ok := tx.repo.findLocked(chain, day); ok {
		return rec, nil
	}
	return Record{}, ErrRecordNotFound
}

func (tx *memoryTx) PreviousRecord(ctx context.Context, chain ChainKey, day time.Time) (Record, error) {
	var (
		best  Record
		found bool
	)
	for _, rec := range tx.repo.chainLocked(chain) {
		if rec.Day.Before(day) {
			best, found = rec, true
		}
	}
	if !found {
		return Record{}, ErrRecordNotFound
	}
	return best, nil
}

func (tx *memoryTx) RecordsAfter(ctx context.Context, chain ChainKey, day time.Time) ([]Record, error) {
	var out []Record
	for _, rec := range tx.repo.chainLocked(chain) {
		if rec.Day.After(day) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (tx *memoryTx) SaveRecords(ctx context.Context, recs []Record) ([]Record, error) {
	if tx.repo.failSaveRecords != nil {
		if err := tx.repo.failSaveRecords(recs); err != nil {
			return nil, err
		}
	}
	saved := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if existing, ok := tx.repo.findLocked(rec.Chain(), rec.Day); ok {
			rec.ID = existing.ID
			rec.CreatedAt = existing.CreatedAt
		} else {
			tx.repo.nextID++
			rec.ID = tx.repo.nextID
		}
		tx.repo.records[rec.ID] = rec
		saved = append(saved, rec)
	}
	return saved, nil
}

func (tx *memoryTx) SaveDerived(ctx context.Context, rec Record) error {
	if tx.repo.failSaveDerived != nil {
		if err := tx.repo.failSaveDerived(rec); err != nil {
			return err
		}
	}
	stored, ok := tx.repo.records[rec.ID]
	if !ok {
		return ErrRecordNotFound
	}
	stored.Opening = rec.Opening
	stored.ExpectedClosing = rec.ExpectedClosing
	stored.Closing = rec.Closing
	stored.Variance = rec.Variance
	stored.SalesAmount = rec.SalesAmount
	stored.UpdatedAt = rec.UpdatedAt
	tx.repo.records[rec.ID] = stored
	return nil
}

func (tx *memoryTx) InsertAlerts(ctx context.Context, alerts []Alert) (int, error) {
	inserted := 0
	for _, a := range alerts {
		if tx.hasAlert(a.DedupKey) {
			continue
		}
		tx.repo.nextID++
		a.ID = tx.repo.nextID
		tx.repo.alerts = append(tx.repo.alerts, a)
		inserted++
	}
	return inserted, nil
}

func (tx *memoryTx) hasAlert(key uuid.UUID) bool {
	for _, a := range tx.repo.alerts {
		if a.DedupKey == key {
			return true
		}
	}
	return false
}

func (tx *memoryTx) InsertTransfer(ctx context.Context, t Transfer) (Transfer, error) {
	tx.repo.nextID++
	t.ID = tx.repo.nextID
	tx.repo.transfers[t.ID] = t
	return t, nil
}

func (tx *memoryTx) GetTransferForUpdate(ctx context.Context, id int64) (Transfer, error) {
	t, ok := tx.repo.transfers[id]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	return t, nil
}

func (tx *memoryTx) UpdateTransfer(ctx context.Context, t Transfer) (Transfer, error) {
	if tx.repo.failUpdateTransfer != nil {
		if err := tx.repo.failUpdateTransfer(t); err != nil {
			return Transfer{}, err
		}
	}
	if _, ok := tx.repo.transfers[t.ID]; !ok {
		return Transfer{}, ErrTransferNotFound
	}
	tx.repo.transfers[t.ID] = t
	return t, nil
}

func (tx *memoryTx) RecordsMissingCost(ctx context.Context, locationID *int64, afterID int64, limit int) ([]Record, error) {
	var out []Record
	for _, rec := range tx.repo.records {
		if rec.ID <= afterID || !rec.UnitCost.IsZero() {
			continue
		}
		if locationID != nil && rec.LocationID != *locationID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (tx *memoryTx) SetUnitCost(ctx context.Context, recordID int64, cost decimal.Decimal) error {
	rec, ok := tx.repo.records[recordID]
	if !ok {
		return ErrRecordNotFound
	}
	rec.UnitCost = cost
	tx.repo.records[recordID] = rec
	return nil
}

type stubCatalog struct {
	products  map[int64]Product
	locations map[int64]bool
}

func newStubCatalog() *stubCatalog {
	return &stubCatalog{
		products: map[int64]Product{
			1: {ID: 1, Name: "Gin", CostPrice: decimal.NewFromInt(10), SellingPrice: decimal.NewFromInt(25)},
			2: {ID: 2, Name: "Tonic", CostPrice: decimal.NewFromInt(1), SellingPrice: decimal.NewFromInt(3)},
			3: {ID: 3, Name: "Lime", CostPrice: decimal.RequireFromString("0.5"), SellingPrice: decimal.NewFromInt(1)},
		},
		locations: map[int64]bool{1: true, 2: true},
	}
}

func (c *stubCatalog) GetProduct(ctx context.Context, id int64) (Product, error) {
	p, ok := c.products[id]
	if !ok {
		return Product{}, fmt.Errorf("%w: %d", ErrProductNotFound, id)
	}
	return p, nil
}

func (c *stubCatalog) GetProducts(ctx context.Context, ids []int64) (map[int64]Product, error) {
	out := map[int64]Product{}
	for _, id := range ids {
		if p, ok := c.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (c *stubCatalog) ListProducts(ctx context.Context) ([]Product, error) {
	out := make([]Product, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *stubCatalog) LocationExists(ctx context.Context, id int64) (bool, error) {
	return c.locations[id], nil
}

type resumeRecorder struct {
	mu    sync.Mutex
	calls []ChainKey
	days  []time.Time
}

func (r *resumeRecorder) EnqueueResume(ctx context.Context, chain ChainKey, fromDay time.Time, actorID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, chain)
	r.days = append(r.days, fromDay)
	return nil
}

type approvalRecorder struct {
	logs []shared.ApprovalLog
}

func (r *approvalRecorder) Record(ctx context.Context, log shared.ApprovalLog) error {
	r.logs = append(r.logs, log)
	return nil
}

type idempotencyStub struct {
	keys map[string]bool
}

func (s *idempotencyStub) CheckAndInsert(ctx context.Context, key, module string) error {
	if s.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	s.keys[key] = true
	return nil
}

func (s *idempotencyStub) Delete(ctx context.Context, key string) error {
	delete(s.keys, key)
	return nil
}
