package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/barstock/barstock/internal/platform/lock"
	"github.com/barstock/barstock/internal/shared"
)

const (
	defaultRippleConcurrency = 4
	defaultListLimit         = 100
	maxListLimit             = 1000
	backfillPageSize         = 500
)

// ServiceConfig groups optional settings and collaborators.
type ServiceConfig struct {
	Calendar Calendar
	// RippleConcurrency bounds how many chains a bulk upsert propagates at once.
	RippleConcurrency int
	// ShortCircuit stops a propagation at the first record whose opening already matches.
	ShortCircuit bool
	Logger       *slog.Logger
	Metrics      *Metrics
	Audit        AuditPort
	Approvals    ApprovalPort
	Idempotency  IdempotencyPort
	Resume       ResumeEnqueuer
}

// Service coordinates ledger operations.
type Service struct {
	repo         RepositoryPort
	catalog      Catalog
	locker       Locker
	cal          Calendar
	concurrency  int
	shortCircuit bool
	logger       *slog.Logger
	metrics      *Metrics
	audit        AuditPort
	approvals    ApprovalPort
	idempotency  IdempotencyPort
	resume       ResumeEnqueuer
	now          func() time.Time
}

// NewService builds Service. A nil locker falls back to an in-process lock.
func NewService(repo RepositoryPort, catalog Catalog, locker Locker, cfg ServiceConfig) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.RippleConcurrency
	if concurrency <= 0 {
		concurrency = defaultRippleConcurrency
	}
	return &Service{
		repo:         repo,
		catalog:      catalog,
		locker:       locker,
		cal:          cfg.Calendar,
		concurrency:  concurrency,
		shortCircuit: cfg.ShortCircuit,
		logger:       logger,
		metrics:      cfg.Metrics,
		audit:        cfg.Audit,
		approvals:    cfg.Approvals,
		idempotency:  cfg.Idempotency,
		resume:       cfg.Resume,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Calendar returns the day normaliser used by the service.
func (s *Service) Calendar() Calendar {
	return s.cal
}

// UpsertOne writes the raw fields of one product at one location and day,
// recomputes the record and propagates its closing forward.
func (s *Service) UpsertOne(ctx context.Context, input UpsertInput) (Record, error) {
	if input.LocationID <= 0 {
		return Record{}, invalid("location_id", "is required")
	}
	if input.Day.IsZero() {
		return Record{}, invalid("day", "is required")
	}
	if err := validateRawInput(input.Item); err != nil {
		return Record{}, err
	}
	if err := s.ensureLocation(ctx, input.LocationID); err != nil {
		return Record{}, err
	}
	product, err := s.catalog.GetProduct(ctx, input.Item.ProductID)
	if err != nil {
		return Record{}, err
	}
	day := DateOf(input.Day)
	chain := ChainKey{LocationID: input.LocationID, ProductID: product.ID}

	release, err := s.locker.Acquire(ctx, chainLockKey(chain))
	if err != nil {
		return Record{}, fmt.Errorf("ledger: lock chain %s: %w", chain, err)
	}
	defer release()

	written, err := s.writeRaw(ctx, input.LocationID, day, []RawInput{input.Item}, map[int64]Product{product.ID: product}, input.ActorID)
	if err != nil {
		return Record{}, err
	}
	rec := written[0]
	s.recordAudit(ctx, input.ActorID, "ledger:upsert", rec)

	if err := s.propagate(context.WithoutCancel(ctx), rec, 0); err != nil {
		s.handleFailure(ctx, "upsert", err, input.ActorID)
		return rec, err
	}
	return rec, nil
}

// BulkUpsert writes raw fields for many products at one location and day in one
// batch, then propagates every touched chain. Unknown products are skipped.
func (s *Service) BulkUpsert(ctx context.Context, input BulkUpsertInput) (BulkResult, error) {
	if input.Location.All {
		return BulkResult{}, invalid("location", "must be a concrete location")
	}
	if input.Location.ID <= 0 {
		return BulkResult{}, invalid("location", "is required")
	}
	if input.Day.IsZero() {
		return BulkResult{}, invalid("day", "is required")
	}
	if len(input.Items) == 0 {
		return BulkResult{}, invalid("items", "must not be empty")
	}
	seen := make(map[int64]struct{}, len(input.Items))
	ids := make([]int64, 0, len(input.Items))
	for _, item := range input.Items {
		if err := validateRawInput(item); err != nil {
			return BulkResult{}, err
		}
		if _, dup := seen[item.ProductID]; dup {
			return BulkResult{}, invalid("items", fmt.Sprintf("product %d appears more than once", item.ProductID))
		}
		seen[item.ProductID] = struct{}{}
		ids = append(ids, item.ProductID)
	}
	locationID := input.Location.ID
	if err := s.ensureLocation(ctx, locationID); err != nil {
		return BulkResult{}, err
	}
	products, err := s.catalog.GetProducts(ctx, ids)
	if err != nil {
		return BulkResult{}, err
	}

	var result BulkResult
	items := make([]RawInput, 0, len(input.Items))
	for _, item := range input.Items {
		if _, ok := products[item.ProductID]; !ok {
			s.logger.Warn("bulk upsert skipped unknown product",
				slog.Int64("location_id", locationID),
				slog.Int64("product_id", item.ProductID))
			result.Skipped = append(result.Skipped, item.ProductID)
			continue
		}
		items = append(items, item)
	}
	s.metrics.itemsSkipped(len(result.Skipped))
	if len(items) == 0 {
		return result, nil
	}

	day := DateOf(input.Day)
	keys := make([]string, 0, len(items))
	for _, item := range items {
		keys = append(keys, chainLockKey(ChainKey{LocationID: locationID, ProductID: item.ProductID}))
	}
	release, err := s.locker.Acquire(ctx, keys...)
	if err != nil {
		return result, fmt.Errorf("ledger: lock chains: %w", err)
	}
	defer release()

	written, err := s.writeRaw(ctx, locationID, day, items, products, input.ActorID)
	if err != nil {
		return result, err
	}
	for _, rec := range written {
		s.recordAudit(ctx, input.ActorID, "ledger:bulk_upsert", rec)
	}

	completed, failures := s.propagateAll(context.WithoutCancel(ctx), written)
	result.Updated = completed
	for _, failure := range failures {
		s.handleFailure(ctx, "bulk_upsert", failure, input.ActorID)
	}
	return result, errors.Join(failures...)
}

// propagateAll ripples each record's chain with bounded concurrency. Once a
// chain fails no further chains are started; the unstarted ones are reported
// as failures that resume from the written day.
func (s *Service) propagateAll(ctx context.Context, recs []Record) ([]Record, []error) {
	const (
		pending = iota
		completed
		failedChain
	)
	var (
		g        errgroup.Group
		mu       sync.Mutex
		failed   atomic.Bool
		failures []error
	)
	g.SetLimit(s.concurrency)
	state := make([]int, len(recs))
	for i, rec := range recs {
		if failed.Load() {
			break
		}
		g.Go(func() error {
			if failed.Load() {
				return nil
			}
			if err := s.propagate(ctx, rec, 0); err != nil {
				failed.Store(true)
				state[i] = failedChain
				mu.Lock()
				failures = append(failures, err)
				mu.Unlock()
				return nil
			}
			state[i] = completed
			return nil
		})
	}
	_ = g.Wait()

	done := make([]Record, 0, len(recs))
	for i, rec := range recs {
		switch state[i] {
		case completed:
			done = append(done, rec)
		case pending:
			day := rec.Day
			failures = append(failures, &ConsistencyFailure{
				Chain:          rec.Chain(),
				FailedDay:      s.cal.Next(day),
				LastWrittenDay: &day,
				Err:            errPropagationAborted,
			})
		}
	}
	return done, failures
}

var errPropagationAborted = errors.New("propagation not started after an earlier chain failed")

// writeRaw builds, recomputes and stores the day's records in one transaction
// together with any shrinkage alerts they raise.
func (s *Service) writeRaw(ctx context.Context, locationID int64, day time.Time, items []RawInput, products map[int64]Product, actorID int64) ([]Record, error) {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}
	now := s.now()
	var (
		saved    []Record
		inserted int
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		snap, err := tx.LoadDay(ctx, locationID, ids, day)
		if err != nil {
			return err
		}
		recs := make([]Record, 0, len(items))
		for _, item := range items {
			rec := buildRecord(snap, locationID, day, item, products[item.ProductID], actorID, now)
			if err := Recompute(&rec); err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		saved, err = tx.SaveRecords(ctx, recs)
		if err != nil {
			return err
		}
		inserted, err = tx.InsertAlerts(ctx, s.detect(saved, actorID, now))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.metrics.alertsInserted(inserted)
	return saved, nil
}

// buildRecord overwrites the raw fields of the day's record. The payload opening
// is only honoured at the head of a chain; otherwise it follows the predecessor.
func buildRecord(snap DaySnapshot, locationID int64, day time.Time, item RawInput, product Product, actorID int64, now time.Time) Record {
	rec, exists := snap.Current[item.ProductID]
	if !exists {
		rec = Record{LocationID: locationID, ProductID: item.ProductID, Day: day, CreatedAt: now}
	}
	if prev, ok := snap.Previous[item.ProductID]; ok {
		rec.Opening = prev.Closing
	} else if item.Opening != nil {
		rec.Opening = *item.Opening
	}
	rec.ReceivedQty = item.ReceivedQty
	rec.SalesQty = item.SalesQty
	rec.ManualClosing = copyFloat(item.ManualClosing)
	rec.UnitCost = product.CostPrice
	rec.UnitPrice = product.SellingPrice
	rec.UpdatedBy = actorID
	rec.UpdatedAt = now
	return rec
}

func (s *Service) detect(recs []Record, actorID int64, now time.Time) []Alert {
	var alerts []Alert
	for _, rec := range recs {
		if alert, ok := DetectShrinkage(rec, actorID, now); ok {
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

// GetLedger returns one row per catalog product for the location and day. For
// the all-locations selector each row sums every location's record.
func (s *Service) GetLedger(ctx context.Context, sel LocationSelector, day time.Time) ([]Row, error) {
	if !sel.All {
		if sel.ID <= 0 {
			return nil, invalid("location", "is required")
		}
		if err := s.ensureLocation(ctx, sel.ID); err != nil {
			return nil, err
		}
	}
	if day.IsZero() {
		day = s.cal.Today()
	}
	day = DateOf(day)
	products, err := s.catalog.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.ListRecords(ctx, sel, day)
	if err != nil {
		return nil, err
	}
	byProduct := make(map[int64][]Record, len(records))
	for _, rec := range records {
		byProduct[rec.ProductID] = append(byProduct[rec.ProductID], rec)
	}
	rows := make([]Row, 0, len(products))
	for _, product := range products {
		rows = append(rows, aggregateRow(product, day, byProduct[product.ID]))
	}
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i].UpdatedAt, rows[j].UpdatedAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		if rows[i].Product.Name != rows[j].Product.Name {
			return rows[i].Product.Name < rows[j].Product.Name
		}
		return rows[i].Product.ID < rows[j].Product.ID
	})
	return rows, nil
}

func aggregateRow(product Product, day time.Time, recs []Record) Row {
	row := Row{Product: product, Day: day, UnitCost: product.CostPrice, SalesAmount: decimal.Zero}
	var latest time.Time
	for _, rec := range recs {
		row.Exists = true
		row.Locations++
		row.Opening += rec.Opening
		row.ReceivedQty += rec.ReceivedQty
		row.TransferInQty += rec.TransferInQty
		row.TransferOutQty += rec.TransferOutQty
		row.SalesQty += rec.SalesQty
		row.ExpectedClosing += rec.ExpectedClosing
		row.Closing += rec.Closing
		row.SalesAmount = row.SalesAmount.Add(rec.SalesAmount)
		if rec.ManualClosing != nil {
			row.ManualClosing = addOptional(row.ManualClosing, *rec.ManualClosing)
		}
		if rec.Variance != nil {
			row.Variance = addOptional(row.Variance, *rec.Variance)
		}
		if rec.UpdatedAt.After(latest) {
			latest = rec.UpdatedAt
			row.UnitCost = rec.UnitCost
		}
	}
	if row.Exists {
		row.UpdatedAt = &latest
	}
	return row
}

// ListAlerts returns shrinkage alerts, newest first.
func (s *Service) ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error) {
	if filter.LocationID != nil && *filter.LocationID <= 0 {
		return nil, invalid("location_id", "must be positive")
	}
	if filter.Day != nil {
		day := DateOf(*filter.Day)
		filter.Day = &day
	}
	filter.Limit = clampLimit(filter.Limit)
	return s.repo.ListAlerts(ctx, filter)
}

// ResumePropagation re-anchors the record at fromDay on its predecessor and
// propagates forward. It is the retry path for a ConsistencyFailure.
func (s *Service) ResumePropagation(ctx context.Context, chain ChainKey, fromDay time.Time, actorID int64) (Record, error) {
	if chain.LocationID <= 0 || chain.ProductID <= 0 {
		return Record{}, invalid("chain", "location and product are required")
	}
	if fromDay.IsZero() {
		return Record{}, invalid("day", "is required")
	}
	day := DateOf(fromDay)
	release, err := s.locker.Acquire(ctx, chainLockKey(chain))
	if err != nil {
		return Record{}, fmt.Errorf("ledger: lock chain %s: %w", chain, err)
	}
	defer release()

	anchor, err := s.reanchor(ctx, chain, day)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Record{}, err
		}
		failure := &ConsistencyFailure{Chain: chain, FailedDay: day, Err: err}
		s.handleFailure(ctx, "resume", failure, actorID)
		return Record{}, failure
	}
	if err := s.propagate(context.WithoutCancel(ctx), anchor, 0); err != nil {
		s.handleFailure(ctx, "resume", err, actorID)
		return anchor, err
	}
	s.logger.Info("ledger propagation resumed",
		slog.String("chain", chain.String()),
		slog.String("from_day", day.Format(DayLayout)))
	return anchor, nil
}

// AuditChains finds consecutive records whose opening differs from the
// previous closing and, when repair is set, resumes each broken chain.
func (s *Service) AuditChains(ctx context.Context, repair bool, limit int) (AuditReport, error) {
	breaks, err := s.repo.FindBrokenLinks(ctx, clampLimit(limit))
	if err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{Breaks: breaks}
	if !repair {
		return report, nil
	}
	earliest := make(map[ChainKey]ChainBreak)
	var order []ChainKey
	for _, b := range breaks {
		cur, ok := earliest[b.Chain]
		if !ok {
			order = append(order, b.Chain)
		}
		if !ok || b.Day.Before(cur.Day) {
			earliest[b.Chain] = b
		}
	}
	for _, chain := range order {
		b := earliest[chain]
		if _, err := s.ResumePropagation(ctx, chain, b.PrevDay, 0); err != nil {
			report.Failed++
			s.logger.Error("chain repair failed", slog.String("chain", chain.String()), slog.Any("error", err))
			continue
		}
		report.Repaired++
	}
	return report, nil
}

// BackfillUnitCost copies the catalog cost onto records whose unit cost is zero.
func (s *Service) BackfillUnitCost(ctx context.Context, locationID *int64) (int, error) {
	var (
		updated int
		afterID int64
	)
	for {
		var page []Record
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			page, err = tx.RecordsMissingCost(ctx, locationID, afterID, backfillPageSize)
			if err != nil || len(page) == 0 {
				return err
			}
			ids := make([]int64, 0, len(page))
			for _, rec := range page {
				ids = append(ids, rec.ProductID)
			}
			products, err := s.catalog.GetProducts(ctx, ids)
			if err != nil {
				return err
			}
			for _, rec := range page {
				product, ok := products[rec.ProductID]
				if !ok || !product.CostPrice.IsPositive() {
					continue
				}
				if err := tx.SetUnitCost(ctx, rec.ID, product.CostPrice); err != nil {
					return err
				}
				updated++
			}
			return nil
		})
		if err != nil {
			return updated, err
		}
		if len(page) < backfillPageSize {
			return updated, nil
		}
		afterID = page[len(page)-1].ID
	}
}

func (s *Service) ensureLocation(ctx context.Context, id int64) error {
	ok, err := s.catalog.LocationExists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLocationNotFound
	}
	return nil
}

func (s *Service) handleFailure(ctx context.Context, op string, err error, actorID int64) {
	var failure *ConsistencyFailure
	if !errors.As(err, &failure) {
		return
	}
	s.metrics.consistencyFailure(op)
	resumeDay := failure.ResumeDay()
	s.logger.Error("ledger propagation interrupted",
		slog.String("operation", op),
		slog.String("chain", failure.Chain.String()),
		slog.String("failed_day", failure.FailedDay.Format(DayLayout)),
		slog.String("resume_day", resumeDay.Format(DayLayout)),
		slog.Any("error", failure.Err))
	if s.resume == nil {
		return
	}
	if qerr := s.resume.EnqueueResume(context.WithoutCancel(ctx), failure.Chain, resumeDay, actorID); qerr != nil {
		s.logger.Warn("enqueue propagation resume", slog.String("chain", failure.Chain.String()), slog.Any("error", qerr))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, rec Record) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "ledger_record",
		EntityID: fmt.Sprintf("%s:%s", rec.Chain(), rec.Day.Format(DayLayout)),
		Meta: map[string]any{
			"opening":          rec.Opening,
			"received_qty":     rec.ReceivedQty,
			"transfer_in_qty":  rec.TransferInQty,
			"transfer_out_qty": rec.TransferOutQty,
			"sales_qty":        rec.SalesQty,
			"manual_closing":   rec.ManualClosing,
			"closing":          rec.Closing,
		},
	})
	if err != nil {
		s.logger.Warn("record audit log", slog.String("action", action), slog.Any("error", err))
	}
}

func validateRawInput(item RawInput) error {
	if item.ProductID <= 0 {
		return invalid("product_id", "is required")
	}
	if item.Opening != nil && !finite(*item.Opening) {
		return invalid("opening", "must be a finite number")
	}
	if err := checkQuantity("received_qty", item.ReceivedQty); err != nil {
		return err
	}
	if err := checkQuantity("sales_qty", item.SalesQty); err != nil {
		return err
	}
	if item.ManualClosing != nil {
		return checkQuantity("manual_closing", *item.ManualClosing)
	}
	return nil
}

func chainLockKey(chain ChainKey) string {
	return shared.ChainLockKey(chain.LocationID, chain.ProductID)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func addOptional(sum *float64, v float64) *float64 {
	if sum == nil {
		return &v
	}
	total := *sum + v
	return &total
}
