package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/barstock/barstock/internal/shared"
)

const idempotencyModule = "ledger_transfer"

// CreateTransfer opens a pending transfer between two locations.
func (s *Service) CreateTransfer(ctx context.Context, input CreateTransferInput) (Transfer, error) {
	if input.ProductID <= 0 {
		return Transfer{}, invalid("product_id", "is required")
	}
	if input.FromLocationID <= 0 || input.ToLocationID <= 0 {
		return Transfer{}, invalid("location", "source and destination are required")
	}
	if input.FromLocationID == input.ToLocationID {
		return Transfer{}, invalid("to_location_id", "must differ from the source location")
	}
	if !finite(input.Quantity) || input.Quantity <= 0 {
		return Transfer{}, invalid("quantity", "must be greater than zero")
	}
	if _, err := s.catalog.GetProduct(ctx, input.ProductID); err != nil {
		return Transfer{}, err
	}
	for _, id := range []int64{input.FromLocationID, input.ToLocationID} {
		if err := s.ensureLocation(ctx, id); err != nil {
			return Transfer{}, err
		}
	}

	key := strings.TrimSpace(input.IdempotencyKey)
	guarded := false
	if key != "" && s.idempotency != nil {
		if err := s.idempotency.CheckAndInsert(ctx, key, idempotencyModule); err != nil {
			return Transfer{}, err
		}
		guarded = true
	}

	now := s.now()
	var created Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		created, err = tx.InsertTransfer(ctx, Transfer{
			ProductID:      input.ProductID,
			Quantity:       input.Quantity,
			FromLocationID: input.FromLocationID,
			ToLocationID:   input.ToLocationID,
			Status:         TransferPending,
			RequestedBy:    input.ActorID,
			Note:           strings.TrimSpace(input.Note),
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		return err
	})
	if err != nil {
		if guarded {
			_ = s.idempotency.Delete(ctx, key)
		}
		return Transfer{}, err
	}
	s.recordDecision(ctx, created.ID, input.ActorID, shared.ApprovalSubmit, created.Note)
	return created, nil
}

// ListTransfers lists transfers, optionally filtered by status.
func (s *Service) ListTransfers(ctx context.Context, filter TransferFilter) ([]Transfer, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	filter.Limit = clampLimit(filter.Limit)
	return s.repo.ListTransfers(ctx, filter)
}

// GetTransfer returns a single transfer.
func (s *Service) GetTransfer(ctx context.Context, id int64) (Transfer, error) {
	if id <= 0 {
		return Transfer{}, invalid("transfer_id", "is required")
	}
	return s.repo.GetTransfer(ctx, id)
}

// ApproveTransfer applies a pending transfer to both ledgers at the effective
// day. Both chain locks are held for the whole operation; the status change and
// the two ledger writes commit together, then both chains are propagated.
func (s *Service) ApproveTransfer(ctx context.Context, input ApproveInput) (Transfer, error) {
	if input.TransferID <= 0 {
		return Transfer{}, invalid("transfer_id", "is required")
	}
	day := s.cal.Today()
	if !input.EffectiveDay.IsZero() {
		day = DateOf(input.EffectiveDay)
	}
	current, err := s.repo.GetTransfer(ctx, input.TransferID)
	if err != nil {
		return Transfer{}, err
	}
	if current.Status != TransferPending {
		return Transfer{}, ErrAlreadyDecided
	}
	product, err := s.catalog.GetProduct(ctx, current.ProductID)
	if err != nil {
		return Transfer{}, err
	}
	source := ChainKey{LocationID: current.FromLocationID, ProductID: current.ProductID}
	dest := ChainKey{LocationID: current.ToLocationID, ProductID: current.ProductID}

	release, err := s.locker.Acquire(ctx, chainLockKey(source), chainLockKey(dest))
	if err != nil {
		return Transfer{}, fmt.Errorf("ledger: lock transfer chains: %w", err)
	}
	defer release()

	now := s.now()
	var (
		approved Transfer
		touched  []Record
		inserted int
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, input.TransferID)
		if err != nil {
			return err
		}
		if t.Status != TransferPending {
			return ErrAlreadyDecided
		}
		in, err := s.loadOrSeed(ctx, tx, dest, day, product, now)
		if err != nil {
			return err
		}
		in.TransferInQty += t.Quantity
		out, err := s.loadOrSeed(ctx, tx, source, day, product, now)
		if err != nil {
			return err
		}
		out.TransferOutQty += t.Quantity
		recs := []Record{in, out}
		for i := range recs {
			recs[i].UpdatedBy = input.ActorID
			recs[i].UpdatedAt = now
			if err := Recompute(&recs[i]); err != nil {
				return err
			}
		}
		touched, err = tx.SaveRecords(ctx, recs)
		if err != nil {
			return err
		}
		if inserted, err = tx.InsertAlerts(ctx, s.detect(touched, input.ActorID, now)); err != nil {
			return err
		}
		actor := input.ActorID
		t.Status = TransferApproved
		t.ApprovedBy = &actor
		t.EffectiveDay = &day
		t.DecidedAt = &now
		t.UpdatedAt = now
		approved, err = tx.UpdateTransfer(ctx, t)
		return err
	})
	if err != nil {
		return Transfer{}, err
	}
	s.metrics.alertsInserted(inserted)
	s.recordDecision(ctx, approved.ID, input.ActorID, shared.ApprovalApprove, input.Note)
	for _, rec := range touched {
		s.recordAudit(ctx, input.ActorID, "ledger:transfer", rec)
	}

	rippleCtx := context.WithoutCancel(ctx)
	var failures []error
	for _, rec := range touched {
		if err := s.propagate(rippleCtx, rec, input.ActorID); err != nil {
			s.handleFailure(ctx, "transfer", err, input.ActorID)
			failures = append(failures, err)
		}
	}
	s.logger.Info("transfer approved",
		slog.Int64("transfer_id", approved.ID),
		slog.Int64("product_id", approved.ProductID),
		slog.Float64("quantity", approved.Quantity),
		slog.String("effective_day", day.Format(DayLayout)))
	return approved, errors.Join(failures...)
}

// loadOrSeed returns the chain's record at day, creating it in memory when
// missing with the opening taken from the latest earlier closing, or zero.
func (s *Service) loadOrSeed(ctx context.Context, tx TxRepository, chain ChainKey, day time.Time, product Product, now time.Time) (Record, error) {
	snap, err := tx.LoadDay(ctx, chain.LocationID, []int64{chain.ProductID}, day)
	if err != nil {
		return Record{}, err
	}
	if rec, ok := snap.Current[chain.ProductID]; ok {
		return rec, nil
	}
	rec := Record{
		LocationID: chain.LocationID,
		ProductID:  chain.ProductID,
		Day:        day,
		UnitCost:   product.CostPrice,
		UnitPrice:  product.SellingPrice,
		CreatedAt:  now,
	}
	if prev, ok := snap.Previous[chain.ProductID]; ok {
		rec.Opening = prev.Closing
	}
	return rec, nil
}

// RejectTransfer declines a pending transfer. The ledger is not touched.
func (s *Service) RejectTransfer(ctx context.Context, input RejectInput) (Transfer, error) {
	if input.TransferID <= 0 {
		return Transfer{}, invalid("transfer_id", "is required")
	}
	now := s.now()
	var rejected Transfer
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		t, err := tx.GetTransferForUpdate(ctx, input.TransferID)
		if err != nil {
			return err
		}
		if t.Status != TransferPending {
			return ErrAlreadyDecided
		}
		actor := input.ActorID
		t.Status = TransferRejected
		t.ApprovedBy = &actor
		t.DecidedAt = &now
		t.UpdatedAt = now
		rejected, err = tx.UpdateTransfer(ctx, t)
		return err
	})
	if err != nil {
		return Transfer{}, err
	}
	s.recordDecision(ctx, rejected.ID, input.ActorID, shared.ApprovalReject, input.Note)
	return rejected, nil
}

func (s *Service) recordDecision(ctx context.Context, transferID, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	err := s.approvals.Record(ctx, shared.ApprovalLog{
		TransferID: transferID,
		ActorID:    actorID,
		Action:     action,
		Note:       note,
	})
	if err != nil {
		s.logger.Warn("record transfer decision",
			slog.Int64("transfer_id", transferID),
			slog.String("action", string(action)),
			slog.Any("error", err))
	}
}
