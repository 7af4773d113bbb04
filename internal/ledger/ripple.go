package ledger

import (
	"context"
	"time"
)

// propagate walks every record after from in ascending day order, seeding each
// opening with the previous closing and committing each step before the next.
// The caller must hold the chain lock. Any failure is a *ConsistencyFailure
// naming the last day that was durably written. A non-zero approverID marks a
// ripple caused by a transfer approval.
func (s *Service) propagate(ctx context.Context, from Record, approverID int64) error {
	started := time.Now()
	chain := from.Chain()
	lastWritten := from.Day
	steps := 0
	defer func() { s.metrics.observeRipple(steps, started) }()

	var later []Record
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		later, err = tx.RecordsAfter(ctx, chain, from.Day)
		return err
	})
	if err != nil {
		return &ConsistencyFailure{Chain: chain, FailedDay: s.cal.Next(from.Day), LastWrittenDay: &lastWritten, Err: err}
	}

	prev := from
	for _, rec := range later {
		if s.shortCircuit && rec.Opening == prev.Closing {
			break
		}
		rec.Opening = prev.Closing
		if err := Recompute(&rec); err != nil {
			return s.stepFailure(chain, rec.Day, lastWritten, err)
		}
		if err := s.writeStep(ctx, rec, approverID); err != nil {
			return s.stepFailure(chain, rec.Day, lastWritten, err)
		}
		steps++
		lastWritten = rec.Day
		prev = rec
	}
	return nil
}

func (s *Service) stepFailure(chain ChainKey, failedDay, lastWritten time.Time, err error) *ConsistencyFailure {
	last := lastWritten
	return &ConsistencyFailure{Chain: chain, FailedDay: failedDay, LastWrittenDay: &last, Err: err}
}

// writeStep commits one rippled record together with the alert it raises.
func (s *Service) writeStep(ctx context.Context, rec Record, approverID int64) error {
	now := s.now()
	rec.UpdatedAt = now
	var inserted int
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := tx.SaveDerived(ctx, rec); err != nil {
			return err
		}
		alert, ok := DetectShrinkage(rec, flagger(rec, approverID), now)
		if !ok {
			return nil
		}
		var err error
		inserted, err = tx.InsertAlerts(ctx, []Alert{alert})
		return err
	})
	if err != nil {
		return err
	}
	s.metrics.alertsInserted(inserted)
	return nil
}

// flagger is the actor a rippled alert is attributed to: the transfer approver
// when one caused the ripple, otherwise whoever entered the day's count.
func flagger(rec Record, approverID int64) int64 {
	if approverID > 0 {
		return approverID
	}
	return rec.UpdatedBy
}

// reanchor recomputes the record at day from its predecessor's closing, or
// from its own stored opening at the head of the chain.
func (s *Service) reanchor(ctx context.Context, chain ChainKey, day time.Time) (Record, error) {
	now := s.now()
	var (
		anchor   Record
		inserted int
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		rec, err := tx.GetRecordForUpdate(ctx, chain, day)
		if err != nil {
			return err
		}
		prev, err := tx.PreviousRecord(ctx, chain, day)
		switch {
		case err == nil:
			rec.Opening = prev.Closing
		case !isNotFound(err):
			return err
		}
		if err := Recompute(&rec); err != nil {
			return err
		}
		rec.UpdatedAt = now
		if err := tx.SaveDerived(ctx, rec); err != nil {
			return err
		}
		if alert, ok := DetectShrinkage(rec, flagger(rec, 0), now); ok {
			if inserted, err = tx.InsertAlerts(ctx, []Alert{alert}); err != nil {
				return err
			}
		}
		anchor = rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	s.metrics.alertsInserted(inserted)
	return anchor, nil
}
