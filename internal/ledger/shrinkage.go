package ledger

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// alertNamespace scopes alert dedup keys.
var alertNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("barstock.ledger.shrinkage"))

// DetectShrinkage returns an alert when the record's manual count is below the
// expected count. Overages and exact matches raise nothing.
func DetectShrinkage(rec Record, actorID int64, now time.Time) (Alert, bool) {
	if rec.Variance == nil || rec.ManualClosing == nil || *rec.Variance >= 0 {
		return Alert{}, false
	}
	return Alert{
		DedupKey:        alertKey(rec),
		RecordID:        rec.ID,
		LocationID:      rec.LocationID,
		ProductID:       rec.ProductID,
		Day:             rec.Day,
		ExpectedClosing: rec.ExpectedClosing,
		ManualClosing:   *rec.ManualClosing,
		Variance:        *rec.Variance,
		FlaggedBy:       actorID,
		CreatedAt:       now,
	}, true
}

// alertKey is stable for a given record state so replays never duplicate an alert.
func alertKey(rec Record) uuid.UUID {
	name := fmt.Sprintf("%d|%s|%s|%s",
		rec.ID,
		rec.Day.Format(DayLayout),
		strconv.FormatFloat(rec.ExpectedClosing, 'g', -1, 64),
		strconv.FormatFloat(*rec.ManualClosing, 'g', -1, 64),
	)
	return uuid.NewSHA1(alertNamespace, []byte(name))
}
