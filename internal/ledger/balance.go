package ledger

import (
	"math"

	"github.com/shopspring/decimal"
)

// RawFields are the stored inputs of one ledger day.
type RawFields struct {
	Opening        float64
	ReceivedQty    float64
	TransferInQty  float64
	TransferOutQty float64
	SalesQty       float64
	ManualClosing  *float64
	UnitPrice      decimal.Decimal
}

// Derived are the values computed from RawFields.
type Derived struct {
	ExpectedClosing float64
	Closing         float64
	Variance        *float64
	SalesAmount     decimal.Decimal
}

// Compute derives expected closing, closing, variance and sales amount.
//
//	expected = opening + received + transferIn - transferOut - sales
//	closing  = manual if counted, else expected
//	variance = manual - expected if counted, else nil
func Compute(raw RawFields) (Derived, error) {
	if err := validateRaw(raw); err != nil {
		return Derived{}, err
	}
	expected := raw.Opening + raw.ReceivedQty + raw.TransferInQty - raw.TransferOutQty - raw.SalesQty
	out := Derived{
		ExpectedClosing: expected,
		Closing:         expected,
		SalesAmount:     decimal.NewFromFloat(raw.SalesQty).Mul(raw.UnitPrice),
	}
	if raw.ManualClosing != nil {
		manual := *raw.ManualClosing
		variance := manual - expected
		out.Closing = manual
		out.Variance = &variance
	}
	return out, nil
}

// Recompute runs Compute over a record and stores the result on it.
func Recompute(rec *Record) error {
	derived, err := Compute(rec.Raw())
	if err != nil {
		return err
	}
	rec.Apply(derived)
	return nil
}

func validateRaw(raw RawFields) error {
	if !finite(raw.Opening) {
		return invalid("opening", "must be a finite number")
	}
	for _, q := range []struct {
		field string
		value float64
	}{
		{"received_qty", raw.ReceivedQty},
		{"transfer_in_qty", raw.TransferInQty},
		{"transfer_out_qty", raw.TransferOutQty},
		{"sales_qty", raw.SalesQty},
	} {
		if err := checkQuantity(q.field, q.value); err != nil {
			return err
		}
	}
	if raw.ManualClosing != nil {
		if err := checkQuantity("manual_closing", *raw.ManualClosing); err != nil {
			return err
		}
	}
	if raw.UnitPrice.IsNegative() {
		return invalid("unit_price", "must be >= 0")
	}
	return nil
}

func checkQuantity(field string, v float64) error {
	if !finite(v) {
		return invalid(field, "must be a finite number")
	}
	if v < 0 {
		return invalid(field, "must be >= 0")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
