package ledger

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestComputeDerivation(t *testing.T) {
	cases := []struct {
		name     string
		raw      RawFields
		expected float64
		closing  float64
		variance *float64
		sales    string
	}{
		{
			name:     "no count",
			raw:      RawFields{Opening: 100, ReceivedQty: 20, TransferInQty: 5, TransferOutQty: 3, SalesQty: 12, UnitPrice: decimal.NewFromInt(4)},
			expected: 110,
			closing:  110,
			sales:    "48",
		},
		{
			name:     "shortfall",
			raw:      RawFields{Opening: 100, SalesQty: 10, ManualClosing: ptr(80)},
			expected: 90,
			closing:  80,
			variance: ptr(-10),
			sales:    "0",
		},
		{
			name:     "overage",
			raw:      RawFields{Opening: 100, SalesQty: 10, ManualClosing: ptr(95)},
			expected: 90,
			closing:  95,
			variance: ptr(5),
			sales:    "0",
		},
		{
			name:     "zero count is a count",
			raw:      RawFields{Opening: 3, ManualClosing: ptr(0), SalesQty: 1, UnitPrice: decimal.RequireFromString("2.5")},
			expected: 2,
			closing:  0,
			variance: ptr(-2),
			sales:    "2.5",
		},
		{
			name:     "negative opening is carried",
			raw:      RawFields{Opening: -4, ReceivedQty: 10},
			expected: 6,
			closing:  6,
			sales:    "0",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Compute(tc.raw)
			require.NoError(t, err)
			require.InDelta(t, tc.expected, got.ExpectedClosing, 1e-9)
			require.InDelta(t, tc.closing, got.Closing, 1e-9)
			if tc.variance == nil {
				require.Nil(t, got.Variance)
			} else {
				require.NotNil(t, got.Variance)
				require.InDelta(t, *tc.variance, *got.Variance, 1e-9)
			}
			require.True(t, decimal.RequireFromString(tc.sales).Equal(got.SalesAmount), "sales amount %s", got.SalesAmount)
		})
	}
}

func TestComputeRejectsInvalidNumbers(t *testing.T) {
	cases := map[string]RawFields{
		"nan opening":       {Opening: math.NaN()},
		"inf received":      {ReceivedQty: math.Inf(1)},
		"negative sales":    {SalesQty: -1},
		"negative transfer": {TransferOutQty: -0.5},
		"negative count":    {ManualClosing: ptr(-1)},
		"nan count":         {ManualClosing: ptr(math.NaN())},
		"negative price":    {UnitPrice: decimal.NewFromInt(-1)},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Compute(raw)
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.NotEmpty(t, verr.Field)
		})
	}
}

func TestRecomputeAppliesDerivedFields(t *testing.T) {
	rec := Record{Opening: 10, ReceivedQty: 5, SalesQty: 3, ManualClosing: ptr(11), Closing: 999, UnitPrice: decimal.NewFromInt(2)}
	require.NoError(t, Recompute(&rec))
	require.InDelta(t, 12, rec.ExpectedClosing, 1e-9)
	require.InDelta(t, 11, rec.Closing, 1e-9)
	require.InDelta(t, -1, *rec.Variance, 1e-9)
	require.True(t, decimal.NewFromInt(6).Equal(rec.SalesAmount))
}

func TestDetectShrinkage(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	base := Record{ID: 7, LocationID: 1, ProductID: 2, Day: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), Opening: 100, SalesQty: 10}

	short := base
	short.ManualClosing = ptr(80)
	require.NoError(t, Recompute(&short))
	alert, ok := DetectShrinkage(short, 42, now)
	require.True(t, ok)
	require.Equal(t, int64(42), alert.FlaggedBy)
	require.Equal(t, int64(7), alert.RecordID)
	require.InDelta(t, -10, alert.Variance, 1e-9)
	require.InDelta(t, 90, alert.ExpectedClosing, 1e-9)
	require.InDelta(t, 80, alert.ManualClosing, 1e-9)

	again, _ := DetectShrinkage(short, 43, now.Add(time.Hour))
	require.Equal(t, alert.DedupKey, again.DedupKey)

	deeper := base
	deeper.ManualClosing = ptr(70)
	require.NoError(t, Recompute(&deeper))
	other, ok := DetectShrinkage(deeper, 42, now)
	require.True(t, ok)
	require.NotEqual(t, alert.DedupKey, other.DedupKey)

	for _, manual := range []*float64{nil, ptr(90), ptr(95)} {
		rec := base
		rec.ManualClosing = manual
		require.NoError(t, Recompute(&rec))
		_, ok := DetectShrinkage(rec, 42, now)
		require.False(t, ok)
	}
}
