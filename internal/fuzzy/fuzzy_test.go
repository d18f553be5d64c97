package fuzzy

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ktrdr/internal/errs"
	"ktrdr/internal/indicator"
)

func testTable(t *testing.T, name string, values []float64) *indicator.Table {
	t.Helper()
	index := make([]time.Time, len(values))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range index {
		index[i] = base.Add(time.Duration(i) * time.Hour)
	}
	table := indicator.NewTable(index)
	require.NoError(t, table.AddColumn(name, values))
	return table
}

func TestEvaluate_Triangular(t *testing.T) {
	table := testTable(t, "rsi_14", []float64{0, 15, 30, 45, 100})
	cfg := Config{
		"rsi_14": {
			"oversold": {Shape: "triangular", Parameters: []float64{0, 0, 30}},
		},
	}

	out, err := Evaluate(table, cfg)
	require.NoError(t, err)

	col, ok := out.Column("rsi_14_oversold_membership")
	require.True(t, ok)
	assert.InDelta(t, 1.0, col[0], 1e-9)
	assert.InDelta(t, 0.5, col[1], 1e-9)
	assert.InDelta(t, 0.0, col[2], 1e-9)
	assert.InDelta(t, 0.0, col[4], 1e-9)
}

func TestEvaluate_Trapezoidal(t *testing.T) {
	table := testTable(t, "rsi_14", []float64{20, 40, 50, 60, 80})
	cfg := Config{
		"rsi_14": {
			"neutral": {Shape: "trapezoidal", Parameters: []float64{30, 45, 55, 70}},
		},
	}

	out, err := Evaluate(table, cfg)
	require.NoError(t, err)

	col, _ := out.Column("rsi_14_neutral_membership")
	assert.InDelta(t, 0.0, col[0], 1e-9)
	assert.InDelta(t, 2.0/3.0, col[1], 1e-9)
	assert.InDelta(t, 1.0, col[2], 1e-9)
	assert.InDelta(t, 2.0/3.0, col[3], 1e-9)
	assert.InDelta(t, 0.0, col[4], 1e-9)
}

func TestEvaluate_NaNPropagates(t *testing.T) {
	table := testTable(t, "sma_5", []float64{math.NaN(), 10})
	cfg := Config{"sma_5": {"low": {Shape: "triangular", Parameters: []float64{0, 10, 20}}}}

	out, err := Evaluate(table, cfg)
	require.NoError(t, err)

	col, _ := out.Column("sma_5_low_membership")
	assert.True(t, math.IsNaN(col[0]))
	assert.InDelta(t, 1.0, col[1], 1e-9)
	assert.Equal(t, table.Len(), out.Len(), "row count preserved")
}

func TestEvaluate_UnknownFeature(t *testing.T) {
	table := testTable(t, "rsi_14", []float64{50})
	cfg := Config{"macd_x": {"high": {Shape: "triangular", Parameters: []float64{0, 1, 2}}}}

	_, err := Evaluate(table, cfg)
	require.Error(t, err)
	assert.Equal(t, errs.FuzzyConfigInvalid, errs.CategoryOf(err))
}

func TestEvaluate_BadShapes(t *testing.T) {
	table := testTable(t, "rsi_14", []float64{50})

	tests := []struct {
		name string
		mf   MembershipFunc
	}{
		{"unknown shape", MembershipFunc{Shape: "gaussian", Parameters: []float64{0, 1}}},
		{"wrong arity", MembershipFunc{Shape: "triangular", Parameters: []float64{0, 1}}},
		{"unsorted params", MembershipFunc{Shape: "triangular", Parameters: []float64{2, 1, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(table, Config{"rsi_14": {"s": tt.mf}})
			require.Error(t, err)
			assert.Equal(t, errs.FuzzyConfigInvalid, errs.CategoryOf(err))
		})
	}
}

func TestEvaluate_ValuesBounded(t *testing.T) {
	values := []float64{-50, 0, 12.5, 25, 37.5, 50, 75, 100, 150}
	table := testTable(t, "x", values)
	cfg := Config{"x": {
		"mid": {Shape: "triangular", Parameters: []float64{0, 25, 50}},
	}}

	out, err := Evaluate(table, cfg)
	require.NoError(t, err)
	col, _ := out.Column("x_mid_membership")
	for i, v := range col {
		assert.GreaterOrEqual(t, v, 0.0, "row %d", i)
		assert.LessOrEqual(t, v, 1.0, "row %d", i)
	}
}
