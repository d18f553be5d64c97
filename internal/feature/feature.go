// Package feature joins fuzzy memberships, optional price/volume context,
// and lag columns into the supervised feature matrix consumed by the trainer.
package feature

import (
	"math"
	"sort"
	"strconv"
	"time"

	"gonum.org/v1/gonum/mat"

	"ktrdr/internal/data"
	"ktrdr/internal/errs"
	"ktrdr/internal/indicator"
)

// Config declares the feature layout.
type Config struct {
	// Lookback adds lag columns for every fuzzy column, one per lag in
	// [1, Lookback). Lookback 0 or 1 adds none.
	Lookback int `yaml:"lookback" json:"lookback"`

	IncludePriceContext  bool `yaml:"include_price_context" json:"include_price_context"`
	IncludeVolumeContext bool `yaml:"include_volume_context" json:"include_volume_context"`
}

// Matrix is a dense feature matrix aligned to a bar-frame index. Rows with
// NaN (warm-up) are kept; the pipeline drops them jointly with labels.
type Matrix struct {
	Index []time.Time
	Names []string
	Data  *mat.Dense
}

// rollingMeanWindow is the window used for price_to_sma and volume_ratio_20.
const rollingMeanWindow = 20

// Prepare assembles the feature matrix. Column order is fixed:
//
//  1. fuzzy membership columns, sorted by feature-id then set-name;
//  2. price context (price_to_sma, price_change_1, price_change_5);
//  3. volume context (volume_ratio_20, volume_change_1);
//  4. per-lag copies of every fuzzy column, suffix _lag_<n>.
func Prepare(frame *data.Frame, memberships *indicator.Table, cfg Config) (*Matrix, error) {
	n := frame.Len()
	if memberships.Len() != n {
		return nil, errs.New(errs.InvalidInput, "memberships have %d rows, frame has %d", memberships.Len(), n)
	}
	if cfg.Lookback < 0 {
		return nil, errs.New(errs.InvalidInput, "lookback must be non-negative, got %d", cfg.Lookback)
	}

	fuzzyNames := append([]string(nil), memberships.Names()...)
	sort.Strings(fuzzyNames)

	type namedCol struct {
		name   string
		values []float64
	}
	var cols []namedCol

	for _, name := range fuzzyNames {
		col, _ := memberships.Column(name)
		cols = append(cols, namedCol{name, col})
	}

	if cfg.IncludePriceContext {
		closes := frame.Closes()
		sma := rollingMean(closes, rollingMeanWindow)
		ratio := make([]float64, n)
		for i := range ratio {
			ratio[i] = closes[i] / sma[i]
		}
		cols = append(cols,
			namedCol{"price_to_sma", ratio},
			namedCol{"price_change_1", pctChange(closes, 1)},
			namedCol{"price_change_5", pctChange(closes, 5)},
		)
	}

	if cfg.IncludeVolumeContext {
		volumes, _ := frame.Column("volume")
		meanVol := rollingMean(volumes, rollingMeanWindow)
		ratio := make([]float64, n)
		for i := range ratio {
			if meanVol[i] == 0 {
				ratio[i] = math.NaN()
				continue
			}
			ratio[i] = volumes[i] / meanVol[i]
		}
		cols = append(cols,
			namedCol{"volume_ratio_20", ratio},
			namedCol{"volume_change_1", pctChange(volumes, 1)},
		)
	}

	for lag := 1; lag < cfg.Lookback; lag++ {
		for _, name := range fuzzyNames {
			col, _ := memberships.Column(name)
			cols = append(cols, namedCol{indicatorLagName(name, lag), shift(col, lag)})
		}
	}

	names := make([]string, len(cols))
	dense := mat.NewDense(n, len(cols), nil)
	for j, c := range cols {
		names[j] = c.name
		for i := 0; i < n; i++ {
			dense.Set(i, j, c.values[i])
		}
	}

	return &Matrix{Index: frame.Index(), Names: names, Data: dense}, nil
}

func indicatorLagName(name string, lag int) string {
	return name + "_lag_" + strconv.Itoa(lag)
}

// rollingMean computes a trailing mean; the first window-1 entries are NaN.
func rollingMean(values []float64, window int) []float64 {
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i < window-1 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(window)
	}
	return out
}

// pctChange is the fractional change over lag bars; the head is NaN.
func pctChange(values []float64, lag int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		if i < lag || values[i-lag] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = values[i]/values[i-lag] - 1
	}
	return out
}

// shift moves values forward by lag rows, NaN-filling the head.
func shift(values []float64, lag int) []float64 {
	out := make([]float64, len(values))
	for i := range out {
		if i < lag {
			out[i] = math.NaN()
			continue
		}
		out[i] = values[i-lag]
	}
	return out
}

// DropNaNRows returns the indices of the matrix rows free of NaN. The
// pipeline selects labels by the same indices, dropping the warm-up period
// jointly with labels.
func DropNaNRows(m *Matrix) []int {
	rows, cols := m.Data.Dims()
	keep := make([]int, 0, rows)
	for i := 0; i < rows; i++ {
		ok := true
		for j := 0; j < cols; j++ {
			if math.IsNaN(m.Data.At(i, j)) {
				ok = false
				break
			}
		}
		if ok {
			keep = append(keep, i)
		}
	}
	return keep
}

// Select returns the sub-matrix with only the given row indices.
func Select(m *Matrix, rows []int) *Matrix {
	_, cols := m.Data.Dims()
	out := mat.NewDense(len(rows), cols, nil)
	index := make([]time.Time, len(rows))
	for i, r := range rows {
		index[i] = m.Index[r]
		for j := 0; j < cols; j++ {
			out.Set(i, j, m.Data.At(r, j))
		}
	}
	return &Matrix{Index: index, Names: m.Names, Data: out}
}
