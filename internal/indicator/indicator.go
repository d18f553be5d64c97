// Package indicator batch-evaluates declared technical indicators on a bar
// frame. The heavy lifting is TA-Lib via markcheno/go-talib; this package
// contributes parameter validation, feature-id naming, and NaN semantics for
// the warm-up head of each series.
package indicator

import (
	"math"

	talib "github.com/markcheno/go-talib"

	"ktrdr/internal/data"
	"ktrdr/internal/errs"
)

// Spec declares one indicator column. Kind selects the algorithm, Params its
// knobs, and FeatureID names the output column (e.g. "rsi_14").
type Spec struct {
	FeatureID string         `yaml:"feature_id" json:"feature_id"`
	Kind      string         `yaml:"kind" json:"kind"`
	Params    map[string]any `yaml:"parameters" json:"parameters"`
}

// Compute evaluates every spec over the frame. Output columns are named by
// feature id; warm-up rows hold NaN and are dropped by downstream stages, not
// here.
func Compute(frame *data.Frame, specs []Spec) (*Table, error) {
	table := NewTable(frame.Index())
	for _, spec := range specs {
		cols, err := compute(frame, spec)
		if err != nil {
			return nil, err
		}
		for _, c := range cols {
			if err := table.AddColumn(c.name, c.values); err != nil {
				return nil, err
			}
		}
	}
	return table, nil
}

type column struct {
	name   string
	values []float64
}

func compute(frame *data.Frame, spec Spec) ([]column, error) {
	if spec.FeatureID == "" {
		return nil, errs.New(errs.IndicatorParameterInvalid, "indicator kind %q missing feature_id", spec.Kind)
	}
	closes := frame.Closes()
	highs, _ := frame.Column("high")
	lows, _ := frame.Column("low")
	volumes, _ := frame.Column("volume")
	n := frame.Len()

	switch spec.Kind {
	case "sma":
		period, err := intParam(spec, "period", 1, n)
		if err != nil {
			return nil, err
		}
		return []column{{spec.FeatureID, nanHead(talib.Sma(closes, period), period-1)}}, nil

	case "ema":
		period, err := intParam(spec, "period", 1, n)
		if err != nil {
			return nil, err
		}
		return []column{{spec.FeatureID, nanHead(talib.Ema(closes, period), period-1)}}, nil

	case "rsi":
		period, err := intParam(spec, "period", 2, n)
		if err != nil {
			return nil, err
		}
		return []column{{spec.FeatureID, nanHead(talib.Rsi(closes, period), period)}}, nil

	case "macd":
		fast, err := intParam(spec, "fast_period", 2, n)
		if err != nil {
			return nil, err
		}
		slow, err := intParam(spec, "slow_period", 2, n)
		if err != nil {
			return nil, err
		}
		signal, err := intParam(spec, "signal_period", 1, n)
		if err != nil {
			return nil, err
		}
		if fast >= slow {
			return nil, errs.New(errs.IndicatorParameterInvalid,
				"%s: fast_period %d must be below slow_period %d", spec.FeatureID, fast, slow)
		}
		macd, sig, hist := talib.Macd(closes, fast, slow, signal)
		warm := slow + signal - 2
		return []column{
			{spec.FeatureID, nanHead(macd, warm)},
			{spec.FeatureID + "_signal", nanHead(sig, warm)},
			{spec.FeatureID + "_hist", nanHead(hist, warm)},
		}, nil

	case "bbands":
		period, err := intParam(spec, "period", 2, n)
		if err != nil {
			return nil, err
		}
		dev := floatParamDefault(spec, "std_dev", 2.0)
		if dev <= 0 {
			return nil, errs.New(errs.IndicatorParameterInvalid, "%s: std_dev must be positive", spec.FeatureID)
		}
		upper, middle, lower := talib.BBands(closes, period, dev, dev, talib.SMA)
		warm := period - 1
		return []column{
			{spec.FeatureID + "_upper", nanHead(upper, warm)},
			{spec.FeatureID + "_middle", nanHead(middle, warm)},
			{spec.FeatureID + "_lower", nanHead(lower, warm)},
		}, nil

	case "atr":
		period, err := intParam(spec, "period", 1, n)
		if err != nil {
			return nil, err
		}
		return []column{{spec.FeatureID, nanHead(talib.Atr(highs, lows, closes, period), period)}}, nil

	case "obv":
		return []column{{spec.FeatureID, talib.Obv(closes, volumes)}}, nil

	case "mfi":
		period, err := intParam(spec, "period", 2, n)
		if err != nil {
			return nil, err
		}
		return []column{{spec.FeatureID, nanHead(talib.Mfi(highs, lows, closes, volumes, period), period)}}, nil

	case "stoch":
		fastK, err := intParam(spec, "fastk_period", 1, n)
		if err != nil {
			return nil, err
		}
		slowK, err := intParam(spec, "slowk_period", 1, n)
		if err != nil {
			return nil, err
		}
		slowD, err := intParam(spec, "slowd_period", 1, n)
		if err != nil {
			return nil, err
		}
		k, d := talib.Stoch(highs, lows, closes, fastK, slowK, talib.SMA, slowD, talib.SMA)
		warm := fastK + slowK + slowD - 3
		return []column{
			{spec.FeatureID + "_k", nanHead(k, warm)},
			{spec.FeatureID + "_d", nanHead(d, warm)},
		}, nil

	default:
		return nil, errs.New(errs.IndicatorParameterInvalid, "unknown indicator kind %q", spec.Kind)
	}
}

// nanHead replaces the warm-up head of a TA-Lib series with NaN. go-talib
// zero-fills the lookback region, which downstream stages cannot tell apart
// from a genuine zero reading.
func nanHead(values []float64, warmup int) []float64 {
	if warmup > len(values) {
		warmup = len(values)
	}
	for i := 0; i < warmup; i++ {
		values[i] = math.NaN()
	}
	return values
}

func intParam(spec Spec, name string, min, max int) (int, error) {
	raw, ok := spec.Params[name]
	if !ok {
		return 0, errs.New(errs.IndicatorParameterInvalid, "%s: missing parameter %q", spec.FeatureID, name)
	}
	var v int
	switch x := raw.(type) {
	case int:
		v = x
	case int64:
		v = int(x)
	case float64:
		if x != math.Trunc(x) {
			return 0, errs.New(errs.IndicatorParameterInvalid, "%s: %s must be an integer", spec.FeatureID, name)
		}
		v = int(x)
	default:
		return 0, errs.New(errs.IndicatorParameterInvalid, "%s: %s has type %T", spec.FeatureID, name, raw)
	}
	if v < min {
		return 0, errs.New(errs.IndicatorParameterInvalid, "%s: %s %d below minimum %d", spec.FeatureID, name, v, min)
	}
	if max > 0 && v > max {
		return 0, errs.New(errs.IndicatorParameterInvalid, "%s: %s %d exceeds series length %d", spec.FeatureID, name, v, max)
	}
	return v, nil
}

func floatParamDefault(spec Spec, name string, def float64) float64 {
	raw, ok := spec.Params[name]
	if !ok {
		return def
	}
	switch x := raw.(type) {
	case float64:
		return x
	case int:
		return float64(x)
	default:
		return def
	}
}

// FeatureColumns returns the output column names a spec will produce, in
// order. Multi-output kinds (macd, bbands, stoch) expand to several columns.
func FeatureColumns(spec Spec) []string {
	switch spec.Kind {
	case "macd":
		return []string{spec.FeatureID, spec.FeatureID + "_signal", spec.FeatureID + "_hist"}
	case "bbands":
		return []string{spec.FeatureID + "_upper", spec.FeatureID + "_middle", spec.FeatureID + "_lower"}
	case "stoch":
		return []string{spec.FeatureID + "_k", spec.FeatureID + "_d"}
	default:
		return []string{spec.FeatureID}
	}
}
