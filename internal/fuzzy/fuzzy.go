// Package fuzzy evaluates membership functions over indicator columns,
// turning raw indicator readings into degrees of set membership in [0, 1].
package fuzzy

import (
	"fmt"
	"math"
	"sort"

	"ktrdr/internal/errs"
	"ktrdr/internal/indicator"
)

// MembershipFunc is a declared membership function.
//
// Supported shapes:
//
//	triangular:  parameters [a, b, c]     — 0 at a, peak 1 at b, 0 at c
//	trapezoidal: parameters [a, b, c, d]  — ramps a..b, flat b..c, ramps c..d
type MembershipFunc struct {
	Shape      string    `yaml:"type" json:"type"`
	Parameters []float64 `yaml:"parameters" json:"parameters"`
}

// Config maps feature-id -> set-name -> membership function.
type Config map[string]map[string]MembershipFunc

// ColumnName is the output naming convention for one (feature, set) pair.
func ColumnName(featureID, setName string) string {
	return fmt.Sprintf("%s_%s_membership", featureID, setName)
}

// Evaluate computes every declared membership over the matching indicator
// column. Output row count equals input row count; NaN readings stay NaN.
// Referencing a feature id absent from the input fails with
// fuzzy-config-invalid.
func Evaluate(indicators *indicator.Table, cfg Config) (*indicator.Table, error) {
	out := indicator.NewTable(indicators.Index())

	for _, featureID := range sortedKeys(cfg) {
		col, ok := indicators.Column(featureID)
		if !ok {
			return nil, errs.New(errs.FuzzyConfigInvalid, "fuzzy set references unknown feature %q", featureID)
		}
		sets := cfg[featureID]
		for _, setName := range sortedKeys(sets) {
			mf := sets[setName]
			eval, err := evaluator(mf)
			if err != nil {
				return nil, errs.Wrap(errs.FuzzyConfigInvalid, err, "%s.%s", featureID, setName)
			}
			values := make([]float64, len(col))
			for i, x := range col {
				if math.IsNaN(x) {
					values[i] = math.NaN()
					continue
				}
				values[i] = eval(x)
			}
			if err := out.AddColumn(ColumnName(featureID, setName), values); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

func evaluator(mf MembershipFunc) (func(float64) float64, error) {
	switch mf.Shape {
	case "triangular":
		if len(mf.Parameters) != 3 {
			return nil, fmt.Errorf("triangular needs 3 parameters, got %d", len(mf.Parameters))
		}
		a, b, c := mf.Parameters[0], mf.Parameters[1], mf.Parameters[2]
		if !(a <= b && b <= c) {
			return nil, fmt.Errorf("triangular parameters must satisfy a <= b <= c")
		}
		return func(x float64) float64 { return triangular(x, a, b, c) }, nil

	case "trapezoidal":
		if len(mf.Parameters) != 4 {
			return nil, fmt.Errorf("trapezoidal needs 4 parameters, got %d", len(mf.Parameters))
		}
		a, b, c, d := mf.Parameters[0], mf.Parameters[1], mf.Parameters[2], mf.Parameters[3]
		if !(a <= b && b <= c && c <= d) {
			return nil, fmt.Errorf("trapezoidal parameters must satisfy a <= b <= c <= d")
		}
		return func(x float64) float64 { return trapezoidal(x, a, b, c, d) }, nil

	default:
		return nil, fmt.Errorf("unknown membership shape %q", mf.Shape)
	}
}

func triangular(x, a, b, c float64) float64 {
	switch {
	case x <= a || x >= c:
		// Degenerate peaks (a == b or b == c) still score 1 at the peak.
		if x == b {
			return 1
		}
		return 0
	case x == b:
		return 1
	case x < b:
		return (x - a) / (b - a)
	default:
		return (c - x) / (c - b)
	}
}

func trapezoidal(x, a, b, c, d float64) float64 {
	switch {
	case x >= b && x <= c:
		return 1
	case x <= a || x >= d:
		return 0
	case x < b:
		return (x - a) / (b - a)
	default:
		return (d - x) / (d - c)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
