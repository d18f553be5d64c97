// Package strategy loads and validates strategy manifests.
//
// A manifest declares the indicators, fuzzy sets, feature layout, model
// architecture, and training configuration of one neuro-fuzzy strategy.
// Validation runs in three passes: a JSON-Schema structural pass that rejects
// unknown top-level keys, a warning pass for unknown nested keys inside
// recognized sections, and a semantic pass that aggregates every violation
// before failing.
package strategy

import (
	"context"
	"fmt"
	"math"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"ktrdr/internal/errs"
	"ktrdr/internal/feature"
	"ktrdr/internal/fuzzy"
	"ktrdr/internal/indicator"
	"ktrdr/internal/logger"
)

// ModelConfig is the architecture section of a manifest.
type ModelConfig struct {
	HiddenLayers []int   `yaml:"hidden_layers" json:"hidden_layers"`
	Optimizer    string  `yaml:"optimizer" json:"optimizer"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
}

// LabelConfig is the ZigZag label-generation section.
type LabelConfig struct {
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Lookahead int     `yaml:"lookahead" json:"lookahead"`
}

// SplitRatios is the chronological train/val/test partition.
type SplitRatios struct {
	Train float64 `yaml:"train" json:"train"`
	Val   float64 `yaml:"val" json:"val"`
	Test  float64 `yaml:"test" json:"test"`
}

// TrainingConfig is the training section of a manifest.
type TrainingConfig struct {
	Labels    LabelConfig `yaml:"labels" json:"labels"`
	Split     SplitRatios `yaml:"split" json:"split"`
	Epochs    int         `yaml:"epochs" json:"epochs"`
	BatchSize int         `yaml:"batch_size" json:"batch_size"`
	Patience  int         `yaml:"patience" json:"patience"`
	Seed      int64       `yaml:"seed" json:"seed"`
}

// Manifest is the effective strategy document after defaults.
type Manifest struct {
	Name       string           `yaml:"name" json:"name"`
	Indicators []indicator.Spec `yaml:"indicators" json:"indicators"`
	FuzzySets  fuzzy.Config     `yaml:"fuzzy_sets" json:"fuzzy_sets"`
	Model      ModelConfig      `yaml:"model" json:"model"`
	Features   feature.Config   `yaml:"features" json:"features"`
	Training   TrainingConfig   `yaml:"training" json:"training"`
}

// schema is the structural contract. Unknown top-level keys are rejected;
// nested sections stay open so the warning pass can report them instead.
const schema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["name", "indicators", "fuzzy_sets", "model", "training"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "indicators": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["feature_id", "kind"],
        "properties": {
          "feature_id": {"type": "string", "minLength": 1},
          "kind": {"type": "string", "minLength": 1},
          "parameters": {"type": "object"}
        }
      }
    },
    "fuzzy_sets": {"type": "object"},
    "model": {"type": "object"},
    "features": {"type": "object"},
    "training": {"type": "object"}
  }
}`

var sectionKeys = map[string][]string{
	"model":    {"hidden_layers", "optimizer", "learning_rate"},
	"features": {"lookback", "include_price_context", "include_volume_context"},
	"training": {"labels", "split", "epochs", "batch_size", "patience", "seed"},
}

// LoadFile reads, validates, and defaults a manifest from a YAML file.
func LoadFile(ctx context.Context, path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "read manifest %s", path)
	}
	return Load(ctx, raw)
}

// Load parses and validates a manifest document.
func Load(ctx context.Context, raw []byte) (*Manifest, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "parse manifest")
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "validate manifest")
	}
	if !result.Valid() {
		var verr *multierror.Error
		for _, desc := range result.Errors() {
			verr = multierror.Append(verr, fmt.Errorf("%s", desc))
		}
		return nil, errs.Wrap(errs.InvalidInput, verr.ErrorOrNil(), "manifest schema violation")
	}

	warnUnknownNestedKeys(ctx, doc)

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, err, "decode manifest")
	}
	m.applyDefaults()

	if err := m.validateSemantics(); err != nil {
		return nil, err
	}
	return &m, nil
}

// warnUnknownNestedKeys logs, without failing, any key inside a recognized
// section that the decoder will ignore.
func warnUnknownNestedKeys(ctx context.Context, doc map[string]any) {
	log := logger.FromContext(ctx)
	for section, known := range sectionKeys {
		raw, ok := doc[section].(map[string]any)
		if !ok {
			continue
		}
		for key := range raw {
			found := false
			for _, k := range known {
				if k == key {
					found = true
					break
				}
			}
			if !found {
				log.Warn("ignoring unknown manifest key",
					zap.String("section", section),
					zap.String("key", key))
			}
		}
	}
}

func (m *Manifest) applyDefaults() {
	if len(m.Model.HiddenLayers) == 0 {
		m.Model.HiddenLayers = []int{32, 16}
	}
	if m.Model.Optimizer == "" {
		m.Model.Optimizer = "adam"
	}
	if m.Model.LearningRate == 0 {
		m.Model.LearningRate = 0.001
	}
	if m.Features.Lookback == 0 {
		m.Features.Lookback = 1
	}
	if m.Training.Labels.Threshold == 0 {
		m.Training.Labels.Threshold = 0.05
	}
	if m.Training.Labels.Lookahead == 0 {
		m.Training.Labels.Lookahead = 20
	}
	if m.Training.Split == (SplitRatios{}) {
		m.Training.Split = SplitRatios{Train: 0.7, Val: 0.15, Test: 0.15}
	}
	if m.Training.Epochs == 0 {
		m.Training.Epochs = 100
	}
	if m.Training.BatchSize == 0 {
		m.Training.BatchSize = 32
	}
	if m.Training.Patience == 0 {
		m.Training.Patience = 10
	}
	if m.Training.Seed == 0 {
		m.Training.Seed = 42
	}
}

func (m *Manifest) validateSemantics() error {
	var result *multierror.Error

	// Every feature id referenced by a fuzzy set must be produced by the
	// declared indicators.
	produced := make(map[string]struct{})
	for _, spec := range m.Indicators {
		for _, col := range indicator.FeatureColumns(spec) {
			produced[col] = struct{}{}
		}
	}
	for featureID := range m.FuzzySets {
		if _, ok := produced[featureID]; !ok {
			result = multierror.Append(result,
				fmt.Errorf("fuzzy_sets references feature %q not produced by any indicator", featureID))
		}
	}

	if s := m.Training.Split; math.Abs(s.Train+s.Val+s.Test-1) > 1e-9 {
		result = multierror.Append(result,
			fmt.Errorf("split ratios must sum to 1, got %v", s.Train+s.Val+s.Test))
	} else if s.Train <= 0 || s.Val <= 0 || s.Test <= 0 {
		result = multierror.Append(result, fmt.Errorf("split ratios must all be positive"))
	}

	if m.Training.Labels.Threshold <= 0 {
		result = multierror.Append(result, fmt.Errorf("label threshold must be positive"))
	}
	if m.Training.Labels.Lookahead < 1 {
		result = multierror.Append(result, fmt.Errorf("label lookahead must be at least 1"))
	}
	if m.Training.Epochs < 1 {
		result = multierror.Append(result, fmt.Errorf("epochs must be at least 1"))
	}
	if m.Training.BatchSize < 1 {
		result = multierror.Append(result, fmt.Errorf("batch_size must be at least 1"))
	}
	if m.Features.Lookback < 1 {
		result = multierror.Append(result, fmt.Errorf("lookback must be at least 1"))
	}
	for _, h := range m.Model.HiddenLayers {
		if h < 1 {
			result = multierror.Append(result, fmt.Errorf("hidden layer widths must be positive"))
			break
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return errs.Wrap(errs.InvalidInput, err, "invalid manifest %q", m.Name)
	}
	return nil
}
