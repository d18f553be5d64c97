// Package model versions and persists trained artefacts with their full
// configuration provenance.
//
// Layout: <root>/<strategy>/<symbol>_<timeframe>_v<N>/ holding weights.json,
// metrics.json, feature_importance.json, and config.yaml (the effective
// manifest as consumed, after defaults). The version N is claimed by an
// atomic mkdir; a loser in a directory-creation race re-reads and retries.
package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"ktrdr/internal/errs"
	"ktrdr/internal/training"
)

const (
	weightsFile    = "weights.json"
	metricsFile    = "metrics.json"
	importanceFile = "feature_importance.json"
	configFile     = "config.yaml"
)

// Metrics are the train/val/test scalars persisted next to the weights.
type Metrics struct {
	TrainLoss     float64 `json:"train_loss"`
	TrainAccuracy float64 `json:"train_accuracy"`
	ValLoss       float64 `json:"val_loss"`
	ValAccuracy   float64 `json:"val_accuracy"`
	TestLoss      float64 `json:"test_loss"`
	TestAccuracy  float64 `json:"test_accuracy"`
	BestEpoch     int     `json:"best_epoch"`
	EpochsRun     int     `json:"epochs_run"`
}

// Storage owns the artefact root directory.
type Storage struct {
	root string
}

// NewStorage creates the root if needed.
func NewStorage(root string) (*Storage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errs.Wrap(errs.StorageError, err, "create model root %s", root)
	}
	return &Storage{root: root}, nil
}

// Save persists a trained network with metrics, feature importance, and the
// effective manifest snapshot, and returns the artefact directory.
func (s *Storage) Save(net *training.Network, strategy, symbol, timeframe string, metrics Metrics, importance map[string]float64, effectiveManifest any) (string, error) {
	strategyDir := filepath.Join(s.root, sanitize(strategy))
	if err := os.MkdirAll(strategyDir, 0o755); err != nil {
		return "", errs.Wrap(errs.StorageError, err, "create strategy dir")
	}

	prefix := fmt.Sprintf("%s_%s_v", sanitize(symbol), sanitize(timeframe))

	var dir string
	for {
		next, err := s.nextVersion(strategyDir, prefix)
		if err != nil {
			return "", err
		}
		dir = filepath.Join(strategyDir, fmt.Sprintf("%s%d", prefix, next))
		err = os.Mkdir(dir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return "", errs.Wrap(errs.StorageError, err, "claim version dir %s", dir)
		}
		// Lost the race: re-read the existing versions and try again.
	}

	if err := writeJSON(filepath.Join(dir, weightsFile), net.Snapshot()); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(dir, metricsFile), metrics); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(dir, importanceFile), importance); err != nil {
		return "", err
	}

	cfg, err := yaml.Marshal(effectiveManifest)
	if err != nil {
		return "", errs.Wrap(errs.StorageError, err, "encode manifest snapshot")
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), cfg, 0o644); err != nil {
		return "", errs.Wrap(errs.StorageError, err, "write manifest snapshot")
	}

	return dir, nil
}

// Load reads a persisted artefact. It fails with artefact-missing when any of
// the weights, metrics, or config snapshot is absent.
func (s *Storage) Load(artefactPath string) (*training.Network, Metrics, []byte, error) {
	var snapshot training.Snapshot
	if err := readJSON(filepath.Join(artefactPath, weightsFile), &snapshot); err != nil {
		return nil, Metrics{}, nil, err
	}
	var metrics Metrics
	if err := readJSON(filepath.Join(artefactPath, metricsFile), &metrics); err != nil {
		return nil, Metrics{}, nil, err
	}
	cfg, err := os.ReadFile(filepath.Join(artefactPath, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Metrics{}, nil, errs.New(errs.ArtefactMissing, "artefact %s missing %s", artefactPath, configFile)
		}
		return nil, Metrics{}, nil, errs.Wrap(errs.StorageError, err, "read %s", configFile)
	}

	net, err := training.FromSnapshot(&snapshot)
	if err != nil {
		return nil, Metrics{}, nil, err
	}
	return net, metrics, cfg, nil
}

// LoadImportance reads the persisted feature-importance map.
func (s *Storage) LoadImportance(artefactPath string) (map[string]float64, error) {
	var out map[string]float64
	if err := readJSON(filepath.Join(artefactPath, importanceFile), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListVersions returns the existing version numbers for (strategy, symbol,
// timeframe), sorted ascending.
func (s *Storage) ListVersions(strategy, symbol, timeframe string) ([]int, error) {
	strategyDir := filepath.Join(s.root, sanitize(strategy))
	prefix := fmt.Sprintf("%s_%s_v", sanitize(symbol), sanitize(timeframe))
	return listVersions(strategyDir, prefix)
}

func (s *Storage) nextVersion(strategyDir, prefix string) (int, error) {
	versions, err := listVersions(strategyDir, prefix)
	if err != nil {
		return 0, err
	}
	max := 0
	for _, v := range versions {
		if v > max {
			max = v
		}
	}
	return max + 1, nil
}

func listVersions(strategyDir, prefix string) ([]int, error) {
	entries, err := os.ReadDir(strategyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrap(errs.StorageError, err, "read %s", strategyDir)
	}
	var versions []int
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		v, err := strconv.Atoi(strings.TrimPrefix(e.Name(), prefix))
		if err != nil || v < 1 {
			continue
		}
		versions = append(versions, v)
	}
	return versions, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '-'
		}
		return r
	}, s)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.Wrap(errs.StorageError, err, "encode %s", filepath.Base(path))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.StorageError, err, "write %s", path)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.New(errs.ArtefactMissing, "missing artefact file %s", path)
		}
		return errs.Wrap(errs.StorageError, err, "read %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Wrap(errs.StorageError, err, "decode %s", path)
	}
	return nil
}
