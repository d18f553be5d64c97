package training

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"ktrdr/internal/cancel"
	"ktrdr/internal/data"
	"ktrdr/internal/errs"
	"ktrdr/internal/feature"
	"ktrdr/internal/fuzzy"
	"ktrdr/internal/indicator"
	"ktrdr/internal/labels"
	"ktrdr/internal/logger"
	"ktrdr/internal/model"
	"ktrdr/internal/strategy"
)

// Pipeline composes the full strategy training flow: bars -> indicators ->
// fuzzy memberships -> features -> labels -> chronological split -> fit ->
// permutation importance -> persisted artefact.
type Pipeline struct {
	repo  *data.Repository
	store *model.Storage

	// importanceIterations controls the permutation importance pass.
	importanceIterations int
}

// NewPipeline wires the pipeline over a repository and model storage.
func NewPipeline(repo *data.Repository, store *model.Storage) *Pipeline {
	return &Pipeline{repo: repo, store: store, importanceIterations: 5}
}

// Request identifies what to train on.
type Request struct {
	Manifest  *strategy.Manifest
	Symbol    string
	Timeframe string
	Range     *data.Range
}

// Result is the pipeline's summary, shaped for the operation result.
type Result struct {
	ArtefactPath string
	Metrics      model.Metrics
	History      *History
	FeatureCount int
	SampleCount  int
}

// Summary renders the result as the training operation's result summary.
func (r *Result) Summary() map[string]any {
	return map[string]any{
		"training_metrics": map[string]any{
			"final_train_loss":     r.Metrics.TrainLoss,
			"final_train_accuracy": r.Metrics.TrainAccuracy,
			"best_epoch":           r.Metrics.BestEpoch,
			"epochs_run":           r.Metrics.EpochsRun,
		},
		"validation_metrics": map[string]any{
			"val_loss":      r.Metrics.ValLoss,
			"val_accuracy":  r.Metrics.ValAccuracy,
			"test_loss":     r.Metrics.TestLoss,
			"test_accuracy": r.Metrics.TestAccuracy,
		},
		"artifacts": map[string]any{
			"model_path":          r.ArtefactPath,
			"analytics_directory": r.ArtefactPath,
		},
	}
}

// Run executes the pipeline. Upstream failures keep their category; trainer
// divergence surfaces as training-diverged. On cancellation between epochs
// the last completed epoch is checkpointed before ErrInterrupted propagates.
func (p *Pipeline) Run(ctx context.Context, req Request, tok *cancel.Token, onEpoch EpochCallback) (*Result, error) {
	m := req.Manifest
	log := logger.FromContext(ctx)

	frame, err := p.repo.Load(ctx, req.Symbol, req.Timeframe, req.Range)
	if err != nil {
		return nil, err
	}
	if frame.Len() == 0 {
		return nil, errs.New(errs.DataNotFound, "no bars in range for %s/%s", req.Symbol, req.Timeframe)
	}

	indicators, err := indicator.Compute(frame, m.Indicators)
	if err != nil {
		return nil, err
	}
	memberships, err := fuzzy.Evaluate(indicators, m.FuzzySets)
	if err != nil {
		return nil, err
	}
	features, err := feature.Prepare(frame, memberships, m.Features)
	if err != nil {
		return nil, err
	}
	labelVec, err := labels.Generate(frame, m.Training.Labels.Threshold, m.Training.Labels.Lookahead)
	if err != nil {
		return nil, err
	}

	// Drop warm-up rows jointly with labels.
	keep := feature.DropNaNRows(features)
	if len(keep) == 0 {
		return nil, errs.New(errs.DataNotFound, "no usable rows after warm-up drop for %s/%s", req.Symbol, req.Timeframe)
	}
	features = feature.Select(features, keep)
	y := make([]int, len(keep))
	for i, r := range keep {
		y[i] = labelVec[r].Index()
	}

	Xtrain, ytrain, Xval, yval, Xtest, ytest, err := chronologicalSplit(features.Data, y, m.Training.Split)
	if err != nil {
		return nil, err
	}
	log.Info("training dataset prepared",
		zap.Int("features", len(features.Names)),
		zap.Int("train_rows", len(ytrain)),
		zap.Int("val_rows", len(yval)),
		zap.Int("test_rows", len(ytest)))

	net, history, fitErr := Fit(ctx, Xtrain, ytrain, Xval, yval, trainerConfig(m), tok, onEpoch)
	if fitErr != nil && !errors.Is(fitErr, ErrInterrupted) {
		return nil, fitErr
	}

	metrics := buildMetrics(net, history, Xtrain, ytrain, Xval, yval, Xtest, ytest)

	if errors.Is(fitErr, ErrInterrupted) {
		// Checkpoint the last completed epoch so the work is not lost.
		path, saveErr := p.store.Save(net, m.Name, req.Symbol, req.Timeframe, metrics, nil, m)
		if saveErr != nil {
			log.Warn("checkpoint save failed after cancellation", zap.Error(saveErr))
		} else {
			log.Info("cancelled training checkpointed", zap.String("artefact", path))
		}
		return nil, fitErr
	}

	importance := PermutationImportance(ctx, net, Xtest, ytest, features.Names, p.importanceIterations, m.Training.Seed)

	path, err := p.store.Save(net, m.Name, req.Symbol, req.Timeframe, metrics, importance, m)
	if err != nil {
		return nil, err
	}

	rows, _ := features.Data.Dims()
	return &Result{
		ArtefactPath: path,
		Metrics:      metrics,
		History:      history,
		FeatureCount: len(features.Names),
		SampleCount:  rows,
	}, nil
}

func buildMetrics(net *Network, history *History, Xtrain *mat.Dense, ytrain []int, Xval *mat.Dense, yval []int, Xtest *mat.Dense, ytest []int) model.Metrics {
	trainLoss, trainAcc := Evaluate(net, Xtrain, ytrain)
	valLoss, valAcc := Evaluate(net, Xval, yval)
	testLoss, testAcc := Evaluate(net, Xtest, ytest)
	return model.Metrics{
		TrainLoss:     trainLoss,
		TrainAccuracy: trainAcc,
		ValLoss:       valLoss,
		ValAccuracy:   valAcc,
		TestLoss:      testLoss,
		TestAccuracy:  testAcc,
		BestEpoch:     history.BestEpoch,
		EpochsRun:     len(history.Epochs),
	}
}

// trainerConfig maps the manifest sections onto the trainer hyperparameters.
func trainerConfig(m *strategy.Manifest) TrainerConfig {
	return TrainerConfig{
		HiddenLayers: m.Model.HiddenLayers,
		LearningRate: m.Model.LearningRate,
		Epochs:       m.Training.Epochs,
		BatchSize:    m.Training.BatchSize,
		Patience:     m.Training.Patience,
		Optimizer:    m.Model.Optimizer,
		Seed:         m.Training.Seed,
	}
}

// chronologicalSplit partitions rows in time order. Shuffling would leak
// future information into training.
func chronologicalSplit(X *mat.Dense, y []int, ratios strategy.SplitRatios) (Xtr *mat.Dense, ytr []int, Xv *mat.Dense, yv []int, Xte *mat.Dense, yte []int, err error) {
	rows, _ := X.Dims()
	nTrain := int(float64(rows) * ratios.Train)
	nVal := int(float64(rows) * ratios.Val)
	if nTrain < 1 || nVal < 1 || rows-nTrain-nVal < 1 {
		return nil, nil, nil, nil, nil, nil,
			errs.New(errs.InvalidInput, "dataset of %d rows too small for split %v/%v/%v", rows, ratios.Train, ratios.Val, ratios.Test)
	}

	slice := func(from, to int) (*mat.Dense, []int) {
		sub := X.Slice(from, to, 0, xCols(X)).(*mat.Dense)
		return mat.DenseCopyOf(sub), append([]int(nil), y[from:to]...)
	}
	Xtr, ytr = slice(0, nTrain)
	Xv, yv = slice(nTrain, nTrain+nVal)
	Xte, yte = slice(nTrain+nVal, rows)
	return Xtr, ytr, Xv, yv, Xte, yte, nil
}

func xCols(X *mat.Dense) int {
	_, c := X.Dims()
	return c
}
