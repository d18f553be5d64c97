package training

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"ktrdr/internal/cancel"
	"ktrdr/internal/errs"
)

// separableDataset builds a trivially separable three-class problem: class is
// determined by which of the first three features is largest.
func separableDataset(n int, seed int64) (*mat.Dense, []int) {
	rng := rand.New(rand.NewSource(seed))
	X := mat.NewDense(n, 4, nil)
	y := make([]int, n)
	for i := 0; i < n; i++ {
		class := rng.Intn(3)
		for j := 0; j < 4; j++ {
			X.Set(i, j, rng.Float64()*0.2)
		}
		X.Set(i, class, 1.0+rng.Float64()*0.2)
		y[i] = class
	}
	return X, y
}

func defaultConfig() TrainerConfig {
	return TrainerConfig{
		HiddenLayers: []int{16},
		LearningRate: 0.01,
		Epochs:       40,
		BatchSize:    16,
		Patience:     10,
		Optimizer:    "adam",
		Seed:         7,
	}
}

func TestFit_LearnsSeparableProblem(t *testing.T) {
	X, y := separableDataset(300, 1)
	Xval, yval := separableDataset(60, 2)

	net, history, err := Fit(context.Background(), X, y, Xval, yval, defaultConfig(), nil, nil)
	require.NoError(t, err)
	require.NotNil(t, net)
	require.NotEmpty(t, history.Epochs)

	_, acc := Evaluate(net, Xval, yval)
	assert.Greater(t, acc, 0.9, "validation accuracy after training")

	// History is monotonic in epoch index.
	for i, e := range history.Epochs {
		assert.Equal(t, i+1, e.Epoch)
	}
}

func TestFit_EarlyStoppingRestoresBest(t *testing.T) {
	X, y := separableDataset(200, 3)
	Xval, yval := separableDataset(50, 4)

	cfg := defaultConfig()
	cfg.Epochs = 200
	cfg.Patience = 5

	net, history, err := Fit(context.Background(), X, y, Xval, yval, cfg, nil, nil)
	require.NoError(t, err)
	assert.Less(t, len(history.Epochs), 200, "early stopping should fire")
	require.Greater(t, history.BestEpoch, 0)

	// Restored weights reproduce the best epoch's validation loss.
	valLoss, _ := Evaluate(net, Xval, yval)
	assert.InDelta(t, history.Epochs[history.BestEpoch-1].ValLoss, valLoss, 1e-9)
}

func TestFit_CancellationBetweenEpochs(t *testing.T) {
	X, y := separableDataset(200, 5)
	Xval, yval := separableDataset(50, 6)

	coord := cancel.NewCoordinator()
	tok := coord.Create("op-train")

	cfg := defaultConfig()
	cfg.Epochs = 1000

	epochs := 0
	onEpoch := func(stats EpochStats) {
		epochs++
		if epochs == 3 {
			coord.Request(context.Background(), tok, "user changed mind")
		}
	}

	net, history, err := Fit(context.Background(), X, y, Xval, yval, cfg, tok, onEpoch)
	require.ErrorIs(t, err, ErrInterrupted)
	require.NotNil(t, net, "partial network returned for checkpointing")
	assert.Equal(t, 3, len(history.Epochs), "stopped at the epoch boundary after the request")
}

func TestFit_DivergenceRestoresBestAndCarriesMetrics(t *testing.T) {
	X, y := separableDataset(100, 8)
	Xval, yval := separableDataset(30, 9)

	cfg := defaultConfig()
	// An absurd learning rate reliably overflows the logits.
	cfg.LearningRate = 1e200
	cfg.Optimizer = "sgd"
	cfg.Epochs = 50

	_, _, err := Fit(context.Background(), X, y, Xval, yval, cfg, nil, nil)
	require.Error(t, err)
	require.Equal(t, errs.TrainingDiverged, errs.CategoryOf(err))

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Detail, "diverged_epoch")
}

func TestFit_InputValidation(t *testing.T) {
	X := mat.NewDense(4, 2, nil)
	_, _, err := Fit(context.Background(), X, []int{0, 1}, X, []int{0, 1, 2, 0}, defaultConfig(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, errs.InvalidInput, errs.CategoryOf(err))
}

func TestPermutationImportance_NormalizedScores(t *testing.T) {
	X, y := separableDataset(200, 10)
	Xval, yval := separableDataset(50, 11)

	net, _, err := Fit(context.Background(), X, y, Xval, yval, defaultConfig(), nil, nil)
	require.NoError(t, err)

	names := []string{"f0", "f1", "f2", "noise"}
	scores := PermutationImportance(context.Background(), net, Xval, yval, names, 5, 42)
	require.Len(t, scores, 4)

	var sum float64
	for name, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0, "score for %s", name)
		sum += s
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	// The informative columns must dominate the noise column.
	assert.Greater(t, scores["f0"]+scores["f1"]+scores["f2"], scores["noise"])
}

func TestSnapshot_RoundTrip(t *testing.T) {
	X, y := separableDataset(100, 12)
	net, _, err := Fit(context.Background(), X, y, X, y, defaultConfig(), nil, nil)
	require.NoError(t, err)

	restored, err := FromSnapshot(net.Snapshot())
	require.NoError(t, err)

	sample := mat.Row(nil, 0, X)
	assert.Equal(t, net.Predict(sample), restored.Predict(sample))
}

func TestFromSnapshot_Malformed(t *testing.T) {
	_, err := FromSnapshot(&Snapshot{Sizes: []int{4, 3}})
	require.Error(t, err)
	assert.Equal(t, errs.ArtefactMissing, errs.CategoryOf(err))
}
