// Package training houses the neural trainer and the end-to-end strategy
// training pipeline.
package training

import (
	"context"
	"errors"
	"math"
	"math/rand"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"ktrdr/internal/cancel"
	"ktrdr/internal/errs"
	"ktrdr/internal/logger"
)

// ErrInterrupted is returned by Fit when the cancellation token fires between
// epochs. The partially trained network and history up to the last completed
// epoch are still returned.
var ErrInterrupted = errors.New("training interrupted")

const numClasses = 3

// TrainerConfig are the fit hyperparameters, already defaulted by the
// manifest loader.
type TrainerConfig struct {
	HiddenLayers []int   `yaml:"hidden_layers" json:"hidden_layers"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	Epochs       int     `yaml:"epochs" json:"epochs"`
	BatchSize    int     `yaml:"batch_size" json:"batch_size"`
	Patience     int     `yaml:"patience" json:"patience"`
	Optimizer    string  `yaml:"optimizer" json:"optimizer"`
	Seed         int64   `yaml:"seed" json:"seed"`
}

// EpochStats is one row of the training history.
type EpochStats struct {
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
	TrainAcc  float64 `json:"train_accuracy"`
	ValLoss   float64 `json:"val_loss"`
	ValAcc    float64 `json:"val_accuracy"`
}

// History is the per-epoch record of a fit, monotonic in epoch index.
type History struct {
	Epochs    []EpochStats `json:"epochs"`
	BestEpoch int          `json:"best_epoch"`
}

// EpochCallback observes each completed epoch; used for progress reporting.
type EpochCallback func(stats EpochStats)

// Fit trains a classifier with early stopping on validation loss.
//
// The trainer consults tok between epochs; on request it returns the weights
// of the last completed epoch together with ErrInterrupted so the caller can
// checkpoint. A non-finite loss restores the best epoch and fails with
// training-diverged, carrying best-so-far metrics in the error detail.
func Fit(ctx context.Context, X *mat.Dense, y []int, Xval *mat.Dense, yval []int, cfg TrainerConfig, tok *cancel.Token, onEpoch EpochCallback) (*Network, *History, error) {
	rows, cols := X.Dims()
	if rows == 0 || rows != len(y) {
		return nil, nil, errs.New(errs.InvalidInput, "training set has %d rows, %d labels", rows, len(y))
	}

	sizes := append([]int{cols}, cfg.HiddenLayers...)
	sizes = append(sizes, numClasses)
	rng := rand.New(rand.NewSource(cfg.Seed))
	net := NewNetwork(sizes, rng)
	opt := newOptimizer(cfg, net)

	history := &History{}
	best := net.clone()
	bestValLoss := math.Inf(1)
	sinceBest := 0

	order := make([]int, rows)
	for i := range order {
		order[i] = i
	}

	log := logger.FromContext(ctx)
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if tok != nil && tok.Requested() {
			log.Info("training interrupted between epochs", zap.Int("epoch", epoch-1))
			return net, history, ErrInterrupted
		}

		rng.Shuffle(rows, func(i, j int) { order[i], order[j] = order[j], order[i] })

		for start := 0; start < rows; start += cfg.BatchSize {
			end := start + cfg.BatchSize
			if end > rows {
				end = rows
			}
			trainBatch(net, opt, X, y, order[start:end], cfg.LearningRate)
		}

		trainLoss, trainAcc := Evaluate(net, X, y)
		valLoss, valAcc := Evaluate(net, Xval, yval)
		stats := EpochStats{Epoch: epoch, TrainLoss: trainLoss, TrainAcc: trainAcc, ValLoss: valLoss, ValAcc: valAcc}
		history.Epochs = append(history.Epochs, stats)
		if onEpoch != nil {
			onEpoch(stats)
		}

		if !isFinite(trainLoss) || !isFinite(valLoss) {
			net.restore(best)
			detail := map[string]any{
				"diverged_epoch": epoch,
				"best_epoch":     history.BestEpoch,
			}
			if history.BestEpoch > 0 {
				b := history.Epochs[history.BestEpoch-1]
				detail["best_val_loss"] = b.ValLoss
				detail["best_val_accuracy"] = b.ValAcc
			}
			return net, history, errs.New(errs.TrainingDiverged, "non-finite loss at epoch %d", epoch).WithDetail(detail)
		}

		if valLoss < bestValLoss {
			bestValLoss = valLoss
			best.restore(net)
			history.BestEpoch = epoch
			sinceBest = 0
		} else {
			sinceBest++
			if cfg.Patience > 0 && sinceBest >= cfg.Patience {
				log.Info("early stopping",
					zap.Int("epoch", epoch),
					zap.Int("best_epoch", history.BestEpoch))
				break
			}
		}
	}

	net.restore(best)
	return net, history, nil
}

// Evaluate computes mean cross-entropy loss and accuracy over a dataset.
func Evaluate(net *Network, X *mat.Dense, y []int) (loss, accuracy float64) {
	rows, _ := X.Dims()
	if rows == 0 {
		return 0, 0
	}
	correct := 0
	for i := 0; i < rows; i++ {
		probs := net.Predict(mat.Row(nil, i, X))
		p := probs[y[i]]
		loss += -math.Log(math.Max(p, 1e-12))
		if argmax(probs) == y[i] {
			correct++
		}
	}
	return loss / float64(rows), float64(correct) / float64(rows)
}

// trainBatch accumulates gradients over one mini-batch and applies a step.
func trainBatch(net *Network, opt *optimizer, X *mat.Dense, y []int, batch []int, lr float64) {
	gradW := make([]*mat.Dense, len(net.Weights))
	gradB := make([]*mat.VecDense, len(net.Biases))
	for l := range net.Weights {
		r, c := net.Weights[l].Dims()
		gradW[l] = mat.NewDense(r, c, nil)
		gradB[l] = mat.NewVecDense(r, nil)
	}

	for _, idx := range batch {
		x := mat.Row(nil, idx, X)
		acts, _ := net.forward(x)

		// Output delta: softmax + cross-entropy.
		out := acts[len(acts)-1]
		delta := make([]float64, numClasses)
		copy(delta, out)
		delta[y[idx]] -= 1

		for l := len(net.Weights) - 1; l >= 0; l-- {
			prev := acts[l]
			for i := range delta {
				gradB[l].SetVec(i, gradB[l].AtVec(i)+delta[i])
				for j, pv := range prev {
					gradW[l].Set(i, j, gradW[l].At(i, j)+delta[i]*pv)
				}
			}
			if l == 0 {
				break
			}
			// Backpropagate through the ReLU of layer l-1.
			next := make([]float64, len(prev))
			for j := range prev {
				if prev[j] <= 0 {
					continue
				}
				var s float64
				for i := range delta {
					s += net.Weights[l].At(i, j) * delta[i]
				}
				next[j] = s
			}
			delta = next
		}
	}

	scale := 1.0 / float64(len(batch))
	for l := range gradW {
		gradW[l].Scale(scale, gradW[l])
		gradB[l].ScaleVec(scale, gradB[l])
	}
	opt.step(net, gradW, gradB, lr)
}

// PermutationImportance scores features by mean accuracy drop under column
// shuffling. Scores are normalized to sum to 1 when the total drop is
// positive; otherwise they are returned un-normalized with a warning.
func PermutationImportance(ctx context.Context, net *Network, X *mat.Dense, y []int, names []string, iterations int, seed int64) map[string]float64 {
	rows, cols := X.Dims()
	rng := rand.New(rand.NewSource(seed))
	_, baseline := Evaluate(net, X, y)

	drops := make([]float64, cols)
	work := mat.DenseCopyOf(X)
	column := make([]float64, rows)
	for j := 0; j < cols; j++ {
		mat.Col(column, j, X)
		var total float64
		for it := 0; it < iterations; it++ {
			shuffled := append([]float64(nil), column...)
			rng.Shuffle(rows, func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
			work.SetCol(j, shuffled)
			_, acc := Evaluate(net, work, y)
			total += baseline - acc
		}
		work.SetCol(j, column)
		drops[j] = math.Max(total/float64(iterations), 0)
	}

	sum := stat.Mean(drops, nil) * float64(cols)
	out := make(map[string]float64, cols)
	if sum > 0 {
		for j, name := range names {
			out[name] = drops[j] / sum
		}
	} else {
		logger.FromContext(ctx).Warn("permutation importance total drop non-positive, returning raw scores")
		for j, name := range names {
			out[name] = drops[j]
		}
	}
	return out
}

func argmax(v []float64) int {
	best, bestV := 0, v[0]
	for i, x := range v {
		if x > bestV {
			best, bestV = i, x
		}
	}
	return best
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
