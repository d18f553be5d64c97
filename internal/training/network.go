package training

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Network is a feed-forward classifier: dense layers with ReLU activations
// and a softmax output over the three classes.
type Network struct {
	// Sizes holds layer widths input..output.
	Sizes []int `json:"sizes"`

	// Weights[l] is (Sizes[l+1] x Sizes[l]); Biases[l] is Sizes[l+1].
	Weights []*mat.Dense    `json:"-"`
	Biases  []*mat.VecDense `json:"-"`
}

// NewNetwork initializes a network with He-scaled random weights.
func NewNetwork(sizes []int, rng *rand.Rand) *Network {
	n := &Network{Sizes: append([]int(nil), sizes...)}
	for l := 0; l < len(sizes)-1; l++ {
		in, out := sizes[l], sizes[l+1]
		scale := math.Sqrt(2.0 / float64(in))
		w := mat.NewDense(out, in, nil)
		for i := 0; i < out; i++ {
			for j := 0; j < in; j++ {
				w.Set(i, j, rng.NormFloat64()*scale)
			}
		}
		n.Weights = append(n.Weights, w)
		n.Biases = append(n.Biases, mat.NewVecDense(out, nil))
	}
	return n
}

// forward runs one sample through the network, returning the activations of
// every layer (index 0 is the input) and the pre-activation sums.
func (n *Network) forward(x []float64) (acts [][]float64, sums [][]float64) {
	a := x
	acts = append(acts, a)
	last := len(n.Weights) - 1
	for l, w := range n.Weights {
		out := n.Sizes[l+1]
		z := make([]float64, out)
		for i := 0; i < out; i++ {
			s := n.Biases[l].AtVec(i)
			for j, v := range a {
				s += w.At(i, j) * v
			}
			z[i] = s
		}
		sums = append(sums, z)
		next := make([]float64, out)
		if l == last {
			copy(next, softmax(z))
		} else {
			for i, v := range z {
				if v > 0 {
					next[i] = v
				}
			}
		}
		acts = append(acts, next)
		a = next
	}
	return acts, sums
}

// Predict returns the class probabilities for one sample.
func (n *Network) Predict(x []float64) []float64 {
	acts, _ := n.forward(x)
	return acts[len(acts)-1]
}

// PredictClass returns the argmax class for one sample.
func (n *Network) PredictClass(x []float64) int {
	probs := n.Predict(x)
	best, bestV := 0, probs[0]
	for i, v := range probs {
		if v > bestV {
			best, bestV = i, v
		}
	}
	return best
}

// clone deep-copies the network, for best-weights snapshots.
func (n *Network) clone() *Network {
	cp := &Network{Sizes: append([]int(nil), n.Sizes...)}
	for l := range n.Weights {
		cp.Weights = append(cp.Weights, mat.DenseCopyOf(n.Weights[l]))
		cp.Biases = append(cp.Biases, mat.VecDenseCopyOf(n.Biases[l]))
	}
	return cp
}

// restore copies weights from another network of identical shape.
func (n *Network) restore(from *Network) {
	for l := range n.Weights {
		n.Weights[l].Copy(from.Weights[l])
		n.Biases[l].CopyVec(from.Biases[l])
	}
}

func softmax(z []float64) []float64 {
	maxV := z[0]
	for _, v := range z {
		if v > maxV {
			maxV = v
		}
	}
	out := make([]float64, len(z))
	var sum float64
	for i, v := range z {
		out[i] = math.Exp(v - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
