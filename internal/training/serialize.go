package training

import (
	"gonum.org/v1/gonum/mat"

	"ktrdr/internal/errs"
)

// Snapshot is the JSON-serializable form of a trained network.
type Snapshot struct {
	Sizes   []int         `json:"sizes"`
	Weights [][][]float64 `json:"weights"`
	Biases  [][]float64   `json:"biases"`
}

// Snapshot exports the network parameters for persistence.
func (n *Network) Snapshot() *Snapshot {
	s := &Snapshot{Sizes: append([]int(nil), n.Sizes...)}
	for l, w := range n.Weights {
		rows, cols := w.Dims()
		layer := make([][]float64, rows)
		for i := 0; i < rows; i++ {
			layer[i] = make([]float64, cols)
			for j := 0; j < cols; j++ {
				layer[i][j] = w.At(i, j)
			}
		}
		s.Weights = append(s.Weights, layer)

		b := n.Biases[l]
		bias := make([]float64, b.Len())
		for i := 0; i < b.Len(); i++ {
			bias[i] = b.AtVec(i)
		}
		s.Biases = append(s.Biases, bias)
	}
	return s
}

// FromSnapshot rebuilds a network from persisted parameters.
func FromSnapshot(s *Snapshot) (*Network, error) {
	if len(s.Sizes) < 2 || len(s.Weights) != len(s.Sizes)-1 || len(s.Biases) != len(s.Sizes)-1 {
		return nil, errs.New(errs.ArtefactMissing, "weights snapshot is malformed")
	}
	n := &Network{Sizes: append([]int(nil), s.Sizes...)}
	for l := 0; l < len(s.Sizes)-1; l++ {
		in, out := s.Sizes[l], s.Sizes[l+1]
		if len(s.Weights[l]) != out || len(s.Biases[l]) != out {
			return nil, errs.New(errs.ArtefactMissing, "weights snapshot layer %d has wrong shape", l)
		}
		w := mat.NewDense(out, in, nil)
		for i := 0; i < out; i++ {
			if len(s.Weights[l][i]) != in {
				return nil, errs.New(errs.ArtefactMissing, "weights snapshot layer %d row %d has wrong width", l, i)
			}
			for j := 0; j < in; j++ {
				w.Set(i, j, s.Weights[l][i][j])
			}
		}
		n.Weights = append(n.Weights, w)
		n.Biases = append(n.Biases, mat.NewVecDense(out, s.Biases[l]))
	}
	return n, nil
}
