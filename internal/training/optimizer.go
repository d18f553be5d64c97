package training

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// optimizer applies parameter updates. Adam is the default; plain SGD is
// available for manifests that ask for it.
type optimizer struct {
	adam bool

	beta1, beta2, eps float64
	t                 int
	mW, vW            []*mat.Dense
	mB, vB            []*mat.VecDense
}

func newOptimizer(cfg TrainerConfig, net *Network) *optimizer {
	o := &optimizer{adam: cfg.Optimizer != "sgd", beta1: 0.9, beta2: 0.999, eps: 1e-8}
	if !o.adam {
		return o
	}
	for l := range net.Weights {
		r, c := net.Weights[l].Dims()
		o.mW = append(o.mW, mat.NewDense(r, c, nil))
		o.vW = append(o.vW, mat.NewDense(r, c, nil))
		o.mB = append(o.mB, mat.NewVecDense(r, nil))
		o.vB = append(o.vB, mat.NewVecDense(r, nil))
	}
	return o
}

func (o *optimizer) step(net *Network, gradW []*mat.Dense, gradB []*mat.VecDense, lr float64) {
	if !o.adam {
		for l := range net.Weights {
			var scaled mat.Dense
			scaled.Scale(lr, gradW[l])
			net.Weights[l].Sub(net.Weights[l], &scaled)
			var scaledB mat.VecDense
			scaledB.ScaleVec(lr, gradB[l])
			net.Biases[l].SubVec(net.Biases[l], &scaledB)
		}
		return
	}

	o.t++
	c1 := 1 - math.Pow(o.beta1, float64(o.t))
	c2 := 1 - math.Pow(o.beta2, float64(o.t))

	for l := range net.Weights {
		r, c := net.Weights[l].Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				g := gradW[l].At(i, j)
				m := o.beta1*o.mW[l].At(i, j) + (1-o.beta1)*g
				v := o.beta2*o.vW[l].At(i, j) + (1-o.beta2)*g*g
				o.mW[l].Set(i, j, m)
				o.vW[l].Set(i, j, v)
				net.Weights[l].Set(i, j, net.Weights[l].At(i, j)-lr*(m/c1)/(math.Sqrt(v/c2)+o.eps))
			}
			g := gradB[l].AtVec(i)
			m := o.beta1*o.mB[l].AtVec(i) + (1-o.beta1)*g
			v := o.beta2*o.vB[l].AtVec(i) + (1-o.beta2)*g*g
			o.mB[l].SetVec(i, m)
			o.vB[l].SetVec(i, v)
			net.Biases[l].SetVec(i, net.Biases[l].AtVec(i)-lr*(m/c1)/(math.Sqrt(v/c2)+o.eps))
		}
	}
}
