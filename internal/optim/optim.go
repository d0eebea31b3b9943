// Package optim applies gradient updates to model parameters.
package optim

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"epochforge/internal/model"
)

// ErrLearningRate is returned when an optimizer is configured with lr <= 0.
var ErrLearningRate = errors.New("optim: learning rate must be > 0")

// Optimizer consumes the gradients stored on params and updates their values.
type Optimizer interface {
	Step(params []*model.Param) error
}

// SGD is plain stochastic gradient descent.
type SGD struct {
	LR float64
}

// Step applies value -= lr * grad to every parameter.
func (o *SGD) Step(params []*model.Param) error {
	if o.LR <= 0 || math.IsNaN(o.LR) {
		return ErrLearningRate
	}
	for _, p := range params {
		if err := checkParam(p); err != nil {
			return err
		}
		p.Value.Apply(func(i, j int, v float64) float64 {
			return v - o.LR*p.Grad.At(i, j)
		}, p.Value)
	}
	return nil
}

// Adam implements the Adam update rule with bias correction.
type Adam struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64

	t     int
	state map[*model.Param]*moments
}

type moments struct {
	m *mat.Dense
	v *mat.Dense
}

// NewAdam returns Adam with the usual defaults (0.9, 0.999, 1e-8).
func NewAdam(lr float64) *Adam {
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Step performs one Adam update over params.
func (o *Adam) Step(params []*model.Param) error {
	if o.LR <= 0 || math.IsNaN(o.LR) {
		return ErrLearningRate
	}
	for _, p := range params {
		if err := checkParam(p); err != nil {
			return err
		}
	}
	if o.state == nil {
		o.state = make(map[*model.Param]*moments)
	}
	o.t++
	c1 := 1 - math.Pow(o.Beta1, float64(o.t))
	c2 := 1 - math.Pow(o.Beta2, float64(o.t))

	for _, p := range params {
		st, ok := o.state[p]
		if !ok {
			r, c := p.Value.Dims()
			st = &moments{m: mat.NewDense(r, c, nil), v: mat.NewDense(r, c, nil)}
			o.state[p] = st
		}
		rows, cols := p.Value.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				g := p.Grad.At(i, j)
				m := o.Beta1*st.m.At(i, j) + (1-o.Beta1)*g
				v := o.Beta2*st.v.At(i, j) + (1-o.Beta2)*g*g
				st.m.Set(i, j, m)
				st.v.Set(i, j, v)
				step := o.LR * (m / c1) / (math.Sqrt(v/c2) + o.Epsilon)
				p.Value.Set(i, j, p.Value.At(i, j)-step)
			}
		}
	}
	return nil
}

func checkParam(p *model.Param) error {
	if p == nil || p.Value == nil || p.Grad == nil {
		return errors.New("optim: parameter without value or gradient")
	}
	vr, vc := p.Value.Dims()
	gr, gc := p.Grad.Dims()
	if vr != gr || vc != gc {
		return fmt.Errorf("optim: %s gradient is %dx%d, value is %dx%d", p.Name, gr, gc, vr, vc)
	}
	return nil
}
