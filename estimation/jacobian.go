package estimation

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultJacobianStep is the finite difference step of CheckJacobian.
	DefaultJacobianStep = 1e-8
	// DefaultJacobianThreshold is the largest tolerated element difference of CheckJacobian.
	DefaultJacobianThreshold = 1e-4
)

func paramValues(params []*StateVariable) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = p.Value
	}
	return out
}

// NumericalJacobian approximates the jacobian of f with respect to params[idx] by central
// differences in the tangent space.
func NumericalJacobian(f Factor, params []*StateVariable, idx int, step float64) *mat.Dense {
	values := paramValues(params)
	p := params[idx]
	dim := p.TangentDim()
	res := f.Eval(values, true).Residual
	out := mat.NewDense(res.Len(), dim, nil)

	trial := make([][]float64, len(values))
	copy(trial, values)
	for j := 0; j < dim; j++ {
		trial[idx] = perturbed(p.Kind, p.Value, j, step)
		fwd := f.Eval(trial, true).Residual
		trial[idx] = perturbed(p.Kind, p.Value, j, -step)
		bwd := f.Eval(trial, true).Residual
		for i := 0; i < res.Len(); i++ {
			out.Set(i, j, (fwd.AtVec(i)-bwd.AtVec(i))/(2*step))
		}
	}
	return out
}

// CheckJacobian compares the analytic jacobians of f at params against central differences. A
// non-positive step or threshold selects the default.
func CheckJacobian(f Factor, params []*StateVariable, step, threshold float64) error {
	if step <= 0 {
		step = DefaultJacobianStep
	}
	if threshold <= 0 {
		threshold = DefaultJacobianThreshold
	}
	if len(params) != len(f.ParamIDs()) {
		return errors.Errorf("factor expects %d parameters, got %d", len(f.ParamIDs()), len(params))
	}
	eval := f.Eval(paramValues(params), false)
	if !eval.Valid {
		return errors.New("factor evaluation is not valid at the given parameters")
	}

	var errs error
	for idx := range params {
		fd := NumericalJacobian(f, params, idx, step)
		analytic := eval.Jacobians[idx]
		if r, c := analytic.Dims(); r != fd.RawMatrix().Rows || c != fd.RawMatrix().Cols {
			errs = multierr.Append(errs, errors.Errorf("jacobian %d is %dx%d, expected %dx%d",
				idx, r, c, fd.RawMatrix().Rows, fd.RawMatrix().Cols))
			continue
		}
		var diff mat.Dense
		diff.Sub(analytic, fd)
		maxDiff := 0.0
		for _, v := range diff.RawMatrix().Data {
			maxDiff = math.Max(maxDiff, math.Abs(v))
		}
		if maxDiff > threshold {
			errs = multierr.Append(errs, errors.Errorf("jacobian %d (%s) differs from finite differences by %g",
				idx, params[idx].Kind, maxDiff))
		}
	}
	return errs
}
