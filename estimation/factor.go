package estimation

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Evaluation is the outcome of evaluating a factor at some parameter values. Residual is already
// whitened by the factor's square root information. Jacobians holds one matrix per parameter,
// with as many columns as the parameter's tangent dimension. An evaluation that is not Valid
// contributes nothing: its residual and jacobians are zero.
type Evaluation struct {
	Residual  *mat.VecDense
	Jacobians []*mat.Dense
	Valid     bool
}

// Factor is a measurement constraint over a fixed list of parameters.
type Factor interface {
	// ParamIDs lists the parameters the factor depends on, in the order Eval expects them.
	ParamIDs() []ParamID
	// Eval evaluates the factor. params[i] is the value of ParamIDs()[i]. Jacobians are left nil
	// when onlyResiduals is set.
	Eval(params [][]float64, onlyResiduals bool) Evaluation
	Covariance() *mat.Dense
	SqrtInfo() *mat.Dense
}

// Reprojector is implemented by the camera factors.
type Reprojector interface {
	// ReprojError is the unwhitened pixel error norm. The bool is false if the point does not project.
	ReprojError(params [][]float64) (float64, bool)
}

// factorBase holds what every factor carries.
type factorBase struct {
	paramIDs []ParamID
	covar    *mat.Dense
	sqrtInfo *mat.Dense
}

func newFactorBase(ids []ParamID, expected, residualSize int, covar *mat.Dense) (factorBase, error) {
	if len(ids) != expected {
		return factorBase{}, errors.Errorf("expected %d parameter ids, got %d", expected, len(ids))
	}
	if covar == nil {
		return factorBase{}, errors.New("missing covariance")
	}
	if r, c := covar.Dims(); r != residualSize || c != residualSize {
		return factorBase{}, errors.Errorf("expected %dx%d covariance, got %dx%d", residualSize, residualSize, r, c)
	}
	sqrtInfo, err := SqrtInfo(covar)
	if err != nil {
		return factorBase{}, err
	}
	out := make([]ParamID, len(ids))
	copy(out, ids)
	return factorBase{paramIDs: out, covar: covar, sqrtInfo: sqrtInfo}, nil
}

// ParamIDs returns the ids of the parameters the factor depends on.
func (f *factorBase) ParamIDs() []ParamID {
	return f.paramIDs
}

// Covariance returns the measurement covariance.
func (f *factorBase) Covariance() *mat.Dense {
	return f.covar
}

// SqrtInfo returns the square root information matrix.
func (f *factorBase) SqrtInfo() *mat.Dense {
	return f.sqrtInfo
}

// whiten returns sqrt_info * err.
func (f *factorBase) whiten(err *mat.VecDense) *mat.VecDense {
	r := mat.NewVecDense(err.Len(), nil)
	r.MulVec(f.sqrtInfo, err)
	return r
}

// whitenJacobian returns scale * sqrt_info * J.
func (f *factorBase) whitenJacobian(scale float64, J mat.Matrix) *mat.Dense {
	rows, _ := f.sqrtInfo.Dims()
	_, cols := J.Dims()
	out := mat.NewDense(rows, cols, nil)
	out.Mul(f.sqrtInfo, J)
	if scale != 1 {
		out.Scale(scale, out)
	}
	return out
}

// invalidEvaluation is the zero contribution of a factor that cannot be evaluated.
func invalidEvaluation(residualSize int, paramDims []int, onlyResiduals bool) Evaluation {
	eval := Evaluation{Residual: mat.NewVecDense(residualSize, nil)}
	if !onlyResiduals {
		eval.Jacobians = make([]*mat.Dense, len(paramDims))
		for i, d := range paramDims {
			eval.Jacobians[i] = mat.NewDense(residualSize, d, nil)
		}
	}
	return eval
}

// SqrtInfo returns the upper triangular square root of the information matrix, chol(cov^-1)^T,
// so that sqrt_info^T sqrt_info = cov^-1. A covariance that is not positive definite is
// decomposed by eigenvalues instead, with non-positive directions given a tiny variance.
func SqrtInfo(covar mat.Matrix) (*mat.Dense, error) {
	n, c := covar.Dims()
	if n != c {
		return nil, errors.Errorf("covariance must be square, got %dx%d", n, c)
	}
	sym := symmetrize(covar)

	var chol mat.Cholesky
	if ok := chol.Factorize(sym); ok {
		var info mat.SymDense
		if err := chol.InverseTo(&info); err == nil {
			var infoChol mat.Cholesky
			if ok := infoChol.Factorize(&info); ok {
				var L mat.TriDense
				infoChol.LTo(&L)
				out := mat.NewDense(n, n, nil)
				out.Copy(L.T())
				return out, nil
			}
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return nil, errors.New("cannot decompose covariance")
	}
	vals := eig.Values(nil)
	var V mat.Dense
	eig.VectorsTo(&V)

	const minVariance = 1e-12
	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		s := 1 / math.Sqrt(math.Max(vals[i], minVariance))
		for j := 0; j < n; j++ {
			out.Set(i, j, s*V.At(j, i))
		}
	}
	return out, nil
}

func symmetrize(m mat.Matrix) *mat.SymDense {
	n, _ := m.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	return sym
}

// mul returns the product of the given matrices, left to right.
func mul(ms ...mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(ms[0])
	for _, m := range ms[1:] {
		var next mat.Dense
		next.Mul(out, m)
		out = &next
	}
	return out
}

// augment returns [a | b].
func augment(a, b mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Augment(a, b)
	return &out
}

// scale returns s * m.
func scale(s float64, m mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Scale(s, m)
	return &out
}

// setBlock copies src into dst at (r, c).
func setBlock(dst *mat.Dense, r, c int, src mat.Matrix) {
	rows, cols := src.Dims()
	dst.Slice(r, r+rows, c, c+cols).(*mat.Dense).Copy(src)
}

// vec3 reads a 3-vector at offset i of v.
func vec3(v []float64, i int) r3.Vector {
	return r3.Vector{X: v[i], Y: v[i+1], Z: v[i+2]}
}
