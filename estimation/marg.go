package estimation

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/chutsu/proto/spatialmath"
)

// eigenvalues below this are treated as zero when inverting or decomposing a hessian.
const eigenClamp = 1e-12

func symEigen(m mat.Matrix) ([]float64, *mat.Dense, error) {
	var eig mat.EigenSym
	if ok := eig.Factorize(symmetrize(m), true); !ok {
		return nil, nil, errors.New("eigen decomposition failed")
	}
	var V mat.Dense
	eig.VectorsTo(&V)
	return eig.Values(nil), &V, nil
}

// pseudoInverse inverts a symmetric matrix with small eigenvalues zeroed.
func pseudoInverse(m mat.Matrix) (*mat.Dense, error) {
	w, V, err := symEigen(m)
	if err != nil {
		return nil, err
	}
	n := len(w)
	inv := mat.NewDiagDense(n, nil)
	for i, wi := range w {
		if wi >= eigenClamp {
			inv.SetDiag(i, 1/wi)
		}
	}
	return mul(V, inv, V.T()), nil
}

// SchurComplement marginalizes the first m variables out of the linear system H dx = g. It
// returns Hrr - Hrm Hmm^+ Hmr and gr - Hrm Hmm^+ gm, where Hmm^+ is the pseudo inverse of Hmm.
func SchurComplement(H mat.Matrix, g mat.Vector, m int) (*mat.Dense, *mat.VecDense, error) {
	n, c := H.Dims()
	if n != c || g.Len() != n {
		return nil, nil, errors.Errorf("bad system dimensions: H %dx%d, g %d", n, c, g.Len())
	}
	if m <= 0 || m >= n {
		return nil, nil, errors.Errorf("cannot marginalize %d of %d variables", m, n)
	}
	Hd := mat.DenseCopyOf(H)
	Hmm := Hd.Slice(0, m, 0, m)
	Hmr := Hd.Slice(0, m, m, n)
	Hrm := Hd.Slice(m, n, 0, m)
	Hrr := Hd.Slice(m, n, m, n)

	gd := mat.VecDenseCopyOf(g)
	gm := gd.SliceVec(0, m)
	gr := gd.SliceVec(m, n)

	HmmInv, err := pseudoInverse(Hmm)
	if err != nil {
		return nil, nil, err
	}
	HrmHmmInv := mul(Hrm, HmmInv)

	Hmarg := mat.DenseCopyOf(Hrr)
	Hmarg.Sub(Hmarg, mul(HrmHmmInv, Hmr))

	var gmarg mat.VecDense
	gmarg.MulVec(HrmHmmInv, gm)
	gmarg.SubVec(gr, &gmarg)
	return Hmarg, &gmarg, nil
}

// DecompHessian factors a symmetric positive semi-definite H into E^T E with E = sqrt(L) V^T.
func DecompHessian(H mat.Matrix) (*mat.Dense, error) {
	w, V, err := symEigen(H)
	if err != nil {
		return nil, err
	}
	n := len(w)
	sqrtL := mat.NewDiagDense(n, nil)
	for i, wi := range w {
		if wi >= eigenClamp {
			sqrtL.SetDiag(i, math.Sqrt(wi))
		}
	}
	return mul(sqrtL, V.T()), nil
}

// MargFactor is the linear prior left behind by marginalizing variables out of a problem. It
// holds the remaining variables' values at linearization and evaluates r = r0 + E dx.
type MargFactor struct {
	factorBase
	kinds []ParamKind
	x0    [][]float64
	E     *mat.Dense
	r0    *mat.VecDense
}

// NewMargFactor builds the prior from the marginalized system Hmarg dx = gmarg over params, whose
// values are taken as the linearization point. The parameter order must match the system's.
func NewMargFactor(params []*StateVariable, Hmarg mat.Matrix, gmarg mat.Vector) (*MargFactor, error) {
	n := 0
	ids := make([]ParamID, len(params))
	kinds := make([]ParamKind, len(params))
	x0 := make([][]float64, len(params))
	for i, p := range params {
		ids[i] = p.ID
		kinds[i] = p.Kind
		x0[i] = p.Clone().Value
		n += p.TangentDim()
	}
	if r, c := Hmarg.Dims(); r != n || c != n || gmarg.Len() != n {
		return nil, errors.Errorf("marginal system must be %dx%d, got %dx%d", n, n, r, c)
	}
	if n == 0 {
		return nil, errors.New("marginalization factor needs at least one parameter")
	}

	E, err := DecompHessian(Hmarg)
	if err != nil {
		return nil, err
	}

	// E^T r0 = -g, so r0 = -sqrt(L)^+ V^T g.
	w, V, err := symEigen(Hmarg)
	if err != nil {
		return nil, err
	}
	invSqrtL := mat.NewDiagDense(n, nil)
	for i, wi := range w {
		if wi >= eigenClamp {
			invSqrtL.SetDiag(i, 1/math.Sqrt(wi))
		}
	}
	r0 := mat.NewVecDense(n, nil)
	r0.MulVec(mul(invSqrtL, V.T()), gmarg)
	r0.ScaleVec(-1, r0)

	base := factorBase{paramIDs: ids, covar: spatialmath.Eye(n), sqrtInfo: spatialmath.Eye(n)}
	return &MargFactor{factorBase: base, kinds: kinds, x0: x0, E: E, r0: r0}, nil
}

// Eval returns r0 + E dx, where dx is the tangent difference to the linearization point.
func (f *MargFactor) Eval(params [][]float64, onlyResiduals bool) Evaluation {
	n, _ := f.E.Dims()
	dx := mat.NewVecDense(n, nil)
	offset := 0
	for i, v := range params {
		d := tangentDelta(f.kinds[i], v, f.x0[i])
		for j, dj := range d {
			dx.SetVec(offset+j, dj)
		}
		offset += len(d)
	}
	r := mat.NewVecDense(n, nil)
	r.MulVec(f.E, dx)
	r.AddVec(r, f.r0)

	eval := Evaluation{Residual: r, Valid: true}
	if onlyResiduals {
		return eval
	}
	offset = 0
	for i, v := range params {
		d := tangentDim(f.kinds[i], len(v))
		eval.Jacobians = append(eval.Jacobians, mat.DenseCopyOf(f.E.Slice(0, n, offset, offset+d)))
		offset += d
	}
	return eval
}

// tangentDelta is the local difference value - ref. Poses use 2 Im(q_ref^-1 q).
func tangentDelta(kind ParamKind, value, ref []float64) []float64 {
	switch kind {
	case PoseKind, ExtrinsicsKind:
		a := spatialmath.PoseFromVector(value)
		b := spatialmath.PoseFromVector(ref)
		dr := a.Trans.Sub(b.Trans)
		dtheta := spatialmath.QuatVec(spatialmath.QuatMul(spatialmath.QuatInv(b.Rot), a.Rot)).Mul(2)
		return []float64{dr.X, dr.Y, dr.Z, dtheta.X, dtheta.Y, dtheta.Z}
	default:
		out := make([]float64, len(value))
		for i := range value {
			out[i] = value[i] - ref[i]
		}
		return out
	}
}
