package estimation

import (
	"gonum.org/v1/gonum/mat"

	"github.com/chutsu/proto/spatialmath"
)

// PoseFactor is a prior on a single pose parameter.
type PoseFactor struct {
	factorBase
	Measured spatialmath.Pose
}

// NewPoseFactor constrains pose pid towards measured. A nil covariance is the identity.
func NewPoseFactor(pid ParamID, measured spatialmath.Pose, covar *mat.Dense) (*PoseFactor, error) {
	if covar == nil {
		covar = spatialmath.Eye(spatialmath.PoseTangentSize)
	}
	base, err := newFactorBase([]ParamID{pid}, 1, spatialmath.PoseTangentSize, covar)
	if err != nil {
		return nil, err
	}
	return &PoseFactor{factorBase: base, Measured: measured}, nil
}

// Eval returns [r_meas - r_est; 2 Im(q_meas^-1 * q_est)].
func (f *PoseFactor) Eval(params [][]float64, onlyResiduals bool) Evaluation {
	est := spatialmath.PoseFromVector(params[0])
	dr := f.Measured.Trans.Sub(est.Trans)
	dq := spatialmath.QuatMul(spatialmath.QuatInv(f.Measured.Rot), est.Rot)
	dtheta := spatialmath.QuatVec(dq).Mul(2)

	err := mat.NewVecDense(6, []float64{dr.X, dr.Y, dr.Z, dtheta.X, dtheta.Y, dtheta.Z})
	eval := Evaluation{Residual: f.whiten(err), Valid: true}
	if onlyResiduals {
		return eval
	}

	J := mat.NewDense(6, 6, nil)
	for i := 0; i < 3; i++ {
		J.Set(i, i, -1)
	}
	L := spatialmath.QuatLeft(dq)
	J.Slice(3, 6, 3, 6).(*mat.Dense).Copy(L.Slice(1, 4, 1, 4))
	eval.Jacobians = []*mat.Dense{f.whitenJacobian(1, J)}
	return eval
}
