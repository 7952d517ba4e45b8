package estimation

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/chutsu/proto/spatialmath"
)

// Offsets into the 15 dimensional error state [dr dv dtheta ba bg].
const (
	imuStateSize = 15
	errPos       = 0
	errVel       = 3
	errRot       = 6
	errBA        = 9
	errBG        = 12
)

const nanosToSeconds = 1e-9

// ImuFactor is a preintegrated IMU measurement between two consecutive poses, over
// [pose_i, sb_i, pose_j, sb_j].
type ImuFactor struct {
	factorBase
	Params ImuParams

	// StateF is the error state jacobian of the preintegrated deltas.
	StateF *mat.Dense
	// StateP is the propagated covariance and the factor covariance.
	StateP *mat.Dense

	dr      r3.Vector
	dv      r3.Vector
	dC      *mat.Dense
	dq      quat.Number
	ba      r3.Vector
	bg      r3.Vector
	gravity r3.Vector
	dt      float64
}

// NewImuFactor preintegrates buf starting from the biases of sbI. The buffer must hold at least
// two samples.
func NewImuFactor(ids []ParamID, params ImuParams, buf *ImuBuffer, sbI *StateVariable) (*ImuFactor, error) {
	if buf == nil || buf.Len() < 2 {
		return nil, errors.New("imu factor needs at least two samples")
	}
	if sbI == nil || sbI.Kind != SpeedBiasesKind {
		return nil, errors.New("imu factor needs a speed and biases variable")
	}
	f := &ImuFactor{Params: params, gravity: params.GravityVector()}
	f.propagate(buf, sbI.Value)

	base, err := newFactorBase(ids, 4, imuStateSize, f.StateP)
	if err != nil {
		return nil, err
	}
	f.factorBase = base
	return f, nil
}

// Dt returns the integration period in seconds.
func (f *ImuFactor) Dt() float64 {
	return f.dt
}

// Deltas returns the preintegrated relative position, velocity and rotation.
func (f *ImuFactor) Deltas() (r3.Vector, r3.Vector, *mat.Dense) {
	return f.dr, f.dv, mat.DenseCopyOf(f.dC)
}

// Predict composes the preintegrated deltas onto the pose and velocity at i.
func (f *ImuFactor) Predict(poseI spatialmath.Pose, vI r3.Vector) (spatialmath.Pose, r3.Vector) {
	Ci := poseI.RotationMatrix()
	Dt := f.dt
	rJ := poseI.Trans.
		Add(vI.Mul(Dt)).
		Sub(f.gravity.Mul(0.5 * Dt * Dt)).
		Add(spatialmath.MatVec(Ci, f.dr))
	vJ := vI.Sub(f.gravity.Mul(Dt)).Add(spatialmath.MatVec(Ci, f.dv))
	return spatialmath.NewPose(rJ, spatialmath.QuatMul(poseI.Rot, f.dq)), vJ
}

func (f *ImuFactor) propagate(buf *ImuBuffer, sbI []float64) {
	f.ba = vec3(sbI, 3)
	f.bg = vec3(sbI, 6)

	Q := mat.NewDense(12, 12, nil)
	for i := 0; i < 3; i++ {
		Q.Set(i, i, f.Params.NoiseAcc*f.Params.NoiseAcc)
		Q.Set(3+i, 3+i, f.Params.NoiseGyr*f.Params.NoiseGyr)
		Q.Set(6+i, 6+i, f.Params.NoiseBA*f.Params.NoiseBA)
		Q.Set(9+i, 9+i, f.Params.NoiseBG*f.Params.NoiseBG)
	}

	stateF := spatialmath.Eye(imuStateSize)
	stateP := mat.NewDense(imuStateSize, imuStateSize, nil)
	dr, dv := r3.Vector{}, r3.Vector{}
	dC := spatialmath.Eye(3)
	Dt := 0.0

	samples := buf.Samples()
	for k := 0; k < len(samples)-1; k++ {
		dt := float64(samples[k+1].Timestamp-samples[k].Timestamp) * nanosToSeconds
		acc := samples[k].Acc.Sub(f.ba)
		gyr := samples[k].Gyr.Sub(f.bg)

		dCacc := spatialmath.MatVec(dC, acc)
		dr = dr.Add(dv.Mul(dt)).Add(dCacc.Mul(0.5 * dt * dt))
		dv = dv.Add(dCacc.Mul(dt))
		dC = spatialmath.QuatToRot(spatialmath.RotToQuat(mul(dC, spatialmath.Exp(gyr.Mul(dt)))))

		F := mat.NewDense(imuStateSize, imuStateSize, nil)
		setBlock(F, errPos, errVel, spatialmath.Eye(3))
		setBlock(F, errVel, errRot, scale(-1, mul(dC, spatialmath.Skew(acc))))
		setBlock(F, errVel, errBA, scale(-1, dC))
		setBlock(F, errRot, errRot, scale(-1, spatialmath.Skew(gyr)))
		setBlock(F, errRot, errBG, scale(-1, spatialmath.Eye(3)))

		G := mat.NewDense(imuStateSize, 12, nil)
		setBlock(G, errVel, 0, scale(-1, dC))
		setBlock(G, errRot, 3, scale(-1, spatialmath.Eye(3)))
		setBlock(G, errBA, 6, spatialmath.Eye(3))
		setBlock(G, errBG, 9, spatialmath.Eye(3))

		phi := spatialmath.Eye(imuStateSize)
		phi.Add(phi, scale(dt, F))
		Gdt := scale(dt, G)

		stateF = mul(phi, stateF)
		next := mul(phi, stateP, phi.T())
		next.Add(next, mul(Gdt, Q, Gdt.T()))
		stateP = next
		Dt += dt
	}

	f.StateF = stateF
	f.StateP = mat.DenseCopyOf(symmetrize(stateP))
	f.dr = dr
	f.dv = dv
	f.dC = dC
	f.dq = spatialmath.RotToQuat(dC)
	f.dt = Dt
}

// Eval evaluates the position, velocity, rotation and bias random walk residuals.
func (f *ImuFactor) Eval(params [][]float64, onlyResiduals bool) Evaluation {
	poseI := spatialmath.PoseFromVector(params[0])
	poseJ := spatialmath.PoseFromVector(params[2])
	sbI, sbJ := params[1], params[3]
	rI, rJ := poseI.Trans, poseJ.Trans
	vI, vJ := vec3(sbI, 0), vec3(sbJ, 0)
	baI, bgI := vec3(sbI, 3), vec3(sbI, 6)
	baJ, bgJ := vec3(sbJ, 3), vec3(sbJ, 6)
	CiT := poseI.RotationMatrix().T()

	// First order bias correction.
	drDba := f.StateF.Slice(errPos, errPos+3, errBA, errBA+3)
	drDbg := f.StateF.Slice(errPos, errPos+3, errBG, errBG+3)
	dvDba := f.StateF.Slice(errVel, errVel+3, errBA, errBA+3)
	dvDbg := f.StateF.Slice(errVel, errVel+3, errBG, errBG+3)
	dqDbg := f.StateF.Slice(errRot, errRot+3, errBG, errBG+3)
	dba := baI.Sub(f.ba)
	dbg := bgI.Sub(f.bg)
	dr := f.dr.Add(spatialmath.MatVec(drDba, dba)).Add(spatialmath.MatVec(drDbg, dbg))
	dv := f.dv.Add(spatialmath.MatVec(dvDba, dba)).Add(spatialmath.MatVec(dvDbg, dbg))
	phi := spatialmath.MatVec(dqDbg, dbg)
	dq := spatialmath.QuatMul(f.dq, spatialmath.QuatDelta(phi))

	Dt := f.dt
	g := f.gravity
	drMeas := spatialmath.MatVec(CiT, rJ.Sub(rI).Sub(vI.Mul(Dt)).Add(g.Mul(0.5*Dt*Dt)))
	dvMeas := spatialmath.MatVec(CiT, vJ.Sub(vI).Add(g.Mul(Dt)))

	qIJ := spatialmath.QuatMul(spatialmath.QuatInv(poseI.Rot), poseJ.Rot)
	e := spatialmath.QuatMul(spatialmath.QuatInv(dq), qIJ)

	errPosV := drMeas.Sub(dr)
	errVelV := dvMeas.Sub(dv)
	errRotV := spatialmath.QuatVec(e).Mul(2)
	errBAV := baJ.Sub(baI)
	errBGV := bgJ.Sub(bgI)

	err := mat.NewVecDense(imuStateSize, nil)
	for i, v := range []r3.Vector{errPosV, errVelV, errRotV, errBAV, errBGV} {
		err.SetVec(3*i, v.X)
		err.SetVec(3*i+1, v.Y)
		err.SetVec(3*i+2, v.Z)
	}
	eval := Evaluation{Residual: f.whiten(err), Valid: true}
	if onlyResiduals {
		return eval
	}

	I3 := spatialmath.Eye(3)

	// pose i
	J0 := mat.NewDense(imuStateSize, 6, nil)
	setBlock(J0, errPos, 0, scale(-1, CiT))
	setBlock(J0, errPos, 3, spatialmath.Skew(drMeas))
	setBlock(J0, errVel, 3, spatialmath.Skew(dvMeas))
	lr := mul(spatialmath.QuatLeft(spatialmath.QuatInv(dq)), spatialmath.QuatRight(qIJ))
	setBlock(J0, errRot, 3, scale(-1, lr.Slice(1, 4, 1, 4)))

	// speed and biases i
	J1 := mat.NewDense(imuStateSize, speedBiasesSize, nil)
	setBlock(J1, errPos, 0, scale(-Dt, CiT))
	setBlock(J1, errPos, 3, scale(-1, drDba))
	setBlock(J1, errPos, 6, scale(-1, drDbg))
	setBlock(J1, errVel, 0, scale(-1, CiT))
	setBlock(J1, errVel, 3, scale(-1, dvDba))
	setBlock(J1, errVel, 6, scale(-1, dvDbg))
	Re := spatialmath.QuatRight(e).Slice(1, 4, 1, 4)
	setBlock(J1, errRot, 6, scale(-1, mul(Re, spatialmath.Jr(phi), dqDbg)))
	setBlock(J1, errBA, 3, scale(-1, I3))
	setBlock(J1, errBG, 6, scale(-1, I3))

	// pose j
	J2 := mat.NewDense(imuStateSize, 6, nil)
	setBlock(J2, errPos, 0, CiT)
	setBlock(J2, errRot, 3, spatialmath.QuatLeft(e).Slice(1, 4, 1, 4))

	// speed and biases j
	J3 := mat.NewDense(imuStateSize, speedBiasesSize, nil)
	setBlock(J3, errVel, 0, CiT)
	setBlock(J3, errBA, 3, I3)
	setBlock(J3, errBG, 6, I3)

	eval.Jacobians = []*mat.Dense{
		f.whitenJacobian(1, J0),
		f.whitenJacobian(1, J1),
		f.whitenJacobian(1, J2),
		f.whitenJacobian(1, J3),
	}
	return eval
}
