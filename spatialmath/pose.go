package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// PoseVectorSize is the length of a pose parameter vector [rx ry rz qx qy qz qw].
const PoseVectorSize = 7

// PoseTangentSize is the dimension of the pose tangent space [dr dtheta].
const PoseTangentSize = 6

// Pose is a rigid transform T_AB taking points expressed in frame B into frame A.
type Pose struct {
	Trans r3.Vector
	Rot   quat.Number
}

// IdentityPose returns the identity transform.
func IdentityPose() Pose {
	return Pose{Rot: QuatIdentity}
}

// NewPose builds a pose from a translation and a rotation. The rotation is normalized.
func NewPose(trans r3.Vector, rot quat.Number) Pose {
	return Pose{Trans: trans, Rot: QuatNormalize(rot)}
}

// NewPoseFromRotation builds a pose from a 3x3 rotation matrix and a translation.
func NewPoseFromRotation(C mat.Matrix, trans r3.Vector) Pose {
	return Pose{Trans: trans, Rot: RotToQuat(C)}
}

// NewPoseFromMatrix builds a pose from a 4x4 homogeneous transform.
func NewPoseFromMatrix(T mat.Matrix) Pose {
	C := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			C.Set(i, j, T.At(i, j))
		}
	}
	return NewPoseFromRotation(C, r3.Vector{X: T.At(0, 3), Y: T.At(1, 3), Z: T.At(2, 3)})
}

// PoseFromVector reads a pose from a [rx ry rz qx qy qz qw] slice.
func PoseFromVector(v []float64) Pose {
	return Pose{
		Trans: r3.Vector{X: v[0], Y: v[1], Z: v[2]},
		Rot:   quat.Number{Real: v[6], Imag: v[3], Jmag: v[4], Kmag: v[5]},
	}
}

// Vector returns the pose as a [rx ry rz qx qy qz qw] slice.
func (p Pose) Vector() []float64 {
	return []float64{p.Trans.X, p.Trans.Y, p.Trans.Z, p.Rot.Imag, p.Rot.Jmag, p.Rot.Kmag, p.Rot.Real}
}

// Point returns the translation component.
func (p Pose) Point() r3.Vector {
	return p.Trans
}

// Quaternion returns the rotation component.
func (p Pose) Quaternion() quat.Number {
	return p.Rot
}

// RotationMatrix returns the rotation component as a 3x3 matrix.
func (p Pose) RotationMatrix() *mat.Dense {
	return QuatToRot(p.Rot)
}

// Matrix returns the 4x4 homogeneous transform.
func (p Pose) Matrix() *mat.Dense {
	C := p.RotationMatrix()
	T := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			T.Set(i, j, C.At(i, j))
		}
	}
	T.Set(0, 3, p.Trans.X)
	T.Set(1, 3, p.Trans.Y)
	T.Set(2, 3, p.Trans.Z)
	T.Set(3, 3, 1)
	return T
}

// Inverse returns T_BA for T_AB.
func (p Pose) Inverse() Pose {
	qInv := QuatInv(QuatNormalize(p.Rot))
	return Pose{Trans: QuatRotate(qInv, p.Trans).Mul(-1), Rot: qInv}
}

// Compose returns p * other, i.e. T_AC = T_AB * T_BC.
func (p Pose) Compose(other Pose) Pose {
	return Pose{
		Trans: p.Trans.Add(QuatRotate(p.Rot, other.Trans)),
		Rot:   QuatNormalize(QuatMul(p.Rot, other.Rot)),
	}
}

// TransformPoint maps a point expressed in frame B into frame A.
func (p Pose) TransformPoint(pt r3.Vector) r3.Vector {
	return QuatRotate(p.Rot, pt).Add(p.Trans)
}

// Update applies a tangent step dx = [dr dtheta]: r += dr, q = q * dq(dtheta).
func (p Pose) Update(dx []float64) Pose {
	dr := r3.Vector{X: dx[0], Y: dx[1], Z: dx[2]}
	dtheta := r3.Vector{X: dx[3], Y: dx[4], Z: dx[5]}
	return Pose{
		Trans: p.Trans.Add(dr),
		Rot:   QuatNormalize(QuatMul(p.Rot, QuatDelta(dtheta))),
	}
}

// Perturb steps the i-th tangent coordinate (0-2 translation, 3-5 rotation) by h.
func (p Pose) Perturb(i int, h float64) Pose {
	dx := make([]float64, PoseTangentSize)
	dx[i] = h
	return p.Update(dx)
}

// PoseLerp linearly interpolates the translation and slerps the rotation between a (alpha=0) and
// b (alpha=1).
func PoseLerp(a, b Pose, alpha float64) Pose {
	return Pose{
		Trans: a.Trans.Mul(1 - alpha).Add(b.Trans.Mul(alpha)),
		Rot:   QuatSlerp(a.Rot, b.Rot, alpha),
	}
}

// PoseAlmostEqual compares translations and rotations element-wise with tolerance tol.
func PoseAlmostEqual(a, b Pose, tol float64) bool {
	d := a.Trans.Sub(b.Trans)
	if math.Abs(d.X) > tol || math.Abs(d.Y) > tol || math.Abs(d.Z) > tol {
		return false
	}
	return QuaternionAlmostEqual(a.Rot, b.Rot, tol)
}

// PoseDelta returns the translation and rotation error between a and b, the rotation error in
// radians.
func PoseDelta(a, b Pose) (float64, float64) {
	dq := QuatMul(QuatInv(a.Rot), b.Rot)
	return a.Trans.Sub(b.Trans).Norm(), Log(QuatToRot(dq)).Norm()
}
