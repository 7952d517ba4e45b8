package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// All quaternions are Hamilton, stored as quat.Number{Real: w, Imag: x, Jmag: y, Kmag: z}. The
// 4x4 product matrices below act on the [w x y z] layout.

// QuatIdentity is the identity rotation.
var QuatIdentity = quat.Number{Real: 1}

// QuatLeft returns L(q) such that q * p = L(q) [p].
func QuatLeft(q quat.Number) *mat.Dense {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(4, 4, []float64{
		w, -x, -y, -z,
		x, w, -z, y,
		y, z, w, -x,
		z, -y, x, w,
	})
}

// QuatRight returns R(p) such that q * p = R(p) [q].
func QuatRight(p quat.Number) *mat.Dense {
	w, x, y, z := p.Real, p.Imag, p.Jmag, p.Kmag
	return mat.NewDense(4, 4, []float64{
		w, -x, -y, -z,
		x, w, z, -y,
		y, -z, w, x,
		z, y, -x, w,
	})
}

// QuatMul returns the Hamilton product a * b.
func QuatMul(a, b quat.Number) quat.Number {
	return quat.Mul(a, b)
}

// QuatInv returns the inverse of a unit quaternion.
func QuatInv(q quat.Number) quat.Number {
	return quat.Conj(q)
}

// QuatNormalize scales q to unit length.
func QuatNormalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return QuatIdentity
	}
	return quat.Scale(1/n, q)
}

// QuatVec returns the imaginary part of q.
func QuatVec(q quat.Number) r3.Vector {
	return r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
}

// QuatDelta builds the quaternion for a small rotation vector dalpha. It is the identity at zero.
func QuatDelta(dalpha r3.Vector) quat.Number {
	half := dalpha.Norm() / 2
	if half == 0 {
		return QuatIdentity
	}
	// sin(|a|/2) / |a|
	s := math.Sin(half) / (2 * half)
	return quat.Number{
		Real: math.Cos(half),
		Imag: s * dalpha.X,
		Jmag: s * dalpha.Y,
		Kmag: s * dalpha.Z,
	}
}

// QuatRotate rotates v by q.
func QuatRotate(q quat.Number, v r3.Vector) r3.Vector {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	return QuatVec(quat.Mul(quat.Mul(q, p), quat.Conj(q)))
}

// QuatIntegrate applies a body rate w over dt to q (zeroth order).
func QuatIntegrate(q quat.Number, w r3.Vector, dt float64) quat.Number {
	return QuatNormalize(quat.Mul(q, QuatDelta(w.Mul(dt))))
}

// QuatSlerp spherically interpolates between q0 (t=0) and q1 (t=1) along the shorter arc.
func QuatSlerp(q0, q1 quat.Number, t float64) quat.Number {
	q0 = QuatNormalize(q0)
	q1 = QuatNormalize(q1)
	dot := q0.Real*q1.Real + q0.Imag*q1.Imag + q0.Jmag*q1.Jmag + q0.Kmag*q1.Kmag
	if dot < 0 {
		q1 = Flip(q1)
		dot = -dot
	}
	if dot > 0.9995 {
		return QuatNormalize(quat.Add(q0, quat.Scale(t, quat.Sub(q1, q0))))
	}

	theta0 := math.Acos(dot)
	theta := theta0 * t
	s0 := math.Cos(theta) - dot*math.Sin(theta)/math.Sin(theta0)
	s1 := math.Sin(theta) / math.Sin(theta0)
	return QuatNormalize(quat.Add(quat.Scale(s0, q0), quat.Scale(s1, q1)))
}

// Flip will multiply a quaternion by -1, returning a quaternion representing the same orientation but in the opposing octant.
func Flip(q quat.Number) quat.Number {
	return quat.Number{Real: -q.Real, Imag: -q.Imag, Jmag: -q.Jmag, Kmag: -q.Kmag}
}

// QuaternionAlmostEqual is an equality test for two quaternions, where q and -q are the same rotation.
func QuaternionAlmostEqual(a, b quat.Number, tol float64) bool {
	near := func(p, q quat.Number) bool {
		return math.Abs(p.Real-q.Real) < tol &&
			math.Abs(p.Imag-q.Imag) < tol &&
			math.Abs(p.Jmag-q.Jmag) < tol &&
			math.Abs(p.Kmag-q.Kmag) < tol
	}
	return near(a, b) || near(a, Flip(b))
}

// QuatToVec4 returns q as a column vector in [w x y z] order.
func QuatToVec4(q quat.Number) *mat.VecDense {
	return mat.NewVecDense(4, []float64{q.Real, q.Imag, q.Jmag, q.Kmag})
}
