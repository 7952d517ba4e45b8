// Package spatialmath defines the rotation, quaternion and rigid transform helpers shared by the
// camera models, factors and tracker.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

const (
	expSmallAngle = 1e-3
	jrSmallAngle  = 1e-8
)

// Eye returns an n x n identity matrix.
func Eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// R3ToVec copies an r3.Vector into a 3 element column vector.
func R3ToVec(v r3.Vector) *mat.VecDense {
	return mat.NewVecDense(3, []float64{v.X, v.Y, v.Z})
}

// VecToR3 reads the first three elements of v.
func VecToR3(v mat.Vector) r3.Vector {
	return r3.Vector{X: v.AtVec(0), Y: v.AtVec(1), Z: v.AtVec(2)}
}

// SliceToR3 reads the first three elements of s.
func SliceToR3(s []float64) r3.Vector {
	return r3.Vector{X: s[0], Y: s[1], Z: s[2]}
}

// MatVec returns m*v for a 3x3 matrix m.
func MatVec(m mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: m.At(0, 0)*v.X + m.At(0, 1)*v.Y + m.At(0, 2)*v.Z,
		Y: m.At(1, 0)*v.X + m.At(1, 1)*v.Y + m.At(1, 2)*v.Z,
		Z: m.At(2, 0)*v.X + m.At(2, 1)*v.Y + m.At(2, 2)*v.Z,
	}
}

// Skew returns the skew symmetric matrix [v]x such that [v]x * u = v cross u.
func Skew(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}

// SkewInv recovers v from a skew symmetric matrix [v]x.
func SkewInv(m mat.Matrix) r3.Vector {
	return r3.Vector{X: m.At(2, 1), Y: m.At(0, 2), Z: m.At(1, 0)}
}

// Exp maps a rotation vector to a rotation matrix (Rodrigues' formula).
func Exp(phi r3.Vector) *mat.Dense {
	norm := phi.Norm()
	if norm < expSmallAngle {
		C := Eye(3)
		C.Add(C, Skew(phi))
		return C
	}

	axis := phi.Mul(1 / norm)
	cphi := math.Cos(norm)
	sphi := math.Sin(norm)

	a := R3ToVec(axis)
	aaT := mat.NewDense(3, 3, nil)
	aaT.Outer(1-cphi, a, a)

	C := Eye(3)
	C.Scale(cphi, C)
	C.Add(C, aaT)

	s := Skew(axis)
	s.Scale(sphi, s)
	C.Add(C, s)
	return C
}

// Log maps a rotation matrix to its rotation vector.
func Log(C mat.Matrix) r3.Vector {
	tr := C.At(0, 0) + C.At(1, 1) + C.At(2, 2)

	// Rotation by pi: the axis comes from the column with the largest diagonal term.
	if tr+1.0 < 1e-10 {
		k := 0
		for i := 1; i < 3; i++ {
			if C.At(i, i) > C.At(k, k) {
				k = i
			}
		}
		scale := math.Pi / math.Sqrt(2*(1+C.At(k, k)))
		v := r3.Vector{X: C.At(0, k), Y: C.At(1, k), Z: C.At(2, k)}
		switch k {
		case 0:
			v.X++
		case 1:
			v.Y++
		default:
			v.Z++
		}
		return v.Mul(scale)
	}

	tr3 := tr - 3.0
	var magnitude float64
	if tr3 < -1e-7 {
		theta := math.Acos(clamp((tr-1.0)/2.0, -1, 1))
		magnitude = theta / (2.0 * math.Sin(theta))
	} else {
		// Taylor expansion of theta / (2 sin(theta)) around theta = 0.
		magnitude = 0.5 - tr3/12.0
	}

	return r3.Vector{
		X: C.At(2, 1) - C.At(1, 2),
		Y: C.At(0, 2) - C.At(2, 0),
		Z: C.At(1, 0) - C.At(0, 1),
	}.Mul(magnitude)
}

// Jr returns the right jacobian of SO(3).
func Jr(theta r3.Vector) *mat.Dense {
	norm := theta.Norm()
	s := Skew(theta)
	J := Eye(3)
	if norm < jrSmallAngle {
		s.Scale(-0.5, s)
		J.Add(J, s)
		return J
	}

	norm2 := norm * norm
	norm3 := norm2 * norm
	ss := mat.NewDense(3, 3, nil)
	ss.Mul(s, s)

	a := mat.NewDense(3, 3, nil)
	a.Scale((1-math.Cos(norm))/norm2, s)
	b := mat.NewDense(3, 3, nil)
	b.Scale((norm-math.Sin(norm))/norm3, ss)

	J.Sub(J, a)
	J.Add(J, b)
	return J
}

// JrInv returns the inverse of the right jacobian of SO(3).
func JrInv(theta r3.Vector) *mat.Dense {
	norm := theta.Norm()
	s := Skew(theta)
	J := Eye(3)

	half := mat.NewDense(3, 3, nil)
	half.Scale(0.5, s)
	J.Add(J, half)
	if norm < jrSmallAngle {
		return J
	}

	ss := mat.NewDense(3, 3, nil)
	ss.Mul(s, s)
	coeff := 1/(norm*norm) - (1+math.Cos(norm))/(2*norm*math.Sin(norm))
	ss.Scale(coeff, ss)
	J.Add(J, ss)
	return J
}

// BoxPlus perturbs C on the right: C * Exp(alpha).
func BoxPlus(C mat.Matrix, alpha r3.Vector) *mat.Dense {
	out := mat.NewDense(3, 3, nil)
	out.Mul(C, Exp(alpha))
	return out
}

// BoxMinus returns the rotation vector taking Cb to Ca, Log(Cb^T * Ca).
func BoxMinus(Ca, Cb mat.Matrix) r3.Vector {
	dC := mat.NewDense(3, 3, nil)
	dC.Mul(Cb.T(), Ca)
	return Log(dC)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
