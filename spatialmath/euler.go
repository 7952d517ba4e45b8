package spatialmath

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// EulerAngles are three angles (in radians) used to represent the rotation of an object in 3D
// Euclidean space. The rotation is applied as yaw about z, then pitch about y, then roll about x
// (the 3-2-1 sequence).
type EulerAngles struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// RotX returns the rotation about the x axis by theta.
func RotX(theta float64) *mat.Dense {
	c, s := math.Cos(theta), math.Sin(theta)
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, c, -s,
		0, s, c,
	})
}

// RotY returns the rotation about the y axis by theta.
func RotY(theta float64) *mat.Dense {
	c, s := math.Cos(theta), math.Sin(theta)
	return mat.NewDense(3, 3, []float64{
		c, 0, s,
		0, 1, 0,
		-s, 0, c,
	})
}

// RotZ returns the rotation about the z axis by theta.
func RotZ(theta float64) *mat.Dense {
	c, s := math.Cos(theta), math.Sin(theta)
	return mat.NewDense(3, 3, []float64{
		c, -s, 0,
		s, c, 0,
		0, 0, 1,
	})
}

// Euler321 returns Rz(yaw) * Ry(pitch) * Rx(roll).
func Euler321(yaw, pitch, roll float64) *mat.Dense {
	cy, sy := math.Cos(yaw), math.Sin(yaw)
	cp, sp := math.Cos(pitch), math.Sin(pitch)
	cr, sr := math.Cos(roll), math.Sin(roll)
	return mat.NewDense(3, 3, []float64{
		cy * cp, cy*sp*sr - sy*cr, cy*sp*cr + sy*sr,
		sy * cp, sy*sp*sr + cy*cr, sy*sp*cr - cy*sr,
		-sp, cp * sr, cp * cr,
	})
}

// EulerToQuat converts euler angles to a unit quaternion.
func EulerToQuat(e *EulerAngles) quat.Number {
	cy, sy := math.Cos(e.Yaw/2), math.Sin(e.Yaw/2)
	cp, sp := math.Cos(e.Pitch/2), math.Sin(e.Pitch/2)
	cr, sr := math.Cos(e.Roll/2), math.Sin(e.Roll/2)
	q := quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
	return QuatNormalize(q)
}

// QuatToEuler converts a unit quaternion to euler angles.
func QuatToEuler(q quat.Number) *EulerAngles {
	return RotToEuler(QuatToRot(q))
}

// RotToEuler extracts 3-2-1 euler angles from a rotation matrix. Pitch is in [-pi/2, pi/2].
func RotToEuler(C mat.Matrix) *EulerAngles {
	return &EulerAngles{
		Roll:  math.Atan2(C.At(2, 1), C.At(2, 2)),
		Pitch: math.Asin(clamp(-C.At(2, 0), -1, 1)),
		Yaw:   math.Atan2(C.At(1, 0), C.At(0, 0)),
	}
}

// QuatToRot converts a quaternion to a rotation matrix. q is normalized first.
func QuatToRot(q quat.Number) *mat.Dense {
	q = QuatNormalize(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// RotToQuat converts a rotation matrix to a unit quaternion with a non-negative real part.
func RotToQuat(C mat.Matrix) quat.Number {
	m00, m01, m02 := C.At(0, 0), C.At(0, 1), C.At(0, 2)
	m10, m11, m12 := C.At(1, 0), C.At(1, 1), C.At(1, 2)
	m20, m21, m22 := C.At(2, 0), C.At(2, 1), C.At(2, 2)
	tr := m00 + m11 + m22

	var q quat.Number
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1.0) * 2
		q = quat.Number{Real: 0.25 * s, Imag: (m21 - m12) / s, Jmag: (m02 - m20) / s, Kmag: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := math.Sqrt(1.0+m00-m11-m22) * 2
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := math.Sqrt(1.0+m11-m00-m22) * 2
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := math.Sqrt(1.0+m22-m00-m11) * 2
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}

	q = QuatNormalize(q)
	if q.Real < 0 {
		q = Flip(q)
	}
	return q
}
