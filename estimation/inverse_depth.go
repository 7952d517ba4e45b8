package estimation

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/chutsu/proto/rimage/transform"
	"github.com/chutsu/proto/spatialmath"
)

// InverseDepthSize is the length of an inverse depth parameterization
// [x, y, z, theta, phi, rho]: the anchor camera position, the bearing of the ray in the world frame
// and the inverse of the distance along it.
const InverseDepthSize = 6

// DefaultInverseDepth is the inverse depth a new feature starts with.
const DefaultInverseDepth = 0.1

// InverseDepthParam parameterizes the feature seen at pixel z by a camera at TWC.
func InverseDepthParam(cam *transform.CameraGeometry, params []float64, TWC spatialmath.Pose, z r2.Point) []float64 {
	hW := spatialmath.MatVec(TWC.RotationMatrix(), cam.Backproject(params, z))
	theta := math.Atan2(hW.X, hW.Z)
	phi := math.Atan2(-hW.Y, math.Hypot(hW.X, hW.Z))
	rWC := TWC.Point()
	return []float64{rWC.X, rWC.Y, rWC.Z, theta, phi, DefaultInverseDepth}
}

func bearing(theta, phi float64) r3.Vector {
	return r3.Vector{X: math.Cos(phi) * math.Sin(theta), Y: -math.Sin(phi), Z: math.Cos(phi) * math.Cos(theta)}
}

// InverseDepthPoint returns the world point of an inverse depth parameterization.
func InverseDepthPoint(param []float64) r3.Vector {
	rWC := spatialmath.SliceToR3(param[:3])
	m := bearing(param[3], param[4])
	return rWC.Add(m.Mul(1 / param[5]))
}

// InverseDepthJacobian is the 3x6 jacobian of InverseDepthPoint.
func InverseDepthJacobian(param []float64) *mat.Dense {
	theta, phi, rho := param[3], param[4], param[5]
	sth, cth := math.Sincos(theta)
	sph, cph := math.Sincos(phi)
	m := bearing(theta, phi)

	J := mat.NewDense(3, InverseDepthSize, nil)
	J.Set(0, 0, 1)
	J.Set(1, 1, 1)
	J.Set(2, 2, 1)
	J.SetCol(3, []float64{cph * cth / rho, 0, -cph * sth / rho})
	J.SetCol(4, []float64{-sph * sth / rho, -cph / rho, -sph * cth / rho})
	J.SetCol(5, []float64{-m.X / (rho * rho), -m.Y / (rho * rho), -m.Z / (rho * rho)})
	return J
}
