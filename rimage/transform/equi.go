package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

const (
	equiMinRadius      = 1e-8
	equiUndistortIters = 20
)

// Equi4 is the equidistant (Kannala-Brandt) fisheye model [k1 k2 k3 k4]. A normalized point at
// radius r is moved along its ray to radius
//
//	theta_d = theta (1 + k1 theta² + k2 theta⁴ + k3 theta⁶ + k4 theta⁸), theta = atan(r).
type Equi4 struct{}

// ModelType returns the type of distortion model.
func (eq *Equi4) ModelType() DistortionType {
	return Equi4DistortionType
}

// NumParams returns 4.
func (eq *Equi4) NumParams() int {
	return 4
}

// CheckValid checks the parameter count.
func (eq *Equi4) CheckValid(params []float64) error {
	return checkParamsLen(eq, params)
}

func equiThetaD(params []float64, theta float64) float64 {
	k1, k2, k3, k4 := params[0], params[1], params[2], params[3]
	th2 := theta * theta
	th4 := th2 * th2
	th6 := th4 * th2
	th8 := th4 * th4
	return theta * (1 + k1*th2 + k2*th4 + k3*th6 + k4*th8)
}

// Distort applies the model to a normalized point.
func (eq *Equi4) Distort(params []float64, p r2.Point) r2.Point {
	r := p.Norm()
	if r < equiMinRadius {
		return p
	}
	s := equiThetaD(params, math.Atan(r)) / r
	return p.Mul(s)
}

// Undistort inverts Distort by fixed-point iteration on theta.
func (eq *Equi4) Undistort(params []float64, p r2.Point) r2.Point {
	k1, k2, k3, k4 := params[0], params[1], params[2], params[3]
	thd := p.Norm()
	if thd < equiMinRadius {
		return p
	}

	theta := thd
	for i := 0; i < equiUndistortIters; i++ {
		th2 := theta * theta
		th4 := th2 * th2
		th6 := th4 * th2
		th8 := th4 * th4
		theta = thd / (1 + k1*th2 + k2*th4 + k3*th6 + k4*th8)
	}
	return p.Mul(math.Tan(theta) / thd)
}

// PointJacobian returns d(Distort)/dp.
func (eq *Equi4) PointJacobian(params []float64, p r2.Point) *mat.Dense {
	k1, k2, k3, k4 := params[0], params[1], params[2], params[3]
	x, y := p.X, p.Y
	r := p.Norm()
	if r < equiMinRadius {
		return mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	}

	theta := math.Atan(r)
	th2 := theta * theta
	th4 := th2 * th2
	th6 := th4 * th2
	th8 := th4 * th4
	thd := theta * (1 + k1*th2 + k2*th4 + k3*th6 + k4*th8)
	s := thd / r

	thdTheta := 1 + 3*k1*th2 + 5*k2*th4 + 7*k3*th6 + 9*k4*th8
	thetaR := 1 / (r*r + 1)
	sR := thdTheta*thetaR/r - thd/(r*r)
	rX := x / r
	rY := y / r

	return mat.NewDense(2, 2, []float64{
		s + x*sR*rX, x * sR * rY,
		y * sR * rX, s + y*sR*rY,
	})
}

// ParamsJacobian returns d(Distort)/d[k1 k2 k3 k4].
func (eq *Equi4) ParamsJacobian(params []float64, p r2.Point) *mat.Dense {
	x, y := p.X, p.Y
	r := p.Norm()
	if r < equiMinRadius {
		return mat.NewDense(2, 4, nil)
	}

	theta := math.Atan(r)
	th3 := theta * theta * theta
	th5 := th3 * theta * theta
	th7 := th5 * theta * theta
	th9 := th7 * theta * theta

	return mat.NewDense(2, 4, []float64{
		x * th3 / r, x * th5 / r, x * th7 / r, x * th9 / r,
		y * th3 / r, y * th5 / r, y * th7 / r, y * th9 / r,
	})
}
