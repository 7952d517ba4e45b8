package transform

import (
	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

// RadTan4 is the radial-tangential (Brown-Conrady) distortion model truncated to [k1 k2 p1 p2]:
//
//	x_d = x (1 + k1 r² + k2 r⁴) + 2 p1 x y + p2 (r² + 2 x²)
//	y_d = y (1 + k1 r² + k2 r⁴) + p1 (r² + 2 y²) + 2 p2 x y
type RadTan4 struct{}

// ModelType returns the type of distortion model.
func (rt *RadTan4) ModelType() DistortionType {
	return RadTan4DistortionType
}

// NumParams returns 4.
func (rt *RadTan4) NumParams() int {
	return 4
}

// CheckValid checks the parameter count.
func (rt *RadTan4) CheckValid(params []float64) error {
	return checkParamsLen(rt, params)
}

// Distort applies the model to a normalized point.
func (rt *RadTan4) Distort(params []float64, p r2.Point) r2.Point {
	k1, k2, p1, p2 := params[0], params[1], params[2], params[3]
	x, y := p.X, p.Y

	x2 := x * x
	y2 := y * y
	xy := x * y
	rsq := x2 + y2
	radial := 1.0 + k1*rsq + k2*rsq*rsq

	return r2Point(
		x*radial+2*p1*xy+p2*(rsq+2*x2),
		y*radial+p1*(rsq+2*y2)+2*p2*xy,
	)
}

// Undistort inverts Distort with Newton iterations started at the distorted point.
func (rt *RadTan4) Undistort(params []float64, p r2.Point) r2.Point {
	undist := p
	for i := 0; i < undistortMaxIter; i++ {
		est := rt.Distort(params, undist)
		errPt := p.Sub(est)
		if errPt.Dot(errPt) < undistortTol {
			break
		}

		var J mat.Dense
		if err := J.Inverse(rt.PointJacobian(params, undist)); err != nil {
			break
		}
		undist = undist.Add(r2Point(
			J.At(0, 0)*errPt.X+J.At(0, 1)*errPt.Y,
			J.At(1, 0)*errPt.X+J.At(1, 1)*errPt.Y,
		))
	}
	return undist
}

// PointJacobian returns d(Distort)/dp.
func (rt *RadTan4) PointJacobian(params []float64, p r2.Point) *mat.Dense {
	k1, k2, p1, p2 := params[0], params[1], params[2], params[3]
	x, y := p.X, p.Y

	rsq := x*x + y*y
	r4 := rsq * rsq
	radial := 1.0 + k1*rsq + k2*r4

	// partials of the radial term
	dRadialX := 2*k1*x + 4*k2*x*rsq
	dRadialY := 2*k1*y + 4*k2*y*rsq

	return mat.NewDense(2, 2, []float64{
		radial + x*dRadialX + 2*p1*y + 6*p2*x,
		x*dRadialY + 2*p1*x + 2*p2*y,
		y*dRadialX + 2*p1*x + 2*p2*y,
		radial + y*dRadialY + 6*p1*y + 2*p2*x,
	})
}

// ParamsJacobian returns d(Distort)/d[k1 k2 p1 p2].
func (rt *RadTan4) ParamsJacobian(params []float64, p r2.Point) *mat.Dense {
	x, y := p.X, p.Y
	xy := x * y
	rsq := x*x + y*y
	r4 := rsq * rsq

	return mat.NewDense(2, 4, []float64{
		x * rsq, x * r4, 2 * xy, 3*x*x + y*y,
		y * rsq, y * r4, x*x + 3*y*y, 2 * xy,
	})
}

func r2Point(x, y float64) r2.Point {
	return r2.Point{X: x, Y: y}
}
