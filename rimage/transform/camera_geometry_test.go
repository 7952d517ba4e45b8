package transform

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

const fdStep = 1e-7

func testGeometry(t *testing.T, dist DistortionType) (*CameraGeometry, []float64) {
	t.Helper()
	cam, err := NewCameraGeometry(0, [2]int{640, 480}, PinholeProjectionType, dist)
	test.That(t, err, test.ShouldBeNil)
	params := []float64{458.0, 457.0, 320.5, 240.5}
	switch dist {
	case RadTan4DistortionType:
		params = append(params, -0.28, 0.07, 0.0002, 0.00002)
	case Equi4DistortionType:
		params = append(params, -0.01, 0.02, -0.003, 0.0005)
	}
	test.That(t, cam.CheckValid(params), test.ShouldBeNil)
	return cam, params
}

func expectClose(t *testing.T, actual, expected mat.Matrix, tol float64) {
	t.Helper()
	r, c := expected.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			test.That(t, actual.At(i, j), test.ShouldAlmostEqual, expected.At(i, j), tol)
		}
	}
}

func TestDistortionJacobians(t *testing.T) {
	for _, dt := range []DistortionType{RadTan4DistortionType, Equi4DistortionType} {
		t.Run(string(dt), func(t *testing.T) {
			cam, params := testGeometry(t, dt)
			d := cam.Distorter()
			dist := params[4:]
			p := r2.Point{X: 0.3, Y: -0.2}

			numPoint := mat.NewDense(2, 2, nil)
			for j := 0; j < 2; j++ {
				dp := r2.Point{}
				if j == 0 {
					dp.X = fdStep
				} else {
					dp.Y = fdStep
				}
				fwd := d.Distort(dist, p.Add(dp))
				bwd := d.Distort(dist, p.Sub(dp))
				numPoint.Set(0, j, (fwd.X-bwd.X)/(2*fdStep))
				numPoint.Set(1, j, (fwd.Y-bwd.Y)/(2*fdStep))
			}
			expectClose(t, d.PointJacobian(dist, p), numPoint, 1e-6)

			numParams := mat.NewDense(2, 4, nil)
			for j := 0; j < 4; j++ {
				fwdParams := append([]float64{}, dist...)
				bwdParams := append([]float64{}, dist...)
				fwdParams[j] += fdStep
				bwdParams[j] -= fdStep
				fwd := d.Distort(fwdParams, p)
				bwd := d.Distort(bwdParams, p)
				numParams.Set(0, j, (fwd.X-bwd.X)/(2*fdStep))
				numParams.Set(1, j, (fwd.Y-bwd.Y)/(2*fdStep))
			}
			expectClose(t, d.ParamsJacobian(dist, p), numParams, 1e-6)
		})
	}
}

func TestUndistortRoundTrip(t *testing.T) {
	for _, dt := range []DistortionType{RadTan4DistortionType, Equi4DistortionType} {
		cam, params := testGeometry(t, dt)
		d := cam.Distorter()
		for _, p := range []r2.Point{{X: 0.1, Y: 0.05}, {X: -0.25, Y: 0.2}, {X: 0, Y: 0}} {
			back := d.Undistort(params[4:], d.Distort(params[4:], p))
			test.That(t, back.X, test.ShouldAlmostEqual, p.X, 1e-6)
			test.That(t, back.Y, test.ShouldAlmostEqual, p.Y, 1e-6)
		}
	}
}

func TestProjectBackproject(t *testing.T) {
	cam, params := testGeometry(t, RadTan4DistortionType)
	pC := r3.Vector{X: 0.2, Y: -0.1, Z: 2.0}

	z, ok := cam.Project(params, pC)
	test.That(t, ok, test.ShouldBeTrue)
	ray := cam.Backproject(params, z)
	test.That(t, ray.Z, test.ShouldEqual, 1.0)
	test.That(t, ray.X, test.ShouldAlmostEqual, pC.X/pC.Z, 1e-6)
	test.That(t, ray.Y, test.ShouldAlmostEqual, pC.Y/pC.Z, 1e-6)

	// the undistorted pixel is the pinhole projection of the same point
	u := cam.Undistort(params, z)
	test.That(t, u.X, test.ShouldAlmostEqual, params[0]*pC.X/pC.Z+params[2], 1e-3)
	test.That(t, u.Y, test.ShouldAlmostEqual, params[1]*pC.Y/pC.Z+params[3], 1e-3)

	_, ok = cam.Project(params, r3.Vector{X: 0.1, Y: 0.1, Z: -1})
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = cam.Project(params, r3.Vector{X: 0, Y: 0, Z: 0})
	test.That(t, ok, test.ShouldBeFalse)
	_, ok = cam.Project(params, r3.Vector{X: 5, Y: 0, Z: 1})
	test.That(t, ok, test.ShouldBeFalse)
}

func TestProjectionJacobians(t *testing.T) {
	for _, dt := range []DistortionType{RadTan4DistortionType, Equi4DistortionType} {
		cam, params := testGeometry(t, dt)
		pC := r3.Vector{X: 0.3, Y: -0.2, Z: 1.5}
		project := func(params []float64, p r3.Vector) r2.Point {
			z, _ := cam.Project(params, p)
			return z
		}

		numPoint := mat.NewDense(2, 3, nil)
		for j := 0; j < 3; j++ {
			dp := make([]float64, 3)
			dp[j] = fdStep
			step := r3.Vector{X: dp[0], Y: dp[1], Z: dp[2]}
			fwd := project(params, pC.Add(step))
			bwd := project(params, pC.Sub(step))
			numPoint.Set(0, j, (fwd.X-bwd.X)/(2*fdStep))
			numPoint.Set(1, j, (fwd.Y-bwd.Y)/(2*fdStep))
		}
		expectClose(t, cam.ProjectJacobian(params, pC), numPoint, 1e-3)

		numParams := mat.NewDense(2, cam.NumParams(), nil)
		for j := 0; j < cam.NumParams(); j++ {
			fwdParams := append([]float64{}, params...)
			bwdParams := append([]float64{}, params...)
			fwdParams[j] += fdStep
			bwdParams[j] -= fdStep
			fwd := project(fwdParams, pC)
			bwd := project(bwdParams, pC)
			numParams.Set(0, j, (fwd.X-bwd.X)/(2*fdStep))
			numParams.Set(1, j, (fwd.Y-bwd.Y)/(2*fdStep))
		}
		expectClose(t, cam.ParamsJacobian(params, pC), numParams, 1e-3)
	}
}

func TestCameraGeometryErrors(t *testing.T) {
	_, err := NewCameraGeometry(0, [2]int{640, 480}, ProjectionType("orthographic"), RadTan4DistortionType)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewCameraGeometry(0, [2]int{640, 480}, PinholeProjectionType, DistortionType("brown_conrady"))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewCameraGeometry(0, [2]int{0, 480}, PinholeProjectionType, RadTan4DistortionType)
	test.That(t, err, test.ShouldNotBeNil)

	cam, params := testGeometry(t, Equi4DistortionType)
	test.That(t, cam.CheckValid(params[:6]), test.ShouldNotBeNil)
	test.That(t, cam.Intrinsics(params).Fx, test.ShouldEqual, 458.0)

	bad := append([]float64{}, params...)
	bad[0] = -1
	test.That(t, cam.CheckValid(bad), test.ShouldNotBeNil)
}

func TestErrorMessages(t *testing.T) {
	err := NewNoIntrinsicsError("fx 100% off")
	test.That(t, errors.Is(err, ErrNoIntrinsics), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldStartWith, "fx 100% off: ")
	err = InvalidDistortionError("k1 50% off")
	test.That(t, err.Error(), test.ShouldEqual, "k1 50% off: invalid distortion_parameters")
}

func TestFocalLength(t *testing.T) {
	test.That(t, FocalLength(640, 90), test.ShouldAlmostEqual, 320.0)
	cam, _ := testGeometry(t, RadTan4DistortionType)
	params := cam.DefaultParams(100, 100)
	test.That(t, params, test.ShouldResemble, []float64{100, 100, 320, 240, 0, 0, 0, 0})
}
