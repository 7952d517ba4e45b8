package transform

import (
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/chutsu/proto/spatialmath"
)

var testK = []float64{400, 400, 320, 240}

// stereoScene returns random points in front of two cameras and their pinhole pixels.
func stereoScene(n int, rng *rand.Rand) (spatialmath.Pose, spatialmath.Pose, []r3.Vector, []r2.Point, []r2.Point) {
	camI := spatialmath.IdentityPose()
	camJ := spatialmath.NewPoseFromRotation(spatialmath.Euler321(0.05, -0.08, 0.02), r3.Vector{X: 0.5, Y: 0.05, Z: 0.1})

	project := func(T spatialmath.Pose, p r3.Vector) r2.Point {
		pC := T.Inverse().TransformPoint(p)
		return r2.Point{X: testK[0]*pC.X/pC.Z + testK[2], Y: testK[1]*pC.Y/pC.Z + testK[3]}
	}

	pts := make([]r3.Vector, n)
	zi := make([]r2.Point, n)
	zj := make([]r2.Point, n)
	for k := 0; k < n; k++ {
		pts[k] = r3.Vector{X: rng.Float64()*4 - 2, Y: rng.Float64()*3 - 1.5, Z: 4 + rng.Float64()*6}
		zi[k] = project(camI, pts[k])
		zj[k] = project(camJ, pts[k])
	}
	return camI, camJ, pts, zi, zj
}

func TestComputeFundamentalMatrix(t *testing.T) {
	//nolint:gosec
	rng := rand.New(rand.NewSource(3))
	_, _, _, zi, zj := stereoScene(30, rng)

	F, err := ComputeFundamentalMatrixAllPoints(zi, zj, true)
	test.That(t, err, test.ShouldBeNil)
	for k := range zi {
		test.That(t, SampsonDistance(F, zi[k], zj[k]), test.ShouldBeLessThan, 1e-6)
	}
	test.That(t, mat.Det(F), test.ShouldAlmostEqual, 0, 1e-9)

	_, err = ComputeFundamentalMatrixAllPoints(zi[:7], zj[:7], true)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = ComputeFundamentalMatrixAllPoints(zi, zj[:9], true)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestRansacFundamental(t *testing.T) {
	//nolint:gosec
	rng := rand.New(rand.NewSource(5))
	_, _, _, zi, zj := stereoScene(60, rng)

	// corrupt every fifth correspondence
	outliers := map[int]bool{}
	for k := 0; k < len(zj); k += 5 {
		zj[k] = zj[k].Add(r2.Point{X: 25 + rng.Float64()*20, Y: -30 - rng.Float64()*20})
		outliers[k] = true
	}

	_, mask, err := RansacFundamental(zi, zj, 0.75, 0.99, rng)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(mask), test.ShouldEqual, len(zi))
	for k, inlier := range mask {
		test.That(t, inlier, test.ShouldEqual, !outliers[k])
	}

	_, _, err = RansacFundamental(zi[:5], zj[:5], 0.75, 0.99, rng)
	test.That(t, err, test.ShouldEqual, ErrInsufficientPoints)
}

func TestLinearTriangulation(t *testing.T) {
	//nolint:gosec
	rng := rand.New(rand.NewSource(7))
	camI, camJ, pts, zi, zj := stereoScene(20, rng)
	Pi := PinholeP(testK, camI)
	Pj := PinholeP(testK, camJ)

	for k := range pts {
		p, ok := LinearTriangulation(Pi, Pj, zi[k], zj[k])
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, p.X, test.ShouldAlmostEqual, pts[k].X, 1e-6)
		test.That(t, p.Y, test.ShouldAlmostEqual, pts[k].Y, 1e-6)
		test.That(t, p.Z, test.ShouldAlmostEqual, pts[k].Z, 1e-6)
	}
}

func TestSolvePnP(t *testing.T) {
	K := PinholeK(testK)
	camTarget := spatialmath.NewPoseFromRotation(spatialmath.Euler321(0.1, -0.2, 0.15), r3.Vector{X: -0.2, Y: 0.1, Z: 1.5})

	project := func(pts []r3.Vector) []r2.Point {
		out := make([]r2.Point, len(pts))
		for i, p := range pts {
			pC := camTarget.TransformPoint(p)
			out[i] = r2.Point{X: testK[0]*pC.X/pC.Z + testK[2], Y: testK[1]*pC.Y/pC.Z + testK[3]}
		}
		return out
	}

	t.Run("planar", func(t *testing.T) {
		var grid []r3.Vector
		for i := 0; i < 6; i++ {
			for j := 0; j < 6; j++ {
				grid = append(grid, r3.Vector{X: float64(i) * 0.1, Y: float64(j) * 0.1})
			}
		}
		est, err := SolvePnP(grid, project(grid), K)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, spatialmath.PoseAlmostEqual(est, camTarget, 1e-4), test.ShouldBeTrue)
		test.That(t, PnPReprojectionCost(est, grid, project(grid), K), test.ShouldBeLessThan, 1e-6)
	})

	t.Run("general", func(t *testing.T) {
		//nolint:gosec
		rng := rand.New(rand.NewSource(11))
		pts := make([]r3.Vector, 20)
		for i := range pts {
			pts[i] = r3.Vector{X: rng.Float64() - 0.5, Y: rng.Float64() - 0.5, Z: rng.Float64() * 0.5}
		}
		est, err := SolvePnP(pts, project(pts), K)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, spatialmath.PoseAlmostEqual(est, camTarget, 1e-4), test.ShouldBeTrue)
	})

	t.Run("insufficient", func(t *testing.T) {
		pts := []r3.Vector{{X: 0}, {X: 0.1}, {Y: 0.1}}
		_, err := SolvePnP(pts, project(pts), K)
		test.That(t, err, test.ShouldNotBeNil)
	})
}
