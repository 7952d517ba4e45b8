package calib

import (
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/chutsu/proto/rimage/transform"
	"github.com/chutsu/proto/spatialmath"
)

func newGrid(t *testing.T) *AprilGrid {
	t.Helper()
	grid, err := NewAprilGrid(DefaultAprilGridConfig(), 0)
	test.That(t, err, test.ShouldBeNil)
	return grid
}

func TestAprilGridConfig(t *testing.T) {
	cfg := DefaultAprilGridConfig()
	test.That(t, cfg.Validate("grid"), test.ShouldBeNil)

	bad := AprilGridConfig{TagSpacing: -1}
	err := bad.Validate("grid")
	test.That(t, err, test.ShouldNotBeNil)
	for _, field := range []string{"tag_rows", "tag_cols", "tag_size", "tag_spacing"} {
		test.That(t, err.Error(), test.ShouldContainSubstring, field)
	}
	_, err = NewAprilGrid(bad, 0)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestAprilGridGeometry(t *testing.T) {
	grid := newGrid(t)
	test.That(t, grid.NumTags(), test.ShouldEqual, 36)

	i, j, err := grid.GridIndex(7)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, i, test.ShouldEqual, 1)
	test.That(t, j, test.ShouldEqual, 1)
	_, _, err = grid.GridIndex(36)
	test.That(t, err, test.ShouldNotBeNil)
	_, _, err = grid.GridIndex(-1)
	test.That(t, err, test.ShouldNotBeNil)

	// Corners go counter-clockwise from the bottom left.
	size := 0.088
	expected := []r3.Vector{{}, {X: size}, {X: size, Y: size}, {Y: size}}
	for corner, want := range expected {
		p, err := grid.ObjectPoint(0, corner)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, p.Sub(want).Norm(), test.ShouldAlmostEqual, 0)
	}
	p, err := grid.ObjectPoint(7, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.X, test.ShouldAlmostEqual, 0.088*1.3)
	test.That(t, p.Y, test.ShouldAlmostEqual, 0.088*1.3)
	_, err = grid.ObjectPoint(0, 4)
	test.That(t, err, test.ShouldNotBeNil)

	pts := grid.ObjectPoints()
	test.That(t, pts, test.ShouldHaveLength, 144)
	last := pts[len(pts)-1]
	test.That(t, last.X, test.ShouldAlmostEqual, 5*0.088*1.3)
	test.That(t, last.Y, test.ShouldAlmostEqual, 5*0.088*1.3+0.088)

	center := grid.Center()
	width := 6*0.088 + 5*0.088*0.3
	test.That(t, center.X, test.ShouldAlmostEqual, width/2)
	test.That(t, center.Y, test.ShouldAlmostEqual, width/2)
}

func TestAprilGridMeasurements(t *testing.T) {
	grid := newGrid(t)
	test.That(t, grid.Len(), test.ShouldEqual, 0)
	test.That(t, grid.Add(5, 2, r2.Point{X: 3, Y: 4}), test.ShouldBeNil)
	test.That(t, grid.Add(1, 3, r2.Point{X: 1, Y: 2}), test.ShouldBeNil)
	test.That(t, grid.Add(1, 0, r2.Point{X: 0, Y: 1}), test.ShouldBeNil)
	test.That(t, grid.Add(40, 0, r2.Point{}), test.ShouldNotBeNil)
	test.That(t, grid.Add(1, 5, r2.Point{}), test.ShouldNotBeNil)
	test.That(t, grid.Len(), test.ShouldEqual, 3)

	dets := grid.Measurements()
	test.That(t, dets, test.ShouldHaveLength, 3)
	test.That(t, dets[0].TagID, test.ShouldEqual, 1)
	test.That(t, dets[0].Corner, test.ShouldEqual, 0)
	test.That(t, dets[1].Corner, test.ShouldEqual, 3)
	test.That(t, dets[2].TagID, test.ShouldEqual, 5)
	test.That(t, dets[2].Keypoint, test.ShouldResemble, r2.Point{X: 3, Y: 4})
	want, _ := grid.ObjectPoint(5, 2)
	test.That(t, dets[2].ObjectPoint, test.ShouldResemble, want)

	test.That(t, grid.Remove(1, 3), test.ShouldBeNil)
	test.That(t, grid.Remove(1, 3), test.ShouldNotBeNil)
	test.That(t, grid.Len(), test.ShouldEqual, 2)
}

func TestLookAt(t *testing.T) {
	camPos := r3.Vector{X: 1, Y: 2, Z: 3}
	target := r3.Vector{X: 0.2, Y: -0.1, Z: 0}
	tWC := LookAt(camPos, target, r3.Vector{Y: -1})

	pC := tWC.Inverse().TransformPoint(target)
	test.That(t, pC.X, test.ShouldAlmostEqual, 0)
	test.That(t, pC.Y, test.ShouldAlmostEqual, 0)
	test.That(t, pC.Z, test.ShouldAlmostEqual, target.Sub(camPos).Norm())
}

func TestGeneratePoses(t *testing.T) {
	grid := newGrid(t)
	center := grid.center3()

	poses := GeneratePoses(grid)
	test.That(t, poses, test.ShouldHaveLength, 125)
	for _, tFC := range poses {
		pC := tFC.Inverse().TransformPoint(center)
		test.That(t, math.Hypot(pC.X, pC.Y), test.ShouldBeLessThan, 1e-9)
		test.That(t, pC.Z, test.ShouldBeGreaterThan, 0.3-1e-9)
	}

	//nolint:gosec
	random := GenerateRandomPoses(grid, 30, rand.New(rand.NewSource(1)))
	test.That(t, random, test.ShouldHaveLength, 30)
	for _, tFC := range random {
		pC := tFC.Inverse().TransformPoint(center)
		test.That(t, pC.Z, test.ShouldBeGreaterThan, 0)
		// within the attitude noise of the optical axis
		test.That(t, math.Atan2(math.Hypot(pC.X, pC.Y), pC.Z), test.ShouldBeLessThan, 0.35)
	}
}

// observe returns the corners camera cam sees from T_FC.
func observe(t *testing.T, cam *transform.CameraGeometry, params []float64, tFC spatialmath.Pose, ts int64) *AprilGrid {
	t.Helper()
	grid, err := SimulateView(DefaultAprilGridConfig(), ts, cam, params, tFC.Inverse())
	test.That(t, err, test.ShouldBeNil)
	return grid
}

func TestAprilGridSolvePnP(t *testing.T) {
	cam, err := transform.NewCameraGeometry(0, [2]int{640, 480}, transform.PinholeProjectionType, transform.RadTan4DistortionType)
	test.That(t, err, test.ShouldBeNil)
	params := []float64{330, 328, 322, 236, -0.02, 0.005, 1e-4, -1e-4}

	grid := newGrid(t)
	_, err = grid.SolvePnP(cam, params)
	test.That(t, err, test.ShouldNotBeNil)

	//nolint:gosec
	for _, tFC := range GenerateRandomPoses(grid, 5, rand.New(rand.NewSource(2))) {
		view := observe(t, cam, params, tFC, 0)
		test.That(t, view.Len(), test.ShouldBeGreaterThan, 20)
		tCF, err := view.SolvePnP(cam, params)
		test.That(t, err, test.ShouldBeNil)
		dTrans, dRot := spatialmath.PoseDelta(tCF, tFC.Inverse())
		test.That(t, dTrans, test.ShouldBeLessThan, 1e-3)
		test.That(t, dRot, test.ShouldBeLessThan, 1e-3)
	}
}
