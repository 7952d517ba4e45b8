package spatialmath

import (
	"math"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func TestEuler321(t *testing.T) {
	yaw, pitch, roll := 0.4, -0.2, 1.3
	var C mat.Dense
	C.Mul(RotZ(yaw), RotY(pitch))
	C.Mul(&C, RotX(roll))
	expectMatrix(t, Euler321(yaw, pitch, roll), &C, 1e-12)

	e := RotToEuler(&C)
	test.That(t, e.Yaw, test.ShouldAlmostEqual, yaw)
	test.That(t, e.Pitch, test.ShouldAlmostEqual, pitch)
	test.That(t, e.Roll, test.ShouldAlmostEqual, roll)
}

func TestEulerQuatRoundTrip(t *testing.T) {
	for _, e := range []EulerAngles{
		{Roll: 0.1, Pitch: 0.2, Yaw: 0.3},
		{Roll: -1.2, Pitch: 0.7, Yaw: -2.5},
		{Roll: math.Pi / 2, Pitch: 0, Yaw: math.Pi / 2},
		{},
	} {
		q := EulerToQuat(&e)
		back := QuatToEuler(q)
		test.That(t, back.Roll, test.ShouldAlmostEqual, e.Roll)
		test.That(t, back.Pitch, test.ShouldAlmostEqual, e.Pitch)
		test.That(t, back.Yaw, test.ShouldAlmostEqual, e.Yaw)

		expectMatrix(t, QuatToRot(q), Euler321(e.Yaw, e.Pitch, e.Roll), 1e-12)
	}
}

func TestRotQuatRoundTrip(t *testing.T) {
	for _, C := range []*mat.Dense{
		Euler321(0.3, 0.2, 0.1),
		Euler321(3.0, 0.1, -0.2),
		Euler321(-math.Pi/2, 0, -math.Pi/2),
		RotX(math.Pi),
		RotY(math.Pi),
		RotZ(math.Pi),
		Eye(3),
	} {
		q := RotToQuat(C)
		test.That(t, q.Real, test.ShouldBeGreaterThanOrEqualTo, 0)
		expectMatrix(t, QuatToRot(q), C, 1e-12)
	}
}
