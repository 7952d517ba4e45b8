package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
)

func expectMatrix(t *testing.T, actual, expected mat.Matrix, tol float64) {
	t.Helper()
	r, c := expected.Dims()
	ar, ac := actual.Dims()
	test.That(t, ar, test.ShouldEqual, r)
	test.That(t, ac, test.ShouldEqual, c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			test.That(t, actual.At(i, j), test.ShouldAlmostEqual, expected.At(i, j), tol)
		}
	}
}

func TestSkew(t *testing.T) {
	v := r3.Vector{X: 1, Y: 2, Z: 3}
	u := r3.Vector{X: -4, Y: 0.5, Z: 2}
	cross := MatVec(Skew(v), u)
	expected := v.Cross(u)
	test.That(t, cross.X, test.ShouldAlmostEqual, expected.X)
	test.That(t, cross.Y, test.ShouldAlmostEqual, expected.Y)
	test.That(t, cross.Z, test.ShouldAlmostEqual, expected.Z)
	test.That(t, SkewInv(Skew(v)), test.ShouldResemble, v)
}

func TestExpLog(t *testing.T) {
	for _, phi := range []r3.Vector{
		{X: 0.1, Y: 0.2, Z: 0.3},
		{X: -1.0, Y: 0.5, Z: 2.0},
		{X: 1e-4, Y: -2e-4, Z: 5e-5},
		{X: 0, Y: 0, Z: 0},
		{X: 0, Y: 0, Z: 3.0},
	} {
		C := Exp(phi)
		var ctc mat.Dense
		ctc.Mul(C.T(), C)
		// the first order branch is only orthonormal to second order
		expectMatrix(t, &ctc, Eye(3), 1e-7)

		back := Log(C)
		test.That(t, back.X, test.ShouldAlmostEqual, phi.X, 1e-6)
		test.That(t, back.Y, test.ShouldAlmostEqual, phi.Y, 1e-6)
		test.That(t, back.Z, test.ShouldAlmostEqual, phi.Z, 1e-6)
	}
}

func TestLogPi(t *testing.T) {
	axis := r3.Vector{X: 1, Y: 2, Z: -2}.Normalize()
	C := Exp(axis.Mul(math.Pi))
	phi := Log(C)
	test.That(t, phi.Norm(), test.ShouldAlmostEqual, math.Pi, 1e-6)
	// -axis*pi is the same rotation
	test.That(t, math.Abs(phi.Normalize().Dot(axis)), test.ShouldAlmostEqual, 1.0, 1e-6)
	expectMatrix(t, Exp(phi), C, 1e-6)
}

func TestExpMatchesRotZ(t *testing.T) {
	expectMatrix(t, Exp(r3.Vector{Z: 0.7}), RotZ(0.7), 1e-12)
	expectMatrix(t, Exp(r3.Vector{X: -0.3}), RotX(-0.3), 1e-12)
	expectMatrix(t, Exp(r3.Vector{Y: 1.2}), RotY(1.2), 1e-12)
}

func TestJacobians(t *testing.T) {
	theta := r3.Vector{X: 0.3, Y: -0.2, Z: 0.5}

	var prod mat.Dense
	prod.Mul(Jr(theta), JrInv(theta))
	expectMatrix(t, &prod, Eye(3), 1e-9)

	// Exp(theta + d) ~= Exp(theta) Exp(Jr(theta) d)
	d := r3.Vector{X: 1e-6, Y: -2e-6, Z: 1.5e-6}
	lhs := Exp(theta.Add(d))
	rhs := BoxPlus(Exp(theta), MatVec(Jr(theta), d))
	expectMatrix(t, lhs, rhs, 1e-11)

	small := r3.Vector{X: 1e-10}
	expectMatrix(t, Jr(small), Eye(3), 1e-9)
	expectMatrix(t, JrInv(small), Eye(3), 1e-9)
}

func TestBoxPlusMinus(t *testing.T) {
	Ca := Euler321(0.4, -0.1, 0.25)
	alpha := r3.Vector{X: 0.05, Y: 0.02, Z: -0.03}
	Cb := BoxPlus(Ca, alpha)
	back := BoxMinus(Cb, Ca)
	test.That(t, back.X, test.ShouldAlmostEqual, alpha.X, 1e-9)
	test.That(t, back.Y, test.ShouldAlmostEqual, alpha.Y, 1e-9)
	test.That(t, back.Z, test.ShouldAlmostEqual, alpha.Z, 1e-9)
}
