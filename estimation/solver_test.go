package estimation

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/chutsu/proto/logging"
	"github.com/chutsu/proto/rimage/transform"
	"github.com/chutsu/proto/spatialmath"
)

// baProblem builds a small bundle adjustment problem whose free poses and points are perturbed
// away from the values the measurements were generated with.
func baProblem(t *testing.T, rng *rand.Rand) *FactorGraph {
	t.Helper()
	cam, err := transform.NewCameraGeometry(0, [2]int{640, 480}, transform.PinholeProjectionType, transform.RadTan4DistortionType)
	test.That(t, err, test.ShouldBeNil)
	camParams := NewCamera(cam, cam.DefaultParams(400, 400))
	camParams.Fixed = true

	fg := NewFactorGraph()
	camID := addParam(t, fg, camParams)

	var poses []*StateVariable
	var truth []spatialmath.Pose
	for i := 0; i < 5; i++ {
		T := spatialmath.NewPoseFromRotation(spatialmath.Euler321(0.02*float64(i), 0, 0), r3.Vector{X: 0.3 * float64(i)})
		truth = append(truth, T)
		p := NewPose(int64(i), T)
		if i < 2 {
			p.Fixed = true
		} else {
			p.Value = T.Update([]float64{
				0.02 * rng.NormFloat64(), 0.02 * rng.NormFloat64(), 0.02 * rng.NormFloat64(),
				0.005 * rng.NormFloat64(), 0.005 * rng.NormFloat64(), 0.005 * rng.NormFloat64(),
			}).Vector()
		}
		addParam(t, fg, p)
		poses = append(poses, p)
	}

	for k := 0; k < 40; k++ {
		pW := r3.Vector{X: rng.Float64()*3 - 0.5, Y: rng.Float64()*2 - 1, Z: 4 + rng.Float64()*3}
		feature := NewFeature(pW.Add(r3.Vector{X: 0.05 * rng.NormFloat64(), Y: 0.05 * rng.NormFloat64(), Z: 0.05 * rng.NormFloat64()}))
		fid := addParam(t, fg, feature)
		for i, T := range truth {
			z, ok := cam.Project(camParams.Value, T.Inverse().TransformPoint(pW))
			if !ok {
				continue
			}
			f, err := NewBAFactor(cam, poses[i].ID, fid, camID, z, nil)
			test.That(t, err, test.ShouldBeNil)
			_, err = fg.AddFactor(f)
			test.That(t, err, test.ShouldBeNil)
		}
	}
	return fg
}

func TestSolverConfig(t *testing.T) {
	cfg := DefaultSolverConfig()
	test.That(t, cfg.MaxIterations, test.ShouldEqual, 5)
	test.That(t, cfg.LambdaInit, test.ShouldEqual, 1e4)
	test.That(t, cfg.Validate("solver"), test.ShouldBeNil)

	bad := SolverConfig{CostTolerance: -1}
	err := bad.Validate("solver")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "max_iterations")
	test.That(t, err.Error(), test.ShouldContainSubstring, "lambda_init")
	test.That(t, err.Error(), test.ShouldContainSubstring, "cost_tolerance")

	_, err = NewSolver(NewFactorGraph(), bad, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewSolver(nil, cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSolverBundleAdjustment(t *testing.T) {
	logger := logging.NewTestLogger(t)
	//nolint:gosec
	fg := baProblem(t, rand.New(rand.NewSource(1)))

	initial, _ := fg.Cost()
	test.That(t, initial, test.ShouldBeGreaterThan, 1)

	cfg := SolverConfig{MaxIterations: 1, LambdaInit: 1}
	solver, err := NewSolver(fg, cfg, logger)
	test.That(t, err, test.ShouldBeNil)

	prev := initial
	for i := 0; i < 30; i++ {
		res, err := solver.Solve(context.Background())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.InitialCost, test.ShouldAlmostEqual, prev, 1e-9*math.Max(1, prev))
		test.That(t, res.FinalCost, test.ShouldBeLessThanOrEqualTo, res.InitialCost)
		prev = res.FinalCost
	}

	stats, err := fg.ReprojStats()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, stats.RMS, test.ShouldBeLessThan, 0.1)
}

func TestSolverRejectsUphillSteps(t *testing.T) {
	fg := NewFactorGraph()
	feature := NewFeature(r3.Vector{X: 2, Y: 3, Z: -1})
	addParam(t, fg, feature)
	f := &wrongSignFactor{factorBase: factorBase{paramIDs: []ParamID{feature.ID}, covar: spatialmath.Eye(3), sqrtInfo: spatialmath.Eye(3)}}
	_, err := fg.AddFactor(f)
	test.That(t, err, test.ShouldBeNil)

	before := append([]float64(nil), feature.Value...)
	cfg := DefaultSolverConfig()
	cfg.LambdaInit = 1e-3
	solver, err := NewSolver(fg, cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	res, err := solver.Solve(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Accepted, test.ShouldEqual, 0)
	test.That(t, res.Rejected, test.ShouldEqual, cfg.MaxIterations)
	test.That(t, res.FinalCost, test.ShouldEqual, res.InitialCost)
	test.That(t, feature.Value, test.ShouldResemble, before)
}

func TestSolverSkipsFixedAndInvalid(t *testing.T) {
	cam, camParams := testCamera(t, 0)
	camParams.Fixed = true
	pose := NewPose(0, spatialmath.IdentityPose())
	pose.Fixed = true
	truth := r3.Vector{X: 0.1, Y: 0.2, Z: 4}
	visible := NewFeature(truth.Add(r3.Vector{X: 0.05, Y: -0.05}))
	behind := NewFeature(r3.Vector{Z: -3})
	fg, ids := register(t, pose, visible, behind, camParams)

	z, ok := cam.Project(camParams.Value, truth)
	test.That(t, ok, test.ShouldBeTrue)
	for _, fid := range []ParamID{ids[1], ids[2]} {
		f, err := NewBAFactor(cam, ids[0], fid, ids[3], z, nil)
		test.That(t, err, test.ShouldBeNil)
		_, err = fg.AddFactor(f)
		test.That(t, err, test.ShouldBeNil)
	}

	poseBefore := append([]float64(nil), pose.Value...)
	behindBefore := append([]float64(nil), behind.Value...)
	solver, err := NewSolver(fg, DefaultSolverConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	res, err := solver.Solve(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.InvalidEvaluations, test.ShouldBeGreaterThan, 0)
	test.That(t, res.Accepted, test.ShouldBeGreaterThan, 0)
	test.That(t, res.FinalCost, test.ShouldBeLessThan, res.InitialCost)
	test.That(t, pose.Value, test.ShouldResemble, poseBefore)
	test.That(t, behind.Value, test.ShouldResemble, behindBefore)
}

func TestSolverCancellation(t *testing.T) {
	//nolint:gosec
	fg := baProblem(t, rand.New(rand.NewSource(2)))
	solver, err := NewSolver(fg, DefaultSolverConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := solver.Solve(ctx)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, res.Iterations, test.ShouldEqual, 0)
}

func TestSolverConvergence(t *testing.T) {
	//nolint:gosec
	fg := baProblem(t, rand.New(rand.NewSource(3)))
	cfg := SolverConfig{MaxIterations: 100, LambdaInit: 1e4, CostTolerance: 1e-6}
	solver, err := NewSolver(fg, cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	res, err := solver.Solve(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Converged, test.ShouldBeTrue)
	test.That(t, res.Iterations, test.ShouldBeLessThan, 100)
}

func TestSchurComplement(t *testing.T) {
	//nolint:gosec
	rng := rand.New(rand.NewSource(4))
	const n, m = 7, 3
	A := mat.NewDense(n+2, n, nil)
	for i := 0; i < n+2; i++ {
		for j := 0; j < n; j++ {
			A.Set(i, j, rng.NormFloat64())
		}
	}
	var H mat.Dense
	H.Mul(A.T(), A)
	g := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		g.SetVec(i, rng.NormFloat64())
	}

	Hmarg, gmarg, err := SchurComplement(&H, g, m)
	test.That(t, err, test.ShouldBeNil)

	// the marginal system has the same solution for the remaining variables
	var full, reduced mat.VecDense
	test.That(t, full.SolveVec(&H, g), test.ShouldBeNil)
	test.That(t, reduced.SolveVec(Hmarg, gmarg), test.ShouldBeNil)
	for i := 0; i < n-m; i++ {
		test.That(t, reduced.AtVec(i), test.ShouldAlmostEqual, full.AtVec(m+i), 1e-8)
	}

	E, err := DecompHessian(Hmarg)
	test.That(t, err, test.ShouldBeNil)
	var EtE mat.Dense
	EtE.Mul(E.T(), E)
	for i := 0; i < n-m; i++ {
		for j := 0; j < n-m; j++ {
			test.That(t, EtE.At(i, j), test.ShouldAlmostEqual, Hmarg.At(i, j), 1e-8)
		}
	}

	_, _, err = SchurComplement(&H, g, 0)
	test.That(t, err, test.ShouldNotBeNil)
	_, _, err = SchurComplement(&H, mat.NewVecDense(2, nil), 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestMargFactor(t *testing.T) {
	pose := NewPose(0, spatialmath.NewPoseFromRotation(spatialmath.Euler321(0.1, 0.2, 0.3), r3.Vector{X: 1}))
	feature := NewFeature(r3.Vector{X: 1, Y: 2, Z: 3})
	register(t, pose, feature)

	const n = 9
	//nolint:gosec
	rng := rand.New(rand.NewSource(5))
	A := mat.NewDense(n+3, n, nil)
	for i := 0; i < n+3; i++ {
		for j := 0; j < n; j++ {
			A.Set(i, j, rng.NormFloat64())
		}
	}
	var H mat.Dense
	H.Mul(A.T(), A)
	g := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		g.SetVec(i, rng.NormFloat64())
	}

	f, err := NewMargFactor([]*StateVariable{pose, feature}, &H, g)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.ParamIDs(), test.ShouldResemble, []ParamID{pose.ID, feature.ID})

	// at the linearization point E^T r0 = -g
	eval := evalAt(f, pose, feature)
	var Etr mat.VecDense
	Etr.MulVec(f.E.T(), eval.Residual)
	for i := 0; i < n; i++ {
		test.That(t, Etr.AtVec(i), test.ShouldAlmostEqual, -g.AtVec(i), 1e-8)
	}
	test.That(t, CheckJacobian(f, []*StateVariable{pose, feature}, jacobianStep, jacobianThreshold), test.ShouldBeNil)

	_, err = NewMargFactor([]*StateVariable{pose}, &H, g)
	test.That(t, err, test.ShouldNotBeNil)
}
