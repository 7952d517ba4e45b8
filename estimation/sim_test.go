package estimation

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/chutsu/proto/logging"
	"github.com/chutsu/proto/spatialmath"
	"github.com/chutsu/proto/testutils/sim"
)

func circleData(t *testing.T, duration float64) *sim.Data {
	t.Helper()
	cfg := sim.DefaultConfig()
	cfg.Duration = duration
	data, err := sim.New(cfg)
	test.That(t, err, test.ShouldBeNil)
	return data
}

func simImuBuffer(data *sim.Data) *ImuBuffer {
	buf := NewImuBuffer()
	for i, ts := range data.Imu.Timestamps {
		buf.Add(ts, data.Imu.Acc[i], data.Imu.Gyr[i])
	}
	return buf
}

func TestImuPropagationOnCircle(t *testing.T) {
	data := circleData(t, 5.0)
	buf := simImuBuffer(data)

	// Chain one second windows, re-anchoring on the predicted state every time.
	pose := data.BodyPose(0)
	vel := data.BodyVelocity(0)
	for k := int64(0); k < 5; k++ {
		start, end := k*second, (k+1)*second
		window, err := buf.Extract(start, end)
		test.That(t, err, test.ShouldBeNil)
		sb := NewSpeedBiases(start, vel, r3.Vector{}, r3.Vector{})
		f, err := NewImuFactor([]ParamID{0, 1, 2, 3}, testImuParams(), window, sb)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.Dt(), test.ShouldAlmostEqual, 1.0, 1e-9)

		pose, vel = f.Predict(pose, vel)
		dTrans, dRot := spatialmath.PoseDelta(pose, data.BodyPose(end))
		test.That(t, dTrans, test.ShouldBeLessThan, 0.05)
		test.That(t, dRot, test.ShouldBeLessThan, math.Pi/180)
	}
}

func TestImuFactorResidualOnCircle(t *testing.T) {
	data := circleData(t, 1.0)
	buf := simImuBuffer(data)
	window, err := buf.Extract(0, second)
	test.That(t, err, test.ShouldBeNil)

	poseI := NewPose(0, data.BodyPose(0))
	sbI := NewSpeedBiases(0, data.BodyVelocity(0), r3.Vector{}, r3.Vector{})
	poseJ := NewPose(second, data.BodyPose(second))
	sbJ := NewSpeedBiases(second, data.BodyVelocity(second), r3.Vector{}, r3.Vector{})
	params := []*StateVariable{poseI, sbI, poseJ, sbJ}

	f, err := NewImuFactor([]ParamID{0, 1, 2, 3}, testImuParams(), window, sbI)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.Eval(paramValues(params), true).Valid, test.ShouldBeTrue)

	// Compare unwhitened errors, the propagated covariance is far tighter than the
	// discretization error of the integration.
	f.sqrtInfo = spatialmath.Eye(imuStateSize)
	eval := f.Eval(paramValues(params), true)
	for i := 0; i < 6; i++ {
		test.That(t, math.Abs(eval.Residual.AtVec(i)), test.ShouldBeLessThan, 1e-3)
	}
	for i := 6; i < imuStateSize; i++ {
		test.That(t, math.Abs(eval.Residual.AtVec(i)), test.ShouldBeLessThan, 1e-6)
	}
	test.That(t, CheckJacobian(f, params, jacobianStep, jacobianThreshold), test.ShouldBeNil)
}

// TestBundleAdjustmentOnCircle refines perturbed camera poses and landmarks from stereo frames
// of the circle scenario. The first stereo pair is fixed to anchor the gauge and the scale.
func TestBundleAdjustmentOnCircle(t *testing.T) {
	data := circleData(t, 1.0)
	//nolint:gosec
	rng := rand.New(rand.NewSource(7))
	fg := NewFactorGraph()

	camIDs := map[int]ParamID{}
	for _, cam := range data.Cameras {
		sv := NewCamera(cam.Geometry, cam.Params)
		sv.Fixed = true
		camIDs[cam.Index] = addParam(t, fg, sv)
	}

	featureIDs := map[int]ParamID{}
	for fid, pW := range data.Features {
		noise := r3.Vector{X: rng.NormFloat64(), Y: rng.NormFloat64(), Z: rng.NormFloat64()}.Mul(0.05)
		featureIDs[fid] = addParam(t, fg, NewFeature(pW.Add(noise)))
	}

	for _, ts := range data.CameraTimestamps() {
		for idx, frame := range data.Frames(ts) {
			pose := NewPose(ts, frame.Pose)
			if ts == 0 {
				pose.Fixed = true
			} else {
				pose.Value = frame.Pose.Update([]float64{
					0.01 * rng.NormFloat64(), 0.01 * rng.NormFloat64(), 0.01 * rng.NormFloat64(),
					0.002 * rng.NormFloat64(), 0.002 * rng.NormFloat64(), 0.002 * rng.NormFloat64(),
				}).Vector()
			}
			poseID := addParam(t, fg, pose)
			cam := data.Cameras[idx]
			for n, fid := range frame.FeatureIDs {
				f, err := NewBAFactor(cam.Geometry, poseID, featureIDs[fid], camIDs[idx], frame.Measurements[n], nil)
				test.That(t, err, test.ShouldBeNil)
				_, err = fg.AddFactor(f)
				test.That(t, err, test.ShouldBeNil)
			}
		}
	}

	// Landmarks never observed would make the system singular.
	for fid, id := range featureIDs {
		if fg.NumRefs(id) == 0 {
			test.That(t, fg.RemoveParam(id), test.ShouldBeNil)
			delete(featureIDs, fid)
		}
	}

	before, err := fg.ReprojStats()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, before.RMS, test.ShouldBeGreaterThan, 0.2)

	solver, err := NewSolver(fg, SolverConfig{MaxIterations: 30, LambdaInit: 1e-2}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	res, err := solver.Solve(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.FinalCost, test.ShouldBeLessThan, res.InitialCost)

	after, err := fg.ReprojStats()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, after.RMS, test.ShouldBeLessThan, 0.1)
}
