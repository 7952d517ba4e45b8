// Package tracker implements the sliding-window visual-inertial estimator. Camera frames become
// keyframes of a factor graph, IMU samples between them become preintegrated factors, and the
// window is re-solved and trimmed after every frame.
package tracker

import (
	"context"
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"gonum.org/v1/gonum/stat"

	"github.com/chutsu/proto/estimation"
	"github.com/chutsu/proto/logging"
	"github.com/chutsu/proto/rimage/transform"
	"github.com/chutsu/proto/spatialmath"
	"github.com/chutsu/proto/vision/tracking"
)

var (
	// ErrImuNotConfigured is returned for IMU samples delivered before AddImu.
	ErrImuNotConfigured = errors.New("imu not configured")
	// ErrNoInitialPose is returned for frames delivered before SetInitialPose.
	ErrNoInitialPose = errors.New("initial pose not set")
)

// State is the lifecycle state of a Tracker.
type State int

const (
	// Uninitialized is the state before the first keyframe.
	Uninitialized State = iota
	// Tracking is the state once a keyframe exists.
	Tracking
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Tracking:
		return "tracking"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// FeatureTracker associates image features across time and cameras.
// *tracking.FeatureTracker is the default implementation.
type FeatureTracker interface {
	AddCamera(idx int, geom *transform.CameraGeometry, params []float64, exts spatialmath.Pose) error
	UpdateCamera(idx int, params []float64, exts spatialmath.Pose) error
	AddOverlap(i, j int) error
	Update(ts int64, images map[int]*image.Gray) (map[int]*tracking.CameraData, error)
}

// KeyFrame is a solved camera frame. It owns the factors it introduced so that they can be
// retracted together when it leaves the window. The IMU factor and speed and biases variable
// belong to the older of the two keyframes they connect.
type KeyFrame struct {
	Timestamp     int64
	Images        map[int]*image.Gray
	Pose          *estimation.StateVariable
	SpeedBiases   *estimation.StateVariable
	VisionFactors []estimation.FactorID
	ImuFactor     estimation.FactorID
}

// TimedPose is a body pose T_WB at a timestamp.
type TimedPose struct {
	Timestamp int64
	Pose      spatialmath.Pose
}

// Tracker is the sliding-window estimator. It is not safe for concurrent use; sensor events
// must be delivered in timestamp order.
type Tracker struct {
	cfg     Config
	ft      FeatureTracker
	logger  logging.Logger
	session uuid.UUID
	graph   *estimation.FactorGraph
	state   State

	imuParams  *estimation.ImuParams
	imuBuf     *estimation.ImuBuffer
	imuStarted bool

	initPose *spatialmath.Pose
	camIdxs  []int
	cams     map[int]*estimation.StateVariable
	exts     map[int]*estimation.StateVariable
	features map[int]*estimation.StateVariable

	keyframes []*KeyFrame
	history   []TimedPose
	lastStats estimation.ReprojStats
}

// New returns a tracker fed by ft.
func New(cfg Config, ft FeatureTracker, logger logging.Logger) (*Tracker, error) {
	if err := cfg.Validate("tracker"); err != nil {
		return nil, err
	}
	if ft == nil {
		return nil, errors.New("tracker needs a feature tracker")
	}
	session := uuid.New()
	return &Tracker{
		cfg:      cfg,
		ft:       ft,
		logger:   logger.With("session", session.String()),
		session:  session,
		graph:    estimation.NewFactorGraph(),
		cams:     map[int]*estimation.StateVariable{},
		exts:     map[int]*estimation.StateVariable{},
		features: map[int]*estimation.StateVariable{},
	}, nil
}

// Session identifies this tracker in its log entries.
func (t *Tracker) Session() uuid.UUID {
	return t.session
}

// State returns the lifecycle state.
func (t *Tracker) State() State {
	return t.state
}

// Graph returns the factor graph of the window.
func (t *Tracker) Graph() *estimation.FactorGraph {
	return t.graph
}

// NumKeyframes returns the number of keyframes in the window.
func (t *Tracker) NumKeyframes() int {
	return len(t.keyframes)
}

// NumFeatures returns the number of live feature variables.
func (t *Tracker) NumFeatures() int {
	return len(t.features)
}

// Keyframes returns the keyframes of the window, oldest first.
func (t *Tracker) Keyframes() []*KeyFrame {
	return t.keyframes
}

// LastStats returns the reprojection statistics of the last solved frame.
func (t *Tracker) LastStats() estimation.ReprojStats {
	return t.lastStats
}

// Trajectory returns the poses of the keyframes that left the window, as they were when they
// left, followed by the current estimates of the window.
func (t *Tracker) Trajectory() []TimedPose {
	out := make([]TimedPose, 0, len(t.history)+len(t.keyframes))
	out = append(out, t.history...)
	for _, kf := range t.keyframes {
		out = append(out, TimedPose{Timestamp: kf.Timestamp, Pose: kf.Pose.Pose()})
	}
	return out
}

// AddImu configures the IMU.
func (t *Tracker) AddImu(params estimation.ImuParams) error {
	if err := params.Validate("imu"); err != nil {
		return err
	}
	t.imuParams = &params
	t.imuBuf = estimation.NewImuBuffer()
	return nil
}

// AddCamera registers camera idx with intrinsics params and extrinsics T_BC.
func (t *Tracker) AddCamera(idx int, cam *transform.CameraGeometry, params []float64, exts spatialmath.Pose) error {
	if _, ok := t.cams[idx]; ok {
		return errors.Errorf("camera %d already added", idx)
	}
	if err := cam.CheckValid(params); err != nil {
		return err
	}
	if err := t.ft.AddCamera(idx, cam, params, exts); err != nil {
		return err
	}

	camVar := estimation.NewCamera(cam, params)
	camVar.Fixed = !t.cfg.EstimateIntrinsics
	extVar := estimation.NewExtrinsics(exts)
	extVar.Fixed = !t.cfg.EstimateExtrinsics
	for _, sv := range []*estimation.StateVariable{camVar, extVar} {
		if _, err := t.graph.AddParam(sv); err != nil {
			return err
		}
	}

	t.cams[idx] = camVar
	t.exts[idx] = extVar
	t.camIdxs = append(t.camIdxs, idx)
	sort.Ints(t.camIdxs)
	return nil
}

// AddOverlap declares that cameras i and j share a field of view.
func (t *Tracker) AddOverlap(i, j int) error {
	for _, idx := range []int{i, j} {
		if _, ok := t.cams[idx]; !ok {
			return errors.Errorf("camera %d not added", idx)
		}
	}
	return t.ft.AddOverlap(i, j)
}

// SetInitialPose sets the body pose T_WB of the first keyframe. It can only be set once.
func (t *Tracker) SetInitialPose(pose spatialmath.Pose) error {
	if t.initPose != nil {
		return errors.New("initial pose already set")
	}
	t.initPose = &pose
	return nil
}

// InertialCallback buffers an IMU sample.
func (t *Tracker) InertialCallback(ts int64, acc, gyr r3.Vector) error {
	if t.imuParams == nil {
		return ErrImuNotConfigured
	}
	t.imuBuf.Add(ts, acc, gyr)
	t.imuStarted = true
	return nil
}

// VisionCallback processes the synchronized frames of every camera taken at ts: it tracks
// features, adds a keyframe, solves the window and trims it.
func (t *Tracker) VisionCallback(ctx context.Context, ts int64, images map[int]*image.Gray) error {
	if t.initPose == nil {
		return ErrNoInitialPose
	}
	if t.imuParams != nil && !t.imuStarted {
		return nil
	}

	camData, err := t.ft.Update(ts, images)
	if err != nil {
		return errors.Wrap(err, "feature tracking")
	}

	kf := t.addKeyframe(ts, images)
	observed := t.processFeatures(ts, kf, camData)
	t.addVisionFactors(kf, observed)
	if t.imuParams != nil {
		t.addImuFactor(kf)
	}
	t.keyframes = append(t.keyframes, kf)
	t.state = Tracking

	if len(t.keyframes) > 1 {
		if err := t.solve(ctx); err != nil {
			return err
		}
		t.filterOutliers()
	}
	for len(t.keyframes) > t.cfg.WindowSize {
		if err := t.evictOldest(); err != nil {
			return err
		}
	}

	t.logStats()
	return nil
}

func (t *Tracker) addKeyframe(ts int64, images map[int]*image.Gray) *KeyFrame {
	seed := *t.initPose
	if n := len(t.keyframes); n > 0 {
		seed = t.keyframes[n-1].Pose.Pose()
	}
	pose := estimation.NewPose(ts, seed)
	// The oldest pose of the window anchors the gauge.
	pose.Fixed = len(t.keyframes) == 0
	// Fresh variables always register.
	//nolint:errcheck
	t.graph.AddParam(pose)
	return &KeyFrame{
		Timestamp: ts,
		Images:    images,
		Pose:      pose,
		ImuFactor: estimation.InvalidFactorID,
	}
}

// processFeatures records the observations at ts and triangulates the features seen by
// overlapping cameras for the first time. It returns the observed feature ids.
func (t *Tracker) processFeatures(ts int64, kf *KeyFrame, camData map[int]*tracking.CameraData) []int {
	var observed []int
	for _, idx := range t.camIdxs {
		cd, ok := camData[idx]
		if !ok {
			continue
		}
		cam := t.cams[idx]
		tWC := kf.Pose.Pose().Compose(t.exts[idx].Pose())
		for n, fid := range cd.FeatureIDs {
			feature, ok := t.features[fid]
			if !ok {
				// placed at the default inverse depth until triangulated
				idp := estimation.InverseDepthParam(cam.Camera(), cam.Value, tWC, cd.Keypoints[n].Pt)
				feature = estimation.NewFeature(estimation.InverseDepthPoint(idp))
				feature.Aux = estimation.NewFeatureMeasurements(fid)
				//nolint:errcheck
				t.graph.AddParam(feature)
				t.features[fid] = feature
			}
			feature.Measurements().Update(ts, idx, cd.Keypoints[n].Pt)
			observed = append(observed, fid)
		}
	}
	observed = lo.Uniq(observed)

	pose := kf.Pose.Pose()
	for _, fid := range observed {
		feature := t.features[fid]
		fm := feature.Measurements()
		if fm.Initialized() || !fm.HasOverlap(ts) {
			continue
		}
		pW, ok := t.triangulate(pose, fm.Overlaps(ts))
		if !ok {
			continue
		}
		feature.Value = []float64{pW.X, pW.Y, pW.Z}
		fm.SetInitialized(true)
	}
	return observed
}

// triangulate intersects the first two overlapping observations and returns the point in the
// world frame. A point behind the first camera is left for a later frame.
func (t *Tracker) triangulate(pose spatialmath.Pose, overlaps []estimation.CamMeasurement) (r3.Vector, bool) {
	mI, mJ := overlaps[0], overlaps[1]
	camI, camJ := t.cams[mI.CamIndex], t.cams[mJ.CamIndex]
	tBCi := t.exts[mI.CamIndex].Pose()
	tCiCj := tBCi.Inverse().Compose(t.exts[mJ.CamIndex].Pose())

	pI := transform.PinholeP(camI.Value, spatialmath.IdentityPose())
	pJ := transform.PinholeP(camJ.Value, tCiCj)
	zI := camI.Camera().Undistort(camI.Value, mI.Pixel)
	zJ := camJ.Camera().Undistort(camJ.Value, mJ.Pixel)
	pCi, ok := transform.LinearTriangulation(pI, pJ, zI, zJ)
	if !ok || pCi.Z < 0 {
		return r3.Vector{}, false
	}
	return pose.Compose(tBCi).TransformPoint(pCi), true
}

func (t *Tracker) addVisionFactors(kf *KeyFrame, observed []int) {
	for _, fid := range observed {
		feature := t.features[fid]
		fm := feature.Measurements()
		if !fm.Initialized() {
			continue
		}
		for _, m := range fm.Overlaps(kf.Timestamp) {
			if err := t.addVisionFactor(kf, feature, m.CamIndex, m.Pixel); err != nil {
				t.logger.Warnw("cannot add vision factor", "feature", fid, "camera", m.CamIndex, "error", err)
			}
		}
	}
}

func (t *Tracker) addVisionFactor(kf *KeyFrame, feature *estimation.StateVariable, camIdx int, z r2.Point) error {
	cam := t.cams[camIdx]
	f, err := estimation.NewVisionFactor(cam.Camera(), kf.Pose.ID, t.exts[camIdx].ID, feature.ID, cam.ID, z, nil)
	if err != nil {
		return err
	}
	id, err := t.graph.AddFactor(f)
	if err != nil {
		return err
	}
	kf.VisionFactors = append(kf.VisionFactors, id)
	return nil
}

// addImuFactor gives kf a speed and biases variable and connects it to the previous keyframe
// with the IMU samples taken in between.
func (t *Tracker) addImuFactor(kf *KeyFrame) {
	var prev *KeyFrame
	if n := len(t.keyframes); n > 0 {
		prev = t.keyframes[n-1]
	}

	sb := estimation.NewSpeedBiases(kf.Timestamp, r3.Vector{}, r3.Vector{}, r3.Vector{})
	if prev != nil {
		copy(sb.Value, prev.SpeedBiases.Value)
	}
	//nolint:errcheck
	t.graph.AddParam(sb)
	kf.SpeedBiases = sb
	if prev == nil {
		return
	}

	window, err := t.imuBuf.Extract(prev.Timestamp, kf.Timestamp)
	if err != nil {
		t.logger.Warnw("no imu window between keyframes", "start", prev.Timestamp, "end", kf.Timestamp, "error", err)
		return
	}
	ids := []estimation.ParamID{prev.Pose.ID, prev.SpeedBiases.ID, kf.Pose.ID, sb.ID}
	f, err := estimation.NewImuFactor(ids, *t.imuParams, window, prev.SpeedBiases)
	if err != nil {
		t.logger.Warnw("cannot preintegrate imu window", "error", err)
		return
	}
	id, err := t.graph.AddFactor(f)
	if err != nil {
		t.logger.Warnw("cannot add imu factor", "error", err)
		return
	}
	prev.ImuFactor = id

	_, vJ := f.Predict(prev.Pose.Pose(), spatialmath.SliceToR3(prev.SpeedBiases.Value))
	sb.Value[0], sb.Value[1], sb.Value[2] = vJ.X, vJ.Y, vJ.Z
}

func (t *Tracker) solve(ctx context.Context) error {
	solver, err := estimation.NewSolver(t.graph, t.cfg.Solver, t.logger)
	if err != nil {
		return err
	}
	res, err := solver.Solve(ctx)
	if err != nil {
		return errors.Wrap(err, "solving window")
	}
	t.logger.Debugw("solved window",
		"keyframes", len(t.keyframes),
		"iterations", res.Iterations,
		"initial_cost", res.InitialCost,
		"final_cost", res.FinalCost,
		"invalid", res.InvalidEvaluations)

	if t.cfg.EstimateIntrinsics || t.cfg.EstimateExtrinsics {
		for _, idx := range t.camIdxs {
			if err := t.ft.UpdateCamera(idx, t.cams[idx].Value, t.exts[idx].Pose()); err != nil {
				return err
			}
		}
	}
	return nil
}

// filterOutliers drops, per keyframe, the vision factors whose residual norm reaches
// OutlierSigma population standard deviations of that keyframe's residual norms. Factors that
// no longer project are dropped first and take no part in the statistics.
func (t *Tracker) filterOutliers() {
	for _, kf := range t.keyframes {
		outlier := make(map[estimation.FactorID]bool, len(kf.VisionFactors))
		norms := make(map[estimation.FactorID]float64, len(kf.VisionFactors))
		var valid []float64
		for _, id := range kf.VisionFactors {
			eval, err := t.graph.Residual(id)
			if err != nil {
				continue
			}
			if !eval.Valid {
				outlier[id] = true
				continue
			}
			norms[id] = eval.Residual.Norm(2)
			valid = append(valid, norms[id])
		}
		threshold := math.Inf(1)
		if len(valid) >= 2 {
			_, std := stat.PopMeanStdDev(valid, nil)
			if std > 0 {
				threshold = t.cfg.OutlierSigma * std
			}
		}
		for id, norm := range norms {
			if norm >= threshold {
				outlier[id] = true
			}
		}
		if len(outlier) == 0 {
			continue
		}

		kept := kf.VisionFactors[:0]
		removed := 0
		for _, id := range kf.VisionFactors {
			if !outlier[id] {
				kept = append(kept, id)
				continue
			}
			if err := t.graph.RemoveFactor(id); err != nil {
				t.logger.Warnw("cannot remove outlier", "factor", id, "error", err)
				kept = append(kept, id)
				continue
			}
			removed++
		}
		kf.VisionFactors = kept
		if removed > 0 {
			t.logger.Debugw("removed outliers", "keyframe", kf.Timestamp, "removed", removed, "threshold", threshold)
		}
	}
}

// evictOldest retracts the oldest keyframe with everything it owns, then drops the features
// left without observations in the window.
func (t *Tracker) evictOldest() error {
	kf := t.keyframes[0]
	for _, id := range kf.VisionFactors {
		if err := t.graph.RemoveFactor(id); err != nil {
			return errors.Wrap(err, "evicting vision factor")
		}
	}
	if kf.ImuFactor != estimation.InvalidFactorID {
		if err := t.graph.RemoveFactor(kf.ImuFactor); err != nil {
			return errors.Wrap(err, "evicting imu factor")
		}
	}
	if err := t.graph.RemoveParam(kf.Pose.ID); err != nil {
		return errors.Wrap(err, "evicting pose")
	}
	if kf.SpeedBiases != nil {
		if err := t.graph.RemoveParam(kf.SpeedBiases.ID); err != nil {
			return errors.Wrap(err, "evicting speed and biases")
		}
	}

	t.history = append(t.history, TimedPose{Timestamp: kf.Timestamp, Pose: kf.Pose.Pose()})
	t.keyframes = t.keyframes[1:]
	t.keyframes[0].Pose.Fixed = true

	for fid, feature := range t.features {
		fm := feature.Measurements()
		fm.Remove(kf.Timestamp)
		if len(fm.Timestamps()) > 0 || t.graph.NumRefs(feature.ID) > 0 {
			continue
		}
		if err := t.graph.RemoveParam(feature.ID); err != nil {
			return errors.Wrap(err, "evicting feature")
		}
		delete(t.features, fid)
	}
	return nil
}

func (t *Tracker) logStats() {
	stats, err := t.graph.ReprojStats()
	if err != nil {
		t.logger.Debugw("no reprojection errors yet", "keyframes", len(t.keyframes))
		return
	}
	t.lastStats = stats
	t.logger.Infow("reprojection error",
		"keyframes", len(t.keyframes),
		"features", len(t.features),
		"mean", stats.Mean,
		"median", stats.Median,
		"rms", stats.RMS,
		"max", stats.Max)
}
