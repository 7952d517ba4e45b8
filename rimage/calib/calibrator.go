package calib

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/chutsu/proto/estimation"
	"github.com/chutsu/proto/logging"
	"github.com/chutsu/proto/rimage/transform"
	"github.com/chutsu/proto/spatialmath"
)

const (
	calibMaxIterations = 30
	calibLambdaInit    = 1e4
	initialFOV         = 90.0
)

// View is one camera's detection of the target at one timestamp, with the factors it added.
type View struct {
	Timestamp int64
	CamIndex  int
	Grid      *AprilGrid
	Factors   []estimation.FactorID
}

// Calibrator jointly estimates camera intrinsics, camera extrinsics relative to camera 0 and the
// target pose of every timestamp.
type Calibrator struct {
	logger logging.Logger
	graph  *estimation.FactorGraph

	camIdxs []int
	cams    map[int]*estimation.StateVariable
	exts    map[int]*estimation.StateVariable
	// extsInit marks cameras whose extrinsics have been seeded from a shared view.
	extsInit map[int]bool

	targets map[int64]*estimation.StateVariable
	views   []*View
	pending []pendingView
}

// pendingView is a view that shares no timestamp with a posed target and comes from a camera
// whose extrinsics are still unknown.
type pendingView struct {
	ts     int64
	camIdx int
	grid   *AprilGrid
	tCF    spatialmath.Pose
}

// NewCalibrator returns an empty calibrator.
func NewCalibrator(logger logging.Logger) *Calibrator {
	return &Calibrator{
		logger:   logger,
		graph:    estimation.NewFactorGraph(),
		cams:     map[int]*estimation.StateVariable{},
		exts:     map[int]*estimation.StateVariable{},
		extsInit: map[int]bool{},
		targets:  map[int64]*estimation.StateVariable{},
	}
}

// AddCamera adds camera idx. Its focal lengths start at a 90 degree field of view, its
// principal point at the image centre and its distortion at zero. Camera 0 defines the body
// frame, so its extrinsics are fixed at identity.
func (c *Calibrator) AddCamera(idx int, res [2]int, proj transform.ProjectionType, dist transform.DistortionType) error {
	if _, ok := c.cams[idx]; ok {
		return errors.Errorf("camera %d already added", idx)
	}
	geom, err := transform.NewCameraGeometry(idx, res, proj, dist)
	if err != nil {
		return err
	}
	f := transform.FocalLength(res[0], initialFOV)
	cam := estimation.NewCamera(geom, geom.DefaultParams(f, f))
	exts := estimation.NewExtrinsics(spatialmath.IdentityPose())
	exts.Fixed = idx == 0

	for _, sv := range []*estimation.StateVariable{cam, exts} {
		if _, err := c.graph.AddParam(sv); err != nil {
			return err
		}
	}
	c.cams[idx] = cam
	c.exts[idx] = exts
	c.extsInit[idx] = idx == 0
	c.camIdxs = append(c.camIdxs, idx)
	sort.Ints(c.camIdxs)
	return nil
}

// AddCameraView adds the detection grid of camera camIdx at ts. The target pose T_BF is created
// from the first view of a timestamp by a camera with known extrinsics. A camera seen together
// with an already posed target gets its extrinsics seeded from that view. Views that satisfy
// neither are held back until they do. A view whose pose cannot be estimated is skipped.
func (c *Calibrator) AddCameraView(ts int64, camIdx int, grid *AprilGrid) error {
	cam, ok := c.cams[camIdx]
	if !ok {
		return errors.Errorf("camera %d not added", camIdx)
	}
	if grid == nil || grid.Len() == 0 {
		return errors.New("empty calibration grid")
	}

	tCF, err := grid.SolvePnP(cam.Camera(), cam.Value)
	if err != nil {
		c.logger.Warnw("cannot estimate target pose", "timestamp", ts, "camera", camIdx, "error", err)
		return nil
	}
	c.pending = append(c.pending, pendingView{ts: ts, camIdx: camIdx, grid: grid, tCF: tCF})
	return c.flushPending()
}

// flushPending adds every held back view that can be placed, until none is left that can.
func (c *Calibrator) flushPending() error {
	for progress := true; progress; {
		progress = false
		kept := c.pending[:0]
		for _, p := range c.pending {
			_, posed := c.targets[p.ts]
			if !posed && !c.extsInit[p.camIdx] {
				kept = append(kept, p)
				continue
			}
			if err := c.addView(p); err != nil {
				return err
			}
			progress = true
		}
		c.pending = kept
	}
	return nil
}

func (c *Calibrator) addView(p pendingView) error {
	cam, exts := c.cams[p.camIdx], c.exts[p.camIdx]
	target, ok := c.targets[p.ts]
	switch {
	case !ok:
		target = estimation.NewPose(p.ts, exts.Pose().Compose(p.tCF))
		if _, err := c.graph.AddParam(target); err != nil {
			return err
		}
		c.targets[p.ts] = target
	case !c.extsInit[p.camIdx]:
		// T_BCi = T_BF (T_CiF)^-1
		exts.Value = target.Pose().Compose(p.tCF.Inverse()).Vector()
		c.extsInit[p.camIdx] = true
	}

	view := &View{Timestamp: p.ts, CamIndex: p.camIdx, Grid: p.grid}
	for _, det := range p.grid.Measurements() {
		f, err := estimation.NewCalibVisionFactor(cam.Camera(), target.ID, exts.ID, cam.ID,
			det.TagID, det.Corner, det.ObjectPoint, det.Keypoint, nil)
		if err != nil {
			return err
		}
		id, err := c.graph.AddFactor(f)
		if err != nil {
			return err
		}
		view.Factors = append(view.Factors, id)
	}
	c.views = append(c.views, view)
	return nil
}

// Solve refines every parameter and returns the RMS reprojection error in pixels.
func (c *Calibrator) Solve(ctx context.Context) (float64, error) {
	if len(c.views) == 0 {
		return 0, errors.New("no calibration views")
	}
	if len(c.pending) > 0 {
		c.logger.Warnw("ignoring views of cameras without a shared view", "views", len(c.pending))
	}
	cfg := estimation.SolverConfig{MaxIterations: calibMaxIterations, LambdaInit: calibLambdaInit}
	solver, err := estimation.NewSolver(c.graph, cfg, c.logger)
	if err != nil {
		return 0, err
	}
	res, err := solver.Solve(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "calibration")
	}
	stats, err := c.graph.ReprojStats()
	if err != nil {
		return 0, err
	}
	c.logger.Infow("calibrated",
		"cameras", len(c.cams),
		"views", len(c.views),
		"iterations", res.Iterations,
		"reprojection_errors", stats.Count,
		"rms", stats.RMS)
	return stats.RMS, nil
}

// NumCameras returns the number of cameras.
func (c *Calibrator) NumCameras() int {
	return len(c.cams)
}

// NumViews returns the number of accepted views.
func (c *Calibrator) NumViews() int {
	return len(c.views)
}

// NumPending returns the number of views still waiting for a shared view.
func (c *Calibrator) NumPending() int {
	return len(c.pending)
}

// Views returns the accepted views in the order they were added.
func (c *Calibrator) Views() []*View {
	return c.views
}

// CameraParams returns the current intrinsics of camera idx.
func (c *Calibrator) CameraParams(idx int) ([]float64, bool) {
	cam, ok := c.cams[idx]
	if !ok {
		return nil, false
	}
	return append([]float64(nil), cam.Value...), true
}

// Extrinsics returns the current T_BC of camera idx.
func (c *Calibrator) Extrinsics(idx int) (spatialmath.Pose, bool) {
	exts, ok := c.exts[idx]
	if !ok {
		return spatialmath.Pose{}, false
	}
	return exts.Pose(), true
}

// TargetPose returns the current T_BF at ts.
func (c *Calibrator) TargetPose(ts int64) (spatialmath.Pose, bool) {
	target, ok := c.targets[ts]
	if !ok {
		return spatialmath.Pose{}, false
	}
	return target.Pose(), true
}

// Graph returns the calibration problem.
func (c *Calibrator) Graph() *estimation.FactorGraph {
	return c.graph
}
