package cli

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/chutsu/proto/config"
	"github.com/chutsu/proto/estimation"
	"github.com/chutsu/proto/estimation/tracker"
	"github.com/chutsu/proto/logging"
	"github.com/chutsu/proto/rimage/calib"
	"github.com/chutsu/proto/rimage/transform"
	"github.com/chutsu/proto/spatialmath"
	"github.com/chutsu/proto/testutils/sim"
	"github.com/chutsu/proto/utils"
)

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String(generalFlagConfig)
	if path == "" {
		return config.Default(), nil
	}
	return config.Read(path)
}

const (
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 3
)

func newLogger(c *cli.Context, name string) (logging.Logger, error) {
	level, err := logging.LevelFromString(c.String(generalFlagLogLevel))
	if err != nil {
		return nil, err
	}
	if c.Bool(generalFlagDebug) {
		level = logging.DEBUG
	}
	logger := logging.NewBlankLogger(name)
	logger.SetLevel(level)
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	if path := c.String(generalFlagLogFile); path != "" {
		logger.AddAppender(logging.NewFileAppender(path, logFileMaxSizeMB, logFileMaxBackups))
	}
	return logger, nil
}

// SimulateAction runs the estimator over the simulated dataset and reports the trajectory error.
func SimulateAction(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet(simulateFlagDuration) {
		cfg.Sim.Duration = c.Float64(simulateFlagDuration)
	}
	if c.IsSet(simulateFlagWindow) {
		cfg.Tracker.WindowSize = c.Int(simulateFlagWindow)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(c, "simulate")
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, logger.Sync())
	}()

	data, err := sim.New(cfg.Sim)
	if err != nil {
		return err
	}
	tr, err := tracker.New(cfg.Tracker, sim.NewFeatureTracker(data), logger.Sublogger("tracker"))
	if err != nil {
		return err
	}
	for _, cam := range data.Cameras {
		if err := tr.AddCamera(cam.Index, cam.Geometry, cam.Params, cam.Extrinsics); err != nil {
			return err
		}
	}
	if len(data.Cameras) > 1 {
		if err := tr.AddOverlap(data.Cameras[0].Index, data.Cameras[1].Index); err != nil {
			return err
		}
	}
	if err := tr.SetInitialPose(data.BodyPose(0)); err != nil {
		return err
	}
	useImu := c.Bool(simulateFlagImu)
	if useImu {
		params := estimation.DefaultImuParams()
		if cfg.Imu != nil {
			params = *cfg.Imu
		}
		if err := tr.AddImu(params); err != nil {
			return err
		}
	}

	for _, ev := range data.Timeline() {
		switch ev.Kind {
		case sim.ImuEvent:
			if !useImu {
				continue
			}
			if err := tr.InertialCallback(ev.Timestamp, ev.Acc, ev.Gyr); err != nil {
				return err
			}
		case sim.CameraEvent:
			// every camera fires at once, so the rig is processed on the first one
			if ev.Frame.CamIndex != data.Cameras[0].Index {
				continue
			}
			if err := tr.VisionCallback(c.Context, ev.Timestamp, nil); err != nil {
				return errors.Wrapf(err, "frame at %d", ev.Timestamp)
			}
		}
	}

	traj := tr.Trajectory()
	if len(traj) == 0 {
		return errors.New("no keyframes were estimated")
	}
	transErrs := make(stats.Float64Data, 0, len(traj))
	transSq := make(stats.Float64Data, 0, len(traj))
	rotErrs := make(stats.Float64Data, 0, len(traj))
	for _, tp := range traj {
		dTrans, dRot := spatialmath.PoseDelta(tp.Pose, data.BodyPose(tp.Timestamp))
		transErrs = append(transErrs, dTrans)
		transSq = append(transSq, dTrans*dTrans)
		rotErrs = append(rotErrs, dRot)
	}
	meanSq, err := transSq.Mean()
	if err != nil {
		return err
	}
	rmse := math.Sqrt(meanSq)
	maxTrans, err := transErrs.Max()
	if err != nil {
		return err
	}
	meanRot, err := rotErrs.Mean()
	if err != nil {
		return err
	}
	last := tr.LastStats()
	printf(c.App.Writer, "keyframes: %d", len(traj))
	printf(c.App.Writer, "features: %d", tr.NumFeatures())
	printf(c.App.Writer, "translation rmse: %.4f m (max %.4f m)", rmse, maxTrans)
	printf(c.App.Writer, "rotation mean error: %.4f deg", utils.RadToDeg(meanRot))
	printf(c.App.Writer, "reprojection rms: %.4f px", last.RMS)
	return nil
}

// CalibrateAction calibrates the simulated camera rig from generated views of an AprilGrid.
func CalibrateAction(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	numViews := c.Int(calibrateFlagViews)
	if numViews <= 0 {
		return errors.Errorf("--%s must be positive", calibrateFlagViews)
	}
	logger, err := newLogger(c, "calibrate")
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, logger.Sync())
	}()

	data, err := sim.New(cfg.Sim)
	if err != nil {
		return err
	}
	cams := data.Cameras
	calibrator := calib.NewCalibrator(logger)
	// T_C0Ci of every simulated camera
	rig := make([]spatialmath.Pose, len(cams))
	for i, cam := range cams {
		geom := cam.Geometry
		if err := calibrator.AddCamera(cam.Index, geom.Resolution, geom.ProjectionModel, geom.DistortionModel); err != nil {
			return err
		}
		rig[i] = cams[0].Extrinsics.Inverse().Compose(cam.Extrinsics)
	}

	target, err := calib.NewAprilGrid(cfg.AprilGrid, 0)
	if err != nil {
		return err
	}
	//nolint:gosec
	rng := rand.New(rand.NewSource(c.Int64(calibrateFlagSeed)))
	for k, tFC0 := range calib.GenerateRandomPoses(target, numViews, rng) {
		ts := int64(k)
		for i, cam := range cams {
			tCF := tFC0.Compose(rig[i]).Inverse()
			view, err := calib.SimulateView(cfg.AprilGrid, ts, cam.Geometry, cam.Params, tCF)
			if err != nil {
				return err
			}
			if view.Len() == 0 {
				continue
			}
			if err := calibrator.AddCameraView(ts, cam.Index, view); err != nil {
				return err
			}
		}
	}

	rms, err := calibrator.Solve(c.Context)
	if err != nil {
		return err
	}
	printf(c.App.Writer, "views: %d", calibrator.NumViews())
	printf(c.App.Writer, "reprojection rms: %.4f px", rms)

	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Camera", "fx", "fy", "cx", "cy", "Extrinsics error"})
	for i, cam := range cams {
		params, _ := calibrator.CameraParams(cam.Index)
		exts, _ := calibrator.Extrinsics(cam.Index)
		dTrans, dRot := spatialmath.PoseDelta(exts, rig[i])
		row := table.Row{cam.Index}
		for k := 0; k < transform.PinholeParamsSize; k++ {
			row = append(row, fmt.Sprintf("%.2f (%.2f)", params[k], cam.Params[k]))
		}
		row = append(row, fmt.Sprintf("%.5f m, %.3f deg", dTrans, utils.RadToDeg(dRot)))
		tw.AppendRow(row)
	}
	printf(c.App.Writer, "%s", tw.Render())
	return nil
}
