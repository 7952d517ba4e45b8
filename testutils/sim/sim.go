// Package sim generates a synthetic visual-inertial dataset: a rig driving a circle inside a box
// of landmarks, observed by a stereo camera pair and an IMU.
package sim

import (
	"math"
	"math/rand"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/chutsu/proto/rimage/transform"
	"github.com/chutsu/proto/spatialmath"
	"github.com/chutsu/proto/utils"
)

const (
	nanosPerSecond = 1e9
	cameraFOV      = 120.0
)

// Config describes the simulated scenario.
type Config struct {
	CircleRadius   float64 `json:"circle_radius"`
	CircleVelocity float64 `json:"circle_velocity"`
	CameraRate     float64 `json:"camera_rate"`
	ImuRate        float64 `json:"imu_rate"`
	NumFeatures    int     `json:"num_features"`
	// Duration in seconds. Zero drives one full circle.
	Duration float64 `json:"duration,omitempty"`
	// StereoBaseline separates camera 1 from camera 0 along the camera x axis.
	StereoBaseline float64 `json:"stereo_baseline"`
	// PixelNoise is the standard deviation of the pixel noise added to camera measurements.
	PixelNoise float64 `json:"pixel_noise,omitempty"`
	Seed       int64   `json:"seed"`
}

// DefaultConfig returns a 5 m circle driven at 1 m/s, with 200 landmarks, a 10 Hz camera pair and
// a 200 Hz IMU.
func DefaultConfig() Config {
	return Config{
		CircleRadius:   5.0,
		CircleVelocity: 1.0,
		CameraRate:     10.0,
		ImuRate:        200.0,
		NumFeatures:    200,
		StereoBaseline: 0.1,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	var errs error
	for _, field := range []struct {
		name  string
		value float64
	}{
		{"circle_radius", cfg.CircleRadius},
		{"circle_velocity", cfg.CircleVelocity},
		{"camera_rate", cfg.CameraRate},
		{"imu_rate", cfg.ImuRate},
	} {
		if field.value <= 0 {
			errs = multierr.Append(errs, errors.Errorf("%q must be positive, got %v", field.name, field.value))
		}
	}
	if cfg.NumFeatures < 4 {
		errs = multierr.Append(errs, errors.Errorf("\"num_features\" must be at least 4, got %d", cfg.NumFeatures))
	}
	if cfg.Duration < 0 || cfg.StereoBaseline < 0 || cfg.PixelNoise < 0 {
		errs = multierr.Append(errs, errors.New("duration, stereo_baseline and pixel_noise cannot be negative"))
	}
	if errs != nil {
		return utils.NewConfigValidationError(path, errs)
	}
	return nil
}

// ImuData holds the IMU samples together with the true body state at each of them.
type ImuData struct {
	Timestamps []int64
	Poses      []spatialmath.Pose
	Velocities []r3.Vector
	Acc        []r3.Vector
	Gyr        []r3.Vector
}

// CameraFrame is what one camera observes at one timestamp.
type CameraFrame struct {
	Timestamp int64
	CamIndex  int
	// Pose is the true camera pose T_WC.
	Pose         spatialmath.Pose
	FeatureIDs   []int
	Measurements []r2.Point
}

// Camera is a simulated camera and its frames.
type Camera struct {
	Index      int
	Geometry   *transform.CameraGeometry
	Params     []float64
	Extrinsics spatialmath.Pose
	Timestamps []int64
	Frames     map[int64]*CameraFrame
}

// EventKind tells the sensor of an Event.
type EventKind int

const (
	// ImuEvent is an accelerometer and gyroscope sample.
	ImuEvent EventKind = iota
	// CameraEvent is a camera frame.
	CameraEvent
)

// Event is one sensor reading of the timeline.
type Event struct {
	Timestamp int64
	Kind      EventKind
	Acc       r3.Vector
	Gyr       r3.Vector
	Frame     *CameraFrame
}

// Data is a simulated dataset.
type Data struct {
	Config   Config
	Features []r3.Vector
	Imu      *ImuData
	Cameras  []*Camera

	w         float64
	thetaInit float64
	yawInit   float64
	endTs     int64
	rng       *rand.Rand
}

// New simulates the scenario described by cfg.
func New(cfg Config) (*Data, error) {
	if err := cfg.Validate("sim"); err != nil {
		return nil, err
	}
	timeTaken := 2.0 * math.Pi * cfg.CircleRadius / cfg.CircleVelocity
	duration := cfg.Duration
	if duration == 0 {
		duration = timeTaken
	}
	//nolint:gosec
	d := &Data{
		Config:    cfg,
		w:         -2.0 * math.Pi / timeTaken,
		thetaInit: math.Pi,
		yawInit:   math.Pi / 2.0,
		endTs:     SecondsToTimestamp(duration),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
	}
	d.Features = d.perimeterFeatures()
	d.Imu = d.simImu()

	// Both cameras look along the body x axis, camera 1 sits StereoBaseline along camera 0's x.
	cBC := spatialmath.Euler321(-math.Pi/2, 0, -math.Pi/2)
	exts0 := spatialmath.NewPoseFromRotation(cBC, r3.Vector{})
	exts1 := exts0.Compose(spatialmath.NewPose(r3.Vector{X: cfg.StereoBaseline}, spatialmath.IdentityPose().Rot))
	for idx, exts := range []spatialmath.Pose{exts0, exts1} {
		cam, err := d.simCamera(idx, exts)
		if err != nil {
			return nil, err
		}
		d.Cameras = append(d.Cameras, cam)
	}
	return d, nil
}

// SecondsToTimestamp converts seconds to a nanosecond timestamp.
func SecondsToTimestamp(s float64) int64 {
	return int64(math.Round(s * nanosPerSecond))
}

// TimestampToSeconds converts a nanosecond timestamp to seconds.
func TimestampToSeconds(ts int64) float64 {
	return float64(ts) / nanosPerSecond
}

func (d *Data) angles(ts int64) (float64, float64) {
	t := TimestampToSeconds(ts)
	return d.thetaInit + d.w*t, d.yawInit + d.w*t
}

// BodyPose returns the true body pose T_WB at ts.
func (d *Data) BodyPose(ts int64) spatialmath.Pose {
	theta, yaw := d.angles(ts)
	r := d.Config.CircleRadius
	trans := r3.Vector{X: r * math.Cos(theta), Y: r * math.Sin(theta)}
	return spatialmath.NewPoseFromRotation(spatialmath.Euler321(yaw, 0, 0), trans)
}

// BodyVelocity returns the true body velocity in the world frame at ts.
func (d *Data) BodyVelocity(ts int64) r3.Vector {
	theta, _ := d.angles(ts)
	r := d.Config.CircleRadius
	return r3.Vector{X: -r * d.w * math.Sin(theta), Y: r * d.w * math.Cos(theta)}
}

func (d *Data) bodyAcceleration(ts int64) r3.Vector {
	theta, _ := d.angles(ts)
	r := d.Config.CircleRadius
	return r3.Vector{X: -r * d.w * d.w * math.Cos(theta), Y: -r * d.w * d.w * math.Sin(theta)}
}

// perimeterFeatures scatters landmarks uniformly over the four walls of a box around the circle.
func (d *Data) perimeterFeatures() []r3.Vector {
	w := d.Config.CircleRadius * 2.0
	l := d.Config.CircleRadius * 2.0
	h := d.Config.CircleRadius * 1.5
	uniform := func(lo, hi float64) float64 { return lo + d.rng.Float64()*(hi-lo) }

	perSide := d.Config.NumFeatures / 4
	walls := [][3][2]float64{
		{{-w, w}, {l, l}, {-h, h}},
		{{w, w}, {-l, l}, {-h, h}},
		{{-w, w}, {-l, -l}, {-h, h}},
		{{-w, -w}, {-l, l}, {-h, h}},
	}
	features := make([]r3.Vector, 0, 4*perSide)
	for _, wall := range walls {
		for i := 0; i < perSide; i++ {
			features = append(features, r3.Vector{
				X: uniform(wall[0][0], wall[0][1]),
				Y: uniform(wall[1][0], wall[1][1]),
				Z: uniform(wall[2][0], wall[2][1]),
			})
		}
	}
	return features
}

func (d *Data) simImu() *ImuData {
	data := &ImuData{}
	gravity := r3.Vector{Z: 9.81}
	wWS := r3.Vector{Z: d.w}
	dt := SecondsToTimestamp(1.0 / d.Config.ImuRate)
	for ts := int64(0); ts <= d.endTs; ts += dt {
		pose := d.BodyPose(ts)
		cWS := pose.RotationMatrix().T()
		data.Timestamps = append(data.Timestamps, ts)
		data.Poses = append(data.Poses, pose)
		data.Velocities = append(data.Velocities, d.BodyVelocity(ts))
		data.Acc = append(data.Acc, spatialmath.MatVec(cWS, d.bodyAcceleration(ts).Add(gravity)))
		data.Gyr = append(data.Gyr, spatialmath.MatVec(cWS, wWS))
	}
	return data
}

func (d *Data) simCamera(idx int, exts spatialmath.Pose) (*Camera, error) {
	res := [2]int{640, 480}
	geom, err := transform.NewCameraGeometry(idx, res, transform.PinholeProjectionType, transform.RadTan4DistortionType)
	if err != nil {
		return nil, err
	}
	f := transform.FocalLength(res[0], cameraFOV)
	cam := &Camera{
		Index:      idx,
		Geometry:   geom,
		Params:     geom.DefaultParams(f, f),
		Extrinsics: exts,
		Frames:     map[int64]*CameraFrame{},
	}

	dt := SecondsToTimestamp(1.0 / d.Config.CameraRate)
	for ts := int64(0); ts <= d.endTs; ts += dt {
		frame := &CameraFrame{Timestamp: ts, CamIndex: idx, Pose: d.BodyPose(ts).Compose(exts)}
		tCW := frame.Pose.Inverse()
		for fid, pW := range d.Features {
			z, ok := geom.Project(cam.Params, tCW.TransformPoint(pW))
			if !ok {
				continue
			}
			if d.Config.PixelNoise > 0 {
				z = z.Add(r2.Point{X: d.rng.NormFloat64(), Y: d.rng.NormFloat64()}.Mul(d.Config.PixelNoise))
			}
			frame.FeatureIDs = append(frame.FeatureIDs, fid)
			frame.Measurements = append(frame.Measurements, z)
		}
		cam.Timestamps = append(cam.Timestamps, ts)
		cam.Frames[ts] = frame
	}
	return cam, nil
}

// CameraTimestamps returns the frame timestamps shared by every camera.
func (d *Data) CameraTimestamps() []int64 {
	return d.Cameras[0].Timestamps
}

// Frames returns the frame of every camera at ts.
func (d *Data) Frames(ts int64) map[int]*CameraFrame {
	frames := map[int]*CameraFrame{}
	for _, cam := range d.Cameras {
		if frame, ok := cam.Frames[ts]; ok {
			frames[cam.Index] = frame
		}
	}
	return frames
}

// Timeline returns every sensor event ordered by timestamp. IMU samples come before camera
// frames taken at the same time.
func (d *Data) Timeline() []Event {
	var events []Event
	for i, ts := range d.Imu.Timestamps {
		events = append(events, Event{Timestamp: ts, Kind: ImuEvent, Acc: d.Imu.Acc[i], Gyr: d.Imu.Gyr[i]})
	}
	for _, cam := range d.Cameras {
		for _, ts := range cam.Timestamps {
			events = append(events, Event{Timestamp: ts, Kind: CameraEvent, Frame: cam.Frames[ts]})
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
	return events
}
