package sim

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/chutsu/proto/rimage/transform"
	"github.com/chutsu/proto/spatialmath"
	"github.com/chutsu/proto/vision/keypoints"
	"github.com/chutsu/proto/vision/tracking"
)

// FeatureTracker hands out the simulated measurements of each frame instead of tracking
// images. Feature ids are the simulated landmark indices.
type FeatureTracker struct {
	data     *Data
	cams     map[int]bool
	Overlaps [][2]int
	// Updates counts UpdateCamera calls.
	Updates int
	// Corrupt offsets the measurements of a feature in camera 0 after the first frame.
	Corrupt map[int]r2.Point
}

// NewFeatureTracker returns a feature tracker replaying data.
func NewFeatureTracker(data *Data) *FeatureTracker {
	return &FeatureTracker{data: data, cams: map[int]bool{}, Corrupt: map[int]r2.Point{}}
}

// AddCamera enables the measurements of camera idx.
func (ft *FeatureTracker) AddCamera(idx int, _ *transform.CameraGeometry, _ []float64, _ spatialmath.Pose) error {
	ft.cams[idx] = true
	return nil
}

// UpdateCamera records the call. The simulated measurements do not depend on the estimate.
func (ft *FeatureTracker) UpdateCamera(int, []float64, spatialmath.Pose) error {
	ft.Updates++
	return nil
}

// AddOverlap records the overlap.
func (ft *FeatureTracker) AddOverlap(i, j int) error {
	ft.Overlaps = append(ft.Overlaps, [2]int{i, j})
	return nil
}

// Update returns the measurements of every enabled camera at ts. Images are ignored.
func (ft *FeatureTracker) Update(ts int64, _ map[int]*image.Gray) (map[int]*tracking.CameraData, error) {
	if ft.data == nil {
		return nil, errors.New("no simulated data")
	}
	frames := ft.data.Frames(ts)
	if len(frames) == 0 {
		return nil, errors.Errorf("no frames at %d", ts)
	}
	out := map[int]*tracking.CameraData{}
	for idx, frame := range frames {
		if !ft.cams[idx] {
			continue
		}
		cd := &tracking.CameraData{CamIndex: idx}
		for n, fid := range frame.FeatureIDs {
			z := frame.Measurements[n]
			if offset, ok := ft.Corrupt[fid]; ok && idx == 0 && ts > 0 {
				z = z.Add(offset)
			}
			cd.Keypoints = append(cd.Keypoints, keypoints.Keypoint{Pt: z})
			cd.FeatureIDs = append(cd.FeatureIDs, fid)
		}
		out[idx] = cd
	}
	return out, nil
}
