// Package calib calibrates the intrinsics and extrinsics of a camera rig from views of an
// AprilGrid target.
package calib

import (
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/chutsu/proto/rimage/transform"
	"github.com/chutsu/proto/spatialmath"
	"github.com/chutsu/proto/utils"
)

// AprilGridConfig describes the layout of an AprilGrid target.
type AprilGridConfig struct {
	TagRows int     `json:"tag_rows"`
	TagCols int     `json:"tag_cols"`
	TagSize float64 `json:"tag_size"`
	// TagSpacing is the gap between tags as a fraction of TagSize.
	TagSpacing float64 `json:"tag_spacing"`
}

// DefaultAprilGridConfig returns the layout of a 6x6 grid of 8.8cm tags.
func DefaultAprilGridConfig() AprilGridConfig {
	return AprilGridConfig{TagRows: 6, TagCols: 6, TagSize: 0.088, TagSpacing: 0.3}
}

// Validate ensures all parts of the config are valid.
func (cfg *AprilGridConfig) Validate(path string) error {
	var errs error
	if cfg.TagRows <= 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path, "tag_rows"))
	}
	if cfg.TagCols <= 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path, "tag_cols"))
	}
	if cfg.TagSize <= 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path, "tag_size"))
	}
	if cfg.TagSpacing < 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path, errors.New("\"tag_spacing\" cannot be negative")))
	}
	return errs
}

// Detection is one observed tag corner.
type Detection struct {
	TagID       int
	Corner      int
	ObjectPoint r3.Vector
	Keypoint    r2.Point
}

// AprilGrid holds the corners of a calibration target detected in one image. Corner 0 is the
// bottom left corner of a tag and the others follow counter-clockwise.
type AprilGrid struct {
	AprilGridConfig
	Timestamp int64
	data      map[int]map[int]r2.Point
}

// NewAprilGrid returns an empty detection of a target with the given layout.
func NewAprilGrid(cfg AprilGridConfig, ts int64) (*AprilGrid, error) {
	if err := cfg.Validate("aprilgrid"); err != nil {
		return nil, err
	}
	return &AprilGrid{AprilGridConfig: cfg, Timestamp: ts, data: map[int]map[int]r2.Point{}}, nil
}

// NumTags is the number of tags on the target.
func (g *AprilGrid) NumTags() int {
	return g.TagRows * g.TagCols
}

// GridIndex returns the row and column of tagID.
func (g *AprilGrid) GridIndex(tagID int) (int, int, error) {
	if tagID < 0 || tagID >= g.NumTags() {
		return 0, 0, errors.Errorf("tag id %d outside [0, %d)", tagID, g.NumTags())
	}
	return tagID / g.TagCols, tagID % g.TagCols, nil
}

// ObjectPoint returns the position of a tag corner in the target frame.
func (g *AprilGrid) ObjectPoint(tagID, corner int) (r3.Vector, error) {
	i, j, err := g.GridIndex(tagID)
	if err != nil {
		return r3.Vector{}, err
	}
	// origin of the tag, its bottom left corner, relative to the bottom left of the grid
	x := float64(j) * (g.TagSize + g.TagSize*g.TagSpacing)
	y := float64(i) * (g.TagSize + g.TagSize*g.TagSpacing)

	switch corner {
	case 0:
		return r3.Vector{X: x, Y: y}, nil
	case 1:
		return r3.Vector{X: x + g.TagSize, Y: y}, nil
	case 2:
		return r3.Vector{X: x + g.TagSize, Y: y + g.TagSize}, nil
	case 3:
		return r3.Vector{X: x, Y: y + g.TagSize}, nil
	default:
		return r3.Vector{}, errors.Errorf("invalid corner %d of tag %d", corner, tagID)
	}
}

// ObjectPoints returns every corner of the target, tag by tag.
func (g *AprilGrid) ObjectPoints() []r3.Vector {
	out := make([]r3.Vector, 0, 4*g.NumTags())
	for tagID := 0; tagID < g.NumTags(); tagID++ {
		for corner := 0; corner < 4; corner++ {
			p, _ := g.ObjectPoint(tagID, corner)
			out = append(out, p)
		}
	}
	return out
}

// Center returns the centre of the target in its plane.
func (g *AprilGrid) Center() r2.Point {
	center := func(n int) float64 {
		half := float64(n) / 2.0
		return half*g.TagSize + (half-1)*g.TagSpacing*g.TagSize + 0.5*g.TagSpacing*g.TagSize
	}
	return r2.Point{X: center(g.TagCols), Y: center(g.TagRows)}
}

// Add records keypoint kp of a tag corner.
func (g *AprilGrid) Add(tagID, corner int, kp r2.Point) error {
	if _, err := g.ObjectPoint(tagID, corner); err != nil {
		return err
	}
	corners, ok := g.data[tagID]
	if !ok {
		corners = map[int]r2.Point{}
		g.data[tagID] = corners
	}
	corners[corner] = kp
	return nil
}

// Remove drops the keypoint of a tag corner.
func (g *AprilGrid) Remove(tagID, corner int) error {
	if _, ok := g.data[tagID][corner]; !ok {
		return errors.Errorf("tag %d corner %d not detected", tagID, corner)
	}
	delete(g.data[tagID], corner)
	if len(g.data[tagID]) == 0 {
		delete(g.data, tagID)
	}
	return nil
}

// Len returns the number of detected corners.
func (g *AprilGrid) Len() int {
	n := 0
	for _, corners := range g.data {
		n += len(corners)
	}
	return n
}

// Measurements returns the detected corners ordered by tag and corner.
func (g *AprilGrid) Measurements() []Detection {
	out := make([]Detection, 0, g.Len())
	for tagID, corners := range g.data {
		for corner, kp := range corners {
			p, _ := g.ObjectPoint(tagID, corner)
			out = append(out, Detection{TagID: tagID, Corner: corner, ObjectPoint: p, Keypoint: kp})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TagID != out[j].TagID {
			return out[i].TagID < out[j].TagID
		}
		return out[i].Corner < out[j].Corner
	})
	return out
}

// SolvePnP estimates the target pose T_CF in a camera with geometry cam and intrinsics params.
func (g *AprilGrid) SolvePnP(cam *transform.CameraGeometry, params []float64) (spatialmath.Pose, error) {
	dets := g.Measurements()
	if len(dets) == 0 {
		return spatialmath.Pose{}, errors.New("no detections")
	}
	objPts := make([]r3.Vector, len(dets))
	imgPts := make([]r2.Point, len(dets))
	for i, d := range dets {
		objPts[i] = d.ObjectPoint
		imgPts[i] = cam.Undistort(params, d.Keypoint)
	}
	return transform.SolvePnP(objPts, imgPts, transform.PinholeK(params))
}
