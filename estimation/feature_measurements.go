package estimation

import (
	"sort"

	"github.com/golang/geo/r2"
	"github.com/samber/lo"
)

// CamMeasurement is a pixel observed by one camera.
type CamMeasurement struct {
	CamIndex int
	Pixel    r2.Point
}

// FeatureMeasurements records every observation of one feature, keyed by timestamp and camera.
type FeatureMeasurements struct {
	FeatureID   int
	data        map[int64]map[int]r2.Point
	initialized bool
}

// NewFeatureMeasurements returns an empty record for featureID.
func NewFeatureMeasurements(featureID int) *FeatureMeasurements {
	return &FeatureMeasurements{FeatureID: featureID, data: map[int64]map[int]r2.Point{}}
}

// Update sets the observation of camera camIndex at ts.
func (fm *FeatureMeasurements) Update(ts int64, camIndex int, z r2.Point) {
	cams, ok := fm.data[ts]
	if !ok {
		cams = map[int]r2.Point{}
		fm.data[ts] = cams
	}
	cams[camIndex] = z
}

// Get returns the observation of camera camIndex at ts.
func (fm *FeatureMeasurements) Get(ts int64, camIndex int) (r2.Point, bool) {
	z, ok := fm.data[ts][camIndex]
	return z, ok
}

// HasOverlap reports whether at least two cameras observed the feature at ts.
func (fm *FeatureMeasurements) HasOverlap(ts int64) bool {
	return len(fm.data[ts]) > 1
}

// Overlaps returns the observations at ts sorted by camera index.
func (fm *FeatureMeasurements) Overlaps(ts int64) []CamMeasurement {
	out := lo.MapToSlice(fm.data[ts], func(camIndex int, z r2.Point) CamMeasurement {
		return CamMeasurement{CamIndex: camIndex, Pixel: z}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CamIndex < out[j].CamIndex })
	return out
}

// Timestamps returns the timestamps with at least one observation, in increasing order.
func (fm *FeatureMeasurements) Timestamps() []int64 {
	out := lo.Keys(fm.data)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Remove drops every observation at ts.
func (fm *FeatureMeasurements) Remove(ts int64) {
	delete(fm.data, ts)
}

// Initialized reports whether the feature position has been triangulated.
func (fm *FeatureMeasurements) Initialized() bool {
	return fm.initialized
}

// SetInitialized marks the feature position as triangulated.
func (fm *FeatureMeasurements) SetInitialized(initialized bool) {
	fm.initialized = initialized
}
