// Package estimation implements the parameter and factor model, the Levenberg-Marquardt solver and
// the factor graph that the tracker and the calibrator build their problems on.
package estimation

import (
	"fmt"

	"github.com/golang/geo/r3"

	"github.com/chutsu/proto/rimage/transform"
	"github.com/chutsu/proto/spatialmath"
)

// ParamKind identifies what a StateVariable represents. The order of the constants is the order
// the solver lays parameters out in the linear system.
type ParamKind int

const (
	// PoseKind is a body pose T_WB [rx ry rz qx qy qz qw].
	PoseKind ParamKind = iota
	// SpeedBiasesKind is [v ba bg].
	SpeedBiasesKind
	// FeatureKind is a landmark position p_W.
	FeatureKind
	// CameraKind is a camera intrinsics vector [projection | distortion].
	CameraKind
	// ExtrinsicsKind is a sensor to body transform T_BC.
	ExtrinsicsKind
)

// String returns the name of the kind.
func (k ParamKind) String() string {
	switch k {
	case PoseKind:
		return "pose"
	case SpeedBiasesKind:
		return "speed_and_biases"
	case FeatureKind:
		return "feature"
	case CameraKind:
		return "camera"
	case ExtrinsicsKind:
		return "extrinsics"
	default:
		return fmt.Sprintf("ParamKind(%d)", int(k))
	}
}

// ParamID is a stable handle to a StateVariable registered with a FactorGraph.
type ParamID int

// InvalidParamID is the ID of a variable that has not been registered.
const InvalidParamID ParamID = -1

const (
	speedBiasesSize = 9
	featureSize     = 3
)

// StateVariable is a single optimisable quantity.
type StateVariable struct {
	ID        ParamID
	Timestamp int64
	Kind      ParamKind
	Value     []float64
	Fixed     bool
	// Aux is the *transform.CameraGeometry of a camera variable or the *FeatureMeasurements of
	// a feature variable.
	Aux any
}

// NewPose returns a body pose variable.
func NewPose(ts int64, pose spatialmath.Pose) *StateVariable {
	return &StateVariable{ID: InvalidParamID, Timestamp: ts, Kind: PoseKind, Value: pose.Vector()}
}

// NewExtrinsics returns a sensor extrinsics variable T_BC.
func NewExtrinsics(pose spatialmath.Pose) *StateVariable {
	return &StateVariable{ID: InvalidParamID, Kind: ExtrinsicsKind, Value: pose.Vector()}
}

// NewFeature returns a landmark variable.
func NewFeature(pW r3.Vector) *StateVariable {
	return &StateVariable{ID: InvalidParamID, Kind: FeatureKind, Value: []float64{pW.X, pW.Y, pW.Z}}
}

// NewCamera returns a camera intrinsics variable for geometry cam.
func NewCamera(cam *transform.CameraGeometry, params []float64) *StateVariable {
	value := make([]float64, len(params))
	copy(value, params)
	return &StateVariable{ID: InvalidParamID, Kind: CameraKind, Value: value, Aux: cam}
}

// NewSpeedBiases returns a [v ba bg] variable.
func NewSpeedBiases(ts int64, v, ba, bg r3.Vector) *StateVariable {
	return &StateVariable{
		ID:        InvalidParamID,
		Timestamp: ts,
		Kind:      SpeedBiasesKind,
		Value:     []float64{v.X, v.Y, v.Z, ba.X, ba.Y, ba.Z, bg.X, bg.Y, bg.Z},
	}
}

// TangentDim is the dimension of the local update of the variable.
func (sv *StateVariable) TangentDim() int {
	return tangentDim(sv.Kind, len(sv.Value))
}

func tangentDim(kind ParamKind, size int) int {
	switch kind {
	case PoseKind, ExtrinsicsKind:
		return spatialmath.PoseTangentSize
	case SpeedBiasesKind:
		return speedBiasesSize
	case FeatureKind:
		return featureSize
	case CameraKind:
		return size
	default:
		return size
	}
}

// Pose reads a pose or extrinsics value.
func (sv *StateVariable) Pose() spatialmath.Pose {
	return spatialmath.PoseFromVector(sv.Value)
}

// Point reads a feature value.
func (sv *StateVariable) Point() r3.Vector {
	return spatialmath.SliceToR3(sv.Value)
}

// Camera returns the geometry of a camera variable, or nil.
func (sv *StateVariable) Camera() *transform.CameraGeometry {
	cam, _ := sv.Aux.(*transform.CameraGeometry)
	return cam
}

// Measurements returns the measurements of a feature variable, or nil.
func (sv *StateVariable) Measurements() *FeatureMeasurements {
	fm, _ := sv.Aux.(*FeatureMeasurements)
	return fm
}

// Updated returns the value after applying the tangent step dx. The variable is not modified.
func (sv *StateVariable) Updated(dx []float64) []float64 {
	return updateValue(sv.Kind, sv.Value, dx)
}

// Update applies the tangent step dx in place.
func (sv *StateVariable) Update(dx []float64) {
	sv.Value = updateValue(sv.Kind, sv.Value, dx)
}

// updateValue is the manifold rule: poses compose a quaternion delta on the right, everything
// else is vector addition.
func updateValue(kind ParamKind, value, dx []float64) []float64 {
	switch kind {
	case PoseKind, ExtrinsicsKind:
		return spatialmath.PoseFromVector(value).Update(dx).Vector()
	default:
		out := make([]float64, len(value))
		for i := range value {
			out[i] = value[i] + dx[i]
		}
		return out
	}
}

// perturbed returns the value with tangent coordinate i stepped by h.
func perturbed(kind ParamKind, value []float64, i int, h float64) []float64 {
	dx := make([]float64, tangentDim(kind, len(value)))
	dx[i] = h
	return updateValue(kind, value, dx)
}

// Clone returns a deep copy of the variable's value with the same metadata.
func (sv *StateVariable) Clone() *StateVariable {
	out := *sv
	out.Value = make([]float64, len(sv.Value))
	copy(out.Value, sv.Value)
	return &out
}
