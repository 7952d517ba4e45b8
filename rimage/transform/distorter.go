package transform

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// DistortionType is the name of the distortion model.
type DistortionType string

const (
	// RadTan4DistortionType is the radial-tangential model [k1 k2 p1 p2], for narrow field lenses.
	RadTan4DistortionType = DistortionType("radtan4")
	// Equi4DistortionType is the equidistant model [k1 k2 k3 k4], for wide-angle and fisheye lenses.
	Equi4DistortionType = DistortionType("equi4")
)

const (
	// undistortMaxIter caps the Newton iterations of the radial-tangential inverse.
	undistortMaxIter = 5
	// undistortTol is the squared residual below which the inverse stops early.
	undistortTol = 1e-15
)

// Distorter maps normalized image coordinates through a lens distortion model. The parameters are
// not held by the Distorter; they live in the camera state variable and are passed on every call.
type Distorter interface {
	ModelType() DistortionType
	// NumParams is the length of the parameter slice the model expects.
	NumParams() int
	CheckValid(params []float64) error
	// Distort maps an undistorted normalized point to its distorted location.
	Distort(params []float64, p r2.Point) r2.Point
	// Undistort inverts Distort.
	Undistort(params []float64, p r2.Point) r2.Point
	// PointJacobian is the 2x2 jacobian of Distort with respect to p.
	PointJacobian(params []float64, p r2.Point) *mat.Dense
	// ParamsJacobian is the 2 x NumParams jacobian of Distort with respect to params.
	ParamsJacobian(params []float64, p r2.Point) *mat.Dense
}

// InvalidDistortionError is used when the distortion_parameters are invalid.
func InvalidDistortionError(msg string) error {
	return errors.Wrap(errors.New("invalid distortion_parameters"), msg)
}

// NewDistorter returns a Distorter given a valid DistortionType.
func NewDistorter(distortionType DistortionType) (Distorter, error) {
	switch distortionType {
	case RadTan4DistortionType:
		return &RadTan4{}, nil
	case Equi4DistortionType:
		return &Equi4{}, nil
	default:
		return nil, errors.Errorf("do not know how to parse %q distortion model", distortionType)
	}
}

func checkParamsLen(d Distorter, params []float64) error {
	if len(params) != d.NumParams() {
		return InvalidDistortionError(
			errors.Errorf("%s expects %d parameters, got %d", d.ModelType(), d.NumParams(), len(params)).Error())
	}
	return nil
}
