package transform

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/chutsu/proto/spatialmath"
)

// ErrNoIntrinsics is when a camera does not have intrinsics parameters or other parameters.
var ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")

// NewNoIntrinsicsError is used when the intriniscs are not defined.
func NewNoIntrinsicsError(msg string) error {
	return errors.Wrap(ErrNoIntrinsics, msg)
}

// PinholeParamsSize is the number of pinhole projection parameters [fx fy cx cy].
const PinholeParamsSize = 4

// PinholeCameraIntrinsics holds the parameters necessary to do a perspective projection of a 3D scene to the 2D plane.
type PinholeCameraIntrinsics struct {
	Width  int     `json:"width_px"`
	Height int     `json:"height_px"`
	Fx     float64 `json:"fx"`
	Fy     float64 `json:"fy"`
	Ppx    float64 `json:"ppx"`
	Ppy    float64 `json:"ppy"`
}

// NewPinholeCameraIntrinsicsFromParams builds intrinsics from a resolution and [fx fy cx cy].
func NewPinholeCameraIntrinsicsFromParams(res [2]int, params []float64) *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{
		Width:  res[0],
		Height: res[1],
		Fx:     params[0],
		Fy:     params[1],
		Ppx:    params[2],
		Ppy:    params[3],
	}
}

// CheckValid checks if the fields for PinholeCameraIntrinsics have valid inputs.
func (params *PinholeCameraIntrinsics) CheckValid() error {
	if params == nil {
		return NewNoIntrinsicsError("Intrinsics do not exist")
	}
	if params.Width == 0 || params.Height == 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid size (%#v, %#v)", params.Width, params.Height))
	}
	if params.Fx <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fx = %#v", params.Fx))
	}
	if params.Fy <= 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid focal length Fy = %#v", params.Fy))
	}
	if params.Ppx < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal X point Ppx = %#v", params.Ppx))
	}
	if params.Ppy < 0 {
		return NewNoIntrinsicsError(fmt.Sprintf("Invalid principal Y point Ppy = %#v", params.Ppy))
	}
	return nil
}

// Params returns the projection parameters as [fx fy cx cy].
func (params *PinholeCameraIntrinsics) Params() []float64 {
	return []float64{params.Fx, params.Fy, params.Ppx, params.Ppy}
}

// GetCameraMatrix creates a new camera matrix and returns it.
// Camera matrix:
// [[fx 0 ppx],
//
//	[0 fy ppy],
//	[0 0  1]]
func (params *PinholeCameraIntrinsics) GetCameraMatrix() *mat.Dense {
	if params == nil {
		return nil
	}
	return PinholeK(params.Params())
}

// FocalLength returns the focal length in pixels of an image dimension with the given field of
// view in degrees.
func FocalLength(imageSize int, fovDeg float64) float64 {
	return (float64(imageSize) / 2.0) / math.Tan(fovDeg*math.Pi/360.0)
}

// PinholeK returns the camera matrix for [fx fy cx cy].
func PinholeK(params []float64) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		params[0], 0, params[2],
		0, params[1], params[3],
		0, 0, 1,
	})
}

// PinholeP returns the 3x4 projection matrix K [C_CW | r_CW] for a camera at T_WC.
func PinholeP(params []float64, camPose spatialmath.Pose) *mat.Dense {
	tCW := camPose.Inverse().Matrix()
	P := mat.NewDense(3, 4, nil)
	P.Mul(PinholeK(params), tCW.Slice(0, 3, 0, 4))
	return P
}

// pinholeProject scales a (distorted) normalized point into pixels.
func pinholeProject(params []float64, p r2.Point) r2.Point {
	return r2.Point{X: params[0]*p.X + params[2], Y: params[1]*p.Y + params[3]}
}

// pinholeUnproject maps a pixel back to normalized coordinates.
func pinholeUnproject(params []float64, z r2.Point) r2.Point {
	return r2.Point{X: (z.X - params[2]) / params[0], Y: (z.Y - params[3]) / params[1]}
}

// pinholeParamsJacobian is d(pixel)/d[fx fy cx cy] at the distorted normalized point.
func pinholeParamsJacobian(pDist r2.Point) *mat.Dense {
	return mat.NewDense(2, 4, []float64{
		pDist.X, 0, 1, 0,
		0, pDist.Y, 0, 1,
	})
}
