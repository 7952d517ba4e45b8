package transform

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ProjectionType is the name of the projection model.
type ProjectionType string

// PinholeProjectionType is the pinhole model [fx fy cx cy].
const PinholeProjectionType = ProjectionType("pinhole")

// CameraGeometry describes how a camera maps points in its frame to pixels. The intrinsic values
// are not stored here; every method takes the full parameter vector [projection | distortion].
type CameraGeometry struct {
	CamIndex        int
	Resolution      [2]int
	ProjectionModel ProjectionType
	DistortionModel DistortionType
	ProjParamsSize  int
	DistParamsSize  int

	distorter Distorter
}

// NewCameraGeometry returns the geometry of camera camIndex with image size res.
func NewCameraGeometry(camIndex int, res [2]int, proj ProjectionType, dist DistortionType) (*CameraGeometry, error) {
	if proj != PinholeProjectionType {
		return nil, errors.Errorf("do not know how to parse %q projection model", proj)
	}
	if res[0] <= 0 || res[1] <= 0 {
		return nil, NewNoIntrinsicsError("invalid resolution")
	}
	d, err := NewDistorter(dist)
	if err != nil {
		return nil, err
	}
	return &CameraGeometry{
		CamIndex:        camIndex,
		Resolution:      res,
		ProjectionModel: proj,
		DistortionModel: dist,
		ProjParamsSize:  PinholeParamsSize,
		DistParamsSize:  d.NumParams(),
		distorter:       d,
	}, nil
}

// NumParams is the length of the full parameter vector.
func (cg *CameraGeometry) NumParams() int {
	return cg.ProjParamsSize + cg.DistParamsSize
}

// Distorter returns the distortion model.
func (cg *CameraGeometry) Distorter() Distorter {
	return cg.distorter
}

// CheckValid checks a parameter vector against this geometry.
func (cg *CameraGeometry) CheckValid(params []float64) error {
	if len(params) != cg.NumParams() {
		return errors.Errorf("camera %d expects %d parameters, got %d", cg.CamIndex, cg.NumParams(), len(params))
	}
	proj, dist := cg.split(params)
	if err := NewPinholeCameraIntrinsicsFromParams(cg.Resolution, proj).CheckValid(); err != nil {
		return err
	}
	return cg.distorter.CheckValid(dist)
}

func (cg *CameraGeometry) split(params []float64) ([]float64, []float64) {
	return params[:cg.ProjParamsSize], params[cg.ProjParamsSize:cg.NumParams()]
}

// InBounds reports whether a pixel lies inside the image.
func (cg *CameraGeometry) InBounds(z r2.Point) bool {
	return z.X >= 0 && z.Y >= 0 && z.X <= float64(cg.Resolution[0]) && z.Y <= float64(cg.Resolution[1])
}

// Project maps a point in the camera frame to a pixel. The bool is false when the point is
// behind the camera or lands outside the image.
func (cg *CameraGeometry) Project(params []float64, pC r3.Vector) (r2.Point, bool) {
	if pC.Z <= 0 {
		return r2.Point{}, false
	}
	proj, dist := cg.split(params)
	x := r2.Point{X: pC.X / pC.Z, Y: pC.Y / pC.Z}
	z := pinholeProject(proj, cg.distorter.Distort(dist, x))
	return z, cg.InBounds(z)
}

// ProjectJacobian returns the 2x3 jacobian of Project with respect to pC.
func (cg *CameraGeometry) ProjectJacobian(params []float64, pC r3.Vector) *mat.Dense {
	proj, dist := cg.split(params)
	x := r2.Point{X: pC.X / pC.Z, Y: pC.Y / pC.Z}

	jProj := mat.NewDense(2, 3, []float64{
		1 / pC.Z, 0, -pC.X / (pC.Z * pC.Z),
		0, 1 / pC.Z, -pC.Y / (pC.Z * pC.Z),
	})
	jK := mat.NewDiagDense(2, []float64{proj[0], proj[1]})

	var jKDist mat.Dense
	jKDist.Mul(jK, cg.distorter.PointJacobian(dist, x))
	J := mat.NewDense(2, 3, nil)
	J.Mul(&jKDist, jProj)
	return J
}

// ParamsJacobian returns the 2 x NumParams jacobian of Project with respect to the intrinsics.
func (cg *CameraGeometry) ParamsJacobian(params []float64, pC r3.Vector) *mat.Dense {
	proj, dist := cg.split(params)
	x := r2.Point{X: pC.X / pC.Z, Y: pC.Y / pC.Z}
	xDist := cg.distorter.Distort(dist, x)

	J := mat.NewDense(2, cg.NumParams(), nil)
	J.Slice(0, 2, 0, cg.ProjParamsSize).(*mat.Dense).Copy(pinholeParamsJacobian(xDist))

	jK := mat.NewDiagDense(2, []float64{proj[0], proj[1]})
	J.Slice(0, 2, cg.ProjParamsSize, cg.NumParams()).(*mat.Dense).Mul(jK, cg.distorter.ParamsJacobian(dist, x))
	return J
}

// Undistort removes the lens distortion from a pixel.
func (cg *CameraGeometry) Undistort(params []float64, z r2.Point) r2.Point {
	proj, dist := cg.split(params)
	x := cg.distorter.Undistort(dist, pinholeUnproject(proj, z))
	return pinholeProject(proj, x)
}

// Backproject returns the ray through pixel z at unit depth in the camera frame.
func (cg *CameraGeometry) Backproject(params []float64, z r2.Point) r3.Vector {
	proj, dist := cg.split(params)
	x := cg.distorter.Undistort(dist, pinholeUnproject(proj, z))
	return r3.Vector{X: x.X, Y: x.Y, Z: 1}
}

// Intrinsics returns the projection part of params as PinholeCameraIntrinsics.
func (cg *CameraGeometry) Intrinsics(params []float64) *PinholeCameraIntrinsics {
	proj, _ := cg.split(params)
	return NewPinholeCameraIntrinsicsFromParams(cg.Resolution, proj)
}

// DefaultParams returns a parameter vector with the given focal lengths, the principal point
// at the image centre and zero distortion.
func (cg *CameraGeometry) DefaultParams(fx, fy float64) []float64 {
	params := make([]float64, cg.NumParams())
	params[0] = fx
	params[1] = fy
	params[2] = float64(cg.Resolution[0]) / 2.0
	params[3] = float64(cg.Resolution[1]) / 2.0
	return params
}
