package estimation

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/chutsu/proto/rimage/transform"
	"github.com/chutsu/proto/spatialmath"
)

const pixelResidualSize = 2

// cameraFactor is shared by the reprojection factors.
type cameraFactor struct {
	factorBase
	Camera   *transform.CameraGeometry
	Measured r2.Point
}

func newCameraFactor(
	cam *transform.CameraGeometry, ids []ParamID, expected int, z r2.Point, covar *mat.Dense,
) (cameraFactor, error) {
	if cam == nil {
		return cameraFactor{}, errors.New("camera geometry is required")
	}
	if covar == nil {
		covar = spatialmath.Eye(pixelResidualSize)
	}
	base, err := newFactorBase(ids, expected, pixelResidualSize, covar)
	if err != nil {
		return cameraFactor{}, err
	}
	return cameraFactor{factorBase: base, Camera: cam, Measured: z}, nil
}

// project returns the whitened residual and the projection jacobian scaled by -sqrt_info.
func (f *cameraFactor) project(camParams []float64, pC r3.Vector, onlyResiduals bool) (*mat.VecDense, *mat.Dense, bool) {
	zHat, ok := f.Camera.Project(camParams, pC)
	if !ok {
		return nil, nil, false
	}
	dz := f.Measured.Sub(zHat)
	r := f.whiten(mat.NewVecDense(2, []float64{dz.X, dz.Y}))
	if onlyResiduals {
		return r, nil, true
	}
	return r, f.whitenJacobian(-1, f.Camera.ProjectJacobian(camParams, pC)), true
}

func (f *cameraFactor) reprojError(camParams []float64, pC r3.Vector) (float64, bool) {
	zHat, ok := f.Camera.Project(camParams, pC)
	if !ok {
		return 0, false
	}
	return f.Measured.Sub(zHat).Norm(), true
}

// BAFactor is the reprojection of a landmark p_W into a camera at T_WC, over [T_WC, p_W, cam].
type BAFactor struct {
	cameraFactor
}

// NewBAFactor returns a bundle adjustment factor for pixel z.
func NewBAFactor(cam *transform.CameraGeometry, camPose, feature, camParams ParamID, z r2.Point, covar *mat.Dense) (*BAFactor, error) {
	base, err := newCameraFactor(cam, []ParamID{camPose, feature, camParams}, 3, z, covar)
	if err != nil {
		return nil, err
	}
	return &BAFactor{cameraFactor: base}, nil
}

func (f *BAFactor) pointInCamera(params [][]float64) r3.Vector {
	tWC := spatialmath.PoseFromVector(params[0])
	return tWC.Inverse().TransformPoint(spatialmath.SliceToR3(params[1]))
}

// Eval evaluates the reprojection residual z - h(T_WC^-1 p_W).
func (f *BAFactor) Eval(params [][]float64, onlyResiduals bool) Evaluation {
	pC := f.pointInCamera(params)
	r, Jh, ok := f.project(params[2], pC, onlyResiduals)
	if !ok {
		return invalidEvaluation(pixelResidualSize, []int{6, 3, len(params[2])}, onlyResiduals)
	}
	eval := Evaluation{Residual: r, Valid: true}
	if onlyResiduals {
		return eval
	}

	cCW := spatialmath.PoseFromVector(params[0]).RotationMatrix().T()
	J0 := augment(mul(Jh, scale(-1, cCW)), mul(Jh, spatialmath.Skew(pC)))
	J1 := mul(Jh, cCW)
	J2 := f.whitenJacobian(-1, f.Camera.ParamsJacobian(params[2], pC))
	eval.Jacobians = []*mat.Dense{J0, J1, J2}
	return eval
}

// ReprojError returns the pixel error norm.
func (f *BAFactor) ReprojError(params [][]float64) (float64, bool) {
	return f.reprojError(params[2], f.pointInCamera(params))
}

// VisionFactor is the reprojection of a landmark into camera i of a rig at body pose T_WB, over
// [T_WB, T_BCi, p_W, cam].
type VisionFactor struct {
	cameraFactor
}

// NewVisionFactor returns a visual-inertial reprojection factor for pixel z.
func NewVisionFactor(
	cam *transform.CameraGeometry, bodyPose, extrinsics, feature, camParams ParamID, z r2.Point, covar *mat.Dense,
) (*VisionFactor, error) {
	base, err := newCameraFactor(cam, []ParamID{bodyPose, extrinsics, feature, camParams}, 4, z, covar)
	if err != nil {
		return nil, err
	}
	return &VisionFactor{cameraFactor: base}, nil
}

func (f *VisionFactor) points(params [][]float64) (r3.Vector, r3.Vector) {
	tWB := spatialmath.PoseFromVector(params[0])
	tBC := spatialmath.PoseFromVector(params[1])
	pB := tWB.Inverse().TransformPoint(spatialmath.SliceToR3(params[2]))
	return pB, tBC.Inverse().TransformPoint(pB)
}

// Eval evaluates the reprojection residual z - h(T_BC^-1 T_WB^-1 p_W).
func (f *VisionFactor) Eval(params [][]float64, onlyResiduals bool) Evaluation {
	pB, pC := f.points(params)
	r, Jh, ok := f.project(params[3], pC, onlyResiduals)
	if !ok {
		return invalidEvaluation(pixelResidualSize, []int{6, 6, 3, len(params[3])}, onlyResiduals)
	}
	eval := Evaluation{Residual: r, Valid: true}
	if onlyResiduals {
		return eval
	}

	cBW := spatialmath.PoseFromVector(params[0]).RotationMatrix().T()
	cCB := spatialmath.PoseFromVector(params[1]).RotationMatrix().T()
	cCW := mul(cCB, cBW)

	J0 := augment(mul(Jh, scale(-1, cCW)), mul(Jh, cCB, spatialmath.Skew(pB)))
	J1 := augment(mul(Jh, scale(-1, cCB)), mul(Jh, spatialmath.Skew(pC)))
	J2 := mul(Jh, cCW)
	J3 := f.whitenJacobian(-1, f.Camera.ParamsJacobian(params[3], pC))
	eval.Jacobians = []*mat.Dense{J0, J1, J2, J3}
	return eval
}

// ReprojError returns the pixel error norm.
func (f *VisionFactor) ReprojError(params [][]float64) (float64, bool) {
	_, pC := f.points(params)
	return f.reprojError(params[3], pC)
}

// CalibVisionFactor is the reprojection of a fixed calibration target point r_FFi through the
// target pose T_BF and camera extrinsics T_BCi, over [T_BF, T_BCi, cam].
type CalibVisionFactor struct {
	cameraFactor
	TagID       int
	CornerIndex int
	TargetPoint r3.Vector
}

// NewCalibVisionFactor returns a calibration reprojection factor for pixel z of target point rFFi.
func NewCalibVisionFactor(
	cam *transform.CameraGeometry, targetPose, extrinsics, camParams ParamID,
	tagID, cornerIndex int, rFFi r3.Vector, z r2.Point, covar *mat.Dense,
) (*CalibVisionFactor, error) {
	base, err := newCameraFactor(cam, []ParamID{targetPose, extrinsics, camParams}, 3, z, covar)
	if err != nil {
		return nil, err
	}
	return &CalibVisionFactor{cameraFactor: base, TagID: tagID, CornerIndex: cornerIndex, TargetPoint: rFFi}, nil
}

func (f *CalibVisionFactor) pointInCamera(params [][]float64) r3.Vector {
	tBF := spatialmath.PoseFromVector(params[0])
	tBC := spatialmath.PoseFromVector(params[1])
	return tBC.Inverse().TransformPoint(tBF.TransformPoint(f.TargetPoint))
}

// Eval evaluates the reprojection residual z - h(T_BC^-1 T_BF r_FFi).
func (f *CalibVisionFactor) Eval(params [][]float64, onlyResiduals bool) Evaluation {
	pC := f.pointInCamera(params)
	r, Jh, ok := f.project(params[2], pC, onlyResiduals)
	if !ok {
		return invalidEvaluation(pixelResidualSize, []int{6, 6, len(params[2])}, onlyResiduals)
	}
	eval := Evaluation{Residual: r, Valid: true}
	if onlyResiduals {
		return eval
	}

	cBF := spatialmath.PoseFromVector(params[0]).RotationMatrix()
	cCB := spatialmath.PoseFromVector(params[1]).RotationMatrix().T()

	J0 := augment(mul(Jh, cCB), mul(Jh, scale(-1, cCB), cBF, spatialmath.Skew(f.TargetPoint)))
	J1 := augment(mul(Jh, scale(-1, cCB)), mul(Jh, spatialmath.Skew(pC)))
	J2 := f.whitenJacobian(-1, f.Camera.ParamsJacobian(params[2], pC))
	eval.Jacobians = []*mat.Dense{J0, J1, J2}
	return eval
}

// ReprojError returns the pixel error norm.
func (f *CalibVisionFactor) ReprojError(params [][]float64) (float64, bool) {
	return f.reprojError(params[2], f.pointInCamera(params))
}
