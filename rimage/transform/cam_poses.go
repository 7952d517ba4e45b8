package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/chutsu/proto/spatialmath"
)

const (
	pnpMinPointsPlanar  = 4
	pnpMinPointsGeneral = 6
	planarTolerance     = 1e-9
	// behindCameraPenalty is the squared pixel cost charged for a point with non-positive depth.
	behindCameraPenalty = 1e6
)

// LinearTriangulation triangulates the observations z1 and z2 of a single point seen by two
// cameras with 3x4 projection matrices P1 and P2. It returns false when the system is degenerate
// or the solution lies at infinity.
func LinearTriangulation(P1, P2 mat.Matrix, z1, z2 r2.Point) (r3.Vector, bool) {
	A := mat.NewDense(4, 4, nil)
	for j := 0; j < 4; j++ {
		A.Set(0, j, z1.X*P1.At(2, j)-P1.At(0, j))
		A.Set(1, j, z1.Y*P1.At(2, j)-P1.At(1, j))
		A.Set(2, j, z2.X*P2.At(2, j)-P2.At(0, j))
		A.Set(3, j, z2.Y*P2.At(2, j)-P2.At(1, j))
	}

	var svd mat.SVD
	if ok := svd.Factorize(A, mat.SVDFull); !ok {
		return r3.Vector{}, false
	}
	// Determine the rank of the A matrix with a near zero condition threshold.
	const rcond = 1e-15
	if svd.Rank(rcond) == 0 {
		return r3.Vector{}, false
	}

	var V mat.Dense
	svd.VTo(&V)
	w := V.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, false
	}
	return r3.Vector{X: V.At(0, 3) / w, Y: V.At(1, 3) / w, Z: V.At(2, 3) / w}, true
}

// SolvePnP estimates the pose T_CF of a calibration target (frame F) in a camera (frame C) from
// target points and their undistorted pixel observations. Planar targets (all points at z = 0)
// are seeded with a homography decomposition, others with a direct linear transform. The seed
// is refined by minimising the pixel reprojection error.
func SolvePnP(objectPts []r3.Vector, imagePts []r2.Point, K mat.Matrix) (spatialmath.Pose, error) {
	if len(objectPts) != len(imagePts) {
		return spatialmath.Pose{}, errors.New("object and image points must have the same number of elements")
	}

	planar := true
	for _, p := range objectPts {
		if math.Abs(p.Z) > planarTolerance {
			planar = false
			break
		}
	}

	normalized := make([]r2.Point, len(imagePts))
	for i, z := range imagePts {
		normalized[i] = r2.Point{
			X: (z.X - K.At(0, 2)) / K.At(0, 0),
			Y: (z.Y - K.At(1, 2)) / K.At(1, 1),
		}
	}

	var seed spatialmath.Pose
	var err error
	if planar {
		seed, err = planarPoseSeed(objectPts, normalized)
	} else {
		seed, err = dltPoseSeed(objectPts, normalized)
	}
	if err != nil {
		return spatialmath.Pose{}, err
	}
	return refinePose(seed, objectPts, imagePts, K), nil
}

// planarPoseSeed decomposes the homography from target plane to normalized image coordinates.
func planarPoseSeed(objectPts []r3.Vector, normalized []r2.Point) (spatialmath.Pose, error) {
	if len(objectPts) < pnpMinPointsPlanar {
		return spatialmath.Pose{}, errors.Wrapf(ErrInsufficientPoints, "planar pnp needs %d points", pnpMinPointsPlanar)
	}

	plane := make([]r2.Point, len(objectPts))
	for i, p := range objectPts {
		plane[i] = r2.Point{X: p.X, Y: p.Y}
	}
	src, T1 := normalizePoints(plane)
	dst, T2 := normalizePoints(normalized)

	A := mat.NewDense(2*len(src), 9, nil)
	for i := range src {
		X, Y := src[i].X, src[i].Y
		x, y := dst[i].X, dst[i].Y
		A.SetRow(2*i, []float64{-X, -Y, -1, 0, 0, 0, x * X, x * Y, x})
		A.SetRow(2*i+1, []float64{0, 0, 0, -X, -Y, -1, y * X, y * Y, y})
	}
	mats := performSVD(A)
	if mats == nil {
		return spatialmath.Pose{}, errors.New("failed to factorize the homography system")
	}
	h := make([]float64, 9)
	for i := range h {
		h[i] = mats.V.At(i, 8)
	}
	Hn := mat.NewDense(3, 3, h)

	// H = T2^-1 Hn T1
	var T2inv mat.Dense
	if err := T2inv.Inverse(T2); err != nil {
		return spatialmath.Pose{}, errors.Wrap(err, "cannot denormalize homography")
	}
	var tmp, H mat.Dense
	tmp.Mul(&T2inv, Hn)
	H.Mul(&tmp, T1)

	h1 := r3.Vector{X: H.At(0, 0), Y: H.At(1, 0), Z: H.At(2, 0)}
	h2 := r3.Vector{X: H.At(0, 1), Y: H.At(1, 1), Z: H.At(2, 1)}
	h3 := r3.Vector{X: H.At(0, 2), Y: H.At(1, 2), Z: H.At(2, 2)}
	lambda := 2.0 / (h1.Norm() + h2.Norm())
	if h3.Z*lambda < 0 {
		lambda = -lambda
	}
	r1 := h1.Mul(lambda)
	r2v := h2.Mul(lambda)
	r3v := r1.Cross(r2v)
	trans := h3.Mul(lambda)

	R := mat.NewDense(3, 3, []float64{
		r1.X, r2v.X, r3v.X,
		r1.Y, r2v.Y, r3v.Y,
		r1.Z, r2v.Z, r3v.Z,
	})
	return spatialmath.NewPoseFromRotation(nearestRotation(R), trans), nil
}

// dltPoseSeed solves for a 3x4 [R|t] up to scale from general 3D points.
func dltPoseSeed(objectPts []r3.Vector, normalized []r2.Point) (spatialmath.Pose, error) {
	if len(objectPts) < pnpMinPointsGeneral {
		return spatialmath.Pose{}, errors.Wrapf(ErrInsufficientPoints, "pnp needs %d points", pnpMinPointsGeneral)
	}

	A := mat.NewDense(2*len(objectPts), 12, nil)
	for i, p := range objectPts {
		x, y := normalized[i].X, normalized[i].Y
		A.SetRow(2*i, []float64{p.X, p.Y, p.Z, 1, 0, 0, 0, 0, -x * p.X, -x * p.Y, -x * p.Z, -x})
		A.SetRow(2*i+1, []float64{0, 0, 0, 0, p.X, p.Y, p.Z, 1, -y * p.X, -y * p.Y, -y * p.Z, -y})
	}
	mats := performSVD(A)
	if mats == nil {
		return spatialmath.Pose{}, errors.New("failed to factorize the dlt system")
	}
	P := mat.NewDense(3, 4, nil)
	for i := 0; i < 12; i++ {
		P.Set(i/4, i%4, mats.V.At(i, 11))
	}

	M := mat.DenseCopyOf(P.Slice(0, 3, 0, 3))
	if mat.Det(M) < 0 {
		P.Scale(-1, P)
		M.Scale(-1, M)
	}
	var svd mat.SVD
	if ok := svd.Factorize(M, mat.SVDFull); !ok {
		return spatialmath.Pose{}, errors.New("failed to factorize the dlt rotation")
	}
	vals := svd.Values(nil)
	scale := (vals[0] + vals[1] + vals[2]) / 3
	if scale == 0 {
		return spatialmath.Pose{}, errors.New("degenerate dlt solution")
	}
	trans := r3.Vector{X: P.At(0, 3) / scale, Y: P.At(1, 3) / scale, Z: P.At(2, 3) / scale}
	return spatialmath.NewPoseFromRotation(nearestRotation(M), trans), nil
}

// nearestRotation projects a 3x3 matrix onto SO(3).
func nearestRotation(M mat.Matrix) *mat.Dense {
	var svd mat.SVD
	if ok := svd.Factorize(M, mat.SVDFull); !ok {
		return spatialmath.Eye(3)
	}
	var U, V mat.Dense
	svd.UTo(&U)
	svd.VTo(&V)
	R := mat.NewDense(3, 3, nil)
	R.Mul(&U, V.T())
	if mat.Det(R) < 0 {
		for i := 0; i < 3; i++ {
			U.Set(i, 2, -U.At(i, 2))
		}
		R.Mul(&U, V.T())
	}
	return R
}

// PnPReprojectionCost is the sum of squared pixel errors of objectPts seen from T_CF.
func PnPReprojectionCost(camTarget spatialmath.Pose, objectPts []r3.Vector, imagePts []r2.Point, K mat.Matrix) float64 {
	cost := 0.0
	for i, p := range objectPts {
		pC := camTarget.TransformPoint(p)
		if pC.Z <= 0 {
			cost += behindCameraPenalty
			continue
		}
		u := K.At(0, 0)*pC.X/pC.Z + K.At(0, 2)
		v := K.At(1, 1)*pC.Y/pC.Z + K.At(1, 2)
		du := u - imagePts[i].X
		dv := v - imagePts[i].Y
		cost += du*du + dv*dv
	}
	return cost
}

// refinePose polishes a seed pose with BFGS over a tangent step about the seed.
func refinePose(seed spatialmath.Pose, objectPts []r3.Vector, imagePts []r2.Point, K mat.Matrix) spatialmath.Pose {
	f := func(x []float64) float64 {
		return PnPReprojectionCost(seed.Update(x), objectPts, imagePts, K)
	}
	problem := optimize.Problem{
		Func: f,
		Grad: func(grad, x []float64) {
			fd.Gradient(grad, f, x, &fd.Settings{Formula: fd.Central})
		},
	}
	settings := &optimize.Settings{
		GradientThreshold: 1e-9,
		MajorIterations:   200,
	}

	x0 := make([]float64, spatialmath.PoseTangentSize)
	// a line search failure still leaves the best location found in result
	result, _ := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	if result == nil || result.F > f(x0) {
		return seed
	}
	return seed.Update(result.X)
}
