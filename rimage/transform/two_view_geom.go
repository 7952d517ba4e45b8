package transform

import (
	"math"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// ErrInsufficientPoints is returned when an estimator is given fewer correspondences than it needs.
var ErrInsufficientPoints = errors.New("not enough points")

const fundamentalMinPoints = 8

// ComputeFundamentalMatrixAllPoints compute the fundamental matrix from all points, such that
// pts2ᵀ F pts1 = 0.
func ComputeFundamentalMatrixAllPoints(pts1, pts2 []r2.Point, normalize bool) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	if len(pts1) < fundamentalMinPoints {
		return nil, errors.Wrap(ErrInsufficientPoints, "sets of points must have at least 8 elements")
	}
	nPoints := len(pts1)

	var points1, points2 []r2.Point
	var T1, T2 *mat.Dense

	// if normalize, normalize points and get transform
	if normalize {
		points1, T1 = normalizePoints(pts1)
		points2, T2 = normalizePoints(pts2)
	} else {
		points1 = make([]r2.Point, nPoints)
		copy(points1, pts1)
		points2 = make([]r2.Point, nPoints)
		copy(points2, pts2)
		T1 = eye(3)
		T2 = eye(3)
	}

	m := mat.NewDense(nPoints, 9, nil)
	for i := range points1 {
		v1 := points1[i]
		v2 := points2[i]
		row := []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		}
		m.SetRow(i, row)
	}

	// perform SVD on m
	mats1 := performSVD(m)
	if mats1 == nil {
		return nil, errors.New("failed to factorize the epipolar constraint matrix")
	}
	lastColV := mats1.V.ColView(8)

	// reshape into F
	lastColVdata := make([]float64, 9)
	for i := range lastColVdata {
		lastColVdata[i] = lastColV.AtVec(i)
	}
	F := mat.NewDense(3, 3, lastColVdata)

	// enforce rank 2 of F
	mats2 := performSVD(F)
	if mats2 == nil {
		return nil, errors.New("failed to factorize the fundamental matrix")
	}
	S := mats2.S
	S.Set(2, 2, 0)

	// get refined F: U@S@V2^T
	var Fhat, rank2 mat.Dense
	Fhat.Mul(mats2.U, S)
	rank2.Mul(&Fhat, mats2.VT)

	// rescale F: T2^T @ F @ T1
	var tmp mat.Dense
	tmp.Mul(T2.T(), &rank2)
	out := mat.NewDense(3, 3, nil)
	out.Mul(&tmp, T1)

	if s := out.At(2, 2); math.Abs(s) > 1e-12 {
		out.Scale(1/s, out)
	} else {
		out.Scale(1/mat.Norm(out, 2), out)
	}
	return out, nil
}

// SampsonDistance returns the first order geometric error of the correspondence p1 <-> p2 under F.
func SampsonDistance(F mat.Matrix, p1, p2 r2.Point) float64 {
	x1 := mat.NewVecDense(3, []float64{p1.X, p1.Y, 1})
	x2 := mat.NewVecDense(3, []float64{p2.X, p2.Y, 1})

	var Fx1, Ftx2 mat.VecDense
	Fx1.MulVec(F, x1)
	Ftx2.MulVec(F.T(), x2)
	num := mat.Dot(x2, &Fx1)

	den := Fx1.AtVec(0)*Fx1.AtVec(0) + Fx1.AtVec(1)*Fx1.AtVec(1) +
		Ftx2.AtVec(0)*Ftx2.AtVec(0) + Ftx2.AtVec(1)*Ftx2.AtVec(1)
	if den == 0 {
		return math.Inf(1)
	}
	return math.Sqrt(num * num / den)
}

// fundamentalModel fits fundamental matrices to random subsets of a fixed set of correspondences.
type fundamentalModel struct {
	pts1, pts2 []r2.Point
}

type fundamentalHypothesis struct {
	model *fundamentalModel
	F     *mat.Dense
}

func (fm *fundamentalModel) MinSamples() int {
	return fundamentalMinPoints
}

func (fm *fundamentalModel) NumData() int {
	return len(fm.pts1)
}

func (fm *fundamentalModel) Fit(idxs []int) (Hypothesis, bool) {
	p1 := make([]r2.Point, len(idxs))
	p2 := make([]r2.Point, len(idxs))
	for i, idx := range idxs {
		p1[i] = fm.pts1[idx]
		p2[i] = fm.pts2[idx]
	}
	F, err := ComputeFundamentalMatrixAllPoints(p1, p2, true)
	if err != nil {
		return nil, false
	}
	return &fundamentalHypothesis{model: fm, F: F}, true
}

func (fh *fundamentalHypothesis) Inliers(threshold float64) []int {
	var inliers []int
	for i := range fh.model.pts1 {
		if SampsonDistance(fh.F, fh.model.pts1[i], fh.model.pts2[i]) < threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// RansacFundamental robustly fits a fundamental matrix to the correspondences and returns the
// inlier mask. threshold is the Sampson distance in the units of the points.
func RansacFundamental(pts1, pts2 []r2.Point, threshold, confidence float64, rng *rand.Rand) (*mat.Dense, []bool, error) {
	if len(pts1) != len(pts2) {
		return nil, nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	if len(pts1) < fundamentalMinPoints {
		return nil, nil, ErrInsufficientPoints
	}

	model := &fundamentalModel{pts1: pts1, pts2: pts2}
	sac := NewRansac(model, threshold, confidence, rng)
	if !sac.Compute() {
		return nil, nil, errors.New("ransac failed to find a fundamental matrix")
	}

	// refit on the consensus set and keep it only if it does not lose support
	best := sac.Best().(*fundamentalHypothesis)
	inliers := sac.Inliers()
	if refit, ok := model.Fit(inliers); ok {
		if refitInliers := refit.Inliers(threshold); len(refitInliers) >= len(inliers) {
			best = refit.(*fundamentalHypothesis)
			inliers = refitInliers
		}
	}

	mask := make([]bool, len(pts1))
	for _, idx := range inliers {
		mask[idx] = true
	}
	return best.F, mask, nil
}

// helpers
// normalizePoints normalizes points as described in Multiple View Geometry, Alg 11.1.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense) {
	nPoints := len(pts)
	// computer centroid of points
	mu := r2.Point{X: 0, Y: 0}

	for _, pt := range pts {
		mu.X += pt.X
		mu.Y += pt.Y
	}
	mu = mu.Mul(1. / float64(nPoints))
	// compute scale factor
	d := 0.0
	for _, pt := range pts {
		x2 := (pt.X - mu.X) * (pt.X - mu.X)
		y2 := (pt.Y - mu.Y) * (pt.Y - mu.Y)
		d += math.Sqrt(x2+y2) / float64(nPoints)
	}
	scale := 1.0
	if d > 0 {
		scale = math.Sqrt(2) / d
	}
	transformData := []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	}
	T := mat.NewDense(3, 3, transformData)
	// apply transform to points
	pointsTransformed := make([]r2.Point, nPoints)
	for i := range pointsTransformed {
		pointsTransformed[i] = r2.Point{X: scale * (pts[i].X - mu.X), Y: scale * (pts[i].Y - mu.Y)}
	}
	return pointsTransformed, T
}

// eye create an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	if n <= 0 {
		return nil
	}
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// matsSVD stores the matrices from SVD decomposition.
type matsSVD struct {
	U  *mat.Dense
	V  *mat.Dense
	VT *mat.Dense
	S  *mat.Dense
}

// performSVD performs SVD on inputMatrix and returns matrices U, Sigma and V from the decomposition.
func performSVD(inputMatrix *mat.Dense) *matsSVD {
	var svd mat.SVD
	ok := svd.Factorize(inputMatrix, mat.SVDFull)
	if !ok {
		return nil
	}

	u, v, sigma, vt := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}, &mat.Dense{}

	svd.UTo(u)
	svd.VTo(v)
	vt.CloneFrom(v.T())

	singularValues := svd.Values(nil)
	// firstly create diag matrix. Next fill new sigma matrix with zeros
	sigma.CloneFrom(mat.NewDiagDense(len(singularValues), singularValues))

	return &matsSVD{u, v, vt, sigma}
}
