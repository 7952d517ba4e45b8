package transform

import (
	"math"
	"math/rand"

	"github.com/chutsu/proto/utils"
)

const ransacMaxIterations = 1000

// Model generates hypotheses from minimal samples of its data.
type Model interface {
	MinSamples() int
	NumData() int
	Fit(idxs []int) (Hypothesis, bool)
}

// Hypothesis is a fitted model that can score the data it was drawn from.
type Hypothesis interface {
	Inliers(threshold float64) []int
}

// Ransac is a random sample consensus estimator. The number of iterations adapts to the best
// inlier ratio seen so far so that an outlier free sample is drawn with the given confidence.
type Ransac struct {
	Model         Model
	Threshold     float64
	Confidence    float64
	MaxIterations int

	rng         *rand.Rand
	best        Hypothesis
	bestInliers []int
}

// NewRansac returns a Ransac over model. A nil rng uses a fixed seed.
func NewRansac(model Model, threshold, confidence float64, rng *rand.Rand) *Ransac {
	if rng == nil {
		//nolint:gosec
		rng = rand.New(rand.NewSource(0))
	}
	return &Ransac{
		Model:         model,
		Threshold:     threshold,
		Confidence:    confidence,
		MaxIterations: ransacMaxIterations,
		rng:           rng,
	}
}

// Compute runs the estimator and reports whether any hypothesis could be fitted.
func (s *Ransac) Compute() bool {
	num := s.Model.MinSamples()
	total := s.Model.NumData()
	if total < num {
		return false
	}

	s.best = nil
	s.bestInliers = nil
	needed := s.MaxIterations
	for i := 0; i < needed && i < s.MaxIterations; i++ {
		ids := utils.SampleDistinctInts(num, total, s.rng)
		hyp, ok := s.Model.Fit(ids)
		if !ok {
			continue
		}
		inliers := hyp.Inliers(s.Threshold)
		if s.best != nil && len(inliers) <= len(s.bestInliers) {
			continue
		}
		s.best = hyp
		s.bestInliers = inliers
		needed = s.requiredIterations(float64(len(inliers))/float64(total), num)
	}
	return s.best != nil
}

func (s *Ransac) requiredIterations(inlierRatio float64, num int) int {
	pGood := math.Pow(inlierRatio, float64(num))
	switch {
	case pGood >= 1:
		return 1
	case pGood <= 0:
		return s.MaxIterations
	}
	n := math.Log(1-s.Confidence) / math.Log(1-pGood)
	if math.IsNaN(n) || n > float64(s.MaxIterations) {
		return s.MaxIterations
	}
	return int(math.Ceil(n))
}

// Best returns the hypothesis with the largest consensus set.
func (s *Ransac) Best() Hypothesis {
	return s.best
}

// Inliers returns the consensus set of the best hypothesis.
func (s *Ransac) Inliers() []int {
	return s.bestInliers
}
