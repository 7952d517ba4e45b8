package estimation

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ReprojStats summarizes a set of reprojection errors in pixels.
type ReprojStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	RMS    float64 `json:"rms"`
	Max    float64 `json:"max"`
}

// ComputeReprojStats summarizes errs. It fails on an empty input.
func ComputeReprojStats(errs []float64) (ReprojStats, error) {
	if len(errs) == 0 {
		return ReprojStats{}, errors.New("no reprojection errors")
	}
	data := stats.Float64Data(errs)
	mean, err := stats.Mean(data)
	median, err2 := stats.Median(data)
	maxErr, err3 := stats.Max(data)
	squares := make(stats.Float64Data, len(errs))
	for i, e := range errs {
		squares[i] = e * e
	}
	meanSq, err4 := stats.Mean(squares)
	if err := multierr.Combine(err, err2, err3, err4); err != nil {
		return ReprojStats{}, err
	}
	return ReprojStats{
		Count:  len(errs),
		Mean:   mean,
		Median: median,
		RMS:    math.Sqrt(meanSq),
		Max:    maxErr,
	}, nil
}

// ReprojStats summarizes the reprojection errors of the graph's camera factors.
func (fg *FactorGraph) ReprojStats() (ReprojStats, error) {
	return ComputeReprojStats(fg.ReprojErrors())
}
