package tracking

import (
	"image"
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/chutsu/proto/rimage/transform"
	"github.com/chutsu/proto/vision/keypoints"
)

// Primitives are the image operations the tracker is built on.
type Primitives interface {
	keypoints.Detector
	// Track finds ptsI of imgI in imgJ. status[n] is false for lost points.
	Track(imgI, imgJ *image.Gray, ptsI []r2.Point) (ptsJ []r2.Point, status []bool)
	// FundamentalInliers flags the correspondences consistent with a single epipolar geometry.
	FundamentalInliers(ptsI, ptsJ []r2.Point) []bool
}

// ImagePrimitives implements Primitives with FAST corners, pyramidal Lucas-Kanade and a RANSAC
// fundamental matrix.
type ImagePrimitives struct {
	detector   *keypoints.FASTDetector
	flow       *keypoints.OpticalFlow
	threshold  float64
	confidence float64
	rng        *rand.Rand
}

// NewImagePrimitives builds the default primitives from a tracker config.
func NewImagePrimitives(cfg Config, rng *rand.Rand) (*ImagePrimitives, error) {
	detector, err := keypoints.NewFASTDetector(cfg.FAST)
	if err != nil {
		return nil, err
	}
	flow, err := keypoints.NewOpticalFlow(cfg.OptFlow)
	if err != nil {
		return nil, err
	}
	if rng == nil {
		//nolint:gosec
		rng = rand.New(rand.NewSource(0))
	}
	return &ImagePrimitives{
		detector:   detector,
		flow:       flow,
		threshold:  cfg.RansacThreshold,
		confidence: cfg.RansacConfidence,
		rng:        rng,
	}, nil
}

// Detect returns the FAST corners of img.
func (ip *ImagePrimitives) Detect(img *image.Gray) []keypoints.Keypoint {
	return ip.detector.Detect(img)
}

// Track runs pyramidal Lucas-Kanade from imgI to imgJ.
func (ip *ImagePrimitives) Track(imgI, imgJ *image.Gray, ptsI []r2.Point) ([]r2.Point, []bool) {
	return ip.flow.Track(imgI, imgJ, ptsI)
}

// FundamentalInliers returns the RANSAC inlier mask. Too few correspondences to fit a model
// makes every point an inlier, a failed fit makes none.
func (ip *ImagePrimitives) FundamentalInliers(ptsI, ptsJ []r2.Point) []bool {
	_, inliers, err := transform.RansacFundamental(ptsI, ptsJ, ip.threshold, ip.confidence, ip.rng)
	if err == nil {
		return inliers
	}
	mask := make([]bool, len(ptsI))
	if errors.Is(err, transform.ErrInsufficientPoints) {
		for i := range mask {
			mask[i] = true
		}
	}
	return mask
}
