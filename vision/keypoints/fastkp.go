package keypoints

import (
	"image"

	"github.com/pkg/errors"

	"github.com/chutsu/proto/utils"
)

// fastRadius is the radius of the Bresenham circle sampled around each candidate.
const fastRadius = 3

var (
	// CrossIdx is the cross-shaped neighborhood used for the high-speed rejection test.
	CrossIdx = []image.Point{{3, 0}, {0, 3}, {-3, 0}, {0, -3}}
	// CircleIdx is the 16 pixel circle of radius 3 in clockwise order, starting at the top.
	CircleIdx = []image.Point{
		{0, -3}, {1, -3}, {2, -2}, {3, -1},
		{3, 0}, {3, 1}, {2, 2}, {1, 3},
		{0, 3}, {-1, 3}, {-2, 2}, {-3, 1},
		{-3, 0}, {-3, -1}, {-2, -2}, {-1, -3},
	}
)

// FASTConfig holds the parameters of the FAST detector.
type FASTConfig struct {
	// Threshold is the intensity difference, as a fraction of 255, a circle pixel needs to be
	// brighter or darker than the center.
	Threshold      float64 `json:"threshold"`
	NMatchesCircle int     `json:"n_matches"`
	NMSWinSize     int     `json:"nms_win_size"`
	Oriented       bool    `json:"oriented,omitempty"`
}

// DefaultFASTConfig returns a FAST-9 detector with a threshold of 50 gray levels.
func DefaultFASTConfig() FASTConfig {
	return FASTConfig{
		Threshold:      50.0 / 255.0,
		NMatchesCircle: 9,
		NMSWinSize:     7,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *FASTConfig) Validate(path string) error {
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		return utils.NewConfigValidationError(path, errors.New("threshold must be in (0, 1)"))
	}
	if cfg.NMatchesCircle < 1 || cfg.NMatchesCircle > len(CircleIdx) {
		return utils.NewConfigValidationError(path, errors.Errorf("n_matches must be in [1, %d]", len(CircleIdx)))
	}
	if cfg.NMSWinSize < 1 {
		return utils.NewConfigValidationFieldRequiredError(path, "nms_win_size")
	}
	return nil
}

// FASTKeypoints stores keypoint locations and orientations (nil if not oriented).
type FASTKeypoints OrientedKeypoints

// IsOriented returns true if FASTKeypoints contains orientations.
func (kps *FASTKeypoints) IsOriented() bool {
	return kps.Orientations != nil
}

// NewFASTKeypointsFromImage returns a pointer to a FASTKeypoints struct containing keypoints
// locations and orientations if Oriented is set to true in the configuration.
func NewFASTKeypointsFromImage(img *image.Gray, cfg *FASTConfig) *FASTKeypoints {
	kps := ComputeFAST(img, cfg)
	var orientations []float64
	if cfg.Oriented {
		orientations = computeKeypointsOrientations(img, kps)
	}
	return &FASTKeypoints{
		Points:       kps,
		Orientations: orientations,
	}
}

// GetPointValuesInNeighborhood returns the pixel values of img at p offset by each point of
// the neighborhood. Pixels outside the image read as 0.
func GetPointValuesInNeighborhood(img *image.Gray, p image.Point, neighborhood []image.Point) []float64 {
	vals := make([]float64, len(neighborhood))
	for i, off := range neighborhood {
		vals[i] = float64(grayAt(img, p.X+off.X, p.Y+off.Y))
	}
	return vals
}

// isValidSliceVals reports whether vals holds at least n contiguous non-zero values, with the
// slice treated as circular.
func isValidSliceVals(vals []float64, n int) bool {
	if n <= 0 {
		return true
	}
	if len(vals) == 0 {
		return false
	}
	run := 0
	for i := 0; i < 2*len(vals); i++ {
		if vals[i%len(vals)] == 0 {
			run = 0
			continue
		}
		run++
		if run >= n {
			return true
		}
	}
	return false
}

func sumOfPositiveValuesSlice(s []float64) float64 {
	sum := 0.0
	for _, v := range s {
		if v > 0 {
			sum += v
		}
	}
	return sum
}

func sumOfNegativeValuesSlice(s []float64) float64 {
	sum := 0.0
	for _, v := range s {
		if v < 0 {
			sum += v
		}
	}
	return sum
}

// getBrighterValues marks with 1 the values strictly above t.
func getBrighterValues(s []float64, t float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		if v > t {
			out[i] = 1
		}
	}
	return out
}

// getDarkerValues marks with 1 the values strictly below t.
func getDarkerValues(s []float64, t float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		if v < t {
			out[i] = 1
		}
	}
	return out
}

// fastScore returns the corner response at p, or 0 if p is not a corner.
func fastScore(img *image.Gray, p image.Point, cfg *FASTConfig) float64 {
	center := float64(img.GrayAt(p.X, p.Y).Y)
	t := cfg.Threshold * 255
	upper, lower := center+t, center-t

	// an arc of n pixels covers at least n/4 of the cross points
	cross := GetPointValuesInNeighborhood(img, p, CrossIdx)
	minCross := cfg.NMatchesCircle / 4
	nBright := sumOfPositiveValuesSlice(getBrighterValues(cross, upper))
	nDark := sumOfPositiveValuesSlice(getDarkerValues(cross, lower))
	if int(nBright) < minCross && int(nDark) < minCross {
		return 0
	}

	circle := GetPointValuesInNeighborhood(img, p, CircleIdx)
	brighter := getBrighterValues(circle, upper)
	darker := getDarkerValues(circle, lower)
	diffs := make([]float64, len(circle))
	for i, v := range circle {
		if brighter[i] > 0 || darker[i] > 0 {
			diffs[i] = v - center
		}
	}

	score := 0.0
	if isValidSliceVals(brighter, cfg.NMatchesCircle) {
		score = sumOfPositiveValuesSlice(diffs)
	}
	if isValidSliceVals(darker, cfg.NMatchesCircle) {
		if s := -sumOfNegativeValuesSlice(diffs); s > score {
			score = s
		}
	}
	return score
}

// fastCorners returns the non-maximum suppressed corners of img and their responses.
func fastCorners(img *image.Gray, cfg *FASTConfig) (KeyPoints, []float64) {
	bounds := img.Bounds()
	inner := image.Rect(bounds.Min.X+fastRadius, bounds.Min.Y+fastRadius, bounds.Max.X-fastRadius, bounds.Max.Y-fastRadius)
	if inner.Empty() {
		return nil, nil
	}

	w := inner.Dx()
	scores := make([]float64, w*inner.Dy())
	for y := inner.Min.Y; y < inner.Max.Y; y++ {
		for x := inner.Min.X; x < inner.Max.X; x++ {
			scores[(y-inner.Min.Y)*w+(x-inner.Min.X)] = fastScore(img, image.Point{x, y}, cfg)
		}
	}

	half := cfg.NMSWinSize / 2
	var kps KeyPoints
	var responses []float64
	for idx, s := range scores {
		if s == 0 {
			continue
		}
		cx, cy := idx%w, idx/w
		isMax := true
		for dy := -half; dy <= half && isMax; dy++ {
			for dx := -half; dx <= half; dx++ {
				nx, ny := cx+dx, cy+dy
				if nx < 0 || ny < 0 || nx >= w || ny >= inner.Dy() {
					continue
				}
				nIdx := ny*w + nx
				// ties go to the first in raster order
				if scores[nIdx] > s || (scores[nIdx] == s && nIdx < idx) {
					isMax = false
					break
				}
			}
		}
		if isMax {
			kps = append(kps, image.Point{cx + inner.Min.X, cy + inner.Min.Y})
			responses = append(responses, s)
		}
	}
	return kps, responses
}

// ComputeFAST computes the location of FAST keypoints in raster order.
func ComputeFAST(img *image.Gray, cfg *FASTConfig) KeyPoints {
	kps, _ := fastCorners(img, cfg)
	return kps
}

// FASTDetector detects FAST corners and reports their responses.
type FASTDetector struct {
	cfg FASTConfig
}

// NewFASTDetector returns a detector with the given configuration.
func NewFASTDetector(cfg FASTConfig) (*FASTDetector, error) {
	if err := cfg.Validate("fast"); err != nil {
		return nil, err
	}
	return &FASTDetector{cfg: cfg}, nil
}

// Detect returns the FAST corners inside the bounds of img.
func (d *FASTDetector) Detect(img *image.Gray) []Keypoint {
	pts, responses := fastCorners(img, &d.cfg)
	kps := make([]Keypoint, len(pts))
	for i, p := range pts {
		kps[i] = Keypoint{Pt: r2Point(p), Response: responses[i], Size: 2*fastRadius + 1}
	}
	return kps
}
