package keypoints

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/chutsu/proto/utils"
)

// DefaultSpreadDistance is the minimum pixel distance kept between detected keypoints.
const DefaultSpreadDistance = 20

// FeatureGrid counts keypoints per cell of a rows x cols grid laid over the image. Cells are
// numbered row major from the top left corner:
//
//	o-----> x
//	| ---------------------
//	| |  0 |  1 |  2 |  3 |
//	V ---------------------
//	y |  4 |  5 |  6 |  7 |
//	  ---------------------
type FeatureGrid struct {
	Rows, Cols    int
	Width, Height int
	cells         []int
}

// NewFeatureGrid bins pts into a grid over a width x height image. It fails if a point lies
// outside the image.
func NewFeatureGrid(rows, cols, width, height int, pts []r2.Point) (*FeatureGrid, error) {
	if rows <= 0 || cols <= 0 {
		return nil, errors.Errorf("invalid grid size %dx%d", rows, cols)
	}
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid image size %dx%d", width, height)
	}
	grid := &FeatureGrid{Rows: rows, Cols: cols, Width: width, Height: height, cells: make([]int, rows*cols)}
	for _, p := range pts {
		if p.X < 0 || p.Y < 0 || p.X > float64(width) || p.Y > float64(height) {
			return nil, errors.Errorf("point (%v, %v) outside %dx%d image", p.X, p.Y, width, height)
		}
		grid.cells[grid.CellIndex(p)]++
	}
	return grid, nil
}

// CellIndex returns the index of the cell containing p.
func (g *FeatureGrid) CellIndex(p r2.Point) int {
	gridX := math.Ceil(math.Max(1, p.X)/float64(g.Width)*float64(g.Cols)) - 1
	gridY := math.Ceil(math.Max(1, p.Y)/float64(g.Height)*float64(g.Rows)) - 1
	return int(gridX + gridY*float64(g.Cols))
}

// Count returns the number of points in a cell.
func (g *FeatureGrid) Count(cellIdx int) int {
	if cellIdx < 0 || cellIdx >= len(g.cells) {
		return 0
	}
	return g.cells[cellIdx]
}

// GridConfig controls grid detection.
type GridConfig struct {
	MaxKeypoints   int `json:"max_keypoints"`
	GridRows       int `json:"grid_rows"`
	GridCols       int `json:"grid_cols"`
	SpreadDistance int `json:"spread_distance,omitempty"`
}

// DefaultGridConfig returns 240 keypoints over a 3x4 grid.
func DefaultGridConfig() GridConfig {
	return GridConfig{MaxKeypoints: 240, GridRows: 3, GridCols: 4, SpreadDistance: DefaultSpreadDistance}
}

// Validate ensures all parts of the config are valid.
func (cfg *GridConfig) Validate(path string) error {
	if cfg.MaxKeypoints <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_keypoints")
	}
	if cfg.GridRows <= 0 || cfg.GridCols <= 0 {
		return utils.NewConfigValidationError(path, errors.New("grid_rows and grid_cols must be positive"))
	}
	if cfg.SpreadDistance < 0 {
		return utils.NewConfigValidationError(path, errors.New("spread_distance cannot be negative"))
	}
	return nil
}

// SortKeypoints returns kps ordered by descending response.
func SortKeypoints(kps []Keypoint) []Keypoint {
	if len(kps) == 0 {
		return kps
	}
	negResponses := make([]float64, len(kps))
	for i, kp := range kps {
		negResponses[i] = -kp.Response
	}
	inds := make([]int, len(kps))
	floats.Argsort(negResponses, inds)
	sorted := make([]Keypoint, len(kps))
	for i, idx := range inds {
		sorted[i] = kps[idx]
	}
	return sorted
}

// SpreadKeypoints keeps the strongest keypoints that are more than minDist pixels (in the
// chessboard metric) away from every kept keypoint and every keypoint of prev.
func SpreadKeypoints(bounds image.Rectangle, kps, prev []Keypoint, minDist int) []Keypoint {
	if len(kps) == 0 {
		return kps
	}
	w, h := bounds.Dx(), bounds.Dy()
	blocked := make([]bool, w*h)
	block := func(p image.Point) {
		rs, re := max(p.Y-minDist, 0), min(p.Y+minDist+1, h)
		cs, ce := max(p.X-minDist, 0), min(p.X+minDist+1, w)
		for r := rs; r < re; r++ {
			for c := cs; c < ce; c++ {
				blocked[r*w+c] = true
			}
		}
	}
	local := func(kp Keypoint) (image.Point, bool) {
		p := image.Point{int(kp.Pt.X) - bounds.Min.X, int(kp.Pt.Y) - bounds.Min.Y}
		return p, p.X >= 0 && p.Y >= 0 && p.X < w && p.Y < h
	}

	for _, kp := range prev {
		if p, ok := local(kp); ok {
			block(p)
		}
	}

	var out []Keypoint
	for _, kp := range SortKeypoints(kps) {
		p, ok := local(kp)
		if !ok || blocked[p.Y*w+p.X] {
			continue
		}
		block(p)
		out = append(out, kp)
	}
	return out
}

// GridDetect detects keypoints cell by cell so they cover the whole image. Each cell holds at
// most MaxKeypoints/cells keypoints, counting the ones in prev, and the result is spread so
// no two keypoints are closer than SpreadDistance.
func GridDetect(det Detector, img *image.Gray, prev []Keypoint, cfg GridConfig) ([]Keypoint, error) {
	if err := cfg.Validate("grid"); err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	dx := int(math.Ceil(float64(width) / float64(cfg.GridCols)))
	dy := int(math.Ceil(float64(height) / float64(cfg.GridRows)))
	maxPerCell := cfg.MaxKeypoints / (cfg.GridRows * cfg.GridCols)

	prevLocal := make([]r2.Point, len(prev))
	for i, kp := range prev {
		prevLocal[i] = r2.Point{X: kp.Pt.X - float64(bounds.Min.X), Y: kp.Pt.Y - float64(bounds.Min.Y)}
	}
	grid, err := NewFeatureGrid(cfg.GridRows, cfg.GridCols, width, height, prevLocal)
	if err != nil {
		return nil, errors.Wrap(err, "previous keypoints")
	}

	var kpsAll []Keypoint
	cellIdx := 0
	for y := 0; y < height; y += dy {
		for x := 0; x < width; x += dx {
			vacancy := maxPerCell - grid.Count(cellIdx)
			cellIdx++
			if vacancy <= 0 {
				continue
			}
			roi := image.Rect(x, y, min(x+dx, width), min(y+dy, height)).Add(bounds.Min)
			kps := SortKeypoints(det.Detect(img.SubImage(roi).(*image.Gray)))
			kpsAll = append(kpsAll, kps[:min(len(kps), vacancy)]...)
		}
	}

	minDist := cfg.SpreadDistance
	if minDist == 0 {
		minDist = DefaultSpreadDistance
	}
	return SpreadKeypoints(bounds, kpsAll, prev, minDist), nil
}

func r2Point(p image.Point) r2.Point {
	return r2.Point{X: float64(p.X), Y: float64(p.Y)}
}
