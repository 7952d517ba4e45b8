package keypoints

import (
	"image"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

// lattice returns keypoints every 10 pixels inside the bounds of an image, stronger towards
// the bottom right.
type lattice struct{}

func (lattice) Detect(img *image.Gray) []Keypoint {
	var kps []Keypoint
	b := img.Bounds()
	for y := b.Min.Y + 5; y < b.Max.Y; y += 10 {
		for x := b.Min.X + 5; x < b.Max.X; x += 10 {
			kps = append(kps, Keypoint{Pt: r2.Point{X: float64(x), Y: float64(y)}, Response: float64(x + y)})
		}
	}
	return kps
}

func TestFeatureGrid(t *testing.T) {
	grid, err := NewFeatureGrid(3, 4, 640, 480, []r2.Point{{X: 0, Y: 0}, {X: 10, Y: 10}, {X: 639, Y: 479}, {X: 640, Y: 480}})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, grid.CellIndex(r2.Point{X: 0, Y: 0}), test.ShouldEqual, 0)
	test.That(t, grid.CellIndex(r2.Point{X: 160, Y: 0}), test.ShouldEqual, 0)
	test.That(t, grid.CellIndex(r2.Point{X: 161, Y: 161}), test.ShouldEqual, 5)
	test.That(t, grid.CellIndex(r2.Point{X: 639, Y: 479}), test.ShouldEqual, 11)
	test.That(t, grid.Count(0), test.ShouldEqual, 2)
	test.That(t, grid.Count(11), test.ShouldEqual, 2)
	test.That(t, grid.Count(5), test.ShouldEqual, 0)
	test.That(t, grid.Count(100), test.ShouldEqual, 0)

	_, err = NewFeatureGrid(3, 4, 640, 480, []r2.Point{{X: -1, Y: 0}})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewFeatureGrid(0, 4, 640, 480, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSortKeypoints(t *testing.T) {
	kps := []Keypoint{
		{Pt: r2.Point{X: 1}, Response: 1},
		{Pt: r2.Point{X: 2}, Response: 3},
		{Pt: r2.Point{X: 3}, Response: 2},
	}
	sorted := SortKeypoints(kps)
	test.That(t, Points(sorted), test.ShouldResemble, []r2.Point{{X: 2}, {X: 3}, {X: 1}})
	test.That(t, SortKeypoints(nil), test.ShouldBeEmpty)
}

func TestSpreadKeypoints(t *testing.T) {
	bounds := image.Rect(0, 0, 200, 200)
	kps := []Keypoint{
		{Pt: r2.Point{X: 10, Y: 10}, Response: 1},
		{Pt: r2.Point{X: 15, Y: 10}, Response: 5},
		{Pt: r2.Point{X: 50, Y: 50}, Response: 2},
		{Pt: r2.Point{X: 100, Y: 100}, Response: 0.5},
	}
	prev := []Keypoint{{Pt: r2.Point{X: 52, Y: 52}}}
	spread := SpreadKeypoints(bounds, kps, prev, DefaultSpreadDistance)
	test.That(t, Points(spread), test.ShouldResemble, []r2.Point{{X: 15, Y: 10}, {X: 100, Y: 100}})

	t.Run("points outside the image are dropped", func(t *testing.T) {
		out := SpreadKeypoints(bounds, []Keypoint{{Pt: r2.Point{X: 250, Y: 10}}}, nil, DefaultSpreadDistance)
		test.That(t, out, test.ShouldBeEmpty)
	})
}

func TestGridDetect(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 400, 300))
	cfg := GridConfig{MaxKeypoints: 24, GridRows: 3, GridCols: 4}
	kps, err := GridDetect(lattice{}, img, nil, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, kps, test.ShouldNotBeEmpty)
	test.That(t, len(kps), test.ShouldBeLessThanOrEqualTo, cfg.MaxKeypoints)

	for i := range kps {
		for j := i + 1; j < len(kps); j++ {
			d := math.Max(math.Abs(kps[i].Pt.X-kps[j].Pt.X), math.Abs(kps[i].Pt.Y-kps[j].Pt.Y))
			test.That(t, d, test.ShouldBeGreaterThan, DefaultSpreadDistance)
		}
	}
	grid, err := NewFeatureGrid(cfg.GridRows, cfg.GridCols, 400, 300, Points(kps))
	test.That(t, err, test.ShouldBeNil)
	for c := 0; c < cfg.GridRows*cfg.GridCols; c++ {
		test.That(t, grid.Count(c), test.ShouldBeLessThanOrEqualTo, 2)
		test.That(t, grid.Count(c), test.ShouldBeGreaterThan, 0)
	}

	t.Run("full cells are not detected again", func(t *testing.T) {
		prev := []Keypoint{NewKeypoint(10, 10), NewKeypoint(50, 50)}
		kps, err := GridDetect(lattice{}, img, prev, cfg)
		test.That(t, err, test.ShouldBeNil)
		grid, err := NewFeatureGrid(cfg.GridRows, cfg.GridCols, 400, 300, Points(kps))
		test.That(t, err, test.ShouldBeNil)
		test.That(t, grid.Count(0), test.ShouldEqual, 0)
		test.That(t, grid.Count(1), test.ShouldBeGreaterThan, 0)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := GridDetect(lattice{}, img, nil, GridConfig{})
		test.That(t, err, test.ShouldNotBeNil)
	})
}
