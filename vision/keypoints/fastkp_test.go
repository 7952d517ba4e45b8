package keypoints

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"testing"

	"go.viam.com/test"
)

func createTestImage() *image.Gray {
	rectImage := image.NewGray(image.Rect(0, 0, 300, 200))
	whiteRect := image.Rect(50, 30, 100, 150)
	white := color.Gray{255}
	black := color.Gray{0}
	draw.Draw(rectImage, rectImage.Bounds(), &image.Uniform{black}, image.Point{0, 0}, draw.Src)
	draw.Draw(rectImage, whiteRect, &image.Uniform{white}, image.Point{0, 0}, draw.Src)
	return rectImage
}

func TestFASTConfiguration(t *testing.T) {
	cfg := DefaultFASTConfig()
	test.That(t, cfg.Validate("fast"), test.ShouldBeNil)
	test.That(t, cfg.NMatchesCircle, test.ShouldEqual, 9)
	test.That(t, cfg.NMSWinSize, test.ShouldEqual, 7)

	cfg.NMatchesCircle = 17
	test.That(t, cfg.Validate("fast"), test.ShouldNotBeNil)
	cfg = DefaultFASTConfig()
	cfg.Threshold = 0
	test.That(t, cfg.Validate("fast"), test.ShouldNotBeNil)
	_, err := NewFASTDetector(cfg)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGetPointValuesInNeighborhood(t *testing.T) {
	// create test image
	rectImage := createTestImage()
	// testing cross neighborhood
	vals := GetPointValuesInNeighborhood(rectImage, image.Point{50, 30}, CrossIdx)
	// test length
	test.That(t, len(vals), test.ShouldEqual, 4)
	// test values at a corner of the rectangle
	test.That(t, vals[0], test.ShouldEqual, 255)
	test.That(t, vals[1], test.ShouldEqual, 255)
	test.That(t, vals[2], test.ShouldEqual, 0)
	test.That(t, vals[3], test.ShouldEqual, 0)
	// testing circle neighborhood
	valsCircle := GetPointValuesInNeighborhood(rectImage, image.Point{50, 30}, CircleIdx)
	// test length
	test.That(t, len(valsCircle), test.ShouldEqual, 16)
	// test values at a corner of the rectangle
	for i := 0; i < 4; i++ {
		test.That(t, valsCircle[i], test.ShouldEqual, 0)
	}
	for i := 4; i < 9; i++ {
		test.That(t, valsCircle[i], test.ShouldEqual, 255)
	}
	for i := 9; i < len(valsCircle); i++ {
		test.That(t, valsCircle[i], test.ShouldEqual, 0)
	}
}

func TestIsValidSlice(t *testing.T) {
	tests := []struct {
		s        []float64
		n        int
		expected bool
	}{
		{[]float64{0, 0, 0, 0, 0}, 9, false},
		{[]float64{1, 1, 1, 1, 1, 1, 1}, 3, true},
		{[]float64{0, 1, 1, 1, 0, 1, 1}, 2, true},
		{[]float64{0, 1, 1, 0, 0, 1, 0}, 3, false},
		// runs wrap around the end of the circle
		{[]float64{1, 1, 0, 0, 0, 1, 1}, 4, true},
		{[]float64{1, 1, 0, 0, 0, 1, 1}, 5, false},
	}
	for _, tst := range tests {
		test.That(t, isValidSliceVals(tst.s, tst.n), test.ShouldEqual, tst.expected)
	}
}

func TestSumPositiveValues(t *testing.T) {
	tests := []struct {
		s        []float64
		expected float64
	}{
		{[]float64{0, 0, 0, 0, 0}, 0},
		{[]float64{1, -1, -1, 0, 1, 1, 1}, 4},
		{[]float64{-1, -1, -1, 0, -1, -1, -1}, 0},
	}
	for _, tst := range tests {
		test.That(t, sumOfPositiveValuesSlice(tst.s), test.ShouldEqual, tst.expected)
	}
}

func TestSumNegativeValues(t *testing.T) {
	tests := []struct {
		s        []float64
		expected float64
	}{
		{[]float64{0, 0, 0, 0, 0}, 0},
		{[]float64{1, -1, -1, 0, 1, 1, 1}, -2},
		{[]float64{-1, -1, -1, 0, -1, -1, -1}, -6},
	}
	for _, tst := range tests {
		test.That(t, sumOfNegativeValuesSlice(tst.s), test.ShouldEqual, tst.expected)
	}
}

func TestGetBrighterValues(t *testing.T) {
	tests := []struct {
		s        []float64
		t        float64
		expected []float64
	}{
		{[]float64{1, 10, 3, 1, 20, 11}, 10, []float64{0, 0, 0, 0, 1, 1}},
		{[]float64{1, 1, 1, 1}, 1, []float64{0, 0, 0, 0}},
	}
	for _, tst := range tests {
		test.That(t, getBrighterValues(tst.s, tst.t), test.ShouldResemble, tst.expected)
	}
}

func TestGetDarkerValues(t *testing.T) {
	tests := []struct {
		s        []float64
		t        float64
		expected []float64
	}{
		{[]float64{1, 10, 3, 1, 20, 11}, 10, []float64{1, 0, 1, 1, 0, 0}},
		{[]float64{1, 1, 1, 1}, 1, []float64{0, 0, 0, 0}},
	}
	for _, tst := range tests {
		test.That(t, getDarkerValues(tst.s, tst.t), test.ShouldResemble, tst.expected)
	}
}

func TestComputeFAST(t *testing.T) {
	cfg := DefaultFASTConfig()
	rectImage := createTestImage()
	kps := ComputeFAST(rectImage, &cfg)
	test.That(t, len(kps), test.ShouldBeGreaterThanOrEqualTo, 4)

	corners := []image.Point{{50, 30}, {99, 30}, {50, 149}, {99, 149}}
	near := func(a, b image.Point) bool {
		return absInt(a.X-b.X) <= 3 && absInt(a.Y-b.Y) <= 3
	}
	// every detection sits on a rectangle corner
	for _, kp := range kps {
		found := false
		for _, c := range corners {
			found = found || near(kp, c)
		}
		test.That(t, found, test.ShouldBeTrue)
	}
	// and every corner is detected
	for _, c := range corners {
		found := false
		for _, kp := range kps {
			found = found || near(kp, c)
		}
		test.That(t, found, test.ShouldBeTrue)
	}

	t.Run("flat image has no corners", func(t *testing.T) {
		flat := image.NewGray(image.Rect(0, 0, 40, 40))
		test.That(t, ComputeFAST(flat, &cfg), test.ShouldBeEmpty)
	})

	t.Run("detector reports absolute coordinates in sub images", func(t *testing.T) {
		det, err := NewFASTDetector(cfg)
		test.That(t, err, test.ShouldBeNil)
		sub := rectImage.SubImage(image.Rect(30, 10, 80, 60)).(*image.Gray)
		detected := det.Detect(sub)
		test.That(t, detected, test.ShouldNotBeEmpty)
		for _, kp := range detected {
			test.That(t, kp.Response, test.ShouldBeGreaterThan, 0)
			test.That(t, math.Abs(kp.Pt.X-50), test.ShouldBeLessThanOrEqualTo, 3)
			test.That(t, math.Abs(kp.Pt.Y-30), test.ShouldBeLessThanOrEqualTo, 3)
		}
	})
}

func TestNewFASTKeypointsFromImage(t *testing.T) {
	cfg := DefaultFASTConfig()
	cfg.Oriented = true
	img := createTestImage()
	fastKps := NewFASTKeypointsFromImage(img, &cfg)
	test.That(t, fastKps.IsOriented(), test.ShouldBeTrue)
	test.That(t, len(fastKps.Orientations), test.ShouldEqual, len(fastKps.Points))

	// the intensity centroid of the top left corner points into the rectangle
	orientations := computeKeypointsOrientations(img, KeyPoints{{50, 30}})
	test.That(t, orientations[0], test.ShouldAlmostEqual, math.Pi/4)

	// test no orientation
	cfg.Oriented = false
	fastKpsNoOrientation := NewFASTKeypointsFromImage(img, &cfg)
	test.That(t, len(fastKpsNoOrientation.Points), test.ShouldEqual, len(fastKps.Points))
	test.That(t, fastKpsNoOrientation.Orientations, test.ShouldBeNil)
	test.That(t, fastKpsNoOrientation.IsOriented(), test.ShouldBeFalse)
}

func TestToGray(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 4, 3))
	draw.Draw(rgba, rgba.Bounds(), &image.Uniform{color.RGBA{255, 255, 255, 255}}, image.Point{}, draw.Src)
	gray := ToGray(rgba)
	test.That(t, gray.Bounds(), test.ShouldResemble, rgba.Bounds())
	test.That(t, gray.GrayAt(2, 1).Y, test.ShouldEqual, uint8(255))

	same := image.NewGray(image.Rect(0, 0, 2, 2))
	test.That(t, ToGray(same), test.ShouldEqual, same)
}
