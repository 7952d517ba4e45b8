package keypoints

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"go.viam.com/test"
)

// texture renders a smooth pattern shifted by (sx, sy).
func texture(w, h int, sx, sy float64) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			u, v := float64(x)-sx, float64(y)-sy
			val := 128 + 50*math.Sin(u/5)*math.Cos(v/6) + 30*math.Sin((u+2*v)/9)
			img.SetGray(x, y, color.Gray{uint8(math.Round(val))})
		}
	}
	return img
}

func TestOptFlowConfig(t *testing.T) {
	cfg := DefaultOptFlowConfig()
	test.That(t, cfg.Validate("optflow"), test.ShouldBeNil)
	cfg.MaxIter = 0
	test.That(t, cfg.Validate("optflow"), test.ShouldNotBeNil)
	_, err := NewOpticalFlow(cfg)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestOpticalFlow(t *testing.T) {
	imgI := texture(160, 120, 0, 0)
	imgJ := texture(160, 120, 3, -2)
	of, err := NewOpticalFlow(OptFlowConfig{PatchSize: 21, MaxLevel: 2, MaxIter: 50, Epsilon: 0.001, MinEigThreshold: 1e-4})
	test.That(t, err, test.ShouldBeNil)

	var ptsI []r2.Point
	for y := 40.0; y <= 80; y += 20 {
		for x := 40.0; x <= 120; x += 20 {
			ptsI = append(ptsI, r2.Point{X: x, Y: y})
		}
	}
	ptsJ, status := of.Track(imgI, imgJ, ptsI)
	test.That(t, len(ptsJ), test.ShouldEqual, len(ptsI))
	for n, p := range ptsI {
		test.That(t, status[n], test.ShouldBeTrue)
		test.That(t, ptsJ[n].X, test.ShouldAlmostEqual, p.X+3, 0.1)
		test.That(t, ptsJ[n].Y, test.ShouldAlmostEqual, p.Y-2, 0.1)
	}

	t.Run("textureless patches are lost", func(t *testing.T) {
		flat := image.NewGray(image.Rect(0, 0, 160, 120))
		_, status := of.Track(flat, flat, []r2.Point{{X: 80, Y: 60}})
		test.That(t, status, test.ShouldResemble, []bool{false})
	})

	t.Run("no points", func(t *testing.T) {
		ptsJ, status := of.Track(imgI, imgJ, nil)
		test.That(t, ptsJ, test.ShouldBeEmpty)
		test.That(t, status, test.ShouldBeEmpty)
	})
}
