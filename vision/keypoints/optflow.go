package keypoints

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"golang.org/x/image/draw"

	"github.com/chutsu/proto/utils"
)

// OptFlowConfig holds the parameters of pyramidal Lucas-Kanade tracking.
type OptFlowConfig struct {
	PatchSize int     `json:"patch_size"`
	MaxLevel  int     `json:"max_level"`
	MaxIter   int     `json:"max_iter"`
	Epsilon   float64 `json:"epsilon"`
	// MinEigThreshold rejects patches whose structure tensor, normalized by the patch area,
	// has a smaller minimum eigenvalue.
	MinEigThreshold float64 `json:"min_eig_threshold,omitempty"`
}

// DefaultOptFlowConfig returns a 50 pixel window over 4 pyramid levels.
func DefaultOptFlowConfig() OptFlowConfig {
	return OptFlowConfig{PatchSize: 50, MaxLevel: 3, MaxIter: 100, Epsilon: 0.001, MinEigThreshold: 1e-4}
}

// Validate ensures all parts of the config are valid.
func (cfg *OptFlowConfig) Validate(path string) error {
	if cfg.PatchSize < 3 {
		return utils.NewConfigValidationError(path, errors.New("patch_size must be at least 3"))
	}
	if cfg.MaxLevel < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_level cannot be negative"))
	}
	if cfg.MaxIter <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_iter")
	}
	if cfg.Epsilon <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "epsilon")
	}
	return nil
}

// floatImage is a gray image stored as float64 and sampled bilinearly.
type floatImage struct {
	w, h int
	pix  []float64
}

func newFloatImage(img *image.Gray) *floatImage {
	b := img.Bounds()
	f := &floatImage{w: b.Dx(), h: b.Dy(), pix: make([]float64, b.Dx()*b.Dy())}
	for y := 0; y < f.h; y++ {
		for x := 0; x < f.w; x++ {
			f.pix[y*f.w+x] = float64(img.GrayAt(x+b.Min.X, y+b.Min.Y).Y)
		}
	}
	return f
}

func (f *floatImage) at(x, y int) float64 {
	x = min(max(x, 0), f.w-1)
	y = min(max(y, 0), f.h-1)
	return f.pix[y*f.w+x]
}

// sample returns the bilinearly interpolated intensity at (x, y), clamping at the borders.
func (f *floatImage) sample(x, y float64) float64 {
	x0, y0 := math.Floor(x), math.Floor(y)
	ax, ay := x-x0, y-y0
	ix, iy := int(x0), int(y0)
	top := (1-ax)*f.at(ix, iy) + ax*f.at(ix+1, iy)
	bottom := (1-ax)*f.at(ix, iy+1) + ax*f.at(ix+1, iy+1)
	return (1-ay)*top + ay*bottom
}

// buildPyramid returns levels+1 images, each half the size of the previous one.
func buildPyramid(img *image.Gray, levels int) []*floatImage {
	pyr := []*floatImage{newFloatImage(img)}
	cur := img
	for l := 1; l <= levels; l++ {
		b := cur.Bounds()
		w, h := (b.Dx()+1)/2, (b.Dy()+1)/2
		if w < 2 || h < 2 {
			break
		}
		next := image.NewGray(image.Rect(0, 0, w, h))
		draw.BiLinear.Scale(next, next.Bounds(), cur, b, draw.Src, nil)
		pyr = append(pyr, newFloatImage(next))
		cur = next
	}
	return pyr
}

// OpticalFlow tracks points between two images with pyramidal Lucas-Kanade.
type OpticalFlow struct {
	cfg OptFlowConfig
}

// NewOpticalFlow returns a tracker with the given configuration.
func NewOpticalFlow(cfg OptFlowConfig) (*OpticalFlow, error) {
	if err := cfg.Validate("optflow"); err != nil {
		return nil, err
	}
	return &OpticalFlow{cfg: cfg}, nil
}

// Track finds ptsI of imgI in imgJ, starting from ptsI. The status of a point is false when its
// patch has too little texture or its tracked position leaves the [0,w]x[0,h] image.
func (of *OpticalFlow) Track(imgI, imgJ *image.Gray, ptsI []r2.Point) ([]r2.Point, []bool) {
	return of.TrackWithGuess(imgI, imgJ, ptsI, ptsI)
}

// TrackWithGuess is Track seeded with initial guesses of the positions in imgJ.
func (of *OpticalFlow) TrackWithGuess(imgI, imgJ *image.Gray, ptsI, guess []r2.Point) ([]r2.Point, []bool) {
	ptsJ := make([]r2.Point, len(ptsI))
	status := make([]bool, len(ptsI))
	if len(ptsI) == 0 {
		return ptsJ, status
	}
	pyrI := buildPyramid(imgI, of.cfg.MaxLevel)
	pyrJ := buildPyramid(imgJ, len(pyrI)-1)
	levels := min(len(pyrI), len(pyrJ))

	bounds := imgJ.Bounds()
	w, h := float64(bounds.Dx()), float64(bounds.Dy())
	if len(guess) != len(ptsI) {
		guess = ptsI
	}
	for n, p := range ptsI {
		g := guess[n]
		q, ok := of.trackPoint(pyrI, pyrJ, levels, p, g)
		ptsJ[n] = q
		status[n] = ok && q.X >= 0 && q.Y >= 0 && q.X <= w && q.Y <= h
	}
	return ptsJ, status
}

// trackPoint refines the displacement of p from the coarsest level down to full resolution.
func (of *OpticalFlow) trackPoint(pyrI, pyrJ []*floatImage, levels int, p, guess r2.Point) (r2.Point, bool) {
	half := of.cfg.PatchSize / 2
	area := float64((2*half + 1) * (2*half + 1))
	n := (2*half + 1) * (2*half + 1)
	ix := make([]float64, n)
	iy := make([]float64, n)
	iv := make([]float64, n)

	top := float64(int(1) << (levels - 1))
	d := r2.Point{X: (guess.X - p.X) / top, Y: (guess.Y - p.Y) / top}
	for l := levels - 1; l >= 0; l-- {
		scale := float64(int(1) << l)
		I, J := pyrI[l], pyrJ[l]
		pl := r2.Point{X: p.X / scale, Y: p.Y / scale}

		var gxx, gxy, gyy float64
		k := 0
		for dy := -half; dy <= half; dy++ {
			for dx := -half; dx <= half; dx++ {
				x, y := pl.X+float64(dx), pl.Y+float64(dy)
				ix[k] = 0.5 * (I.sample(x+1, y) - I.sample(x-1, y))
				iy[k] = 0.5 * (I.sample(x, y+1) - I.sample(x, y-1))
				iv[k] = I.sample(x, y)
				gxx += ix[k] * ix[k]
				gxy += ix[k] * iy[k]
				gyy += iy[k] * iy[k]
				k++
			}
		}
		det := gxx*gyy - gxy*gxy
		minEig := (gxx + gyy - math.Sqrt((gxx-gyy)*(gxx-gyy)+4*gxy*gxy)) / (2 * area)
		if det < 1e-9 || minEig < of.cfg.MinEigThreshold {
			return r2.Point{X: p.X + d.X*scale, Y: p.Y + d.Y*scale}, false
		}

		for it := 0; it < of.cfg.MaxIter; it++ {
			var bx, by float64
			k = 0
			for dy := -half; dy <= half; dy++ {
				for dx := -half; dx <= half; dx++ {
					diff := iv[k] - J.sample(pl.X+d.X+float64(dx), pl.Y+d.Y+float64(dy))
					bx += diff * ix[k]
					by += diff * iy[k]
					k++
				}
			}
			step := r2.Point{X: (gyy*bx - gxy*by) / det, Y: (gxx*by - gxy*bx) / det}
			d = d.Add(step)
			if step.Norm() < of.cfg.Epsilon {
				break
			}
		}
		if l > 0 {
			d = d.Mul(2)
		}
	}
	return p.Add(d), true
}
