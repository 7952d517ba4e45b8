// Package keypoints contains corner detection and sparse tracking primitives for gray images:
// - FAST keypoints
// - grid detection and spreading
// - pyramidal Lucas-Kanade optical flow
package keypoints

import (
	"image"
	"image/color"
	"math"

	"github.com/golang/geo/r2"
)

type (
	// KeyPoints is a slice of image.Point that contains several kps.
	KeyPoints []image.Point
)

// Keypoint is a detected corner with its detector response.
type Keypoint struct {
	Pt       r2.Point
	Response float64
	Size     float64
}

// NewKeypoint returns a keypoint at (x, y) with no response.
func NewKeypoint(x, y float64) Keypoint {
	return Keypoint{Pt: r2.Point{X: x, Y: y}}
}

// Points returns the pixel positions of kps.
func Points(kps []Keypoint) []r2.Point {
	pts := make([]r2.Point, len(kps))
	for i, kp := range kps {
		pts[i] = kp.Pt
	}
	return pts
}

// Detector finds keypoints inside the bounds of a gray image. Coordinates are absolute, so
// detecting in a sub image yields points in the parent image frame.
type Detector interface {
	Detect(img *image.Gray) []Keypoint
}

// OrientedKeypoints contains keypoints and their corresponding orientations.
type OrientedKeypoints struct {
	Points       KeyPoints
	Orientations []float64
}

// IsOriented returns true if the keypoints carry orientations.
func (kps *OrientedKeypoints) IsOriented() bool {
	return kps.Orientations != nil
}

// orientationMask is the circular patch of radius 15 used for intensity centroids.
var orientationMask = [16]int{15, 15, 15, 15, 14, 14, 14, 13, 13, 12, 11, 10, 9, 8, 6, 3}

// grayAt returns the pixel value at (x, y), or 0 outside the image bounds.
func grayAt(img *image.Gray, x, y int) int {
	if !(image.Point{x, y}.In(img.Bounds())) {
		return 0
	}
	return int(img.GrayAt(x, y).Y)
}

// computeKeypointsOrientations returns the intensity centroid angle of each keypoint.
func computeKeypointsOrientations(img *image.Gray, kps KeyPoints) []float64 {
	const half = 15
	orientations := make([]float64, len(kps))
	for i, kp := range kps {
		m01, m10 := 0, 0
		for dy := -half; dy <= half; dy++ {
			m01Temp := 0
			w := orientationMask[absInt(dy)]
			for dx := -w; dx <= w; dx++ {
				pixVal := grayAt(img, kp.X+dx, kp.Y+dy)
				m10 += pixVal * dx
				m01Temp += pixVal
			}
			m01 += m01Temp * dy
		}
		orientations[i] = math.Atan2(float64(m01), float64(m10))
	}
	return orientations
}

// ToGray converts any image into an *image.Gray with the same bounds.
func ToGray(img image.Image) *image.Gray {
	if gray, ok := img.(*image.Gray); ok {
		return gray
	}
	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.SetGray(x, y, color.GrayModel.Convert(img.At(x, y)).(color.Gray))
		}
	}
	return gray
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
