package calib

import (
	"math/rand"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/chutsu/proto/rimage/transform"
	"github.com/chutsu/proto/spatialmath"
	"github.com/chutsu/proto/utils"
)

// LookAt returns the pose T_WC of a camera at camPos whose optical (z) axis points at target.
// The camera y axis is kept close to -up.
func LookAt(camPos, target, up r3.Vector) spatialmath.Pose {
	z := target.Sub(camPos).Normalize()
	x := up.Cross(z).Normalize()
	y := z.Cross(x)
	C := mat.NewDense(3, 3, []float64{
		x.X, y.X, z.X,
		x.Y, y.Y, z.Y,
		x.Z, y.Z, z.Z,
	})
	return spatialmath.NewPoseFromRotation(C, camPos)
}

var lookAtUp = r3.Vector{Y: -1}

func (g *AprilGrid) center3() r3.Vector {
	c := g.Center()
	return r3.Vector{X: c.X, Y: c.Y}
}

// GeneratePoses returns camera poses T_FC on a 5x5x5 lattice in front of the target, each
// looking at its centre.
func GeneratePoses(g *AprilGrid) []spatialmath.Pose {
	xs := floats.Span(make([]float64, 5), -0.3, 0.3)
	ys := floats.Span(make([]float64, 5), -0.3, 0.3)
	zs := floats.Span(make([]float64, 5), 0.3, 0.5)
	center := g.center3()

	poses := make([]spatialmath.Pose, 0, len(xs)*len(ys)*len(zs))
	for _, x := range xs {
		for _, y := range ys {
			for _, z := range zs {
				poses = append(poses, LookAt(center.Add(r3.Vector{X: x, Y: y, Z: z}), center, lookAtUp))
			}
		}
	}
	return poses
}

// GenerateRandomPoses returns n camera poses T_FC in front of the target, looking roughly at
// its centre with up to 10 degrees of attitude noise.
func GenerateRandomPoses(g *AprilGrid, n int, rng *rand.Rand) []spatialmath.Pose {
	uniform := func(lo, hi float64) float64 { return lo + rng.Float64()*(hi-lo) }
	att := utils.DegToRad(10)
	center := g.center3()

	poses := make([]spatialmath.Pose, 0, n)
	for i := 0; i < n; i++ {
		pos := center.Add(r3.Vector{X: uniform(-0.5, 0.5), Y: uniform(-0.5, 0.5), Z: uniform(0.5, 0.7)})
		perturb := spatialmath.NewPoseFromRotation(
			spatialmath.Euler321(uniform(-att, att), uniform(-att, att), uniform(-att, att)), r3.Vector{})
		poses = append(poses, LookAt(pos, center, lookAtUp).Compose(perturb))
	}
	return poses
}

// SimulateView returns the corners of a target with layout cfg that camera cam with intrinsics
// params sees when the target is at T_CF.
func SimulateView(cfg AprilGridConfig, ts int64, cam *transform.CameraGeometry, params []float64, tCF spatialmath.Pose) (*AprilGrid, error) {
	grid, err := NewAprilGrid(cfg, ts)
	if err != nil {
		return nil, err
	}
	for tagID := 0; tagID < grid.NumTags(); tagID++ {
		for corner := 0; corner < 4; corner++ {
			p, err := grid.ObjectPoint(tagID, corner)
			if err != nil {
				return nil, err
			}
			z, ok := cam.Project(params, tCF.TransformPoint(p))
			if !ok {
				continue
			}
			if err := grid.Add(tagID, corner, z); err != nil {
				return nil, err
			}
		}
	}
	return grid, nil
}
