package utils

import (
	"math"
	"math/rand"
)

// DegToRad converts degrees to radians.
func DegToRad(degrees float64) float64 {
	return degrees * math.Pi / 180
}

// RadToDeg converts radians to degrees.
func RadToDeg(radians float64) float64 {
	return radians * 180 / math.Pi
}

// AngleDiffDeg returns the closest difference from the two given
// angles. The arguments are commutative.
func AngleDiffDeg(a1, a2 float64) float64 {
	return float64(180) - math.Abs(math.Abs(a1-a2)-float64(180))
}

// WrapPi wraps an angle in radians to [-pi, pi).
func WrapPi(ang float64) float64 {
	wrapped := math.Mod(ang+math.Pi, 2*math.Pi)
	if wrapped < 0 {
		wrapped += 2 * math.Pi
	}
	return wrapped - math.Pi
}

// Square is n*n.
func Square(n float64) float64 {
	return n * n
}

// SampleRandomIntRange samples a random integer within a range given by [min, max]
// using the given rand.Rand.
func SampleRandomIntRange(min, max int, r *rand.Rand) int {
	return r.Intn(max-min+1) + min
}

// SampleDistinctInts draws `n` distinct integers from [0, total) without replacement. It returns
// nil if `n > total`.
func SampleDistinctInts(n, total int, r *rand.Rand) []int {
	if n > total {
		return nil
	}
	picked := make(map[int]struct{}, n)
	out := make([]int, 0, n)
	for len(out) < n {
		idx := SampleRandomIntRange(0, total-1, r)
		if _, ok := picked[idx]; ok {
			continue
		}
		picked[idx] = struct{}{}
		out = append(out, idx)
	}
	return out
}
