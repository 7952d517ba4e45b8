package estimation

import (
	"sort"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/chutsu/proto/spatialmath"
	"github.com/chutsu/proto/utils"
)

// DefaultGravity is the world frame gravity vector.
var DefaultGravity = r3.Vector{X: 0, Y: 0, Z: 9.81}

// ImuParams are the continuous time noise densities of an IMU.
type ImuParams struct {
	NoiseAcc float64   `json:"noise_acc"`
	NoiseGyr float64   `json:"noise_gyr"`
	NoiseBA  float64   `json:"noise_ba"`
	NoiseBG  float64   `json:"noise_bg"`
	Gravity  []float64 `json:"gravity,omitempty"`
}

// DefaultImuParams returns the noise densities of a consumer grade MEMS IMU.
func DefaultImuParams() ImuParams {
	return ImuParams{NoiseAcc: 0.08, NoiseGyr: 0.004, NoiseBA: 0.00004, NoiseBG: 2e-6}
}

// Validate ensures all parts of the params are valid.
func (p *ImuParams) Validate(path string) error {
	var errs error
	for _, field := range []struct {
		name  string
		value float64
	}{
		{"noise_acc", p.NoiseAcc},
		{"noise_gyr", p.NoiseGyr},
		{"noise_ba", p.NoiseBA},
		{"noise_bg", p.NoiseBG},
	} {
		if field.value <= 0 {
			errs = multierr.Append(errs, errors.Errorf("%q must be positive, got %v", field.name, field.value))
		}
	}
	if len(p.Gravity) != 0 && len(p.Gravity) != 3 {
		errs = multierr.Append(errs, errors.Errorf("\"gravity\" must have 3 elements, got %d", len(p.Gravity)))
	}
	if errs != nil {
		return utils.NewConfigValidationError(path, errs)
	}
	return nil
}

// GravityVector returns the configured gravity, or DefaultGravity if unset.
func (p *ImuParams) GravityVector() r3.Vector {
	if len(p.Gravity) != 3 {
		return DefaultGravity
	}
	return spatialmath.SliceToR3(p.Gravity)
}

// ImuSample is a single accelerometer and gyroscope reading.
type ImuSample struct {
	Timestamp int64
	Acc       r3.Vector
	Gyr       r3.Vector
}

// ImuBuffer is a time ordered sequence of IMU samples.
type ImuBuffer struct {
	samples []ImuSample
}

// NewImuBuffer returns a buffer holding samples, which must be in increasing timestamp order.
func NewImuBuffer(samples ...ImuSample) *ImuBuffer {
	buf := &ImuBuffer{samples: make([]ImuSample, len(samples))}
	copy(buf.samples, samples)
	return buf
}

// Add appends a sample. Timestamps are expected to be non-decreasing.
func (b *ImuBuffer) Add(ts int64, acc, gyr r3.Vector) {
	b.samples = append(b.samples, ImuSample{Timestamp: ts, Acc: acc, Gyr: gyr})
}

// Len returns the number of samples.
func (b *ImuBuffer) Len() int {
	return len(b.samples)
}

// Samples returns the buffered samples. The slice must not be modified.
func (b *ImuBuffer) Samples() []ImuSample {
	return b.samples
}

// Timestamps returns the sample timestamps.
func (b *ImuBuffer) Timestamps() []int64 {
	out := make([]int64, len(b.samples))
	for i, s := range b.samples {
		out[i] = s.Timestamp
	}
	return out
}

func lerpSample(a, b ImuSample, ts int64) ImuSample {
	alpha := float64(ts-a.Timestamp) / float64(b.Timestamp-a.Timestamp)
	return ImuSample{
		Timestamp: ts,
		Acc:       a.Acc.Mul(1 - alpha).Add(b.Acc.Mul(alpha)),
		Gyr:       a.Gyr.Mul(1 - alpha).Add(b.Gyr.Mul(alpha)),
	}
}

// Extract returns the samples covering [start, end], with the first and last samples linearly
// interpolated onto start and end when no sample falls exactly on them. The buffer is then
// trimmed so that it starts at the last sample before end, which leaves the samples needed to
// extract the next window.
func (b *ImuBuffer) Extract(start, end int64) (*ImuBuffer, error) {
	if len(b.samples) == 0 {
		return nil, errors.New("imu buffer is empty")
	}
	first, last := b.samples[0].Timestamp, b.samples[len(b.samples)-1].Timestamp
	if start < first || end > last {
		return nil, errors.Errorf("window [%d, %d] is outside buffered range [%d, %d]", start, end, first, last)
	}
	if end < start {
		return nil, errors.Errorf("window end %d is before start %d", end, start)
	}

	out := &ImuBuffer{}
	for k, s := range b.samples {
		if s.Timestamp < start {
			continue
		}
		if len(out.samples) == 0 && s.Timestamp > start {
			out.samples = append(out.samples, lerpSample(b.samples[k-1], s, start))
		}
		if s.Timestamp > end {
			s = lerpSample(b.samples[k-1], s, end)
		}
		out.samples = append(out.samples, s)
		if s.Timestamp == end {
			break
		}
	}

	// Keep from the last sample before end.
	removeIdx := sort.Search(len(b.samples), func(i int) bool { return b.samples[i].Timestamp >= end }) - 1
	if removeIdx < 0 {
		removeIdx = 0
	}
	b.samples = append([]ImuSample(nil), b.samples[removeIdx:]...)
	return out, nil
}
