package tracking

import (
	"image"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// ErrBufferNotInitialized is returned by a MultiCameraBuffer created without cameras.
var ErrBufferNotInitialized = errors.New("multi-camera buffer not initialized")

// MultiCameraBuffer collects the frames of a synchronized camera rig.
type MultiCameraBuffer struct {
	numCams int
	ts      []int64
	data    map[int]*image.Gray
}

// NewMultiCameraBuffer returns a buffer for numCams cameras.
func NewMultiCameraBuffer(numCams int) *MultiCameraBuffer {
	return &MultiCameraBuffer{numCams: numCams, data: map[int]*image.Gray{}}
}

// Reset drops every buffered frame.
func (b *MultiCameraBuffer) Reset() {
	b.ts = nil
	b.data = map[int]*image.Gray{}
}

// Add buffers the frame of camIdx taken at ts.
func (b *MultiCameraBuffer) Add(ts int64, camIdx int, img *image.Gray) error {
	if b.numCams == 0 {
		return ErrBufferNotInitialized
	}
	b.ts = append(b.ts, ts)
	b.data[camIdx] = img
	return nil
}

// Ready reports whether every camera delivered exactly one frame, all at the same timestamp.
func (b *MultiCameraBuffer) Ready() (bool, error) {
	if b.numCams == 0 {
		return false, ErrBufferNotInitialized
	}
	sameTs := len(lo.Uniq(b.ts)) == 1
	return sameTs && len(b.ts) == b.numCams && len(b.data) == b.numCams, nil
}

// Timestamp returns the timestamp of the first buffered frame.
func (b *MultiCameraBuffer) Timestamp() (int64, bool) {
	if len(b.ts) == 0 {
		return 0, false
	}
	return b.ts[0], true
}

// CameraIndices returns the cameras with a buffered frame in increasing order.
func (b *MultiCameraBuffer) CameraIndices() []int {
	idxs := lo.Keys(b.data)
	sort.Ints(idxs)
	return idxs
}

// Data returns the buffered frames by camera index.
func (b *MultiCameraBuffer) Data() (map[int]*image.Gray, error) {
	if b.numCams == 0 {
		return nil, ErrBufferNotInitialized
	}
	return b.data, nil
}
