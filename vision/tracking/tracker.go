package tracking

import (
	"image"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/chutsu/proto/logging"
	"github.com/chutsu/proto/rimage/transform"
	"github.com/chutsu/proto/spatialmath"
	"github.com/chutsu/proto/vision/keypoints"
)

// CameraData is the tracking state of one camera: its latest image and the keypoints of the
// features it currently observes.
type CameraData struct {
	CamIndex   int
	Image      *image.Gray
	Keypoints  []keypoints.Keypoint
	FeatureIDs []int
}

func (cd *CameraData) add(img *image.Gray, kps []keypoints.Keypoint, fids []int) {
	cd.Image = img
	cd.Keypoints = append(cd.Keypoints, kps...)
	cd.FeatureIDs = append(cd.FeatureIDs, fids...)
}

type camera struct {
	geom   *transform.CameraGeometry
	params []float64
	exts   spatialmath.Pose
}

// FeatureTracker detects features and follows them through time and across overlapping
// cameras. Feature ids come from a running counter and are never reused.
type FeatureTracker struct {
	cfg    Config
	prims  Primitives
	logger logging.Logger

	frameIdx         int
	lastTs           int64
	featuresDetected int
	featuresTracking int
	prevImages       map[int]*image.Gray

	camIdxs  []int
	cams     map[int]*camera
	overlaps map[int][]int
	camData  map[int]*CameraData
	// featureOverlaps counts the cameras observing each feature detected in an overlap. A
	// feature is dropped from it once fewer than two cameras observe it.
	featureOverlaps map[int]int
}

// NewFeatureTracker returns a tracker working on prims.
func NewFeatureTracker(cfg Config, prims Primitives, logger logging.Logger) (*FeatureTracker, error) {
	if err := cfg.Validate("tracking"); err != nil {
		return nil, err
	}
	if prims == nil {
		return nil, errors.New("feature tracker needs image primitives")
	}
	return &FeatureTracker{
		cfg:      cfg,
		prims:    prims,
		logger:   logger,
		cams:     map[int]*camera{},
		overlaps: map[int][]int{},
		camData:  map[int]*CameraData{},

		featureOverlaps: map[int]int{},
	}, nil
}

// AddCamera registers camera idx with its intrinsics and extrinsics T_BC.
func (ft *FeatureTracker) AddCamera(idx int, geom *transform.CameraGeometry, params []float64, exts spatialmath.Pose) error {
	if _, ok := ft.cams[idx]; ok {
		return errors.Errorf("camera %d already added", idx)
	}
	if geom == nil {
		return errors.Errorf("camera %d has no geometry", idx)
	}
	if err := geom.CheckValid(params); err != nil {
		return errors.Wrapf(err, "camera %d", idx)
	}
	ft.camIdxs = append(ft.camIdxs, idx)
	sort.Ints(ft.camIdxs)
	ft.cams[idx] = &camera{geom: geom, params: append([]float64(nil), params...), exts: exts}
	return nil
}

// UpdateCamera replaces the intrinsics and extrinsics of camera idx, e.g. after optimization.
func (ft *FeatureTracker) UpdateCamera(idx int, params []float64, exts spatialmath.Pose) error {
	cam, ok := ft.cams[idx]
	if !ok {
		return errors.Errorf("camera %d not added", idx)
	}
	if err := cam.geom.CheckValid(params); err != nil {
		return errors.Wrapf(err, "camera %d", idx)
	}
	cam.params = append(cam.params[:0], params...)
	cam.exts = exts
	return nil
}

// AddOverlap declares that camera j sees part of what camera i sees. Camera i is the primary
// camera features are detected in.
func (ft *FeatureTracker) AddOverlap(i, j int) error {
	if i == j {
		return errors.Errorf("camera %d cannot overlap itself", i)
	}
	for _, idx := range []int{i, j} {
		if _, ok := ft.cams[idx]; !ok {
			return errors.Errorf("camera %d not added", idx)
		}
	}
	if !lo.Contains(ft.overlaps[i], j) {
		ft.overlaps[i] = append(ft.overlaps[i], j)
	}
	return nil
}

// NumTracking returns the number of distinct features currently tracked.
func (ft *FeatureTracker) NumTracking() int {
	var fids []int
	for _, cd := range ft.camData {
		fids = append(fids, cd.FeatureIDs...)
	}
	return len(lo.Uniq(fids))
}

// OverlappingFeatures returns, in increasing order, the ids of the features detected in a camera
// overlap that at least two cameras still observe.
func (ft *FeatureTracker) OverlappingFeatures() []int {
	fids := lo.Keys(ft.featureOverlaps)
	sort.Ints(fids)
	return fids
}

// refreshOverlaps recounts the cameras observing each overlapping feature.
func (ft *FeatureTracker) refreshOverlaps() {
	counts := map[int]int{}
	for _, cd := range ft.camData {
		for _, fid := range cd.FeatureIDs {
			counts[fid]++
		}
	}
	for fid := range ft.featureOverlaps {
		if counts[fid] < 2 {
			delete(ft.featureOverlaps, fid)
			continue
		}
		ft.featureOverlaps[fid] = counts[fid]
	}
}

// FrameIndex returns the number of frames processed.
func (ft *FeatureTracker) FrameIndex() int {
	return ft.frameIdx
}

// LastTimestamp returns the timestamp of the last processed frame.
func (ft *FeatureTracker) LastTimestamp() int64 {
	return ft.lastTs
}

// Data returns the tracking state of a camera.
func (ft *FeatureTracker) Data(camIdx int) (*CameraData, bool) {
	cd, ok := ft.camData[camIdx]
	return cd, ok
}

// Update tracks the features into the frames taken at ts, detecting new ones when the first
// frame arrives or too many have been lost. It returns the tracking state of every camera.
func (ft *FeatureTracker) Update(ts int64, images map[int]*image.Gray) (map[int]*CameraData, error) {
	if len(ft.camIdxs) == 0 {
		return nil, errors.New("feature tracker has no cameras")
	}
	for _, idx := range ft.camIdxs {
		if images[idx] == nil {
			return nil, errors.Errorf("missing image for camera %d", idx)
		}
	}

	if ft.frameIdx == 0 {
		if err := ft.detectNew(images); err != nil {
			return nil, err
		}
	} else {
		ft.trackFeatures(images)
		if ft.featuresTracking == 0 || float64(ft.NumTracking())/float64(ft.featuresTracking) < ft.cfg.RedetectRatio {
			if err := ft.detectNew(images); err != nil {
				return nil, err
			}
		}
	}

	ft.refreshOverlaps()
	ft.frameIdx++
	ft.lastTs = ts
	ft.prevImages = images

	out := make(map[int]*CameraData, len(ft.camData))
	for idx, cd := range ft.camData {
		out[idx] = cd
	}
	return out, nil
}

// formFeatureIDs reserves n new feature ids.
func (ft *FeatureTracker) formFeatureIDs(n int) []int {
	fids := lo.RangeFrom(ft.featuresDetected, n)
	ft.featuresDetected += n
	return fids
}

func (ft *FeatureTracker) camKeypoints(camIdx int) []keypoints.Keypoint {
	if cd, ok := ft.camData[camIdx]; ok {
		return cd.Keypoints
	}
	return nil
}

func (ft *FeatureTracker) addFeatures(camIdx int, img *image.Gray, kps []keypoints.Keypoint, fids []int) {
	cd, ok := ft.camData[camIdx]
	if !ok {
		cd = &CameraData{CamIndex: camIdx}
		ft.camData[camIdx] = cd
	}
	cd.add(img, kps, fids)
}

func (ft *FeatureTracker) detect(img *image.Gray, prev []keypoints.Keypoint) ([]keypoints.Keypoint, error) {
	return keypoints.GridDetect(ft.prims, img, prev, ft.cfg.Grid)
}

func (ft *FeatureTracker) detectNew(images map[int]*image.Gray) error {
	before := ft.featuresDetected
	switch ft.cfg.Mode {
	case TrackDefault:
		if err := ft.detectOverlaps(images); err != nil {
			return err
		}
		if err := ft.detectNonOverlaps(images); err != nil {
			return err
		}
	case TrackOverlaps:
		if err := ft.detectOverlaps(images); err != nil {
			return err
		}
	case TrackIndependent:
		if err := ft.detectNonOverlaps(images); err != nil {
			return err
		}
	default:
		return errors.Errorf("invalid feature tracker mode %q", ft.cfg.Mode)
	}
	ft.featuresTracking = ft.NumTracking()
	ft.logger.Debugw("detected new features",
		"frame", ft.frameIdx, "detected", ft.featuresDetected-before, "tracking", ft.featuresTracking)
	return nil
}

// detectOverlaps detects features in each primary camera and tracks them into the cameras
// overlapping it.
func (ft *FeatureTracker) detectOverlaps(images map[int]*image.Gray) error {
	primaries := lo.Keys(ft.overlaps)
	sort.Ints(primaries)
	for _, idxI := range primaries {
		imgI := images[idxI]
		kpsI, err := ft.detect(imgI, ft.camKeypoints(idxI))
		if err != nil {
			return errors.Wrapf(err, "camera %d", idxI)
		}
		if len(kpsI) == 0 {
			continue
		}
		ptsI := keypoints.Points(kpsI)
		fidsNew := ft.formFeatureIDs(len(kpsI))

		keptI := make([]bool, len(kpsI))
		for _, idxJ := range ft.overlaps[idxI] {
			imgJ := images[idxJ]
			ptsJ, inliers := ft.trackStereo(imgI, imgJ, idxI, idxJ, ptsI)

			var kpsJ []keypoints.Keypoint
			var fidsJ []int
			for n, ok := range inliers {
				if !ok {
					continue
				}
				keptI[n] = true
				kpsJ = append(kpsJ, keypoints.Keypoint{Pt: ptsJ[n], Size: kpsI[n].Size})
				fidsJ = append(fidsJ, fidsNew[n])
			}
			ft.addFeatures(idxJ, imgJ, kpsJ, fidsJ)
		}

		var kps []keypoints.Keypoint
		var fids []int
		for n, ok := range keptI {
			if ok {
				kps = append(kps, kpsI[n])
				fids = append(fids, fidsNew[n])
				ft.featureOverlaps[fidsNew[n]] = 2
			}
		}
		ft.addFeatures(idxI, imgI, kps, fids)
	}
	return nil
}

// detectNonOverlaps tops up every camera with features only it observes.
func (ft *FeatureTracker) detectNonOverlaps(images map[int]*image.Gray) error {
	for _, idx := range ft.camIdxs {
		img := images[idx]
		kps, err := ft.detect(img, ft.camKeypoints(idx))
		if err != nil {
			return errors.Wrapf(err, "camera %d", idx)
		}
		if len(kps) == 0 {
			continue
		}
		ft.addFeatures(idx, img, kps, ft.formFeatureIDs(len(kps)))
	}
	return nil
}

// ransac rejects correspondences inconsistent with the epipolar geometry of the undistorted
// points. Below MinRansacPoints every point is an inlier.
func (ft *FeatureTracker) ransac(idxI, idxJ int, ptsI, ptsJ []r2.Point) []bool {
	if len(ptsI) < ft.cfg.MinRansacPoints {
		return lo.Times(len(ptsI), func(int) bool { return true })
	}
	camI, camJ := ft.cams[idxI], ft.cams[idxJ]
	udI := lo.Map(ptsI, func(p r2.Point, _ int) r2.Point { return camI.geom.Undistort(camI.params, p) })
	udJ := lo.Map(ptsJ, func(p r2.Point, _ int) r2.Point { return camJ.geom.Undistort(camJ.params, p) })
	return ft.prims.FundamentalInliers(udI, udJ)
}

// trackThroughTime follows the features of camIdx from the previous frame into img.
func (ft *FeatureTracker) trackThroughTime(img *image.Gray, camIdx int) ([]r2.Point, []bool) {
	ptsKm1 := keypoints.Points(ft.camKeypoints(camIdx))
	ptsK, flowInliers := ft.prims.Track(ft.prevImages[camIdx], img, ptsKm1)
	ransacInliers := ft.ransac(camIdx, camIdx, ptsKm1, ptsK)
	return ptsK, and(flowInliers, ransacInliers)
}

// trackStereo finds ptsI of camera idxI in camera idxJ and keeps the matches that pass the
// flow, epipolar and reprojection checks.
func (ft *FeatureTracker) trackStereo(imgI, imgJ *image.Gray, idxI, idxJ int, ptsI []r2.Point) ([]r2.Point, []bool) {
	ptsJ, flowInliers := ft.prims.Track(imgI, imgJ, ptsI)
	ransacInliers := ft.ransac(idxI, idxJ, ptsI, ptsJ)
	reprojInliers := ft.reprojFilter(idxI, idxJ, ptsI, ptsJ)
	return ptsJ, and(flowInliers, ransacInliers, reprojInliers)
}

func (ft *FeatureTracker) trackFeatures(images map[int]*image.Gray) {
	for _, idx := range ft.camIdxs {
		img := images[idx]
		cd, ok := ft.camData[idx]
		if !ok || len(cd.Keypoints) == 0 {
			ft.camData[idx] = &CameraData{CamIndex: idx, Image: img}
			continue
		}
		ptsK, inliers := ft.trackThroughTime(img, idx)

		tracked := &CameraData{CamIndex: idx, Image: img}
		for n, ok := range inliers {
			if ok {
				tracked.Keypoints = append(tracked.Keypoints, keypoints.Keypoint{Pt: ptsK[n], Size: cd.Keypoints[n].Size})
				tracked.FeatureIDs = append(tracked.FeatureIDs, cd.FeatureIDs[n])
			}
		}
		ft.camData[idx] = tracked
	}
}

// Triangulate returns the point observed at zI by camera idxI and zJ by camera idxJ, expressed
// in the frame of camera idxI.
func (ft *FeatureTracker) Triangulate(idxI, idxJ int, zI, zJ r2.Point) (r3.Vector, bool) {
	camI, okI := ft.cams[idxI]
	camJ, okJ := ft.cams[idxJ]
	if !okI || !okJ {
		return r3.Vector{}, false
	}
	tCiCj := camI.exts.Inverse().Compose(camJ.exts)
	pI := transform.PinholeP(camI.params, spatialmath.IdentityPose())
	pJ := transform.PinholeP(camJ.params, tCiCj)
	xI := camI.geom.Undistort(camI.params, zI)
	xJ := camJ.geom.Undistort(camJ.params, zJ)
	return transform.LinearTriangulation(pI, pJ, xI, xJ)
}

// reprojFilter triangulates each correspondence and rejects those behind camera idxI or
// reprojecting further than ReprojThreshold from ptsI.
func (ft *FeatureTracker) reprojFilter(idxI, idxJ int, ptsI, ptsJ []r2.Point) []bool {
	camI := ft.cams[idxI]
	inliers := make([]bool, len(ptsI))
	for n := range ptsI {
		pCi, ok := ft.Triangulate(idxI, idxJ, ptsI[n], ptsJ[n])
		if !ok || pCi.Z < 0 {
			continue
		}
		zHat, ok := camI.geom.Project(camI.params, pCi)
		if !ok {
			continue
		}
		inliers[n] = zHat.Sub(ptsI[n]).Norm() <= ft.cfg.ReprojThreshold
	}
	return inliers
}

// and returns the element wise conjunction of equally long masks.
func and(masks ...[]bool) []bool {
	out := lo.Times(len(masks[0]), func(int) bool { return true })
	for _, m := range masks {
		for i := range out {
			out[i] = out[i] && i < len(m) && m[i]
		}
	}
	return out
}
