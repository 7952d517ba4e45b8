// Package tracking associates features across time and across overlapping cameras.
package tracking

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/chutsu/proto/utils"
	"github.com/chutsu/proto/vision/keypoints"
)

// TrackMode selects which cameras new features are detected in.
type TrackMode string

const (
	// TrackDefault detects features shared by overlapping cameras, then fills every camera
	// independently.
	TrackDefault = TrackMode("default")
	// TrackOverlaps only detects features seen by overlapping cameras.
	TrackOverlaps = TrackMode("overlaps")
	// TrackIndependent detects features in each camera on its own.
	TrackIndependent = TrackMode("independent")
)

// Config holds the feature tracker settings.
type Config struct {
	Mode    TrackMode               `json:"mode"`
	FAST    keypoints.FASTConfig    `json:"fast"`
	Grid    keypoints.GridConfig    `json:"grid"`
	OptFlow keypoints.OptFlowConfig `json:"optflow"`

	// ReprojThreshold is the largest stereo reprojection error in pixels.
	ReprojThreshold float64 `json:"reproj_threshold"`
	// RedetectRatio triggers a new detection once the tracked features drop below this share
	// of those tracked after the last detection.
	RedetectRatio float64 `json:"redetect_ratio"`
	// MinRansacPoints is the number of correspondences below which outlier rejection is
	// skipped.
	MinRansacPoints  int     `json:"min_ransac_points"`
	RansacThreshold  float64 `json:"ransac_threshold"`
	RansacConfidence float64 `json:"ransac_confidence"`
}

// DefaultConfig returns the default tracker settings.
func DefaultConfig() Config {
	return Config{
		Mode:             TrackDefault,
		FAST:             keypoints.DefaultFASTConfig(),
		Grid:             keypoints.DefaultGridConfig(),
		OptFlow:          keypoints.DefaultOptFlowConfig(),
		ReprojThreshold:  5.0,
		RedetectRatio:    0.8,
		MinRansacPoints:  10,
		RansacThreshold:  0.75,
		RansacConfidence: 0.99,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	var err error
	switch cfg.Mode {
	case TrackDefault, TrackOverlaps, TrackIndependent:
	default:
		err = multierr.Append(err, utils.NewConfigValidationError(path, errors.Errorf("unknown mode %q", cfg.Mode)))
	}
	err = multierr.Combine(err,
		cfg.FAST.Validate(path+".fast"),
		cfg.Grid.Validate(path+".grid"),
		cfg.OptFlow.Validate(path+".optflow"))
	if cfg.ReprojThreshold <= 0 {
		err = multierr.Append(err, utils.NewConfigValidationFieldRequiredError(path, "reproj_threshold"))
	}
	if cfg.RedetectRatio <= 0 || cfg.RedetectRatio > 1 {
		err = multierr.Append(err, utils.NewConfigValidationError(path, errors.New("redetect_ratio must be in (0, 1]")))
	}
	if cfg.MinRansacPoints < 8 {
		err = multierr.Append(err, utils.NewConfigValidationError(path, errors.New("min_ransac_points must be at least 8")))
	}
	if cfg.RansacThreshold <= 0 {
		err = multierr.Append(err, utils.NewConfigValidationFieldRequiredError(path, "ransac_threshold"))
	}
	if cfg.RansacConfidence <= 0 || cfg.RansacConfidence >= 1 {
		err = multierr.Append(err, utils.NewConfigValidationError(path, errors.New("ransac_confidence must be in (0, 1)")))
	}
	return err
}
