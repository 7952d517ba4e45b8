package tracker

import (
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/chutsu/proto/estimation"
	"github.com/chutsu/proto/utils"
)

// Config holds the sliding-window estimator settings.
type Config struct {
	// WindowSize is the number of keyframes kept in the graph.
	WindowSize int                     `json:"window_size"`
	Solver     estimation.SolverConfig `json:"solver"`
	// OutlierSigma scales the standard deviation of a keyframe's reprojection residuals into
	// the threshold above which its vision factors are dropped.
	OutlierSigma float64 `json:"outlier_sigma"`
	// EstimateIntrinsics and EstimateExtrinsics free the camera variables in the solver. They
	// are held fixed otherwise.
	EstimateIntrinsics bool `json:"estimate_intrinsics,omitempty"`
	EstimateExtrinsics bool `json:"estimate_extrinsics,omitempty"`
}

// DefaultConfig returns a ten keyframe window solved with the default solver settings.
func DefaultConfig() Config {
	return Config{
		WindowSize:   10,
		Solver:       estimation.DefaultSolverConfig(),
		OutlierSigma: 3.0,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	var errs error
	if cfg.WindowSize < 2 {
		errs = multierr.Append(errs, utils.NewConfigValidationError(path,
			errors.Errorf("\"window_size\" must be at least 2, got %d", cfg.WindowSize)))
	}
	if cfg.OutlierSigma <= 0 {
		errs = multierr.Append(errs, utils.NewConfigValidationFieldRequiredError(path, "outlier_sigma"))
	}
	return multierr.Combine(errs, cfg.Solver.Validate(path+".solver"))
}
