// Package config reads the settings of an estimation run from a JSON5 file, so configs may carry
// comments and trailing commas.
package config

import (
	"bytes"
	"io"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/yosuke-furukawa/json5/encoding/json5"
	"go.uber.org/multierr"

	"github.com/chutsu/proto/estimation"
	"github.com/chutsu/proto/estimation/tracker"
	"github.com/chutsu/proto/rimage/calib"
	"github.com/chutsu/proto/testutils/sim"
	"github.com/chutsu/proto/vision/tracking"
)

// Config holds every setting of a run. Sections missing from a file keep their defaults.
type Config struct {
	Tracker   tracker.Config        `json:"tracker"`
	Features  tracking.Config       `json:"features"`
	Imu       *estimation.ImuParams `json:"imu,omitempty"`
	AprilGrid calib.AprilGridConfig `json:"aprilgrid"`
	Sim       sim.Config            `json:"sim"`
}

// Default returns the default settings. No IMU is configured.
func Default() *Config {
	return &Config{
		Tracker:   tracker.DefaultConfig(),
		Features:  tracking.DefaultConfig(),
		AprilGrid: calib.DefaultAprilGridConfig(),
		Sim:       sim.DefaultConfig(),
	}
}

// Validate ensures all parts of the config are valid.
func (c *Config) Validate() error {
	errs := multierr.Combine(
		c.Tracker.Validate("tracker"),
		c.Features.Validate("features"),
		c.AprilGrid.Validate("aprilgrid"),
		c.Sim.Validate("sim"),
	)
	if c.Imu != nil {
		errs = multierr.Append(errs, c.Imu.Validate("imu"))
	}
	return errs
}

// Read reads the config at path. ${VAR} references are replaced with the environment
// before parsing.
func Read(path string) (*Config, error) {
	buf, err := envsubst.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read config %q", path)
	}
	cfg, err := FromReader(bytes.NewReader(buf))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", path)
	}
	return cfg, nil
}

// FromReader decodes a JSON5 config from r over the defaults and validates it.
func FromReader(r io.Reader) (*Config, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var attrs map[string]interface{}
	if err := json5.Unmarshal(buf, &attrs); err != nil {
		return nil, errors.Wrap(err, "cannot parse json5")
	}

	cfg := Default()
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:  "json",
		Result:   cfg,
		Metadata: &md,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attrs); err != nil {
		return nil, err
	}
	if len(md.Unused) > 0 {
		return nil, errors.Errorf("unknown fields %q", md.Unused)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
