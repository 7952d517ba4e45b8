package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.viam.com/test"

	"github.com/chutsu/proto/estimation"
	"github.com/chutsu/proto/vision/tracking"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	test.That(t, os.WriteFile(path, []byte(content), 0o600), test.ShouldBeNil)
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	test.That(t, cfg.Validate(), test.ShouldBeNil)
	test.That(t, cfg.Imu, test.ShouldBeNil)

	cfg, err := FromReader(strings.NewReader(`{}`))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg, test.ShouldResemble, Default())
}

func TestRead(t *testing.T) {
	t.Setenv("PROTO_WINDOW", "7")
	path := writeConfig(t, `{
		// a short window
		"tracker": {"window_size": ${PROTO_WINDOW}, "solver": {"max_iterations": 20}},
		"features": {"mode": "overlaps"},
		"imu": {"noise_acc": 0.08, "noise_gyr": 0.004, "noise_ba": 0.00004, "noise_bg": 0.000002},
		"sim": {"duration": 2.5, "seed": 42,},
	}`)

	cfg, err := Read(path)
	test.That(t, err, test.ShouldBeNil)

	// unset fields keep their defaults
	expected := Default()
	expected.Tracker.WindowSize = 7
	expected.Tracker.Solver.MaxIterations = 20
	expected.Features.Mode = tracking.TrackOverlaps
	expected.Imu = &estimation.ImuParams{NoiseAcc: 0.08, NoiseGyr: 0.004, NoiseBA: 0.00004, NoiseBG: 0.000002}
	expected.Sim.Duration = 2.5
	expected.Sim.Seed = 42
	test.That(t, cmp.Diff(expected, cfg), test.ShouldBeEmpty)
}

func TestReadErrors(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Read(writeConfig(t, `{"tracker": `))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Read(writeConfig(t, `{"tracker": {"window_sizes": 3}}`))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "window_sizes")

	_, err = Read(writeConfig(t, `{"tracker": {"window_size": "big"}}`))
	test.That(t, err, test.ShouldNotBeNil)

	_, err = Read(writeConfig(t, `{"tracker": {"window_size": 1}, "features": {"mode": "bogus"}, "imu": {}}`))
	test.That(t, err, test.ShouldNotBeNil)
	for _, field := range []string{"window_size", "bogus", "noise_acc"} {
		test.That(t, err.Error(), test.ShouldContainSubstring, field)
	}
}
