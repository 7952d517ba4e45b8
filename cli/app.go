// Package cli contains the proto command line tools.
package cli

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"
)

const (
	generalFlagConfig   = "config"
	generalFlagDebug    = "debug"
	generalFlagLogLevel = "log-level"
	generalFlagLogFile  = "log-file"

	simulateFlagImu      = "imu"
	simulateFlagDuration = "duration"
	simulateFlagWindow   = "window"

	calibrateFlagViews = "views"
	calibrateFlagSeed  = "seed"
)

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	return &cli.App{
		Name:            "proto",
		Usage:           "visual-inertial estimation and camera calibration tools",
		HideHelpCommand: true,
		Writer:          out,
		ErrWriter:       errOut,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    generalFlagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:    generalFlagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  generalFlagLogLevel,
				Value: "info",
				Usage: "minimum `LEVEL` logged (debug, info, warn or error)",
			},
			&cli.StringFlag{
				Name:  generalFlagLogFile,
				Usage: "also write logs to `FILE`, rotated by size",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "simulate",
				Usage:     "run the sliding-window estimator on a simulated circular trajectory",
				UsageText: "proto [global options] simulate [--imu] [--duration SECONDS] [--window N]",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  simulateFlagImu,
						Usage: "fuse the simulated IMU",
					},
					&cli.Float64Flag{
						Name:  simulateFlagDuration,
						Usage: "simulated duration in seconds, overriding the config",
					},
					&cli.IntFlag{
						Name:  simulateFlagWindow,
						Usage: "number of keyframes in the window, overriding the config",
					},
				},
				Action: SimulateAction,
			},
			{
				Name:      "calibrate",
				Usage:     "calibrate the simulated stereo rig from AprilGrid views",
				UsageText: "proto [global options] calibrate [--views N] [--seed SEED]",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  calibrateFlagViews,
						Value: 20,
						Usage: "number of target views",
					},
					&cli.Int64Flag{
						Name:  calibrateFlagSeed,
						Value: 1,
						Usage: "seed of the view generator",
					},
				},
				Action: CalibrateAction,
			},
		},
	}
}

// printf prints a message followed by a newline to the app writer.
func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}
