// palpate runs a robotic palpation session.
//
// A session is two processes sharing one telemetry record in memory. The
// launcher creates the shared record, starts the control process, polls
// the record into a dataset and persists everything when the control
// process exits. The control process drives the robot.
//
// Usage:
//
//	palpate run     -config palpation.cfg [-env .env] [-duration 0]
//	palpate control -config palpation.cfg -shm /dev/shm/name -session-dir DIR
//	palpate layout
//
// Examples:
//
//	# Simulated session, stop with Ctrl+C
//	palpate run -config config/palpation.cfg
//
//	# Run the control loop alone against an existing record
//	palpate control -config config/palpation.cfg -shm /dev/shm/palpation_telemetry
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/raghavauppuluri13/robot-palpation/pkg/config"
	"github.com/raghavauppuluri13/robot-palpation/pkg/log"
	"github.com/raghavauppuluri13/robot-palpation/pkg/surface"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <run|control|layout> [flags]\n", filepath.Base(os.Args[0]))
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var code int
	switch os.Args[1] {
	case "run":
		code = runLauncher(os.Args[2:])
	case "control":
		code = runControl(os.Args[2:])
	case "layout":
		code = runLayout(os.Stdout)
	case "-h", "-help", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		code = 2
	}
	os.Exit(code)
}

// setupLogging applies the [log] section to the root logger and, when a
// directory is given, tees it into a rotating file there.
func setupLogging(s config.LogSettings, dir, file string) io.Closer {
	root := log.Default()
	root.SetLevel(log.ParseLevel(s.Level))
	root.SetFormat(log.ParseFormat(s.Format))
	log.ConfigureFromEnv(root)
	if dir == "" || file == "" {
		return nil
	}
	fw, err := log.TeeToFile(root, log.RotationConfig{
		Filename:   filepath.Join(dir, file),
		MaxSize:    s.MaxSizeMB,
		MaxBackups: s.MaxBackups,
	})
	if err != nil {
		root.WithError(err).Warn("file logging disabled")
		return nil
	}
	return fw
}

// loadROI reads the configured point cloud, or builds a flat patch under
// the reset position at the simulated surface height.
func loadROI(s config.Settings) ([]surface.Point, error) {
	if s.Search.ROIPath != "" {
		return surface.LoadROI(s.Search.ROIPath)
	}
	center := r3.Vec{
		X: s.Palpation.ResetPosition[0],
		Y: s.Palpation.ResetPosition[1],
		Z: s.Robot.SurfaceHeight,
	}
	return surface.PlanePatch(center, s.Search.PatchSize, s.Search.PatchSpacing), nil
}
