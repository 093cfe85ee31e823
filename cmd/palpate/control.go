package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/raghavauppuluri13/robot-palpation/pkg/config"
	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
	"github.com/raghavauppuluri13/robot-palpation/pkg/geom"
	"github.com/raghavauppuluri13/robot-palpation/pkg/interp"
	"github.com/raghavauppuluri13/robot-palpation/pkg/log"
	"github.com/raghavauppuluri13/robot-palpation/pkg/palpation"
	"github.com/raghavauppuluri13/robot-palpation/pkg/ratekeeper"
	"github.com/raghavauppuluri13/robot-palpation/pkg/safety"
	"github.com/raghavauppuluri13/robot-palpation/pkg/search"
	"github.com/raghavauppuluri13/robot-palpation/pkg/serial"
	"github.com/raghavauppuluri13/robot-palpation/pkg/sim"
	"github.com/raghavauppuluri13/robot-palpation/pkg/telemetry"
)

// historySaver persists the search history and grid during teardown.
type historySaver struct {
	oracle palpation.SearchOracle
	dir    string
}

func (h historySaver) Close() error {
	if h.dir == "" {
		return nil
	}
	return h.oracle.SaveHistory(h.dir)
}

type sensor interface {
	palpation.ForceSensor
	Close() error
}

type simSensor struct{ *sim.ForceSensor }

func (simSensor) Close() error { return nil }

// runControl is the control process. It exits non-zero when the loop
// ends on a fault.
func runControl(args []string) int {
	fs := flag.NewFlagSet("control", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Palpation configuration file")
	envFile := fs.String("env", "", "Optional .env file with overrides")
	shmPath := fs.String("shm", "", "Telemetry file created by the launcher (default: create from config)")
	sessionDir := fs.String("session-dir", "", "Directory for the search history and grid")
	fs.Parse(args)

	settings, err := config.LoadSettings(*cfgPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	if fw := setupLogging(settings.Log, *sessionDir, "control."+settings.Log.File); fw != nil {
		defer fw.Close()
	}
	logger := log.GetLogger("main")

	sm := safety.New()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		sm.RequestStop(safety.ReasonUserInterrupt, "received "+sig.String())
	}()

	runErr := control(settings, *shmPath, *sessionDir, sm, logger)
	if errors.Is(runErr, safety.ErrStopped) {
		// interrupted while waiting for the robot
		runErr = nil
	}
	if runErr != nil {
		sm.RequestStop(palpation.FaultReason(runErr), runErr.Error())
	}
	if err := sm.Shutdown(); err != nil {
		logger.WithError(err).Error("teardown incomplete")
		if runErr == nil {
			runErr = err
		}
	}
	st := sm.GetStatus()
	if runErr != nil {
		logger.WithFields(log.Fields{"reason": st.ShutdownReason}).WithError(runErr).Error("control process failed")
		return 1
	}
	logger.WithField("reason", st.ShutdownReason).Info("control process finished")
	return 0
}

// control builds the collaborators, registers them for teardown and runs
// the loop. Precondition panics are recovered into errors here, after
// which the caller still runs the teardown.
func control(s config.Settings, shmPath, sessionDir string, sm *safety.Manager, logger *log.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = perrors.FromPanic(r)
		}
	}()

	roi, err := loadROI(s)
	if err != nil {
		return err
	}
	oracle, err := search.NewRandomSearch(roi, s.Search.GridSize, s.Search.Seed, s.Search.MaxProbes)
	if err != nil {
		return err
	}

	var writer *telemetry.Writer
	if shmPath != "" {
		writer, err = telemetry.OpenWriter(shmPath)
	} else {
		writer, err = telemetry.Create(s.Telemetry.Path())
	}
	if err != nil {
		return err
	}

	params := palpation.ParamsFromSettings(s)
	start := params.ResetPose
	start.Pos = r3.Add(start.Pos, r3.Vec{Z: s.Palpation.Clearance})
	robot := sim.NewRobot(sim.ConfigFromSettings(s.Robot), start)

	var sens sensor
	switch s.ForceSensor.Backend {
	case "serial":
		fsens, err := serial.OpenForceSensor(s.ForceSensor)
		if err != nil {
			robot.Close()
			writer.Close()
			return err
		}
		sens = fsens
	default:
		sens = simSensor{sim.NewForceSensor(robot)}
	}

	// teardown order: robot, search history, sensor, shared memory
	sm.Register("robot", robot)
	sm.Register("search", historySaver{oracle: oracle, dir: sessionDir})
	sm.Register("force_sensor", sens)
	sm.Register("telemetry", writer)

	logger.WithFields(log.Fields{
		"robot":   s.Robot.Backend,
		"sensor":  s.ForceSensor.Backend,
		"cells":   oracle.Remaining(),
		"rate_hz": s.Control.RateHz,
		"start":   geom.Array3(start.Pos),
	}).Info("control process ready")

	loop := palpation.NewLoop(palpation.LoopConfig{
		Controller: palpation.NewController(params, interp.New(), oracle),
		Robot:      robot,
		Sensor:     sens,
		Writer:     writer,
		Safety:     sm,
		Rate: ratekeeper.New("control", s.Control.RateHz, s.Control.LagReportThreshold,
			ratekeeper.WithLogger(log.GetLogger("control"))),
		FirstStateTimeout: s.Control.FirstStateTimeout,
	})
	return loop.Run()
}
