package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/raghavauppuluri13/robot-palpation/pkg/config"
	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
	"github.com/raghavauppuluri13/robot-palpation/pkg/log"
	"github.com/raghavauppuluri13/robot-palpation/pkg/metrics"
	"github.com/raghavauppuluri13/robot-palpation/pkg/monitor"
	"github.com/raghavauppuluri13/robot-palpation/pkg/publish"
	"github.com/raghavauppuluri13/robot-palpation/pkg/ratekeeper"
	"github.com/raghavauppuluri13/robot-palpation/pkg/search"
	"github.com/raghavauppuluri13/robot-palpation/pkg/telemetry"
)

// runLauncher creates the telemetry record, spawns the control process,
// collects until it exits and persists the session.
func runLauncher(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Palpation configuration file")
	envFile := fs.String("env", "", "Optional .env file with overrides")
	duration := fs.Duration("duration", 0, "Stop the session after this long (0 = until done or Ctrl+C)")
	fs.Parse(args)

	settings, err := config.LoadSettings(*cfgPath, *envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		return 1
	}
	sess := monitor.NewSession(settings.Output.Dir, time.Now())
	sess.ConfigPath = *cfgPath
	if err := os.MkdirAll(sess.Dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating session directory: %v\n", err)
		return 1
	}
	if fw := setupLogging(settings.Log, sess.Dir, settings.Log.File); fw != nil {
		defer fw.Close()
	}
	logger := log.GetLogger("main")
	logger.WithFields(log.Fields{"session": sess.ID, "dir": sess.Dir}).Info("palpation session starting")

	shm := settings.Telemetry.Path()
	w, err := telemetry.Create(shm)
	if err != nil {
		logger.WithError(err).Error("cannot create telemetry record")
		return 1
	}
	w.Close()
	defer func() {
		if err := telemetry.Unlink(shm); err != nil {
			logger.WithError(err).Warn("telemetry record not removed")
		}
	}()
	reader, err := telemetry.OpenReader(shm)
	if err != nil {
		logger.WithError(err).Error("cannot map telemetry record")
		return 1
	}
	defer reader.Close()

	pub, err := publish.New(settings.MQTT, sess.ID)
	if err != nil {
		logger.WithError(err).Warn("mqtt disabled")
		pub = publish.Nop{}
	}
	defer pub.Close()

	pm := metrics.NewPalpationMetrics()
	stream := monitor.NewStream()
	stream.OnClients = func(n int) { pm.StreamPeers.Set(nil, float64(n)) }
	defer stream.Close()
	collector := monitor.NewCollector(monitor.Config{
		Source: reader,
		Rate: ratekeeper.New("monitor", settings.Monitor.RateHz, settings.Control.LagReportThreshold,
			ratekeeper.WithLogger(log.GetLogger("monitor"))),
		Metrics:   pm,
		Publisher: pub,
		Stream:    stream,
		Session:   sess.ID,
	})

	if settings.Monitor.HTTPAddr != "" {
		mcfg := metrics.DefaultMetricsServerConfig()
		mcfg.Address = settings.Monitor.HTTPAddr
		ms := metrics.NewMetricsServer(pm, mcfg)
		collector.Mount(ms.Router())
		if _, err := ms.StartAsync(); err != nil {
			logger.WithError(err).Warn("http server disabled")
		} else {
			logger.Info("serving metrics, status and live pose on %s", ms.Addr())
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				ms.Shutdown(ctx)
			}()
		}
	}

	child, exited, err := startControl(*cfgPath, *envFile, shm, sess.Dir)
	if err != nil {
		logger.WithError(err).Error("cannot start control process")
		return 1
	}
	logger.WithField("pid", child.Process.Pid).Info("control process started")
	pub.PublishStatus("running")

	ctx, cancel := context.WithCancel(context.Background())
	collectDone := make(chan error, 1)
	go func() { collectDone <- collector.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}

	var exitErr error
	stopReason := "completed"
	select {
	case exitErr = <-exited:
	case sig := <-sigCh:
		stopReason = "interrupted"
		logger.Info("received %s, stopping control process", sig)
		exitErr = stopControl(child, exited, settings.Monitor.ExitTimeout)
	case <-timeout:
		stopReason = "duration_elapsed"
		logger.Info("session duration elapsed, stopping control process")
		exitErr = stopControl(child, exited, settings.Monitor.ExitTimeout)
	case err := <-collectDone:
		stopReason = "monitor_fault"
		logger.WithError(err).Error("collector failed, stopping control process")
		exitErr = stopControl(child, exited, settings.Monitor.ExitTimeout)
		collectDone <- err
	}
	cancel()
	if err := <-collectDone; err != nil {
		logger.WithError(err).Warn("collector ended with error")
	}
	// pick up the last record written before exit
	if err := collector.Poll(); err != nil {
		logger.WithError(err).Debug("final poll failed")
	}

	sess.StopReason = stopReason
	if exitErr != nil {
		sess.ExitError = exitErr.Error()
		logger.WithError(exitErr).Error("control process failed")
	}

	code := 0
	roi, err := loadROI(settings)
	if err != nil {
		logger.WithError(err).Warn("roi not saved")
	}
	if err := summarizeGrid(&sess); err != nil {
		logger.WithError(err).Warn("search grid not summarized")
	}
	if err := collector.Persist(&sess, roi); err != nil {
		logger.WithError(err).Error("session not fully persisted")
		code = 1
	}
	if exitErr != nil {
		code = 1
		pub.PublishStatus("failed")
	} else {
		pub.PublishStatus("finished")
	}
	logger.WithFields(log.Fields{"samples": sess.Samples, "attempts": sess.Attempts}).
		Infof("session %s %s", sess.ID, stopReason)
	return code
}

// summarizeGrid folds the search grid saved by the control process into
// the session description.
func summarizeGrid(sess *monitor.Session) error {
	cells, err := search.LoadGrid(filepath.Join(sess.Dir, search.GridFile))
	if err != nil {
		return err
	}
	sess.GridCells = len(cells)
	for _, c := range cells {
		if c.Visited {
			sess.VisitedCells++
		}
		if c.Value > sess.PeakStiffness {
			sess.PeakStiffness = c.Value
		}
	}
	return nil
}

// startControl re-executes this binary as the control process in its own
// process group, so a terminal Ctrl+C reaches only the launcher, which
// forwards it.
func startControl(cfgPath, envFile, shm, dir string) (*exec.Cmd, <-chan error, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, nil, err
	}
	args := []string{"control", "-shm", shm, "-session-dir", dir}
	if cfgPath != "" {
		args = append(args, "-config", cfgPath)
	}
	if envFile != "" {
		args = append(args, "-env", envFile)
	}
	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}
	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	return cmd, exited, nil
}

// stopControl sends SIGINT and waits up to timeout for the control
// process to finish its teardown. On expiry the process is killed and a
// timeout error returned.
func stopControl(cmd *exec.Cmd, exited <-chan error, timeout time.Duration) error {
	if err := cmd.Process.Signal(os.Interrupt); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return perrors.Wrap(err, perrors.ErrRuntime, "signal control process")
	}
	select {
	case err := <-exited:
		return err
	case <-time.After(timeout):
		cmd.Process.Kill()
		<-exited
		return perrors.TimeoutError("control process exit", timeout.Seconds())
	}
}
