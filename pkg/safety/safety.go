// Package safety coordinates cooperative stop and teardown of the
// control process: a stop flag polled once per control tick, and an
// ordered teardown of registered components once the loop has exited.
package safety

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// ShutdownState represents the process shutdown state.
type ShutdownState int

const (
	// StateRunning indicates normal operation.
	StateRunning ShutdownState = iota

	// StateStopping indicates a stop was requested and the loop is winding down.
	StateStopping

	// StateShutdown indicates teardown completed cleanly.
	StateShutdown

	// StateError indicates teardown after a failure.
	StateError
)

func (s ShutdownState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateShutdown:
		return "shutdown"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ShutdownReason describes why the run ended.
type ShutdownReason string

const (
	ReasonNone            ShutdownReason = ""
	ReasonUserInterrupt   ShutdownReason = "user_interrupt"
	ReasonStopRequested   ShutdownReason = "stop_requested"
	ReasonSearchExhausted ShutdownReason = "search_exhausted"
	ReasonRobotFault      ShutdownReason = "robot_fault"
	ReasonPrecondition    ShutdownReason = "precondition"
	ReasonTelemetryFault  ShutdownReason = "telemetry_fault"
	ReasonTimeout         ShutdownReason = "timeout"
)

// failure reports whether the reason ends the run in StateError.
func (r ShutdownReason) failure() bool {
	switch r {
	case ReasonRobotFault, ReasonPrecondition, ReasonTelemetryFault, ReasonTimeout:
		return true
	}
	return false
}

// ErrStopped is returned by CheckOperational once a stop was requested.
var ErrStopped = errors.New("safety: stop requested")

type component struct {
	name   string
	closer io.Closer
}

// Manager holds the stop flag and the teardown sequence.
type Manager struct {
	stop atomic.Bool

	mu         sync.Mutex
	state      ShutdownState
	reason     ShutdownReason
	msg        string
	stopTime   time.Time
	components []component
	onShutdown []func(reason ShutdownReason, msg string)
}

// New creates a Manager in StateRunning.
func New() *Manager {
	return &Manager{state: StateRunning}
}

// Register adds a component closed during teardown. Components close in
// registration order.
func (m *Manager) Register(name string, c io.Closer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components = append(m.components, component{name: name, closer: c})
}

// OnShutdown registers a callback run after all components are closed.
func (m *Manager) OnShutdown(fn func(reason ShutdownReason, msg string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onShutdown = append(m.onShutdown, fn)
}

// RequestStop raises the stop flag. Only the first request records its
// reason; later ones are ignored. Safe to call from any goroutine.
func (m *Manager) RequestStop(reason ShutdownReason, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateRunning {
		return
	}
	m.state = StateStopping
	m.reason = reason
	m.msg = msg
	m.stopTime = time.Now()
	m.stop.Store(true)
}

// StopRequested is the per-tick check. It takes no lock.
func (m *Manager) StopRequested() bool {
	return m.stop.Load()
}

// CheckOperational returns ErrStopped, wrapped with the reason, once a stop
// has been requested.
func (m *Manager) CheckOperational() error {
	if !m.stop.Load() {
		return nil
	}
	reason, msg, _ := m.StopInfo()
	return fmt.Errorf("%w: %s - %s", ErrStopped, reason, msg)
}

// StopInfo returns the recorded stop reason, message and time.
func (m *Manager) StopInfo() (ShutdownReason, string, time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason, m.msg, m.stopTime
}

// GetState returns the current state.
func (m *Manager) GetState() ShutdownState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Shutdown closes every registered component, then runs the OnShutdown
// callbacks. Every component is attempted even when an earlier one fails;
// the failures are joined into the returned error. A Shutdown without a
// prior RequestStop records ReasonStopRequested. Repeated calls are no-ops.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.state == StateShutdown || m.state == StateError {
		m.mu.Unlock()
		return nil
	}
	if m.state == StateRunning {
		m.reason = ReasonStopRequested
		m.stopTime = time.Now()
		m.stop.Store(true)
	}
	m.state = StateStopping
	reason, msg := m.reason, m.msg
	components := append([]component(nil), m.components...)
	callbacks := append(([]func(ShutdownReason, string))(nil), m.onShutdown...)
	m.mu.Unlock()

	var errs []error
	for _, c := range components {
		if err := c.closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}

	m.mu.Lock()
	if reason.failure() || len(errs) > 0 {
		m.state = StateError
	} else {
		m.state = StateShutdown
	}
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(reason, msg)
	}
	return errors.Join(errs...)
}

// Status is a snapshot for reporting.
type Status struct {
	State          string    `json:"state"`
	ShutdownReason string    `json:"reason,omitempty"`
	ShutdownMsg    string    `json:"message,omitempty"`
	StopTime       time.Time `json:"stop_time,omitempty"`
}

// GetStatus returns the current status.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:          m.state.String(),
		ShutdownReason: string(m.reason),
		ShutdownMsg:    m.msg,
		StopTime:       m.stopTime,
	}
}
