package serial

import (
	"bytes"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/raghavauppuluri13/robot-palpation/pkg/config"
	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
	"github.com/raghavauppuluri13/robot-palpation/pkg/log"
)

// maxLine bounds a partial line kept between reads. Anything longer is
// line noise and is dropped.
const maxLine = 256

// ForceSensor reads "fx fy fz" text lines from a stream and keeps the most
// recent sample. Read never blocks.
type ForceSensor struct {
	src    io.ReadCloser
	scale  float64
	logger *log.Logger

	mu      sync.Mutex
	latest  r3.Vec
	fresh   bool
	samples uint64
	bad     uint64
	err     error

	done chan struct{}
}

// NewForceSensor starts reading lines from src. Each component is
// multiplied by scale.
func NewForceSensor(src io.ReadCloser, scale float64) *ForceSensor {
	if scale == 0 {
		scale = 1
	}
	s := &ForceSensor{
		src:    src,
		scale:  scale,
		logger: log.GetLogger("force"),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// OpenForceSensor opens the configured serial device and starts reading.
func OpenForceSensor(cfg config.ForceSensorSettings) (*ForceSensor, error) {
	pcfg := DefaultConfig()
	pcfg.Device = cfg.Device
	pcfg.BaudRate = cfg.Baud
	port, err := Open(pcfg)
	if err != nil {
		return nil, perrors.SensorError("open "+cfg.Device, err)
	}
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, perrors.SensorError("flush "+cfg.Device, err)
	}
	return NewForceSensor(port, cfg.Scale), nil
}

// ParseLine parses one "fx fy fz" line. Commas are accepted as separators.
func ParseLine(line string) (r3.Vec, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ','
	})
	if len(fields) != 3 {
		return r3.Vec{}, errors.New("expected 3 fields, got " + strconv.Itoa(len(fields)))
	}
	var v [3]float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return r3.Vec{}, err
		}
		v[i] = x
	}
	return r3.Vec{X: v[0], Y: v[1], Z: v[2]}, nil
}

func (s *ForceSensor) readLoop() {
	defer close(s.done)
	buf := make([]byte, 128)
	var pending []byte
	for {
		n, err := s.src.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				s.handleLine(string(bytes.TrimRight(pending[:i], "\r")))
				pending = pending[i+1:]
			}
			if len(pending) > maxLine {
				pending = pending[:0]
			}
		}
		switch {
		case err == nil, errors.Is(err, ErrTimeout):
		case errors.Is(err, io.EOF), errors.Is(err, ErrClosed), errors.Is(err, io.ErrClosedPipe),
			errors.Is(err, os.ErrClosed):
			s.setErr(io.EOF)
			return
		default:
			s.logger.WithError(err).Warn("force sensor read failed")
			s.setErr(err)
			return
		}
	}
}

func (s *ForceSensor) handleLine(line string) {
	if line == "" || line[0] == '#' {
		return
	}
	v, err := ParseLine(line)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.bad++
		if s.bad == 1 || s.bad%100 == 0 {
			s.logger.Debug("dropped malformed force line %q (%d so far): %v", line, s.bad, err)
		}
		return
	}
	s.latest = r3.Scale(s.scale, v)
	s.fresh = true
	s.samples++
}

func (s *ForceSensor) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Read returns the latest sample and whether it arrived since the last
// call. Before the first sample it returns the zero vector.
func (s *ForceSensor) Read() (r3.Vec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := s.fresh
	s.fresh = false
	return s.latest, fresh
}

// Stats returns the number of parsed and dropped lines.
func (s *ForceSensor) Stats() (samples, dropped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples, s.bad
}

// Err reports why the reader stopped, or nil while it is running.
func (s *ForceSensor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the stream and waits for the reader to exit.
func (s *ForceSensor) Close() error {
	err := s.src.Close()
	<-s.done
	return err
}
