package monitor

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
	"github.com/raghavauppuluri13/robot-palpation/pkg/log"
	"github.com/raghavauppuluri13/robot-palpation/pkg/surface"
	"github.com/raghavauppuluri13/robot-palpation/pkg/telemetry"
)

// Artifact names inside a session directory.
const (
	DatasetFile    = "dataset.csv"
	SubsurfaceFile = "subsurface.ply"
	ROIFile        = "roi.ply"
	SessionFile    = "session.json"
)

// Session describes one run and is saved next to its data.
type Session struct {
	ID         string    `json:"id"`
	Dir        string    `json:"dir"`
	ConfigPath string    `json:"config,omitempty"`
	Started    time.Time `json:"started"`
	Finished   time.Time `json:"finished"`
	StopReason string    `json:"stop_reason,omitempty"`
	ExitError  string    `json:"exit_error,omitempty"`
	Samples    int       `json:"samples"`
	Skipped    uint64    `json:"skipped_polls"`
	Subsurface int       `json:"subsurface_points"`
	Attempts   int       `json:"attempts"`

	// Filled from the search grid when the control process saved one.
	GridCells     int     `json:"grid_cells,omitempty"`
	VisitedCells  int     `json:"visited_cells,omitempty"`
	PeakStiffness float64 `json:"peak_stiffness,omitempty"`
}

// NewSession allocates a session id and a directory name under outputDir.
func NewSession(outputDir string, now time.Time) Session {
	id := uuid.New().String()
	return Session{
		ID:      id,
		Dir:     filepath.Join(outputDir, now.Format("20060102-150405")+"_"+id[:8]),
		Started: now,
	}
}

// WriteCSV writes samples with a header row: t followed by the record
// columns.
func WriteCSV(w io.Writer, samples []Sample) error {
	cw := csv.NewWriter(w)
	header := append([]string{"t"}, telemetry.Columns()...)
	if err := cw.Write(header); err != nil {
		return err
	}
	row := make([]string, len(header))
	for i := range samples {
		row[0] = strconv.FormatFloat(samples[i].T, 'g', -1, 64)
		for j, v := range samples[i].Record.Values() {
			row[j+1] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Persist writes the dataset, the sub-surface points, the ROI and the
// session description into sess.Dir. Every artifact is attempted; the
// returned error joins all failures.
func (c *Collector) Persist(sess *Session, roi []surface.Point) error {
	if err := os.MkdirAll(sess.Dir, 0o755); err != nil {
		return perrors.PersistError(sess.Dir, err)
	}
	samples := c.Samples()
	sub := c.Subsurface()

	sess.Finished = c.now()
	sess.Samples = len(samples)
	sess.Skipped = c.Skipped()
	sess.Subsurface = len(sub)
	sess.Attempts = len(c.Outcomes())

	var errs []error
	if err := writeFile(filepath.Join(sess.Dir, DatasetFile), func(w io.Writer) error {
		return WriteCSV(w, samples)
	}); err != nil {
		errs = append(errs, err)
	}
	if err := surface.SavePLY(filepath.Join(sess.Dir, SubsurfaceFile), surface.Positions(sub), false); err != nil {
		errs = append(errs, err)
	}
	if len(roi) > 0 {
		if err := surface.SavePLY(filepath.Join(sess.Dir, ROIFile), roi, true); err != nil {
			errs = append(errs, err)
		}
	}
	if err := writeFile(filepath.Join(sess.Dir, SessionFile), func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	}); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	c.logger.WithFields(log.Fields{
		"dir":        sess.Dir,
		"samples":    sess.Samples,
		"subsurface": sess.Subsurface,
	}).Info("session persisted")
	return nil
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return perrors.PersistError(path, err)
	}
	bw := bufio.NewWriter(f)
	if err := fn(bw); err != nil {
		f.Close()
		return perrors.PersistError(path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return perrors.PersistError(path, err)
	}
	if err := f.Close(); err != nil {
		return perrors.PersistError(path, err)
	}
	return nil
}
