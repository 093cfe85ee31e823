// Package surface loads region-of-interest point clouds and writes point
// sets as ASCII PLY files.
package surface

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"

	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
)

// Point is a surface sample with its outward unit normal.
type Point struct {
	Pos    r3.Vec
	Normal r3.Vec
}

// Up is the normal assigned to points read without one.
var Up = r3.Vec{Z: 1}

// ReadPoints parses whitespace separated "x y z [nx ny nz]" lines. Blank
// lines and lines starting with '#' are skipped. Normals are normalized.
func ReadPoints(r io.Reader) ([]Point, error) {
	var pts []Point
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 3 && len(fields) != 6 {
			return nil, fmt.Errorf("line %d: expected 3 or 6 values, got %d", line, len(fields))
		}
		var v [6]float64
		for i, f := range fields {
			x, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			v[i] = x
		}
		p := Point{Pos: r3.Vec{X: v[0], Y: v[1], Z: v[2]}, Normal: Up}
		if len(fields) == 6 {
			n := r3.Vec{X: v[3], Y: v[4], Z: v[5]}
			if r3.Norm(n) == 0 {
				return nil, fmt.Errorf("line %d: zero normal", line)
			}
			p.Normal = r3.Unit(n)
		}
		pts = append(pts, p)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pts, nil
}

// LoadROI reads a region-of-interest point file.
func LoadROI(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.ErrSearch, "opening ROI").SetContext("path", path)
	}
	defer f.Close()
	pts, err := ReadPoints(f)
	if err != nil {
		return nil, perrors.Wrap(err, perrors.ErrSearch, "parsing ROI").SetContext("path", path)
	}
	if len(pts) == 0 {
		return nil, perrors.New(perrors.ErrSearch, "ROI is empty").SetContext("path", path)
	}
	return pts, nil
}

// PlanePatch samples a flat square patch of side size centered on center
// at the given spacing, all normals pointing up. It stands in for a
// scanned ROI when running against the simulator.
func PlanePatch(center r3.Vec, size, spacing float64) []Point {
	if spacing <= 0 || size < 0 {
		return nil
	}
	n := int(size/spacing + 1e-9)
	var pts []Point
	for i := 0; i <= n; i++ {
		for j := 0; j <= n; j++ {
			pos := r3.Vec{
				X: center.X - size/2 + float64(i)*spacing,
				Y: center.Y - size/2 + float64(j)*spacing,
				Z: center.Z,
			}
			pts = append(pts, Point{Pos: pos, Normal: Up})
		}
	}
	return pts
}

// WritePLY writes pts as an ASCII PLY vertex list, with normals when
// withNormals is set.
func WritePLY(w io.Writer, pts []Point, withNormals bool) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\nformat ascii 1.0\nelement vertex %d\n", len(pts))
	bw.WriteString("property double x\nproperty double y\nproperty double z\n")
	if withNormals {
		bw.WriteString("property double nx\nproperty double ny\nproperty double nz\n")
	}
	bw.WriteString("end_header\n")
	for _, p := range pts {
		fmt.Fprintf(bw, "%g %g %g", p.Pos.X, p.Pos.Y, p.Pos.Z)
		if withNormals {
			fmt.Fprintf(bw, " %g %g %g", p.Normal.X, p.Normal.Y, p.Normal.Z)
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// SavePLY writes pts to path, creating parent directories.
func SavePLY(path string, pts []Point, withNormals bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return perrors.PersistError(path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return perrors.PersistError(path, err)
	}
	if err := WritePLY(f, pts, withNormals); err != nil {
		f.Close()
		return perrors.PersistError(path, err)
	}
	if err := f.Close(); err != nil {
		return perrors.PersistError(path, err)
	}
	return nil
}

// Positions wraps bare positions as points with the Up normal.
func Positions(ps []r3.Vec) []Point {
	out := make([]Point, len(ps))
	for i, p := range ps {
		out[i] = Point{Pos: p, Normal: Up}
	}
	return out
}
