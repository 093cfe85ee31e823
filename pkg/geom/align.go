package geom

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrDegenerateAlignment is returned when the alignment problem has no
// well-defined solution.
var ErrDegenerateAlignment = errors.New("geom: degenerate vector alignment")

// AlignVectors finds the rotation R minimizing
//
//	sum_i w_i * |targets[i] - R*sources[i]|^2
//
// using the weighted Kabsch method. With two non-parallel pairs the
// heavier-weighted pair is matched almost exactly and the lighter one
// fixes the remaining rotation about it. When the pairs leave the rotation
// about the heaviest pair free (all targets or all sources parallel), the
// shortest-arc rotation of that pair is returned.
func AlignVectors(targets, sources []r3.Vec, weights []float64) (quat.Number, error) {
	if len(targets) != len(sources) || len(targets) != len(weights) || len(targets) == 0 {
		return quat.Number{}, ErrDegenerateAlignment
	}

	// H = sum w * s * t^T
	h := mat.NewDense(3, 3, nil)
	for i := range targets {
		s, t := sources[i], targets[i]
		w := weights[i]
		sv := [3]float64{s.X, s.Y, s.Z}
		tv := [3]float64{t.X, t.Y, t.Z}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				h.Set(r, c, h.At(r, c)+w*sv[r]*tv[c])
			}
		}
	}

	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return quat.Number{}, ErrDegenerateAlignment
	}
	if vals := svd.Values(nil); vals[1] < 1e-12*math.Max(vals[0], 1) {
		// fewer than two independent directions
		heaviest := 0
		for i, w := range weights {
			if w > weights[heaviest] {
				heaviest = i
			}
		}
		return ShortestArc(sources[heaviest], targets[heaviest])
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V * diag(1, 1, d) * U^T, d fixing a proper rotation
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.0
	if mat.Det(&vut) < 0 {
		d = -1
	}
	dm := mat.NewDiagDense(3, []float64{1, 1, d})
	var vd, rot mat.Dense
	vd.Mul(&v, dm)
	rot.Mul(&vd, u.T())
	return QuatFromMatrix(&rot), nil
}

// ShortestArc returns the smallest rotation taking the direction of from
// onto the direction of to. Opposite vectors are turned half way around an
// arbitrary axis perpendicular to from.
func ShortestArc(from, to r3.Vec) (quat.Number, error) {
	fn, tn := r3.Norm(from), r3.Norm(to)
	if fn < 1e-12 || tn < 1e-12 {
		return quat.Number{}, ErrDegenerateAlignment
	}
	from, to = r3.Scale(1/fn, from), r3.Scale(1/tn, to)
	d := r3.Dot(from, to)
	if d < -1+1e-9 {
		axis := r3.Cross(from, r3.Vec{X: 1})
		if r3.Norm(axis) < 1e-6 {
			axis = r3.Cross(from, r3.Vec{Y: 1})
		}
		axis = r3.Unit(axis)
		return quat.Number{Imag: axis.X, Jmag: axis.Y, Kmag: axis.Z}, nil
	}
	c := r3.Cross(from, to)
	return Normalize(quat.Number{Real: 1 + d, Imag: c.X, Jmag: c.Y, Kmag: c.Z}), nil
}

// QuatFromMatrix converts a 3x3 rotation matrix to a unit quaternion.
func QuatFromMatrix(m mat.Matrix) quat.Number {
	m00, m01, m02 := m.At(0, 0), m.At(0, 1), m.At(0, 2)
	m10, m11, m12 := m.At(1, 0), m.At(1, 1), m.At(1, 2)
	m20, m21, m22 := m.At(2, 0), m.At(2, 1), m.At(2, 2)

	var q quat.Number
	switch tr := m00 + m11 + m22; {
	case tr > 0:
		s := 2 * math.Sqrt(tr+1)
		q = quat.Number{Real: s / 4, Imag: (m21 - m12) / s, Jmag: (m02 - m20) / s, Kmag: (m10 - m01) / s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{Real: (m21 - m12) / s, Imag: s / 4, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: s / 4, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: s / 4}
	}
	return Normalize(q)
}

// Matrix returns the 3x3 rotation matrix of q.
func Matrix(q quat.Number) *mat.Dense {
	q = Normalize(q)
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - z*w), 2 * (x*z + y*w),
		2 * (x*y + z*w), 1 - 2*(x*x+z*z), 2 * (y*z - x*w),
		2 * (x*z - y*w), 2 * (y*z + x*w), 1 - 2*(x*x+y*y),
	})
}
