// Package geom holds the rigid-body math used by the control loop:
// poses, quaternion helpers, weighted vector alignment and minimum-jerk
// trajectories.
package geom

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Pose is a rigid transform in the world frame. Rot is a unit quaternion.
type Pose struct {
	Pos r3.Vec
	Rot quat.Number
}

// Identity is the pose at the origin with no rotation.
var Identity = Pose{Rot: quat.Number{Real: 1}}

// QuatXYZW builds a quaternion from (x, y, z, w) components.
func QuatXYZW(v [4]float64) quat.Number {
	return quat.Number{Imag: v[0], Jmag: v[1], Kmag: v[2], Real: v[3]}
}

// XYZW returns the (x, y, z, w) components of q.
func XYZW(q quat.Number) [4]float64 {
	return [4]float64{q.Imag, q.Jmag, q.Kmag, q.Real}
}

// Vec3 converts an array to a vector.
func Vec3(v [3]float64) r3.Vec { return r3.Vec{X: v[0], Y: v[1], Z: v[2]} }

// Array3 converts a vector to an array.
func Array3(v r3.Vec) [3]float64 { return [3]float64{v.X, v.Y, v.Z} }

// Normalize returns q scaled to unit length. A zero quaternion yields identity.
func Normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}

// Rotate applies the rotation q to v.
func Rotate(q quat.Number, v r3.Vec) r3.Vec {
	p := quat.Mul(quat.Mul(q, quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}), quat.Conj(q))
	return r3.Vec{X: p.Imag, Y: p.Jmag, Z: p.Kmag}
}

// AxisAngle returns the rotation vector (unit axis scaled by angle in
// radians) of q, taking the shorter of the two equivalent rotations.
func AxisAngle(q quat.Number) r3.Vec {
	q = Normalize(q)
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	v := r3.Vec{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	s := r3.Norm(v)
	if s < 1e-12 {
		return r3.Scale(2, v)
	}
	angle := 2 * math.Atan2(s, q.Real)
	return r3.Scale(angle/s, v)
}

// FromAxisAngle is the inverse of AxisAngle.
func FromAxisAngle(rv r3.Vec) quat.Number {
	angle := r3.Norm(rv)
	if angle < 1e-12 {
		return quat.Number{Real: 1}
	}
	s := math.Sin(angle/2) / angle
	return quat.Number{Real: math.Cos(angle / 2), Imag: rv.X * s, Jmag: rv.Y * s, Kmag: rv.Z * s}
}

// Slerp interpolates between unit quaternions a and b, t in [0, 1],
// along the shorter arc.
func Slerp(a, b quat.Number, t float64) quat.Number {
	dot := a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag
	if dot < 0 {
		b = quat.Scale(-1, b)
		dot = -dot
	}
	if dot > 0.9995 {
		return Normalize(quat.Add(a, quat.Scale(t, quat.Sub(b, a))))
	}
	theta := math.Acos(dot)
	sin := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sin
	wb := math.Sin(t*theta) / sin
	return quat.Add(quat.Scale(wa, a), quat.Scale(wb, b))
}

// Lerp interpolates linearly between two points.
func Lerp(a, b r3.Vec, t float64) r3.Vec {
	return r3.Add(a, r3.Scale(t, r3.Sub(b, a)))
}

// AngleBetween is the rotation angle in radians taking a to b.
func AngleBetween(a, b quat.Number) float64 {
	dot := math.Abs(a.Real*b.Real + a.Imag*b.Imag + a.Jmag*b.Jmag + a.Kmag*b.Kmag)
	return 2 * math.Acos(math.Min(dot, 1))
}
