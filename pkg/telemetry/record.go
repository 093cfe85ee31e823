// Package telemetry defines the per-tick record shared between the control
// process and the monitor, and the memory-mapped file that carries it.
package telemetry

import (
	"encoding/binary"
	"math"
	"strconv"
)

// RecordSize is the encoded size of a Record in bytes.
const RecordSize = 290

// Field offsets inside an encoded record. Multi-byte values are
// little-endian; quaternions are stored x, y, z, w.
const (
	offForce         = 0
	offMeasuredQuat  = 24
	offMeasuredPos   = 56
	offTargetQuat    = 80
	offTargetPos     = 112
	offRawAction     = 136
	offProgress      = 208
	offProbePoint    = 216
	offSurfaceNormal = 240
	offAttemptID     = 264
	offState         = 272
	offStiffness     = 280
	offForceControl  = 288
	offCollectPoints = 289
)

// RawActionLen is the number of action slots in a record. Position
// commands use the first seven and leave the rest zero.
const RawActionLen = 9

// Record is one control-loop tick.
type Record struct {
	Force             [3]float64
	MeasuredQuat      [4]float64
	MeasuredPos       [3]float64
	TargetQuat        [4]float64
	TargetPos         [3]float64
	RawAction         [RawActionLen]float64
	Progress          float64
	ProbePoint        [3]float64
	SurfaceNormal     [3]float64
	AttemptID         int64
	State             int64
	Stiffness         float64
	UsingForceControl bool
	CollectPoints     bool
}

// Initialized reports whether the writer has published a measured pose.
// An all-zero measured quaternion is never a valid rotation.
func (r *Record) Initialized() bool {
	return r.MeasuredQuat != [4]float64{}
}

// Field describes one named column of the record layout.
type Field struct {
	Name   string
	Offset int
	Count  int
	Kind   string // float64, int64 or uint8
}

// Layout lists the record fields in encoding order.
var Layout = []Field{
	{"force", offForce, 3, "float64"},
	{"measured_quat", offMeasuredQuat, 4, "float64"},
	{"measured_pos", offMeasuredPos, 3, "float64"},
	{"target_quat", offTargetQuat, 4, "float64"},
	{"target_pos", offTargetPos, 3, "float64"},
	{"raw_action", offRawAction, RawActionLen, "float64"},
	{"progress", offProgress, 1, "float64"},
	{"probe_point", offProbePoint, 3, "float64"},
	{"surface_normal", offSurfaceNormal, 3, "float64"},
	{"attempt_id", offAttemptID, 1, "int64"},
	{"state", offState, 1, "int64"},
	{"stiffness", offStiffness, 1, "float64"},
	{"using_force_control", offForceControl, 1, "uint8"},
	{"collect_points", offCollectPoints, 1, "uint8"},
}

func putFloats(b []byte, off int, vs []float64) {
	for i, v := range vs {
		binary.LittleEndian.PutUint64(b[off+8*i:], math.Float64bits(v))
	}
}

func getFloats(b []byte, off int, vs []float64) {
	for i := range vs {
		vs[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[off+8*i:]))
	}
}

func putBool(b []byte, off int, v bool) {
	if v {
		b[off] = 1
	} else {
		b[off] = 0
	}
}

// Encode writes r into b, which must hold at least RecordSize bytes.
func (r *Record) Encode(b []byte) {
	_ = b[RecordSize-1]
	putFloats(b, offForce, r.Force[:])
	putFloats(b, offMeasuredQuat, r.MeasuredQuat[:])
	putFloats(b, offMeasuredPos, r.MeasuredPos[:])
	putFloats(b, offTargetQuat, r.TargetQuat[:])
	putFloats(b, offTargetPos, r.TargetPos[:])
	putFloats(b, offRawAction, r.RawAction[:])
	putFloats(b, offProgress, []float64{r.Progress})
	putFloats(b, offProbePoint, r.ProbePoint[:])
	putFloats(b, offSurfaceNormal, r.SurfaceNormal[:])
	binary.LittleEndian.PutUint64(b[offAttemptID:], uint64(r.AttemptID))
	binary.LittleEndian.PutUint64(b[offState:], uint64(r.State))
	putFloats(b, offStiffness, []float64{r.Stiffness})
	putBool(b, offForceControl, r.UsingForceControl)
	putBool(b, offCollectPoints, r.CollectPoints)
}

// Decode reads a record from b, which must hold at least RecordSize bytes.
func (r *Record) Decode(b []byte) {
	_ = b[RecordSize-1]
	getFloats(b, offForce, r.Force[:])
	getFloats(b, offMeasuredQuat, r.MeasuredQuat[:])
	getFloats(b, offMeasuredPos, r.MeasuredPos[:])
	getFloats(b, offTargetQuat, r.TargetQuat[:])
	getFloats(b, offTargetPos, r.TargetPos[:])
	getFloats(b, offRawAction, r.RawAction[:])
	r.Progress = math.Float64frombits(binary.LittleEndian.Uint64(b[offProgress:]))
	getFloats(b, offProbePoint, r.ProbePoint[:])
	getFloats(b, offSurfaceNormal, r.SurfaceNormal[:])
	r.AttemptID = int64(binary.LittleEndian.Uint64(b[offAttemptID:]))
	r.State = int64(binary.LittleEndian.Uint64(b[offState:]))
	r.Stiffness = math.Float64frombits(binary.LittleEndian.Uint64(b[offStiffness:]))
	r.UsingForceControl = b[offForceControl] != 0
	r.CollectPoints = b[offCollectPoints] != 0
}

// Columns returns the flattened column names, one per scalar, e.g.
// force_0, force_1, force_2, ..., progress.
func Columns() []string {
	var out []string
	for _, f := range Layout {
		if f.Count == 1 {
			out = append(out, f.Name)
			continue
		}
		for i := 0; i < f.Count; i++ {
			out = append(out, f.Name+"_"+strconv.Itoa(i))
		}
	}
	return out
}

// Values returns the record flattened in Columns order.
func (r *Record) Values() []float64 {
	out := make([]float64, 0, 38)
	out = append(out, r.Force[:]...)
	out = append(out, r.MeasuredQuat[:]...)
	out = append(out, r.MeasuredPos[:]...)
	out = append(out, r.TargetQuat[:]...)
	out = append(out, r.TargetPos[:]...)
	out = append(out, r.RawAction[:]...)
	out = append(out, r.Progress)
	out = append(out, r.ProbePoint[:]...)
	out = append(out, r.SurfaceNormal[:]...)
	out = append(out, float64(r.AttemptID), float64(r.State), r.Stiffness)
	out = append(out, b2f(r.UsingForceControl), b2f(r.CollectPoints))
	return out
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
