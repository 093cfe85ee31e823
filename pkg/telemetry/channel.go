package telemetry

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	perrors "github.com/raghavauppuluri13/robot-palpation/pkg/errors"
)

// region is a memory-mapped view of a telemetry file.
type region struct {
	mu   sync.Mutex
	path string
	fd   int
	mem  []byte
}

func mapFile(path string, flags, prot int, create bool) (*region, error) {
	mode := uint32(0)
	if create {
		flags |= unix.O_CREAT | unix.O_TRUNC
		mode = 0o600
	}
	fd, err := unix.Open(path, flags|unix.O_CLOEXEC, mode)
	if err != nil {
		return nil, perrors.TelemetryError("open "+path, err)
	}
	if create {
		if err := unix.Ftruncate(fd, RecordSize); err != nil {
			unix.Close(fd)
			return nil, perrors.TelemetryError("size "+path, err)
		}
	} else {
		var st unix.Stat_t
		if err := unix.Fstat(fd, &st); err != nil {
			unix.Close(fd)
			return nil, perrors.TelemetryError("stat "+path, err)
		}
		if st.Size < RecordSize {
			unix.Close(fd)
			return nil, perrors.New(perrors.ErrTelemetry, "telemetry file too small").
				SetContext("path", path).SetContext("size", st.Size)
		}
	}
	mem, err := unix.Mmap(fd, 0, RecordSize, prot, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, perrors.TelemetryError("mmap "+path, err)
	}
	return &region{path: path, fd: fd, mem: mem}, nil
}

// Close unmaps the region and closes the file. The file itself stays in
// place; see Unlink.
func (r *region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	if cerr := unix.Close(r.fd); err == nil {
		err = cerr
	}
	if err != nil {
		return perrors.TelemetryError("close "+r.path, err)
	}
	return nil
}

// Path returns the backing file path.
func (r *region) Path() string { return r.path }

// Writer publishes records. There must be a single writer per file.
type Writer struct {
	*region
	buf [RecordSize]byte
}

// Create creates (or truncates) the telemetry file at path, zero-filled,
// and maps it for writing. The launcher calls this before starting the
// control process so the reader never sees a missing file.
func Create(path string) (*Writer, error) {
	r, err := mapFile(path, unix.O_RDWR, unix.PROT_READ|unix.PROT_WRITE, true)
	if err != nil {
		return nil, err
	}
	return &Writer{region: r}, nil
}

// OpenWriter maps an existing telemetry file for writing.
func OpenWriter(path string) (*Writer, error) {
	r, err := mapFile(path, unix.O_RDWR, unix.PROT_READ|unix.PROT_WRITE, false)
	if err != nil {
		return nil, err
	}
	return &Writer{region: r}, nil
}

// Write overwrites the shared record. There is no lock with the reader; a
// concurrent Read may observe a mix of two consecutive records.
func (w *Writer) Write(rec *Record) error {
	rec.Encode(w.buf[:])
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mem == nil {
		return perrors.New(perrors.ErrTelemetry, "write on closed channel")
	}
	copy(w.mem, w.buf[:])
	return nil
}

// Reader polls the shared record.
type Reader struct {
	*region
	buf [RecordSize]byte
}

// OpenReader maps an existing telemetry file read-only.
func OpenReader(path string) (*Reader, error) {
	r, err := mapFile(path, unix.O_RDONLY, unix.PROT_READ, false)
	if err != nil {
		return nil, err
	}
	return &Reader{region: r}, nil
}

// Read copies the current record into rec. Callers should check
// rec.Initialized before using the contents.
func (r *Reader) Read(rec *Record) error {
	r.mu.Lock()
	if r.mem == nil {
		r.mu.Unlock()
		return perrors.New(perrors.ErrTelemetry, "read on closed channel")
	}
	copy(r.buf[:], r.mem)
	r.mu.Unlock()
	rec.Decode(r.buf[:])
	return nil
}

// Unlink removes the telemetry file. A missing file is not an error.
func Unlink(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return perrors.TelemetryError("unlink "+path, err)
	}
	return nil
}
