package ndb

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/enrondata/microsoft-pst-sdk-sub000/internal/utils"
)

// FileIO is the bottom-layer I/O contract: positioned read/write of raw
// byte ranges, no caching beyond what the backend itself provides. Every
// implementation fails only on underlying I/O errors; the caller
// guarantees ranges lie within the current file size or extend it
// contiguously.
type FileIO interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() (int64, error)
	Sync() error
	Close() error
}

// Backend selects a FileIO implementation for Open/Create.
type Backend int

const (
	// BackendOSFile is a plain *os.File, read and written with pread/pwrite
	// through the standard library. The default: simplest, and correct on
	// every platform this module builds for.
	BackendOSFile Backend = iota
	// BackendMmap memory-maps the file for reads (zero-copy) while writes
	// still go through the underlying *os.File. Best suited to the
	// read-heavy NBT/BBT descent pattern; the mapping is remapped on
	// growth.
	BackendMmap
)

// OpenFile opens an existing database file at path and wires up a Context
// over it. The caller owns the
// returned Context's lifetime and must arrange for its FileIO to be
// closed (see Context.Close).
func OpenFile(path string, backend Backend, level ValidationLevel) (*Context, error) {
	fio, err := openFileIO(path, false, backend)
	if err != nil {
		return nil, err
	}
	ctx, err := Open(fio, level)
	if err != nil {
		_ = fio.Close()
		return nil, err
	}
	ctx.closer = fio
	return ctx, nil
}

// CreateFile creates a new database file at path, failing if it already
// exists, and wires up a Context over it.
func CreateFile(path string, width Width, backend Backend, level ValidationLevel) (*Context, error) {
	//nolint:gosec // G304: caller-provided path is the whole point of this API
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return nil, utils.WrapError("create file", err)
	}
	_ = f.Close()

	fio, err := openFileIO(path, false, backend)
	if err != nil {
		return nil, err
	}
	ctx, err := Create(fio, width, level)
	if err != nil {
		_ = fio.Close()
		return nil, err
	}
	ctx.closer = fio
	return ctx, nil
}

// openFileIO opens filename under the given backend, creating it if
// create is true.
func openFileIO(filename string, create bool, backend Backend) (FileIO, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	//nolint:gosec // G304: caller-provided path is the whole point of this API
	f, err := os.OpenFile(filename, flags, 0o666)
	if err != nil {
		return nil, utils.WrapError("open file", err)
	}

	switch backend {
	case BackendMmap:
		mf, err := newMappedFileIO(f)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return mf, nil
	default:
		return &osFileIO{f: f}, nil
	}
}

// osFileIO is the plain os.File-backed implementation.
type osFileIO struct {
	f *os.File
}

func (o *osFileIO) ReadAt(p []byte, off int64) (int, error) { return o.f.ReadAt(p, off) }
func (o *osFileIO) WriteAt(p []byte, off int64) (int, error) { return o.f.WriteAt(p, off) }
func (o *osFileIO) Sync() error { return o.f.Sync() }
func (o *osFileIO) Close() error { return o.f.Close() }

func (o *osFileIO) Size() (int64, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return 0, utils.WrapError("stat file", err)
	}
	return fi.Size(), nil
}

// mappedFileIO serves reads from an mmap'd view of the file and writes
// through the underlying *os.File, remapping whenever the file grows past
// the current mapping.
type mappedFileIO struct {
	f       *os.File
	mapping []byte
}

func newMappedFileIO(f *os.File) (*mappedFileIO, error) {
	m := &mappedFileIO{f: f}
	if err := m.remap(); err != nil {
		return nil, err
	}
	return m, nil
}

// remap drops the current mapping (if any) and maps the file's full
// current extent. Called on open and whenever a read observes an offset
// beyond the current mapping.
func (m *mappedFileIO) remap() error {
	if m.mapping != nil {
		if err := unix.Munmap(m.mapping); err != nil {
			return utils.WrapError("munmap", err)
		}
		m.mapping = nil
	}

	fi, err := m.f.Stat()
	if err != nil {
		return utils.WrapError("stat file", err)
	}
	if fi.Size() == 0 {
		return nil // Nothing to map yet; ReadAt will remap once the header is written.
	}

	mapping, err := unix.Mmap(int(m.f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return utils.WrapError("mmap", err)
	}
	m.mapping = mapping
	return nil
}

func (m *mappedFileIO) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if m.mapping == nil || off+int64(len(p)) > int64(len(m.mapping)) {
		if err := m.remap(); err != nil {
			return 0, err
		}
	}
	if m.mapping == nil || off+int64(len(p)) > int64(len(m.mapping)) {
		// Still short after remap: fall back to a direct pread, e.g. for a
		// write that hasn't been synced/remapped yet.
		return m.f.ReadAt(p, off)
	}
	n := copy(p, m.mapping[off:off+int64(len(p))])
	return n, nil
}

func (m *mappedFileIO) WriteAt(p []byte, off int64) (int, error) {
	return m.f.WriteAt(p, off)
}

func (m *mappedFileIO) Size() (int64, error) {
	fi, err := m.f.Stat()
	if err != nil {
		return 0, utils.WrapError("stat file", err)
	}
	return fi.Size(), nil
}

func (m *mappedFileIO) Sync() error {
	if err := m.f.Sync(); err != nil {
		return utils.WrapError("fsync", err)
	}
	if m.mapping != nil {
		if err := unix.Msync(m.mapping, unix.MS_SYNC); err != nil {
			return utils.WrapError("msync", err)
		}
	}
	return m.remap() // Pick up any growth since the last mapping.
}

func (m *mappedFileIO) Close() error {
	if m.mapping != nil {
		_ = unix.Munmap(m.mapping)
		m.mapping = nil
	}
	return m.f.Close()
}
