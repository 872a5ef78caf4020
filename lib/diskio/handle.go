// Package diskio is the block I/O primitive every other PlotFS package
// builds on: opening a path that may be a regular file or a raw block
// device, reporting its true byte size, looped positioned read/write,
// advisory whole-handle locking, and durable sync.
package diskio

import (
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Handle is an open regular file or block device. All methods are safe
// to call concurrently except Close.
type Handle struct {
	f    *os.File
	path string
}

// Open opens path for reading, and for writing too if write is true.
// It does not create the path; use Create for that.
func Open(path string, write bool) (*Handle, error) {
	flag := os.O_RDONLY
	if write {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, err
	}
	return &Handle{f: f, path: path}, nil
}

// Create opens path for reading and writing, creating it if it does not
// exist. It is only meaningful for regular files: a block device must
// already exist at the kernel level.
func Create(path string) (*Handle, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &Handle{f: f, path: path}, nil
}

func (h *Handle) Path() string { return h.path }

// Size reports the true byte length of the target: for a block device
// this is the device's capacity via BLKGETSIZE64, which stat(2)
// misreports as zero; for a regular file it is the ordinary file size.
func (h *Handle) Size() (int64, error) {
	fi, err := h.f.Stat()
	if err != nil {
		return 0, err
	}
	if fi.Mode()&os.ModeDevice == 0 {
		return fi.Size(), nil
	}
	var nbytes uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, h.f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&nbytes)))
	runtime.KeepAlive(h)
	if errno != 0 {
		return 0, fmt.Errorf("BLKGETSIZE64 %s: %w", h.path, errno)
	}
	return int64(nbytes), nil
}

// ReadAt reads exactly len(p) bytes starting at off, looping over short
// reads, and only returns a short count on EOF or error.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	var n int
	for n < len(p) {
		m, err := h.f.ReadAt(p[n:], off+int64(n))
		n += m
		if err != nil {
			return n, err
		}
		if m == 0 {
			break
		}
	}
	return n, nil
}

// WriteAt writes exactly len(p) bytes starting at off, looping over
// short writes.
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	var n int
	for n < len(p) {
		m, err := h.f.WriteAt(p[n:], off+int64(n))
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// Sync flushes both the handle's data and the containing filesystem's
// metadata for it to stable storage.
func (h *Handle) Sync() error {
	return h.f.Sync()
}

// LockExclusive takes an advisory exclusive lock on the whole handle,
// blocking until it is available.
func (h *Handle) LockExclusive() error {
	return unix.Flock(int(h.f.Fd()), unix.LOCK_EX)
}

// LockShared takes an advisory shared lock on the whole handle, blocking
// until it is available.
func (h *Handle) LockShared() error {
	return unix.Flock(int(h.f.Fd()), unix.LOCK_SH)
}

// Unlock releases whatever advisory lock this handle currently holds.
func (h *Handle) Unlock() error {
	return unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
}

// Truncate resizes the underlying regular file. Calling it on a block
// device is a caller error; PlotFS never does so.
func (h *Handle) Truncate(size int64) error {
	return h.f.Truncate(size)
}

func (h *Handle) Close() error {
	return h.f.Close()
}

// File exposes the raw *os.File for callers that need it directly.
func (h *Handle) File() *os.File { return h.f }
