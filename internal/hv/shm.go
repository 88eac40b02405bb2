package hv

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// SharedRegion is a file-backed shared memory mapping. Named regions
// live under /dev/shm so unrelated processes can attach by name; file
// regions map an explicit path (a memdev backing file).
type SharedRegion struct {
	path    string
	f       *os.File
	mem     []byte
	created bool
}

const shmDir = "/dev/shm"

// OpenSharedRegion creates or attaches the named region and maps it
// read-write. size must match for all attachers; a fresh region is
// extended to size and starts zeroed.
func OpenSharedRegion(name string, size int) (*SharedRegion, error) {
	return OpenFileRegion(filepath.Join(shmDir, name), size)
}

// OpenFileRegion creates or attaches a file-backed region at path.
// A size of 0 maps the file's current size.
func OpenFileRegion(path string, size int) (*SharedRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	created := false
	if os.IsNotExist(err) && size > 0 {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
		created = err == nil
	}
	if err != nil {
		return nil, fmt.Errorf("hv: open region %s: %w", path, err)
	}

	if size == 0 {
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("hv: stat region %s: %w", path, err)
		}
		size = int(fi.Size())
	}
	if size <= 0 {
		f.Close()
		return nil, fmt.Errorf("hv: region %s has no size", path)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("hv: size region %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hv: mmap region %s: %w", path, err)
	}

	return &SharedRegion{path: path, f: f, mem: mem, created: created}, nil
}

// Bytes returns the mapped memory.
func (r *SharedRegion) Bytes() []byte {
	return r.mem
}

// Size returns the mapping length.
func (r *SharedRegion) Size() int {
	return len(r.mem)
}

// Created reports whether this process created the backing file, i.e.
// the region started zeroed.
func (r *SharedRegion) Created() bool {
	return r.created
}

// Close unmaps the region. The backing file is left in place so the
// peer can keep using it; callers that own the name remove it via
// Unlink.
func (r *SharedRegion) Close() error {
	var first error
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			first = fmt.Errorf("hv: munmap %s: %w", r.path, err)
		}
		r.mem = nil
	}
	if err := r.f.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Unlink removes the backing file.
func (r *SharedRegion) Unlink() error {
	return os.Remove(r.path)
}
