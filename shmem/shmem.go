// Package shmem bootstraps a POSIX shared-memory region that several
// processes map: a master creates and sizes it, peers wait for it to
// appear, and each gets the mapping as a byte slice.
//
// The original runtime mmap'd the region at a fixed virtual address
// (MAP_FIXED) so that a pointer written by one process was still valid
// when read by another. Go's runtime does not let a caller pick the
// address mmap lands at (golang.org/x/sys/unix.Mmap always lets the
// kernel choose), and chasing raw pointers across process address spaces
// is not an idiom Go code should reach for even if it could. Data placed
// in the region therefore has to refer to other data in it by a byte
// offset from the start of the mapping rather than by pointer. This
// package provides only the mapping itself: it has no offset or arena
// helpers, and the ringbuffer and causalchannel types are not placed in
// the region.
package shmem

import (
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/qgears/cosim/invariant"
)

// openTimeout bounds how long a non-master Open waits for the master to
// create the region, mirroring the original's 10-second polling timeout.
// It is a var rather than a const solely so tests can shrink it.
var openTimeout = 10 * time.Second

// pollInterval is how often a non-master retries while waiting for the
// region to appear.
const pollInterval = time.Millisecond

// Region is a shared-memory mapping. Bytes is the whole mapped region;
// writes through one process's Bytes are visible through every other
// mapping of the same region.
type Region struct {
	Bytes []byte
	file  *os.File
}

// Open maps a sizeBytes shared-memory region named name, resolved under
// /dev/shm — the tmpfs-backed path Linux's own shm_open implementation
// uses, which keeps this a thin POSIX-compatible wrapper rather than a new
// naming convention. See OpenAt for the same behavior against an arbitrary
// directory (used by this package's own tests, since /dev/shm may not be
// writable in every sandbox).
func Open(name string, sizeBytes int, master bool) (*Region, error) {
	return OpenAt("/dev/shm", name, sizeBytes, master)
}

// OpenAt behaves like Open but maps a region named name under dir instead
// of /dev/shm. The master process creates and sizes the backing object;
// every other process polls for its existence (1ms between attempts, up
// to openTimeout) before mapping it read-write.
func OpenAt(dir, name string, sizeBytes int, master bool) (*Region, error) {
	path := filepath.Join(dir, name)

	var file *os.File
	if master {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666)
		invariant.CheckErrno(err == nil, err, "shmem: failed to create %s", path)
		sizeErr := f.Truncate(int64(sizeBytes))
		invariant.CheckErrno(sizeErr == nil, sizeErr, "shmem: failed to size %s", path)
		file = f
	} else {
		deadline := time.Now().Add(openTimeout)
		var f *os.File
		var err error
		for {
			f, err = os.OpenFile(path, os.O_RDWR, 0o666)
			if err == nil {
				break
			}
			invariant.Check(time.Now().Before(deadline), "shmem: timed out waiting for %s to be created", path)
			time.Sleep(pollInterval)
		}
		file = f
	}

	data, err := unix.Mmap(int(file.Fd()), 0, sizeBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	invariant.CheckErrno(err == nil, err, "shmem: mmap of %s failed", path)

	return &Region{Bytes: data, file: file}, nil
}

// Close unmaps the region and closes the backing file descriptor. It does
// not remove the shared-memory object; the master process that created it
// owns that decision.
func (r *Region) Close() error {
	if err := unix.Munmap(r.Bytes); err != nil {
		return err
	}
	return r.file.Close()
}

// Unlink removes the shared-memory object from /dev/shm. Only the master
// should call this, once every peer has finished with the region.
func Unlink(name string) error {
	return UnlinkAt("/dev/shm", name)
}

// UnlinkAt removes the shared-memory object named name under dir.
func UnlinkAt(dir, name string) error {
	return os.Remove(filepath.Join(dir, name))
}
