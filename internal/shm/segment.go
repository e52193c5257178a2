package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// CacheLine is the assumed CPU cache line size, used to keep the hot
	// counters and flags of the mapped structures from false sharing.
	CacheLine = 64

	registryNamePrefix = "/kernel_scheduler_registry_"

	// Legacy fixed names used by the old single-client variant. Reserved so
	// dynamically chosen channel names never collide with stale segments.
	LegacyNamePyTorch = "/kernel_scheduler_pytorch"
	LegacyNameSGLang  = "/kernel_scheduler_sglang"
)

// RegistryName returns the per-user registry segment name. Scoping by USER
// keeps concurrent deployments by different users on one host apart.
func RegistryName() string {
	if u := os.Getenv("USER"); u != "" {
		return registryNamePrefix + u
	}
	return registryNamePrefix + "nouser"
}

// Segment is a mapped shared-memory region. The file descriptor is closed
// immediately after mapping; the mapping survives it. The server unlinks the
// registry and every adopted channel; a worker unlinks only a channel whose
// connect handshake failed.
type Segment struct {
	mem  []byte
	name string
	path string
}

// Attach opens (and with create, creates and sizes) the named segment and
// maps it read-write shared. The caller is responsible for name validity;
// Attach is purely mechanical.
func Attach(name string, size int, create bool) (*Segment, error) {
	path := segmentPath(name)
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o666)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", name, err)
	}
	if create {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("size segment %s: %w", name, err)
		}
	} else {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat segment %s: %w", name, err)
		}
		if info.Size() < int64(size) {
			f.Close()
			return nil, fmt.Errorf("segment %s too small: %d bytes, need %d", name, info.Size(), size)
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	f.Close() // the mapping keeps the segment alive
	if err != nil {
		if create {
			os.Remove(path)
		}
		return nil, fmt.Errorf("mmap segment %s: %w", name, err)
	}
	return &Segment{mem: mem, name: name, path: path}, nil
}

// Pointer returns the base address of the mapped region.
func (s *Segment) Pointer() unsafe.Pointer {
	return unsafe.Pointer(&s.mem[0])
}

// Name returns the segment name the mapping was attached under.
func (s *Segment) Name() string { return s.name }

// Close unmaps the region. It does not unlink the segment.
func (s *Segment) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	if err != nil {
		return fmt.Errorf("munmap segment %s: %w", s.name, err)
	}
	return nil
}

// Unlink removes the named segment from the OS namespace. Existing mappings
// stay valid until their owners unmap.
func Unlink(name string) error {
	err := os.Remove(segmentPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink segment %s: %w", name, err)
	}
	return nil
}

// Exists reports whether the named segment is present in the OS namespace.
func Exists(name string) bool {
	_, err := os.Stat(segmentPath(name))
	return err == nil
}

func segmentPath(name string) string {
	base := strings.TrimPrefix(name, "/")
	base = strings.ReplaceAll(base, "/", "_")
	return filepath.Join(shmDir(), base)
}

// shmDir prefers /dev/shm, the RAM-backed tmpfs POSIX shared memory lives in
// on Linux, and falls back to the temp dir elsewhere.
func shmDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// monoMillis returns milliseconds on the monotonic clock. Heartbeat stamps
// must be comparable across processes, so this reads CLOCK_MONOTONIC rather
// than Go's per-process monotonic reading.
func monoMillis() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return uint64(ts.Sec)*1000 + uint64(ts.Nsec)/1e6
}
