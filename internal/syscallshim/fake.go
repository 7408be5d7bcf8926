package syscallshim

import (
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Shim used by every package's tests so the
// loader pipeline (PathResolver, get_loader, mapSegments) can be
// driven deterministically without a real filesystem or real Mach
// kernel. It is also the default non-darwin build's Shim, since none
// of vm_allocate/mach code-sign-attach/dtrace-user-probes have a real
// meaning off-darwin.
type Fake struct {
	mu      sync.Mutex
	files   map[string]*fakeFile
	xattrs  map[string]map[string][]byte
	nextFD  int
	openFDs map[int]*fakeFile
}

type fakeFile struct {
	path    string
	data    []byte
	stat    FileStat
	isDir   bool
}

// NewFake returns an empty fake filesystem.
func NewFake() *Fake {
	return &Fake{
		files:   make(map[string]*fakeFile),
		xattrs:  make(map[string]map[string][]byte),
		openFDs: make(map[int]*fakeFile),
		nextFD:  3,
	}
}

// PutFile seeds the fake filesystem with a file's contents and
// identity, as a test would do to stage a Mach-O image for loading.
func (f *Fake) PutFile(path string, data []byte, inode uint64, mtime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = &fakeFile{
		path: path,
		data: append([]byte(nil), data...),
		stat: FileStat{Dev: 1, Inode: inode, Mtime: mtime, Mode: 0o644, Size: int64(len(data))},
	}
}

// PutDir seeds a directory entry so PathResolver's directory-of-image
// substitutions (@loader_path, @executable_path) resolve.
func (f *Fake) PutDir(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = &fakeFile{path: path, isDir: true, stat: FileStat{Mode: 1 << 31}}
}

func (f *Fake) Open(path string, flags int, mode uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, ok := f.files[path]
	if !ok {
		return -1, fmt.Errorf("fake: open %s: no such file", path)
	}
	fd := f.nextFD
	f.nextFD++
	f.openFDs[fd] = ff
	return fd, nil
}

func (f *Fake) Close(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.openFDs, fd)
	return nil
}

func (f *Fake) Pread(fd int, buf []byte, off int64) (int, error) {
	f.mu.Lock()
	ff, ok := f.openFDs[fd]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("fake: pread: bad fd %d", fd)
	}
	if off >= int64(len(ff.data)) {
		return 0, nil
	}
	n := copy(buf, ff.data[off:])
	return n, nil
}

func (f *Fake) Stat(path string) (FileStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ff, ok := f.files[path]
	if !ok {
		return FileStat{}, fmt.Errorf("fake: stat %s: no such file", path)
	}
	return ff.stat, nil
}

func (f *Fake) Fstat(fd int) (FileStat, error) {
	f.mu.Lock()
	ff, ok := f.openFDs[fd]
	f.mu.Unlock()
	if !ok {
		return FileStat{}, fmt.Errorf("fake: fstat: bad fd %d", fd)
	}
	return ff.stat, nil
}

func (f *Fake) Mmap(n int, prot Prot, flags MapFlags, fd int, off int64) ([]byte, error) {
	if flags&MapAnonymous != 0 {
		return make([]byte, n), nil
	}
	f.mu.Lock()
	ff, ok := f.openFDs[fd]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake: mmap: bad fd %d", fd)
	}
	region := make([]byte, n)
	if off < int64(len(ff.data)) {
		copy(region, ff.data[off:])
	}
	return region, nil
}

func (f *Fake) Munmap(region []byte) error   { return nil }
func (f *Fake) Mprotect(region []byte, prot Prot) error { return nil }

func (f *Fake) VMAllocate(n int) ([]byte, error) { return make([]byte, n), nil }
func (f *Fake) VMDeallocate(region []byte) error { return nil }

func (f *Fake) Realpath(path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.files[path]; !ok {
		return "", fmt.Errorf("fake: realpath %s: no such file", path)
	}
	return path, nil
}

func (f *Fake) Fcntl(fd int, op FcntlOp, arg int64) (CodeSigResult, error) {
	return CodeSigResult{BlobLength: arg}, nil
}

func (f *Fake) KdebugTraceDyldImage(code uint32, path string, uuid [16]byte, loadAddr uintptr) error {
	return nil
}

func (f *Fake) GetFileAttribute(path, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.xattrs[path]
	if !ok {
		return nil, nil
	}
	return m[name], nil
}

func (f *Fake) SetFileAttribute(path, name string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.xattrs[path]
	if !ok {
		m = make(map[string][]byte)
		f.xattrs[path] = m
	}
	m[name] = append([]byte(nil), value...)
	return nil
}

func (f *Fake) DtraceRegisterUserProbes(blob []byte) (int, error) { return len(blob), nil }
func (f *Fake) DtraceUnregisterUserProbe(id int) error             { return nil }
