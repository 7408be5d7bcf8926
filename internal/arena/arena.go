// Package arena implements BumpArena (spec.md §4.1): a monotonic
// allocator, backed by anonymous mmap, that grows by whole pages and
// finalizes into a read-only mapping. RuntimeState's long-lived
// metadata (loaders, dependency graph, notifier lists) is allocated
// from one arena per process so the entire structure can be sealed
// read-only once launch bind-up completes.
//
// Modeled on original_source/dyld/dyld/BumpAllocator.h, translated
// from "grow in place via vm_allocate/vm_copy" to "map a bigger
// anonymous region, copy forward, unmap the old one", which is the
// natural Go shape when the only primitive exposed is mmap/munmap.
package arena

import (
	"fmt"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const pageSize = 4096

func alignUp(n, multiple int) int {
	if multiple <= 0 {
		return n
	}
	rem := n % multiple
	if rem == 0 {
		return n
	}
	return n + (multiple - rem)
}

// Arena is a growable, then-sealable byte region. The zero value is a
// ready-to-use empty arena.
type Arena struct {
	mapping  mmap.MMap // current backing allocation, or nil before first growth
	used     int        // bytes written so far
	final    bool        // true once Finalize has sealed the arena
	readOnly []byte      // valid only after Finalize
}

// ErrFinalized is returned by any mutating call made after Finalize.
var ErrFinalized = errors.New("arena: mutation attempted on a finalized arena")

// New returns an empty Arena. It never allocates until the first Append.
func New() *Arena { return &Arena{} }

// Len reports the number of live bytes appended so far.
func (a *Arena) Len() int { return a.used }

// growTo ensures capacity for at least n total bytes, rounding the new
// backing allocation up to a whole number of pages, per spec.md §4.1
// ("grows by page-multiples on overflow via a fresh anonymous
// mapping... copies old bytes forward and releases the old mapping").
func (a *Arena) growTo(n int) error {
	if a.mapping != nil && n <= len(a.mapping) {
		return nil
	}
	newSize := alignUp(n, pageSize)
	if newSize < pageSize {
		newSize = pageSize
	}
	// Double at minimum so repeated small appends don't remap every call.
	if a.mapping != nil && newSize < 2*len(a.mapping) {
		newSize = alignUp(2*len(a.mapping), pageSize)
	}

	newMapping, err := mmap.MapRegion(nil, newSize, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return errors.Wrap(err, "arena: mmap growth failed")
	}
	if a.mapping != nil {
		copy(newMapping, a.mapping[:a.used])
		if err := a.mapping.Unmap(); err != nil {
			// best-effort: the new mapping is already live and correct.
			_ = err
		}
	}
	a.mapping = newMapping
	return nil
}

// Append writes payload at the current bump pointer and advances it.
func (a *Arena) Append(payload []byte) (offset int, err error) {
	if a.final {
		return 0, ErrFinalized
	}
	offset = a.used
	if err := a.growTo(a.used + len(payload)); err != nil {
		return 0, err
	}
	copy(a.mapping[a.used:], payload)
	a.used += len(payload)
	return offset, nil
}

// ZeroFill advances the bump pointer by n zero bytes without an
// explicit memset, since a fresh anonymous mapping is already zeroed.
func (a *Arena) ZeroFill(n int) (offset int, err error) {
	if a.final {
		return 0, ErrFinalized
	}
	offset = a.used
	if err := a.growTo(a.used + n); err != nil {
		return 0, err
	}
	// mapping bytes beyond `used` are always zero: either fresh from
	// mmap or never written. No copy needed.
	a.used += n
	return offset, nil
}

// Align advances the bump pointer to the next multiple-of boundary,
// zero-filling the gap.
func (a *Arena) Align(multipleOf int) error {
	if a.final {
		return ErrFinalized
	}
	target := alignUp(a.used, multipleOf)
	if target == a.used {
		return nil
	}
	_, err := a.ZeroFill(target - a.used)
	return err
}

// Bytes returns the live (written) region of the arena for in-place
// reads before finalization, e.g. patching an offset recorded earlier
// in the same save pass (PrebuiltLoaderSet header back-patching).
func (a *Arena) Bytes() []byte {
	if a.mapping == nil {
		return nil
	}
	return a.mapping[:a.used]
}

// Finalize trims the arena to a page boundary, re-maps the trimmed
// region read-only, and invalidates the arena for further writes.
// Subsequent writes return ErrFinalized.
func (a *Arena) Finalize() ([]byte, error) {
	if a.final {
		return a.readOnly, nil
	}
	a.final = true
	if a.mapping == nil || a.used == 0 {
		a.readOnly = nil
		return nil, nil
	}
	trimmed := make([]byte, a.used)
	copy(trimmed, a.mapping[:a.used])
	if err := a.mapping.Unmap(); err != nil {
		return nil, errors.Wrap(err, "arena: unmap of working region failed during finalize")
	}
	a.mapping = nil

	final, err := mmap.MapRegion(nil, alignUp(len(trimmed), pageSize), mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrap(err, "arena: mmap of final region failed")
	}
	copy(final, trimmed)
	if err := final.Flush(); err != nil {
		return nil, errors.Wrap(err, "arena: flush before protect failed")
	}
	if err := unix.Mprotect(final, unix.PROT_READ); err != nil {
		return nil, errors.Wrap(err, "arena: mprotect read-only failed")
	}
	a.readOnly = []byte(final)[:a.used]
	return a.readOnly, nil
}

// WritableWindow implements the reference-counted writable-window
// discipline of spec.md §5: a dedicated mutex guards a counter, and
// the mapping is flipped back to read-write only while the counter is
// nonzero, reverting to read-only when the outermost Dec returns it to
// zero. It is safe to share one WritableWindow across many goroutines
// mutating disjoint parts of the same finalized arena or, per spec.md
// §4.9, a shared-cache __DATA_CONST region.
type WritableWindow struct {
	region   []byte
	mu       sync.Mutex
	refcount int
}

// NewWritableWindow wraps an already-finalized (read-only) region.
func NewWritableWindow(region []byte) *WritableWindow {
	return &WritableWindow{region: region}
}

// Inc flips the region writable if this is the outermost increment.
func (w *WritableWindow) Inc() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refcount == 0 {
		if err := unix.Mprotect(w.region, unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return errors.Wrap(err, "arena: mprotect read-write failed")
		}
	}
	w.refcount++
	return nil
}

// Dec reverts the region to read-only once the outermost Dec returns
// the count to zero. Nested Inc/Dec pairs are supported.
func (w *WritableWindow) Dec() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.refcount == 0 {
		return fmt.Errorf("arena: WritableWindow.Dec called with zero refcount")
	}
	w.refcount--
	if w.refcount == 0 {
		if err := unix.Mprotect(w.region, unix.PROT_READ); err != nil {
			return errors.Wrap(err, "arena: mprotect read-only restore failed")
		}
	}
	return nil
}

// Region exposes the underlying bytes for writers holding an active
// Inc; callers must not retain it past the matching Dec.
func (w *WritableWindow) Region() []byte { return w.region }
