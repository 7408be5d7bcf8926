// Package runtime implements RuntimeState (spec.md §3/§5): the single
// per-process aggregate tying together the ordered list of loaded
// images, the dynamic (dlopen-created) reference graph, interposing
// and weak-def tables, permanent-range bookkeeping for lock-free
// immutability checks, and the named locks spec.md §5 enumerates.
//
// Every exported method takes whichever lock its section of state
// needs and releases it before returning. The one call into another
// package made under a lock is AddLoaded/RemoveLoaded handing the new
// load order to resolver.SetImages while loadersLock is held; the
// resolver never calls back into this package. No lock is held across
// a call into reaper or notify.
package runtime

import (
	"sync"

	"github.com/appsworld/godyld/internal/interpose"
	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/loaderref"
	"github.com/appsworld/godyld/internal/resolver"
	"github.com/appsworld/godyld/internal/tlv"
)

// DynamicReference is one edge of the dlopen-created dependency graph:
// "from" holds a reference that keeps "to" alive beyond its static
// dependents (spec.md §4.10's mark pass walks this graph).
type DynamicReference struct {
	From, To loader.Loader
}

// PermanentRange is an address range RuntimeState guarantees will
// never be unmapped or made writable again for the life of the
// process (the main executable's __TEXT, and any NeverUnload image),
// checked lock-free from isMemoryImmutable per spec.md §5.
type PermanentRange struct {
	Start, End uint64
}

// TLVInfo is the per-image thread-local-variable descriptor RuntimeState
// tracks so internal/tlv can find an image's template block again on a
// later lazy allocation.
type TLVInfo struct {
	Image       loader.Loader
	TemplateOff uint64
	TemplateLen uint64
}

// State is the RuntimeState aggregate. Each field group is guarded by
// its own named mutex so unrelated operations (e.g. recording a TLV
// descriptor and appending to the loaded list) never contend.
type State struct {
	loadersLock sync.RWMutex
	loaded      []loader.Loader

	notifiersLock     sync.Mutex
	addNotifiers      []func(loader.Loader)
	removeNotifiers   []func(loader.Loader)
	bulkLoadNotifiers []func([]loader.Loader)

	refsLock           sync.Mutex
	dynamicReferences  []DynamicReference
	dlopenRefCounts    map[loader.Loader]int

	interposeLock sync.Mutex
	interposing   *interpose.Table

	permanentLock sync.RWMutex
	permanent     []PermanentRange

	tlvInfosLock sync.Mutex
	tlvInfos     []TLVInfo
	tlvBlocks    *tlv.Registry

	apiLock sync.Mutex

	logSerializer sync.Mutex

	resolver *resolver.Resolver
}

// New constructs an empty State bound to lookup for symbol resolution.
func New(lookup resolver.ExportLookup) *State {
	return &State{
		dlopenRefCounts: make(map[loader.Loader]int),
		interposing:     interpose.New(),
		tlvBlocks:       tlv.NewRegistry(),
		resolver:        resolver.New(lookup),
	}
}

// Resolver exposes the bound Resolver for callers (the fixup engine's
// BindResolver closures, launch's dlsym) that need to perform lookups.
func (s *State) Resolver() *resolver.Resolver { return s.resolver }

// Interposing exposes the interposing table for callers wiring fixups
// through it.
func (s *State) Interposing() *interpose.Table { return s.interposing }

// TLV exposes the thread-local-variable registry.
func (s *State) TLV() *tlv.Registry { return s.tlvBlocks }

// APILock / Unlock bracket the single top-level critical section every
// public dlopen/dlclose/dlsym call takes, per spec.md §5's "apiLock
// serializes the whole public entry surface" rule.
func (s *State) APILock()   { s.apiLock.Lock() }
func (s *State) APIUnlock() { s.apiLock.Unlock() }

// LogSerializer bracket signal-safe-style serialized logging, so two
// goroutines never interleave partial log lines (spec.md's ambient
// logging discipline, mirrored from the teacher's use of a single
// logrus instance without per-call locking needs expanded here because
// concurrent dlopen calls can now genuinely race on the sink).
func (s *State) LogSerializer() *sync.Mutex { return &s.logSerializer }

// AddLoaded appends image to the load order and returns its index.
func (s *State) AddLoaded(image loader.Loader) int {
	s.loadersLock.Lock()
	defer s.loadersLock.Unlock()
	s.loaded = append(s.loaded, image)
	s.resolver.SetImages(append([]loader.Loader(nil), s.loaded...))
	return len(s.loaded) - 1
}

// RemoveLoaded drops image from the load order (spec.md §4.10's sweep
// pass, after a dlclose GC cycle determines it is unreachable).
func (s *State) RemoveLoaded(image loader.Loader) {
	s.loadersLock.Lock()
	defer s.loadersLock.Unlock()
	for i, l := range s.loaded {
		if l == image {
			s.loaded = append(s.loaded[:i], s.loaded[i+1:]...)
			break
		}
	}
	s.resolver.SetImages(append([]loader.Loader(nil), s.loaded...))
}

// Loaded returns a snapshot of the current load order.
func (s *State) Loaded() []loader.Loader {
	s.loadersLock.RLock()
	defer s.loadersLock.RUnlock()
	return append([]loader.Loader(nil), s.loaded...)
}

// FindLoaded returns the already-loaded image matching path, for
// get_loader's "already mapped" fast path, comparing by Path() since
// JustInTimeLoader and PrebuiltLoader both expose it uniformly.
func (s *State) FindLoaded(path string) loader.Loader {
	s.loadersLock.RLock()
	defer s.loadersLock.RUnlock()
	for _, l := range s.loaded {
		if l.Path() == path {
			return l
		}
	}
	return nil
}

// AddDynamicReference records a dlopen-created keep-alive edge.
func (s *State) AddDynamicReference(from, to loader.Loader) {
	s.refsLock.Lock()
	defer s.refsLock.Unlock()
	s.dynamicReferences = append(s.dynamicReferences, DynamicReference{From: from, To: to})
}

// DynamicReferences returns a snapshot of the dynamic reference graph.
func (s *State) DynamicReferences() []DynamicReference {
	s.refsLock.Lock()
	defer s.refsLock.Unlock()
	return append([]DynamicReference(nil), s.dynamicReferences...)
}

// RemoveDynamicReferencesFrom drops every edge whose From is image,
// called when image itself is being unloaded.
func (s *State) RemoveDynamicReferencesFrom(image loader.Loader) {
	s.refsLock.Lock()
	defer s.refsLock.Unlock()
	kept := s.dynamicReferences[:0]
	for _, r := range s.dynamicReferences {
		if r.From != image {
			kept = append(kept, r)
		}
	}
	s.dynamicReferences = kept
}

// RetainDlopen increments image's dlopen refcount, returning the new
// count (spec.md §4.4: every successful dlopen() of an already-loaded
// image bumps its refcount rather than remapping it).
func (s *State) RetainDlopen(image loader.Loader) int {
	s.refsLock.Lock()
	defer s.refsLock.Unlock()
	s.dlopenRefCounts[image]++
	return s.dlopenRefCounts[image]
}

// ReleaseDlopen decrements image's dlopen refcount, returning the new
// count; it never goes negative.
func (s *State) ReleaseDlopen(image loader.Loader) int {
	s.refsLock.Lock()
	defer s.refsLock.Unlock()
	if s.dlopenRefCounts[image] > 0 {
		s.dlopenRefCounts[image]--
	}
	return s.dlopenRefCounts[image]
}

// DlopenRefCount reports image's current dlopen refcount.
func (s *State) DlopenRefCount(image loader.Loader) int {
	s.refsLock.Lock()
	defer s.refsLock.Unlock()
	return s.dlopenRefCounts[image]
}

// AddPermanentRange marks [start,end) as never-unload/never-writable,
// per spec.md §5's "a small number of fixed ranges, checked lock-free".
func (s *State) AddPermanentRange(start, end uint64) {
	s.permanentLock.Lock()
	defer s.permanentLock.Unlock()
	s.permanent = append(s.permanent, PermanentRange{Start: start, End: end})
}

// IsMemoryImmutable answers whether [addr, addr+size) falls entirely
// within a permanent range, without blocking any writer thread: it
// takes a read lock only, and the permanent list is append-only for
// the life of the process so readers never observe a half-updated
// entry (spec.md §5 "isMemoryImmutable must never block on apiLock").
func (s *State) IsMemoryImmutable(addr, size uint64) bool {
	s.permanentLock.RLock()
	defer s.permanentLock.RUnlock()
	end := addr + size
	for _, r := range s.permanent {
		if addr >= r.Start && end <= r.End {
			return true
		}
	}
	return false
}

// AddTLVInfo records image's thread-local template block location.
func (s *State) AddTLVInfo(info TLVInfo) {
	s.tlvInfosLock.Lock()
	defer s.tlvInfosLock.Unlock()
	s.tlvInfos = append(s.tlvInfos, info)
}

// TLVInfoFor returns the recorded TLVInfo for image, if any.
func (s *State) TLVInfoFor(image loader.Loader) (TLVInfo, bool) {
	s.tlvInfosLock.Lock()
	defer s.tlvInfosLock.Unlock()
	for _, info := range s.tlvInfos {
		if info.Image == image {
			return info, true
		}
	}
	return TLVInfo{}, false
}

// AddNotifier / AddRemoveNotifier / AddBulkLoadNotifier register
// callbacks internal/notify's dispatcher drains; kept here rather than
// in internal/notify itself so RuntimeState remains the single owner
// of every process-lifetime list (spec.md §3).
func (s *State) AddNotifier(fn func(loader.Loader)) {
	s.notifiersLock.Lock()
	defer s.notifiersLock.Unlock()
	s.addNotifiers = append(s.addNotifiers, fn)
}

func (s *State) AddRemoveNotifier(fn func(loader.Loader)) {
	s.notifiersLock.Lock()
	defer s.notifiersLock.Unlock()
	s.removeNotifiers = append(s.removeNotifiers, fn)
}

func (s *State) AddBulkLoadNotifier(fn func([]loader.Loader)) {
	s.notifiersLock.Lock()
	defer s.notifiersLock.Unlock()
	s.bulkLoadNotifiers = append(s.bulkLoadNotifiers, fn)
}

// AddNotifiers / RemoveNotifiers / BulkLoadNotifiers expose snapshots
// for internal/notify to drain without holding notifiersLock during
// the (potentially slow, user-supplied) callback invocations.
func (s *State) AddNotifiers() []func(loader.Loader) {
	s.notifiersLock.Lock()
	defer s.notifiersLock.Unlock()
	return append(([]func(loader.Loader))(nil), s.addNotifiers...)
}

func (s *State) RemoveNotifiers() []func(loader.Loader) {
	s.notifiersLock.Lock()
	defer s.notifiersLock.Unlock()
	return append(([]func(loader.Loader))(nil), s.removeNotifiers...)
}

func (s *State) BulkLoadNotifiers() []func([]loader.Loader) {
	s.notifiersLock.Lock()
	defer s.notifiersLock.Unlock()
	return append(([]func([]loader.Loader))(nil), s.bulkLoadNotifiers...)
}

// ImageInfo is one entry of the ImageInfos compatibility table (the
// all_image_infos struct SPEC_FULL.md's supplemented feature #5
// describes), kept up to date alongside the authoritative loaded list
// for external debugger/crash-reporter consumption.
type ImageInfo struct {
	LoadAddress uint64
	Path        string
	ModDate     int64
}

// ImageInfos renders the current loaded list into the compatibility
// shape external tools walk; it is a derived snapshot, never mutated
// in place, so a debugger attached mid-update always sees either the
// old or the new full table, never a partial one.
func (s *State) ImageInfos() []ImageInfo {
	s.loadersLock.RLock()
	defer s.loadersLock.RUnlock()
	infos := make([]ImageInfo, len(s.loaded))
	for i, l := range s.loaded {
		infos[i] = ImageInfo{LoadAddress: l.LoadAddress(), Path: l.Path()}
	}
	return infos
}

// RefOf returns the loaderref.Ref carried in image's Header, for any
// kind of Loader, and never returns an error; used by
// resolver.AsBindTarget when building fixups against already-loaded
// images.
func RefOf(image loader.Loader) (loaderref.Ref, error) {
	return image.Header().Ref, nil
}

// ForkPrepare is _dyld_atfork_prepare (spec.md §5 "Fork"): acquire
// every named lock except logSerializer, apiLock included, in a fixed
// order before fork()
// duplicates the address space. Acquiring apiLock first means a fork
// that races a concurrent dlopen always waits for that dlopen to reach
// a quiescent point rather than duplicating it mid-flight.
func (s *State) ForkPrepare() {
	s.apiLock.Lock()
	s.loadersLock.Lock()
	s.notifiersLock.Lock()
	s.refsLock.Lock()
	s.interposeLock.Lock()
	s.permanentLock.Lock()
	s.tlvInfosLock.Lock()
}

// ForkParent is _dyld_atfork_parent: release every lock ForkPrepare
// took, in the reverse order, once fork() has returned control to the
// parent.
func (s *State) ForkParent() {
	s.tlvInfosLock.Unlock()
	s.permanentLock.Unlock()
	s.interposeLock.Unlock()
	s.refsLock.Unlock()
	s.notifiersLock.Unlock()
	s.loadersLock.Unlock()
	s.apiLock.Unlock()
}

// ForkChild is _dyld_fork_child. The child has exactly one thread, the
// one that called fork(), and it never runs the matching Unlock for
// whatever lock its copy of this struct holds post-fork — every other
// thread that might have owned one vanished with the fork. Assigning
// each lock its zero value reinitializes it to unlocked without
// needing a (nonexistent) owning thread to release it first.
func (s *State) ForkChild() {
	s.apiLock = sync.Mutex{}
	s.loadersLock = sync.RWMutex{}
	s.notifiersLock = sync.Mutex{}
	s.refsLock = sync.Mutex{}
	s.interposeLock = sync.Mutex{}
	s.permanentLock = sync.RWMutex{}
	s.tlvInfosLock = sync.Mutex{}
}
