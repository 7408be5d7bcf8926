// Package resolver implements Resolver (spec.md §4.6): two-level,
// flat, and weak-coalescing symbol lookup across a process's loaded
// images, built on top of each image's already-parsed exports trie
// (spec.md §1 leaves trie decoding itself to the lower-level Mach-O
// library; this package only walks the library-ordinal and namespace
// rules around it).
package resolver

import (
	"fmt"
	"sync"

	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/loaderref"
)

// LibOrdinal is a load command's two-level-namespace library ordinal,
// with the three special values dyld reserves alongside ordinary
// 1-based dependent indices.
type LibOrdinal int32

const (
	OrdinarySelf           LibOrdinal = 0
	OrdinaryMainExecutable LibOrdinal = -1
	OrdinaryFlatLookup     LibOrdinal = -2
	OrdinaryWeakLookup     LibOrdinal = -3
)

// DlsymMode distinguishes the RTLD_* handle values dlsym accepts in
// place of a real dlopen handle (SPEC_FULL.md supplemented feature:
// RTLD_NEXT/RTLD_SELF/RTLD_MAIN_ONLY semantics).
type DlsymMode int

const (
	DlsymHandle     DlsymMode = iota // ordinary dlopen() handle, search that image only; re-exports are not followed
	DlsymRTLDNext                    // search images loaded after the caller, in load order
	DlsymRTLDSelf                    // search starting at the caller's own image
	DlsymRTLDDefault                 // flat namespace search from the start
	DlsymRTLDMainOnly                // search only the main executable
)

// ExportLookup resolves name within img's exports trie, returning the
// symbol's image-relative offset. The actual trie walk is supplied by
// the Mach-O parsing layer (spec.md §1); this package only decides
// which images and in what order to ask.
type ExportLookup func(img loader.Loader, name string) (vmOffset uint64, weak bool, found bool)

// Request describes one symbol reference to resolve, as recorded in a
// bind-opcode or chained-fixup bind entry.
type Request struct {
	Name       string
	Ordinal    LibOrdinal
	FromImage  loader.Loader
	WeakImport bool
	Lazy       bool
}

// Result is what a successful Resolve produces: enough to build a
// BindTargetRef plus bookkeeping flags describing how the answer was
// found.
type Result struct {
	Image         loader.Loader
	VMOffset      uint64
	CoalescedWeak bool // true if this was a weak symbol picked among multiple candidates
}

// Resolver performs two-level, flat, and weak-coalescing symbol
// lookup against a fixed, externally-maintained load order.
//
// weakDefMap lazily caches the winning image for a weak symbol name
// once load order exceeds weakMapThreshold images, per spec.md §4.6's
// note that linear weak-coalescing search becomes a map past that
// point; below it, the map is left nil and lookup is linear, avoiding
// the memory cost for small processes.
type Resolver struct {
	lookup ExportLookup

	mu     sync.RWMutex
	images []loader.Loader // global load order, index 0 is the main executable

	weakMapThreshold int
	weakDefMap       map[string]loader.Loader

	missingFlatLazy []string
}

const defaultWeakMapThreshold = 5000

// New constructs a Resolver that asks lookup to walk each image's
// exports trie.
func New(lookup ExportLookup) *Resolver {
	return &Resolver{lookup: lookup, weakMapThreshold: defaultWeakMapThreshold}
}

// SetImages replaces the global load order consulted by flat and weak
// lookups. Called by RuntimeState whenever a load or unload changes it.
func (r *Resolver) SetImages(images []loader.Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images = images
	if len(images) > r.weakMapThreshold && r.weakDefMap == nil {
		r.weakDefMap = make(map[string]loader.Loader)
	}
	if len(images) <= r.weakMapThreshold {
		r.weakDefMap = nil
	}
}

// Resolve dispatches req to two-level, flat, or weak-coalescing
// lookup based on its ordinal, returning a dylderr.SymbolMissing-
// wrapping error (constructed by the caller, since this package
// avoids an import cycle back to dylderr's higher-level taxonomy by
// returning a plain error here) when nothing is found and the symbol
// is not weak.
func (r *Resolver) Resolve(req Request) (Result, error) {
	switch req.Ordinal {
	case OrdinarySelf:
		return r.resolveInImage(req, req.FromImage)
	case OrdinaryMainExecutable:
		r.mu.RLock()
		main := r.mainExecutable()
		r.mu.RUnlock()
		return r.resolveInImage(req, main)
	case OrdinaryFlatLookup:
		return r.resolveFlat(req)
	case OrdinaryWeakLookup:
		return r.resolveWeakCoalesced(req)
	default:
		return r.resolveOrdinary(req)
	}
}

func (r *Resolver) mainExecutable() loader.Loader {
	if len(r.images) == 0 {
		return nil
	}
	return r.images[0]
}

// resolveOrdinary looks up an ordinary 1-based library ordinal against
// FromImage's dependent list (spec.md §4.6 two-level namespace path).
func (r *Resolver) resolveOrdinary(req Request) (Result, error) {
	if req.FromImage == nil {
		return Result{}, fmt.Errorf("resolver: ordinary ordinal %d requires a referencing image", req.Ordinal)
	}
	idx := int(req.Ordinal) - 1
	if idx < 0 || idx >= req.FromImage.DependentCount() {
		return Result{}, r.missOrWeak(req, fmt.Errorf("resolver: library ordinal %d out of range for %s", req.Ordinal, req.FromImage.Path()))
	}
	dep := req.FromImage.Dependent(idx)
	if dep.Image == nil {
		// A dangling weak dependent: its ordinal exists but nothing
		// loaded there, so any symbol against it is automatically a
		// weak-import miss, never a hard error.
		return Result{}, r.missOrWeak(req, fmt.Errorf("resolver: dependent %d of %s did not load", idx, req.FromImage.Path()))
	}
	return r.resolveInImage(req, dep.Image)
}

func (r *Resolver) resolveInImage(req Request, img loader.Loader) (Result, error) {
	if img == nil {
		return Result{}, r.missOrWeak(req, fmt.Errorf("resolver: %s: no target image to search", req.Name))
	}
	off, _, found := r.lookup(img, req.Name)
	if !found {
		return Result{}, r.missOrWeak(req, fmt.Errorf("resolver: symbol %q not found in %s", req.Name, img.Path()))
	}
	return Result{Image: img, VMOffset: off}, nil
}

// resolveFlat searches every loaded image in load order (spec.md
// §4.6's flat namespace path), recording a miss for later lazy retry
// when req.Lazy is set (SPEC_FULL.md's missingFlatLazySymbols tracking).
func (r *Resolver) resolveFlat(req Request) (Result, error) {
	r.mu.RLock()
	images := append([]loader.Loader(nil), r.images...)
	r.mu.RUnlock()
	for _, img := range images {
		if off, _, found := r.lookup(img, req.Name); found {
			return Result{Image: img, VMOffset: off}, nil
		}
	}
	if req.Lazy {
		r.mu.Lock()
		r.missingFlatLazy = append(r.missingFlatLazy, req.Name)
		r.mu.Unlock()
	}
	return Result{}, r.missOrWeak(req, fmt.Errorf("resolver: flat lookup of %q found nothing", req.Name))
}

// resolveWeakCoalesced implements the BIND_SPECIAL_DYLIB_WEAK_LOOKUP
// rule: every loaded image that defines name weakly is a candidate,
// and the first one encountered in load order wins, exactly as if
// every weak definition of that name were coalesced into one (spec.md
// §8 invariant: weak-def coalescing is deterministic by load order).
func (r *Resolver) resolveWeakCoalesced(req Request) (Result, error) {
	r.mu.Lock()
	if cached, ok := r.weakDefMap[req.Name]; ok {
		r.mu.Unlock()
		off, _, found := r.lookup(cached, req.Name)
		if found {
			return Result{Image: cached, VMOffset: off, CoalescedWeak: true}, nil
		}
	}
	images := append([]loader.Loader(nil), r.images...)
	mapAvailable := r.weakDefMap != nil
	r.mu.Unlock()

	for _, img := range images {
		off, weak, found := r.lookup(img, req.Name)
		if found && weak {
			if mapAvailable {
				r.mu.Lock()
				r.weakDefMap[req.Name] = img
				r.mu.Unlock()
			}
			return Result{Image: img, VMOffset: off, CoalescedWeak: true}, nil
		}
	}
	return Result{}, r.missOrWeak(req, fmt.Errorf("resolver: no weak definition of %q found among loaded images", req.Name))
}

func (r *Resolver) missOrWeak(req Request, err error) error {
	if req.WeakImport {
		return nil
	}
	return err
}

// MissingFlatLazySymbols returns every name that a lazy flat-namespace
// lookup has failed to resolve so far, for the diagnostic surface
// spec.md §4.6 reserves for lazy-binding failures.
func (r *Resolver) MissingFlatLazySymbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.missingFlatLazy...)
}

// ResolveDlsym implements dlsym's handle-or-RTLD-pseudo-handle
// dispatch (SPEC_FULL.md supplemented feature). caller is the image
// that invoked dlsym, used by RTLD_NEXT/RTLD_SELF to establish a
// starting point in load order.
func (r *Resolver) ResolveDlsym(mode DlsymMode, handleImage loader.Loader, name string, caller loader.Loader) (Result, error) {
	switch mode {
	case DlsymHandle:
		return r.resolveInImage(Request{Name: name}, handleImage)
	case DlsymRTLDSelf:
		return r.resolveFlatFrom(caller, name, true)
	case DlsymRTLDNext:
		return r.resolveFlatFrom(caller, name, false)
	case DlsymRTLDMainOnly:
		r.mu.RLock()
		main := r.mainExecutable()
		r.mu.RUnlock()
		return r.resolveInImage(Request{Name: name}, main)
	default:
		return r.resolveFlat(Request{Name: name})
	}
}

// resolveFlatFrom searches load order starting at caller (inclusive
// when includeSelf, otherwise the image immediately after it).
func (r *Resolver) resolveFlatFrom(caller loader.Loader, name string, includeSelf bool) (Result, error) {
	r.mu.RLock()
	images := append([]loader.Loader(nil), r.images...)
	r.mu.RUnlock()

	start := 0
	if caller != nil {
		for i, img := range images {
			if img == caller {
				start = i
				if !includeSelf {
					start = i + 1
				}
				break
			}
		}
	}
	for _, img := range images[start:] {
		if off, _, found := r.lookup(img, name); found {
			return Result{Image: img, VMOffset: off}, nil
		}
	}
	return Result{}, fmt.Errorf("resolver: dlsym: %q not found", name)
}

// AsBindTarget converts a Result plus a known offset-to-ref lookup
// into the tagged BindTargetRef the fixup engine writes into memory.
func AsBindTarget(result Result, refOf func(loader.Loader) (loaderref.Ref, error)) (loaderref.BindTargetRef, error) {
	ref, err := refOf(result.Image)
	if err != nil {
		return loaderref.BindTargetRef{}, err
	}
	return loaderref.NewImageRelative(ref, int64(result.VMOffset))
}
