// orchestrator.go is the launch-time and dlopen-time driver tying
// every internal package together into the sequence spec.md §4
// describes: decode, map, recurse into dependents, fix up, register
// interposing, run initializers bottom-up, and the reverse of all of
// that on dlclose via internal/reaper.
package launch

import (
	"context"
	"fmt"
	"sync"

	"github.com/blacktop/go-macho/pkg/trie"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/appsworld/godyld/internal/arena"
	"github.com/appsworld/godyld/internal/dlerror"
	"github.com/appsworld/godyld/internal/fixup"
	"github.com/appsworld/godyld/internal/interpose"
	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/loaderref"
	"github.com/appsworld/godyld/internal/notify"
	"github.com/appsworld/godyld/internal/pathresolver"
	"github.com/appsworld/godyld/internal/prebuilt"
	"github.com/appsworld/godyld/internal/procconfig"
	"github.com/appsworld/godyld/internal/reaper"
	"github.com/appsworld/godyld/internal/resolver"
	"github.com/appsworld/godyld/internal/runtime"
	"github.com/appsworld/godyld/internal/runtimelog"
	"github.com/appsworld/godyld/internal/syscallshim"
)

// dependentStatPrefetchWeight bounds how many of an image's dependent
// candidate paths get stat'd concurrently while resolveDependentPath's
// serial PathResolver walk is still running for the others; dyld itself
// probes candidates one at a time.
const dependentStatPrefetchWeight = 8

// Orchestrator is the process-lifetime object every dl* entry point
// (launch/api.go) drives. One Orchestrator exists per process.
type Orchestrator struct {
	cfg   *procconfig.ProcessConfig
	shim  syscallshim.Shim
	paths *pathresolver.Resolver
	state *runtime.State
	reap  *reaper.Reaper
	notif *notify.Dispatcher
	errs  *dlerror.Registry
	log   *runtimelog.Logger

	prebuiltSet *prebuilt.Set

	mappedLock     sync.Mutex
	mapped         map[loader.Loader]*mappedImage
	mappedPrebuilt map[loader.Loader]*arena.WritableWindow
	nextIndex      uint16

	// statCache holds prefetchDependentStats results: candidate path ->
	// stat outcome, consulted by resolveDependentPath before it issues
	// its own Stat call.
	statLock  sync.Mutex
	statCache map[string]statResult

	// overridesByExportName maps an exported symbol name to the cache
	// record it overrides, for every JustInTimeLoader discovered so far
	// whose install path matches an InSharedCache prebuilt.Record
	// (spec.md §4.9 shared-cache patch-back).
	overridesByExportName map[string]overrideInfo

	onInitializer func(loader.Loader) error
	onFinalizer   func(loader.Loader) error
}

// overrideInfo is one entry of overridesByExportName: which cache
// record a name now resolves to instead, and at what offset within
// the overriding image.
type overrideInfo struct {
	cacheIndex     int32
	exportVMOffset uint64
}

// statResult is a cached outcome of statting one candidate dependent
// path, populated by prefetchDependentStats.
type statResult struct {
	stat syscallshim.FileStat
	err  error
}

// New constructs an Orchestrator for cfg, using shim for all OS
// interaction. prebuiltSet may be nil when no PrebuiltLoaderSet cache
// is available, in which case every image is loaded just-in-time.
func New(cfg *procconfig.ProcessConfig, shim syscallshim.Shim, prebuiltSet *prebuilt.Set) *Orchestrator {
	o := &Orchestrator{
		cfg:                    cfg,
		shim:                   shim,
		paths:                  pathresolver.New(cfg),
		prebuiltSet:            prebuiltSet,
		errs:                   dlerror.New(),
		log:                    runtimelog.New(logrus.New(), 4096),
		mapped:                 make(map[loader.Loader]*mappedImage),
		mappedPrebuilt:         make(map[loader.Loader]*arena.WritableWindow),
		overridesByExportName:  make(map[string]overrideInfo),
		statCache:              make(map[string]statResult),
	}
	o.state = runtime.New(o.lookupExport)
	o.notif = notify.New(nil)
	o.reap = reaper.New(o.state, o.notif, reaper.Hooks{
		Finalize: o.finalizeImage,
		Unmap:    o.unmapImage,
	})
	return o
}

// State exposes the RuntimeState for callers (launch/api.go) that need
// direct access to the loaded list, resolver, or TLV registry.
func (o *Orchestrator) State() *runtime.State { return o.state }

// Errors exposes the per-thread dlerror registry.
func (o *Orchestrator) Errors() *dlerror.Registry { return o.errs }

// Log exposes the gated tracer so a caller (cmd/dyldtool) can turn on
// specific channels before driving Launch/Dlopen and drain the ring
// afterward.
func (o *Orchestrator) Log() *runtimelog.Logger { return o.log }

// lookupExport implements resolver.ExportLookup by decoding the
// target image's already-recorded exports trie out of its mapped
// buffer. Only JustInTimeLoader is handled directly here; a
// PrebuiltLoader's exports were already resolved at closure-build
// time, so this path is JIT-only by design.
func (o *Orchestrator) lookupExport(img loader.Loader, name string) (uint64, bool, bool) {
	entries, ok := o.exportEntries(img)
	if !ok {
		return 0, false, false
	}
	for _, e := range entries {
		if e.Name == name {
			return e.Address, e.Flags.WeakDefinition(), true
		}
	}
	return 0, false, false
}

// exportEntries decodes img's exports trie, if it has one mapped.
func (o *Orchestrator) exportEntries(img loader.Loader) ([]trie.TrieEntry, bool) {
	jit, ok := img.(*loader.JustInTimeLoader)
	if !ok {
		return nil, false
	}
	o.mappedLock.Lock()
	mi, ok := o.mapped[img]
	o.mappedLock.Unlock()
	if !ok {
		return nil, false
	}
	off, size := jit.ExportsTrie()
	if size == 0 {
		return nil, false
	}
	region := mi.window.Region()
	if off+size > uint64(len(region)) {
		return nil, false
	}
	entries, err := trie.ParseTrie(region[off:off+size], img.LoadAddress())
	if err != nil {
		return nil, false
	}
	return entries, true
}

// FindNearestSymbol implements dladdr(3)'s symbol half: the loaded
// image containing addr, and within it the exported symbol with the
// highest address not exceeding addr.
func (o *Orchestrator) FindNearestSymbol(addr uint64) (image loader.Loader, symbolName string, symbolAddr uint64, ok bool) {
	for _, img := range o.state.Loaded() {
		if addr < img.LoadAddress() || addr >= img.LoadAddress()+img.Size() {
			continue
		}
		entries, has := o.exportEntries(img)
		if !has {
			return img, "", 0, true
		}
		var bestName string
		var bestAddr uint64
		for _, e := range entries {
			if e.Address <= addr && e.Address >= bestAddr {
				bestAddr = e.Address
				bestName = e.Name
			}
		}
		return img, bestName, bestAddr, bestName != ""
	}
	return nil, "", 0, false
}

// Launch maps mainPath as the main executable, recursively loads its
// dependents, applies fixups, registers interposing, and runs
// initializers bottom-up. It is the entry point cmd/dyldtool drives.
func (o *Orchestrator) Launch(mainPath string) (loader.Loader, error) {
	main, newImages, err := o.load(mainPath, nil)
	if err != nil {
		return nil, err
	}
	if err := o.fixupAll(newImages); err != nil {
		return nil, err
	}
	o.registerInterposing(newImages)
	o.notif.NotifyBulkLoaded(o.state, newImages)
	if err := o.runInitializers(main); err != nil {
		return nil, err
	}
	return main, nil
}

// Dlopen implements dlopen(3): loads path (and any new dependents) if
// not already loaded, bumps its dlopen refcount, fixes up and
// initializes anything newly mapped, and returns its Loader handle.
func (o *Orchestrator) Dlopen(path string, threadID uint64) (loader.Loader, error) {
	o.state.APILock()
	defer o.state.APIUnlock()

	if existing := o.state.FindLoaded(path); existing != nil {
		o.state.RetainDlopen(existing)
		return existing, nil
	}

	img, newImages, err := o.load(path, nil)
	if err != nil {
		o.errs.Set(threadID, err.Error())
		return nil, err
	}
	if err := o.fixupAll(newImages); err != nil {
		o.errs.Set(threadID, err.Error())
		return nil, err
	}
	o.registerInterposing(newImages)
	o.notif.NotifyBulkLoaded(o.state, newImages)
	if err := o.runInitializers(img); err != nil {
		o.errs.Set(threadID, err.Error())
		return nil, err
	}
	o.state.RetainDlopen(img)
	return img, nil
}

// Dlclose implements dlclose(3): drops image's dlopen refcount and, if
// it reaches zero, runs a Reaper collection pass.
func (o *Orchestrator) Dlclose(image loader.Loader) []loader.Loader {
	o.state.APILock()
	defer o.state.APIUnlock()

	if o.state.ReleaseDlopen(image) > 0 {
		return nil
	}
	return o.reap.Collect()
}

// load maps path and recursively maps every not-yet-loaded dependent,
// returning the root image and every image newly mapped by this call
// (in load order, root first) so the caller can fix up and initialize
// exactly that batch. rpathStack carries every LC_RPATH collected from
// path's own loader chain (an image searches its own rpaths plus every
// ancestor's).
func (o *Orchestrator) load(path string, rpathStack []pathresolver.RPathEntry) (loader.Loader, []loader.Loader, error) {
	isMainExecutable := len(rpathStack) == 0

	if existing := o.state.FindLoaded(path); existing != nil {
		return existing, nil, nil
	}

	// get_loader's tie-break order (spec.md §4.3): a valid, already-
	// closure-built PrebuiltLoader wins over a just-in-time rebuild.
	if o.prebuiltSet != nil {
		root, newImages, ok, err := o.loadFromPrebuilt(path)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			return root, newImages, nil
		}
	}

	decoded, err := decodeImage(path)
	if err != nil {
		return nil, nil, err
	}

	o.mappedLock.Lock()
	ref, _ := loaderref.NewRef(int(o.nextIndex), true)
	o.nextIndex++
	o.mappedLock.Unlock()

	mi, err := mapImage(o.shim, ref, decoded, 0)
	if err != nil {
		return nil, nil, err
	}

	o.mappedLock.Lock()
	o.mapped[mi.jit] = mi
	o.mappedLock.Unlock()

	o.state.AddLoaded(mi.jit)
	o.detectCacheOverride(mi.jit, decoded.path)
	newImages := []loader.Loader{mi.jit}

	ownerDir := dirname(path)
	childRPathStack := rpathStack
	for _, rp := range decoded.rpaths {
		childRPathStack = append(childRPathStack, pathresolver.RPathEntry{
			Path:               rp,
			OwnerLoaderDir:     ownerDir,
			FromMainExecutable: isMainExecutable,
		})
	}

	mi.jit.MarkMappingDependents()
	o.prefetchDependentStats(decoded.dependents, ownerDir, childRPathStack)
	var deps []loader.Dependent
	for _, d := range decoded.dependents {
		resolvedPath, err := o.resolveDependentPath(d.path, ownerDir, childRPathStack)
		if err != nil {
			if d.kind == loader.DependentWeak {
				deps = append(deps, loader.Dependent{Kind: d.kind, Image: nil})
				continue
			}
			return nil, nil, fmt.Errorf("launch: resolving dependent %s of %s: %w", d.path, path, err)
		}
		depImg, more, err := o.load(resolvedPath, childRPathStack)
		if err != nil {
			if d.kind == loader.DependentWeak {
				deps = append(deps, loader.Dependent{Kind: d.kind, Image: nil})
				continue
			}
			return nil, nil, fmt.Errorf("launch: loading dependent %s of %s: %w", resolvedPath, path, err)
		}
		deps = append(deps, loader.Dependent{Kind: d.kind, Image: depImg})
		newImages = append(newImages, more...)
	}
	mi.jit.SetDependents(deps)

	return mi.jit, newImages, nil
}

// resolveDependentPath expands rawPath's @loader_path/@executable_path/
// @rpath tokens (or tries its DYLD_*_PATH overrides and fallbacks when
// it has none) against ownerDir and rpathStack, returning the first
// candidate that actually exists on disk.
func (o *Orchestrator) resolveDependentPath(rawPath, ownerDir string, rpathStack []pathresolver.RPathEntry) (string, error) {
	var found string
	o.paths.Resolve(pathresolver.Options{
		RawPath:          rawPath,
		CurrentLoaderDir: ownerDir,
		RPathStack:       rpathStack,
	}, func(candidate string, kind pathresolver.VariantKind) pathresolver.ControlFlow {
		if _, err := o.statPath(candidate); err != nil {
			return pathresolver.Continue
		}
		found = candidate
		return pathresolver.Stop
	})
	if found == "" {
		errs := o.paths.Errors()
		o.paths.ClearErrors()
		if len(errs) > 0 {
			return "", fmt.Errorf("launch: could not resolve %s: %s", rawPath, joinErrs(errs))
		}
		return "", fmt.Errorf("launch: could not resolve %s: no candidate exists", rawPath)
	}
	o.paths.ClearErrors()
	return found, nil
}

// statPath consults statCache before falling back to a live Stat call,
// so a candidate already probed by prefetchDependentStats costs nothing
// the second time resolveDependentPath's serial walk reaches it.
func (o *Orchestrator) statPath(path string) (syscallshim.FileStat, error) {
	o.statLock.Lock()
	if r, ok := o.statCache[path]; ok {
		o.statLock.Unlock()
		return r.stat, r.err
	}
	o.statLock.Unlock()

	st, err := o.shim.Stat(path)
	o.statLock.Lock()
	o.statCache[path] = statResult{stat: st, err: err}
	o.statLock.Unlock()
	return st, err
}

// prefetchDependentStats collects every candidate filesystem path each
// of an image's direct dependents could resolve to (every DYLD_*/@rpath
// variant PathResolver would try, not just the first hit) and stats
// them concurrently, bounded by dependentStatPrefetchWeight, before the
// serial resolveDependentPath/load loop walks the dependents one at a
// time. Spec.md §4.2/§4.3 describe that walk as strictly serial; this
// only warms statCache ahead of it; it changes nothing about which
// candidate wins or the order dependents are loaded in.
func (o *Orchestrator) prefetchDependentStats(deps []dependentSpec, ownerDir string, rpathStack []pathresolver.RPathEntry) {
	var candidates []string
	seen := make(map[string]bool)
	for _, d := range deps {
		o.paths.Resolve(pathresolver.Options{
			RawPath:          d.path,
			CurrentLoaderDir: ownerDir,
			RPathStack:       rpathStack,
		}, func(candidate string, kind pathresolver.VariantKind) pathresolver.ControlFlow {
			if !seen[candidate] {
				seen[candidate] = true
				candidates = append(candidates, candidate)
			}
			return pathresolver.Continue
		})
	}
	o.paths.ClearErrors()
	if len(candidates) == 0 {
		return
	}

	sem := semaphore.NewWeighted(dependentStatPrefetchWeight)
	ctx := context.Background()
	var wg sync.WaitGroup
	for _, candidate := range candidates {
		o.statLock.Lock()
		_, cached := o.statCache[candidate]
		o.statLock.Unlock()
		if cached {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			continue
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer sem.Release(1)
			o.statPath(path)
		}(candidate)
	}
	wg.Wait()
}

func joinErrs(errs []string) string {
	out := errs[0]
	for _, e := range errs[1:] {
		out += ", " + e
	}
	return out
}

// dirname returns the directory component of path, the way
// procconfig.ProcessConfig.MainExecutableDir derives
// @executable_path's substitution target.
func dirname(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// loadFromPrebuilt implements get_loader's prebuilt tie-break (spec.md
// §4.3): if o.prebuiltSet carries a record for path, still file-valid
// and with a full (not skeleton-only) body, map and fix up its entire
// closure instead of falling back to a just-in-time rebuild. ok is
// false whenever there is no such record, or it fails validation, or
// it was produced by prebuilt.Load's round-trip (which only persists
// enough to answer "is this still valid", per prebuilt_io.go's Save
// doc comment) and has no Regions/BindTargets to map.
func (o *Orchestrator) loadFromPrebuilt(path string) (loader.Loader, []loader.Loader, bool, error) {
	idx := o.findPrebuiltRecord(path)
	if idx < 0 {
		return nil, nil, false, nil
	}
	if len(o.prebuiltSet.Records[idx].Regions) == 0 {
		return nil, nil, false, nil
	}
	ref, err := loaderref.NewRef(idx, false)
	if err != nil {
		return nil, nil, false, nil
	}
	if !o.prebuiltSet.IsValid(func(p string) bool { _, statErr := o.shim.Stat(p); return statErr == nil }) {
		return nil, nil, false, nil
	}

	root, newImages, err := o.mapPrebuiltClosure(ref)
	if err == errPrebuiltInvalid {
		// ref itself, or one of its dependents, failed file-identity
		// validation; fall back to a just-in-time rebuild of the whole
		// chain rather than failing the launch.
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, err
	}
	return root, newImages, true, nil
}

// errPrebuiltInvalid signals that a prebuilt record failed revalidation,
// distinct from a hard I/O or state-machine error: the caller should
// silently fall back to a just-in-time rebuild instead of failing.
var errPrebuiltInvalid = fmt.Errorf("prebuilt: record failed revalidation")

// findPrebuiltRecord returns the index of the record matching path by
// either its primary Path or its install-name AltPath, or -1.
func (o *Orchestrator) findPrebuiltRecord(path string) int {
	for i, rec := range o.prebuiltSet.Records {
		if rec.Path == path || (rec.AltPath != "" && rec.AltPath == path) {
			return i
		}
	}
	return -1
}

// recordFor returns the Record a ref names, resolving into the
// app-specific set when FromApp is set.
func (o *Orchestrator) recordFor(ref loaderref.Ref) prebuilt.Record {
	set := o.prebuiltSet
	if ref.FromApp && set.OtherSet != nil {
		set = set.OtherSet
	}
	return set.Records[ref.Index]
}

// validatePrebuiltIdentity checks rec.FileValidation against the live
// file. A CDHash check is accepted without recomputation here since
// doing so would require a full Mach-O decode before knowing whether
// the prebuilt entry is even usable, defeating the point of skipping
// JIT parsing; inode/mtime is the cheap, common case this module
// actually enforces.
func (o *Orchestrator) validatePrebuiltIdentity(rec prebuilt.Record) bool {
	fv := rec.FileValidation
	if err := fv.Validate(rec.InSharedCache); err != nil {
		return false
	}
	if !fv.CheckInodeMtime {
		return true
	}
	st, err := o.shim.Stat(rec.Path)
	if err != nil {
		return false
	}
	return st.Inode == fv.Inode && st.Mtime.Unix() == fv.Mtime
}

// mapPrebuiltClosure maps ref and recursively every not-yet-mapped
// prebuilt dependent reachable from it, applying each one's already-
// resolved bind targets (spec.md §4.12) rather than running it back
// through FixupEngine's opcode/chained paths. Mixed prebuilt/JIT
// dependency graphs are not modeled: a PrebuiltLoaderSet is built as a
// self-contained closure, so a prebuilt record's dependents are
// themselves always prebuilt records of the same set.
func (o *Orchestrator) mapPrebuiltClosure(ref loaderref.Ref) (loader.Loader, []loader.Loader, error) {
	img, err := o.prebuiltSet.Loader(ref)
	if err != nil {
		return nil, nil, err
	}
	pl, ok := img.(*prebuilt.PrebuiltLoader)
	if !ok {
		return nil, nil, fmt.Errorf("launch: prebuilt ref %s did not resolve to a PrebuiltLoader", ref)
	}

	st, err := o.prebuiltSet.State(ref)
	if err != nil {
		return nil, nil, err
	}
	if st == prebuilt.StateFixedUp || st == prebuilt.StateBeingInitialized || st == prebuilt.StateInitialized {
		return pl, nil, nil
	}
	if st == prebuilt.StateUnknown {
		if err := o.prebuiltSet.BeginValidation(ref); err != nil {
			return nil, nil, err
		}
		if !o.validatePrebuiltIdentity(o.recordFor(ref)) {
			o.prebuiltSet.MarkInvalid(ref)
			return nil, nil, errPrebuiltInvalid
		}
		if err := o.prebuiltSet.MarkNotMapped(ref); err != nil {
			return nil, nil, err
		}
		st = prebuilt.StateNotMapped
	}
	if st != prebuilt.StateNotMapped {
		return nil, nil, fmt.Errorf("launch: prebuilt loader %s: unexpected state %s before mapping", pl.Path(), st)
	}

	window, err := mapPrebuiltRegions(o.shim, pl)
	if err != nil {
		return nil, nil, err
	}
	pl.SetLoadAddress(0)
	o.mappedLock.Lock()
	o.mappedPrebuilt[pl] = window
	o.mappedLock.Unlock()
	if err := o.prebuiltSet.MarkMapped(ref); err != nil {
		return nil, nil, err
	}
	o.state.AddLoaded(pl)
	newImages := []loader.Loader{pl}

	if err := o.prebuiltSet.MarkMappingDependents(ref); err != nil {
		return nil, nil, err
	}
	for i := 0; i < pl.DependentCount(); i++ {
		dep := pl.Dependent(i)
		if dep.Image == nil {
			continue
		}
		depPL, ok := dep.Image.(*prebuilt.PrebuiltLoader)
		if !ok {
			continue
		}
		_, more, err := o.mapPrebuiltClosure(depPL.Header().Ref)
		if err != nil {
			return nil, nil, err
		}
		newImages = append(newImages, more...)
	}
	if err := o.prebuiltSet.MarkDependentsMapped(ref); err != nil {
		return nil, nil, err
	}

	engine := fixup.New(nil, nil)
	if err := engine.ApplyResolvedBinds(window, pl.BindTargets(), pl.BindSlotOffsets(), o.prebuiltLoadAddress); err != nil {
		return nil, nil, fmt.Errorf("launch: applying prebuilt binds for %s: %w", pl.Path(), err)
	}
	if err := o.prebuiltSet.MarkFixedUp(ref); err != nil {
		return nil, nil, err
	}

	return pl, newImages, nil
}

// prebuiltLoadAddress resolves a loaderref.Ref to a load address for
// fixup.Engine.ApplyResolvedBinds. Only refs within o.prebuiltSet (and
// its linked app-specific set) are meaningful, per mapPrebuiltClosure's
// self-contained-closure assumption.
func (o *Orchestrator) prebuiltLoadAddress(ref loaderref.Ref) uint64 {
	img, err := o.prebuiltSet.Loader(ref)
	if err != nil {
		return 0
	}
	return img.LoadAddress()
}

// detectCacheOverride records jit as superseding prebuiltSet's record
// for path, when one marked InSharedCache exists, and indexes every
// symbol jit exports under that override so applyLegacyBind's
// cachePatch callback can find it (spec.md §4.9: a freshly loaded
// dylib of the same install name as a cache-resident one is an
// override, and every cache client bound to the old definition needs
// patch-back).
func (o *Orchestrator) detectCacheOverride(jit *loader.JustInTimeLoader, path string) {
	if o.prebuiltSet == nil {
		return
	}
	idx := o.findPrebuiltRecord(path)
	if idx < 0 || !o.prebuiltSet.Records[idx].InSharedCache {
		return
	}
	jit.SetOverride(&loader.OverridePatch{OverriddenCacheIndex: int32(idx)})

	entries, ok := o.exportEntries(jit)
	if !ok {
		return
	}
	o.mappedLock.Lock()
	defer o.mappedLock.Unlock()
	for _, e := range entries {
		o.overridesByExportName[e.Name] = overrideInfo{
			cacheIndex:     int32(idx),
			exportVMOffset: e.Address - jit.LoadAddress(),
		}
	}
}

// patchSharedCache implements the onPatch side of spec.md §4.9: once a
// bind has been resolved to an override, write the new value into
// every location prebuiltSet.CachePatches records for that
// (cacheDylibIndex, exportVMOffset) pair, inside whichever already-
// mapped cache-resident PrebuiltLoader owns each location. Pointer
// authentication (PatchLocation.PMD) is not modeled: this module never
// produces signed pointers, so PMD is recorded but unused here.
func (o *Orchestrator) patchSharedCache(cacheDylibIndex int32, exportVMOffset uint64, newValue uint64) error {
	if o.prebuiltSet == nil {
		return nil
	}
	for _, rec := range o.prebuiltSet.CachePatches {
		if rec.CacheDylibIndex != cacheDylibIndex || rec.ExportVMOffset != exportVMOffset {
			continue
		}
		for _, loc := range rec.Locations {
			ownerRef, err := loaderref.NewRef(int(cacheDylibIndex), false)
			if err != nil {
				continue
			}
			img, err := o.prebuiltSet.Loader(ownerRef)
			if err != nil {
				continue
			}
			o.mappedLock.Lock()
			window, ok := o.mappedPrebuilt[img]
			o.mappedLock.Unlock()
			if !ok {
				continue
			}
			value := int64(newValue) + loc.Addend
			engine := fixup.New(nil, nil)
			target := loaderref.NewAbsolute(value)
			if err := engine.ApplyResolvedBinds(window, []loaderref.BindTargetRef{target}, []uint64{loc.UserVMOffset}, nil); err != nil {
				return fmt.Errorf("launch: shared-cache patch-back at %#x: %w", loc.UserVMOffset, err)
			}
		}
	}
	return nil
}

// fixupAll runs each newly mapped JustInTimeLoader's fixups, through
// the legacy dyld_info opcode path when present; images that only
// carry chained fixups fall back to ApplyChained over the conservative
// page layout mapping.go already derived.
func (o *Orchestrator) fixupAll(images []loader.Loader) error {
	for _, img := range images {
		jit, ok := img.(*loader.JustInTimeLoader)
		if !ok {
			continue
		}
		o.mappedLock.Lock()
		mi := o.mapped[jit]
		o.mappedLock.Unlock()
		if mi == nil {
			continue
		}
		if err := o.fixupOne(jit, mi); err != nil {
			return fmt.Errorf("launch: fixing up %s: %w", jit.Path(), err)
		}
		jit.MarkFixedUp()
	}
	return nil
}

func (o *Orchestrator) fixupOne(jit *loader.JustInTimeLoader, mi *mappedImage) error {
	segmentBase := func(segIndex int) (int, error) {
		regions := jit.Regions()
		if segIndex < 0 || segIndex >= len(regions) {
			return 0, fmt.Errorf("launch: segment index %d out of range", segIndex)
		}
		return int(regions[segIndex].VMOffset), nil
	}

	rebaseEngine := fixup.New(nil, nil)
	if len(mi.decoded.fixups.rebaseOpcodes) > 0 {
		if err := rebaseEngine.ApplyRebaseOpcodes(mi.window, mi.decoded.fixups.rebaseOpcodes, jit.LoadAddress(), segmentBase); err != nil {
			return err
		}
	}

	if len(mi.decoded.fixups.bindOpcodes) > 0 {
		if err := o.applyLegacyBind(jit, mi, mi.decoded.fixups.bindOpcodes, segmentBase); err != nil {
			return err
		}
	}
	if len(mi.decoded.fixups.weakBindOpcodes) > 0 {
		if err := o.applyLegacyBind(jit, mi, mi.decoded.fixups.weakBindOpcodes, segmentBase); err != nil {
			return err
		}
	}
	if len(mi.decoded.fixups.lazyBindOpcodes) > 0 {
		if err := o.applyLegacyBind(jit, mi, mi.decoded.fixups.lazyBindOpcodes, segmentBase); err != nil {
			return err
		}
	}

	if len(mi.decoded.fixups.relocations) > 0 {
		if err := o.applyLegacyRelocations(jit, mi); err != nil {
			return err
		}
	}

	if mi.decoded.fixups.hasChained && mi.decoded.fixups.chained != nil {
		pages := make([]fixup.ChainedPage, len(mi.decoded.fixups.chained.pages))
		for i, p := range mi.decoded.fixups.chained.pages {
			pages[i] = fixup.ChainedPage{PageStartOffset: p.startOffset}
		}
		// The conservative page layout mapping.go derives for a
		// chained-fixups-only image carries no resolved bind-symbol
		// table (unlike the dyld_info path, which decodes names straight
		// off the opcode stream), so every chained bind resolves to an
		// absolute zero rather than a real symbol address; rebases still
		// apply correctly, since those only need the load slide.
		chainedEngine := fixup.New(func(int) (loaderref.BindTargetRef, error) {
			return loaderref.NewAbsolute(0), nil
		}, nil)
		if err := chainedEngine.ApplyChained(mi.window, pages, mi.decoded.fixups.chained.stride, jit.LoadAddress()); err != nil {
			return err
		}
	}

	return nil
}

// applyLegacyBind binds one LC_DYLD_INFO bind opcode stream against
// jit's dependents. internal/fixup.Engine.ApplyBindOpcodes keys its
// BindResolver callback by "the Nth DO_BIND seen so far" rather than by
// name, so bindscan.go's scanBindOpcodes first recovers the ordered
// (ordinal, name) pairs the same walk will encounter, and the resolver
// below is just an index into that precomputed list, resolving each
// name through the shared Resolver and routing it through the
// interposing table before fixup.Engine writes it.
func (o *Orchestrator) applyLegacyBind(jit *loader.JustInTimeLoader, mi *mappedImage, opcodes []byte, segmentBase func(int) (int, error)) error {
	sites, err := scanBindOpcodes(opcodes)
	if err != nil {
		return err
	}

	resolveBind := func(bindIndex int) (loaderref.BindTargetRef, error) {
		if bindIndex < 0 || bindIndex >= len(sites) {
			return loaderref.BindTargetRef{}, fmt.Errorf("launch: bind index %d out of range (%d sites)", bindIndex, len(sites))
		}
		site := sites[bindIndex]
		res, err := o.state.Resolver().Resolve(resolver.Request{
			Name:      site.name,
			Ordinal:   resolver.LibOrdinal(site.ordinal),
			FromImage: jit,
		})
		if err != nil {
			return loaderref.BindTargetRef{}, err
		}
		if res.Image == nil {
			return loaderref.NewAbsolute(0), nil
		}
		target, err := resolver.AsBindTarget(res, runtime.RefOf)
		if err != nil {
			return loaderref.BindTargetRef{}, err
		}
		if repl, found := o.state.Interposing().Apply(jit, target); found {
			target = repl
		}
		return target, nil
	}

	cachePatch := func(name string) (int32, uint64, bool) {
		o.mappedLock.Lock()
		info, found := o.overridesByExportName[name]
		o.mappedLock.Unlock()
		if !found {
			return -1, 0, false
		}
		return info.cacheIndex, info.exportVMOffset, true
	}

	engine := fixup.New(resolveBind, o.patchSharedCache)
	if err := engine.ApplyBindOpcodes(mi.window, opcodes, segmentBase, cachePatch); err != nil {
		return err
	}
	return nil
}

// applyLegacyRelocations replays mi's LC_DYSYMTAB local/external
// relocation table (spec.md §4.5's third fixup path, for images old
// enough to predate both LC_DYLD_INFO and chained fixups). External
// relocations resolve by ordinal into decoded.relocSites the same way
// applyLegacyBind resolves opcode-stream binds by ordinal into
// scanBindOpcodes' site list.
func (o *Orchestrator) applyLegacyRelocations(jit *loader.JustInTimeLoader, mi *mappedImage) error {
	sites := mi.decoded.relocSites
	resolveBind := func(ordinal int) (loaderref.BindTargetRef, error) {
		if ordinal < 0 || ordinal >= len(sites) {
			return loaderref.BindTargetRef{}, fmt.Errorf("launch: relocation ordinal %d out of range (%d sites)", ordinal, len(sites))
		}
		site := sites[ordinal]
		res, err := o.state.Resolver().Resolve(resolver.Request{
			Name:      site.name,
			Ordinal:   resolver.LibOrdinal(site.ordinal),
			FromImage: jit,
		})
		if err != nil {
			return loaderref.BindTargetRef{}, err
		}
		if res.Image == nil {
			return loaderref.NewAbsolute(0), nil
		}
		return resolver.AsBindTarget(res, runtime.RefOf)
	}

	engine := fixup.New(resolveBind, nil)
	return engine.ApplyRelocations(mi.window, mi.decoded.fixups.relocations, jit.LoadAddress())
}

// registerInterposing decodes __interpose sections for every newly
// mapped image that declares one and was actually permitted to
// interpose (spec.md §4.7's security gate). It must run after rebase
// fixups for the whole batch (fixupAll already ran by the time Launch
// and Dlopen call this) since __interpose's pointer pairs are runtime
// addresses, not file-relative offsets, and rebasing is what turns one
// into the other.
func (o *Orchestrator) registerInterposing(images []loader.Loader) {
	if !interpose.Allowed(o.cfg.Security.AllowInterposing) {
		return
	}
	for _, img := range images {
		jit, ok := img.(*loader.JustInTimeLoader)
		if !ok {
			continue
		}
		off, size := jit.Interpose()
		if size == 0 {
			continue
		}
		o.mappedLock.Lock()
		mi, ok := o.mapped[jit]
		o.mappedLock.Unlock()
		if !ok {
			continue
		}
		region := mi.window.Region()
		if off+size > uint64(len(region)) {
			continue
		}
		raw := decodeUint64Pairs(region[off : off+size])
		if err := o.state.Interposing().AddSection(jit, raw, nil, o.addrToBindTarget); err != nil {
			o.log.Tracef(runtimelog.GateFixups, "interpose: %s: %v", jit.Path(), err)
		}
	}
}

// addrToBindTarget resolves a raw runtime address (as found in a
// rebased __interpose section) to the loaded image containing it and
// an offset within that image, the same containment scan
// FindNearestSymbol uses.
func (o *Orchestrator) addrToBindTarget(addr uint64) (loaderref.BindTargetRef, error) {
	for _, img := range o.state.Loaded() {
		if addr < img.LoadAddress() || addr >= img.LoadAddress()+img.Size() {
			continue
		}
		ref, err := runtime.RefOf(img)
		if err != nil {
			return loaderref.BindTargetRef{}, err
		}
		return loaderref.NewImageRelative(ref, int64(addr-img.LoadAddress()))
	}
	return loaderref.BindTargetRef{}, fmt.Errorf("launch: interpose address %#x not inside any loaded image", addr)
}

// decodeUint64Pairs reinterprets a raw little-endian byte region as a
// slice of uint64 values, the in-memory layout of a rebased
// __DATA,__interpose section.
func decodeUint64Pairs(region []byte) []uint64 {
	out := make([]uint64, len(region)/8)
	for i := range out {
		b := region[i*8 : i*8+8]
		out[i] = uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
			uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
	}
	return out
}

func (o *Orchestrator) runInitializers(root loader.Loader) error {
	switch img := root.(type) {
	case *loader.JustInTimeLoader:
		return o.runInitializersFor(img)
	case *prebuilt.PrebuiltLoader:
		return o.runPrebuiltInitializersFor(img)
	default:
		return nil
	}
}

// runInitializersFor walks jit's dependents bottom-up (spec.md §4.8),
// marking InitInProgress before recursing so a dependency cycle cannot
// infinitely recurse, and recording any upward dependent visited while
// an ancestor is still in progress as dangling for a post-pass. A
// dependent that turns out to be a PrebuiltLoader (the app's main
// executable commonly depends directly on dyld-cache dylibs that were
// mapped via the prebuilt closure) is initialized through
// runPrebuiltInitializersFor instead, since it carries no InitMarker of
// its own.
func (o *Orchestrator) runInitializersFor(jit *loader.JustInTimeLoader) error {
	switch jit.InitMarker() {
	case loader.InitDone:
		return nil
	case loader.InitInProgress:
		return nil
	}
	jit.SetInitMarker(loader.InitInProgress)
	jit.MarkBeingInitialized()

	for i := 0; i < jit.DependentCount(); i++ {
		dep := jit.Dependent(i)
		if dep.Image == nil {
			continue
		}
		switch depImg := dep.Image.(type) {
		case *loader.JustInTimeLoader:
			if dep.Kind == loader.DependentUpward && depImg.InitMarker() == loader.InitInProgress {
				depImg.AddDanglingUpward(jit)
				continue
			}
			if err := o.runInitializersFor(depImg); err != nil {
				return err
			}
		case *prebuilt.PrebuiltLoader:
			if err := o.runPrebuiltInitializersFor(depImg); err != nil {
				return err
			}
		}
	}

	if err := o.runImageInitializer(jit); err != nil {
		return err
	}
	jit.SetInitMarker(loader.InitDone)
	jit.MarkInitialized()

	for _, dangling := range jit.DanglingUpward() {
		if err := o.runInitializersFor(dangling); err != nil {
			return err
		}
	}
	return nil
}

// runPrebuiltInitializersFor runs pl's initializer hook after its own
// dependents, using prebuiltSet's per-ref state machine in place of
// JustInTimeLoader's InitMarker field. A prebuilt closure's dependency
// graph carries no upward-link cycles to reorder: PrebuiltLoaderSet is
// only ever built from a JIT graph whose initializer order was already
// resolved once, so this omits JustInTimeLoader's dangling-upward
// post-pass.
func (o *Orchestrator) runPrebuiltInitializersFor(pl *prebuilt.PrebuiltLoader) error {
	ref := pl.Header().Ref
	st, err := o.prebuiltSet.State(ref)
	if err != nil {
		return err
	}
	if st == prebuilt.StateInitialized || st == prebuilt.StateBeingInitialized {
		return nil
	}
	for i := 0; i < pl.DependentCount(); i++ {
		dep := pl.Dependent(i)
		if dep.Image == nil {
			continue
		}
		depPL, ok := dep.Image.(*prebuilt.PrebuiltLoader)
		if !ok {
			continue
		}
		if err := o.runPrebuiltInitializersFor(depPL); err != nil {
			return err
		}
	}
	if err := o.prebuiltSet.MarkBeingInitialized(ref); err != nil {
		return err
	}
	if o.onInitializer != nil {
		if err := o.onInitializer(pl); err != nil {
			return err
		}
	}
	return o.prebuiltSet.MarkInitialized(ref)
}

// runImageInitializer runs jit's __DATA,__mod_init_func entries.
// SPEC_FULL.md scopes this module to the loader/fixup/initializer-
// ordering core, not a real C++ runtime; the actual function-pointer
// invocation is left to whatever runtime glue embeds this package,
// reached by an injected callback rather than called directly here.
func (o *Orchestrator) runImageInitializer(jit *loader.JustInTimeLoader) error {
	if o.onInitializer == nil {
		return nil
	}
	return o.onInitializer(jit)
}

func (o *Orchestrator) finalizeImage(img loader.Loader) error {
	if o.onFinalizer != nil {
		return o.onFinalizer(img)
	}
	return nil
}

// unmapImage releases whichever of mapped/mappedPrebuilt backs img.
// internal/reaper keeps every NeverUnload image marked, so such an
// image never reaches here; LeaveMapped is not consulted by the reaper
// or here, so an unreachable LeaveMapped image is unmapped like any other.
func (o *Orchestrator) unmapImage(img loader.Loader) error {
	o.mappedLock.Lock()
	mi, isJIT := o.mapped[img]
	if isJIT {
		delete(o.mapped, img)
	}
	window, isPrebuilt := o.mappedPrebuilt[img]
	if isPrebuilt {
		delete(o.mappedPrebuilt, img)
	}
	o.mappedLock.Unlock()

	switch {
	case isJIT:
		return o.shim.Munmap(mi.window.Region())
	case isPrebuilt:
		return o.shim.Munmap(window.Region())
	default:
		return nil
	}
}

// SetInitializerHook installs fn as the callback run once per image in
// bottom-up initializer order, in place of actually invoking native
// __mod_init_func entries (this module models ordering, not execution).
func (o *Orchestrator) SetInitializerHook(fn func(loader.Loader) error) {
	o.onInitializer = fn
}

// SetFinalizerHook installs fn as the callback run once per image
// during a Reaper sweep, in place of actually invoking native
// __cxa_finalize_ranges / terminator entries.
func (o *Orchestrator) SetFinalizerHook(fn func(loader.Loader) error) {
	o.onFinalizer = fn
}
