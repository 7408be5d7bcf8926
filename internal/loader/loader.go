// Package loader implements the Loader abstraction of spec.md §3/§4.3:
// a per-image handle shared by two concrete kinds, JustInTimeLoader
// (this package) and PrebuiltLoader (internal/prebuilt, which depends
// on this package rather than the reverse to avoid a cycle).
//
// Per spec.md §9's design note, the source's authenticated-vtable C++
// dispatch becomes a small common header plus a Go interface; every
// call site that needs kind-specific behavior type-switches on the
// concrete type rather than carrying a function-pointer table.
package loader

import (
	"fmt"

	"github.com/appsworld/godyld/internal/loaderref"
)

// Magic tags a Loader so dispatch through a corrupted or stale pointer
// is rejected rather than acted on (spec.md §3 invariant: "magic is
// checked on every dispatch").
type Magic uint32

// LoaderMagic is checked on every Loader dispatch.
const LoaderMagic Magic = 0x6c647230 // "ldr0"

// Kind distinguishes the two concrete Loader implementations.
type Kind uint8

const (
	KindJustInTime Kind = iota
	KindPrebuilt
)

func (k Kind) String() string {
	if k == KindPrebuilt {
		return "prebuilt"
	}
	return "just-in-time"
}

// DependentKind classifies an edge in the static dependency graph.
type DependentKind uint8

const (
	DependentNormal DependentKind = iota
	DependentWeak
	DependentReexport
	DependentUpward
)

func (k DependentKind) String() string {
	switch k {
	case DependentWeak:
		return "weak"
	case DependentReexport:
		return "re-export"
	case DependentUpward:
		return "upward"
	default:
		return "normal"
	}
}

// Header is the common attribute block every Loader carries,
// regardless of concrete kind (spec.md §3 "Loader (common header)").
type Header struct {
	Magic           Magic
	Kind            Kind
	InSharedCache   bool
	HasObjC         bool
	MayHavePlusLoad bool
	HasReadOnlyData bool
	NeverUnload     bool
	LeaveMapped     bool
	Ref             loaderref.Ref
}

// Valid reports whether Magic matches LoaderMagic.
func (h Header) Valid() bool { return h.Magic == LoaderMagic }

// Dependent is one entry of a Loader's dependent array; Image is nil
// for a weak-link dependency that failed to resolve, which spec.md §8
// invariant 2 explicitly allows.
type Dependent struct {
	Kind  DependentKind
	Image Loader
}

// Loader is implemented by JustInTimeLoader and, in internal/prebuilt,
// PrebuiltLoader.
type Loader interface {
	// Header returns the shared attribute block; callers check
	// Header().Valid() before trusting any other method (spec.md §3
	// invariant 1/dispatch-corruption rejection).
	Header() Header
	// Path returns the image's load path. Spec.md §8 invariant 1
	// requires this to be non-empty for any Loader with a valid magic.
	Path() string
	// LoadAddress is the base address this image was mapped at.
	LoadAddress() uint64
	// Size is the total mapped size of the image.
	Size() uint64
	// DependentCount and Dependent implement spec.md §8 invariant 2.
	DependentCount() int
	Dependent(i int) Dependent
}

// State is the JustInTimeLoader lifecycle state machine of spec.md §3.
type State int

const (
	StateMapped State = iota
	StateMappingDependents
	StateDependentsMapped
	StateFixedUp
	StateBeingInitialized
	StateInitialized
)

func (s State) String() string {
	switch s {
	case StateMapped:
		return "mapped"
	case StateMappingDependents:
		return "mapping-dependents"
	case StateDependentsMapped:
		return "dependents-mapped"
	case StateFixedUp:
		return "fixed-up"
	case StateBeingInitialized:
		return "being-initialized"
	case StateInitialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// InitMarker is the three-state initializer marker spec.md §4.8 uses
// to make the bottom-up initializer walk idempotent and cycle-safe.
type InitMarker int

const (
	InitNotStarted InitMarker = iota
	InitInProgress
	InitDone
)

// FileIdentity is what a JustInTimeLoader records about the file it
// was mapped from, for later re-use by get_loader's "matching path,
// inode-mtime, or dyld-cache index" check (spec.md §4.3).
type FileIdentity struct {
	Device uint64
	Inode  uint64
	Mtime  int64
	// CDHash is populated instead of Device/Inode for cache-backed
	// images, where inode/mtime are meaningless.
	CDHash      [20]byte
	UsesCDHash  bool
	DyldCacheIndex int32 // -1 when not cache-backed
}

// OverridePatch records that this JustInTimeLoader supersedes a cached
// dylib of the same install name but a different FileIdentity,
// together with the patch table driving shared-cache patch-back
// (spec.md §4.9).
type OverridePatch struct {
	OverriddenCacheIndex int32
	Entries              []DylibPatchEntry
}

// DylibPatchEntry is one entry of the DylibPatch[] table spec.md §4.9
// describes, terminated conceptually by OverrideOffsetOfImpl == -1 in
// the on-disk form; in memory the slice length is the terminator.
type DylibPatchEntry struct {
	OverrideOffsetOfImpl int64
}

// JustInTimeLoader is a Loader built at runtime from a freshly mapped
// image (spec.md §3/§4.3/§4.4).
type JustInTimeLoader struct {
	header Header

	loadAddress uint64
	size        uint64
	path        string
	sliceOffset uint64
	identity    FileIdentity

	dependents []Dependent

	override *OverridePatch

	exportsTrieOffset uint64
	exportsTrieSize   uint64

	interposeOffset uint64
	interposeSize   uint64

	regions []loaderref.Region

	state State
	init  InitMarker

	// danglingUpward records upward dependents discovered while this
	// loader's own initializer recursion was in progress, so the
	// post-pass of spec.md §4.8 can revisit them.
	danglingUpward []*JustInTimeLoader
}

// New constructs a JustInTimeLoader in state StateMapped. Regions must
// have already been populated by the caller (internal's mapSegments
// equivalent) before fixups can run.
func New(ref loaderref.Ref, path string, loadAddress uint64, regions []loaderref.Region) *JustInTimeLoader {
	return &JustInTimeLoader{
		header: Header{
			Magic: LoaderMagic,
			Kind:  KindJustInTime,
			Ref:   ref,
		},
		path:        path,
		loadAddress: loadAddress,
		regions:     regions,
		state:       StateMapped,
	}
}

func (j *JustInTimeLoader) Header() Header { return j.header }
func (j *JustInTimeLoader) Path() string    { return j.path }
func (j *JustInTimeLoader) LoadAddress() uint64 { return j.loadAddress }
func (j *JustInTimeLoader) Size() uint64 { return j.size }

func (j *JustInTimeLoader) DependentCount() int { return len(j.dependents) }

func (j *JustInTimeLoader) Dependent(i int) Dependent {
	if i < 0 || i >= len(j.dependents) {
		return Dependent{}
	}
	return j.dependents[i]
}

// SetDependents installs the recursively-discovered dependent array
// and advances the state machine to StateDependentsMapped.
func (j *JustInTimeLoader) SetDependents(deps []Dependent) {
	j.dependents = deps
	j.state = StateDependentsMapped
}

// Regions exposes the segment map for the fixup engine and for
// isMemoryImmutable range checks.
func (j *JustInTimeLoader) Regions() []loaderref.Region { return j.regions }

// SetSize records the image's total mapped span, computed by the
// mapper from the highest region's VMOffset+FileSize/zero-fill extent.
func (j *JustInTimeLoader) SetSize(size uint64) { j.size = size }

func (j *JustInTimeLoader) State() State { return j.state }

// MarkMappingDependents transitions mapped -> mappingDependents; it is
// an error to call this from any other state, since the state machine
// is strictly forward-moving (spec.md §3 Lifecycle).
func (j *JustInTimeLoader) MarkMappingDependents() error {
	return j.transition(StateMapped, StateMappingDependents)
}

func (j *JustInTimeLoader) MarkFixedUp() error {
	return j.transition(StateDependentsMapped, StateFixedUp)
}

func (j *JustInTimeLoader) MarkBeingInitialized() error {
	return j.transition(StateFixedUp, StateBeingInitialized)
}

func (j *JustInTimeLoader) MarkInitialized() error {
	return j.transition(StateBeingInitialized, StateInitialized)
}

func (j *JustInTimeLoader) transition(from, to State) error {
	if j.state != from {
		return fmt.Errorf("loader: %s: invalid transition %s -> %s (currently %s)", j.path, from, to, j.state)
	}
	j.state = to
	return nil
}

// InitMarker / SetInitMarker drive the initializer walk of spec.md §4.8.
func (j *JustInTimeLoader) InitMarker() InitMarker   { return j.init }
func (j *JustInTimeLoader) SetInitMarker(m InitMarker) { j.init = m }

func (j *JustInTimeLoader) AddDanglingUpward(dep *JustInTimeLoader) {
	j.danglingUpward = append(j.danglingUpward, dep)
}

func (j *JustInTimeLoader) DanglingUpward() []*JustInTimeLoader { return j.danglingUpward }

// SetOverride records that this loader overrides a cached dylib, for
// shared-cache patch-back (spec.md §4.9).
func (j *JustInTimeLoader) SetOverride(o *OverridePatch) { j.override = o }
func (j *JustInTimeLoader) Override() *OverridePatch      { return j.override }

// SetIdentity records the file identity used by get_loader's dedup
// check and PrebuiltLoaderSet's future FileValidationInfo.
func (j *JustInTimeLoader) SetIdentity(id FileIdentity) { j.identity = id }
func (j *JustInTimeLoader) Identity() FileIdentity       { return j.identity }

func (j *JustInTimeLoader) SetExportsTrie(offset, size uint64) {
	j.exportsTrieOffset, j.exportsTrieSize = offset, size
}
func (j *JustInTimeLoader) ExportsTrie() (offset, size uint64) {
	return j.exportsTrieOffset, j.exportsTrieSize
}

// SetInterpose/Interpose record the __DATA,__interpose section's
// location within this image's own region layout, zero when the image
// declares none.
func (j *JustInTimeLoader) SetInterpose(offset, size uint64) {
	j.interposeOffset, j.interposeSize = offset, size
}
func (j *JustInTimeLoader) Interpose() (offset, size uint64) {
	return j.interposeOffset, j.interposeSize
}

// SetHasObjC / SetMayHavePlusLoad / SetInSharedCache / SetNeverUnload /
// SetLeaveMapped mutate the common header bits discovered while
// parsing the image (objc image info flags, __DATA,__mod_init_func
// presence of +load methods, cache membership, RTLD_NODELETE, etc.).
func (j *JustInTimeLoader) SetHasObjC(v bool)         { j.header.HasObjC = v }
func (j *JustInTimeLoader) SetMayHavePlusLoad(v bool) { j.header.MayHavePlusLoad = v }
func (j *JustInTimeLoader) SetInSharedCache(v bool)   { j.header.InSharedCache = v }
func (j *JustInTimeLoader) SetNeverUnload(v bool)     { j.header.NeverUnload = v }
func (j *JustInTimeLoader) SetLeaveMapped(v bool)     { j.header.LeaveMapped = v }
