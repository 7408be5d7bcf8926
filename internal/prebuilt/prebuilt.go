// Package prebuilt implements PrebuiltLoader and PrebuiltLoaderSet
// (spec.md §3, §4.4, §4.12): a self-contained, mmap'd, read-only
// record of an entire launch's loader graph, plus the on-disk
// lifecycle (load/validate/save) that lets subsequent launches skip
// re-parsing and re-resolving.
//
// PrebuiltLoader's own storage is immutable once the set is mapped;
// its per-process state lives in a parallel slice on PrebuiltLoaderSet
// indexed by Ref.Index, exactly as spec.md §3 describes.
package prebuilt

import (
	"fmt"
	"sync"

	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/loaderref"
)

// State is a PrebuiltLoader's per-process lifecycle state, a superset
// of loader.State with the extra pre-mapping states spec.md §3 names:
// unknown -> beingValidated -> notMapped -> mapped -> ... -> initialized,
// with validation able to short-circuit straight to invalid.
type State int

const (
	StateUnknown State = iota
	StateBeingValidated
	StateNotMapped
	StateInvalid
	StateMapped
	StateMappingDependents
	StateDependentsMapped
	StateFixedUp
	StateBeingInitialized
	StateInitialized
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateBeingValidated:
		return "being-validated"
	case StateNotMapped:
		return "not-mapped"
	case StateInvalid:
		return "invalid"
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

// Record is the decoded, in-memory form of one serialized
// PrebuiltLoader entry (spec.md §3 "PrebuiltLoader. Serialized
// layout..."). PrebuiltLoaderSet.Load populates a slice of these by
// interpreting the mmap'd blob; Save produces the on-disk bytes from
// a slice of these built out of JustInTimeLoaders (see prebuilt_io.go).
type Record struct {
	Path        string
	AltPath     string // set only when install-name differs from realpath
	Dependents  []loaderref.Ref
	DependentKinds []loader.DependentKind // nil when every dependent is "normal"
	FileValidation loaderref.FileValidationInfo
	Regions        []loaderref.Region
	BindTargets         []loaderref.BindTargetRef
	// BindSlotOffsets is the byte offset within the mapped image that
	// BindTargets[i] must be written to. A prebuilt closure has no
	// opcode stream left to replay at launch, so every fixup site
	// (rebases included, as a self-referential BindTargetRef) is
	// recorded directly as a (slot, target) pair at closure-build time.
	BindSlotOffsets     []uint64
	OverrideBindTargets []loaderref.BindTargetRef
	ObjC                *ObjCBinaryInfo
	PatchTable          []loader.DylibPatchEntry
	ExportsTrieOffset, ExportsTrieSize uint64
	HasObjC, MayHavePlusLoad, HasReadOnlyData, NeverUnload, LeaveMapped bool
	InSharedCache bool
}

// ObjCBinaryInfo is a minimal stand-in for the per-image ObjC metadata
// a PrebuiltLoader can carry (selector/class/protocol reference
// ranges); the hash tables that index it live on PrebuiltLoaderSet.
type ObjCBinaryInfo struct {
	SelectorRefsOffset, SelectorRefsCount uint64
	ClassListOffset, ClassListCount       uint64
	ProtocolListOffset, ProtocolListCount uint64
}

// CachePatchRecord is one shared-cache patch-back entry, keyed by
// (cacheDylibIndex, exportVMOffset) as spec.md §4.9 describes.
type CachePatchRecord struct {
	CacheDylibIndex int32
	ExportVMOffset  uint64
	Locations       []PatchLocation
}

// PatchLocation is one (userVMOffset, pmd, addend) triple within a
// CachePatchRecord.
type PatchLocation struct {
	UserVMOffset uint64
	PMD          uint8 // arm64e pointer-authentication descriptor, 0 elsewhere
	Addend       int64
}

// ObjCHashTables is a deliberately small stand-in for dyld's perfect
// hash tables over selectors/classes/protocols; a Go map already gives
// O(1) lookup, so there is no need to replicate the on-disk perfect
// hash structure in memory, only its role (fast name -> location).
type ObjCHashTables struct {
	Selectors map[string]uint64
	Classes   map[string]uint64
	Protocols map[string]uint64
}

// Set is the self-contained, mmap'd, read-only PrebuiltLoaderSet
// (spec.md §3/§4.12). Exactly one of {cache-embedded, app-specific}
// exists per dyld-cache-using process; OtherSet lets a Ref with
// FromApp pick the sibling set.
type Set struct {
	Magic          [4]byte
	VersionHash    uint64
	DyldCacheUUID  [16]byte
	MustBeMissing  []string
	CachePatches   []CachePatchRecord
	ObjCHashes     ObjCHashTables
	Records        []Record

	OtherSet *Set

	mu    sync.Mutex
	state []State
	live  []loader.Loader // materialized PrebuiltLoader instances, same index space as Records
}

// NewSet constructs an empty, already-"loaded" Set from records built
// directly in memory (used by tests and by the save path's immediate
// reload). Every loader starts StateUnknown per spec.md §4.12 step 4.
func NewSet(records []Record) *Set {
	s := &Set{
		Records: records,
		state:   make([]State, len(records)),
		live:    make([]loader.Loader, len(records)),
	}
	return s
}

// fromAppSet resolves which Set a Ref lives in.
func (s *Set) fromAppSet(ref loaderref.Ref) (*Set, error) {
	if !ref.FromApp {
		return s, nil
	}
	if s.OtherSet == nil {
		return nil, fmt.Errorf("prebuilt: ref %s has FromApp set but no app-specific set is linked", ref)
	}
	return s.OtherSet, nil
}

// State returns the current per-process state for ref.
func (s *Set) State(ref loaderref.Ref) (State, error) {
	target, err := s.fromAppSet(ref)
	if err != nil {
		return StateUnknown, err
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if int(ref.Index) >= len(target.state) {
		return StateUnknown, fmt.Errorf("prebuilt: ref %s out of range", ref)
	}
	return target.state[ref.Index], nil
}

// transition enforces the state machine's forward-only shape, with
// Invalid reachable from BeingValidated as the one short-circuit
// spec.md §3 documents.
func (s *Set) transition(ref loaderref.Ref, from []State, to State) error {
	target, err := s.fromAppSet(ref)
	if err != nil {
		return err
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if int(ref.Index) >= len(target.state) {
		return fmt.Errorf("prebuilt: ref %s out of range", ref)
	}
	cur := target.state[ref.Index]
	ok := false
	for _, f := range from {
		if cur == f {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("prebuilt: ref %s: invalid transition %s -> %s (currently %s)", ref, cur, to, cur)
	}
	target.state[ref.Index] = to
	return nil
}

// BeginValidation moves a loader from unknown to beingValidated.
func (s *Set) BeginValidation(ref loaderref.Ref) error {
	return s.transition(ref, []State{StateUnknown}, StateBeingValidated)
}

// MarkNotMapped completes successful validation.
func (s *Set) MarkNotMapped(ref loaderref.Ref) error {
	return s.transition(ref, []State{StateBeingValidated}, StateNotMapped)
}

// MarkInvalid short-circuits validation; per spec.md §3 this may be
// reached from beingValidated directly.
func (s *Set) MarkInvalid(ref loaderref.Ref) error {
	return s.transition(ref, []State{StateBeingValidated, StateUnknown}, StateInvalid)
}

// MarkMapped advances notMapped -> mapped once segments are in place.
func (s *Set) MarkMapped(ref loaderref.Ref) error {
	return s.transition(ref, []State{StateNotMapped}, StateMapped)
}

func (s *Set) MarkMappingDependents(ref loaderref.Ref) error {
	return s.transition(ref, []State{StateMapped}, StateMappingDependents)
}
func (s *Set) MarkDependentsMapped(ref loaderref.Ref) error {
	return s.transition(ref, []State{StateMappingDependents}, StateDependentsMapped)
}
func (s *Set) MarkFixedUp(ref loaderref.Ref) error {
	return s.transition(ref, []State{StateDependentsMapped}, StateFixedUp)
}
func (s *Set) MarkBeingInitialized(ref loaderref.Ref) error {
	return s.transition(ref, []State{StateFixedUp}, StateBeingInitialized)
}
func (s *Set) MarkInitialized(ref loaderref.Ref) error {
	return s.transition(ref, []State{StateBeingInitialized}, StateInitialized)
}

// IsValid reports whether every entry in MustBeMissing still does not
// exist, per spec.md §4.12 step 3. Per-record file identity (inode and
// mtime) is not checked here; launch checks it record by record when
// it maps a prebuilt closure. The exists function is injected so this
// package has no direct dependency on internal/syscallshim.
func (s *Set) IsValid(exists func(path string) bool) bool {
	for _, p := range s.MustBeMissing {
		if exists(p) {
			return false
		}
	}
	return true
}

// Loader materializes (or returns the cached materialization of) the
// PrebuiltLoader for ref.
func (s *Set) Loader(ref loaderref.Ref) (loader.Loader, error) {
	target, err := s.fromAppSet(ref)
	if err != nil {
		return nil, err
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if int(ref.Index) >= len(target.Records) {
		return nil, fmt.Errorf("prebuilt: ref %s out of range", ref)
	}
	if target.live[ref.Index] == nil {
		target.live[ref.Index] = newPrebuiltLoader(target, ref)
	}
	return target.live[ref.Index], nil
}

// PrebuiltLoader implements loader.Loader over a Record owned by a Set.
type PrebuiltLoader struct {
	set *Set
	ref loaderref.Ref

	mu          sync.Mutex
	loadAddress uint64
}

func newPrebuiltLoader(set *Set, ref loaderref.Ref) *PrebuiltLoader {
	return &PrebuiltLoader{set: set, ref: ref}
}

func (p *PrebuiltLoader) record() Record { return p.set.Records[p.ref.Index] }

func (p *PrebuiltLoader) Header() loader.Header {
	r := p.record()
	return loader.Header{
		Magic:           loader.LoaderMagic,
		Kind:            loader.KindPrebuilt,
		InSharedCache:   r.InSharedCache,
		HasObjC:         r.HasObjC,
		MayHavePlusLoad: r.MayHavePlusLoad,
		HasReadOnlyData: r.HasReadOnlyData,
		NeverUnload:     r.NeverUnload,
		LeaveMapped:     r.LeaveMapped,
		Ref:             p.ref,
	}
}

func (p *PrebuiltLoader) Path() string {
	return p.record().Path
}

// AltPath returns the install-name-derived alternate path, when
// recorded, for get_loader's alias matching.
func (p *PrebuiltLoader) AltPath() string { return p.record().AltPath }

func (p *PrebuiltLoader) LoadAddress() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loadAddress
}

// SetLoadAddress records the base address once mapSegments has run
// for this PrebuiltLoader.
func (p *PrebuiltLoader) SetLoadAddress(addr uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadAddress = addr
}

func (p *PrebuiltLoader) Size() uint64 {
	regions := p.record().Regions
	if len(regions) == 0 {
		return 0
	}
	last := regions[len(regions)-1]
	return last.VMOffset + uint64(last.FileSize)
}

func (p *PrebuiltLoader) Regions() []loaderref.Region { return p.record().Regions }

func (p *PrebuiltLoader) BindTargets() []loaderref.BindTargetRef { return p.record().BindTargets }

// BindSlotOffsets returns the per-BindTarget write offsets, parallel to
// BindTargets.
func (p *PrebuiltLoader) BindSlotOffsets() []uint64 { return p.record().BindSlotOffsets }

func (p *PrebuiltLoader) OverrideBindTargets() []loaderref.BindTargetRef {
	return p.record().OverrideBindTargets
}

func (p *PrebuiltLoader) FileValidation() loaderref.FileValidationInfo {
	return p.record().FileValidation
}

func (p *PrebuiltLoader) PatchTable() []loader.DylibPatchEntry { return p.record().PatchTable }

func (p *PrebuiltLoader) ExportsTrie() (offset, size uint64) {
	r := p.record()
	return r.ExportsTrieOffset, r.ExportsTrieSize
}

func (p *PrebuiltLoader) DependentCount() int { return len(p.record().Dependents) }

func (p *PrebuiltLoader) Dependent(i int) loader.Dependent {
	r := p.record()
	if i < 0 || i >= len(r.Dependents) {
		return loader.Dependent{}
	}
	kind := loader.DependentNormal
	if r.DependentKinds != nil && i < len(r.DependentKinds) {
		kind = r.DependentKinds[i]
	}
	target, err := p.set.Loader(r.Dependents[i])
	if err != nil {
		// A dangling dependent ref is a weak-link miss once surfaced
		// through the Loader interface, matching JustInTimeLoader's
		// representation of the same situation.
		return loader.Dependent{Kind: kind, Image: nil}
	}
	return loader.Dependent{Kind: kind, Image: target}
}
