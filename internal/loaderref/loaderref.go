// Package loaderref holds the small, copyable value types shared by
// every loader and runtime-state component: the compact loader
// handle, segment region descriptors, tagged bind-target references,
// and file identity records used for PrebuiltLoader revalidation.
//
// These mirror the bit-packed layouts of spec.md §3 exactly, because
// PrebuiltLoaderSet serializes them byte-for-byte into a memory-mapped
// blob (see internal/prebuilt) and JustInTimeLoader must produce
// identical values so the two loader kinds are interchangeable to
// every other component.
package loaderref

import "fmt"

// Ref is a compact (set, index) handle for a PrebuiltLoader: index
// within a PrebuiltLoaderSet, tagged with which set (the dyld-cache
// embedded set or the process's own app-specific set) it belongs to.
//
// JustInTimeLoaders carry a Ref too, numbered in load order by launch
// with FromApp set; such a Ref names no PrebuiltLoaderSet record and is
// not stable outside their own process.
type Ref struct {
	Index    uint16 // 15 bits of real range; see MaxIndex
	FromApp  bool
}

// MaxIndex is the largest index representable in the 15-bit Index
// field of spec.md §3's LoaderRef{index: u15, fromApp: bit}.
const MaxIndex = 1<<15 - 1

// NewRef validates index fits the 15-bit field before constructing a Ref.
func NewRef(index int, fromApp bool) (Ref, error) {
	if index < 0 || index > MaxIndex {
		return Ref{}, fmt.Errorf("loaderref: index %d out of range [0,%d]", index, MaxIndex)
	}
	return Ref{Index: uint16(index), FromApp: fromApp}, nil
}

func (r Ref) String() string {
	set := "cache"
	if r.FromApp {
		set = "app"
	}
	return fmt.Sprintf("%s-loader[%d]", set, r.Index)
}

// Perm mirrors the three permission bits (read/write/execute) stored
// in a Region.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExecute
)

func (p Perm) String() string {
	r, w, x := "-", "-", "-"
	if p&PermRead != 0 {
		r = "r"
	}
	if p&PermWrite != 0 {
		w = "w"
	}
	if p&PermExecute != 0 {
		x = "x"
	}
	return r + w + x
}

// Region is one segment-map entry: a contiguous range of an image's
// address space and how to populate it (from the file, or zero-fill).
//
// Invariant: the first Region of an image's Region slice must start
// at VMOffset 0 and contain the Mach-O header (spec.md §3).
type Region struct {
	VMOffset     uint64 // 59 significant bits
	Perms        Perm   // 3 bits
	IsZeroFill   bool
	ReadOnlyData bool
	FileOffset   uint32
	FileSize     uint32
}

const vmOffsetMask = 1<<59 - 1

// Validate reports whether VMOffset fits the 59-bit field spec.md §3
// allocates for it.
func (r Region) Validate() error {
	if r.VMOffset&^vmOffsetMask != 0 {
		return fmt.Errorf("loaderref: region vmOffset %#x exceeds 59 bits", r.VMOffset)
	}
	return nil
}

// BindKind distinguishes the two BindTargetRef encodings.
type BindKind uint8

const (
	// BindImageRelative targets a runtime offset within another
	// loaded image: {loaderRef, high8, low39}.
	BindImageRelative BindKind = 0
	// BindAbsolute carries a sign-extended 63-bit constant.
	BindAbsolute BindKind = 1
)

// Image-relative offsets split across a high8/low39 pair so that
// offsets up to +/-256GB are representable (8 + 39 = 47 bits including
// the sign, which high8 carries, per spec.md §3).
const (
	low39Bits  = 39
	low39Mask  = int64(1)<<low39Bits - 1
	maxOffset  = int64(1)<<(8+low39Bits-1) - 1
	minOffset  = -maxOffset - 1
)

// BindTargetRef is the 64-bit tagged value every resolved bind
// collapses to before being written into an image's fixup stream or
// serialized into a PrebuiltLoaderSet's bind-target array.
type BindTargetRef struct {
	kind        BindKind
	loader      Ref
	imageOffset int64 // only meaningful when kind == BindImageRelative
	absValue    int64 // only meaningful when kind == BindAbsolute
}

// NewImageRelative constructs a BindTargetRef that targets loader at
// runtime offset. It traps (returns an error) on overflow rather than
// silently truncating, per spec.md §3's round-trip invariant.
func NewImageRelative(loader Ref, offset int64) (BindTargetRef, error) {
	if offset < minOffset || offset > maxOffset {
		return BindTargetRef{}, fmt.Errorf("loaderref: image-relative offset %d overflows high8:low39 encoding", offset)
	}
	return BindTargetRef{kind: BindImageRelative, loader: loader, imageOffset: offset}, nil
}

// NewAbsolute constructs a BindTargetRef carrying a sign-extended
// constant, used for weak-import misses (value 0) and absolute
// symbols.
func NewAbsolute(value int64) BindTargetRef {
	return BindTargetRef{kind: BindAbsolute, absValue: value}
}

// Kind reports which encoding this BindTargetRef uses.
func (b BindTargetRef) Kind() BindKind { return b.kind }

// Loader returns the target loader for an image-relative bind. It
// panics if Kind() != BindImageRelative; callers must check Kind first,
// mirroring the tagged-union dispatch pattern used throughout this
// module (see internal/loader).
func (b BindTargetRef) Loader() Ref {
	if b.kind != BindImageRelative {
		panic("loaderref: Loader() called on non-image-relative BindTargetRef")
	}
	return b.loader
}

// Offset returns the signed runtime offset for an image-relative bind.
func (b BindTargetRef) Offset() int64 {
	if b.kind != BindImageRelative {
		panic("loaderref: Offset() called on non-image-relative BindTargetRef")
	}
	return b.imageOffset
}

// Absolute returns the constant value for an absolute bind.
func (b BindTargetRef) Absolute() int64 {
	if b.kind != BindAbsolute {
		panic("loaderref: Absolute() called on non-absolute BindTargetRef")
	}
	return b.absValue
}

// Resolve computes the final runtime value of this bind given a
// function that maps a loader Ref to its load address. It is the
// authoritative round-trip check exercised by spec.md §8 invariant 6:
// for every resolved symbol R with kind bindToImage,
// BindTargetRef.From(R).Resolve(...) == R.loader.loadAddress() + R.offset.
func (b BindTargetRef) Resolve(loadAddress func(Ref) uint64) uint64 {
	switch b.kind {
	case BindAbsolute:
		return uint64(b.absValue)
	case BindImageRelative:
		return loadAddress(b.loader) + uint64(b.imageOffset)
	default:
		panic("loaderref: unknown BindKind")
	}
}

// encodedHigh8Low39 splits imageOffset into the high8/low39 pair
// described by spec.md §3, used only by the on-disk PrebuiltLoader
// serializer (internal/prebuilt) since in memory BindTargetRef already
// keeps the full 64-bit offset.
func encodedHigh8Low39(offset int64) (high8 uint8, low39 int64) {
	low39 = offset & low39Mask
	if offset < 0 {
		// sign-extend the low39 field back out when reconstructing;
		// here we only need the bits that survive truncation.
		low39 = offset - ((offset >> low39Bits) << low39Bits)
	}
	high8 = uint8((offset >> low39Bits) & 0xff)
	return
}

// EncodedHigh8Low39 is the exported form of encodedHigh8Low39, used by
// internal/prebuilt when writing the on-disk bind-target array.
func (b BindTargetRef) EncodedHigh8Low39() (loaderRef Ref, high8 uint8, low39 int64, ok bool) {
	if b.kind != BindImageRelative {
		return Ref{}, 0, 0, false
	}
	h, l := encodedHigh8Low39(b.imageOffset)
	return b.loader, h, l, true
}

// DecodeHigh8Low39 reconstructs the signed offset from its on-disk
// high8/low39 halves; the inverse of EncodedHigh8Low39.
func DecodeHigh8Low39(high8 uint8, low39 int64) int64 {
	return (int64(int8(high8)) << low39Bits) | (low39 & low39Mask)
}

// FileValidationInfo records what a PrebuiltLoader needs to cross-check
// against the live filesystem before it can be trusted (spec.md §3).
type FileValidationInfo struct {
	SliceOffset     uint64
	Inode           uint64
	Mtime           int64
	CDHash          [20]byte
	CheckInodeMtime bool
	CheckCDHash     bool
}

// Validate enforces spec.md §3's "at least one check set" invariant
// for files outside the shared cache.
func (f FileValidationInfo) Validate(inSharedCache bool) error {
	if inSharedCache {
		return nil
	}
	if !f.CheckInodeMtime && !f.CheckCDHash {
		return fmt.Errorf("loaderref: file validation info has neither check enabled for a non-cache file")
	}
	return nil
}
