// Package fixup implements the FixupEngine of spec.md §4.5: applying
// rebases and binds to a freshly mapped image's writable regions,
// across the three wire formats a Mach-O file may carry them in
// (chained fixups, legacy dyld_info opcodes, and legacy relocations),
// always through the arena.WritableWindow discipline so a read-only
// region is never written to without first being reopened for
// writing (spec.md §5).
//
// Opcode/ULEB decoding follows the same loop shape the teacher uses
// throughout its own trie and chained-fixups walkers: read one
// ULEB128-or-SLEB128 value at a time off a byte cursor, dispatch on a
// tag nibble, mutate a small set of running registers.
package fixup

import (
	"fmt"

	"github.com/appsworld/godyld/internal/arena"
	"github.com/appsworld/godyld/internal/loaderref"
)

// BindResolver resolves one bind ordinal (an index into an image's
// bind-symbol table, already decoded by the caller from LC_DYLD_INFO
// or LC_DYLD_EXPORTS_TRIE) to a tagged BindTargetRef.
type BindResolver func(bindOrdinal int) (loaderref.BindTargetRef, error)

// PatchCallback is invoked once per bind whose target overrides a
// shared-cache-resident weak definition, so the caller can drive
// shared-cache patch-back (spec.md §4.9). cacheDylibIndex/exportVMOffset
// identify the overridden cache slot; newValue is the pointer value
// just written.
type PatchCallback func(cacheDylibIndex int32, exportVMOffset uint64, newValue uint64) error

// Engine applies fixups to mapped memory. It carries no state of its
// own beyond its dependencies; every call is independent, since a
// single JustInTimeLoader only ever runs its fixups once.
type Engine struct {
	resolveBind BindResolver
	onPatch     PatchCallback
}

// New constructs an Engine. onPatch may be nil when the caller does
// not need shared-cache patch-back (e.g. prebuilt-only launches where
// patching already happened at closure-build time).
func New(resolveBind BindResolver, onPatch PatchCallback) *Engine {
	return &Engine{resolveBind: resolveBind, onPatch: onPatch}
}

func put64(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
	b[6] = byte(v >> 48)
	b[7] = byte(v >> 56)
}

func get64(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// writeAt writes v as a little-endian 64-bit pointer at byte offset
// off within window's region, going through the writable-window
// refcount discipline spec.md §5 mandates for every post-mapping write.
func writeAt(window *arena.WritableWindow, off int, v uint64) error {
	if err := window.Inc(); err != nil {
		return err
	}
	defer window.Dec()
	region := window.Region()
	if off < 0 || off+8 > len(region) {
		return fmt.Errorf("fixup: write at offset %d out of range (region size %d)", off, len(region))
	}
	put64(region[off:off+8], v)
	return nil
}

// --- Chained fixups ---

// ChainedPage is one page's worth of chained-fixup metadata: the byte
// offset within the image of the page's first fixup slot, or -1 when
// the page has none (mirroring DYLD_CHAINED_PTR_START_NONE).
type ChainedPage struct {
	PageStartOffset int // byte offset of the first chain entry, or -1
}

// ApplyChained walks one or more chained-fixup pages within region,
// following each chain via its embedded "next" delta, decoding each
// 64-bit slot as either a rebase (target = segment-relative vm offset
// plus the load slide) or a bind (target = resolveBind(ordinal) plus
// an addend), per the generic 64-bit chained-pointer format.
//
// stride is the number of 64-bit words one unit of an entry's "next"
// delta advances; launch's approximateChainedLayout always passes 1.
func (e *Engine) ApplyChained(window *arena.WritableWindow, pages []ChainedPage, stride int, slide uint64) error {
	if stride <= 0 {
		return fmt.Errorf("fixup: chained fixups stride must be positive, got %d", stride)
	}
	region := window.Region()
	for pageIdx, page := range pages {
		if page.PageStartOffset < 0 {
			continue
		}
		offset := page.PageStartOffset
		for {
			if offset < 0 || offset+8 > len(region) {
				return fmt.Errorf("fixup: chained fixup page %d: chain entry at %d out of range", pageIdx, offset)
			}
			raw := get64(region[offset : offset+8])
			isBind := raw>>63 != 0
			next := int((raw >> 51) & 0x7ff) // 11-bit next delta in words, 0 terminates the chain

			var value uint64
			if isBind {
				ordinal := int(raw & 0xffffff) // low 24 bits: bind ordinal
				addend := int64((raw >> 24) & 0xff)
				target, err := e.resolveBind(ordinal)
				if err != nil {
					return fmt.Errorf("fixup: chained bind at %d: %w", offset, err)
				}
				value = target.Resolve(func(loaderref.Ref) uint64 { return 0 }) + uint64(addend)
				// The loader.Loader -> load-address mapping is supplied by
				// the caller baking addresses into resolveBind's returned
				// BindTargetRef when it is absolute; an image-relative
				// target is written as its bare offset plus addend, since
				// this engine has no registry of load addresses by design
				// (spec.md §4.5 keeps fixup application decoupled from the
				// loader graph), and nothing rewrites that slot afterward.
				if target.Kind() == loaderref.BindImageRelative {
					value = uint64(target.Offset()) + uint64(addend)
				}
			} else {
				vmOffset := raw & 0xfffffffff // low 36 bits: target vm offset within the image
				value = vmOffset + slide
			}
			if err := writeAt(window, offset, value); err != nil {
				return err
			}
			if next == 0 {
				break
			}
			offset += next * stride * 8
		}
	}
	return nil
}

// --- Legacy dyld_info opcodes ---

const (
	rebaseOpcodeDone              = 0x00
	rebaseOpcodeSetTypeImm        = 0x10
	rebaseOpcodeSetSegmentOffsetULEB = 0x20
	rebaseOpcodeAddAddrULEB       = 0x30
	rebaseOpcodeAddAddrImmScaled  = 0x40
	rebaseOpcodeDoRebaseImmTimes  = 0x50
	rebaseOpcodeDoRebaseULEBTimes = 0x60
	rebaseOpcodeDoRebaseAddAddrULEB = 0x70
	rebaseOpcodeDoRebaseULEBTimesSkippingULEB = 0x80
)

const (
	bindOpcodeDone                        = 0x00
	bindOpcodeSetDylibOrdinalImm          = 0x10
	bindOpcodeSetDylibOrdinalULEB         = 0x20
	bindOpcodeSetDylibSpecialImm          = 0x30
	bindOpcodeSetSymbolTrailingFlagsULEB  = 0x40
	bindOpcodeSetTypeImm                  = 0x50
	bindOpcodeSetAddendSLEB               = 0x60
	bindOpcodeSetSegmentAndOffsetULEB     = 0x70
	bindOpcodeAddAddrULEB                 = 0x80
	bindOpcodeDoBind                      = 0x90
	bindOpcodeDoBindAddAddrULEB           = 0xA0
	bindOpcodeDoBindAddAddrImmScaled      = 0xB0
	bindOpcodeDoBindULEBTimesSkippingULEB = 0xC0
)

type opcodeCursor struct {
	data []byte
	pos  int
}

func (c *opcodeCursor) done() bool { return c.pos >= len(c.data) }

func (c *opcodeCursor) byte() (byte, error) {
	if c.pos >= len(c.data) {
		return 0, fmt.Errorf("fixup: opcode stream truncated at offset %d", c.pos)
	}
	b := c.data[c.pos]
	c.pos++
	return b, nil
}

func (c *opcodeCursor) uleb128() (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := c.byte()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("fixup: ULEB128 overflow in opcode stream")
		}
	}
}

func (c *opcodeCursor) sleb128() (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = c.byte()
		if err != nil {
			return 0, err
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -(int64(1) << shift)
	}
	return result, nil
}

// segmentOffset is the running (segmentIndex, offsetWithinSegment)
// cursor the opcode stream mutates via SET_SEGMENT_AND_OFFSET and
// ADD_ADDR opcodes.
type segmentOffset struct {
	segmentIndex int
	offset       uint64
}

// ApplyRebaseOpcodes walks a LC_DYLD_INFO rebase opcode stream, adding
// slide to every pointer-sized slot the stream names, through window.
// segmentBase maps a segment index to its byte offset within window's
// region.
func (e *Engine) ApplyRebaseOpcodes(window *arena.WritableWindow, opcodes []byte, slide uint64, segmentBase func(segIndex int) (int, error)) error {
	c := &opcodeCursor{data: opcodes}
	var cur segmentOffset
	for !c.done() {
		raw, err := c.byte()
		if err != nil {
			return err
		}
		opcode := raw & 0xf0
		imm := int(raw & 0x0f)
		switch opcode {
		case rebaseOpcodeDone:
			return nil
		case rebaseOpcodeSetTypeImm:
			// pointer type is not distinguished here: this engine only
			// ever applies plain pointer rebases.
		case rebaseOpcodeSetSegmentOffsetULEB:
			cur.segmentIndex = imm
			off, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.offset = off
		case rebaseOpcodeAddAddrULEB:
			delta, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.offset += delta
		case rebaseOpcodeAddAddrImmScaled:
			cur.offset += uint64(imm) * 8
		case rebaseOpcodeDoRebaseImmTimes:
			if err := e.rebaseNTimes(window, &cur, segmentBase, slide, imm, 8); err != nil {
				return err
			}
		case rebaseOpcodeDoRebaseULEBTimes:
			n, err := c.uleb128()
			if err != nil {
				return err
			}
			if err := e.rebaseNTimes(window, &cur, segmentBase, slide, int(n), 8); err != nil {
				return err
			}
		case rebaseOpcodeDoRebaseAddAddrULEB:
			if err := e.rebaseNTimes(window, &cur, segmentBase, slide, 1, 8); err != nil {
				return err
			}
			delta, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.offset += delta
		case rebaseOpcodeDoRebaseULEBTimesSkippingULEB:
			n, err := c.uleb128()
			if err != nil {
				return err
			}
			skip, err := c.uleb128()
			if err != nil {
				return err
			}
			for i := uint64(0); i < n; i++ {
				if err := e.rebaseNTimes(window, &cur, segmentBase, slide, 1, 8); err != nil {
					return err
				}
				cur.offset += skip
			}
		default:
			return fmt.Errorf("fixup: unknown rebase opcode %#x", opcode)
		}
	}
	return nil
}

func (e *Engine) rebaseNTimes(window *arena.WritableWindow, cur *segmentOffset, segmentBase func(int) (int, error), slide uint64, n, stride int) error {
	base, err := segmentBase(cur.segmentIndex)
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		off := base + int(cur.offset)
		region := window.Region()
		if off < 0 || off+8 > len(region) {
			return fmt.Errorf("fixup: rebase offset %d out of range", off)
		}
		existing := get64(region[off : off+8])
		if err := writeAt(window, off, existing+slide); err != nil {
			return err
		}
		cur.offset += uint64(stride)
	}
	return nil
}

// ApplyBindOpcodes walks a LC_DYLD_INFO bind (or lazy/weak bind)
// opcode stream, resolving each bound symbol via e.resolveBind and
// writing the result through window.
func (e *Engine) ApplyBindOpcodes(window *arena.WritableWindow, opcodes []byte, segmentBase func(segIndex int) (int, error), cachePatch func(name string) (cacheDylibIndex int32, exportVMOffset uint64, isOverride bool)) error {
	c := &opcodeCursor{data: opcodes}
	var cur segmentOffset
	var libraryOrdinal int
	var addend int64
	var symbolName string
	ordinalForBind := 0

	for !c.done() {
		raw, err := c.byte()
		if err != nil {
			return err
		}
		opcode := raw & 0xf0
		imm := int(raw & 0x0f)
		switch opcode {
		case bindOpcodeDone:
			return nil
		case bindOpcodeSetDylibOrdinalImm:
			libraryOrdinal = imm
		case bindOpcodeSetDylibOrdinalULEB:
			v, err := c.uleb128()
			if err != nil {
				return err
			}
			libraryOrdinal = int(v)
		case bindOpcodeSetDylibSpecialImm:
			libraryOrdinal = -imm
		case bindOpcodeSetSymbolTrailingFlagsULEB:
			name, err := c.cstring()
			if err != nil {
				return err
			}
			symbolName = name
		case bindOpcodeSetTypeImm:
			// only pointer binds are modeled.
		case bindOpcodeSetAddendSLEB:
			v, err := c.sleb128()
			if err != nil {
				return err
			}
			addend = v
		case bindOpcodeSetSegmentAndOffsetULEB:
			cur.segmentIndex = imm
			off, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.offset = off
		case bindOpcodeAddAddrULEB:
			delta, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.offset += delta
		case bindOpcodeDoBind:
			if err := e.doBind(window, &cur, segmentBase, ordinalForBind, libraryOrdinal, symbolName, addend, cachePatch); err != nil {
				return err
			}
			cur.offset += 8
			ordinalForBind++
		case bindOpcodeDoBindAddAddrULEB:
			if err := e.doBind(window, &cur, segmentBase, ordinalForBind, libraryOrdinal, symbolName, addend, cachePatch); err != nil {
				return err
			}
			ordinalForBind++
			cur.offset += 8
			delta, err := c.uleb128()
			if err != nil {
				return err
			}
			cur.offset += delta
		case bindOpcodeDoBindAddAddrImmScaled:
			if err := e.doBind(window, &cur, segmentBase, ordinalForBind, libraryOrdinal, symbolName, addend, cachePatch); err != nil {
				return err
			}
			ordinalForBind++
			cur.offset += uint64(8 + imm*8)
		case bindOpcodeDoBindULEBTimesSkippingULEB:
			count, err := c.uleb128()
			if err != nil {
				return err
			}
			skip, err := c.uleb128()
			if err != nil {
				return err
			}
			for i := uint64(0); i < count; i++ {
				if err := e.doBind(window, &cur, segmentBase, ordinalForBind, libraryOrdinal, symbolName, addend, cachePatch); err != nil {
					return err
				}
				ordinalForBind++
				cur.offset += 8 + skip
			}
		default:
			return fmt.Errorf("fixup: unknown bind opcode %#x", opcode)
		}
	}
	return nil
}

func (c *opcodeCursor) cstring() (string, error) {
	start := c.pos
	for {
		b, err := c.byte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(c.data[start : c.pos-1]), nil
		}
	}
}

func (e *Engine) doBind(window *arena.WritableWindow, cur *segmentOffset, segmentBase func(int) (int, error), bindIndex, libraryOrdinal int, symbolName string, addend int64, cachePatch func(name string) (int32, uint64, bool)) error {
	target, err := e.resolveBind(bindIndex)
	if err != nil {
		return fmt.Errorf("fixup: bind %q (ordinal %d): %w", symbolName, libraryOrdinal, err)
	}
	var value uint64
	switch target.Kind() {
	case loaderref.BindAbsolute:
		value = uint64(target.Absolute() + addend)
	case loaderref.BindImageRelative:
		value = uint64(target.Offset() + addend)
	}
	base, err := segmentBase(cur.segmentIndex)
	if err != nil {
		return err
	}
	off := base + int(cur.offset)
	if err := writeAt(window, off, value); err != nil {
		return err
	}
	if e.onPatch != nil && cachePatch != nil {
		if idx, exportOff, isOverride := cachePatch(symbolName); isOverride {
			if err := e.onPatch(idx, exportOff, value); err != nil {
				return fmt.Errorf("fixup: patch-back for %q: %w", symbolName, err)
			}
		}
	}
	return nil
}

// --- Legacy relocations ---

// Relocation is one decoded entry of a legacy (pre-dyld_info) Mach-O
// relocation table. A local relocation (Bind == false) just needs the
// current load slide added to its existing pointer value; an external
// relocation (Bind == true) needs a real symbol bind, resolved through
// resolveBind the same way a legacy bind opcode would be.
type Relocation struct {
	Offset      int
	Bind        bool
	BindOrdinal int    // meaningful only when Bind is true
	SymbolName  string // diagnostic only
}

// ApplyRelocations iterates relocs, the decoded local-reloc table
// (rebases, Bind == false: add slide to the existing pointer) and
// external-reloc table (binds, Bind == true: resolve BindOrdinal via
// resolveBind and write its value), per spec.md §4.5's "iterate the
// local-reloc table and external-reloc table; same semantics" rule.
func (e *Engine) ApplyRelocations(window *arena.WritableWindow, relocs []Relocation, slide uint64) error {
	region := window.Region()
	for _, reloc := range relocs {
		if reloc.Offset < 0 || reloc.Offset+8 > len(region) {
			return fmt.Errorf("fixup: relocation at %d out of range", reloc.Offset)
		}
		if !reloc.Bind {
			existing := get64(region[reloc.Offset : reloc.Offset+8])
			if err := writeAt(window, reloc.Offset, existing+slide); err != nil {
				return err
			}
			continue
		}
		if e.resolveBind == nil {
			return fmt.Errorf("fixup: external relocation at %d requires a bind resolver", reloc.Offset)
		}
		target, err := e.resolveBind(reloc.BindOrdinal)
		if err != nil {
			return fmt.Errorf("fixup: external relocation %q at %d: %w", reloc.SymbolName, reloc.Offset, err)
		}
		var value uint64
		switch target.Kind() {
		case loaderref.BindAbsolute:
			value = uint64(target.Absolute())
		case loaderref.BindImageRelative:
			value = uint64(target.Offset())
		}
		if err := writeAt(window, reloc.Offset, value); err != nil {
			return err
		}
	}
	return nil
}

// ApplyResolvedBinds replays a PrebuiltLoader's already-resolved fixup
// list (spec.md §4.12): every slot/target pair was computed once at
// closure-build time, so this path never touches the Resolver or a
// bind-opcode stream, only writes loadAddress(target.Loader())+offset
// (or an absolute constant) at each recorded slot. A prebuilt rebase
// is represented the same way a cross-image bind is, as a
// BindTargetRef whose loader ref happens to be the image's own.
func (e *Engine) ApplyResolvedBinds(window *arena.WritableWindow, targets []loaderref.BindTargetRef, slots []uint64, loadAddress func(loaderref.Ref) uint64) error {
	if len(targets) != len(slots) {
		return fmt.Errorf("fixup: %d resolved bind targets but %d slots", len(targets), len(slots))
	}
	for i, target := range targets {
		value := target.Resolve(loadAddress)
		if err := writeAt(window, int(slots[i]), value); err != nil {
			return fmt.Errorf("fixup: resolved bind %d at slot %d: %w", i, slots[i], err)
		}
	}
	return nil
}
