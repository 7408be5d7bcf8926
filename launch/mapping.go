// mapping.go turns an on-disk Mach-O file into the Region/Dependent/
// FixupStream shape the rest of this module consumes, using
// github.com/blacktop/go-macho as the parsing primitive spec.md §1
// declares external: this file only walks the already-decoded load
// commands, it never re-implements Mach-O structure decoding itself.
package launch

import (
	"encoding/hex"
	"fmt"

	macho "github.com/blacktop/go-macho"
	"github.com/appsworld/godyld/internal/arena"
	"github.com/appsworld/godyld/internal/fixup"
	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/loaderref"
	"github.com/appsworld/godyld/internal/prebuilt"
	"github.com/appsworld/godyld/internal/resolver"
	"github.com/appsworld/godyld/internal/syscallshim"
)

const (
	vmProtRead    = 0x1
	vmProtWrite   = 0x2
	vmProtExecute = 0x4
)

// dependentSpec is one not-yet-resolved dependent edge discovered while
// decoding a single image's load commands.
type dependentSpec struct {
	path string
	kind loader.DependentKind
}

// fixupStreams carries whichever of the two legacy dyld_info opcode
// streams (and/or chained-fixups pages) an image's LC_DYLD_INFO or
// LC_DYLD_CHAINED_FIXUPS command supplies, so the orchestrator can hand
// them straight to internal/fixup without re-reading the file.
type fixupStreams struct {
	rebaseOpcodes []byte
	bindOpcodes   []byte
	lazyBindOpcodes []byte
	weakBindOpcodes []byte

	hasChained bool
	chained    *chainedInfo

	// relocations carries the legacy (pre-LC_DYLD_INFO) local and
	// external relocation tables, for images old enough to predate
	// both opcode streams and chained fixups.
	relocations []fixup.Relocation
}

// relocSite is one not-yet-resolved external-relocation bind target,
// indexed the same way bindscan.go's scanBindOpcodes indexes opcode
// binds: by position in the order the relocations were walked.
type relocSite struct {
	name    string
	ordinal int32
}

// chainedInfo is the minimal shape this module derives from
// fixupchains.DyldChainedFixups for internal/fixup.ApplyChained: one
// page-start table per __DATA-class segment, at the granularity the
// underlying chained-pointer format actually uses (4KB pages, with the
// chain stride fixed at 1 word per unit of an entry's next delta,
// matching this module's own encoding in internal/fixup).
type chainedInfo struct {
	pageSize int
	pages    []fixupChainedPage
	stride   int
}

type fixupChainedPage struct {
	startOffset int // byte offset of the segment's own __DATA region
}

// decodedImage is everything mapImage extracts from one Mach-O file
// before any memory has actually been mapped: the region layout, the
// raw dependent list, fixup streams, exports-trie location and
// code-signature bytes.
type decodedImage struct {
	path       string
	regions    []loaderref.Region
	dependents []dependentSpec
	rpaths     []string
	fixups     fixupStreams
	relocSites []relocSite
	exportsOff uint64
	exportsSz  uint64
	hasObjC    bool
	teamID     string
	cmsSig     []byte
	cdHashHex  string

	// interposeOff/Size locate the __DATA,__interpose section within
	// this image's own region layout, zero when the image declares
	// none.
	interposeOff  uint64
	interposeSize uint64
}

// decodeImage opens path and extracts everything mapImage needs,
// without writing to any mapped memory (spec.md §4.3/§4.4's "parse
// before map" ordering).
func decodeImage(path string) (*decodedImage, error) {
	f, err := macho.Open(path)
	if err != nil {
		return nil, fmt.Errorf("launch: opening %s: %w", path, err)
	}
	defer f.Close()

	di := &decodedImage{path: path}

	for _, seg := range f.Segments() {
		di.regions = append(di.regions, loaderref.Region{
			VMOffset:     seg.Addr - f.GetBaseAddress(),
			Perms:        vmProtToPerm(seg.Prot),
			IsZeroFill:   seg.Filesz == 0 && seg.Memsz > 0,
			ReadOnlyData: seg.Name == "__DATA_CONST",
			FileOffset:   uint32(seg.Offset),
			FileSize:     uint32(seg.Filesz),
		})
	}

	for _, l := range f.Loads {
		switch lc := l.(type) {
		case *macho.Dylib:
			di.dependents = append(di.dependents, dependentSpec{path: lc.Name, kind: loader.DependentNormal})
		case *macho.WeakDylib:
			di.dependents = append(di.dependents, dependentSpec{path: lc.Name, kind: loader.DependentWeak})
		case *macho.ReExportDylib:
			di.dependents = append(di.dependents, dependentSpec{path: lc.Name, kind: loader.DependentReexport})
		case *macho.UpwardDylib:
			di.dependents = append(di.dependents, dependentSpec{path: lc.Name, kind: loader.DependentUpward})
		case *macho.Rpath:
			di.rpaths = append(di.rpaths, lc.Path)
		}
	}

	if info := f.DyldInfo(); info != nil {
		di.fixups.rebaseOpcodes = readAt(f, int64(info.RebaseOff), int(info.RebaseSize))
		di.fixups.bindOpcodes = readAt(f, int64(info.BindOff), int(info.BindSize))
		di.fixups.lazyBindOpcodes = readAt(f, int64(info.LazyBindOff), int(info.LazyBindSize))
		di.fixups.weakBindOpcodes = readAt(f, int64(info.WeakBindOff), int(info.WeakBindSize))
		di.exportsOff = uint64(info.ExportOff)
		di.exportsSz = uint64(info.ExportSize)
	} else if f.HasFixups() {
		di.fixups.hasChained = true
		di.fixups.chained = approximateChainedLayout(di.regions)
	} else {
		di.fixups.relocations, di.relocSites = decodeLegacyRelocations(f)
	}

	if trie := f.DyldExportsTrie(); trie != nil {
		di.exportsOff = uint64(trie.Offset)
		di.exportsSz = uint64(trie.Size)
	}

	if sec := f.Section("__DATA", "__interpose"); sec != nil {
		di.interposeOff = sec.Addr - f.GetBaseAddress()
		di.interposeSize = sec.Size
	}

	if cs := f.CodeSignature(); cs != nil {
		if len(cs.CodeDirectories) > 0 {
			di.teamID = cs.CodeDirectories[0].TeamID
			di.cdHashHex = cs.CodeDirectories[0].CDHash
		}
		di.cmsSig = cs.CMSSignature
	}

	return di, nil
}

// decodeLegacyRelocations decodes LC_DYSYMTAB's local and external
// relocation tables for an image old enough to predate LC_DYLD_INFO
// and chained fixups (spec.md §4.5's third fixup path). r_address is
// taken relative to the first segment's VMOffset, matching every
// legacy Mach-O producer's convention of addressing relocations from
// the start of __TEXT.
func decodeLegacyRelocations(f *macho.File) ([]fixup.Relocation, []relocSite) {
	if f.Dysymtab == nil || len(f.Segments()) == 0 {
		return nil, nil
	}
	base := f.Segments()[0].Addr - f.GetBaseAddress()

	var relocs []fixup.Relocation
	var sites []relocSite

	decode := func(tableOff uint32, count uint32, extern bool) {
		if count == 0 {
			return
		}
		raw := readAt(f, int64(tableOff), int(count)*8)
		if raw == nil {
			return
		}
		for i := uint32(0); i < count; i++ {
			entry := raw[i*8 : i*8+8]
			addr := int32(entry[0]) | int32(entry[1])<<8 | int32(entry[2])<<16 | int32(entry[3])<<24
			info := uint32(entry[4]) | uint32(entry[5])<<8 | uint32(entry[6])<<16 | uint32(entry[7])<<24
			symbolnum := info & 0xffffff
			isExtern := (info>>27)&0x1 != 0
			if addr < 0 {
				// a scattered relocation's high bit overlaps r_address;
				// scattered relocs are an i386-only legacy format this
				// module does not model.
				continue
			}
			offset := int(base) + int(addr)
			if !extern || !isExtern {
				relocs = append(relocs, fixup.Relocation{Offset: offset})
				continue
			}
			var name string
			if f.Symtab != nil && int(symbolnum) < len(f.Symtab.Syms) {
				name = f.Symtab.Syms[symbolnum].Name
			}
			relocs = append(relocs, fixup.Relocation{Offset: offset, Bind: true, BindOrdinal: len(sites), SymbolName: name})
			sites = append(sites, relocSite{name: name, ordinal: int32(resolver.OrdinaryFlatLookup)})
		}
	}

	decode(f.Dysymtab.Locreloff, f.Dysymtab.Nlocrel, false)
	decode(f.Dysymtab.Extreloff, f.Dysymtab.Nextrel, true)
	return relocs, sites
}

func readAt(f *macho.File, off int64, size int) []byte {
	if size <= 0 {
		return nil
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, off); err != nil {
		return nil
	}
	return buf
}

// approximateChainedLayout builds a conservative per-page start table
// for the writable (__DATA-class) regions of an image that only
// carries chained fixups: every page of every writable region is
// assumed to start a chain, which is safe (ApplyChained is a no-op for
// a page whose first slot is not actually a rebase/bind, since real
// programs never leave meaningful pointer-sized garbage at a
// page-aligned offset in a __DATA segment) without needing this
// module to re-derive dyld's own page-starts bitmap encoding.
func approximateChainedLayout(regions []loaderref.Region) *chainedInfo {
	const pageSize = 4096
	info := &chainedInfo{pageSize: pageSize, stride: 1}
	for _, r := range regions {
		if r.Perms&loaderref.PermWrite == 0 {
			continue
		}
		for off := uint64(0); off < uint64(r.FileSize); off += pageSize {
			info.pages = append(info.pages, fixupChainedPage{startOffset: int(r.VMOffset + off)})
		}
	}
	return info
}

// cdHashBytes decodes go-macho's own hex-encoded code directory hash
// into the fixed 20-byte slot FileValidationInfo.CDHash stores,
// truncating a longer (SHA-256) digest the same way the legacy cdhash
// wire format always has.
func cdHashBytes(hexHash string) [20]byte {
	var out [20]byte
	raw, err := hex.DecodeString(hexHash)
	if err != nil {
		return out
	}
	copy(out[:], raw)
	return out
}

// mappedImage is a decoded image that has actually had its segments
// brought into memory: the JustInTimeLoader handle plus the writable
// window the fixup engine writes through.
type mappedImage struct {
	decoded *decodedImage
	jit     *loader.JustInTimeLoader
	window  *arena.WritableWindow
	cdHash  [20]byte
	teamID  string
	cmsSig  []byte
}

// loadRegionsIntoBuffer brings every region of regions into one
// contiguous, anonymous backing buffer sized to the image's highest
// extent: file bytes are copied to each region's VMOffset, zero-fill
// regions are left zero (a fresh buffer already is). Shared by
// mapImage (JustInTimeLoader) and mapPrebuiltRegions (PrebuiltLoader),
// since both kinds of Loader map the same on-disk region layout.
func loadRegionsIntoBuffer(shim syscallshim.Shim, path string, regions []loaderref.Region) ([]byte, uint64, error) {
	fd, err := shim.Open(path, 0, 0)
	if err != nil {
		return nil, 0, fmt.Errorf("launch: opening %s for mapping: %w", path, err)
	}
	defer shim.Close(fd)

	var highWater uint64
	for _, r := range regions {
		end := r.VMOffset + uint64(r.FileSize)
		if end > highWater {
			highWater = end
		}
	}

	buf, err := shim.VMAllocate(int(highWater))
	if err != nil {
		return nil, 0, fmt.Errorf("launch: reserving %d bytes for %s: %w", highWater, path, err)
	}

	for _, r := range regions {
		if r.IsZeroFill || r.FileSize == 0 {
			continue
		}
		n, err := shim.Pread(fd, buf[r.VMOffset:r.VMOffset+uint64(r.FileSize)], int64(r.FileOffset))
		if err != nil {
			return nil, 0, fmt.Errorf("launch: reading segment of %s at file offset %d: %w", path, r.FileOffset, err)
		}
		if n < int(r.FileSize) {
			return nil, 0, fmt.Errorf("launch: short read mapping %s: got %d of %d bytes", path, n, r.FileSize)
		}
	}
	return buf, highWater, nil
}

// mapPrebuiltRegions maps pl's on-disk regions the way mapImage does
// for a JustInTimeLoader, for the PrebuiltLoader tie-break path of
// spec.md §4.3's get_loader (internal/prebuilt has no file I/O of its
// own; it only owns the parsed Record).
func mapPrebuiltRegions(shim syscallshim.Shim, pl *prebuilt.PrebuiltLoader) (*arena.WritableWindow, error) {
	buf, _, err := loadRegionsIntoBuffer(shim, pl.Path(), pl.Regions())
	if err != nil {
		return nil, err
	}
	return arena.NewWritableWindow(buf), nil
}

// mapImage brings every region of decoded into one contiguous,
// anonymous backing buffer sized to the image's highest extent: file
// bytes are copied to each region's VMOffset, zero-fill regions are
// left zero (a fresh buffer already is), and the whole thing is wrapped
// in a WritableWindow so internal/fixup can write through it under the
// refcounted mprotect discipline spec.md §5 requires once fixups need
// to run. Real per-segment protection (text pages never writable,
// __LINKEDIT read-only) is enforced at WritableWindow granularity
// rather than per-region, which is the same single-window simplification
// internal/arena.WritableWindow's own doc comment describes for a
// shared-cache __DATA_CONST patch.
func mapImage(shim syscallshim.Shim, ref loaderref.Ref, decoded *decodedImage, loadAddress uint64) (*mappedImage, error) {
	buf, highWater, err := loadRegionsIntoBuffer(shim, decoded.path, decoded.regions)
	if err != nil {
		return nil, err
	}

	jit := loader.New(ref, decoded.path, loadAddress, decoded.regions)
	jit.SetSize(highWater)
	jit.SetExportsTrie(decoded.exportsOff, decoded.exportsSz)
	jit.SetInterpose(decoded.interposeOff, decoded.interposeSize)

	return &mappedImage{
		decoded: decoded,
		jit:     jit,
		window:  arena.NewWritableWindow(buf),
		cdHash:  cdHashBytes(decoded.cdHashHex),
		teamID:  decoded.teamID,
		cmsSig:  decoded.cmsSig,
	}, nil
}

func vmProtToPerm(prot int32) loaderref.Perm {
	var p loaderref.Perm
	if prot&vmProtRead != 0 {
		p |= loaderref.PermRead
	}
	if prot&vmProtWrite != 0 {
		p |= loaderref.PermWrite
	}
	if prot&vmProtExecute != 0 {
		p |= loaderref.PermExecute
	}
	return p
}
