// api.go is the public dl*/_dyld_* surface launch exposes: everything
// cmd/dyldtool or an embedding runtime calls directly rather than
// reaching into Orchestrator/RuntimeState itself.
package launch

import (
	"fmt"

	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/resolver"
	"github.com/appsworld/godyld/internal/tlv"
)

// Mode is the dlopen(3) mode bitmask this module recognizes. Real dyld
// accepts several more RTLD_* bits that have no effect once applied
// (RTLD_LAZY/RTLD_NOW are indistinguishable here since this module
// never executes native code at a lazy-bind stub). Of the bits below,
// only ModeNoLoad changes what Dlopen does; the others are accepted
// and ignored.
type Mode uint32

const (
	ModeNow Mode = 1 << iota
	ModeGlobal
	ModeLocal
	ModeNoLoad
	ModeNoDelete
	ModeFirst
)

// Handle is the opaque dlopen(3) result, wrapping the underlying
// Loader so Dlsym/Dlclose never need to re-resolve a path.
type Handle struct {
	image loader.Loader
}

// Dyld is the per-process façade launch/api.go's callers drive: one
// Orchestrator plus the per-thread dlerror registry and the TLV
// registry every _tlv_* entry point reaches through.
type Dyld struct {
	orch *Orchestrator
}

// NewDyld wraps orch.
func NewDyld(orch *Orchestrator) *Dyld { return &Dyld{orch: orch} }

// Launch implements process startup: map the main executable and run
// initializers bottom-up, the way _dyld_start hands off to dyld's own
// entry point.
func (d *Dyld) Launch(mainExecutablePath string) (Handle, error) {
	img, err := d.orch.Launch(mainExecutablePath)
	if err != nil {
		return Handle{}, err
	}
	return Handle{image: img}, nil
}

// Dlopen implements dlopen(3). RTLD_NOLOAD restricts the call to
// images already loaded, never mapping a new one.
func (d *Dyld) Dlopen(path string, mode Mode, threadID uint64) (Handle, error) {
	if mode&ModeNoLoad != 0 {
		if existing := d.orch.State().FindLoaded(path); existing != nil {
			d.orch.State().RetainDlopen(existing)
			return Handle{image: existing}, nil
		}
		err := fmt.Errorf("launch: dlopen: %s not already loaded (RTLD_NOLOAD)", path)
		d.orch.Errors().Set(threadID, err.Error())
		return Handle{}, err
	}
	img, err := d.orch.Dlopen(path, threadID)
	if err != nil {
		return Handle{}, err
	}
	return Handle{image: img}, nil
}

// DlopenPreflight implements dlopen_preflight(3): reports whether path
// and its not-yet-loaded dependents could be loaded, without actually
// mapping or initializing anything or retaining a reference.
func (d *Dyld) DlopenPreflight(path string) bool {
	if d.orch.State().FindLoaded(path) != nil {
		return true
	}
	decoded, err := decodeImage(path)
	if err != nil {
		return false
	}
	for _, dep := range decoded.dependents {
		if d.orch.State().FindLoaded(dep.path) != nil {
			continue
		}
		if _, err := d.orch.resolveDependentPath(dep.path, dirname(path), nil); err != nil {
			if dep.kind != loader.DependentWeak {
				return false
			}
		}
	}
	return true
}

// Dlclose implements dlclose(3).
func (d *Dyld) Dlclose(h Handle) []loader.Loader {
	return d.orch.Dlclose(h.image)
}

// Dlsym implements dlsym(3) and its RTLD_NEXT/RTLD_SELF/RTLD_DEFAULT/
// RTLD_MAIN_ONLY pseudo-handle extensions (SPEC_FULL.md supplement).
func (d *Dyld) Dlsym(mode resolver.DlsymMode, handle Handle, symbol string, caller Handle, threadID uint64) (uintptr, error) {
	res, err := d.orch.State().Resolver().ResolveDlsym(mode, handle.image, symbol, caller.image)
	if err != nil {
		d.orch.Errors().Set(threadID, err.Error())
		return 0, err
	}
	return uintptr(res.Image.LoadAddress() + res.VMOffset), nil
}

// Dlerror implements dlerror(3): returns and clears threadID's last
// recorded dl* failure, or "" if there is none.
func (d *Dyld) Dlerror(threadID uint64) string {
	msg, ok := d.orch.Errors().Take(threadID)
	if !ok {
		return ""
	}
	return msg
}

// SymbolInfo is dladdr(3)'s Dl_info result.
type SymbolInfo struct {
	ImagePath  string
	ImageBase  uint64
	SymbolName string
	SymbolAddr uint64
}

// Dladdr implements dladdr(3): identifies the loaded image and nearest
// exported symbol at or before addr.
func (d *Dyld) Dladdr(addr uintptr) (SymbolInfo, bool) {
	img, name, symAddr, ok := d.orch.FindNearestSymbol(uint64(addr))
	if !ok {
		return SymbolInfo{}, false
	}
	return SymbolInfo{
		ImagePath:  img.Path(),
		ImageBase:  img.LoadAddress(),
		SymbolName: name,
		SymbolAddr: symAddr,
	}, true
}

// ImageCount implements _dyld_image_count.
func (d *Dyld) ImageCount() int { return len(d.orch.State().Loaded()) }

// GetImageName implements _dyld_get_image_name.
func (d *Dyld) GetImageName(index int) (string, bool) {
	images := d.orch.State().Loaded()
	if index < 0 || index >= len(images) {
		return "", false
	}
	return images[index].Path(), true
}

// GetImageHeader implements _dyld_get_image_header: the image's load
// address, doubling as its Mach-O header address since this module
// maps a segment's file offset 0 (the header) to VMOffset 0.
func (d *Dyld) GetImageHeader(index int) (uint64, bool) {
	images := d.orch.State().Loaded()
	if index < 0 || index >= len(images) {
		return 0, false
	}
	return images[index].LoadAddress(), true
}

// GetImageVMAddrSlide implements _dyld_get_image_vmaddr_slide: the
// difference between the mapped load address and the image's
// link-time preferred address. This module always maps at the
// preferred address recorded by the first region's VMOffset base, so
// the slide is reported as 0 until ASLR-style relocation of the base
// address itself is modeled.
func (d *Dyld) GetImageVMAddrSlide(index int) (uint64, bool) {
	images := d.orch.State().Loaded()
	if index < 0 || index >= len(images) {
		return 0, false
	}
	return 0, true
}

// RegisterAddImageCallback implements _dyld_register_func_for_add_image:
// fn runs once per already-loaded image immediately (matching real
// dyld's "catch-up" semantics for a late registration) and once more
// for every image loaded afterward.
func (d *Dyld) RegisterAddImageCallback(fn func(loader.Loader)) {
	for _, img := range d.orch.State().Loaded() {
		fn(img)
	}
	d.orch.State().AddNotifier(fn)
}

// RegisterRemoveImageCallback implements
// _dyld_register_func_for_remove_image.
func (d *Dyld) RegisterRemoveImageCallback(fn func(loader.Loader)) {
	d.orch.State().AddRemoveNotifier(fn)
}

// TLVAtExit implements _tlv_atexit.
func (d *Dyld) TLVAtExit(threadID uint64, fn func(arg interface{}), arg interface{}, dso uintptr) {
	d.orch.State().TLV().TLVAtExit(threadID, fn, arg, dso)
}

// TLVBootstrap implements the lazy-instantiation half of a compiler-
// generated TLV accessor thunk: return threadID's copy of the
// template at key, instantiating it from template on first access.
func (d *Dyld) TLVBootstrap(threadID uint64, key tlv.Key, template []byte) []byte {
	return d.orch.State().TLV().GetOrCreate(threadID, key, template)
}

// TLVExit implements the per-thread-exit half of the TLV contract:
// runs threadID's registered _tlv_atexit destructors in reverse order
// and frees its instantiated blocks.
func (d *Dyld) TLVExit(threadID uint64) {
	d.orch.State().TLV().ExitThread(threadID)
}

// AtforkPrepare implements _dyld_atfork_prepare: a caller wraps its own
// fork() with AtforkPrepare before and AtforkParent/ForkChild after,
// the way libSystem's pthread_atfork registration wraps dyld's.
func (d *Dyld) AtforkPrepare() {
	d.orch.State().ForkPrepare()
}

// AtforkParent implements _dyld_atfork_parent, run in the parent
// immediately after fork() returns there.
func (d *Dyld) AtforkParent() {
	d.orch.State().ForkParent()
}

// ForkChild implements _dyld_fork_child, run in the child immediately
// after fork() returns there, before any other loader call.
func (d *Dyld) ForkChild() {
	d.orch.State().ForkChild()
}
