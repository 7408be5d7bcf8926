package fixup

import (
	"testing"

	"github.com/appsworld/godyld/internal/arena"
	"github.com/appsworld/godyld/internal/loaderref"
)

// newWindow builds a WritableWindow backed by a real finalized Arena
// mapping (page-aligned, mmap'd) rather than a raw Go slice, since
// WritableWindow.Inc/Dec flip real mprotect protection on the region
// and mprotect requires a page-aligned mapped address.
func newWindow(t *testing.T, size int) *arena.WritableWindow {
	t.Helper()
	a := arena.New()
	if _, err := a.ZeroFill(size); err != nil {
		t.Fatalf("ZeroFill: %v", err)
	}
	region, err := a.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return arena.NewWritableWindow(region)
}

// seed writes an initial value into window through the writable-window
// discipline, since window.Region() is mprotect'd read-only outside an
// active Inc/Dec pair.
func seed(t *testing.T, window *arena.WritableWindow, offset int, value uint64) {
	t.Helper()
	if err := window.Inc(); err != nil {
		t.Fatalf("Inc: %v", err)
	}
	defer window.Dec()
	put64(window.Region()[offset:offset+8], value)
}

func TestApplyRebaseOpcodesAddsSlide(t *testing.T) {
	window := newWindow(t, 64)
	seed(t, window, 0, 0x1000) // existing pointer value before slide

	// SET_SEGMENT_AND_OFFSET_ULEB(seg=0, offset=0), DO_REBASE_IMM_TIMES(1), DONE
	opcodes := []byte{
		rebaseOpcodeSetSegmentOffsetULEB | 0x00, 0x00,
		rebaseOpcodeDoRebaseImmTimes | 0x01,
		rebaseOpcodeDone,
	}
	e := New(nil, nil)
	segBase := func(int) (int, error) { return 0, nil }
	if err := e.ApplyRebaseOpcodes(window, opcodes, 0x500000, segBase); err != nil {
		t.Fatal(err)
	}
	got := get64(window.Region())
	if got != 0x501000 {
		t.Fatalf("got %#x, want %#x", got, 0x501000)
	}
}

func TestApplyBindOpcodesWritesResolvedTarget(t *testing.T) {
	window := newWindow(t, 64)
	target, err := loaderref.NewImageRelative(loaderref.Ref{Index: 1}, 0x300)
	if err != nil {
		t.Fatal(err)
	}
	e := New(func(ordinal int) (loaderref.BindTargetRef, error) { return target, nil }, nil)

	opcodes := []byte{
		bindOpcodeSetSegmentAndOffsetULEB | 0x00, 0x00,
		bindOpcodeSetSymbolTrailingFlagsULEB, '_', 'f', 'o', 'o', 0x00,
		bindOpcodeDoBind,
		bindOpcodeDone,
	}
	segBase := func(int) (int, error) { return 0, nil }
	if err := e.ApplyBindOpcodes(window, opcodes, segBase, nil); err != nil {
		t.Fatal(err)
	}
	got := get64(window.Region())
	if got != 0x300 {
		t.Fatalf("got %#x, want %#x", got, 0x300)
	}
}

func TestApplyBindOpcodesInvokesPatchCallback(t *testing.T) {
	window := newWindow(t, 64)
	target := loaderref.NewAbsolute(0x42)
	var patched bool
	e := New(
		func(ordinal int) (loaderref.BindTargetRef, error) { return target, nil },
		func(cacheDylibIndex int32, exportVMOffset, newValue uint64) error {
			patched = true
			if newValue != 0x42 {
				t.Fatalf("patch newValue = %#x, want 0x42", newValue)
			}
			return nil
		},
	)
	opcodes := []byte{
		bindOpcodeSetSegmentAndOffsetULEB | 0x00, 0x00,
		bindOpcodeSetSymbolTrailingFlagsULEB, '_', 'w', 0x00,
		bindOpcodeDoBind,
		bindOpcodeDone,
	}
	segBase := func(int) (int, error) { return 0, nil }
	cachePatch := func(name string) (int32, uint64, bool) { return 5, 0x1000, true }
	if err := e.ApplyBindOpcodes(window, opcodes, segBase, cachePatch); err != nil {
		t.Fatal(err)
	}
	if !patched {
		t.Fatal("expected patch-back callback to run")
	}
}

func TestApplyRelocationsAddsSlide(t *testing.T) {
	window := newWindow(t, 32)
	seed(t, window, 8, 0x2000)
	e := New(nil, nil)
	if err := e.ApplyRelocations(window, []Relocation{{Offset: 8}}, 0x10); err != nil {
		t.Fatal(err)
	}
	if got := get64(window.Region()[8:16]); got != 0x2010 {
		t.Fatalf("got %#x", got)
	}
}

func TestULEB128RoundTrip(t *testing.T) {
	c := &opcodeCursor{data: []byte{0xe5, 0x8e, 0x26}} // 624485
	v, err := c.uleb128()
	if err != nil {
		t.Fatal(err)
	}
	if v != 624485 {
		t.Fatalf("got %d, want 624485", v)
	}
}

func TestSLEB128Negative(t *testing.T) {
	c := &opcodeCursor{data: []byte{0x7f}} // -1
	v, err := c.sleb128()
	if err != nil {
		t.Fatal(err)
	}
	if v != -1 {
		t.Fatalf("got %d, want -1", v)
	}
}
