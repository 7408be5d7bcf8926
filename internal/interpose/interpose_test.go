package interpose

import (
	"testing"

	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/loaderref"
)

func ref(idx uint16, off int64) loaderref.BindTargetRef {
	bt, err := loaderref.NewImageRelative(loaderref.Ref{Index: idx}, off)
	if err != nil {
		panic(err)
	}
	return bt
}

func TestApplyGlobalInterpose(t *testing.T) {
	table := New()
	table.Add(Tuple{Replacement: ref(1, 0x10), Replacee: ref(2, 0x20)})

	got, found := table.Apply(nil, ref(2, 0x20))
	if !found {
		t.Fatal("expected a match")
	}
	if got != ref(1, 0x10) {
		t.Fatalf("got %+v", got)
	}
}

func TestApplyNoMatchReturnsFalse(t *testing.T) {
	table := New()
	table.Add(Tuple{Replacement: ref(1, 0x10), Replacee: ref(2, 0x20)})

	_, found := table.Apply(nil, ref(3, 0x30))
	if found {
		t.Fatal("expected no match")
	}
}

type fakeLoader struct{ loader.Loader }

func (f *fakeLoader) Path() string { return "/usr/lib/libFake.dylib" }

func TestSpecificInterposeWinsOverGlobal(t *testing.T) {
	target := &fakeLoader{}
	table := New()
	table.Add(Tuple{Replacement: ref(1, 0x10), Replacee: ref(2, 0x20)})                                    // global
	table.Add(Tuple{Replacement: ref(9, 0x90), Replacee: ref(2, 0x20), OnlyAgainst: loader.Loader(target)}) // specific

	got, found := table.Apply(target, ref(2, 0x20))
	if !found {
		t.Fatal("expected a match")
	}
	if got != ref(9, 0x90) {
		t.Fatalf("expected the specific interpose to win, got %+v", got)
	}

	// A different image with the same replacee should still see the
	// global tuple, not the one scoped to target.
	other := &fakeLoader{}
	got2, found2 := table.Apply(other, ref(2, 0x20))
	if !found2 || got2 != ref(1, 0x10) {
		t.Fatalf("expected global tuple for unrelated image, got %+v found=%v", got2, found2)
	}
}

func TestAddSectionDecodesPairs(t *testing.T) {
	table := New()
	raw := []uint64{0x1000, 0x2000, 0x1010, 0x2010}
	addrToRef := func(addr uint64) (loaderref.BindTargetRef, error) {
		return ref(0, int64(addr)), nil
	}
	if err := table.AddSection(&fakeLoader{}, raw, nil, addrToRef); err != nil {
		t.Fatal(err)
	}
	if table.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", table.Count())
	}
}

func TestAddSectionRejectsOddLength(t *testing.T) {
	table := New()
	err := table.AddSection(&fakeLoader{}, []uint64{1, 2, 3}, nil, func(uint64) (loaderref.BindTargetRef, error) {
		return loaderref.BindTargetRef{}, nil
	})
	if err == nil {
		t.Fatal("expected an error for an odd-length __interpose section")
	}
}
