package resolver

import (
	"testing"

	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/loaderref"
)

type fakeImage struct {
	path    string
	exports map[string]uint64
	weak    map[string]bool
	deps    []loader.Dependent
}

func (f *fakeImage) Header() loader.Header {
	return loader.Header{Magic: loader.LoaderMagic, Kind: loader.KindJustInTime}
}
func (f *fakeImage) Path() string            { return f.path }
func (f *fakeImage) LoadAddress() uint64     { return 0 }
func (f *fakeImage) Size() uint64            { return 0 }
func (f *fakeImage) DependentCount() int     { return len(f.deps) }
func (f *fakeImage) Dependent(i int) loader.Dependent {
	if i < 0 || i >= len(f.deps) {
		return loader.Dependent{}
	}
	return f.deps[i]
}

func lookupFor(images ...*fakeImage) ExportLookup {
	return func(img loader.Loader, name string) (uint64, bool, bool) {
		fi, ok := img.(*fakeImage)
		if !ok {
			return 0, false, false
		}
		off, found := fi.exports[name]
		return off, fi.weak[name], found
	}
}

func TestResolveOrdinaryDependent(t *testing.T) {
	dep := &fakeImage{path: "/usr/lib/libBar.dylib", exports: map[string]uint64{"_bar": 0x100}}
	main := &fakeImage{path: "/bin/app", deps: []loader.Dependent{{Image: dep}}}
	r := New(lookupFor(dep, main))
	r.SetImages([]loader.Loader{main, dep})

	res, err := r.Resolve(Request{Name: "_bar", Ordinal: 1, FromImage: main})
	if err != nil {
		t.Fatal(err)
	}
	if res.Image != loader.Loader(dep) || res.VMOffset != 0x100 {
		t.Fatalf("got %+v", res)
	}
}

func TestResolveWeakMissIsNotAnError(t *testing.T) {
	main := &fakeImage{path: "/bin/app", deps: []loader.Dependent{{Image: nil, Kind: loader.DependentWeak}}}
	r := New(lookupFor(main))
	r.SetImages([]loader.Loader{main})

	res, err := r.Resolve(Request{Name: "_missing", Ordinal: 1, FromImage: main, WeakImport: true})
	if err != nil {
		t.Fatalf("expected no error for weak-import miss, got %v", err)
	}
	if res.Image != nil {
		t.Fatalf("expected zero-value result, got %+v", res)
	}
}

func TestResolveFlatSearchesLoadOrder(t *testing.T) {
	a := &fakeImage{path: "/usr/lib/libA.dylib", exports: map[string]uint64{}}
	b := &fakeImage{path: "/usr/lib/libB.dylib", exports: map[string]uint64{"_thing": 0x42}}
	r := New(lookupFor(a, b))
	r.SetImages([]loader.Loader{a, b})

	res, err := r.Resolve(Request{Name: "_thing", Ordinal: OrdinaryFlatLookup})
	if err != nil {
		t.Fatal(err)
	}
	if res.Image != loader.Loader(b) {
		t.Fatalf("expected libB to answer, got %v", res.Image.(*fakeImage).path)
	}
}

func TestResolveFlatLazyMissIsRecorded(t *testing.T) {
	a := &fakeImage{path: "/usr/lib/libA.dylib"}
	r := New(lookupFor(a))
	r.SetImages([]loader.Loader{a})

	if _, err := r.Resolve(Request{Name: "_ghost", Ordinal: OrdinaryFlatLookup, Lazy: true}); err == nil {
		t.Fatal("expected an error for a genuinely missing flat symbol")
	}
	missing := r.MissingFlatLazySymbols()
	if len(missing) != 1 || missing[0] != "_ghost" {
		t.Fatalf("MissingFlatLazySymbols = %v", missing)
	}
}

func TestResolveWeakCoalescingPicksFirstLoadOrderWinner(t *testing.T) {
	a := &fakeImage{path: "/usr/lib/libA.dylib", exports: map[string]uint64{"_op": 1}, weak: map[string]bool{"_op": true}}
	b := &fakeImage{path: "/usr/lib/libB.dylib", exports: map[string]uint64{"_op": 2}, weak: map[string]bool{"_op": true}}
	r := New(lookupFor(a, b))
	r.SetImages([]loader.Loader{a, b})

	res, err := r.Resolve(Request{Name: "_op", Ordinal: OrdinaryWeakLookup})
	if err != nil {
		t.Fatal(err)
	}
	if res.Image != loader.Loader(a) || !res.CoalescedWeak {
		t.Fatalf("got %+v", res)
	}
}

func TestDlsymRTLDNextSkipsCaller(t *testing.T) {
	caller := &fakeImage{path: "/usr/lib/libCaller.dylib", exports: map[string]uint64{"_f": 9}}
	next := &fakeImage{path: "/usr/lib/libNext.dylib", exports: map[string]uint64{"_f": 10}}
	r := New(lookupFor(caller, next))
	r.SetImages([]loader.Loader{caller, next})

	res, err := r.ResolveDlsym(DlsymRTLDNext, nil, "_f", caller)
	if err != nil {
		t.Fatal(err)
	}
	if res.VMOffset != 10 {
		t.Fatalf("expected RTLD_NEXT to skip caller's own definition, got offset %d", res.VMOffset)
	}
}

func TestAsBindTarget(t *testing.T) {
	dep := &fakeImage{path: "/usr/lib/libBar.dylib"}
	ref := loaderref.Ref{Index: 3}
	bt, err := AsBindTarget(Result{Image: dep, VMOffset: 0x200}, func(loader.Loader) (loaderref.Ref, error) {
		return ref, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if bt.Kind() != loaderref.BindImageRelative || bt.Offset() != 0x200 {
		t.Fatalf("got kind=%v offset=%d", bt.Kind(), bt.Offset())
	}
}
