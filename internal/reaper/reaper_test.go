package reaper

import (
	"testing"

	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/loaderref"
	"github.com/appsworld/godyld/internal/runtime"
)

func testLoader(t *testing.T, path string) *loader.JustInTimeLoader {
	t.Helper()
	ref, err := loaderref.NewRef(0, false)
	if err != nil {
		t.Fatal(err)
	}
	return loader.New(ref, path, 0, nil)
}

func noopLookup(loader.Loader, string) (uint64, bool, bool) { return 0, false, false }

func TestCollectKeepsMainExecutableAndStaticDependents(t *testing.T) {
	state := runtime.New(noopLookup)
	dep := testLoader(t, "/usr/lib/libDep.dylib")
	main := testLoader(t, "/bin/app")
	main.SetDependents([]loader.Dependent{{Image: dep}})
	state.AddLoaded(main)
	state.AddLoaded(dep)

	r := New(state, nil, Hooks{})
	collected := r.Collect()
	if len(collected) != 0 {
		t.Fatalf("expected nothing collected, got %v", collected)
	}
}

func TestCollectSweepsUnreachableDlopenedImage(t *testing.T) {
	state := runtime.New(noopLookup)
	main := testLoader(t, "/bin/app")
	orphan := testLoader(t, "/usr/lib/libOrphan.dylib")
	state.AddLoaded(main)
	state.AddLoaded(orphan)

	var finalized, unmapped bool
	hooks := Hooks{
		Finalize: func(img loader.Loader) error { finalized = true; return nil },
		Unmap:    func(img loader.Loader) error { unmapped = true; return nil },
	}
	r := New(state, nil, hooks)
	collected := r.Collect()
	if len(collected) != 1 || collected[0] != loader.Loader(orphan) {
		t.Fatalf("collected = %v", collected)
	}
	if !finalized || !unmapped {
		t.Fatal("expected both Finalize and Unmap hooks to run")
	}
	if s := state.Loaded(); len(s) != 1 || s[0] != loader.Loader(main) {
		t.Fatalf("Loaded() after sweep = %v", s)
	}
}

func TestCollectRespectsDlopenRefCount(t *testing.T) {
	state := runtime.New(noopLookup)
	main := testLoader(t, "/bin/app")
	kept := testLoader(t, "/usr/lib/libKept.dylib")
	state.AddLoaded(main)
	state.AddLoaded(kept)
	state.RetainDlopen(kept)

	r := New(state, nil, Hooks{})
	collected := r.Collect()
	if len(collected) != 0 {
		t.Fatalf("expected the dlopen'd image with a nonzero refcount to survive, got %v", collected)
	}
}

func TestCollectRespectsNeverUnload(t *testing.T) {
	state := runtime.New(noopLookup)
	main := testLoader(t, "/bin/app")
	permanent := testLoader(t, "/usr/lib/libPermanent.dylib")
	permanent.SetNeverUnload(true)
	state.AddLoaded(main)
	state.AddLoaded(permanent)

	r := New(state, nil, Hooks{})
	collected := r.Collect()
	if len(collected) != 0 {
		t.Fatalf("expected NeverUnload image to survive, got %v", collected)
	}
}

func TestCollectFollowsDynamicReferenceTransitively(t *testing.T) {
	state := runtime.New(noopLookup)
	main := testLoader(t, "/bin/app")
	opener := testLoader(t, "/usr/lib/libOpener.dylib")
	opened := testLoader(t, "/usr/lib/libOpened.dylib")
	main.SetDependents([]loader.Dependent{{Image: opener}})
	state.AddLoaded(main)
	state.AddLoaded(opener)
	state.AddLoaded(opened)
	state.AddDynamicReference(opener, opened)

	r := New(state, nil, Hooks{})
	collected := r.Collect()
	if len(collected) != 0 {
		t.Fatalf("expected dynamically-referenced image kept alive by a reachable opener, got %v", collected)
	}
}

func TestCollectIsReentrancySafe(t *testing.T) {
	state := runtime.New(noopLookup)
	main := testLoader(t, "/bin/app")
	state.AddLoaded(main)

	r := New(state, nil, Hooks{})
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()

	if got := r.Collect(); got != nil {
		t.Fatalf("expected nil from a reentrant Collect call, got %v", got)
	}
}
