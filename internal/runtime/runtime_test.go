package runtime

import (
	"testing"
	"time"

	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/loaderref"
)

func testLoader(t *testing.T, path string) *loader.JustInTimeLoader {
	t.Helper()
	ref, err := loaderref.NewRef(0, false)
	if err != nil {
		t.Fatal(err)
	}
	return loader.New(ref, path, 0x100000, nil)
}

func noopLookup(loader.Loader, string) (uint64, bool, bool) { return 0, false, false }

func TestAddAndFindLoaded(t *testing.T) {
	s := New(noopLookup)
	img := testLoader(t, "/usr/lib/libFoo.dylib")
	idx := s.AddLoaded(img)
	if idx != 0 {
		t.Fatalf("idx = %d, want 0", idx)
	}
	if s.FindLoaded("/usr/lib/libFoo.dylib") != loader.Loader(img) {
		t.Fatal("expected FindLoaded to return the added image")
	}
	if s.FindLoaded("/nope") != nil {
		t.Fatal("expected nil for an unloaded path")
	}
}

func TestRemoveLoaded(t *testing.T) {
	s := New(noopLookup)
	a := testLoader(t, "/usr/lib/libA.dylib")
	b := testLoader(t, "/usr/lib/libB.dylib")
	s.AddLoaded(a)
	s.AddLoaded(b)
	s.RemoveLoaded(a)
	loaded := s.Loaded()
	if len(loaded) != 1 || loaded[0] != loader.Loader(b) {
		t.Fatalf("Loaded() = %v", loaded)
	}
}

func TestDlopenRefCounting(t *testing.T) {
	s := New(noopLookup)
	img := testLoader(t, "/usr/lib/libFoo.dylib")
	if got := s.RetainDlopen(img); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	if got := s.RetainDlopen(img); got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
	if got := s.ReleaseDlopen(img); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	s.ReleaseDlopen(img)
	if got := s.ReleaseDlopen(img); got != 0 {
		t.Fatalf("got %d, want 0 (must not go negative)", got)
	}
}

func TestIsMemoryImmutable(t *testing.T) {
	s := New(noopLookup)
	s.AddPermanentRange(0x1000, 0x2000)
	if !s.IsMemoryImmutable(0x1500, 0x10) {
		t.Fatal("expected range fully inside a permanent range to be immutable")
	}
	if s.IsMemoryImmutable(0x1ff0, 0x20) {
		t.Fatal("expected range crossing a permanent range's end to not be immutable")
	}
	if s.IsMemoryImmutable(0x5000, 0x10) {
		t.Fatal("expected unrelated range to not be immutable")
	}
}

func TestDynamicReferenceLifecycle(t *testing.T) {
	s := New(noopLookup)
	a := testLoader(t, "/usr/lib/libA.dylib")
	b := testLoader(t, "/usr/lib/libB.dylib")
	s.AddDynamicReference(a, b)
	if len(s.DynamicReferences()) != 1 {
		t.Fatal("expected one dynamic reference")
	}
	s.RemoveDynamicReferencesFrom(a)
	if len(s.DynamicReferences()) != 0 {
		t.Fatal("expected dynamic reference to be removed")
	}
}

func TestImageInfosSnapshot(t *testing.T) {
	s := New(noopLookup)
	s.AddLoaded(testLoader(t, "/usr/lib/libFoo.dylib"))
	infos := s.ImageInfos()
	if len(infos) != 1 || infos[0].Path != "/usr/lib/libFoo.dylib" {
		t.Fatalf("ImageInfos() = %+v", infos)
	}
}

func TestNotifierRegistration(t *testing.T) {
	s := New(noopLookup)
	var called bool
	s.AddNotifier(func(loader.Loader) { called = true })
	notifiers := s.AddNotifiers()
	if len(notifiers) != 1 {
		t.Fatal("expected one registered add-notifier")
	}
	notifiers[0](nil)
	if !called {
		t.Fatal("expected the notifier closure to be callable")
	}
}

func TestForkPrepareParentRoundTrip(t *testing.T) {
	s := New(noopLookup)
	s.ForkPrepare()
	s.ForkParent()

	// Every lock ForkPrepare took was released by ForkParent, so a
	// normal operation that takes the same locks must not block.
	done := make(chan struct{})
	go func() {
		s.AddLoaded(testLoader(t, "/usr/lib/libFoo.dylib"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AddLoaded blocked after ForkPrepare/ForkParent, a lock was left held")
	}
}

func TestForkChildResetsHeldLocks(t *testing.T) {
	s := New(noopLookup)
	s.ForkPrepare()
	// Simulate the child: the thread that would run ForkParent no
	// longer exists, so every lock ForkPrepare took is still marked
	// held until ForkChild reinitializes it.
	s.ForkChild()

	done := make(chan struct{})
	go func() {
		s.APILock()
		s.APIUnlock()
		s.AddLoaded(testLoader(t, "/usr/lib/libFoo.dylib"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock still held after ForkChild")
	}
}
