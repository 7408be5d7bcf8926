package notify

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

func TestNotifyAddedCallsRegisteredNotifiers(t *testing.T) {
	state := runtime.New(noopLookup)
	var seen []string
	state.AddNotifier(func(img loader.Loader) { seen = append(seen, img.Path()) })

	var refreshedCount int
	d := New(func(infos []runtime.ImageInfo) { refreshedCount = len(infos) })

	img := testLoader(t, "/usr/lib/libFoo.dylib")
	state.AddLoaded(img)
	d.NotifyAdded(state, img)

	if len(seen) != 1 || seen[0] != "/usr/lib/libFoo.dylib" {
		t.Fatalf("seen = %v", seen)
	}
	if refreshedCount != 1 {
		t.Fatalf("refreshedCount = %d, want 1", refreshedCount)
	}
}

func TestNotifyBulkLoadedCoalescesIntoOneDebugRefresh(t *testing.T) {
	state := runtime.New(noopLookup)
	var bulkBatches [][]loader.Loader
	state.AddBulkLoadNotifier(func(images []loader.Loader) { bulkBatches = append(bulkBatches, images) })

	var perImageCalls int
	state.AddNotifier(func(loader.Loader) { perImageCalls++ })

	var refreshCalls int
	d := New(func([]runtime.ImageInfo) { refreshCalls++ })

	a := testLoader(t, "/usr/lib/libA.dylib")
	b := testLoader(t, "/usr/lib/libB.dylib")
	state.AddLoaded(a)
	state.AddLoaded(b)

	d.NotifyBulkLoaded(state, []loader.Loader{a, b})

	if len(bulkBatches) != 1 || len(bulkBatches[0]) != 2 {
		t.Fatalf("bulkBatches = %v", bulkBatches)
	}
	if perImageCalls != 2 {
		t.Fatalf("perImageCalls = %d, want 2", perImageCalls)
	}
	if refreshCalls != 1 {
		t.Fatalf("refreshCalls = %d, want 1 (coalesced)", refreshCalls)
	}
}

func TestNotifyBulkLoadedSkipsEmptyBatch(t *testing.T) {
	state := runtime.New(noopLookup)
	var refreshCalls int
	d := New(func([]runtime.ImageInfo) { refreshCalls++ })
	d.NotifyBulkLoaded(state, nil)
	if refreshCalls != 0 {
		t.Fatal("expected no refresh for an empty batch")
	}
}

func TestNotifyRemoved(t *testing.T) {
	state := runtime.New(noopLookup)
	var removedPath string
	state.AddRemoveNotifier(func(img loader.Loader) { removedPath = img.Path() })
	d := New(nil)

	img := testLoader(t, "/usr/lib/libFoo.dylib")
	d.NotifyRemoved(state, img)
	if removedPath != "/usr/lib/libFoo.dylib" {
		t.Fatalf("removedPath = %q", removedPath)
	}
}
