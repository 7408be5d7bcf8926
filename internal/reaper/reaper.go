// Package reaper implements the mark-and-sweep garbage collector
// spec.md §4.10 runs on dlclose: an image survives only if it is
// reachable from a root (the main executable, any image with a
// nonzero dlopen refcount, or any NeverUnload image) by static
// dependency edges or by the dynamic reference graph dlopen builds up,
// and every unreachable image is finalized, notified, and unmapped in
// reverse load order.
package reaper

import (
	"sync"

	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/notify"
	"github.com/appsworld/godyld/internal/runtime"
)

// Hooks are the side effects a collection pass drives once it decides
// an image is unreachable; both are injected so this package never
// calls into syscallshim or a C++-style finalizer runner directly.
type Hooks struct {
	// Finalize runs __cxa_finalize_ranges and any static terminators
	// for img, in whatever order the caller's C++ runtime glue requires.
	Finalize func(img loader.Loader) error
	// Unmap releases img's mapped segments.
	Unmap func(img loader.Loader) error
}

// Reaper drives one RuntimeState's collection passes.
type Reaper struct {
	state    *runtime.State
	notifier *notify.Dispatcher
	hooks    Hooks

	mu      sync.Mutex
	running bool
	rerun   bool
}

// New constructs a Reaper. notifier may be nil when the caller does
// not need unload notifications (e.g. process teardown, where nothing
// is left to observe them).
func New(state *runtime.State, notifier *notify.Dispatcher, hooks Hooks) *Reaper {
	return &Reaper{state: state, notifier: notifier, hooks: hooks}
}

// Collect runs one mark-and-sweep pass and returns every image it
// unloaded. It is reentrancy-safe: a dlclose that triggers finalizers
// which themselves call dlclose will find Collect already running,
// record the request and return nil immediately rather than recursing;
// the in-progress pass then runs one more mark-and-sweep iteration
// before returning, so every image that iteration unloads is included
// in the outer call's result.
func (r *Reaper) Collect() []loader.Loader {
	r.mu.Lock()
	if r.running {
		r.rerun = true
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	var collected []loader.Loader
	for {
		loaded := r.state.Loaded()
		marked := r.mark(loaded)

		var pass []loader.Loader
		for _, img := range loaded {
			if !marked[img] {
				pass = append(pass, img)
			}
		}
		r.sweep(pass)
		collected = append(collected, pass...)

		r.mu.Lock()
		again := r.rerun
		r.rerun = false
		r.mu.Unlock()
		if !again {
			return collected
		}
	}
}

// mark performs the reachability pass: every root is marked, then
// static dependency edges are followed transitively, then the dynamic
// reference graph is folded in to a fixed point (a dynamically-opened
// image stays alive only as long as whatever opened it is itself
// still reachable).
func (r *Reaper) mark(loaded []loader.Loader) map[loader.Loader]bool {
	marked := make(map[loader.Loader]bool, len(loaded))

	var markStatic func(img loader.Loader)
	markStatic = func(img loader.Loader) {
		if img == nil || marked[img] {
			return
		}
		marked[img] = true
		for i := 0; i < img.DependentCount(); i++ {
			markStatic(img.Dependent(i).Image)
		}
	}

	if len(loaded) > 0 {
		markStatic(loaded[0]) // the main executable is always a root
	}
	for _, img := range loaded {
		if img.Header().NeverUnload || r.state.DlopenRefCount(img) > 0 {
			markStatic(img)
		}
	}

	for changed := true; changed; {
		changed = false
		for _, ref := range r.state.DynamicReferences() {
			if marked[ref.From] && !marked[ref.To] {
				markStatic(ref.To)
				changed = true
			}
		}
	}
	return marked
}

// sweep finalizes, notifies, and unmaps every unreachable image, in
// reverse load order so an image's destructors always run before the
// images it depends on are torn down.
func (r *Reaper) sweep(collected []loader.Loader) {
	for i := len(collected) - 1; i >= 0; i-- {
		img := collected[i]
		if r.hooks.Finalize != nil {
			_ = r.hooks.Finalize(img)
		}
		if r.notifier != nil {
			r.notifier.NotifyRemoved(r.state, img)
		}
		if r.hooks.Unmap != nil {
			_ = r.hooks.Unmap(img)
		}
		r.state.RemoveLoaded(img)
		r.state.RemoveDynamicReferencesFrom(img)
	}
}
