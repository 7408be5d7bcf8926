// Package notify implements the Notifier of spec.md §4.8's "external
// notification" side effects and SPEC_FULL.md's supplemented bulk-load
// coalescing feature: dispatching add/remove image notifications and
// debugger-visible image-info updates without calling any one
// notifier once per image when a single dlopen pulled in a whole
// dependency tree.
package notify

import (
	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/runtime"
)

// Dispatcher drains RuntimeState's registered notifier lists.
//
// Bulk-load coalescing: a single dlopen() that recursively maps many
// new dependents calls Dispatcher.NotifyBulkLoaded(state, allNewImages)
// exactly once at the end of that load, rather than NotifyAdded once
// per image; registered single-image add-notifiers still see one call
// per image (some consumers only understand the old per-image ABI),
// but registered bulk-load notifiers receive the whole batch in one
// call, which is what makes the coalescing worthwhile for consumers
// that would otherwise do O(n) expensive work per notification.
type Dispatcher struct {
	debugUpdate func(infos []runtime.ImageInfo)
}

// New constructs a Dispatcher. debugUpdate is called after every
// add/remove/bulk-load notification round with the full current
// ImageInfos table, mirroring the real loader's practice of updating
// the external debugger-visible struct once per notification batch
// rather than once per image (SPEC_FULL.md supplement #5).
func New(debugUpdate func(infos []runtime.ImageInfo)) *Dispatcher {
	return &Dispatcher{debugUpdate: debugUpdate}
}

// NotifyAdded runs every registered add-notifier for image, then
// refreshes the debugger-visible table.
func (d *Dispatcher) NotifyAdded(state *runtime.State, image loader.Loader) {
	for _, fn := range state.AddNotifiers() {
		fn(image)
	}
	d.refresh(state)
}

// NotifyRemoved runs every registered remove-notifier for image,
// called just before Reaper actually unmaps it (spec.md §4.10: unload
// notifiers fire during the sweep pass, before the memory is freed).
func (d *Dispatcher) NotifyRemoved(state *runtime.State, image loader.Loader) {
	for _, fn := range state.RemoveNotifiers() {
		fn(image)
	}
	d.refresh(state)
}

// NotifyBulkLoaded runs every registered bulk-load notifier once with
// the full batch of newly mapped images, then every registered
// single-image add-notifier once per image in the batch (so legacy
// single-image consumers still see every image), then refreshes the
// debugger table exactly once regardless of batch size.
func (d *Dispatcher) NotifyBulkLoaded(state *runtime.State, images []loader.Loader) {
	if len(images) == 0 {
		return
	}
	for _, fn := range state.BulkLoadNotifiers() {
		fn(images)
	}
	perImage := state.AddNotifiers()
	for _, img := range images {
		for _, fn := range perImage {
			fn(img)
		}
	}
	d.refresh(state)
}

func (d *Dispatcher) refresh(state *runtime.State) {
	if d.debugUpdate == nil {
		return
	}
	d.debugUpdate(state.ImageInfos())
}
