// Package interpose implements interposing-tuple handling (spec.md
// §4.7): the __DATA,__interpose section convention that lets an
// inserted dylib substitute its own function for another image's,
// either globally (interposingTuplesAll) or against one specific
// target image (interposingTuplesSpecific), gated by the process's
// security policy exactly like DYLD_INSERT_LIBRARIES itself.
package interpose

import (
	"fmt"

	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/loaderref"
)

// Tuple is one decoded __interpose section entry: replacement and
// replacee are image-relative BindTargetRefs into whichever loaded
// image contains each address, derived by AddSection from the
// section's {replacement, replacee} pointer pair after rebasing.
type Tuple struct {
	Replacement loaderref.BindTargetRef
	Replacee    loaderref.BindTargetRef
	// OnlyAgainst restricts this tuple to patching only that one
	// target image's binds to Replacee; nil means every other image's
	// binds against Replacee are candidates (interposingTuplesAll).
	OnlyAgainst loader.Loader
}

// Table accumulates every interposing tuple declared by every
// currently-loaded interposing dylib, split the way spec.md §4.7
// describes: a flat "applies everywhere" list and a per-target list.
type Table struct {
	all      []Tuple
	specific map[loader.Loader][]Tuple
}

// New returns an empty Table.
func New() *Table {
	return &Table{specific: make(map[loader.Loader][]Tuple)}
}

// Add records tuple, sorting it into the all-images or per-target
// bucket based on OnlyAgainst.
func (t *Table) Add(tuple Tuple) {
	if tuple.OnlyAgainst == nil {
		t.all = append(t.all, tuple)
		return
	}
	t.specific[tuple.OnlyAgainst] = append(t.specific[tuple.OnlyAgainst], tuple)
}

// AddSection decodes a raw __interpose section (an array of
// {replacement, replacee} pointer pairs already rebased to runtime
// addresses) declared by owner, resolving each raw address back to an
// image-relative BindTargetRef via addrToRef.
//
// raw must have an even number of uint64 values; values are taken two
// at a time as (replacement, replacee), matching the on-disk layout.
func (t *Table) AddSection(owner loader.Loader, raw []uint64, onlyAgainst loader.Loader, addrToRef func(addr uint64) (loaderref.BindTargetRef, error)) error {
	if len(raw)%2 != 0 {
		return fmt.Errorf("interpose: %s: __interpose section has odd entry count %d", owner.Path(), len(raw))
	}
	for i := 0; i < len(raw); i += 2 {
		repl, err := addrToRef(raw[i])
		if err != nil {
			return fmt.Errorf("interpose: %s: replacement entry %d: %w", owner.Path(), i/2, err)
		}
		replacee, err := addrToRef(raw[i+1])
		if err != nil {
			return fmt.Errorf("interpose: %s: replacee entry %d: %w", owner.Path(), i/2, err)
		}
		t.Add(Tuple{Replacement: repl, Replacee: replacee, OnlyAgainst: onlyAgainst})
	}
	return nil
}

// Apply returns the replacement BindTargetRef for a bind made by
// boundFromImage against original, if any interposing tuple matches, and
// whether a match was found. Per-target tuples are checked before the
// all-images list so a specific interpose always wins a collision.
func (t *Table) Apply(boundFromImage loader.Loader, original loaderref.BindTargetRef) (loaderref.BindTargetRef, bool) {
	if tuples, ok := t.specific[boundFromImage]; ok {
		if repl, found := firstMatch(tuples, original); found {
			return repl, true
		}
	}
	return firstMatch(t.all, original)
}

func firstMatch(tuples []Tuple, original loaderref.BindTargetRef) (loaderref.BindTargetRef, bool) {
	for _, tup := range tuples {
		if sameTarget(tup.Replacee, original) {
			return tup.Replacement, true
		}
	}
	return loaderref.BindTargetRef{}, false
}

func sameTarget(a, b loaderref.BindTargetRef) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	if a.Kind() == loaderref.BindAbsolute {
		return a.Absolute() == b.Absolute()
	}
	return a.Loader() == b.Loader() && a.Offset() == b.Offset()
}

// Allowed reports whether interposing is permitted at all for this
// process, mirroring the AllowInterposing security flag (spec.md §4.7:
// when the process forbids interposing, registration is a no-op).
func Allowed(allowInterposing bool) bool { return allowInterposing }

// Count returns the total number of tuples recorded, for diagnostics.
func (t *Table) Count() int {
	n := len(t.all)
	for _, v := range t.specific {
		n += len(v)
	}
	return n
}
