// Package dylderr defines the error taxonomy for the loader runtime.
//
// Every error type here carries enough structured fields to build the
// human-readable diagnostic without re-deriving context the caller
// already had, and the Wrap/Wrapf helpers wrap with github.com/pkg/errors
// so a stack trace survives across the loader/runtime/resolver
// boundary crossings.
package dylderr

import (
	"fmt"

	"github.com/pkg/errors"
)

// FileNotFound is reported when a candidate load path does not exist.
type FileNotFound struct{ Path string }

func (e *FileNotFound) Error() string { return fmt.Sprintf("no such file: %s", e.Path) }

// NotAFile is reported when a candidate path resolves to something
// other than a regular file (directory, device, ...).
type NotAFile struct{ Path string }

func (e *NotAFile) Error() string { return fmt.Sprintf("not a file: %s", e.Path) }

// PermissionDenied is reported when a filesystem probe is rejected by
// the OS.
type PermissionDenied struct{ Path string }

func (e *PermissionDenied) Error() string { return fmt.Sprintf("permission denied: %s", e.Path) }

// MachOMalformed wraps a parse or consistency failure surfaced by the
// underlying Mach-O parsing library.
type MachOMalformed struct {
	Path   string
	Reason string
}

func (e *MachOMalformed) Error() string {
	return fmt.Sprintf("malformed Mach-O %s: %s", e.Path, e.Reason)
}

// CodeSignatureInvalid is reported when the kernel rejects a code
// signature attach (F_ADDFILESIGS_RETURN / F_CHECK_LV).
type CodeSignatureInvalid struct {
	Path         string
	KernelReason string
	UUID         string
}

func (e *CodeSignatureInvalid) Error() string {
	return fmt.Sprintf("code signature invalid for %s (uuid %s): %s", e.Path, e.UUID, e.KernelReason)
}

// ArchitectureUnsupported is reported when no fat slice matches the
// running process's architecture grade.
type ArchitectureUnsupported struct {
	Path           string
	Needed, Found  string
}

func (e *ArchitectureUnsupported) Error() string {
	return fmt.Sprintf("%s: needed architecture %s, found %s", e.Path, e.Needed, e.Found)
}

// PlatformMismatch is reported when an image's LC_BUILD_VERSION /
// LC_VERSION_MIN platform disagrees with the process's platform. It
// is downgraded to a warning unless building with bitcode, which this
// module never does, so callers should always treat it as soft.
type PlatformMismatch struct {
	Path          string
	Needed, Found string
}

func (e *PlatformMismatch) Error() string {
	return fmt.Sprintf("%s: platform mismatch, needed %s found %s", e.Path, e.Needed, e.Found)
}

// SymbolMissing is reported when a hard (non-weak, non-lazy) bind
// cannot be resolved anywhere in the search order.
type SymbolMissing struct {
	Name           string
	ExpectedIn     string
	ReferencedFrom string
}

func (e *SymbolMissing) Error() string {
	return fmt.Sprintf("symbol %q not found, expected in %s, referenced from %s",
		e.Name, e.ExpectedIn, e.ReferencedFrom)
}

// DylibMissing is reported when a dependent image cannot be located
// by PathResolver/get_loader.
type DylibMissing struct {
	Path           string
	ReferencedFrom string
}

func (e *DylibMissing) Error() string {
	return fmt.Sprintf("dylib %q not found, referenced from %s", e.Path, e.ReferencedFrom)
}

// SecurityPolicy is reported when an @-path or environment-variable
// path is refused by the process's security posture.
type SecurityPolicy struct{ Reason string }

func (e *SecurityPolicy) Error() string { return "security policy: " + e.Reason }

// PrebuiltLoaderInvalid is an internal signal used to demote a
// PrebuiltLoaderSet; it never escapes to a launch failure.
type PrebuiltLoaderInvalid struct{ Reason string }

func (e *PrebuiltLoaderInvalid) Error() string { return "prebuilt loader invalid: " + e.Reason }

// Wrap annotates err with msg using github.com/pkg/errors, preserving
// any existing stack trace rather than starting a fresh one.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Wrapf is the formatted form of Wrap.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return errors.Wrapf(err, format, args...)
}

// IsSoft reports whether err is one of the categories spec §7 requires
// to be cleared before returning to the caller: weak-import misses,
// canBeMissing requests, and RTLD_NOLOAD misses are modeled by the
// caller directly (they never construct an error at all); IsSoft here
// covers the one error-shaped soft case, PlatformMismatch.
func IsSoft(err error) bool {
	var pm *PlatformMismatch
	return errors.As(err, &pm)
}
