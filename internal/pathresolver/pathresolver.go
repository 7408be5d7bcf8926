// Package pathresolver implements PathResolver (spec.md §4.2):
// expansion of @loader_path/@executable_path/@rpath tokens against an
// rpath stack and the process's path-override policy, invoking a
// callback for every fully-substituted candidate path.
//
// The teacher's block-style iteration ("^void(bool& stop)") becomes an
// explicit ControlFlow return value per spec.md §9's design note,
// rather than an out-parameter.
package pathresolver

import (
	"fmt"
	"strings"

	"github.com/appsworld/godyld/internal/procconfig"
)

// ControlFlow is returned by a candidate callback to halt or continue
// iteration.
type ControlFlow int

const (
	Continue ControlFlow = iota
	Stop
)

// VariantKind classifies why a candidate path was produced.
type VariantKind int

const (
	VariantLiteral VariantKind = iota
	VariantLoaderPath
	VariantExecutablePath
	VariantRPath
	VariantLibraryPathOverride
	VariantFrameworkPathOverride
	VariantFallbackPath
	VariantCatalystIOSSupport
)

func (k VariantKind) String() string {
	switch k {
	case VariantLoaderPath:
		return "@loader_path"
	case VariantExecutablePath:
		return "@executable_path"
	case VariantRPath:
		return "@rpath"
	case VariantLibraryPathOverride:
		return "DYLD_LIBRARY_PATH"
	case VariantFrameworkPathOverride:
		return "DYLD_FRAMEWORK_PATH"
	case VariantFallbackPath:
		return "DYLD_FALLBACK_*_PATH"
	case VariantCatalystIOSSupport:
		return "/System/iOSSupport"
	default:
		return "literal"
	}
}

// RPathEntry is one LC_RPATH command recorded while recursively
// loading dependents; OwnerLoaderDir is the directory containing the
// image that declared it, needed to expand @loader_path inside the
// rpath itself.
type RPathEntry struct {
	Path           string
	OwnerLoaderDir string
	// FromMainExecutable marks an LC_RPATH belonging to the main
	// executable, the one case @loader_path substitution is allowed to
	// reject regardless of AllowAtPaths (spec.md §4.2 step 2).
	FromMainExecutable bool
}

// Options controls which substitution sources a single Resolve call
// considers; RawPath is the load command string to expand and
// CurrentLoaderDir is the directory of the image that references it
// (the @loader_path substitution target for this specific reference).
type Options struct {
	RawPath          string
	CurrentLoaderDir string
	RPathStack       []RPathEntry
	FromMainExeRPath bool // true when resolving an LC_RPATH owned by the main executable
}

// Resolver expands load paths against a ProcessConfig's security
// policy and path-override rules.
type Resolver struct {
	cfg *procconfig.ProcessConfig
	// errs accumulates one diagnostic line per rejected/failed
	// candidate, joined by the caller on total failure (spec.md §4.2,
	// §4.3, §7 "errors accumulate into a single buffer separated by
	// commas").
	errs []string
}

// New constructs a Resolver bound to cfg.
func New(cfg *procconfig.ProcessConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// Errors returns the accumulated diagnostic lines since the last
// ClearErrors call.
func (r *Resolver) Errors() []string { return r.errs }

// ClearErrors implements spec.md §7's "soft failures ... are cleared
// before return" for weak/canBeMissing callers.
func (r *Resolver) ClearErrors() { r.errs = nil }

func (r *Resolver) fail(format string, args ...interface{}) {
	r.errs = append(r.errs, fmt.Sprintf(format, args...))
}

// Resolve expands opts.RawPath into zero or more candidate paths,
// invoking callback for each. It returns true if some callback
// returned Stop (the conventional "accepted" signal), matching
// spec.md §4.2's "reports whether any callback accepted a path".
func (r *Resolver) Resolve(opts Options, callback func(candidate string, kind VariantKind) ControlFlow) bool {
	switch {
	case strings.HasPrefix(opts.RawPath, "@loader_path"):
		return r.resolveLoaderPath(opts, callback)
	case strings.HasPrefix(opts.RawPath, "@executable_path"):
		return r.resolveExecutablePath(opts, callback)
	case strings.HasPrefix(opts.RawPath, "@rpath"):
		return r.resolveRPath(opts, callback)
	default:
		return r.resolveLiteralWithOverrides(opts, callback)
	}
}

func (r *Resolver) resolveLoaderPath(opts Options, callback func(string, VariantKind) ControlFlow) bool {
	if !r.cfg.Security.AllowAtPaths {
		r.fail("@loader_path substitution refused by security policy for %q", opts.RawPath)
		return false
	}
	if opts.FromMainExeRPath {
		r.fail("@loader_path in LC_RPATH of main executable is refused")
		return false
	}
	tail := strings.TrimPrefix(opts.RawPath, "@loader_path")
	candidate := opts.CurrentLoaderDir + tail
	return callback(candidate, VariantLoaderPath) == Stop
}

func (r *Resolver) resolveExecutablePath(opts Options, callback func(string, VariantKind) ControlFlow) bool {
	if !r.cfg.Security.AllowAtPaths {
		r.fail("@executable_path substitution refused by security policy for %q", opts.RawPath)
		return false
	}
	tail := strings.TrimPrefix(opts.RawPath, "@executable_path")
	candidate := r.cfg.MainExecutableDir() + tail
	return callback(candidate, VariantExecutablePath) == Stop
}

func (r *Resolver) resolveRPath(opts Options, callback func(string, VariantKind) ControlFlow) bool {
	if !r.cfg.Security.AllowAtPaths {
		r.fail("@rpath substitution refused by security policy for %q", opts.RawPath)
		return false
	}
	tail := strings.TrimPrefix(opts.RawPath, "@rpath")
	for _, entry := range opts.RPathStack {
		expanded, ok := r.expandRPathEntry(entry)
		if !ok {
			continue
		}
		candidate := expanded + tail
		if callback(candidate, VariantRPath) == Stop {
			return true
		}
		if r.cfg.Platform == procconfig.PlatformMacCatalyst && strings.HasPrefix(entry.Path, "/") {
			twin := "/System/iOSSupport" + expanded + tail
			if callback(twin, VariantCatalystIOSSupport) == Stop {
				return true
			}
		}
	}
	return false
}

// expandRPathEntry recursively resolves an LC_RPATH string that may
// itself begin with @loader_path/@executable_path (spec.md §4.2 step
// 2: "for each LC_RPATH entry recursively expand it").
func (r *Resolver) expandRPathEntry(entry RPathEntry) (string, bool) {
	switch {
	case strings.HasPrefix(entry.Path, "@loader_path"):
		if !r.cfg.Security.AllowAtPaths || entry.FromMainExecutable {
			return "", false
		}
		return entry.OwnerLoaderDir + strings.TrimPrefix(entry.Path, "@loader_path"), true
	case strings.HasPrefix(entry.Path, "@executable_path"):
		if !r.cfg.Security.AllowAtPaths {
			return "", false
		}
		return r.cfg.MainExecutableDir() + strings.TrimPrefix(entry.Path, "@executable_path"), true
	case strings.HasPrefix(entry.Path, "@rpath"):
		// A rpath pointing at @rpath/... would recurse into the whole
		// stack again; real dyld does not support this and neither do we.
		return "", false
	default:
		return entry.Path, true
	}
}

// resolveLiteralWithOverrides handles a path with no @-token: first
// the DYLD_LIBRARY_PATH/DYLD_FRAMEWORK_PATH override variants (when
// permitted), then the literal path itself, then the
// DYLD_FALLBACK_LIBRARY_PATH directories as a last resort;
// DYLD_FALLBACK_FRAMEWORK_PATH is not consulted.
func (r *Resolver) resolveLiteralWithOverrides(opts Options, callback func(string, VariantKind) ControlFlow) bool {
	leaf := leafName(opts.RawPath)

	if r.cfg.Security.AllowEnvVarsPath {
		kind := VariantLibraryPathOverride
		varName := "DYLD_LIBRARY_PATH"
		if isFrameworkPath(opts.RawPath) {
			kind = VariantFrameworkPathOverride
			varName = "DYLD_FRAMEWORK_PATH"
		}
		for _, dir := range r.cfg.Override(varName) {
			candidate := dir + "/" + leaf
			if callback(candidate, kind) == Stop {
				return true
			}
		}
	}

	if callback(opts.RawPath, VariantLiteral) == Stop {
		return true
	}

	if r.cfg.Security.AllowFallbackPaths {
		for _, dir := range r.cfg.Override("DYLD_FALLBACK_LIBRARY_PATH") {
			candidate := dir + "/" + leaf
			if callback(candidate, VariantFallbackPath) == Stop {
				return true
			}
		}
	}

	return false
}

func leafName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

func isFrameworkPath(path string) bool {
	return strings.Contains(path, ".framework/")
}
