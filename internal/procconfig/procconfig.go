// Package procconfig models ProcessConfig (spec.md §3/§4): a
// read-only record built once at launch and consulted, never
// mutated, for the remaining lifetime of the process.
package procconfig

// Platform enumerates the small set of OS platforms a Mach-O LC_BUILD_VERSION
// or LC_VERSION_MIN command can name.
type Platform uint32

const (
	PlatformUnknown Platform = iota
	PlatformMacOS
	PlatformIOS
	PlatformTvOS
	PlatformWatchOS
	PlatformIOSSimulator
	PlatformMacCatalyst
)

func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macos"
	case PlatformIOS:
		return "ios"
	case PlatformTvOS:
		return "tvos"
	case PlatformWatchOS:
		return "watchos"
	case PlatformIOSSimulator:
		return "ios-simulator"
	case PlatformMacCatalyst:
		return "maccatalyst"
	default:
		return "unknown"
	}
}

// SecurityFlags gates the @-path and environment-variable-driven
// behaviors spec.md §4.2/§4.7 call out explicitly.
type SecurityFlags struct {
	AllowAtPaths        bool // @loader_path / @executable_path / @rpath
	AllowEnvVarsPath    bool // DYLD_LIBRARY_PATH / DYLD_FRAMEWORK_PATH etc.
	AllowFallbackPaths  bool // DYLD_FALLBACK_*_PATH
	AllowInsertFailures bool // tolerate a DYLD_INSERT_LIBRARIES entry that fails to load
	AllowInterposing    bool // honor __interpose sections at all
}

// PathOverrideRule is one DYLD_*_PATH-style override: a variable name
// and the ordered list of directories it contributes.
type PathOverrideRule struct {
	Variable string
	Dirs     []string
}

// SharedCache records the process's view of the dyld shared cache, if
// mapped.
type SharedCache struct {
	Present bool
	Address uintptr
	Slide   int64
	UUID    [16]byte
	// IsCustomerCache is true for the read-only-shipped production
	// cache, where PathResolver/get_loader should avoid stat() calls
	// for non-overridable cached paths (spec.md §4.3).
	IsCustomerCache bool
}

// ProcessConfig is the process-lifetime read-only record every other
// component receives by reference.
type ProcessConfig struct {
	MainExecutablePath string
	MainExecutableAddr uintptr
	Argv               []string
	Envp               []string
	AppleVector        []string // the "apple[]" vector (executable path, ptr_munge, etc.)
	Platform           Platform
	Security           SecurityFlags
	PathOverrides      []PathOverrideRule
	InsertedLibraries  []string // DYLD_INSERT_LIBRARIES, in order
	SharedCache        SharedCache
}

// Override returns the directory list for the named DYLD_* variable,
// or nil if the process does not carry one (either unset, or stripped
// by security policy before ProcessConfig was built).
func (c *ProcessConfig) Override(variable string) []string {
	for _, rule := range c.PathOverrides {
		if rule.Variable == variable {
			return rule.Dirs
		}
	}
	return nil
}

// MainExecutableDir returns the directory component of
// MainExecutablePath, the substitution target for @executable_path.
func (c *ProcessConfig) MainExecutableDir() string {
	return dirname(c.MainExecutablePath)
}

func dirname(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
