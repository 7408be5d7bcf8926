// bootstrap.go builds a procconfig.ProcessConfig from argv/envp, the
// way dyld's own entry point does before anything else runs: read the
// DYLD_* environment, decide the security posture, and hand back a
// value nothing after this point is allowed to mutate.
package launch

import (
	"strings"

	"github.com/appsworld/godyld/internal/procconfig"
)

// insertPathVars lists every DYLD_*_PATH-style variable this module
// recognizes, in the order ProcessConfig.PathOverrides should carry
// them so PathResolver's override loop tries them consistently.
var insertPathVars = []string{
	"DYLD_LIBRARY_PATH",
	"DYLD_FRAMEWORK_PATH",
	"DYLD_FALLBACK_LIBRARY_PATH",
	"DYLD_FALLBACK_FRAMEWORK_PATH",
}

// BuildProcessConfig constructs a ProcessConfig for mainExecutablePath,
// honoring restricted-binary rules: a setuid/setgid or otherwise
// restricted process (restricted reports this) ignores every DYLD_*
// variable, per spec.md §4.2's security posture; @-path substitution
// stays allowed either way.
func BuildProcessConfig(mainExecutablePath string, argv, envp []string, restricted bool) *procconfig.ProcessConfig {
	cfg := &procconfig.ProcessConfig{
		MainExecutablePath: mainExecutablePath,
		Argv:               argv,
		Envp:               envp,
		Platform:           procconfig.PlatformMacOS,
	}

	env := parseEnv(envp)

	cfg.Security = procconfig.SecurityFlags{
		AllowAtPaths:        true,
		AllowEnvVarsPath:    !restricted,
		AllowFallbackPaths:  !restricted,
		AllowInsertFailures: !restricted,
		AllowInterposing:    !restricted,
	}

	if !restricted {
		for _, name := range insertPathVars {
			if v, ok := env[name]; ok && v != "" {
				cfg.PathOverrides = append(cfg.PathOverrides, procconfig.PathOverrideRule{
					Variable: name,
					Dirs:     splitPathList(v),
				})
			}
		}
		if v, ok := env["DYLD_INSERT_LIBRARIES"]; ok && v != "" {
			cfg.InsertedLibraries = splitPathList(v)
		}
	}

	return cfg
}

func parseEnv(envp []string) map[string]string {
	out := make(map[string]string, len(envp))
	for _, kv := range envp {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// splitPathList splits a colon-separated DYLD_* path list, dropping
// empty entries the way dyld's own PathOverride parsing does.
func splitPathList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ":") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
