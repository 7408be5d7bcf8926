package launch

import "testing"

func TestBuildProcessConfigParsesPathOverrides(t *testing.T) {
	cfg := BuildProcessConfig("/usr/bin/tool", nil, []string{
		"DYLD_LIBRARY_PATH=/a:/b",
		"DYLD_INSERT_LIBRARIES=/tmp/inject.dylib",
	}, false)

	if got := cfg.Override("DYLD_LIBRARY_PATH"); len(got) != 2 || got[0] != "/a" || got[1] != "/b" {
		t.Fatalf("DYLD_LIBRARY_PATH override = %v", got)
	}
	if len(cfg.InsertedLibraries) != 1 || cfg.InsertedLibraries[0] != "/tmp/inject.dylib" {
		t.Fatalf("InsertedLibraries = %v", cfg.InsertedLibraries)
	}
	if !cfg.Security.AllowEnvVarsPath {
		t.Fatal("expected env var paths allowed for an unrestricted process")
	}
}

func TestBuildProcessConfigRestrictedIgnoresDyldVars(t *testing.T) {
	cfg := BuildProcessConfig("/usr/bin/tool", nil, []string{
		"DYLD_INSERT_LIBRARIES=/tmp/inject.dylib",
	}, true)

	if len(cfg.InsertedLibraries) != 0 {
		t.Fatalf("expected InsertedLibraries ignored for a restricted process, got %v", cfg.InsertedLibraries)
	}
	if cfg.Security.AllowEnvVarsPath {
		t.Fatal("expected env var paths refused for a restricted process")
	}
}

func TestBuildProcessConfigMainExecutableDir(t *testing.T) {
	cfg := BuildProcessConfig("/usr/local/bin/tool", nil, nil, false)
	if cfg.MainExecutableDir() != "/usr/local/bin" {
		t.Fatalf("MainExecutableDir() = %q", cfg.MainExecutableDir())
	}
}
