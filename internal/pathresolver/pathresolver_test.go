package pathresolver

import (
	"testing"

	"github.com/appsworld/godyld/internal/procconfig"
)

func allowAllConfig() *procconfig.ProcessConfig {
	return &procconfig.ProcessConfig{
		MainExecutablePath: "/Applications/App.app/Contents/MacOS/App",
		Security: procconfig.SecurityFlags{
			AllowAtPaths:       true,
			AllowEnvVarsPath:   true,
			AllowFallbackPaths: true,
		},
	}
}

func collect(r *Resolver, opts Options) []string {
	var got []string
	r.Resolve(opts, func(candidate string, kind VariantKind) ControlFlow {
		got = append(got, candidate)
		return Continue
	})
	return got
}

func TestLoaderPathSubstitution(t *testing.T) {
	r := New(allowAllConfig())
	got := collect(r, Options{RawPath: "@loader_path/libFoo.dylib", CurrentLoaderDir: "/usr/lib"})
	if len(got) != 1 || got[0] != "/usr/lib/libFoo.dylib" {
		t.Fatalf("got %v", got)
	}
}

func TestLoaderPathRejectedBySecurityPolicy(t *testing.T) {
	cfg := allowAllConfig()
	cfg.Security.AllowAtPaths = false
	r := New(cfg)
	stopped := r.Resolve(Options{RawPath: "@loader_path/libFoo.dylib", CurrentLoaderDir: "/usr/lib"},
		func(string, VariantKind) ControlFlow { t.Fatal("callback should not run"); return Stop })
	if stopped {
		t.Fatal("expected no candidate accepted")
	}
	if len(r.Errors()) == 0 {
		t.Fatal("expected a diagnostic to be recorded")
	}
}

func TestLoaderPathRejectedFromMainExecutableRPath(t *testing.T) {
	r := New(allowAllConfig())
	stopped := r.Resolve(Options{RawPath: "@loader_path/libFoo.dylib", CurrentLoaderDir: "/usr/lib", FromMainExeRPath: true},
		func(string, VariantKind) ControlFlow { t.Fatal("callback should not run"); return Stop })
	if stopped {
		t.Fatal("expected rejection for @loader_path from main executable's LC_RPATH")
	}
}

func TestExecutablePathSubstitution(t *testing.T) {
	r := New(allowAllConfig())
	got := collect(r, Options{RawPath: "@executable_path/../Frameworks/Foo.framework/Foo"})
	want := "/Applications/App.app/Contents/MacOS/../Frameworks/Foo.framework/Foo"
	if len(got) != 1 || got[0] != want {
		t.Fatalf("got %v, want [%s]", got, want)
	}
}

func TestRPathStackWalk(t *testing.T) {
	r := New(allowAllConfig())
	stack := []RPathEntry{
		{Path: "/usr/local/lib"},
		{Path: "@loader_path/../lib", OwnerLoaderDir: "/opt/app/bin"},
	}
	got := collect(r, Options{RawPath: "@rpath/libBar.dylib", RPathStack: stack})
	want := []string{"/usr/local/lib/libBar.dylib", "/opt/app/bin/../lib/libBar.dylib"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRPathStackStopsOnAccept(t *testing.T) {
	r := New(allowAllConfig())
	stack := []RPathEntry{{Path: "/a"}, {Path: "/b"}}
	var seen []string
	accepted := r.Resolve(Options{RawPath: "@rpath/libBar.dylib", RPathStack: stack},
		func(candidate string, kind VariantKind) ControlFlow {
			seen = append(seen, candidate)
			return Stop
		})
	if !accepted {
		t.Fatal("expected accepted=true")
	}
	if len(seen) != 1 {
		t.Fatalf("expected iteration to stop after first candidate, got %v", seen)
	}
}

func TestCatalystIOSSupportPrepend(t *testing.T) {
	cfg := allowAllConfig()
	cfg.Platform = procconfig.PlatformMacCatalyst
	r := New(cfg)
	stack := []RPathEntry{{Path: "/usr/lib/swift"}}
	got := collect(r, Options{RawPath: "@rpath/libSwiftCore.dylib", RPathStack: stack})
	want := []string{"/usr/lib/swift/libSwiftCore.dylib", "/System/iOSSupport/usr/lib/swift/libSwiftCore.dylib"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLiteralPathWithLibraryPathOverride(t *testing.T) {
	cfg := allowAllConfig()
	cfg.PathOverrides = []procconfig.PathOverrideRule{
		{Variable: "DYLD_LIBRARY_PATH", Dirs: []string{"/debug/lib"}},
	}
	r := New(cfg)
	got := collect(r, Options{RawPath: "/usr/lib/libBar.dylib"})
	want := []string{"/debug/lib/libBar.dylib", "/usr/lib/libBar.dylib"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLiteralPathFallback(t *testing.T) {
	cfg := allowAllConfig()
	cfg.PathOverrides = []procconfig.PathOverrideRule{
		{Variable: "DYLD_FALLBACK_LIBRARY_PATH", Dirs: []string{"/usr/local/lib"}},
	}
	r := New(cfg)
	got := collect(r, Options{RawPath: "libBar.dylib"})
	want := []string{"libBar.dylib", "/usr/local/lib/libBar.dylib"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v, want %v", got, want)
	}
}
