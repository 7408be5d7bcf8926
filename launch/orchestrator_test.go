package launch

import (
	"testing"
	"time"

	"github.com/appsworld/godyld/internal/loader"
	"github.com/appsworld/godyld/internal/procconfig"
	"github.com/appsworld/godyld/internal/syscallshim"
)

func testOrchestrator(t *testing.T) (*Orchestrator, *syscallshim.Fake) {
	t.Helper()
	fake := syscallshim.NewFake()
	cfg := &procconfig.ProcessConfig{
		MainExecutablePath: "/usr/bin/tool",
		Platform:           procconfig.PlatformMacOS,
		Security: procconfig.SecurityFlags{
			AllowAtPaths: true,
		},
	}
	return New(cfg, fake, nil), fake
}

func TestDirname(t *testing.T) {
	cases := map[string]string{
		"/usr/lib/libFoo.dylib": "/usr/lib",
		"/libFoo.dylib":         "",
		"libFoo.dylib":          ".",
	}
	for in, want := range cases {
		if got := dirname(in); got != want {
			t.Errorf("dirname(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestJoinErrs(t *testing.T) {
	if got := joinErrs([]string{"a"}); got != "a" {
		t.Fatalf("joinErrs single = %q", got)
	}
	if got := joinErrs([]string{"a", "b", "c"}); got != "a, b, c" {
		t.Fatalf("joinErrs multi = %q", got)
	}
}

func TestStatPathCachesResult(t *testing.T) {
	o, fake := testOrchestrator(t)
	fake.PutFile("/usr/lib/libFoo.dylib", []byte("data"), 42, time.Time{})

	st, err := o.statPath("/usr/lib/libFoo.dylib")
	if err != nil {
		t.Fatalf("statPath: %v", err)
	}
	if st.Inode != 42 {
		t.Fatalf("Inode = %d, want 42", st.Inode)
	}

	if _, ok := o.statCache["/usr/lib/libFoo.dylib"]; !ok {
		t.Fatal("expected statPath to populate statCache")
	}

	if _, err := o.statPath("/nonexistent"); err == nil {
		t.Fatal("expected an error for a nonexistent path")
	}
	if _, ok := o.statCache["/nonexistent"]; !ok {
		t.Fatal("expected a missing-file result to be cached too")
	}
}

func TestPrefetchDependentStatsWarmsCache(t *testing.T) {
	o, fake := testOrchestrator(t)
	fake.PutDir("/usr/lib")
	fake.PutFile("/usr/lib/libA.dylib", []byte("a"), 1, time.Time{})
	fake.PutFile("/usr/lib/libB.dylib", []byte("b"), 2, time.Time{})

	deps := []dependentSpec{
		{path: "/usr/lib/libA.dylib", kind: loader.DependentNormal},
		{path: "/usr/lib/libB.dylib", kind: loader.DependentNormal},
		{path: "/usr/lib/libMissing.dylib", kind: loader.DependentWeak},
	}
	o.prefetchDependentStats(deps, "/usr/bin", nil)

	for _, path := range []string{"/usr/lib/libA.dylib", "/usr/lib/libB.dylib", "/usr/lib/libMissing.dylib"} {
		if _, ok := o.statCache[path]; !ok {
			t.Errorf("expected %s to be prefetched into statCache", path)
		}
	}

	resolved, err := o.resolveDependentPath("/usr/lib/libA.dylib", "/usr/bin", nil)
	if err != nil {
		t.Fatalf("resolveDependentPath after prefetch: %v", err)
	}
	if resolved != "/usr/lib/libA.dylib" {
		t.Fatalf("resolveDependentPath = %q", resolved)
	}
}

func TestPrefetchDependentStatsEmptyIsNoop(t *testing.T) {
	o, _ := testOrchestrator(t)
	o.prefetchDependentStats(nil, "/usr/bin", nil)
	if len(o.statCache) != 0 {
		t.Fatalf("expected empty statCache, got %v", o.statCache)
	}
}
