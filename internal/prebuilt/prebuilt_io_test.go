package prebuilt

import (
	"testing"
	"time"

	"github.com/appsworld/godyld/internal/loaderref"
	"github.com/appsworld/godyld/internal/syscallshim"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	original := &Set{
		VersionHash:   0xdeadbeef,
		MustBeMissing: []string{"/usr/lib/libInserted.dylib"},
		Records: []Record{
			{
				Path:       "/usr/lib/libFoo.dylib",
				Dependents: []loaderref.Ref{{Index: 1}},
				FileValidation: loaderref.FileValidationInfo{
					Inode: 42, Mtime: 1700000000, CheckInodeMtime: true,
				},
			},
			{Path: "/usr/lib/libBar.dylib"},
		},
	}

	blob := Save(original)
	decoded, err := Load(blob)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if decoded.VersionHash != original.VersionHash {
		t.Fatalf("VersionHash = %x, want %x", decoded.VersionHash, original.VersionHash)
	}
	if len(decoded.Records) != 2 || decoded.Records[0].Path != "/usr/lib/libFoo.dylib" {
		t.Fatalf("Records = %+v", decoded.Records)
	}
	if len(decoded.Records[0].Dependents) != 1 || decoded.Records[0].Dependents[0].Index != 1 {
		t.Fatalf("Dependents = %+v", decoded.Records[0].Dependents)
	}
	if decoded.Records[0].FileValidation.Inode != 42 {
		t.Fatalf("Inode = %d, want 42", decoded.Records[0].FileValidation.Inode)
	}
	if len(decoded.MustBeMissing) != 1 || decoded.MustBeMissing[0] != "/usr/lib/libInserted.dylib" {
		t.Fatalf("MustBeMissing = %v", decoded.MustBeMissing)
	}
}

func TestLoadRejectsBadMagic(t *testing.T) {
	if _, err := Load([]byte("not a closure file at all")); err == nil {
		t.Fatal("expected an error decoding a non-closure blob")
	}
}

func TestReadFileRoundTrip(t *testing.T) {
	shim := syscallshim.NewFake()
	blob := Save(&Set{Records: []Record{{Path: "/usr/lib/libFoo.dylib"}}})
	shim.PutFile("/var/db/dyld/closure.bin", blob, 1, time.Unix(1700000000, 0))

	set, err := ReadFile(shim, "/var/db/dyld/closure.bin")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(set.Records) != 1 || set.Records[0].Path != "/usr/lib/libFoo.dylib" {
		t.Fatalf("Records = %+v", set.Records)
	}
}

func TestBootTokenMatches(t *testing.T) {
	shim := syscallshim.NewFake()
	shim.PutFile("/usr/bin/app", []byte("binary"), 1, time.Unix(1700000000, 0))
	if err := shim.SetFileAttribute("/usr/bin/app", BootTokenXattr, []byte("token-v1")); err != nil {
		t.Fatal(err)
	}
	if !BootTokenMatches(shim, "/usr/bin/app", []byte("token-v1")) {
		t.Fatal("expected matching boot token")
	}
	if BootTokenMatches(shim, "/usr/bin/app", []byte("token-v2")) {
		t.Fatal("expected mismatched boot token to fail")
	}
}
