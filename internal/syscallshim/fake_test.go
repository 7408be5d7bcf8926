package syscallshim

import (
	"testing"
	"time"
)

func TestFakeOpenReadClose(t *testing.T) {
	f := NewFake()
	f.PutFile("/usr/lib/libFoo.dylib", []byte("macho-bytes"), 42, time.Unix(1000, 0))

	fd, err := f.Open("/usr/lib/libFoo.dylib", 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close(fd)

	buf := make([]byte, 5)
	n, err := f.Pread(fd, buf, 0)
	if err != nil {
		t.Fatalf("Pread: %v", err)
	}
	if string(buf[:n]) != "macho" {
		t.Fatalf("Pread = %q, want %q", buf[:n], "macho")
	}

	st, err := f.Stat("/usr/lib/libFoo.dylib")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if st.Inode != 42 {
		t.Fatalf("Inode = %d, want 42", st.Inode)
	}
}

func TestFakeMissingFile(t *testing.T) {
	f := NewFake()
	if _, err := f.Open("/nope", 0, 0); err == nil {
		t.Fatal("expected error opening missing file")
	}
	if _, err := f.Stat("/nope"); err == nil {
		t.Fatal("expected error statting missing file")
	}
}

func TestFakeXattrRoundTrip(t *testing.T) {
	f := NewFake()
	f.PutFile("/set.dat", []byte("x"), 1, time.Now())
	if err := f.SetFileAttribute("/set.dat", "com.apple.dyld", []byte("boot-token")); err != nil {
		t.Fatalf("SetFileAttribute: %v", err)
	}
	got, err := f.GetFileAttribute("/set.dat", "com.apple.dyld")
	if err != nil {
		t.Fatalf("GetFileAttribute: %v", err)
	}
	if string(got) != "boot-token" {
		t.Fatalf("GetFileAttribute = %q, want %q", got, "boot-token")
	}
}
