package arena

import "testing"

func TestAppendAndFinalize(t *testing.T) {
	a := New()
	off1, err := a.Append([]byte("hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if off1 != 0 {
		t.Fatalf("first append offset = %d, want 0", off1)
	}
	off2, err := a.Append([]byte(" world"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if off2 != 5 {
		t.Fatalf("second append offset = %d, want 5", off2)
	}

	final, err := a.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if string(final) != "hello world" {
		t.Fatalf("final contents = %q, want %q", final, "hello world")
	}

	if _, err := a.Append([]byte("x")); err != ErrFinalized {
		t.Fatalf("Append after Finalize = %v, want ErrFinalized", err)
	}
}

func TestZeroFillAndAlign(t *testing.T) {
	a := New()
	a.Append([]byte{1, 2, 3})
	if err := a.Align(8); err != nil {
		t.Fatalf("Align: %v", err)
	}
	if a.Len() != 8 {
		t.Fatalf("Len() after Align(8) = %d, want 8", a.Len())
	}
	off, _ := a.ZeroFill(4)
	if off != 8 {
		t.Fatalf("ZeroFill offset = %d, want 8", off)
	}
	final, err := a.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	for i := 3; i < 12; i++ {
		if final[i] != 0 {
			t.Fatalf("byte %d = %d, want 0 (zero-filled)", i, final[i])
		}
	}
}

func TestGrowthAcrossPageBoundary(t *testing.T) {
	a := New()
	big := make([]byte, pageSize+100)
	for i := range big {
		big[i] = byte(i)
	}
	if _, err := a.Append(big); err != nil {
		t.Fatalf("Append: %v", err)
	}
	final, err := a.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if len(final) != len(big) {
		t.Fatalf("final length = %d, want %d", len(final), len(big))
	}
	for i := range big {
		if final[i] != big[i] {
			t.Fatalf("byte %d = %d, want %d", i, final[i], big[i])
		}
	}
}

func TestWritableWindowNesting(t *testing.T) {
	a := New()
	a.Append([]byte("abc"))
	region, err := a.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	w := NewWritableWindow(region)
	if err := w.Inc(); err != nil {
		t.Fatalf("Inc: %v", err)
	}
	if err := w.Inc(); err != nil {
		t.Fatalf("nested Inc: %v", err)
	}
	w.Region()[0] = 'X'
	if err := w.Dec(); err != nil {
		t.Fatalf("Dec: %v", err)
	}
	// still writable: outer Inc not yet released
	w.Region()[1] = 'Y'
	if err := w.Dec(); err != nil {
		t.Fatalf("outer Dec: %v", err)
	}
	if err := w.Dec(); err == nil {
		t.Fatal("expected error decrementing past zero")
	}
}
