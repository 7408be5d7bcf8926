package tlv

import "testing"

func TestGetOrCreateCopiesTemplateOnce(t *testing.T) {
	r := NewRegistry()
	key := Key{ImagePath: "/usr/lib/libFoo.dylib", TemplateOffset: 0x100}
	template := []byte{1, 2, 3, 4}

	block := r.GetOrCreate(1, key, template)
	block[0] = 99 // mutate the thread's own copy

	if template[0] != 1 {
		t.Fatal("GetOrCreate must copy, not alias, the template")
	}

	again := r.GetOrCreate(1, key, template)
	if again[0] != 99 {
		t.Fatal("second GetOrCreate for the same thread should return the same instantiated block")
	}
}

func TestGetOrCreateIsPerThread(t *testing.T) {
	r := NewRegistry()
	key := Key{ImagePath: "/usr/lib/libFoo.dylib", TemplateOffset: 0x100}
	template := []byte{1, 2, 3}

	a := r.GetOrCreate(1, key, template)
	b := r.GetOrCreate(2, key, template)
	a[0] = 42
	if b[0] == 42 {
		t.Fatal("threads must not share instantiated TLV blocks")
	}
}

func TestTLVAtExitRunsInReverseOrder(t *testing.T) {
	r := NewRegistry()
	var order []int
	for i := 0; i < 3; i++ {
		i := i
		r.TLVAtExit(1, func(arg interface{}) { order = append(order, arg.(int)) }, i, 0)
	}
	r.ExitThread(1)
	want := []int{2, 1, 0}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTLVAtExitLinksNewNodeWhenFull(t *testing.T) {
	r := NewRegistry()
	var ran int
	for i := 0; i < atexitCapacity+2; i++ {
		r.TLVAtExit(1, func(arg interface{}) { ran++ }, nil, 0)
	}
	r.ExitThread(1)
	if ran != atexitCapacity+2 {
		t.Fatalf("ran = %d, want %d", ran, atexitCapacity+2)
	}
}

func TestExitThreadFreesBlocks(t *testing.T) {
	r := NewRegistry()
	key := Key{ImagePath: "/usr/lib/libFoo.dylib"}
	r.GetOrCreate(1, key, []byte{1})
	r.ExitThread(1)
	if r.HasBlock(1, key) {
		t.Fatal("expected blocks to be freed on thread exit")
	}
}

func TestDropImageRemovesOnlyThatImagesDestructorsAndBlocks(t *testing.T) {
	r := NewRegistry()
	var ranA, ranB int
	r.TLVAtExit(1, func(interface{}) { ranA++ }, nil, 0xA)
	r.TLVAtExit(1, func(interface{}) { ranB++ }, nil, 0xB)

	keyA := Key{ImagePath: "/usr/lib/libA.dylib"}
	keyB := Key{ImagePath: "/usr/lib/libB.dylib"}
	r.GetOrCreate(1, keyA, []byte{1})
	r.GetOrCreate(1, keyB, []byte{2})

	r.DropImage("/usr/lib/libA.dylib", 0xA)
	if r.HasBlock(1, keyA) {
		t.Fatal("expected libA's block to be dropped")
	}
	if !r.HasBlock(1, keyB) {
		t.Fatal("expected libB's block to survive")
	}

	r.ExitThread(1)
	if ranA != 0 {
		t.Fatal("expected libA's destructor to have been dropped, not run")
	}
	if ranB != 1 {
		t.Fatal("expected libB's destructor to still run")
	}
}
