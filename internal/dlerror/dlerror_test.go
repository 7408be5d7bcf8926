package dlerror

import "testing"

func TestSetThenTakeReturnsMessageOnce(t *testing.T) {
	r := New()
	r.Set(1, "dylib not found")

	msg, ok := r.Take(1)
	if !ok || msg != "dylib not found" {
		t.Fatalf("Take = %q, %v", msg, ok)
	}
	if _, ok := r.Take(1); ok {
		t.Fatal("expected Take to clear the message after one read")
	}
}

func TestTakeWithoutSetReturnsFalse(t *testing.T) {
	r := New()
	if _, ok := r.Take(42); ok {
		t.Fatal("expected no pending error for a thread that never called Set")
	}
}

func TestSetOverwritesPriorMessage(t *testing.T) {
	r := New()
	r.Set(1, "first")
	r.Set(1, "second")
	msg, ok := r.Take(1)
	if !ok || msg != "second" {
		t.Fatalf("Take = %q, %v, want \"second\"", msg, ok)
	}
}

func TestThreadsAreIsolated(t *testing.T) {
	r := New()
	r.Set(1, "thread one error")
	if _, ok := r.Take(2); ok {
		t.Fatal("thread 2 should not see thread 1's error")
	}
	msg, ok := r.Take(1)
	if !ok || msg != "thread one error" {
		t.Fatalf("Take(1) = %q, %v", msg, ok)
	}
}

func TestDropThreadClearsState(t *testing.T) {
	r := New()
	r.Set(1, "boom")
	r.DropThread(1)
	if _, ok := r.Take(1); ok {
		t.Fatal("expected no pending error after DropThread")
	}
}
