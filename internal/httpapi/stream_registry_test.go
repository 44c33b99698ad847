package httpapi

import (
	"testing"
	"time"
)

func TestStreamRegistryAddDone(t *testing.T) {
	r := NewStreamRegistry()

	if got := r.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount = %d, want 0", got)
	}
	if !r.Add() {
		t.Fatal("Add should succeed before draining")
	}
	if got := r.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount = %d, want 1", got)
	}
	r.Done()
	if got := r.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount after Done = %d, want 0", got)
	}
}

func TestStreamRegistryDraining(t *testing.T) {
	r := NewStreamRegistry()

	if r.IsDraining() {
		t.Fatal("new registry should not be draining")
	}
	r.StartDraining()
	if !r.IsDraining() {
		t.Fatal("IsDraining should report true after StartDraining")
	}
	if r.Add() {
		t.Fatal("Add should fail while draining")
	}
	if got := r.ActiveCount(); got != 0 {
		t.Fatalf("rejected Add should not change count, got %d", got)
	}
}

func TestStreamRegistryWait(t *testing.T) {
	r := NewStreamRegistry()
	if !r.Add() {
		t.Fatal("Add should succeed")
	}

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned while a stream was still active")
	case <-time.After(50 * time.Millisecond):
	}

	r.Done()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after last stream finished")
	}
}
