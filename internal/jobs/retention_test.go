package jobs

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/dkwang/voicebridge/internal/store"
)

func TestNewRetentionJobDefaultInterval(t *testing.T) {
	j := NewRetentionJob(store.New(nil), log.New(io.Discard, "", 0), 30, 0)
	if j.interval != 6*time.Hour {
		t.Fatalf("interval = %v, want 6h default", j.interval)
	}
	if j.retainDays != 30 {
		t.Fatalf("retainDays = %d, want 30", j.retainDays)
	}
}

func TestRetentionJobStartStop(t *testing.T) {
	// A disabled store turns the sweep into a no-op, so Start/Stop only
	// exercises the goroutine lifecycle.
	j := NewRetentionJob(store.New(nil), log.New(io.Discard, "", 0), 30, time.Hour)
	j.Start()

	done := make(chan struct{})
	go func() {
		j.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
