package deepgram

import (
	"context"
	"sync"
	"testing"

	"github.com/voxrelay/voxrelay/pkg/errorsx"
)

func TestCloseBeforeStart(t *testing.T) {
	s := New(Config{ConnectionID: "c1"})
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if err := s.SendAudio([]byte{0x01}); !errorsx.HasReason(err, errorsx.ReasonSessionNotOpen) {
		t.Fatalf("expected session-not-open error, got %v", err)
	}
	// A close racing ahead of a slow open wins: Start must refuse.
	if err := s.Start(context.Background()); !errorsx.HasReason(err, errorsx.ReasonSessionNotOpen) {
		t.Fatalf("expected start after close to fail, got %v", err)
	}

	if _, ok := <-s.Events(); ok {
		t.Fatalf("expected events channel closed")
	}
}

func TestConcurrentCloseIsIdempotent(t *testing.T) {
	s := New(Config{ConnectionID: "c1"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
	}
	wg.Wait()

	if _, ok := <-s.Events(); ok {
		t.Fatalf("expected events channel closed exactly once")
	}
}
