package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

func drainUntil(t *testing.T, ch <-chan Event, kind EventKind, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %q", kind)
		}
	}
}

func TestLocalSessionHappyPathPipeline(t *testing.T) {
	s := NewLocalSession(Engines{})
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.SendAudio(make([]byte, 320), 0); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if err := s.SendEvent(Control{Kind: ControlCommit}); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}

	drainUntil(t, s.Recv(), EventSTTFinal, time.Second)
	drainUntil(t, s.Recv(), EventLLMComplete, time.Second)
	drainUntil(t, s.Recv(), EventTTSComplete, time.Second)
}

func TestLocalSessionSendAudioRequiresOpen(t *testing.T) {
	s := NewLocalSession(Engines{})
	if err := s.SendAudio([]byte{1, 2}, 0); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestLocalSessionCloseIsIdempotentAndBackendLocal(t *testing.T) {
	s := NewLocalSession(Engines{})
	_ = s.Open(context.Background())
	if s.Backend() != BackendLocal {
		t.Fatalf("expected BackendLocal, got %v", s.Backend())
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("expected second Close to be a no-op, got %v", err)
	}
}

type emptyLLM struct{}

func (emptyLLM) Stream(_ context.Context, _ string, _ func(string)) error { return nil }

func TestLocalSessionEmptyLLMResponseEmitsError(t *testing.T) {
	s := NewLocalSession(Engines{LLM: emptyLLM{}})
	_ = s.Open(context.Background())
	defer s.Close()

	_ = s.SendAudio(make([]byte, 100), 0)
	_ = s.SendEvent(Control{Kind: ControlCommit})

	ev := drainUntil(t, s.Recv(), EventError, time.Second)
	if ev.ErrorKind != "llm_empty_response" {
		t.Fatalf("expected llm_empty_response, got %q", ev.ErrorKind)
	}
}

func TestLocalSessionCancelInterruptsTurn(t *testing.T) {
	s := NewLocalSession(Engines{})
	_ = s.Open(context.Background())
	defer s.Close()

	_ = s.SendAudio(make([]byte, 100), 0)
	_ = s.SendEvent(Control{Kind: ControlCommit})
	if err := s.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	// Must not panic or deadlock; a subsequent turn should still work.
	_ = s.SendAudio(make([]byte, 100), 0)
	if err := s.SendEvent(Control{Kind: ControlCommit}); err != nil {
		t.Fatalf("SendEvent after cancel: %v", err)
	}
	drainUntil(t, s.Recv(), EventTTSComplete, time.Second)
}
