package session

import (
	"context"
	"testing"
	"time"
)

func TestCreateRejectsEmptyAndOversizedCallID(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), time.Minute, time.Minute)
	if _, err := r.Create("", "v0a", Context{}); err == nil {
		t.Fatal("expected error for empty call_id")
	}
	long := make([]byte, 101)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := r.Create(string(long), "v0a", Context{}); err == nil {
		t.Fatal("expected error for call_id longer than 100 chars")
	}
}

func TestCreateRejectsDuplicateActiveCallID(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), time.Minute, time.Minute)
	if _, err := r.Create("call-1", "v0a", Context{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := r.Create("call-1", "v0a", Context{}); err == nil {
		t.Fatal("expected error creating a second active session with the same call_id")
	}
}

func TestCreateAllowsReuseAfterPriorSessionEnded(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), time.Minute, time.Minute)
	if _, err := r.Create("call-1", "v0a", Context{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.End("call-1")
	r.Remove("call-1")

	if _, err := r.Create("call-1", "v0b", Context{}); err != nil {
		t.Fatalf("expected Create to succeed once the old session was removed, got %v", err)
	}
}

func TestEndInvokesEndCallbackOnce(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), time.Minute, time.Minute)
	calls := 0
	r.SetEndCallback(func(sess *CallSession) { calls++ })

	if _, err := r.Create("call-1", "v0a", Context{}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	r.End("call-1")
	r.End("call-1") // second call on an already-ended session still invokes the callback

	if calls != 2 {
		t.Errorf("expected callback invoked twice (End is not itself deduped), got %d", calls)
	}
}

func TestActiveCountAndListActiveExcludeEnded(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), time.Minute, time.Minute)
	if _, err := r.Create("call-1", "v0a", Context{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("call-2", "v0a", Context{}); err != nil {
		t.Fatal(err)
	}
	r.End("call-1")

	if r.ActiveCount() != 1 {
		t.Errorf("expected ActiveCount=1, got %d", r.ActiveCount())
	}
	active := r.ListActive()
	if len(active) != 1 || active[0].CallID != "call-2" {
		t.Errorf("expected only call-2 active, got %+v", active)
	}
}

func TestRunSweepsIdleSessions(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), 10*time.Millisecond, time.Minute)
	r.cleanupInterval = 5 * time.Millisecond
	if _, err := r.Create("call-1", "v0a", Context{}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	deadline := time.After(time.Second)
	for r.ActiveCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("expected idle sweep to end the session")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestActiveByVariantGroupsByVariantAndExcludesEnded(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), time.Minute, time.Minute)
	if _, err := r.Create("call-1", "v0a", Context{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("call-2", "v0a", Context{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create("call-3", "v1b", Context{}); err != nil {
		t.Fatal(err)
	}
	r.End("call-2")

	got := r.ActiveByVariant()
	if got["v0a"] != 1 {
		t.Errorf("expected v0a=1 active call after ending call-2, got %d", got["v0a"])
	}
	if got["v1b"] != 1 {
		t.Errorf("expected v1b=1, got %d", got["v1b"])
	}
	if _, ok := got["does-not-exist"]; ok {
		t.Error("expected no entry for a variant with zero matching sessions")
	}
}

func TestMemoryStoreVariantIndexClearedOnDelete(t *testing.T) {
	s := NewMemoryStore()
	sess := New("call-1", "v0a", Context{})
	s.Put(sess)
	if got := s.CountByVariant(nil); got["v0a"] != 1 {
		t.Fatalf("expected v0a=1 after Put, got %v", got)
	}
	s.Delete("call-1")
	if got := s.CountByVariant(nil); len(got) != 0 {
		t.Errorf("expected empty variant index after Delete, got %v", got)
	}
}

func TestRunPurgesExpiredEndedSessions(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), time.Minute, 10*time.Millisecond)
	r.cleanupInterval = 5 * time.Millisecond
	sess, err := r.Create("call-1", "v0a", Context{})
	if err != nil {
		t.Fatal(err)
	}
	sess.MarkEnded()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	deadline := time.After(time.Second)
	for {
		if _, ok := r.Get("call-1"); !ok {
			return
		}
		select {
		case <-deadline:
			t.Fatal("expected grace-period sweep to purge the ended session")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
