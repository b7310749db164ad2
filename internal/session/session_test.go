package session

import (
	"testing"
	"time"
)

func TestBucketForClassifiesHourRanges(t *testing.T) {
	cases := []struct {
		hour int
		want TimeBucket
	}{
		{5, BucketMorning},
		{11, BucketMorning},
		{12, BucketAfternoon},
		{17, BucketAfternoon},
		{18, BucketEvening},
		{22, BucketEvening},
		{23, BucketNight},
		{4, BucketNight},
	}
	for _, c := range cases {
		tm := time.Date(2026, 7, 31, c.hour, 0, 0, 0, time.UTC)
		if got := BucketFor(tm); got != c.want {
			t.Errorf("BucketFor(hour=%d) = %v, want %v", c.hour, got, c.want)
		}
	}
}

func TestNewCallSessionInitialState(t *testing.T) {
	sess := New("call-1", "v0a", Context{ProfileTag: "default"})
	if sess.Ended() {
		t.Fatal("expected a fresh session to not be ended")
	}
	snap := sess.Snapshot()
	if snap.CallID != "call-1" || snap.VariantID != "v0a" {
		t.Errorf("unexpected snapshot: %+v", snap)
	}
}

func TestIncrementBargeInAndRepeatAccumulate(t *testing.T) {
	sess := New("call-1", "v0a", Context{})
	sess.IncrementBargeIn()
	sess.IncrementBargeIn()
	sess.IncrementRepeat()

	ctx := sess.GetContext()
	if ctx.BargeInCount != 2 {
		t.Errorf("expected BargeInCount=2, got %d", ctx.BargeInCount)
	}
	if ctx.RepeatCount != 1 {
		t.Errorf("expected RepeatCount=1, got %d", ctx.RepeatCount)
	}
}

func TestSetOutcomeRecordsResolutionHandoverAndRating(t *testing.T) {
	sess := New("call-1", "v0a", Context{})
	rating := 5
	sess.SetOutcome(true, false, &rating)

	ctx := sess.GetContext()
	if !ctx.Resolution || ctx.Handover {
		t.Errorf("unexpected outcome flags: %+v", ctx)
	}
	if ctx.UserRating == nil || *ctx.UserRating != 5 {
		t.Errorf("expected rating=5, got %v", ctx.UserRating)
	}
}

func TestMarkEndedIsIdempotent(t *testing.T) {
	sess := New("call-1", "v0a", Context{})
	sess.MarkEnded()
	first := sess.Snapshot()
	time.Sleep(time.Millisecond)
	sess.MarkEnded()

	if !sess.Ended() {
		t.Fatal("expected session to be ended")
	}
	// A second MarkEnded must not move the terminal timestamp.
	if !sess.GracePeriodExpired(-time.Second) {
		t.Fatal("expected grace period check to see the original end time")
	}
	_ = first
}

func TestGracePeriodExpiredBeforeEndIsFalse(t *testing.T) {
	sess := New("call-1", "v0a", Context{})
	if sess.GracePeriodExpired(0) {
		t.Fatal("expected a not-yet-ended session to never report grace period expired")
	}
}

func TestAppendEventAndEventLogReturnsCopy(t *testing.T) {
	sess := New("call-1", "v0a", Context{})
	sess.AppendEvent("stt_final", "hello")
	sess.AppendEvent("llm_token", "hi")

	log := sess.EventLog()
	if len(log) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(log))
	}
	log[0].Note = "mutated"
	if sess.EventLog()[0].Note == "mutated" {
		t.Fatal("expected EventLog to return an independent copy")
	}
}

func TestTouchUpdatesLastActivity(t *testing.T) {
	sess := New("call-1", "v0a", Context{})
	sess.LastActivity = time.Now().Add(-time.Hour)
	sess.Touch()
	if sess.IdleTime() > time.Second {
		t.Errorf("expected Touch to reset idle time, got %v", sess.IdleTime())
	}
}
