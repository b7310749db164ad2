package realtime

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeProvider is a minimal Session double standing in for a real
// provider backend in cutover tests.
type fakeProvider struct {
	openErr   error
	sendErr   error
	closed    bool
	events    chan Event
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{events: make(chan Event, 8)}
}

func (f *fakeProvider) Open(context.Context) error    { return f.openErr }
func (f *fakeProvider) SendAudio([]byte, float64) error { return f.sendErr }
func (f *fakeProvider) SendEvent(Control) error        { return nil }
func (f *fakeProvider) Recv() <-chan Event             { return f.events }
func (f *fakeProvider) Cancel() error                  { return nil }
func (f *fakeProvider) Close() error                   { f.closed = true; return nil }
func (f *fakeProvider) Backend() Backend               { return BackendProvider }

func fastCooldownConfig() FailoverConfig {
	return FailoverConfig{
		ErrorBurst:     3,
		ErrorWindow:    time.Minute,
		TriggerLatency: 800 * time.Millisecond,
		CooldownSec:    0,
	}
}

func TestFailoverOpenErrorCutsOverToLocal(t *testing.T) {
	provider := newFakeProvider()
	provider.openErr = errors.New("dial failed")

	var from, to Backend
	f := NewFailover(provider, func() Session { return NewLocalSession(Engines{}) }, fastCooldownConfig(), func(a, b Backend) {
		from, to = a, b
	})

	if err := f.Open(context.Background()); err != nil {
		t.Fatalf("expected Open to succeed via cutover, got %v", err)
	}
	if f.Backend() != BackendLocal {
		t.Fatalf("expected BackendLocal after cutover, got %v", f.Backend())
	}
	if from != BackendProvider || to != BackendLocal {
		t.Fatalf("expected cutover callback (provider->local), got (%v->%v)", from, to)
	}
	if !provider.closed {
		t.Fatal("expected the failed provider session to be closed")
	}
}

func TestFailoverErrorBurstTriggersCutover(t *testing.T) {
	provider := newFakeProvider()
	f := NewFailover(provider, func() Session { return NewLocalSession(Engines{}) }, fastCooldownConfig(), nil)
	_ = f.Open(context.Background())

	provider.sendErr = errors.New("stream broken")
	for i := 0; i < 3; i++ {
		_ = f.SendAudio([]byte{1}, 0)
	}

	if f.Backend() != BackendLocal {
		t.Fatalf("expected cutover to local after error burst, got %v", f.Backend())
	}
}

func TestFailoverStaysOnProviderBelowBurstThreshold(t *testing.T) {
	provider := newFakeProvider()
	f := NewFailover(provider, func() Session { return NewLocalSession(Engines{}) }, fastCooldownConfig(), nil)
	_ = f.Open(context.Background())

	provider.sendErr = errors.New("stream broken")
	_ = f.SendAudio([]byte{1}, 0)
	_ = f.SendAudio([]byte{1}, 0) // two errors, burst threshold is 3

	if f.Backend() != BackendProvider {
		t.Fatalf("expected to remain on provider below burst threshold, got %v", f.Backend())
	}
}

func TestFailoverLatencyBreachTriggersCutover(t *testing.T) {
	provider := newFakeProvider()
	f := NewFailover(provider, func() Session { return NewLocalSession(Engines{}) }, fastCooldownConfig(), nil)
	_ = f.Open(context.Background())

	for i := 0; i < 10; i++ {
		f.ObserveTurnLatency(2 * time.Second) // well above the 800ms trigger
	}
	if f.Backend() != BackendLocal {
		t.Fatalf("expected cutover to local after sustained p95 latency breach, got %v", f.Backend())
	}
}

func TestFailoverCutoverIsIdempotentOnceLocal(t *testing.T) {
	provider := newFakeProvider()
	provider.openErr = errors.New("dial failed")
	f := NewFailover(provider, func() Session { return NewLocalSession(Engines{}) }, fastCooldownConfig(), nil)

	_ = f.Open(context.Background())
	first := f.Backend()
	// A second trigger while already local must be a no-op, not a second swap.
	_ = f.cutover(context.Background(), FailureOpenError)
	if f.Backend() != first {
		t.Fatalf("expected backend to remain stable once on local, got %v then %v", first, f.Backend())
	}
}
