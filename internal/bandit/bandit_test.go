package bandit

import (
	"path/filepath"
	"testing"

	"voicegate/internal/variant"
)

func mustAdd(t *testing.T, b *Bandit, id string) {
	t.Helper()
	if err := b.AddVariant(variant.Variant{ID: id}); err != nil {
		t.Fatalf("AddVariant(%q): %v", id, err)
	}
}

func TestAddVariantIsIdempotent(t *testing.T) {
	b := New("")
	mustAdd(t, b, "v1a")
	mustAdd(t, b, "v1a")

	stats, ok := b.Stats("v1a")
	if !ok {
		t.Fatal("expected variant to be registered")
	}
	if stats.Alpha != 1 || stats.Beta != 1 {
		t.Errorf("expected uninformative prior alpha=beta=1, got alpha=%v beta=%v", stats.Alpha, stats.Beta)
	}
}

func TestAddVariantRejectsInvalidID(t *testing.T) {
	b := New("")
	if err := b.AddVariant(variant.Variant{ID: "not-valid"}); err == nil {
		t.Fatal("expected error for invalid variant id")
	}
}

func TestSelectRequiresVariants(t *testing.T) {
	b := New("")
	if _, err := b.Select(Context{}); err == nil {
		t.Fatal("expected error selecting with no registered variants")
	}
}

func TestUpdateMovesPosteriorTowardObservedReward(t *testing.T) {
	b := New("")
	mustAdd(t, b, "v1a")

	for i := 0; i < 20; i++ {
		b.Update("v1a", 1)
	}
	stats, _ := b.Stats("v1a")
	if stats.Pulls != 20 {
		t.Errorf("expected 20 pulls, got %d", stats.Pulls)
	}
	if stats.Confidence <= 0.8 {
		t.Errorf("expected posterior confidence to rise after consistent +1 rewards, got %v", stats.Confidence)
	}
}

func TestUpdateClampsOutOfRangeReward(t *testing.T) {
	b := New("")
	mustAdd(t, b, "v1a")
	b.Update("v1a", 5) // out of [-1,1], should clamp to 1 rather than corrupt state

	stats, _ := b.Stats("v1a")
	if stats.Alpha != 2 {
		t.Errorf("expected alpha to increase by exactly 1 after a clamped +1 update, got %v", stats.Alpha)
	}
}

func TestUpdateUnknownVariantIsNoop(t *testing.T) {
	b := New("")
	b.Update("v9z", 1) // must not panic and must not create the arm
	if b.Known("v9z") {
		t.Error("expected unknown variant to remain unregistered after Update")
	}
}

func TestExplorationRateDecreasesWithPulls(t *testing.T) {
	b := New("")
	mustAdd(t, b, "v1a")
	before := b.ExplorationRate()

	for i := 0; i < 50; i++ {
		b.Update("v1a", 1)
	}
	after := b.ExplorationRate()
	if after >= before {
		t.Errorf("expected posterior variance to shrink after many pulls: before=%v after=%v", before, after)
	}
}

func TestPersistAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bandit.json")

	b := New(path)
	mustAdd(t, b, "v1a")
	b.Update("v1a", 0.5)

	b2 := New(path)
	stats, ok := b2.Stats("v1a")
	if !ok {
		t.Fatal("expected variant state to survive reload")
	}
	if stats.Pulls != 1 {
		t.Errorf("expected 1 pull to survive reload, got %d", stats.Pulls)
	}
}

func TestSelectFromEmptyCandidatesErrors(t *testing.T) {
	b := New("")
	if _, err := b.SelectFrom(Context{}, nil); err == nil {
		t.Fatal("expected error for empty candidate set")
	}
}
