package deployguard

import (
	"path/filepath"
	"testing"

	"voicegate/internal/bandit"
	"voicegate/internal/variant"
)

func newTestGuard(t *testing.T) (*Guard, *bandit.Bandit) {
	t.Helper()
	b := bandit.New("")
	if err := b.AddVariant(variant.Variant{ID: "v0a"}); err != nil {
		t.Fatalf("AddVariant base: %v", err)
	}
	cfg := DefaultConfig("v0a")
	g := New(cfg, b, "")
	return g, b
}

func TestBaseVariantAlwaysActiveAndNeverRemovable(t *testing.T) {
	g, _ := newTestGuard(t)
	if !g.IsActive("v0a") {
		t.Fatal("expected base variant to be active on construction")
	}
	if err := g.RemoveVariant("v0a"); err == nil {
		t.Fatal("expected error removing the base variant")
	}
}

func TestAddVariantRejectsBlacklisted(t *testing.T) {
	g, b := newTestGuard(t)
	if err := b.AddVariant(variant.Variant{ID: "v1a"}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddVariant("v1a"); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 25; i++ {
		b.Update("v1a", -1)
	}
	g.refreshBlacklist()
	if !g.IsBlacklisted("v1a") {
		t.Fatal("expected v1a to be blacklisted after 25 pulls with reward -1")
	}

	if err := g.AddVariant("v1a"); err == nil {
		t.Fatal("expected error re-adding a blacklisted variant")
	}
}

func TestMaxActiveVariantsEnforced(t *testing.T) {
	b := bandit.New("")
	if err := b.AddVariant(variant.Variant{ID: "v0a"}); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig("v0a")
	cfg.MaxActiveVariants = 1
	g := New(cfg, b, "")

	if err := b.AddVariant(variant.Variant{ID: "v1a"}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddVariant("v1a"); err != nil {
		t.Fatalf("expected first non-base variant to be accepted: %v", err)
	}
	if err := b.AddVariant(variant.Variant{ID: "v2a"}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddVariant("v2a"); err == nil {
		t.Fatal("expected second non-base variant to be rejected at MaxActiveVariants=1")
	}
}

func TestSelectForDeploymentFallsBackToBaseWithNoCandidates(t *testing.T) {
	b := bandit.New("")
	cfg := DefaultConfig("v0a")
	g := New(cfg, b, "") // base never registered with the bandit

	got := g.SelectForDeployment(bandit.Context{})
	if got != "v0a" {
		t.Errorf("expected fallback to base variant, got %q", got)
	}
}

func TestPersistAndReloadPreservesBlacklist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.json")

	b := bandit.New("")
	if err := b.AddVariant(variant.Variant{ID: "v0a"}); err != nil {
		t.Fatal(err)
	}
	if err := b.AddVariant(variant.Variant{ID: "v1a"}); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig("v0a")
	g := New(cfg, b, path)
	if err := g.AddVariant("v1a"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 25; i++ {
		b.Update("v1a", -1)
	}
	g.refreshBlacklist()

	g2 := New(cfg, b, path)
	if !g2.IsBlacklisted("v1a") {
		t.Fatal("expected blacklist state to survive reload")
	}
	if g2.IsActive("v1a") {
		t.Fatal("expected blacklisted variant to not be active after reload")
	}
}

func TestSnapshotIncludesEscalations(t *testing.T) {
	g, b := newTestGuard(t)
	if err := b.AddVariant(variant.Variant{ID: "v1a"}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddVariant("v1a"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 25; i++ {
		b.Update("v1a", -1)
	}
	g.refreshBlacklist()

	snap := g.Snapshot()
	if len(snap.Escalations) == 0 {
		t.Fatal("expected at least one escalation after blacklisting a variant")
	}
}
