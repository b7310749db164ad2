package gateway

import (
	"testing"

	"voicegate/internal/config"
	"voicegate/internal/phone"
)

func TestHashCLIEmptyInputReturnsEmpty(t *testing.T) {
	gw := &Gateway{cfg: &config.Config{}, pepper: phone.Pepper{Current: "pepper"}}
	hash, mask := gw.hashCLI("")
	if hash != "" || mask != "" {
		t.Errorf("expected empty hash/mask for empty input, got (%q, %q)", hash, mask)
	}
}

func TestHashCLINormalizesAndMasksConsistently(t *testing.T) {
	gw := &Gateway{
		cfg:    &config.Config{Phone: config.PhoneConfig{DefaultCountryCode: "1"}},
		pepper: phone.Pepper{Current: "pepper"},
	}
	hash1, mask1 := gw.hashCLI("2025551234")
	hash2, mask2 := gw.hashCLI("(202) 555-1234")

	if hash1 != hash2 {
		t.Errorf("expected equivalent input formats to hash identically, got %q vs %q", hash1, hash2)
	}
	if mask1 != mask2 {
		t.Errorf("expected equivalent input formats to mask identically, got %q vs %q", mask1, mask2)
	}
	if hash1 == "" || mask1 == "" {
		t.Error("expected non-empty hash/mask for a valid number")
	}
}
