package reward

import "testing"

func TestDurationBonusBoundaries(t *testing.T) {
	w := DefaultWeights()

	cases := []struct {
		name     string
		duration float64
		want     float64
	}{
		{"zero", 0, 0},
		{"negative", -10, 0},
		{"optimal", 180, 0.2},
		{"double_optimal", 360, 0},
		{"far_over", 720, -0.2},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := DurationBonus(w, c.duration)
			if diff := absf(got - c.want); diff > 1e-9 {
				t.Errorf("DurationBonus(%v) = %v, want %v", c.duration, got, c.want)
			}
		})
	}
}

func TestComputeIsClampedToUnitRange(t *testing.T) {
	w := DefaultWeights()
	rating := 5

	r := Compute(w, Signals{
		Resolution:   true,
		UserRating:   &rating,
		BargeInCount: 0,
		Repeats:      0,
		Handover:     false,
		DurationSec:  180,
	})
	if r < -1 || r > 1 {
		t.Fatalf("reward %v out of [-1,1]", r)
	}
	if r <= 0 {
		t.Fatalf("expected a strongly positive reward for a perfect call, got %v", r)
	}

	badRating := 1
	r2 := Compute(w, Signals{
		Resolution:   false,
		UserRating:   &badRating,
		BargeInCount: 10,
		Repeats:      10,
		Handover:     true,
		DurationSec:  720,
	})
	if r2 < -1 || r2 > 1 {
		t.Fatalf("reward %v out of [-1,1]", r2)
	}
	if r2 >= 0 {
		t.Fatalf("expected a strongly negative reward for a bad call, got %v", r2)
	}
}

func TestBargeInAndRepeatPenaltiesSaturateAtThree(t *testing.T) {
	w := DefaultWeights()

	three := Breakdown(w, Signals{BargeInCount: 3, DurationSec: 0})
	ten := Breakdown(w, Signals{BargeInCount: 10, DurationSec: 0})
	if three.BargeInPenalty != ten.BargeInPenalty {
		t.Errorf("expected barge-in penalty to saturate at count=3: %v vs %v", three.BargeInPenalty, ten.BargeInPenalty)
	}

	threeR := Breakdown(w, Signals{Repeats: 3, DurationSec: 0})
	tenR := Breakdown(w, Signals{Repeats: 10, DurationSec: 0})
	if threeR.RepeatPenalty != tenR.RepeatPenalty {
		t.Errorf("expected repeat penalty to saturate at count=3: %v vs %v", threeR.RepeatPenalty, tenR.RepeatPenalty)
	}
}

func TestNoRatingContributesZero(t *testing.T) {
	w := DefaultWeights()
	c := Breakdown(w, Signals{DurationSec: 0})
	if c.Rating != 0 {
		t.Errorf("expected zero rating contribution when UserRating is nil, got %v", c.Rating)
	}
}
