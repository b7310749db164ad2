// Package bandit implements the Thompson-sampling contextual bandit that
// selects a policy variant per call (spec §4.1, component C1).
package bandit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"voicegate/internal/variant"
)

// arm holds the Beta posterior and running totals for one variant.
type arm struct {
	Alpha       float64
	Beta        float64
	TotalReward float64
	Pulls       int64
	LastUpdated time.Time
}

// Stats is the read-only snapshot returned by Stats.
type Stats struct {
	VariantID  string
	Pulls      int64
	Sum        float64
	Mean       float64
	Alpha      float64
	Beta       float64
	Confidence float64
}

// Context carries call-time signals the bandit currently treats as
// informational only; it is accepted and logged, reserved for a future
// contextual extension.
type Context struct {
	ProfileTag  string
	TimeOfDay   string
	CallID      string
}

// persistedState is the on-disk representation (spec §6: bandit state file).
type persistedState struct {
	Alpha        map[string]float64 `json:"alpha"`
	BetaParam    map[string]float64 `json:"beta"`
	TotalRewards map[string]float64 `json:"total_rewards"`
	TotalPulls   map[string]int64   `json:"total_pulls"`
	LastUpdated  time.Time          `json:"last_updated"`
}

// Bandit is a process-wide Thompson-sampling bandit over policy variants.
type Bandit struct {
	mu    sync.Mutex
	arms  map[string]*arm
	path  string
	rng   *rand.Rand
}

// New creates an empty bandit. If path is non-empty, persisted state is
// loaded immediately (a corrupt or missing file starts from an empty prior).
func New(path string) *Bandit {
	b := &Bandit{
		arms: make(map[string]*arm),
		path: path,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if path != "" {
		b.load()
	}
	return b
}

// AddVariant registers v, idempotently. A freshly seen variant starts with
// the uninformative prior α=β=1.
func (b *Bandit) AddVariant(v variant.Variant) error {
	if err := variant.ValidateID(v.ID); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.arms[v.ID]; ok {
		return nil
	}
	b.arms[v.ID] = &arm{Alpha: 1, Beta: 1, LastUpdated: time.Now()}
	return nil
}

// Select draws one Thompson sample per known variant and returns the
// argmax. ctx is logged but does not currently influence the draw.
func (b *Bandit) Select(ctx Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.arms) == 0 {
		return "", fmt.Errorf("bandit: no variants registered")
	}

	var best string
	bestScore := -1.0
	for id, a := range b.arms {
		dist := distuv.Beta{Alpha: a.Alpha, Beta: a.Beta, Src: b.rng}
		sample := dist.Rand()
		if sample > bestScore {
			bestScore = sample
			best = id
		}
	}
	slog.Debug("bandit select",
		"variant", best,
		"score", bestScore,
		"profile_tag", ctx.ProfileTag,
		"time_of_day", ctx.TimeOfDay,
		"call_id", ctx.CallID,
	)
	return best, nil
}

// SelectFrom restricts the draw to the given candidate set, used by the
// deploy guard once new/uncertain traffic splits are exhausted.
func (b *Bandit) SelectFrom(ctx Context, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("bandit: empty candidate set")
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var best string
	bestScore := -1.0
	for _, id := range candidates {
		a, ok := b.arms[id]
		if !ok {
			a = &arm{Alpha: 1, Beta: 1}
		}
		dist := distuv.Beta{Alpha: a.Alpha, Beta: a.Beta, Src: b.rng}
		sample := dist.Rand()
		if sample > bestScore {
			bestScore = sample
			best = id
		}
	}
	return best, nil
}

// Update folds reward r ∈ [-1,+1] into the posterior for variant v.
// Unknown variants are a no-op (warn, don't fail the call).
func (b *Bandit) Update(v string, r float64) {
	if r < -1 || r > 1 {
		slog.Warn("bandit update: reward out of range, clamping", "variant", v, "reward", r)
		if r < -1 {
			r = -1
		} else if r > 1 {
			r = 1
		}
	}

	b.mu.Lock()
	a, ok := b.arms[v]
	if !ok {
		b.mu.Unlock()
		slog.Warn("bandit update: unknown variant, ignoring", "variant", v)
		return
	}

	rPrime := (r + 1) / 2
	a.Alpha += rPrime
	a.Beta += 1 - rPrime
	a.TotalReward += r
	a.Pulls++
	a.LastUpdated = time.Now()
	b.mu.Unlock()

	if err := b.persist(); err != nil {
		slog.Warn("bandit: failed to persist state", "error", err)
	}
}

// Stats returns the current posterior summary for v.
func (b *Bandit) Stats(v string) (Stats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a, ok := b.arms[v]
	if !ok {
		return Stats{}, false
	}
	return b.statsLocked(v, a), true
}

// AllStats returns the posterior summary for every registered variant.
func (b *Bandit) AllStats() map[string]Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Stats, len(b.arms))
	for id, a := range b.arms {
		out[id] = b.statsLocked(id, a)
	}
	return out
}

func (b *Bandit) statsLocked(id string, a *arm) Stats {
	mean := 0.0
	if a.Pulls > 0 {
		mean = a.TotalReward / float64(a.Pulls)
	}
	return Stats{
		VariantID:  id,
		Pulls:      a.Pulls,
		Sum:        a.TotalReward,
		Mean:       mean,
		Alpha:      a.Alpha,
		Beta:       a.Beta,
		Confidence: a.Alpha / (a.Alpha + a.Beta),
	}
}

// ExplorationRate is the mean Beta-posterior variance across all known
// variants, a crude measure of how settled the bandit currently is.
func (b *Bandit) ExplorationRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.arms) == 0 {
		return 0
	}
	sum := 0.0
	for _, a := range b.arms {
		ab := a.Alpha + a.Beta
		v := (a.Alpha * a.Beta) / (ab * ab * (ab + 1))
		sum += v
	}
	return sum / float64(len(b.arms))
}

// Known reports whether v is a registered variant.
func (b *Bandit) Known(v string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.arms[v]
	return ok
}

func (b *Bandit) persist() error {
	if b.path == "" {
		return nil
	}
	b.mu.Lock()
	state := persistedState{
		Alpha:        make(map[string]float64, len(b.arms)),
		BetaParam:    make(map[string]float64, len(b.arms)),
		TotalRewards: make(map[string]float64, len(b.arms)),
		TotalPulls:   make(map[string]int64, len(b.arms)),
		LastUpdated:  time.Now(),
	}
	for id, a := range b.arms {
		state.Alpha[id] = a.Alpha
		state.BetaParam[id] = a.Beta
		state.TotalRewards[id] = a.TotalReward
		state.TotalPulls[id] = a.Pulls
	}
	b.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("bandit: marshal state: %w", err)
	}
	return writeAtomic(b.path, data)
}

func (b *Bandit) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("bandit: failed to read state file, starting from prior", "path", b.path, "error", err)
		}
		return
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Warn("bandit: corrupt state file, starting from prior", "path", b.path, "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, alpha := range state.Alpha {
		betaVal := state.BetaParam[id]
		if alpha < 1 {
			alpha = 1
		}
		if betaVal < 1 {
			betaVal = 1
		}
		b.arms[id] = &arm{
			Alpha:       alpha,
			Beta:        betaVal,
			TotalReward: state.TotalRewards[id],
			Pulls:       state.TotalPulls[id],
			LastUpdated: state.LastUpdated,
		}
	}
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by a rename, so readers never observe a partial write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".bandit-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp state file into place: %w", err)
	}
	return nil
}
