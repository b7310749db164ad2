// Package deployguard governs which policy variant the bandit may choose
// for a given call, protecting production traffic from new or
// underperforming variants (spec §4.3, component C3).
package deployguard

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"voicegate/internal/bandit"
)

// Config enumerates the Deploy Guard's tunables (spec §4.3).
type Config struct {
	BaseVariant                string
	TrafficSplitNew            float64
	TrafficSplitUncertain      float64
	BlacklistThresholdReward   float64
	MinPullsForEvaluation      int64
	UncertaintyThresholdConf   float64
	MaxActiveVariants          int
}

// DefaultConfig matches the defaults in spec.md §4.3.
func DefaultConfig(base string) Config {
	return Config{
		BaseVariant:              base,
		TrafficSplitNew:          0.10,
		TrafficSplitUncertain:    0.20,
		BlacklistThresholdReward: -0.2,
		MinPullsForEvaluation:    20,
		UncertaintyThresholdConf: 0.60,
		MaxActiveVariants:        5,
	}
}

// persistedState is the on-disk representation (spec §6: deploy state file).
type persistedState struct {
	ActiveVariants      []string  `json:"active_variants"`
	BlacklistedVariants []string  `json:"blacklisted_variants"`
	LastUpdate          time.Time `json:"last_update"`
}

// Escalation records a variant's move from active to blacklisted.
type Escalation struct {
	VariantID string
	Pulls     int64
	MeanReward float64
	At        time.Time
}

// Guard is the process-wide deploy guard singleton.
type Guard struct {
	mu          sync.Mutex
	cfg         Config
	bandit      *bandit.Bandit
	active      map[string]bool
	blacklisted map[string]bool
	path        string
	rng         *rand.Rand
	escalations []Escalation
}

// New creates a Guard backed by b. If path is non-empty, persisted state is
// loaded immediately; a missing or corrupt file starts from {active:{base}}.
func New(cfg Config, b *bandit.Bandit, path string) *Guard {
	g := &Guard{
		cfg:         cfg,
		bandit:      b,
		active:      map[string]bool{cfg.BaseVariant: true},
		blacklisted: map[string]bool{},
		path:        path,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if path != "" {
		g.load()
	}
	return g
}

// AddVariant activates v. Rejected if v is blacklisted, or if adding it
// would push the non-base active count past MaxActiveVariants.
func (g *Guard) AddVariant(v string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.blacklisted[v] {
		return fmt.Errorf("deployguard: %s is blacklisted", v)
	}
	if g.active[v] {
		return nil
	}
	nonBase := g.countNonBaseLocked()
	if v != g.cfg.BaseVariant && nonBase >= g.cfg.MaxActiveVariants {
		return fmt.Errorf("deployguard: max_active_variants (%d) reached", g.cfg.MaxActiveVariants)
	}
	g.active[v] = true
	g.persistLocked()
	return nil
}

// RemoveVariant deactivates v. The base variant is never removable.
func (g *Guard) RemoveVariant(v string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if v == g.cfg.BaseVariant {
		return fmt.Errorf("deployguard: base variant %s cannot be removed", v)
	}
	delete(g.active, v)
	g.persistLocked()
	return nil
}

func (g *Guard) countNonBaseLocked() int {
	n := 0
	for id := range g.active {
		if id != g.cfg.BaseVariant {
			n++
		}
	}
	return n
}

// SelectForDeployment runs the spec §4.3 algorithm and returns the variant
// a call should use.
func (g *Guard) SelectForDeployment(ctx bandit.Context) string {
	g.refreshBlacklist()

	g.mu.Lock()
	candidates := make([]string, 0, len(g.active))
	var newVariants, uncertainVariants []string
	for id := range g.active {
		if g.blacklisted[id] {
			continue
		}
		candidates = append(candidates, id)
		stats, ok := g.bandit.Stats(id)
		if !ok || stats.Pulls < g.cfg.MinPullsForEvaluation {
			newVariants = append(newVariants, id)
			continue
		}
		if stats.Confidence < g.cfg.UncertaintyThresholdConf {
			uncertainVariants = append(uncertainVariants, id)
		}
	}
	base := g.cfg.BaseVariant
	u := g.rng.Float64()
	g.mu.Unlock()

	if len(candidates) == 0 {
		return base
	}

	if len(newVariants) > 0 && u < g.cfg.TrafficSplitNew {
		return newVariants[g.rng.Intn(len(newVariants))]
	}
	if len(uncertainVariants) > 0 && u < g.cfg.TrafficSplitNew+g.cfg.TrafficSplitUncertain {
		return uncertainVariants[g.rng.Intn(len(uncertainVariants))]
	}

	picked, err := g.bandit.SelectFrom(ctx, candidates)
	if err != nil {
		slog.Warn("deployguard: bandit selection failed, falling back to base", "error", err)
		return base
	}
	return picked
}

// refreshBlacklist moves active non-base variants with enough pulls and a
// sub-threshold mean reward into the blacklist (spec §4.3 step 1).
func (g *Guard) refreshBlacklist() {
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := false
	for id := range g.active {
		if id == g.cfg.BaseVariant {
			continue
		}
		stats, ok := g.bandit.Stats(id)
		if !ok || stats.Pulls < g.cfg.MinPullsForEvaluation {
			continue
		}
		if stats.Mean < g.cfg.BlacklistThresholdReward {
			delete(g.active, id)
			g.blacklisted[id] = true
			changed = true
			g.escalations = append(g.escalations, Escalation{
				VariantID:  id,
				Pulls:      stats.Pulls,
				MeanReward: stats.Mean,
				At:         time.Now(),
			})
			slog.Warn("deployguard: variant blacklisted",
				"variant", id, "pulls", stats.Pulls, "mean_reward", stats.Mean)
		}
	}
	if changed {
		g.persistLocked()
	}
}

// IsActive reports whether v is currently in the active set.
func (g *Guard) IsActive(v string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[v]
}

// IsBlacklisted reports whether v is currently blacklisted.
func (g *Guard) IsBlacklisted(v string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blacklisted[v]
}

// State is a read-only snapshot of the guard's sets.
type State struct {
	Active      []string
	Blacklisted []string
	Escalations []Escalation
}

// Snapshot returns the current active/blacklisted sets.
func (g *Guard) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := State{}
	for id := range g.active {
		s.Active = append(s.Active, id)
	}
	for id := range g.blacklisted {
		s.Blacklisted = append(s.Blacklisted, id)
	}
	s.Escalations = append(s.Escalations, g.escalations...)
	return s
}

func (g *Guard) persistLocked() {
	if g.path == "" {
		return
	}
	state := persistedState{LastUpdate: time.Now()}
	for id := range g.active {
		state.ActiveVariants = append(state.ActiveVariants, id)
	}
	for id := range g.blacklisted {
		state.BlacklistedVariants = append(state.BlacklistedVariants, id)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		slog.Warn("deployguard: failed to marshal state", "error", err)
		return
	}
	if err := writeAtomic(g.path, data); err != nil {
		slog.Warn("deployguard: failed to persist state", "error", err)
	}
}

func (g *Guard) load() {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("deployguard: failed to read state file, starting from base-only", "path", g.path, "error", err)
		}
		return
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Warn("deployguard: corrupt state file, starting from base-only", "path", g.path, "error", err)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range state.ActiveVariants {
		g.active[id] = true
	}
	g.active[g.cfg.BaseVariant] = true
	for _, id := range state.BlacklistedVariants {
		if id == g.cfg.BaseVariant {
			continue // base is never blacklisted
		}
		g.blacklisted[id] = true
		delete(g.active, id)
	}
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".deployguard-*.tmp")
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
