// Package capability tracks how well the agent performs each of its named
// capabilities and reports the weakest ones.
package capability

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/basket/go-autonomy/internal/bus"
)

const (
	DefaultAlpha       = 0.1
	DefaultGapCutoff   = 0.6
	DefaultSuccessRate = 0.5
)

// Capability is one tracked skill. SuccessRate is always within [0,1].
type Capability struct {
	Name         string
	Description  string
	Dependencies []string
	SuccessRate  float64
	AvgDuration  time.Duration
	UsageCount   int
	LastContext  string
	LastUpdated  time.Time
}

// Store persists capability snapshots across restarts.
type Store interface {
	SaveCapability(ctx context.Context, c Capability) error
	LoadCapabilities(ctx context.Context) ([]Capability, error)
}

// Registry is safe for concurrent use. Every method on a nil *Registry is a
// no-op returning empty results.
type Registry struct {
	mu     sync.RWMutex
	caps   map[string]*Capability
	alpha  float64
	cutoff float64
	store  Store
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	storeFailed bool
}

type Option func(*Registry)

// WithAlpha sets the smoothing factor; values outside (0,1] are ignored.
func WithAlpha(a float64) Option {
	return func(r *Registry) {
		if a > 0 && a <= 1 {
			r.alpha = a
		}
	}
}

// WithGapCutoff sets the success rate below which a capability is a gap.
func WithGapCutoff(c float64) Option {
	return func(r *Registry) {
		if c > 0 && c <= 1 {
			r.cutoff = c
		}
	}
}

func WithStore(s Store) Option              { return func(r *Registry) { r.store = s } }
func WithEventBus(b *bus.Bus) Option        { return func(r *Registry) { r.bus = b } }
func WithLogger(l *slog.Logger) Option      { return func(r *Registry) { r.logger = l } }
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		caps:   make(map[string]*Capability),
		alpha:  DefaultAlpha,
		cutoff: DefaultGapCutoff,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register upserts c by name. An existing entry keeps its statistics; only
// its description and dependencies change.
func (r *Registry) Register(c Capability) {
	if r == nil {
		return
	}
	name := normalizeName(c.Name)
	if name == "" {
		return
	}
	r.mu.Lock()
	existing, ok := r.caps[name]
	if ok {
		existing.Description = c.Description
		existing.Dependencies = append([]string(nil), c.Dependencies...)
		r.mu.Unlock()
		return
	}
	c.Name = name
	c.Dependencies = append([]string(nil), c.Dependencies...)
	if c.SuccessRate == 0 && c.UsageCount == 0 {
		c.SuccessRate = DefaultSuccessRate
	}
	c.SuccessRate = clamp01(c.SuccessRate)
	r.caps[name] = &c
	r.mu.Unlock()
}

// Update records one binary outcome for name.
func (r *Registry) Update(ctx context.Context, name string, success bool, d time.Duration, note string) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	r.UpdateOutcome(ctx, name, outcome, d, note)
}

// UpdateOutcome records a graded outcome. The outcome is clamped to [0,1],
// then smoothed into SuccessRate. Unknown names are registered first.
func (r *Registry) UpdateOutcome(ctx context.Context, name string, outcome float64, d time.Duration, note string) {
	if r == nil {
		return
	}
	name = normalizeName(name)
	if name == "" {
		return
	}
	outcome = clamp01(outcome)

	r.mu.Lock()
	c, ok := r.caps[name]
	if !ok {
		c = &Capability{Name: name, SuccessRate: DefaultSuccessRate}
		r.caps[name] = c
	}
	c.SuccessRate = clamp01(c.SuccessRate*(1-r.alpha) + outcome*r.alpha)
	c.UsageCount++
	c.AvgDuration += (d - c.AvgDuration) / time.Duration(c.UsageCount)
	c.LastContext = note
	c.LastUpdated = r.now()
	snapshot := c.clone()
	r.mu.Unlock()

	r.persist(ctx, snapshot)
	r.bus.Publish(bus.TopicCapabilityUpdated, bus.CapabilityEvent{
		Name:        snapshot.Name,
		SuccessRate: snapshot.SuccessRate,
		UsageCount:  snapshot.UsageCount,
	})
}

// persist saves c. The first store error is logged once and persistence is
// abandoned for the life of the registry.
func (r *Registry) persist(ctx context.Context, c Capability) {
	if r.store == nil {
		return
	}
	r.mu.RLock()
	failed := r.storeFailed
	r.mu.RUnlock()
	if failed {
		return
	}
	if err := r.store.SaveCapability(context.WithoutCancel(ctx), c); err != nil {
		r.mu.Lock()
		first := !r.storeFailed
		r.storeFailed = true
		r.mu.Unlock()
		if first {
			r.logger.Warn("capability store unavailable; continuing in memory", "capability", c.Name, "error", err)
		}
	}
}

// Load merges persisted snapshots into the registry. Persisted statistics
// replace the in-memory ones for names present in the store.
func (r *Registry) Load(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	caps, err := r.store.LoadCapabilities(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range caps {
		name := normalizeName(c.Name)
		if name == "" {
			continue
		}
		c.Name = name
		c.SuccessRate = clamp01(c.SuccessRate)
		if existing, ok := r.caps[name]; ok {
			if c.Description == "" {
				c.Description = existing.Description
			}
			if len(c.Dependencies) == 0 {
				c.Dependencies = existing.Dependencies
			}
		}
		cc := c
		r.caps[name] = &cc
	}
	return nil
}

func (r *Registry) Get(name string) (Capability, bool) {
	if r == nil {
		return Capability{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[normalizeName(name)]
	if !ok {
		return Capability{}, false
	}
	return c.clone(), true
}

// List returns all capabilities sorted by name.
func (r *Registry) List() []Capability {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]Capability, 0, len(r.caps))
	for _, c := range r.caps {
		out = append(out, c.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Weakest returns up to n capabilities ordered by success rate ascending.
func (r *Registry) Weakest(n int) []Capability {
	if r == nil || n <= 0 {
		return nil
	}
	all := r.List()
	sortByRate(all)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// IdentifyGaps returns names of capabilities below the gap cutoff that
// relate to the weakness text, weakest first. When no capability relates
// textually, every capability below the cutoff is returned.
func (r *Registry) IdentifyGaps(weakness string) []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	cutoff := r.cutoff
	r.mu.RUnlock()

	all := r.List()
	tokens := tokenize(weakness)
	var matched, below []Capability
	for _, c := range all {
		if c.SuccessRate >= cutoff {
			continue
		}
		below = append(below, c)
		if relates(c, tokens) {
			matched = append(matched, c)
		}
	}
	result := matched
	if len(result) == 0 {
		result = below
	}
	sortByRate(result)
	names := make([]string, len(result))
	for i, c := range result {
		names[i] = c.Name
	}
	return names
}

// Cutoff returns the gap threshold in use.
func (r *Registry) Cutoff() float64 {
	if r == nil {
		return DefaultGapCutoff
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cutoff
}

func (c *Capability) clone() Capability {
	out := *c
	out.Dependencies = append([]string(nil), c.Dependencies...)
	return out
}

func sortByRate(caps []Capability) {
	sort.SliceStable(caps, func(i, j int) bool {
		if caps[i].SuccessRate != caps[j].SuccessRate {
			return caps[i].SuccessRate < caps[j].SuccessRate
		}
		return caps[i].Name < caps[j].Name
	})
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"that": true, "this": true, "was": true, "are": true, "not": true,
}

func tokenize(s string) []string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool { return !unicode.IsLetter(r) })
	out := words[:0]
	for _, w := range words {
		if len(w) >= 3 && !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

func relates(c Capability, tokens []string) bool {
	if len(tokens) == 0 {
		return false
	}
	hay := strings.ToLower(c.Name + " " + c.Description + " " + strings.Join(c.Dependencies, " "))
	hay = strings.ReplaceAll(hay, "_", " ")
	for _, t := range tokens {
		if strings.Contains(hay, t) {
			return true
		}
	}
	return false
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
