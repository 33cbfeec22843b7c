package capability

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-autonomy/internal/bus"
)

func TestUpdate_ExponentialSmoothing(t *testing.T) {
	r := NewRegistry()
	r.Register(Capability{Name: "planning"})
	ctx := context.Background()

	r.Update(ctx, "planning", true, time.Second, "goal-1")
	c, _ := r.Get("planning")
	if math.Abs(c.SuccessRate-0.55) > 1e-9 {
		t.Fatalf("rate after success = %v, want 0.55", c.SuccessRate)
	}

	r.Update(ctx, "planning", false, 3*time.Second, "goal-2")
	c, _ = r.Get("planning")
	if math.Abs(c.SuccessRate-0.495) > 1e-9 {
		t.Fatalf("rate after failure = %v, want 0.495", c.SuccessRate)
	}
	if c.UsageCount != 2 {
		t.Fatalf("usage = %d, want 2", c.UsageCount)
	}
	if c.AvgDuration != 2*time.Second {
		t.Fatalf("avg duration = %v, want 2s", c.AvgDuration)
	}
	if c.LastContext != "goal-2" {
		t.Fatalf("last context = %q", c.LastContext)
	}
}

func TestUpdateOutcome_StaysInUnitInterval(t *testing.T) {
	r := NewRegistry(WithAlpha(0.9))
	rng := rand.New(rand.NewPCG(1, 2))
	ctx := context.Background()
	outcomes := []float64{math.Inf(1), math.Inf(-1), math.NaN(), -5, 5, 1e308, -1e308}
	for i := 0; i < 2000; i++ {
		var o float64
		if i%10 == 0 {
			o = outcomes[(i/10)%len(outcomes)]
		} else {
			o = rng.NormFloat64() * 10
		}
		r.UpdateOutcome(ctx, "reasoning", o, time.Millisecond, "")
		c, _ := r.Get("reasoning")
		if c.SuccessRate < 0 || c.SuccessRate > 1 || math.IsNaN(c.SuccessRate) {
			t.Fatalf("iteration %d: outcome %v produced rate %v", i, o, c.SuccessRate)
		}
	}
}

func TestUpdate_AutoRegistersUnknown(t *testing.T) {
	r := NewRegistry()
	r.Update(context.Background(), "  Juggling ", true, 0, "")
	c, ok := r.Get("juggling")
	if !ok {
		t.Fatal("unknown capability not registered")
	}
	if math.Abs(c.SuccessRate-0.55) > 1e-9 {
		t.Fatalf("rate = %v, want smoothing from 0.5", c.SuccessRate)
	}
}

func TestRegister_KeepsStatistics(t *testing.T) {
	r := NewRegistry()
	r.Register(Capability{Name: "coding", Description: "old"})
	r.Update(context.Background(), "coding", false, time.Second, "")
	before, _ := r.Get("coding")

	r.Register(Capability{Name: "coding", Description: "new", Dependencies: []string{"reasoning"}})
	after, _ := r.Get("coding")
	if after.SuccessRate != before.SuccessRate || after.UsageCount != 1 {
		t.Fatalf("statistics changed on re-register: %#v", after)
	}
	if after.Description != "new" || len(after.Dependencies) != 1 {
		t.Fatalf("metadata not updated: %#v", after)
	}
}

func TestIdentifyGaps(t *testing.T) {
	r := NewRegistry()
	for _, c := range DefaultCatalog() {
		r.Register(c)
	}
	ctx := context.Background()
	// planning 0.405, coding 0.45, research 0.595, untouched 0.5.
	// tool_use relates through its planning dependency.
	r.Update(ctx, "planning", false, 0, "")
	r.Update(ctx, "planning", false, 0, "")
	r.Update(ctx, "coding", false, 0, "")
	r.Update(ctx, "research", true, 0, "")
	r.Update(ctx, "research", true, 0, "")
	for i := 0; i < 10; i++ {
		r.Update(ctx, "memory", true, 0, "")
	}

	got := r.IdentifyGaps("struggles to write program code and plan steps")
	want := []string{"planning", "coding", "tool_use"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("textual gaps = %v, want %v", got, want)
	}

	all := r.IdentifyGaps("zzz qqq")
	if len(all) == 0 || all[0] != "planning" {
		t.Fatalf("fallback gaps = %v", all)
	}
	for _, name := range all {
		if name == "memory" {
			t.Fatal("capability above cutoff reported as gap")
		}
	}
	for i := 1; i < len(all); i++ {
		a, _ := r.Get(all[i-1])
		b, _ := r.Get(all[i])
		if a.SuccessRate > b.SuccessRate {
			t.Fatalf("gaps not ascending: %v", all)
		}
	}
}

func TestWeakest(t *testing.T) {
	r := NewRegistry()
	r.Register(Capability{Name: "a"})
	r.Register(Capability{Name: "b"})
	r.Register(Capability{Name: "c"})
	r.Update(context.Background(), "b", false, 0, "")
	w := r.Weakest(2)
	if len(w) != 2 || w[0].Name != "b" || w[1].Name != "a" {
		t.Fatalf("weakest = %#v", w)
	}
	if r.Weakest(0) != nil {
		t.Fatal("Weakest(0) should be empty")
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	ctx := context.Background()
	r.Register(Capability{Name: "x"})
	r.Update(ctx, "x", true, time.Second, "")
	if _, ok := r.Get("x"); ok {
		t.Fatal("nil registry returned a capability")
	}
	if r.List() != nil || r.Weakest(3) != nil || r.IdentifyGaps("x") != nil {
		t.Fatal("nil registry returned results")
	}
	if err := r.Load(ctx); err != nil {
		t.Fatalf("Load on nil: %v", err)
	}
}

type fakeStore struct {
	mu     sync.Mutex
	saved  []Capability
	err    error
	loaded []Capability
}

func (f *fakeStore) SaveCapability(_ context.Context, c Capability) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, c)
	return nil
}

func (f *fakeStore) LoadCapabilities(context.Context) ([]Capability, error) {
	return f.loaded, nil
}

func TestStore_PersistAndLoad(t *testing.T) {
	fs := &fakeStore{loaded: []Capability{{Name: "planning", SuccessRate: 0.9, UsageCount: 40}}}
	r := NewRegistry(WithStore(fs))
	r.Register(Capability{Name: "planning", Description: "Break goals into ordered steps"})
	if err := r.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	c, _ := r.Get("planning")
	if c.SuccessRate != 0.9 || c.UsageCount != 40 || c.Description == "" {
		t.Fatalf("loaded = %#v", c)
	}

	r.Update(context.Background(), "planning", true, time.Second, "")
	if len(fs.saved) != 1 || fs.saved[0].UsageCount != 41 {
		t.Fatalf("saved = %#v", fs.saved)
	}
}

func TestStore_FailureFallsBackToMemory(t *testing.T) {
	fs := &fakeStore{err: errors.New("disk full")}
	r := NewRegistry(WithStore(fs))
	r.Update(context.Background(), "coding", true, 0, "")
	r.Update(context.Background(), "coding", true, 0, "")
	c, _ := r.Get("coding")
	if c.UsageCount != 2 {
		t.Fatalf("in-memory update lost: %#v", c)
	}
	if !r.storeFailed {
		t.Fatal("store failure not recorded")
	}
}

func TestUpdate_PublishesEvent(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicCapabilityUpdated)
	defer b.Unsubscribe(sub)

	r := NewRegistry(WithEventBus(b))
	r.Update(context.Background(), "learning", true, 0, "")

	select {
	case ev := <-sub.Ch():
		p := ev.Payload.(bus.CapabilityEvent)
		if p.Name != "learning" || p.UsageCount != 1 {
			t.Fatalf("payload = %#v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no capability.updated event")
	}
}

func TestConcurrentUpdates(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Update(context.Background(), "reasoning", (i+j)%2 == 0, time.Millisecond, "")
				_ = r.IdentifyGaps("reasoning")
			}
		}(i)
	}
	wg.Wait()
	c, _ := r.Get("reasoning")
	if c.UsageCount != 800 {
		t.Fatalf("usage = %d, want 800", c.UsageCount)
	}
}
