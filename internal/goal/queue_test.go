package goal

import (
	"fmt"
	"sync"
	"testing"

	"github.com/basket/go-autonomy/internal/shared"
)

func TestQueueFIFO(t *testing.T) {
	q := NewQueue()
	if _, ok := q.Dequeue(); ok {
		t.Fatal("dequeue on empty queue must fail")
	}
	// Priority must not reorder.
	prios := []shared.Priority{shared.PriorityLow, shared.PriorityCritical, shared.PriorityNormal}
	for i, p := range prios {
		q.Enqueue(New(fmt.Sprintf("g%d", i), p, SourceUser))
	}
	if q.Len() != 3 {
		t.Fatalf("len = %d", q.Len())
	}
	for i := range prios {
		g, ok := q.Dequeue()
		if !ok || g.Description != fmt.Sprintf("g%d", i) {
			t.Fatalf("dequeue %d = %+v, %v", i, g, ok)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("len after drain = %d", q.Len())
	}
}

func TestQueueMultipleProducers(t *testing.T) {
	const producers, per = 8, 500
	q := NewQueue()
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				q.Enqueue(Goal{ID: fmt.Sprintf("%d", p), Generation: i})
			}
		}(p)
	}
	wg.Wait()

	if q.Len() != producers*per {
		t.Fatalf("len = %d, want %d", q.Len(), producers*per)
	}
	next := make(map[string]int)
	for {
		g, ok := q.Dequeue()
		if !ok {
			break
		}
		if g.Generation != next[g.ID] {
			t.Fatalf("producer %s: got item %d, want %d", g.ID, g.Generation, next[g.ID])
		}
		next[g.ID]++
	}
	for p := 0; p < producers; p++ {
		if n := next[fmt.Sprintf("%d", p)]; n != per {
			t.Fatalf("producer %d delivered %d items", p, n)
		}
	}
}

func TestQueueConcurrentProduceConsume(t *testing.T) {
	const total = 2000
	q := NewQueue()
	done := make(chan int)
	go func() {
		got := 0
		last := -1
		for got < total {
			g, ok := q.Dequeue()
			if !ok {
				continue
			}
			if g.Generation <= last {
				t.Errorf("out of order: %d after %d", g.Generation, last)
			}
			last = g.Generation
			got++
		}
		done <- got
	}()
	for i := 0; i < total; i++ {
		q.Enqueue(Goal{Generation: i})
	}
	if got := <-done; got != total {
		t.Fatalf("consumed %d", got)
	}
}

func TestSnapshotAndClear(t *testing.T) {
	q := NewQueue()
	q.Enqueue(New("a", shared.PriorityNormal, SourceUser))
	q.Enqueue(New("b", shared.PriorityNormal, SourceUser))
	snap := q.Snapshot()
	if len(snap) != 2 || snap[0].Description != "a" || snap[1].Description != "b" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if q.Len() != 2 {
		t.Fatal("snapshot must not consume")
	}
	if n := q.Clear(); n != 2 {
		t.Fatalf("clear = %d", n)
	}
	if len(q.Snapshot()) != 0 || q.Len() != 0 {
		t.Fatal("queue not empty after clear")
	}
}

func TestFollowUp(t *testing.T) {
	root := New("  build index ", shared.PriorityHigh, SourceIdeation)
	if root.Description != "build index" || root.Generation != 0 {
		t.Fatalf("root = %+v", root)
	}
	child := root.FollowUp("Learn: build index")
	if child.ParentID != root.ID || child.Generation != 1 || child.Source != SourceFollowUp || child.Priority != shared.PriorityLow {
		t.Fatalf("child = %+v", child)
	}
	if len(root.ShortID()) != 8 {
		t.Fatalf("short id = %q", root.ShortID())
	}
}
