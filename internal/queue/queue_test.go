package queue

import (
	"sync"
	"testing"
)

// testItem is a simple struct for testing the generic queue
type testItem struct {
	ID   int
	Name string
}

func TestQueue_New(t *testing.T) {
	q := New[testItem]()
	if q == nil {
		t.Fatal("expected non-nil queue")
	}
	if !q.Empty() {
		t.Error("expected empty queue")
	}
	if q.Cap() != 0 {
		t.Errorf("expected unbounded queue, got cap %d", q.Cap())
	}
}

func TestQueue_PushPop(t *testing.T) {
	q := New[testItem]()

	if _, ok := q.Pop(); ok {
		t.Error("expected pop from empty queue to fail")
	}

	q.Push(testItem{ID: 1, Name: "first"}, testItem{ID: 2, Name: "second"})
	first, ok := q.Pop()
	if !ok || first.ID != 1 || first.Name != "first" {
		t.Errorf("expected {1, first}, got %+v", first)
	}
	if q.Len() != 1 {
		t.Errorf("expected length 1, got %d", q.Len())
	}
}

func TestQueue_Front(t *testing.T) {
	q := New[int]()
	if _, ok := q.Front(); ok {
		t.Error("expected front of empty queue to fail")
	}
	q.Push(7, 8)
	v, ok := q.Front()
	if !ok || v != 7 {
		t.Errorf("expected 7, got %d", v)
	}
	if q.Len() != 2 {
		t.Errorf("front must not remove, got length %d", q.Len())
	}
}

func TestQueue_BoundedEvictsOldest(t *testing.T) {
	q := NewBounded[int](3)

	if n := q.Push(1, 2, 3); n != 0 {
		t.Errorf("expected no eviction, got %d", n)
	}
	if n := q.Push(4); n != 1 {
		t.Errorf("expected one eviction, got %d", n)
	}
	if n := q.Push(5, 6, 7, 8); n != 4 {
		t.Errorf("expected four evictions, got %d", n)
	}

	got := q.Snapshot()
	want := []int{6, 7, 8}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
		}
	}
}

func TestQueue_BoundedMinimumCapacity(t *testing.T) {
	q := NewBounded[string](0)
	if q.Cap() != 1 {
		t.Errorf("expected capacity 1, got %d", q.Cap())
	}
	q.Push("a", "b")
	v, _ := q.Front()
	if v != "b" || q.Len() != 1 {
		t.Errorf("expected only b, got %v", q.Snapshot())
	}
}

func TestQueue_SnapshotIsCopy(t *testing.T) {
	q := New[int]()
	q.Push(1, 2)
	s := q.Snapshot()
	s[0] = 99
	if v, _ := q.Front(); v != 1 {
		t.Errorf("snapshot aliased queue storage")
	}
}

func TestQueue_Clear(t *testing.T) {
	q := NewBounded[testItem](4)
	q.Push(testItem{ID: 1}, testItem{ID: 2}, testItem{ID: 3})

	q.Clear()

	if !q.Empty() {
		t.Error("expected empty queue after clear")
	}
	if q.Len() != 0 {
		t.Errorf("expected length 0, got %d", q.Len())
	}
}

func TestQueue_Drain(t *testing.T) {
	q := New[testItem]()
	q.Push(testItem{ID: 1}, testItem{ID: 2}, testItem{ID: 3})

	result := q.Drain()

	if len(result) != 3 {
		t.Errorf("expected 3 items, got %d", len(result))
	}
	if result[0].ID != 1 || result[1].ID != 2 || result[2].ID != 3 {
		t.Errorf("unexpected items: %+v", result)
	}
	if !q.Empty() {
		t.Error("expected empty queue after Drain")
	}
}

func TestQueue_Concurrent(t *testing.T) {
	q := New[testItem]()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			q.Push(testItem{ID: id})
		}(i)
	}
	wg.Wait()

	if q.Len() != 100 {
		t.Errorf("expected 100 items, got %d", q.Len())
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Pop()
		}()
	}
	wg.Wait()

	if q.Len() != 50 {
		t.Errorf("expected 50 items after pops, got %d", q.Len())
	}
}

func TestQueue_ConcurrentDrain(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		q.Push(i)
	}

	var wg sync.WaitGroup
	results := make(chan []int, 10)

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- q.Drain()
		}()
	}
	wg.Wait()
	close(results)

	total := 0
	for r := range results {
		total += len(r)
	}
	if total != 100 {
		t.Errorf("expected total 100 items, got %d", total)
	}
}
