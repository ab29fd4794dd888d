package util

import (
	"sort"
	"strconv"
	"testing"
)

func TestNewMapHeap(t *testing.T) {
	mh := NewMapHeap[string]()
	if mh.Len() != 0 {
		t.Errorf("New heap should be empty, but has length %d", mh.Len())
	}
	if _, ok := mh.Peek(); ok {
		t.Error("Peek on an empty heap should return false")
	}
	if _, ok := mh.PopMin(); ok {
		t.Error("PopMin on an empty heap should return false")
	}
}

func TestAddItem(t *testing.T) {
	mh := NewMapHeap[string]()
	mh.AddItem("a", 100)
	mh.AddItem("b", 200)
	mh.AddItem("c", 50)

	if mh.Len() != 3 {
		t.Errorf("Heap should have 3 items, but has %d", mh.Len())
	}
	for _, k := range []string{"a", "b", "c"} {
		if !mh.Contains(k) {
			t.Errorf("Heap should contain key %s", k)
		}
	}

	it, ok := mh.Peek()
	if !ok {
		t.Fatal("Peek() should return an item")
	}
	if it.Key != "c" || it.Priority != 50 {
		t.Errorf("Expected min item to be (c,50), got %s", it)
	}
}

func TestUpdateItem(t *testing.T) {
	mh := NewMapHeap[string]()
	mh.AddItem("a", 100)
	mh.AddItem("b", 200)

	// move a behind b
	mh.AddItem("a", 300)

	if mh.Len() != 2 {
		t.Errorf("Update must not add a second item, heap has %d items", mh.Len())
	}
	it, _ := mh.GetByKey("a")
	if it.Priority != 300 {
		t.Errorf("Expected priority 300, got %d", it.Priority)
	}
	front, _ := mh.Peek()
	if front.Key != "b" {
		t.Errorf("Expected b at the front, got %s", front.Key)
	}
}

func TestRemoveByKey(t *testing.T) {
	mh := NewMapHeap[int]()
	for i := 0; i < 10; i++ {
		mh.AddItem(i, int64(100-i))
	}

	prio, ok := mh.RemoveByKey(9)
	if !ok || prio != 91 {
		t.Errorf("Expected to remove key 9 with priority 91, got %d, %v", prio, ok)
	}
	if mh.Contains(9) {
		t.Error("Key 9 should have been removed")
	}
	if _, ok := mh.RemoveByKey(9); ok {
		t.Error("Removing a missing key should return false")
	}

	front, _ := mh.Peek()
	if front.Key != 8 {
		t.Errorf("Expected key 8 at the front, got %d", front.Key)
	}
}

func TestPopOrder(t *testing.T) {
	mh := NewMapHeap[int]()
	prios := []int64{42, 7, 99, 1, 56, 23, 7, 88}
	for i, p := range prios {
		mh.AddItem(i, p)
	}

	var got []int64
	for mh.Len() > 0 {
		it, _ := mh.PopMin()
		got = append(got, it.Priority)
	}

	want := append([]int64(nil), prios...)
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Pop order mismatch at %d: want %v, got %v", i, want, got)
		}
	}
	if len(mh.itemsMap) != 0 {
		t.Errorf("Map should be empty after popping everything, has %d", len(mh.itemsMap))
	}
}

func TestClear(t *testing.T) {
	mh := NewMapHeap[string]()
	mh.AddItem("a", 1)
	mh.Clear()
	if mh.Len() != 0 || mh.Contains("a") {
		t.Error("Clear should remove all items")
	}
}

func TestHashDistribution(t *testing.T) {
	seed := GenerateSeed()
	const shards = 8
	counts := make([]float64, shards)
	for i := 0; i < 8000; i++ {
		h := HashString("key-"+strconv.Itoa(i), seed)
		counts[ShardIndex(h, shards)]++
	}

	if HashString("same", seed) != HashString("same", seed) {
		t.Error("HashString must be deterministic for the same seed")
	}

	if q := NewDistributionStats(counts).DistributionQuality; q < 0.8 {
		t.Errorf("Expected an even shard distribution, quality is %.2f (%v)", q, counts)
	}
}

func TestSizeHistogram(t *testing.T) {
	h := NewSizeHistogram()
	if h.MedianEstimate() != 0 {
		t.Error("Empty histogram should estimate 0")
	}
	for i := 0; i < 100; i++ {
		h.AddSample(100)
	}
	if h.Count() != 100 {
		t.Errorf("Expected 100 samples, got %d", h.Count())
	}
	if h.AverageSize() != 100 {
		t.Errorf("Expected average 100, got %d", h.AverageSize())
	}
	if m := h.MedianEstimate(); m < 64 || m > 256 {
		t.Errorf("Median estimate %d is outside the 64-256 bucket", m)
	}
}
