package data

import (
	"container/heap"
)

// Item describes an entry in the arrival queue. The index field is maintained by the heap
// machinery so that an item can be removed from the middle of the queue in logarithmic time.
type Item struct {
	value   interface{}
	arrival int64
	index   int
}

// Value returns the value carried by the item.
func (i *Item) Value() interface{} {
	return i.value
}

// arrivalHeap implements heap.Interface over Items, ordered by ascending arrival.
// This implementation is adapted from the container/heap documentation:
// https://golang.org/pkg/container/heap/
type arrivalHeap []*Item

// Len returns the current size of the heap.
func (h arrivalHeap) Len() int {
	return len(h)
}

// Less instructs heap.Interface how to sort items within the heap. The oldest arrival sits at
// the root, so expiry sweeps can stop at the first item that is too young.
func (h arrivalHeap) Less(i, j int) bool {
	return h[i].arrival < h[j].arrival
}

// Swap swaps the ith and jth items in the backing data structure.
func (h arrivalHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push adds a new item to the backing data structure.
func (h *arrivalHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*Item)
	item.index = n
	*h = append(*h, item)
}

// Pop removes the last item from the backing data structure.
func (h *arrivalHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	item.index = -1
	*h = old[0 : n-1]

	return item
}

// ArrivalQueue is a min-heap of values keyed by an arrival timestamp, supporting removal of
// arbitrary items by handle. It is not internally synchronized; callers own locking.
type ArrivalQueue struct {
	store arrivalHeap
}

// NewArrivalQueue creates an empty arrival queue.
func NewArrivalQueue() *ArrivalQueue {
	var store arrivalHeap
	heap.Init(&store)

	return &ArrivalQueue{store: store}
}

// Push inserts a value tagged with an arrival timestamp and returns a handle that may later be
// passed to Remove.
func (q *ArrivalQueue) Push(value interface{}, arrival int64) *Item {
	item := &Item{value: value, arrival: arrival}
	heap.Push(&q.store, item)

	return item
}

// PopOlderThan removes and returns the oldest value if its arrival precedes the threshold.
// It returns false when the queue is empty or the oldest item is too young.
func (q *ArrivalQueue) PopOlderThan(threshold int64) (interface{}, bool) {
	if q.store.Len() == 0 || q.store[0].arrival >= threshold {
		return nil, false
	}

	item := heap.Pop(&q.store).(*Item)

	return item.value, true
}

// Pop removes and returns the oldest value unconditionally.
func (q *ArrivalQueue) Pop() (interface{}, bool) {
	if q.store.Len() == 0 {
		return nil, false
	}

	item := heap.Pop(&q.store).(*Item)

	return item.value, true
}

// Remove deletes an item from the middle of the queue by its handle. Removing an item twice is a
// noop.
func (q *ArrivalQueue) Remove(item *Item) {
	if item.index < 0 {
		return
	}

	heap.Remove(&q.store, item.index)
}

// Len reads the current size of the queue.
func (q *ArrivalQueue) Len() int {
	return q.store.Len()
}
