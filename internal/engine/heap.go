package engine

import "container/heap"

// betHeap orders pending order ids by target time so the tick loop drains
// the earliest targets first. Entries whose order id has left the state map
// (refunds) are skipped at drain time.
type betHeap struct {
	items []heapItem
}

type heapItem struct {
	orderID    string
	targetTime float64
}

func newBetHeap() *betHeap {
	h := &betHeap{}
	heap.Init(h)
	return h
}

func (h *betHeap) Len() int            { return len(h.items) }
func (h *betHeap) Less(i, j int) bool  { return h.items[i].targetTime < h.items[j].targetTime }
func (h *betHeap) Swap(i, j int)       { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *betHeap) Push(x interface{})  { h.items = append(h.items, x.(heapItem)) }
func (h *betHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// push adds one pending bet.
func (h *betHeap) push(orderID string, targetTime float64) {
	heap.Push(h, heapItem{orderID: orderID, targetTime: targetTime})
}

// peek returns the earliest pending entry without removing it.
func (h *betHeap) peek() (heapItem, bool) {
	if len(h.items) == 0 {
		return heapItem{}, false
	}
	return h.items[0], true
}

// pop removes and returns the earliest pending entry.
func (h *betHeap) pop() (heapItem, bool) {
	if len(h.items) == 0 {
		return heapItem{}, false
	}
	return heap.Pop(h).(heapItem), true
}
