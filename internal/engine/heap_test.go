package engine

import "testing"

func TestBetHeap_OrdersByTargetTime(t *testing.T) {
	h := newBetHeap()
	h.push("ord-c", 30)
	h.push("ord-a", 5)
	h.push("ord-d", 45)
	h.push("ord-b", 12)

	if top, ok := h.peek(); !ok || top.orderID != "ord-a" {
		t.Fatalf("peek = %+v, want ord-a", top)
	}
	if h.Len() != 4 {
		t.Fatalf("len = %d after peek, want 4", h.Len())
	}

	want := []string{"ord-a", "ord-b", "ord-c", "ord-d"}
	for i, w := range want {
		item, ok := h.pop()
		if !ok {
			t.Fatalf("pop %d: heap empty", i)
		}
		if item.orderID != w {
			t.Errorf("pop %d = %s, want %s", i, item.orderID, w)
		}
	}
	if _, ok := h.pop(); ok {
		t.Error("pop on empty heap reported an item")
	}
	if _, ok := h.peek(); ok {
		t.Error("peek on empty heap reported an item")
	}
}
