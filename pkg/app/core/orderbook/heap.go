package orderbook

import "sort"

// orderQueue implements heap.Interface over the live orders of one pair
// (best rate on top, earliest id on ties).
// Use container/heap to manipulate it (Init, Push, Pop, Remove, Fix).
type orderQueue []*Order

func (q orderQueue) Len() int           { return len(q) }
func (q orderQueue) Less(i, j int) bool { return q[i].BetterThan(q[j]) }
func (q orderQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].heapIndex = i
	q[j].heapIndex = j
}

func (q *orderQueue) Push(x interface{}) {
	o := x.(*Order)
	o.heapIndex = len(*q)
	*q = append(*q, o)
}

func (q *orderQueue) Pop() interface{} {
	old := *q
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	o.heapIndex = -1
	*q = old[0 : n-1]
	return o
}

// Peek returns the best order without removing it
func (q orderQueue) Peek() *Order {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// Sorted returns copies of the queued orders in priority order.
// The heap itself is only partially ordered, so this sorts a copy.
func (q orderQueue) Sorted() []Order {
	ptrs := make([]*Order, len(q))
	copy(ptrs, q)
	sort.Slice(ptrs, func(i, j int) bool { return ptrs[i].BetterThan(ptrs[j]) })

	out := make([]Order, len(ptrs))
	for i, o := range ptrs {
		out[i] = *o
	}
	return out
}
