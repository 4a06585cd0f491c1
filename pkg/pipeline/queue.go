package pipeline

import (
	"sync"

	"github.com/3leaps/roundtrip/pkg/doctype"
)

// workQueue is an unbounded FIFO. Producers never block; consumers poll.
type workQueue struct {
	mu    sync.Mutex
	items []doctype.WorkItem
	head  int
}

func (q *workQueue) push(item doctype.WorkItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
}

func (q *workQueue) pop() (doctype.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.head >= len(q.items) {
		return doctype.WorkItem{}, false
	}
	item := q.items[q.head]
	q.items[q.head] = doctype.WorkItem{}
	q.head++

	// Compact once the consumed prefix dominates.
	if q.head > 1024 && q.head*2 > len(q.items) {
		q.items = append([]doctype.WorkItem(nil), q.items[q.head:]...)
		q.head = 0
	}
	return item, true
}

func (q *workQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}
