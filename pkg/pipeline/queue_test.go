package pipeline

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/roundtrip/pkg/doctype"
)

func TestWorkQueueFIFO(t *testing.T) {
	var q workQueue
	_, ok := q.pop()
	require.False(t, ok)

	for i := range 3000 {
		q.push(doctype.WorkItem{Type: "docx", Name: fmt.Sprintf("%04d.docx", i)})
	}
	assert.Equal(t, 3000, q.len())

	for i := range 3000 {
		item, ok := q.pop()
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("%04d.docx", i), item.Name)
	}
	assert.Zero(t, q.len())
}

func TestWorkQueueConcurrentConsumers(t *testing.T) {
	var q workQueue
	for i := range 500 {
		q.push(doctype.WorkItem{Type: "xls", Name: fmt.Sprintf("%d.xls", i)})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, ok := q.pop()
				if !ok {
					return
				}
				mu.Lock()
				seen[item.Name]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 500)
	for name, n := range seen {
		assert.Equal(t, 1, n, name)
	}
}
