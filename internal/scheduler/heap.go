package scheduler

import (
	"time"

	"github.com/elissabot/elissa/internal/models"
)

// armedTimer is one in-memory armed timer.
type armedTimer struct {
	key   models.ConversationKey
	dueAt time.Time
}

// timerHeap is a min-heap ordered by due time.
type timerHeap []armedTimer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].dueAt.Before(h[j].dueAt) }
func (h timerHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) {
	*h = append(*h, x.(armedTimer))
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
