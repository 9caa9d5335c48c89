package messenger

import (
	"sync"

	"github.com/elissabot/elissa/internal/models"
)

// dispatcher runs work on per-conversation serial queues: work for one
// key executes in submission order, work for different keys executes in
// parallel. The engine's own per-key locking makes this safe; the
// dispatcher exists so one slow conversation cannot stall the rest of
// the event stream.
type dispatcher struct {
	mu     sync.Mutex
	queues map[models.ConversationKey][]func()
	wg     sync.WaitGroup
}

func newDispatcher() *dispatcher {
	return &dispatcher{queues: make(map[models.ConversationKey][]func())}
}

// Do enqueues fn for key. A queue entry's presence means a worker is
// draining it; the worker removes the entry under the lock when the
// queue runs dry.
func (d *dispatcher) Do(key models.ConversationKey, fn func()) {
	d.mu.Lock()
	queue, running := d.queues[key]
	d.queues[key] = append(queue, fn)
	if running {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.drain(key)
}

func (d *dispatcher) drain(key models.ConversationKey) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		queue := d.queues[key]
		if len(queue) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		fn := queue[0]
		d.queues[key] = queue[1:]
		d.mu.Unlock()

		fn()
	}
}

// Wait blocks until every enqueued function has finished.
func (d *dispatcher) Wait() {
	d.wg.Wait()
}
