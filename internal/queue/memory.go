package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/feedbackforge/scrape-orchestrator/internal/feedback"
)

// Memory implements feedback.Queue in process memory. It exists so the
// orchestration layer keeps working when Redis is absent; the semantics
// mirror the Redis implementation exactly.
type Memory struct {
	mu             sync.Mutex
	ready          entryHeap
	scheduled      map[string]scheduledEntry
	inflight       map[string]struct{}
	completedToday int64
	completedDay   string
	seq            int64
	now            func() time.Time
	wake           chan struct{}
}

type entry struct {
	jobID    string
	priority int
	seq      int64
}

type scheduledEntry struct {
	priority int
	readyAt  time.Time
}

// NewMemory builds an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{
		scheduled: make(map[string]scheduledEntry),
		inflight:  make(map[string]struct{}),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
}

// setClock swaps the time source. NewJobQueue propagates its clock here so
// the delayed-entry cutoff and the schedule it compares against come from the
// same source.
func (q *Memory) setClock(clock feedback.Clock) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = clock.Now
}

// Enqueue inserts jobID ordered by priority desc, insertion order asc.
func (q *Memory) Enqueue(_ context.Context, jobID string, priority int) error {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.ready, entry{jobID: jobID, priority: priority, seq: q.seq})
	q.mu.Unlock()
	q.signal()
	return nil
}

// EnqueueDelayed parks jobID until readyAt.
func (q *Memory) EnqueueDelayed(_ context.Context, jobID string, priority int, readyAt time.Time) error {
	q.mu.Lock()
	q.scheduled[jobID] = scheduledEntry{priority: priority, readyAt: readyAt}
	q.mu.Unlock()
	return nil
}

// Dequeue pops the best ready job, blocking up to wait.
func (q *Memory) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	deadline := q.now().Add(wait)
	for {
		if jobID := q.tryPop(); jobID != "" {
			return jobID, nil
		}
		if wait <= 0 || !q.now().Before(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.wake:
		case <-time.After(pollInterval):
			// Periodic wake so due scheduled jobs get promoted.
		}
	}
}

func (q *Memory) tryPop() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteDueLocked()
	if q.ready.Len() == 0 {
		return ""
	}
	e := heap.Pop(&q.ready).(entry)
	q.inflight[e.jobID] = struct{}{}
	return e.jobID
}

func (q *Memory) promoteDueLocked() {
	now := q.now()
	for jobID, s := range q.scheduled {
		if s.readyAt.After(now) {
			continue
		}
		delete(q.scheduled, jobID)
		q.seq++
		heap.Push(&q.ready, entry{jobID: jobID, priority: s.priority, seq: q.seq})
	}
}

// Ack drops jobID from in-flight tracking.
func (q *Memory) Ack(_ context.Context, jobID string, completed bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, jobID)
	if completed {
		day := q.now().UTC().Format("2006-01-02")
		if day != q.completedDay {
			q.completedDay = day
			q.completedToday = 0
		}
		q.completedToday++
	}
	return nil
}

// Remove drops jobID from the ready and scheduled sets.
func (q *Memory) Remove(_ context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.scheduled, jobID)
	for i := range q.ready {
		if q.ready[i].jobID == jobID {
			heap.Remove(&q.ready, i)
			break
		}
	}
	return nil
}

// Stats reports queue occupancy.
func (q *Memory) Stats(context.Context) (feedback.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	completed := q.completedToday
	if q.completedDay != q.now().UTC().Format("2006-01-02") {
		completed = 0
	}
	return feedback.QueueStats{
		Pending:        int64(q.ready.Len() + len(q.scheduled)),
		Processing:     int64(len(q.inflight)),
		CompletedToday: completed,
	}, nil
}

func (q *Memory) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// entryHeap orders by priority descending, then insertion sequence ascending.
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
