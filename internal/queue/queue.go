// Package queue holds delivery units that are not yet due and releases each
// one to the worker pool once its scheduled instant arrives.
//
// The queue itself is in-memory: a due-time min-heap drained by a single
// dispatch goroutine. Durability comes from the store: on startup the app
// rebuilds the heap from every pending unit, so a lost timer is never a
// lost unit. Delivery is at-least-once; the store's claim guard makes
// duplicates harmless.
package queue

import (
	"container/heap"
	"sync"
	"time"

	logx "dripsend/pkg/logx"
)

type entry struct {
	unitID  string
	readyAt time.Time
}

type entryHeap []entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].readyAt.Before(h[j].readyAt) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// DelayedQueue releases unit IDs no earlier than their readyAt.
//
// No ordering across different units is promised beyond each unit's own
// readyAt; units with equal or close due times may come out in any order.
type DelayedQueue struct {
	mu sync.Mutex

	log logx.Logger
	now func() time.Time

	hmu  sync.Mutex
	h    entryHeap
	wake chan struct{}

	out chan string

	stopCh   chan struct{}
	stopDone chan struct{}
	wg       sync.WaitGroup
}

func New(buffer int, log logx.Logger) *DelayedQueue {
	return newQueue(buffer, log, time.Now)
}

// NewWithClock builds a queue on a caller-supplied clock.
func NewWithClock(buffer int, log logx.Logger, now func() time.Time) *DelayedQueue {
	return newQueue(buffer, log, now)
}

func newQueue(buffer int, log logx.Logger, now func() time.Time) *DelayedQueue {
	if buffer <= 0 {
		buffer = 256
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &DelayedQueue{
		log:  log,
		now:  now,
		wake: make(chan struct{}, 1),
		out:  make(chan string, buffer),
	}
}

// C is the delivery channel the worker pool receives from.
func (q *DelayedQueue) C() <-chan string { return q.out }

// Enqueue registers a unit for release at readyAt (immediately if past).
// Safe before Start; entries accumulate until the dispatch loop runs.
func (q *DelayedQueue) Enqueue(unitID string, readyAt time.Time) {
	q.hmu.Lock()
	heap.Push(&q.h, entry{unitID: unitID, readyAt: readyAt})
	q.hmu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len reports how many units are waiting for their due instant.
func (q *DelayedQueue) Len() int {
	q.hmu.Lock()
	defer q.hmu.Unlock()
	return len(q.h)
}

func (q *DelayedQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopCh != nil {
		return
	}
	q.stopCh = make(chan struct{})
	stopCh := q.stopCh

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.dispatch(stopCh)
	}()
	q.log.Info("service started", logx.Int("waiting", q.Len()))
}

func (q *DelayedQueue) Stop() {
	q.mu.Lock()
	if q.stopCh == nil {
		q.mu.Unlock()
		return
	}
	if q.stopDone != nil {
		done := q.stopDone
		q.mu.Unlock()
		<-done
		return
	}
	done := make(chan struct{})
	q.stopDone = done
	stopCh := q.stopCh
	q.mu.Unlock()

	close(stopCh)
	q.wg.Wait()

	q.mu.Lock()
	q.stopCh = nil
	q.stopDone = nil
	q.mu.Unlock()
	close(done)
	q.log.Info("service stopped")
}

func (q *DelayedQueue) dispatch(stopCh <-chan struct{}) {
	for {
		next, ok := q.peek()
		if !ok {
			select {
			case <-stopCh:
				return
			case <-q.wake:
				continue
			}
		}

		if d := next.readyAt.Sub(q.now()); d > 0 {
			tmr := time.NewTimer(d)
			select {
			case <-stopCh:
				if !tmr.Stop() {
					<-tmr.C
				}
				return
			case <-q.wake:
				// A new entry may be due earlier; re-evaluate.
				if !tmr.Stop() {
					<-tmr.C
				}
				continue
			case <-tmr.C:
			}
		}

		e, ok := q.popDue()
		if !ok {
			continue
		}
		select {
		case <-stopCh:
			// Unit stays recoverable from the store.
			return
		case q.out <- e.unitID:
			q.log.Debug("unit released", logx.String("unit", e.unitID), logx.Time("ready_at", e.readyAt))
		}
	}
}

func (q *DelayedQueue) peek() (entry, bool) {
	q.hmu.Lock()
	defer q.hmu.Unlock()
	if len(q.h) == 0 {
		return entry{}, false
	}
	return q.h[0], true
}

// popDue pops the earliest entry if it is due now.
func (q *DelayedQueue) popDue() (entry, bool) {
	q.hmu.Lock()
	defer q.hmu.Unlock()
	if len(q.h) == 0 {
		return entry{}, false
	}
	if q.h[0].readyAt.After(q.now()) {
		return entry{}, false
	}
	return heap.Pop(&q.h).(entry), true
}
