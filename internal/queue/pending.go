package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"restune/internal/tuning"
)

// Entry is one pending unit of work for a single (client, opcode) key.
type Entry struct {
	Seq        uint64
	RequestID  tuning.RequestID
	Key        tuning.Key
	Op         tuning.OpKind
	Priority   tuning.Priority
	Class      tuning.PriorityClass
	Value      int64
	Location   tuning.Location
	Duration   time.Duration
	Reason     string
	EnqueuedAt time.Time
}

// Internal reports whether the daemon issued the entry itself.
func (e Entry) Internal() bool {
	return e.Priority == tuning.PriorityInternal
}

type item struct {
	entry Entry
	index int
}

type entryHeap []*item

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].entry.Priority != h[j].entry.Priority {
		return h[i].entry.Priority > h[j].entry.Priority
	}
	return h[i].entry.Seq < h[j].entry.Seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Queue orders pending entries by priority, then arrival.
type Queue struct {
	clk clock.Clock

	mu     sync.Mutex
	items  entryHeap
	byKey  map[tuning.Key]*item
	seq    uint64
	notify chan struct{}
}

// New returns an empty queue. A nil clock uses wall time.
func New(clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.New()
	}
	return &Queue{
		clk:    clk,
		byKey:  make(map[tuning.Key]*item),
		notify: make(chan struct{}, 1),
	}
}

// Enqueue adds entry and returns it with its sequence number assigned. A key
// that is already queued is refused with ErrDuplicate.
func (q *Queue) Enqueue(entry Entry) (Entry, error) {
	q.mu.Lock()
	if _, exists := q.byKey[entry.Key]; exists {
		q.mu.Unlock()
		return Entry{}, tuning.Errorf(tuning.ErrDuplicate, "%s already queued", entry.Key)
	}
	q.seq++
	entry.Seq = q.seq
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = q.clk.Now()
	}
	it := &item{entry: entry}
	heap.Push(&q.items, it)
	q.byKey[entry.Key] = it
	q.mu.Unlock()

	q.wake()
	return entry, nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryDequeue pops the head without waiting.
func (q *Queue) TryDequeue() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Entry{}, false
	}
	it := heap.Pop(&q.items).(*item)
	delete(q.byKey, it.entry.Key)
	if len(q.items) > 0 {
		q.wake()
	}
	return it.entry, true
}

// DequeueNext pops the head, waiting at most wait for one to arrive. It
// returns false on timeout and ctx.Err() on cancellation.
func (q *Queue) DequeueNext(ctx context.Context, wait time.Duration) (Entry, bool, error) {
	if entry, ok := q.TryDequeue(); ok {
		return entry, true, nil
	}
	timer := q.clk.Timer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return Entry{}, false, ctx.Err()
		case <-timer.C:
			entry, ok := q.TryDequeue()
			return entry, ok, nil
		case <-q.notify:
			if entry, ok := q.TryDequeue(); ok {
				return entry, true, nil
			}
		}
	}
}

// Remove cancels every entry of requestID and returns them.
func (q *Queue) Remove(requestID tuning.RequestID) []Entry {
	return q.removeWhere(func(e Entry) bool { return e.RequestID == requestID })
}

// RemoveClient cancels every entry of client and returns them.
func (q *Queue) RemoveClient(client tuning.ClientID) []Entry {
	return q.removeWhere(func(e Entry) bool { return e.Key.Client == client })
}

// RemoveKey cancels the entry queued for key.
func (q *Queue) RemoveKey(key tuning.Key) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byKey[key]
	if !ok {
		return Entry{}, false
	}
	heap.Remove(&q.items, it.index)
	delete(q.byKey, key)
	return it.entry, true
}

func (q *Queue) removeWhere(match func(Entry) bool) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var removed []Entry
	for key, it := range q.byKey {
		if !match(it.entry) {
			continue
		}
		heap.Remove(&q.items, it.index)
		delete(q.byKey, key)
		removed = append(removed, it.entry)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Seq < removed[j].Seq })
	return removed
}

// Coalesce lets fn rewrite the entry queued for key in place. The key and
// sequence number are preserved. It reports whether an entry was found.
func (q *Queue) Coalesce(key tuning.Key, fn func(*Entry)) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byKey[key]
	if !ok {
		return false
	}
	seq := it.entry.Seq
	fn(&it.entry)
	it.entry.Key = key
	it.entry.Seq = seq
	heap.Fix(&q.items, it.index)
	return true
}

// Lookup returns the entry queued for key.
func (q *Queue) Lookup(key tuning.Key) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byKey[key]
	if !ok {
		return Entry{}, false
	}
	return it.entry, true
}

// Len returns the number of pending entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
