package engine

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"restune/internal/tuning"
)

// DefaultOutcomeCacheSize bounds the outcome cache when the caller passes zero.
const DefaultOutcomeCacheSize = 1024

// OutcomeStatus is the aggregate state of a request.
type OutcomeStatus string

const (
	OutcomePending   OutcomeStatus = "pending"
	OutcomeApplied   OutcomeStatus = "applied"
	OutcomeUntuned   OutcomeStatus = "untuned"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome reports what happened to every resource of one request. Clients
// poll it after submitting.
type Outcome struct {
	RequestID tuning.RequestID `json:"request_id"`
	Client    tuning.ClientID  `json:"client_id"`
	Op        tuning.OpKind    `json:"op"`
	Status    OutcomeStatus    `json:"status"`
	Error     string           `json:"error,omitempty"`
	ErrorKind string           `json:"error_kind,omitempty"`
	Total     int              `json:"total"`
	Applied   int              `json:"applied"`
	Failed    int              `json:"failed"`
	Cancelled int              `json:"cancelled"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func (o *Outcome) settled() int {
	return o.Applied + o.Failed + o.Cancelled
}

func (o *Outcome) refresh() {
	switch {
	case o.settled() < o.Total:
		o.Status = OutcomePending
	case o.Failed > 0:
		o.Status = OutcomeFailed
	case o.Cancelled == o.Total:
		o.Status = OutcomeCancelled
	case o.Op == tuning.OpUntune:
		o.Status = OutcomeUntuned
	default:
		o.Status = OutcomeApplied
	}
}

type outcomeCache struct {
	now   func() time.Time
	mu    sync.Mutex
	cache *lru.Cache[tuning.RequestID, *Outcome]
}

func newOutcomeCache(size int, now func() time.Time) (*outcomeCache, error) {
	if size <= 0 {
		size = DefaultOutcomeCacheSize
	}
	cache, err := lru.New[tuning.RequestID, *Outcome](size)
	if err != nil {
		return nil, err
	}
	return &outcomeCache{now: now, cache: cache}, nil
}

func (c *outcomeCache) begin(id tuning.RequestID, client tuning.ClientID, op tuning.OpKind, total int) {
	o := &Outcome{RequestID: id, Client: client, Op: op, Total: total, UpdatedAt: c.now()}
	o.refresh()
	c.mu.Lock()
	c.cache.Add(id, o)
	c.mu.Unlock()
}

// settle records the result of one resource. Unknown ids, such as internal
// entries, are ignored.
func (c *outcomeCache) settle(id tuning.RequestID, err error) {
	c.update(id, func(o *Outcome) {
		if err == nil {
			o.Applied++
			return
		}
		o.Failed++
		o.Error = err.Error()
		o.ErrorKind = tuning.KindOf(err)
	})
}

func (c *outcomeCache) cancel(id tuning.RequestID) {
	c.update(id, func(o *Outcome) { o.Cancelled++ })
}

func (c *outcomeCache) update(id tuning.RequestID, fn func(*Outcome)) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.cache.Peek(id)
	if !ok {
		return
	}
	fn(o)
	o.UpdatedAt = c.now()
	o.refresh()
}

func (c *outcomeCache) get(id tuning.RequestID) (Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.cache.Get(id)
	if !ok {
		return Outcome{}, false
	}
	return *o, true
}
