package framework

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/launchdarkly/mock-service-harness/servicedef"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
)

var errNoHandles = errors.New("no handles to wait on")

// Predicate is a partial match on notification fields: every key must be present in the
// notification with an equal value. An empty Predicate matches everything.
type Predicate map[string]ldvalue.Value

// PredicateOf builds a Predicate from plain Go values.
func PredicateOf(fields map[string]interface{}) Predicate {
	p := make(Predicate, len(fields))
	for k, v := range fields {
		p[k] = ldvalue.CopyArbitraryValue(v)
	}
	return p
}

// Matches returns true if every field of the predicate is present in e with an equal value.
func (p Predicate) Matches(e servicedef.Envelope) bool {
	for k, v := range p {
		if !e.Has(k) || !e.Get(k).Equal(v) {
			return false
		}
	}
	return true
}

func (p Predicate) String() string {
	if len(p) == 0 {
		return ""
	}
	b := ldvalue.ObjectBuild()
	for k, v := range p {
		b = b.Set(k, v)
	}
	return b.Build().JSONString()
}

// EventRegistry lets callers wait for the next notification of a given type, optionally filtered
// by a Predicate, from one or more process handles.
//
// Each handle keeps its own list of pending waiters in registration order. When a notification
// arrives it resolves the earliest pending waiter that matches it, and no other; waiters whose
// predicates do not match it are unaffected. Waiters are removed when they are resolved, time out,
// are cancelled, or when every handle they listen to has stopped.
type EventRegistry struct {
	logger  Logger
	metrics MetricsCollector
	lastSeq uint64
}

// NewEventRegistry creates an EventRegistry. Either parameter may be nil.
func NewEventRegistry(logger Logger, metrics MetricsCollector) *EventRegistry {
	if logger == nil {
		logger = NullLogger()
	}
	if metrics == nil {
		metrics = NewNoopMetricsCollector()
	}
	return &EventRegistry{logger: logger, metrics: metrics}
}

// Register adds a waiter for the next notification from h that has the given type and matches
// the predicate. The waiter is pending as soon as Register returns, so any action taken after
// this call cannot produce an event that the waiter misses. The timeout starts now.
func (r *EventRegistry) Register(h *ProcessHandle, eventType string, predicate Predicate, timeout time.Duration) *Waiter {
	return r.RegisterAny([]*ProcessHandle{h}, eventType, predicate, timeout)
}

// RegisterAny is like Register, but the waiter is resolved by a matching notification from any
// of the given handles. It only fails with a *ProcessTerminatedError once all of them have
// stopped. With no handles the waiter fails at once with an error saying so.
func (r *EventRegistry) RegisterAny(handles []*ProcessHandle, eventType string, predicate Predicate, timeout time.Duration) *Waiter {
	now := time.Now()
	w := &Waiter{
		registry:  r,
		handles:   append([]*ProcessHandle(nil), handles...),
		eventType: eventType,
		predicate: predicate,
		seq:       atomic.AddUint64(&r.lastSeq, 1),
		startTime: now,
		deadline:  now.Add(timeout),
		timeout:   timeout,
		live:      len(handles),
		result:    make(chan waitResult, 1),
	}
	for _, h := range w.handles {
		if !h.waiters.add(w) {
			w.handleStopped(h, h.terminatedError())
		}
	}
	if len(w.handles) == 0 {
		w.finish(waitResult{err: errNoHandles}, WaitCancelled)
	}
	w.lock.Lock()
	if !w.done {
		w.timer = time.AfterFunc(timeout, w.expire)
	}
	w.lock.Unlock()
	r.logger.Printf("Waiting (#%d) for %s from %s", w.seq, w.Description(), w.processIDs())
	return w
}

// WaitFor registers a waiter and waits for it.
func (r *EventRegistry) WaitFor(
	ctx context.Context,
	h *ProcessHandle,
	eventType string,
	predicate Predicate,
	timeout time.Duration,
) (servicedef.Envelope, error) {
	return r.Register(h, eventType, predicate, timeout).Await(ctx)
}

// PendingCount returns the number of waiters currently pending on h.
func (r *EventRegistry) PendingCount(h *ProcessHandle) int {
	return h.waiters.count()
}

type waitResult struct {
	envelope servicedef.Envelope
	source   *ProcessHandle
	err      error
}

// Waiter is a pending request for a notification. It is resolved at most once.
type Waiter struct {
	registry  *EventRegistry
	handles   []*ProcessHandle
	eventType string
	predicate Predicate
	seq       uint64
	startTime time.Time
	deadline  time.Time
	timeout   time.Duration

	done    bool
	timer   *time.Timer
	live    int
	final   *waitResult
	result  chan waitResult
	lock    sync.Mutex
	awaitMu sync.Mutex
}

func (w *Waiter) matches(e servicedef.Envelope) bool {
	return e.Type == w.eventType && w.predicate.Matches(e)
}

// Description returns a human-readable description of what the waiter is waiting for.
func (w *Waiter) Description() string {
	if len(w.predicate) == 0 {
		return w.eventType
	}
	return w.eventType + " " + w.predicate.String()
}

func (w *Waiter) processIDs() ProcessID {
	ids := make([]string, 0, len(w.handles))
	for _, h := range w.handles {
		ids = append(ids, string(h.id))
	}
	return ProcessID(strings.Join(ids, ","))
}

// finish resolves the waiter if it has not already been resolved, returning true if it did so.
func (w *Waiter) finish(r waitResult, outcome string) bool {
	w.lock.Lock()
	if w.done {
		w.lock.Unlock()
		return false
	}
	w.done = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.result <- r
	w.lock.Unlock()

	id := w.processIDs()
	if r.source != nil {
		id = r.source.id
	}
	w.registry.metrics.WaitOutcome(id, w.eventType, outcome, time.Since(w.startTime))
	return true
}

// expire fails the waiter with a *TimeoutError and deregisters it from every handle.
func (w *Waiter) expire() {
	err := &TimeoutError{Process: w.processIDs(), Waiting: w.Description(), Timeout: w.timeout}
	if w.finish(waitResult{err: err}, WaitTimedOut) {
		w.detach(nil)
	}
}

// detach removes the waiter from every handle's list except the one given.
func (w *Waiter) detach(except *ProcessHandle) {
	for _, h := range w.handles {
		if h != except {
			h.waiters.remove(w)
		}
	}
}

// delivered is called by a handle's dispatcher after its list resolved this waiter.
func (w *Waiter) delivered(source *ProcessHandle) {
	w.detach(source)
}

func (w *Waiter) handleStopped(h *ProcessHandle, err error) {
	w.lock.Lock()
	w.live--
	last := w.live <= 0
	w.lock.Unlock()
	if last {
		w.finish(waitResult{source: h, err: err}, WaitTerminated)
	}
}

// Await blocks until the waiter is resolved, its timeout expires, or ctx is done. The timeout runs
// from registration whether or not anyone is awaiting; on expiry the waiter is deregistered and
// Await returns a *TimeoutError. Calling Await again returns the same result.
func (w *Waiter) Await(ctx context.Context) (servicedef.Envelope, error) {
	w.awaitMu.Lock()
	defer w.awaitMu.Unlock()
	if w.final != nil {
		return w.final.envelope, w.final.err
	}

	var r waitResult
	select {
	case r = <-w.result:
	case <-ctx.Done():
		if w.finish(waitResult{err: ctx.Err()}, WaitCancelled) {
			w.detach(nil)
		}
		r = <-w.result
	}
	w.final = &r
	if r.err == nil {
		w.registry.logger.Printf("Resolved wait for %s from %s", w.Description(), r.source.id)
	} else {
		w.registry.logger.Printf("Wait for %s failed: %s", w.Description(), r.err)
	}
	return r.envelope, r.err
}

// Cancel deregisters the waiter. A later Await returns ErrWaitCancelled, unless the waiter had
// already been resolved.
func (w *Waiter) Cancel() {
	if w.finish(waitResult{err: ErrWaitCancelled}, WaitCancelled) {
		w.detach(nil)
	}
}

// Source returns the handle whose notification resolved the waiter, or nil.
func (w *Waiter) Source() *ProcessHandle {
	w.awaitMu.Lock()
	defer w.awaitMu.Unlock()
	if w.final == nil {
		return nil
	}
	return w.final.source
}

// waiterList is the per-handle list of pending waiters, in registration order.
type waiterList struct {
	waiters []*Waiter
	closed  bool
	lock    sync.Mutex
}

func (l *waiterList) add(w *Waiter) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.closed {
		return false
	}
	l.waiters = append(l.waiters, w)
	return true
}

func (l *waiterList) remove(w *Waiter) {
	l.lock.Lock()
	defer l.lock.Unlock()
	for i, x := range l.waiters {
		if x == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}
}

// dispatch resolves the earliest pending waiter that matches e, and returns it. Waiters that were
// already resolved through another handle, or whose deadline has passed, are dropped along the way;
// an expired waiter's own timer fails it.
func (l *waiterList) dispatch(e servicedef.Envelope, source *ProcessHandle) *Waiter {
	l.lock.Lock()
	defer l.lock.Unlock()
	now := time.Now()
	for i := 0; i < len(l.waiters); {
		w := l.waiters[i]
		if now.After(w.deadline) {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			continue
		}
		if !w.matches(e) {
			i++
			continue
		}
		l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
		if w.finish(waitResult{envelope: e, source: source}, WaitResolved) {
			return w
		}
	}
	return nil
}

func (l *waiterList) close() []*Waiter {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.closed = true
	ret := l.waiters
	l.waiters = nil
	return ret
}

func (l *waiterList) count() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.waiters)
}
