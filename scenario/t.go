package scenario

import (
	"context"
	"fmt"
	"time"

	"github.com/launchdarkly/mock-service-harness/framework"
	"github.com/launchdarkly/mock-service-harness/servicedef"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// T represents a scenario or sub-scenario.
//
// Like the T in the Go testing package, it is passed to require and assert functions, and it can
// run subtests. It also has methods for driving processes: operations are sent with Send, and
// notifications are awaited with Expect. Most of these methods fail the test and exit immediately
// if something goes wrong, so scenarios do not need to check errors.
//
// Methods that fail the test must only be called on the goroutine running the scenario. Inside
// the functions passed to Concurrently or AwaitAfter, use the Try methods and return errors.
type T struct {
	context *framework.Context
	env     *Environment
	ctx     context.Context
}

func newT(c *framework.Context, env *Environment) *T {
	ctx, cancel := context.WithCancel(context.Background())
	t := &T{context: c, env: env, ctx: ctx}
	c.Defer(env.Router.route(c.DebugLogger()))
	c.Defer(cancel)
	return t
}

// Errorf is called by assertions to log a test failure. It does not cause an immediate exit.
func (t *T) Errorf(format string, args ...interface{}) {
	t.context.Errorf(format, args...)
}

// FailNow is called by assertions when a test should fail and immediately exit.
func (t *T) FailNow() {
	t.context.FailNow()
}

// Run runs a subtest. Anything the subtest spawns or defers is cleaned up when it returns.
func (t *T) Run(name string, action func(*T)) {
	t.context.Run(name, func(c *framework.Context) {
		action(newT(c, t.env))
	})
}

// Skip ends the test without failing it.
func (t *T) Skip(reason string) {
	t.context.SkipWithReason(reason)
}

// Debug adds a line to the test's debug output.
func (t *T) Debug(format string, args ...interface{}) {
	t.context.Debug(format, args...)
}

func (t *T) DebugLogger() framework.Logger {
	return t.context.DebugLogger()
}

// Defer schedules a function to run when the test finishes. Deferred functions run in reverse
// order.
func (t *T) Defer(f func()) {
	t.context.Defer(f)
}

// Context returns a context that is cancelled when the test finishes.
func (t *T) Context() context.Context {
	return t.ctx
}

func (t *T) Orchestrator() *framework.Orchestrator {
	return t.env.Orchestrator
}

func (t *T) Registry() *framework.EventRegistry {
	return t.env.Orchestrator.Registry()
}

// Spawn starts a process and waits until it is ready. The process is shut down when the test
// finishes, so a process spawned by the top-level scenario lives for the whole run.
func (t *T) Spawn(config servicedef.MockServiceConfig) *framework.ProcessHandle {
	h, err := t.env.Orchestrator.Spawn(t.ctx, config)
	require.NoError(t, err)
	t.Debug("Spawned %s at %s", h.ID(), h.BaseURL())
	t.Defer(func() {
		if err := t.env.Orchestrator.Shutdown(context.Background(), h); err != nil {
			t.Errorf("shutting down %s: %s", h.ID(), err)
		}
	})
	return h
}

// Handle returns the live process with the given config name.
func (t *T) Handle(name string) *framework.ProcessHandle {
	h, ok := t.env.Orchestrator.Lookup(name)
	require.True(t, ok, "no process named %q is running", name)
	return h
}

// TrySend sends an operation and waits for its reply.
func (t *T) TrySend(h *framework.ProcessHandle, op servicedef.Envelope) (servicedef.Envelope, error) {
	return h.SendOperation(t.ctx, op, t.env.operationTimeout())
}

// Send sends an operation and waits for its reply, failing the test on any error.
func (t *T) Send(h *framework.ProcessHandle, op servicedef.Envelope) servicedef.Envelope {
	reply, err := t.TrySend(h, op)
	require.NoError(t, err, "operation %s on %s", op.Type, h.ID())
	return reply
}

// Expect registers a wait for the next notification of the given type from h that matches the
// predicate (which may be nil). Nothing that happens after Expect returns can be missed.
func (t *T) Expect(h *framework.ProcessHandle, eventType string, predicate framework.Predicate) *Expectation {
	return t.ExpectAny([]*framework.ProcessHandle{h}, eventType, predicate)
}

// ExpectAny is like Expect, but any of the given processes can satisfy it.
func (t *T) ExpectAny(handles []*framework.ProcessHandle, eventType string, predicate framework.Predicate) *Expectation {
	w := t.Registry().RegisterAny(handles, eventType, predicate, t.env.eventTimeout())
	t.Debug("Expecting %s", w.Description())
	return &Expectation{t: t, waiter: w}
}

// AwaitAfter runs action and waits for all of the expectations, which must already have been
// registered. It fails the test if the action or any wait fails, and otherwise returns the
// notifications in the same order as the expectations.
func (t *T) AwaitAfter(action func() error, expectations ...*Expectation) []servicedef.Envelope {
	results := make([]servicedef.Envelope, len(expectations))
	g, ctx := errgroup.WithContext(t.ctx)
	for i, e := range expectations {
		i, e := i, e
		g.Go(func() error {
			result, err := e.waiter.Await(ctx)
			if err != nil {
				return fmt.Errorf("waiting for %s: %w", e.waiter.Description(), err)
			}
			results[i] = result
			return nil
		})
	}
	if action != nil {
		g.Go(action)
	}
	require.NoError(t, g.Wait())
	return results
}

// Concurrently runs the steps at the same time and waits for all of them, failing the test if
// any of them returns an error.
func (t *T) Concurrently(steps ...func() error) {
	var g errgroup.Group
	for _, step := range steps {
		g.Go(step)
	}
	require.NoError(t, g.Wait())
}

// SendAction returns a step for Concurrently or AwaitAfter that sends an operation. If onReply
// is not nil, it is called with the reply.
func (t *T) SendAction(h *framework.ProcessHandle, op servicedef.Envelope, onReply func(servicedef.Envelope)) func() error {
	return func() error {
		reply, err := t.TrySend(h, op)
		if err != nil {
			return fmt.Errorf("operation %s on %s: %w", op.Type, h.ID(), err)
		}
		if onReply != nil {
			onReply(reply)
		}
		return nil
	}
}

// Expectation is a registered wait for a notification.
type Expectation struct {
	t      *T
	waiter *framework.Waiter
}

// Await waits for the notification, up to the environment's event timeout.
func (e *Expectation) Await() (servicedef.Envelope, error) {
	return e.waiter.Await(e.t.ctx)
}

// Require waits for the notification, failing the test if it does not arrive.
func (e *Expectation) Require() servicedef.Envelope {
	result, err := e.Await()
	require.NoError(e.t, err)
	return result
}

// RequireWithin is like Require with a shorter limit than the event timeout.
func (e *Expectation) RequireWithin(timeout time.Duration) servicedef.Envelope {
	ctx, cancel := context.WithTimeout(e.t.ctx, timeout)
	defer cancel()
	result, err := e.waiter.Await(ctx)
	require.NoError(e.t, err, "waiting for %s", e.waiter.Description())
	return result
}

// Cancel gives up on the notification. It is not an error to cancel an expectation that was
// already satisfied.
func (e *Expectation) Cancel() {
	e.waiter.Cancel()
}

// Source returns the process that satisfied the expectation, or nil if it has not been satisfied.
func (e *Expectation) Source() *framework.ProcessHandle {
	return e.waiter.Source()
}
