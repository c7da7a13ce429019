package scenario

import (
	"net/http"
	"sync"
	"time"

	"github.com/launchdarkly/mock-service-harness/framework"
)

const (
	DefaultOperationTimeout = time.Second * 5
	DefaultEventTimeout     = time.Second * 10
)

// Environment is the state shared by every scenario in a run. The orchestrator in it owns all of
// the processes; scenarios only hold handles.
type Environment struct {
	Orchestrator     *framework.Orchestrator
	HTTPClient       *http.Client
	OperationTimeout time.Duration
	EventTimeout     time.Duration

	// Router, if set, should also be the orchestrator's logger. While a test is running, process
	// output is then added to that test's debug output.
	Router *DebugRouter
}

func (e *Environment) operationTimeout() time.Duration {
	if e.OperationTimeout <= 0 {
		return DefaultOperationTimeout
	}
	return e.OperationTimeout
}

func (e *Environment) eventTimeout() time.Duration {
	if e.EventTimeout <= 0 {
		return DefaultEventTimeout
	}
	return e.EventTimeout
}

func (e *Environment) httpClient() *http.Client {
	if e.HTTPClient == nil {
		return http.DefaultClient
	}
	return e.HTTPClient
}

// DebugRouter is a Logger that writes to a base logger and also to the debug logger of the test
// that is currently running.
type DebugRouter struct {
	base    framework.Logger
	current framework.Logger
	lock    sync.Mutex
}

// NewDebugRouter creates a DebugRouter. The base logger may be nil.
func NewDebugRouter(base framework.Logger) *DebugRouter {
	if base == nil {
		base = framework.NullLogger()
	}
	return &DebugRouter{base: base}
}

func (r *DebugRouter) Printf(message string, args ...interface{}) {
	r.lock.Lock()
	current := r.current
	r.lock.Unlock()
	r.base.Printf(message, args...)
	if current != nil {
		current.Printf(message, args...)
	}
}

// route makes l the current test logger and returns a function that restores the previous one.
func (r *DebugRouter) route(l framework.Logger) func() {
	if r == nil {
		return func() {}
	}
	r.lock.Lock()
	previous := r.current
	r.current = l
	r.lock.Unlock()
	return func() {
		r.lock.Lock()
		r.current = previous
		r.lock.Unlock()
	}
}

// RunSuite runs a top-level scenario, which typically spawns the processes it needs and then
// calls T.Run for each test.
func RunSuite(
	env *Environment,
	filter framework.Filter,
	testLogger framework.TestLogger,
	action func(*T),
) framework.Results {
	return framework.Run(filter, testLogger, func(c *framework.Context) {
		t := newT(c, env)
		action(t)
	})
}
