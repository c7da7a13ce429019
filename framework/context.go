package framework

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
)

type environment struct {
	results    Results
	testLogger TestLogger
	filter     Filter
	lock       sync.Mutex
}

// Context is the state of one test in a run, similar to *testing.T. It implements
// require.TestingT, so testify assertions can be used with it.
//
// FailNow, Skip and anything that calls them must only be called on the goroutine running the
// test.
type Context struct {
	env         *environment
	id          TestID
	debugLogger CapturingLogger
	failed      bool
	skipped     bool
	skipReason  string
	errors      []error
	cleanups    []func()
	lock        sync.Mutex
}

func Run(
	filter func(TestID) bool,
	testLogger TestLogger,
	action func(*Context),
) Results {
	if testLogger == nil {
		testLogger = nullTestLogger{}
	}
	env := &environment{
		filter:     filter,
		testLogger: testLogger,
	}
	c := &Context{env: env}
	c.run(action)
	return env.results
}

func (c *Context) run(action func(*Context)) {
	defer func() {
		c.runCleanups()
		if r := recover(); r != nil {
			if c.skipped {
				return
			}
			var addError error
			if _, ok := r.(*Context); ok {
				if len(c.Errors()) == 0 {
					addError = errors.New("test failed with no failure message")
				}
			} else {
				addError = fmt.Errorf("unexpected panic in test: %+v\n%s", r, string(debug.Stack()))
			}
			c.lock.Lock()
			c.failed = true
			if addError != nil {
				c.errors = append(c.errors, addError)
			}
			c.lock.Unlock()
			if addError != nil {
				c.env.testLogger.TestError(c.id, addError)
			}
		}
		result := TestResult{TestID: c.id, Errors: c.Errors()}
		c.env.lock.Lock()
		c.env.results.Tests = append(c.env.results.Tests, result)
		if c.Failed() {
			c.env.results.Failures = append(c.env.results.Failures, result)
		}
		c.env.lock.Unlock()
	}()

	action(c)
}

func (c *Context) runCleanups() {
	for {
		c.lock.Lock()
		if len(c.cleanups) == 0 {
			c.lock.Unlock()
			return
		}
		f := c.cleanups[len(c.cleanups)-1]
		c.cleanups = c.cleanups[:len(c.cleanups)-1]
		c.lock.Unlock()
		func() {
			defer func() {
				if r := recover(); r != nil && r != c {
					c.Errorf("panic in cleanup: %+v", r)
				}
			}()
			f()
		}()
	}
}

func (c *Context) ID() TestID {
	return c.id
}

func (c *Context) Run(name string, action func(*Context)) {
	id := TestID{Path: append(append([]string(nil), c.id.Path...), name)}

	c.env.testLogger.TestStarted(id)
	if c.env.filter != nil && !c.env.filter(id) {
		c.env.testLogger.TestSkipped(id, "excluded by filter parameters")
		return
	}
	c1 := &Context{
		id:  id,
		env: c.env,
	}
	c1.run(action)
	if c1.skipped {
		c.env.testLogger.TestSkipped(id, c1.skipReason)
	} else {
		c.env.testLogger.TestFinished(id, c1.Failed(), c1.debugLogger.Output())
	}
}

// Defer schedules a function to run when the test finishes, whether or not it failed. Deferred
// functions run in reverse order.
func (c *Context) Defer(f func()) {
	c.lock.Lock()
	c.cleanups = append(c.cleanups, f)
	c.lock.Unlock()
}

func (c *Context) Errorf(format string, args ...interface{}) {
	err := fmt.Errorf(format, args...)
	c.lock.Lock()
	c.failed = true
	c.errors = append(c.errors, err)
	c.lock.Unlock()
	c.env.testLogger.TestError(c.id, err)
}

func (c *Context) Errors() []error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return append([]error(nil), c.errors...)
}

func (c *Context) Failed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.failed
}

func (c *Context) FailNow() {
	panic(c)
}

func (c *Context) Skip() {
	c.skipped = true
	panic(c)
}

func (c *Context) SkipWithReason(reason string) {
	c.skipReason = reason
	c.Skip()
}

func (c *Context) Debug(message string, args ...interface{}) {
	c.debugLogger.Printf(message, args...)
}

func (c *Context) DebugLogger() Logger {
	return &c.debugLogger
}
