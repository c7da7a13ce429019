// Package scenario is the API that test scenarios are written against.
//
// A scenario is a sequence of steps: send an operation to a process and check its reply, wait for
// notifications, or make an HTTP request to the system under test. The important rule is that a
// wait must be registered before the action that can produce the event it waits for. Expect
// registers immediately, and AwaitAfter only runs its action once all of its expectations exist.
//
// Process management and event correlation live in the lower-level framework package.
package scenario
