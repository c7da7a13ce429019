// Package framework contains the infrastructure for running mock services as separate processes
// and correlating what they report.
//
// The general model is:
//
// 1. An Orchestrator spawns each process through a Launcher (a child process, or an in-process
// goroutine for tests) and owns its ProcessHandle. Processes talk to the harness with
// newline-delimited JSON envelopes (see the servicedef package).
//
// 2. The harness sends operations with ProcessHandle.SendOperation, and gets exactly one reply
// per operation.
//
// 3. Everything else a process sends is a notification. Callers register a Waiter with the
// EventRegistry before doing whatever will cause the notification, and then await it.
//
// 4. There is a general notion of a test context which is similar to Go's *testing.T, allowing
// pieces of test logic to be associated with a test identifier and to accumulate success/failure
// results.
package framework
