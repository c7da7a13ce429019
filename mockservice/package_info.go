// Package mockservice implements the mock services that the harness spawns to stand in for the
// external dependencies of the system under test: an identity server that issues OAuth2 tokens,
// and an API gateway whose responses are configured at runtime.
//
// A mock service speaks the harness protocol on its input and output streams (see Serve), and
// reports every HTTP request it receives as a notification.
package mockservice
