// Package fullcycle contains the end-to-end scenarios for a service that registers tile
// instances, exchanges OAuth2 tokens with an identity server, and pushes tile data to an API
// gateway.
//
// The suite spawns a mock identity server and a mock API gateway next to the system under test,
// points the system under test at them with a setEnv operation, and then drives it over HTTP and
// through its control channel.
package fullcycle
