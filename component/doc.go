// Package component defines the lifecycle and discovery contracts shared by
// the broker's long-running components (broker server, relay, upstream
// client). Components follow a unified pattern:
//
//   - Initialize() error                 // setup only, no context
//   - Start(ctx context.Context) error   // start with context passed through
//   - Stop(timeout time.Duration) error  // graceful shutdown with timeout
//
// Components never store the context they receive; the owner (a cmd main)
// creates the context and coordinates shutdown.
package component
