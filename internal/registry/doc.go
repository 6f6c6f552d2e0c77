// ABOUTME: Package documentation for the worker registry and health monitor
// ABOUTME: Explains ownership rules and the probe state machine

// Package registry tracks the fleet of worker services and their
// observed health.
//
// The Registry is the single owner of the endpoint set and the health
// map. Registration is idempotent: registering a known name updates its
// address, deregistering an unknown name succeeds silently. Nothing
// outside this package writes health records; the Monitor is the only
// writer and every other component is a reader.
//
// # Probe state machine
//
// Each cycle the Monitor issues one GET /health per endpoint, all
// concurrently, each with its own timeout:
//
//	2xx within the timeout       -> healthy (latency recorded)
//	any other HTTP response      -> degraded (status code recorded)
//	timeout / transport error    -> unreachable (error recorded)
//
// Status is per-service; one worker's probe never influences another's
// record. Transitions (and only transitions) are logged and forwarded
// to the optional callback, which the gateway uses to publish
// health_update events on the message bus.
//
// Commands are only ever routed to services whose last recorded status
// is healthy; see the router package.
package registry
