// Package app composes the ticket portal.
//
// New registers the whole route table up front: the API groups, the
// health check, the metrics endpoint and, when configured, the static
// SPA fallback. Run hands control to the startup sequencer, which only
// binds the listener after the datastore connection succeeds.
//
// Request pipeline, outermost first:
//
//	tracing -> logging -> metrics -> CORS -> body parsing -> router
//
// The router mounts /auth, /otp, /ticket and /query in that order; /otp and
// /ticket pass the identity and stats gate.
package app
