// Package meridian is the shared foundation of the Meridian Console
// platform core: the app launcher used by long-running workers (the outbox
// relay, inbox consumers) and the request-scoped tracking context that
// carries logger, tracer, correlation id, and metric factory through the
// delivery and audit pipeline.
package meridian
