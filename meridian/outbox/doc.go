// Package outbox implements the transactional outbox that makes domain
// writes and their downstream events atomic. The Enqueuer appends a pending
// message on the caller's transaction; the Relay leases batches with
// row-level claims, publishes them per aggregate key in commit order, and
// retries transient failures with backoff until delivery or dead-letter.
package outbox
