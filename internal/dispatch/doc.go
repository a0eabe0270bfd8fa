// Package dispatch runs one outbound intent over a resolved recipient set.
//
// Concepts
//
// An Intent pairs an Action (Text, Photo, Video, Poll or Pin) with a Target:
// a single user or every eligible recipient of a bot. Dispatch validates the
// intent before contacting anyone; a rejected intent has no side effects.
//
// Delivery semantics
//
// Recipients are served by a bounded worker pool behind a token-bucket limiter
// shared by all dispatches of the engine. Every attempt appends exactly one
// ledger record. A success marks the recipient reachable; a failure whose
// description matches the block terms marks it unreachable, anything else
// leaves reachability alone. A failure at one recipient, including a panic or
// a storage error, never stops the batch.
//
// There are no retries: a failed delivery is recorded and reported.
//
// Async runs
//
// Start returns a dispatch id right after the pre-flight checks. Progress is
// kept in an in-memory registry bounded by size and age.
package dispatch
