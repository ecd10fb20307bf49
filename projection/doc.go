// Package projection feeds the events of one tag, in offset order, to a handler and remembers how far it got.
//
// A Runner is responsible for exactly one ID, a projection name plus a tag. It loads the stored offset,
// reads the envelopes after it through a TagSource, and hands them to its handler strictly one after the
// other. Two delivery modes exist:
//
//   - At-least-once: the offset is saved after the handler succeeded. A crash between the two redelivers
//     the envelope, so handlers must tolerate duplicates.
//   - Exactly-once: the handler's writes and the new offset are committed in one sqlx transaction.
//     Either both are visible or neither is.
//
// A failing envelope is retried with capped exponential backoff until it succeeds or the Runner is stopped.
// It is never skipped. Canceling the context stops the Runner after the envelope in flight.
//
// Group runs one Runner per tag.
package projection
