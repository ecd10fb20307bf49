// Package cart contains the ShoppingCart aggregate.
//
// The core is functional: Decide turns a State and a Command into a DecisionResult without side effects,
// and Evolve folds an Event into a State. The codec maps events to and from eventstore.StorableEvent.
// Entity is the runtime around the core: it recovers a cart from its snapshot and stream,
// appends decided events with optimistic concurrency, and only then folds them and replies.
package cart
