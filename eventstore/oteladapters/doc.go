// Package oteladapters implements the eventstore observability interfaces with OpenTelemetry.
//
// The same collectors serve the journal, the projection runners, and the sharding layer,
// so one meter and one tracer cover the whole cart service.
package oteladapters
