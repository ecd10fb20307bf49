// Package testdoubles provides spies for the observability interfaces in package eventstore.
//
//   - MetricsCollectorSpy: captures duration, counter, and value recordings, with or without context
//   - LoggerSpy: captures log calls per level
//
// Both are safe for concurrent use, so runners and regions can be observed while their goroutines are busy.
package testdoubles
