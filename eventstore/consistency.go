package eventstore

import "context"

// ReadConsistency selects which database a journal with a read replica serves a query from.
type ReadConsistency int

const (
	// ReadFromPrimary sees every committed append. It is the default.
	ReadFromPrimary ReadConsistency = iota

	// ReadFromReplica may lag behind the primary. Projections reading by tag use it.
	ReadFromReplica
)

type readConsistencyKey struct{}

// WithReadFromPrimary marks ctx so that journal reads go to the primary database.
// Entities recovering their state use it.
func WithReadFromPrimary(ctx context.Context) context.Context {
	return context.WithValue(ctx, readConsistencyKey{}, ReadFromPrimary)
}

// WithReadFromReplica marks ctx so that journal reads may go to a replica.
func WithReadFromReplica(ctx context.Context) context.Context {
	return context.WithValue(ctx, readConsistencyKey{}, ReadFromReplica)
}

// ReadConsistencyFrom returns the ReadConsistency carried by ctx, ReadFromPrimary when there is none.
func ReadConsistencyFrom(ctx context.Context) ReadConsistency {
	if level, ok := ctx.Value(readConsistencyKey{}).(ReadConsistency); ok {
		return level
	}

	return ReadFromPrimary
}

func (c ReadConsistency) String() string {
	switch c {
	case ReadFromPrimary:
		return "primary"
	case ReadFromReplica:
		return "replica"
	default:
		return "unknown"
	}
}
