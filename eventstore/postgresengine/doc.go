// Package postgresengine provides the PostgreSQL journal of the cart event store.
//
// Every persistence ID owns a gap-free stream of sequence numbers. Appends are guarded by the
// expected highest sequence number of the stream and by a unique key on (persistence_id, sequence_nr),
// both surface as eventstore.ErrConcurrencyConflict. Every event also carries a tag and a global offset,
// so projections can read one tag in offset order with EventsByTag.
//
// The SQL is built with goqu and executed through one of three adapters (pgx, database/sql, sqlx).
//
// Usage examples:
//
//	db, _ := pgxpool.New(context.Background(), dsn)
//	store, _ := postgresengine.NewEventStoreFromPGXPool(
//		db,
//		postgresengine.WithTableName("cart_events"),
//		postgresengine.WithLogger(logger),
//	)
//
//	stream, _ := store.ReadStream(ctx, "ShoppingCart|c1", 0)
//	seq, err := store.Append(ctx, "ShoppingCart|c1", "carts-2", eventstore.SequenceNumberOf(stream), event)
//
//	envelopes, _ := store.EventsByTag(ctx, "carts-2", lastOffset, 100)
package postgresengine
