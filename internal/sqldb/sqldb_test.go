package sqldb_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AntonStoeckl/cart-eventstore-go/internal/sqldb"
)

func Test_OpenSQLite_InMemory(t *testing.T) {
	// arrange
	ctx := context.Background()

	// act
	db, err := sqldb.OpenSQLite(ctx, ":memory:")

	// assert
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, "CREATE TABLE t (v INTEGER)")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO t (v) VALUES (42)")
	require.NoError(t, err)

	var v int
	require.NoError(t, db.GetContext(ctx, &v, "SELECT v FROM t"))
	assert.Equal(t, 42, v)
}

func Test_Open_SQLiteFileSurvivesReopen(t *testing.T) {
	// arrange
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "readmodels.db")

	db, err := sqldb.Open(ctx, sqldb.DialectSQLite, path)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "CREATE TABLE t (v TEXT)")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO t (v) VALUES ('kept')")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// act
	reopened, err := sqldb.Open(ctx, sqldb.DialectSQLite, path)

	// assert
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	var v string
	require.NoError(t, reopened.GetContext(ctx, &v, "SELECT v FROM t"))
	assert.Equal(t, "kept", v)
}

func Test_Open_RejectsUnknownDialect(t *testing.T) {
	_, err := sqldb.Open(context.Background(), "oracle", "whatever")

	assert.ErrorIs(t, err, sqldb.ErrUnsupportedDialect)
}
