package feedb

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/lightninglabs/fedwallet/fn"
	"github.com/stretchr/testify/require"
)

func TestExecutorOptionRetryDelay(t *testing.T) {
	t.Parallel()

	opts := defaultTxExecutorOptions()

	halfDelay := opts.initialRetryDelay / 2

	// Expect a random delay between -0.5 and +0.5 of the initial delay.
	require.InDelta(
		t, opts.initialRetryDelay, opts.randRetryDelay(0),
		float64(halfDelay),
	)

	// Expect the second attempt to be double the initial delay.
	require.InDelta(
		t, opts.initialRetryDelay*2, opts.randRetryDelay(1),
		float64(halfDelay*2),
	)

	// Expect the value to be capped at the maximum delay.
	require.Equal(t, opts.maxRetryDelay, opts.randRetryDelay(100))
}

type testTxOptions struct {
	readOnly bool
}

func (t *testTxOptions) ReadOnly() bool {
	return t.readOnly
}

// TestExecutorRetries makes sure serialization errors are retried a bounded
// number of times and other errors are returned right away.
func TestExecutorRetries(t *testing.T) {
	t.Parallel()

	db := NewTestDB(t)
	executor := NewTransactionExecutor(
		db.BaseDB, func(tx *sql.Tx) *Queries {
			return db.WithTx(tx)
		}, WithTxRetries(3), WithTxRetryDelay(time.Millisecond),
	)

	ctxb := context.Background()
	serializationErr := &ErrSerializationError{
		DbError: errors.New("could not serialize access"),
	}

	// A transaction that conflicts twice commits on the third attempt.
	var attempts int
	err := executor.ExecTx(ctxb, &testTxOptions{}, func(q *Queries) error {
		attempts++
		if attempts < 3 {
			return serializationErr
		}

		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)

	// A transaction that always conflicts gives up.
	attempts = 0
	err = executor.ExecTx(ctxb, &testTxOptions{}, func(q *Queries) error {
		attempts++
		return serializationErr
	})
	require.ErrorIs(t, err, ErrRetriesExceeded)
	require.Equal(t, 3, attempts)

	// A critical error is returned on the first attempt.
	attempts = 0
	criticalErr := fn.NewCriticalError(errors.New("broken invariant"))
	err = executor.ExecTx(ctxb, &testTxOptions{}, func(q *Queries) error {
		attempts++
		return criticalErr
	})
	require.True(t, fn.IsCritical(err))
	require.Equal(t, 1, attempts)
}

// TestReplacerFS makes sure the postgres schema rewrite is applied to the
// embedded migrations.
func TestReplacerFS(t *testing.T) {
	t.Parallel()

	replacer := newReplacerFS(sqlSchemas, postgresSchemaReplacements)

	f, err := replacer.Open("migrations/000001_fees.up.sql")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, f.Close())
	})

	content, err := io.ReadAll(f)
	require.NoError(t, err)

	require.NotContains(t, string(content), "BLOB")
	require.Contains(t, string(content), "op_id BYTEA PRIMARY KEY")
	require.Contains(
		t, string(content), "updated_at TIMESTAMP WITHOUT TIME ZONE",
	)
}
