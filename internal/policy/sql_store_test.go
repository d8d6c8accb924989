package policy

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "chimera/internal/errors"
	"chimera/internal/intent"
	"chimera/internal/storage/sqldb"
)

var recordColumns = []string{"nonce", "intent_type", "tx_hash", "gas_spent", "status", "recorded_at"}

func newMockStore(t *testing.T, dialect sqldb.Dialect, limit int) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store, err := NewSQLStore(db, dialect, limit)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store, mock
}

func expectLock(mock sqlmock.Sqlmock, user string, insertIgnore string) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(insertIgnore)).WithArgs(user, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT address FROM policy_users WHERE address =")).
		WithArgs(user).WillReturnRows(sqlmock.NewRows([]string{"address"}).AddRow(user))
}

func TestSQLStoreReserveMySQL(t *testing.T) {
	store, mock := newMockStore(t, sqldb.MySQL, 2)
	user := NormalizeUser(testUser)
	at := baseTime.UnixMilli()

	expectLock(mock, user, "INSERT IGNORE INTO policy_users")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT nonce, intent_type, tx_hash, gas_spent, status, recorded_at")).
		WithArgs(user, 2).
		WillReturnRows(sqlmock.NewRows(recordColumns).
			AddRow("4", "transfer", "0x4", "300", "confirmed", at-1000).
			AddRow("3", "transfer", "0x3", "200", "confirmed", at-2000))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM policy_nonces WHERE nonce = ?")).
		WithArgs("5").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_nonces (nonce, address, created_at) VALUES (?, ?, ?)")).
		WithArgs("5", user, at).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_records")).
		WithArgs("5", user, "transfer", "pending", at).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM policy_records WHERE nonce = ?")).
		WithArgs("3").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	var seen State
	violations, err := store.Reserve(context.Background(), Reservation{User: testUser, Nonce: 5, Type: intent.TypeTransfer, At: baseTime},
		func(st State, used bool) []Violation {
			seen = st
			assert.False(t, used)
			return nil
		})
	require.NoError(t, err)
	assert.Empty(t, violations)
	require.Len(t, seen.Records, 2)
	assert.Equal(t, uint64(3), seen.Records[0].Nonce, "records are returned oldest first")
	assert.EqualValues(t, 300, seen.Records[1].GasSpent.Int64())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreReservePostgresDuplicateNonce(t *testing.T) {
	store, mock := newMockStore(t, sqldb.Postgres, 10)
	user := NormalizeUser(testUser)

	expectLock(mock, user, "INSERT INTO policy_users (address, created_at) VALUES ($1, $2) ON CONFLICT (address) DO NOTHING")
	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_records WHERE address = $1 ORDER BY recorded_at DESC, nonce DESC LIMIT $2")).
		WithArgs(user, 10).WillReturnRows(sqlmock.NewRows(recordColumns))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM policy_nonces WHERE nonce = $1")).
		WithArgs("8").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_nonces")).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	violations, err := store.Reserve(context.Background(), Reservation{User: testUser, Nonce: 8, Type: intent.TypeTransfer, At: baseTime}, allow)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, RuleReplay, violations[0].Rule)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreReserveRejectedRollsBack(t *testing.T) {
	store, mock := newMockStore(t, sqldb.MySQL, 10)
	user := NormalizeUser(testUser)

	expectLock(mock, user, "INSERT IGNORE INTO policy_users")
	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_records")).WillReturnRows(sqlmock.NewRows(recordColumns))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM policy_nonces")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	violations, err := store.Reserve(context.Background(), Reservation{User: testUser, Nonce: 1, Type: intent.TypeTransfer, At: baseTime},
		func(_ State, used bool) []Violation {
			require.True(t, used)
			return []Violation{{Rule: RuleReplay, Message: "nonce 1 has already been used"}}
		})
	require.NoError(t, err)
	assert.Len(t, violations, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreReserveRetriesDeadlock(t *testing.T) {
	store, mock := newMockStore(t, sqldb.MySQL, 10)
	user := NormalizeUser(testUser)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT IGNORE INTO policy_users")).WillReturnError(&mysql.MySQLError{Number: 1213})
	mock.ExpectRollback()
	expectLock(mock, user, "INSERT IGNORE INTO policy_users")
	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_records")).WillReturnRows(sqlmock.NewRows(recordColumns))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM policy_nonces")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_nonces")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_records")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	violations, err := store.Reserve(context.Background(), Reservation{User: testUser, Nonce: 2, Type: intent.TypeTransfer, At: baseTime}, allow)
	require.NoError(t, err)
	assert.Empty(t, violations)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreCommitAndAbort(t *testing.T) {
	store, mock := newMockStore(t, sqldb.MySQL, 10)
	user := NormalizeUser(testUser)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE policy_records SET tx_hash = ?, gas_spent = ?, status = ?, recorded_at = ?")).
		WithArgs("0xabc", "42000", "confirmed", baseTime.UnixMilli(), "6", user).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Commit(context.Background(), testUser, 6, Outcome{TxHash: "0xabc", GasSpent: bigInt(42000), Confirmed: baseTime}))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE policy_records")).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, store.Commit(context.Background(), testUser, 7, Outcome{Confirmed: baseTime}), ErrRecordNotFound)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM policy_records WHERE nonce = ? AND address = ? AND status = ?")).
		WithArgs("6", user, "pending").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM policy_nonces WHERE nonce = ? AND address = ?")).
		WithArgs("6", user).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, store.Abort(context.Background(), testUser, 6, true))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreTrackNonce(t *testing.T) {
	store, mock := newMockStore(t, sqldb.MySQL, 10)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_nonces")).WillReturnResult(sqlmock.NewResult(1, 1))
	ok, err := store.TrackNonce(context.Background(), testUser, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_nonces")).WillReturnError(&mysql.MySQLError{Number: 1062})
	ok, err = store.TrackNonce(context.Background(), testUser, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO policy_nonces")).WillReturnError(assert.AnError)
	_, err = store.TrackNonce(context.Background(), testUser, 2)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreNonceUsed(t *testing.T) {
	store, mock := newMockStore(t, sqldb.Postgres, 10)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM policy_nonces WHERE nonce = $1")).
		WithArgs("9").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	used, err := store.NonceUsed(context.Background(), 9)
	require.NoError(t, err)
	assert.True(t, used)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM policy_nonces")).WillReturnError(assert.AnError)
	_, err = store.NonceUsed(context.Background(), 10)
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))
	require.NoError(t, mock.ExpectationsWereMet())
}
