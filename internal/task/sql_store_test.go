package task

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "chimera/internal/errors"
	"chimera/internal/storage/sqldb"
)

var (
	fixedNow   = time.Unix(1_700_000_000, 0)
	jobRowCols = []string{"id", "prompt", "requester", "status", "attempts", "max_retries", "last_error", "error_code", "result", "created_at", "updated_at"}
)

func newMockTaskStore(t *testing.T, dialect sqldb.Dialect) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store, err := NewSQLStore(db, dialect)
	require.NoError(t, err)
	store.now = func() time.Time { return fixedNow }
	t.Cleanup(func() { db.Close() })
	return store, mock
}

func TestSQLStoreCreate(t *testing.T) {
	store, mock := newMockTaskStore(t, sqldb.MySQL)
	ts := fixedNow.Unix()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO generation_jobs (" + jobColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")).
		WithArgs("job", "token", "0xabc", "pending", 0, 3, nil, nil, nil, ts, ts).
		WillReturnResult(sqlmock.NewResult(1, 1))
	task := &Task{ID: "job", Prompt: "token", Requester: "0xabc", Status: StatusPending, MaxRetries: 3}
	require.NoError(t, store.Create(context.Background(), task))
	assert.Equal(t, ts, task.CreatedAt)

	mock.ExpectExec("INSERT INTO generation_jobs").
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})
	err := store.Create(context.Background(), &Task{ID: "job", Prompt: "token"})
	assert.ErrorIs(t, err, ErrTaskConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreGetDecodesResult(t *testing.T) {
	store, mock := newMockTaskStore(t, sqldb.Postgres)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + jobColumns + " FROM generation_jobs WHERE id = $1")).
		WithArgs("job").
		WillReturnRows(sqlmock.NewRows(jobRowCols).AddRow(
			"job", "token", "", "succeeded", 1, 3, nil, nil,
			[]byte(`{"passed":true,"code":"contract T {}","score":91,"iterations":2}`), int64(10), int64(20)))
	task, err := store.Get(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, task.Status)
	require.NotNil(t, task.Result)
	assert.True(t, task.Result.Passed)
	assert.Equal(t, 91.0, task.Result.Score)
	assert.Equal(t, 2, task.Result.Iterations)
	assert.Empty(t, task.LastError)

	mock.ExpectQuery("SELECT .* FROM generation_jobs WHERE id").WithArgs("missing").WillReturnError(sql.ErrNoRows)
	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	mock.ExpectQuery("SELECT .* FROM generation_jobs WHERE id").WithArgs("broken").WillReturnError(assert.AnError)
	_, err = store.Get(context.Background(), "broken")
	assert.True(t, xerrors.HasCode(err, xerrors.CodeStorageFailure))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreClaim(t *testing.T) {
	store, mock := newMockTaskStore(t, sqldb.MySQL)
	ts := fixedNow.Unix()
	claimSQL := regexp.QuoteMeta("UPDATE generation_jobs\nSET status = ?, attempts = attempts + 1")
	getSQL := regexp.QuoteMeta("SELECT " + jobColumns + " FROM generation_jobs WHERE id = ?")

	mock.ExpectExec(claimSQL).WithArgs("running", ts, "job", "pending").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(getSQL).WithArgs("job").WillReturnRows(sqlmock.NewRows(jobRowCols).
		AddRow("job", "token", "", "running", 1, 3, nil, nil, nil, int64(1), ts))
	task, err := store.Claim(context.Background(), "job")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, task.Status)
	assert.Equal(t, 1, task.Attempts)

	mock.ExpectExec(claimSQL).WithArgs("running", ts, "done", "pending").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(getSQL).WithArgs("done").WillReturnRows(sqlmock.NewRows(jobRowCols).
		AddRow("done", "token", "", "succeeded", 1, 3, nil, nil, nil, int64(1), ts))
	_, err = store.Claim(context.Background(), "done")
	assert.ErrorIs(t, err, ErrTaskCompleted)

	mock.ExpectExec(claimSQL).WithArgs("running", ts, "spent", "pending").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(getSQL).WithArgs("spent").WillReturnRows(sqlmock.NewRows(jobRowCols).
		AddRow("spent", "token", "", "pending", 3, 3, "timeout", "TIMEOUT", nil, int64(1), ts))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE generation_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?")).
		WithArgs("failed", "timeout", string(CodeTaskExhausted), ts, "spent").
		WillReturnResult(sqlmock.NewResult(0, 1))
	exhausted, err := store.Claim(context.Background(), "spent")
	assert.ErrorIs(t, err, ErrTaskExhausted)
	assert.Equal(t, StatusFailed, exhausted.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreMarkTransitions(t *testing.T) {
	store, mock := newMockTaskStore(t, sqldb.Postgres)
	ts := fixedNow.Unix()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE generation_jobs SET status = $1, result = $2, last_error = NULL, error_code = NULL, updated_at = $3 WHERE id = $4")).
		WithArgs("succeeded", `{"passed":true,"code":"c","score":90,"iterations":1}`, ts, "job").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.MarkSucceeded(context.Background(), "job", Result{Passed: true, Code: "c", Score: 90, Iterations: 1}))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE generation_jobs SET status = $1, last_error = $2")).
		WithArgs("pending", "upstream 503", "AUDIT_SERVICE_FAILURE", ts, "job").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.MarkFailed(context.Background(), "job", xerrors.CodeAuditServiceFailure, "upstream 503", false))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE generation_jobs SET status = $1, last_error = $2")).
		WithArgs("failed", "boom", "TASK_PROCESSING_FAILED", ts, "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.MarkFailed(context.Background(), "ghost", CodeTaskProcessing, "boom", true)
	assert.ErrorIs(t, err, ErrTaskNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreListAndStats(t *testing.T) {
	store, mock := newMockTaskStore(t, sqldb.Postgres)
	opts := buildListOptions([]ListOption{
		WithStatuses(StatusFailed, StatusSucceeded, StatusFailed), WithRequester("0xABC"),
		WithQuery("Token"), WithLimit(5), WithOffset(5),
	})

	mock.ExpectQuery(regexp.QuoteMeta("SELECT " + jobColumns + " FROM generation_jobs WHERE status IN ($1, $2) AND LOWER(requester) = $3 AND (LOWER(prompt) LIKE $4 OR LOWER(requester) LIKE $5) ORDER BY updated_at DESC, created_at DESC, id DESC LIMIT $6 OFFSET $7")).
		WithArgs("failed", "succeeded", "0xabc", "%token%", "%token%", 5, 5).
		WillReturnRows(sqlmock.NewRows(jobRowCols).
			AddRow("b", "token b", "", "failed", 3, 3, "boom", "TASK_PROCESSING_FAILED", nil, int64(1), int64(9)).
			AddRow("a", "token a", "", "succeeded", 1, 3, nil, nil, []byte(`{"passed":false,"code":"x","score":60,"iterations":3}`), int64(1), int64(8)))
	tasks, err := store.List(context.Background(), opts)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "boom", tasks[0].LastError)
	assert.False(t, tasks[1].Result.Passed)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM generation_jobs GROUP BY status")).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count", "min", "max"}).
			AddRow("pending", 2, int64(5), int64(7)).
			AddRow("succeeded", 3, int64(3), int64(9)))
	stats, err := store.Stats(context.Background(), ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, TaskStats{Total: 5, Pending: 2, Succeeded: 3, OldestUpdatedAt: 3, NewestUpdatedAt: 9}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}
