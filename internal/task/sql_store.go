package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	xerrors "chimera/internal/errors"
	"chimera/internal/storage/sqldb"
)

const jobColumns = "id, prompt, requester, status, attempts, max_retries, last_error, error_code, result, created_at, updated_at"

// SQLStore 将生成任务保存在 MySQL 或 PostgreSQL 的 generation_jobs 表中。
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
	now     func() time.Time
}

// NewSQLStore 创建 SQL 任务存储，调用方负责提前执行迁移。
func NewSQLStore(db *sql.DB, dialect sqldb.Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("task sql store requires a database handle")
	}
	return &SQLStore{db: db, dialect: dialect, now: time.Now}, nil
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Rebind(query)
}

func storeError(err error, action string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, action)
}

// Create 实现 Store 接口。
func (s *SQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	now := s.now().Unix()
	if task.CreatedAt == 0 {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	result, err := encodeResult(task.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q("INSERT INTO generation_jobs ("+jobColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"),
		task.ID, task.Prompt, task.Requester, string(task.Status), task.Attempts, task.MaxRetries,
		nullString(task.LastError), nullString(task.ErrorCode), result, task.CreatedAt, task.UpdatedAt)
	if sqldb.IsDuplicateKey(err) {
		return ErrTaskConflict
	}
	return storeError(err, "insert task")
}

// Get 实现 Store 接口。
func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, s.q("SELECT "+jobColumns+" FROM generation_jobs WHERE id = ?"), id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	return task, storeError(err, "load task")
}

// Claim 以条件更新抢占任务，影响行数为零时再读取当前状态判断原因。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	now := s.now().Unix()
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE generation_jobs
SET status = ?, attempts = attempts + 1, last_error = NULL, error_code = NULL, updated_at = ?
WHERE id = ? AND status = ? AND attempts < max_retries`),
		string(StatusRunning), now, id, string(StatusPending))
	if err != nil {
		return nil, storeError(err, "claim task")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, storeError(err, "claim task")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 1 {
		return task, nil
	}
	if refusal := claimRefusal(task); refusal != nil {
		return task, refusal
	}
	// 仍为 pending 却未更新，说明重试次数已用尽。
	if err := s.MarkFailed(ctx, id, CodeTaskExhausted, task.LastError, true); err != nil {
		return nil, err
	}
	task.Status = StatusFailed
	task.ErrorCode = string(CodeTaskExhausted)
	return task, ErrTaskExhausted
}

// MarkSucceeded 实现 Store 接口。
func (s *SQLStore) MarkSucceeded(ctx context.Context, id string, result Result) error {
	encoded, err := encodeResult(&result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q("UPDATE generation_jobs SET status = ?, result = ?, last_error = NULL, error_code = NULL, updated_at = ? WHERE id = ?"),
		string(StatusSucceeded), encoded, s.now().Unix(), id)
	return s.checkUpdated(res, err, "mark task succeeded")
}

// MarkFailed 实现 Store 接口。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, s.q("UPDATE generation_jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?"),
		string(status), nullString(lastError), nullString(string(code)), s.now().Unix(), id)
	return s.checkUpdated(res, err, "mark task failed")
}

func (s *SQLStore) checkUpdated(res sql.Result, err error, action string) error {
	if err != nil {
		return storeError(err, action)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storeError(err, action)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 实现 Store 接口。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.normalize()
	where, args := buildWhere(opts)
	order := "DESC"
	if opts.OldestFirst {
		order = "ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM generation_jobs%s ORDER BY updated_at %s, created_at %s, id %s LIMIT ? OFFSET ?",
		jobColumns, where, order, order, order)
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, storeError(err, "list tasks")
	}
	defer rows.Close()
	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, storeError(err, "scan task")
		}
		tasks = append(tasks, task)
	}
	return tasks, storeError(rows.Err(), "list tasks")
}

// Stats 实现 Store 接口。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.normalize()
	where, args := buildWhere(opts)
	rows, err := s.db.QueryContext(ctx, s.q("SELECT status, COUNT(*), MIN(updated_at), MAX(updated_at) FROM generation_jobs"+where+" GROUP BY status"), args...)
	if err != nil {
		return TaskStats{}, storeError(err, "task stats")
	}
	defer rows.Close()
	var stats TaskStats
	for rows.Next() {
		var (
			status         string
			count          int
			oldest, newest int64
		)
		if err := rows.Scan(&status, &count, &oldest, &newest); err != nil {
			return TaskStats{}, storeError(err, "scan task stats")
		}
		stats.add(Status(status), count, oldest, newest)
	}
	return stats, storeError(rows.Err(), "task stats")
}

// Close 关闭数据库连接。
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func buildWhere(opts ListOptions) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if len(opts.Statuses) > 0 {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(opts.Statuses)), ", ")
		clauses = append(clauses, "status IN ("+marks+")")
		for _, st := range opts.Statuses {
			args = append(args, string(st))
		}
	}
	if opts.Requester != "" {
		clauses = append(clauses, "LOWER(requester) = ?")
		args = append(args, opts.Requester)
	}
	if opts.Since > 0 {
		clauses = append(clauses, "updated_at >= ?")
		args = append(args, opts.Since)
	}
	if opts.Until > 0 {
		clauses = append(clauses, "updated_at <= ?")
		args = append(args, opts.Until)
	}
	if opts.Query != "" {
		clauses = append(clauses, "(LOWER(prompt) LIKE ? OR LOWER(requester) LIKE ?)")
		pattern := "%" + opts.Query + "%"
		args = append(args, pattern, pattern)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		task       Task
		status     string
		lastError  sql.NullString
		errorCode  sql.NullString
		resultJSON []byte
	)
	if err := row.Scan(&task.ID, &task.Prompt, &task.Requester, &status, &task.Attempts, &task.MaxRetries,
		&lastError, &errorCode, &resultJSON, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.LastError = lastError.String
	task.ErrorCode = errorCode.String
	if len(resultJSON) > 0 {
		var result Result
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, fmt.Errorf("decode task result: %w", err)
		}
		task.Result = &result
	}
	return &task, nil
}

func encodeResult(result *Result) (any, error) {
	if result == nil {
		return nil, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "encode task result")
	}
	return string(raw), nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

var _ Store = (*SQLStore)(nil)
