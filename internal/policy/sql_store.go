package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"chimera/internal/intent"
	"chimera/internal/storage/sqldb"
)

const sqlReserveAttempts = 3

// SQLStore 基于 MySQL 或 PostgreSQL 持久化账本，通过对用户行加
// SELECT ... FOR UPDATE 串行化同一用户的预留。nonce 的全局唯一性由主键保证。
type SQLStore struct {
	db      *sql.DB
	dialect sqldb.Dialect
	limit   int
}

// NewSQLStore 创建 SQL 账本，调用方负责提前执行迁移。
func NewSQLStore(db *sql.DB, dialect sqldb.Dialect, limit int) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("policy sql store requires a database handle")
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &SQLStore{db: db, dialect: dialect, limit: limit}, nil
}

func (s *SQLStore) q(query string) string {
	return s.dialect.Rebind(query)
}

func formatNonce(n uint64) string {
	return strconv.FormatUint(n, 10)
}

// Reserve 实现 Store 接口。
func (s *SQLStore) Reserve(ctx context.Context, r Reservation, validate Validator) ([]Violation, error) {
	user := NormalizeUser(r.User)
	var lastErr error
	for attempt := 0; attempt < sqlReserveAttempts; attempt++ {
		violations, err := s.reserveOnce(ctx, user, r, validate)
		if err == nil || !sqldb.IsRetryable(err) {
			return violations, storageError(err, "reserve nonce")
		}
		lastErr = err
	}
	return nil, storageError(lastErr, "reserve nonce")
}

func (s *SQLStore) reserveOnce(ctx context.Context, user string, r Reservation, validate Validator) ([]Violation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.InsertIgnore("policy_users", "address, created_at", "address"),
		user, r.At.UnixMilli()); err != nil {
		return nil, fmt.Errorf("ensure user row: %w", err)
	}
	var locked string
	if err := tx.QueryRowContext(ctx, s.q(`SELECT address FROM policy_users WHERE address = ? FOR UPDATE`), user).Scan(&locked); err != nil {
		return nil, fmt.Errorf("lock user row: %w", err)
	}

	records, err := s.loadRecords(ctx, tx, user)
	if err != nil {
		return nil, err
	}

	var used int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM policy_nonces WHERE nonce = ?`), formatNonce(r.Nonce)).Scan(&used); err != nil {
		return nil, fmt.Errorf("check nonce: %w", err)
	}

	if violations := validate(State{User: user, Records: records}, used > 0); len(violations) > 0 {
		return violations, nil
	}

	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO policy_nonces (nonce, address, created_at) VALUES (?, ?, ?)`),
		formatNonce(r.Nonce), user, r.At.UnixMilli()); err != nil {
		if sqldb.IsDuplicateKey(err) {
			// 另一个用户的并发预留抢先占用了 nonce。
			return []Violation{{Rule: RuleReplay, Message: fmt.Sprintf("nonce %d has already been used", r.Nonce)}}, nil
		}
		return nil, fmt.Errorf("insert nonce: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO policy_records (nonce, address, intent_type, tx_hash, gas_spent, status, recorded_at)
VALUES (?, ?, ?, '', '0', ?, ?)`), formatNonce(r.Nonce), user, string(r.Type), string(StatusPending), r.At.UnixMilli()); err != nil {
		return nil, fmt.Errorf("insert pending record: %w", err)
	}

	records = append(records, Record{Nonce: r.Nonce})
	_, dropped := trimHistory(records, s.limit)
	for _, rec := range dropped {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM policy_records WHERE nonce = ?`), formatNonce(rec.Nonce)); err != nil {
			return nil, fmt.Errorf("trim history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}
	return nil, nil
}

type rowQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// loadRecords 读取最近 limit 条记录并按时间升序返回。
func (s *SQLStore) loadRecords(ctx context.Context, q rowQuerier, user string) ([]Record, error) {
	rows, err := q.QueryContext(ctx, s.q(`SELECT nonce, intent_type, tx_hash, gas_spent, status, recorded_at
FROM policy_records WHERE address = ? ORDER BY recorded_at DESC, nonce DESC LIMIT ?`), user, s.limit)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			nonceText, typ, txHash, gasText, status string
			recordedAt                              int64
		)
		if err := rows.Scan(&nonceText, &typ, &txHash, &gasText, &status, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		nonce, err := strconv.ParseUint(nonceText, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse nonce %q: %w", nonceText, err)
		}
		gas, ok := new(big.Int).SetString(gasText, 10)
		if !ok {
			return nil, fmt.Errorf("parse gas_spent %q", gasText)
		}
		records = append(records, Record{
			Nonce:     nonce,
			Timestamp: time.UnixMilli(recordedAt),
			Type:      intent.Type(typ),
			TxHash:    txHash,
			GasSpent:  gas,
			Status:    RecordStatus(status),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Commit 实现 Store 接口。
func (s *SQLStore) Commit(ctx context.Context, user string, nonce uint64, outcome Outcome) error {
	if outcome.Confirmed.IsZero() {
		outcome.Confirmed = time.Now()
	}
	gas := "0"
	if outcome.GasSpent != nil {
		gas = outcome.GasSpent.String()
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE policy_records SET tx_hash = ?, gas_spent = ?, status = ?, recorded_at = ?
WHERE nonce = ? AND address = ?`), outcome.TxHash, gas, string(StatusConfirmed), outcome.Confirmed.UnixMilli(),
		formatNonce(nonce), NormalizeUser(user))
	if err != nil {
		return storageError(err, "commit record")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError(err, "commit record")
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// Abort 实现 Store 接口。
func (s *SQLStore) Abort(ctx context.Context, user string, nonce uint64, release bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "begin abort")
	}
	defer tx.Rollback()

	user = NormalizeUser(user)
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM policy_records WHERE nonce = ? AND address = ? AND status = ?`),
		formatNonce(nonce), user, string(StatusPending)); err != nil {
		return storageError(err, "delete pending record")
	}
	if release {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM policy_nonces WHERE nonce = ? AND address = ?`),
			formatNonce(nonce), user); err != nil {
			return storageError(err, "release nonce")
		}
	}
	return storageError(tx.Commit(), "commit abort")
}

// NonceUsed 实现 Store 接口。
func (s *SQLStore) NonceUsed(ctx context.Context, nonce uint64) (bool, error) {
	var used int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM policy_nonces WHERE nonce = ?`), formatNonce(nonce)).Scan(&used); err != nil {
		return false, storageError(err, "check nonce")
	}
	return used > 0, nil
}

// TrackNonce 实现 Store 接口。
func (s *SQLStore) TrackNonce(ctx context.Context, user string, nonce uint64) (bool, error) {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO policy_nonces (nonce, address, created_at) VALUES (?, ?, ?)`),
		formatNonce(nonce), NormalizeUser(user), time.Now().UnixMilli())
	if err != nil {
		if sqldb.IsDuplicateKey(err) {
			return false, nil
		}
		return false, storageError(err, "track nonce")
	}
	return true, nil
}

// Snapshot 实现 Store 接口。
func (s *SQLStore) Snapshot(ctx context.Context, user string) (State, error) {
	user = NormalizeUser(user)
	records, err := s.loadRecords(ctx, s.db, user)
	if err != nil {
		return State{}, storageError(err, "load policy state")
	}
	return State{User: user, Records: records}, nil
}

// Close 关闭连接池。
func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)
