package policy

import (
	"context"

	xerrors "chimera/internal/errors"
)

// Validator 在存储的临界区内被调用，state 与 nonceUsed 为锁内读取的快照。
type Validator func(state State, nonceUsed bool) []Violation

// Store 抽象了策略账本的持久化。Reserve 必须把校验、nonce 提交与
// 预留记录写入放在同一个原子临界区内完成。
type Store interface {
	// Reserve 校验通过时占用 nonce 并追加一条 pending 记录，返回违规列表。
	Reserve(ctx context.Context, r Reservation, validate Validator) ([]Violation, error)
	// Commit 将 pending 记录标记为已确认并写入实际消耗。
	Commit(ctx context.Context, user string, nonce uint64, outcome Outcome) error
	// Abort 删除 pending 记录，release 为 true 时同时归还 nonce。
	Abort(ctx context.Context, user string, nonce uint64, release bool) error
	// NonceUsed 只读地判断 nonce 是否已被占用。
	NonceUsed(ctx context.Context, nonce uint64) (bool, error)
	// TrackNonce 单独登记 nonce，已存在时返回 false。
	TrackNonce(ctx context.Context, user string, nonce uint64) (bool, error)
	// Snapshot 返回用户的交易历史。
	Snapshot(ctx context.Context, user string) (State, error)
	Close() error
}

// ErrRecordNotFound 表示找不到对应 nonce 的预留记录。
var ErrRecordNotFound = xerrors.New(xerrors.CodeNotFound, "policy record not found")

func storageError(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}
