package policy

import (
	"context"
	"math/big"
	"sync"
)

// MemoryStore 以进程内 map 保存账本，单把互斥锁保证校验与提交的原子性。
type MemoryStore struct {
	mu     sync.Mutex
	users  map[string]*State
	nonces map[uint64]string
	limit  int
}

// NewMemoryStore 创建内存账本，limit 为每个用户保留的记录上限。
func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &MemoryStore{
		users:  make(map[string]*State),
		nonces: make(map[uint64]string),
		limit:  limit,
	}
}

func (m *MemoryStore) state(user string) *State {
	st, ok := m.users[user]
	if !ok {
		st = &State{User: user}
		m.users[user] = st
	}
	return st
}

// Reserve 实现 Store 接口。
func (m *MemoryStore) Reserve(_ context.Context, r Reservation, validate Validator) ([]Violation, error) {
	user := NormalizeUser(r.User)
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.state(user)
	_, used := m.nonces[r.Nonce]
	if violations := validate(cloneState(*st), used); len(violations) > 0 {
		return violations, nil
	}

	m.nonces[r.Nonce] = user
	st.Records = append(st.Records, Record{
		Nonce:     r.Nonce,
		Timestamp: r.At,
		Type:      r.Type,
		GasSpent:  new(big.Int),
		Status:    StatusPending,
	})
	st.Records, _ = trimHistory(st.Records, m.limit)
	return nil, nil
}

// Commit 实现 Store 接口。
func (m *MemoryStore) Commit(_ context.Context, user string, nonce uint64, outcome Outcome) error {
	user = NormalizeUser(user)
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.users[user]
	if !ok {
		return ErrRecordNotFound
	}
	for i := range st.Records {
		if st.Records[i].Nonce != nonce {
			continue
		}
		rec := &st.Records[i]
		rec.TxHash = outcome.TxHash
		rec.GasSpent = new(big.Int)
		if outcome.GasSpent != nil {
			rec.GasSpent.Set(outcome.GasSpent)
		}
		if !outcome.Confirmed.IsZero() {
			rec.Timestamp = outcome.Confirmed
		}
		rec.Status = StatusConfirmed
		return nil
	}
	return ErrRecordNotFound
}

// Abort 实现 Store 接口。
func (m *MemoryStore) Abort(_ context.Context, user string, nonce uint64, release bool) error {
	user = NormalizeUser(user)
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.users[user]; ok {
		kept := st.Records[:0]
		for _, rec := range st.Records {
			if rec.Nonce == nonce && rec.Status == StatusPending {
				continue
			}
			kept = append(kept, rec)
		}
		st.Records = kept
	}
	if release {
		delete(m.nonces, nonce)
	}
	return nil
}

// NonceUsed 实现 Store 接口。
func (m *MemoryStore) NonceUsed(_ context.Context, nonce uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.nonces[nonce]
	return ok, nil
}

// TrackNonce 实现 Store 接口。
func (m *MemoryStore) TrackNonce(_ context.Context, user string, nonce uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nonces[nonce]; ok {
		return false, nil
	}
	m.nonces[nonce] = NormalizeUser(user)
	return true, nil
}

// Snapshot 实现 Store 接口，返回副本。
func (m *MemoryStore) Snapshot(_ context.Context, user string) (State, error) {
	user = NormalizeUser(user)
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[user]
	if !ok {
		return State{User: user}, nil
	}
	return cloneState(*st), nil
}

// Seed 直接写入历史记录，供测试与数据迁移使用。
func (m *MemoryStore) Seed(user string, records ...Record) {
	user = NormalizeUser(user)
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(user)
	for _, rec := range records {
		st.Records = append(st.Records, cloneRecord(rec))
		m.nonces[rec.Nonce] = user
	}
	st.Records, _ = trimHistory(st.Records, m.limit)
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
