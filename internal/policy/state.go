package policy

import (
	"math/big"
	"strings"
	"time"

	"chimera/internal/intent"
)

// RecordStatus 区分已预留与已确认的交易记录。
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusConfirmed RecordStatus = "confirmed"
)

// Record 是账本中的一条交易记录，以全局唯一的 nonce 为键。
type Record struct {
	Nonce     uint64       `json:"nonce"`
	Timestamp time.Time    `json:"timestamp"`
	Type      intent.Type  `json:"type"`
	TxHash    string       `json:"txHash,omitempty"`
	GasSpent  *big.Int     `json:"gasSpent"`
	Status    RecordStatus `json:"status"`
}

// State 是单个用户的交易历史，按时间升序排列。
type State struct {
	User    string   `json:"user"`
	Records []Record `json:"records"`
}

// Outcome 描述一次已确认的链上执行。
type Outcome struct {
	TxHash    string
	GasSpent  *big.Int
	Confirmed time.Time
}

// Reservation 描述一次校验并占用 nonce 的请求。
type Reservation struct {
	User  string
	Nonce uint64
	Type  intent.Type
	At    time.Time
}

// NormalizeUser 对地址做大小写无关的归一化。
func NormalizeUser(user string) string {
	return strings.ToLower(strings.TrimSpace(user))
}

func cloneRecord(r Record) Record {
	if r.GasSpent != nil {
		r.GasSpent = new(big.Int).Set(r.GasSpent)
	}
	return r
}

func cloneState(s State) State {
	out := State{User: s.User, Records: make([]Record, len(s.Records))}
	for i, r := range s.Records {
		out.Records[i] = cloneRecord(r)
	}
	return out
}

// trimHistory 丢弃最旧的记录，使长度不超过 limit。
func trimHistory(records []Record, limit int) (kept, dropped []Record) {
	if limit <= 0 || len(records) <= limit {
		return records, nil
	}
	cut := len(records) - limit
	return records[cut:], records[:cut]
}

// CountSince 统计 now-window 之内的记录数。
func (s State) CountSince(now time.Time, window time.Duration) int {
	count := 0
	for _, r := range s.Records {
		if now.Sub(r.Timestamp) < window {
			count++
		}
	}
	return count
}

// SpentSince 累加 now-window 之内的 gasSpent。
func (s State) SpentSince(now time.Time, window time.Duration) *big.Int {
	total := new(big.Int)
	for _, r := range s.Records {
		if r.GasSpent != nil && now.Sub(r.Timestamp) < window {
			total.Add(total, r.GasSpent)
		}
	}
	return total
}
