package alerting

import (
	"context"
	"maps"
	"strconv"
	"sync"
	"time"

	xerrors "chimera/internal/errors"
)

// sweepThreshold 超过该数量的冷却记录时清理已过期的条目。
const sweepThreshold = 1024

type throttleKey struct {
	code    xerrors.Code
	subject string
}

type throttleState struct {
	sentAt     time.Time
	suppressed int
}

// Throttle 在冷却窗口内只放行同一错误码与对象的第一条告警。
// 窗口过后的下一条告警在 metadata 的 suppressed 字段中带上期间被抑制的条数。
type Throttle struct {
	next     Dispatcher
	cooldown time.Duration
	now      func() time.Time

	mu    sync.Mutex
	state map[throttleKey]*throttleState
}

// NewThrottle 包装 next。cooldown 不为正时直接返回 next。
func NewThrottle(next Dispatcher, cooldown time.Duration) Dispatcher {
	if cooldown <= 0 || next == nil {
		return next
	}
	return &Throttle{
		next:     next,
		cooldown: cooldown,
		now:      time.Now,
		state:    make(map[throttleKey]*throttleState),
	}
}

// Notify 实现 Dispatcher。
func (t *Throttle) Notify(ctx context.Context, event Event) error {
	suppressed, send := t.admit(throttleKey{code: event.Code, subject: event.Subject})
	if !send {
		return nil
	}
	if suppressed > 0 {
		meta := maps.Clone(event.Metadata)
		if meta == nil {
			meta = make(map[string]string, 1)
		}
		meta["suppressed"] = strconv.Itoa(suppressed)
		event.Metadata = meta
	}
	return t.next.Notify(ctx, event)
}

func (t *Throttle) admit(key throttleKey) (suppressed int, send bool) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.state[key]; ok {
		if now.Sub(st.sentAt) < t.cooldown {
			st.suppressed++
			return 0, false
		}
		suppressed = st.suppressed
	}
	if len(t.state) >= sweepThreshold {
		for k, st := range t.state {
			if now.Sub(st.sentAt) >= t.cooldown {
				delete(t.state, k)
			}
		}
	}
	t.state[key] = &throttleState{sentAt: now}
	return suppressed, true
}
