package task

import (
	"slices"
	"strings"
	"time"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 是任务列表与统计共用的筛选条件。Since/Until 为 Unix 秒，0 表示不限。
type ListOptions struct {
	Limit       int
	Offset      int
	Statuses    []Status
	Requester   string
	Since       int64
	Until       int64
	OldestFirst bool
	Query       string
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 设置单页数量，超过上限时截断。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithOffset 跳过前 n 条结果。
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只返回指定状态的任务，未知状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = append([]Status(nil), statuses...) }
}

// WithRequester 按提交者地址精确匹配，不区分大小写。
func WithRequester(address string) ListOption {
	return func(o *ListOptions) { o.Requester = address }
}

// WithUpdatedBetween 限定更新时间区间，两端均包含，零值表示该端不限。
func WithUpdatedBetween(since, until time.Time) ListOption {
	return func(o *ListOptions) {
		o.Since, o.Until = unixOrZero(since), unixOrZero(until)
	}
}

// OldestFirst 按更新时间升序返回。
func OldestFirst() ListOption {
	return func(o *ListOptions) { o.OldestFirst = true }
}

// WithQuery 在 prompt 与提交者中做不区分大小写的子串匹配。
func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.normalize()
	return o
}

// normalize 可重复调用，存储实现在查询前都会执行一次。
func (o *ListOptions) normalize() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultListLimit
	case o.Limit > maxListLimit:
		o.Limit = maxListLimit
	}
	o.Offset = max(o.Offset, 0)
	o.Statuses = validStatuses(o.Statuses)
	o.Requester = strings.ToLower(strings.TrimSpace(o.Requester))
	o.Query = strings.ToLower(strings.TrimSpace(o.Query))
	if o.Since < 0 {
		o.Since = 0
	}
	if o.Until < 0 {
		o.Until = 0
	}
}

func (o ListOptions) matches(t *Task) bool {
	switch {
	case len(o.Statuses) > 0 && !slices.Contains(o.Statuses, t.Status):
		return false
	case o.Requester != "" && strings.ToLower(t.Requester) != o.Requester:
		return false
	case o.Since > 0 && t.UpdatedAt < o.Since:
		return false
	case o.Until > 0 && t.UpdatedAt > o.Until:
		return false
	case o.Query == "":
		return true
	}
	return strings.Contains(strings.ToLower(t.Prompt), o.Query) ||
		strings.Contains(strings.ToLower(t.Requester), o.Query)
}

// validStatuses 去重并丢弃未知状态，结果为空时返回 nil。
func validStatuses(in []Status) []Status {
	var out []Status
	for _, st := range in {
		if IsValidStatus(st) && !slices.Contains(out, st) {
			out = append(out, st)
		}
	}
	return out
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
