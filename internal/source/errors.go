package source

import (
	"errors"
	"fmt"
)

// ErrNotConfigured：数据源未配置或不可达（启动时回退到演示数据）
var ErrNotConfigured = errors.New("data source not configured")

// FetchError：一次批量查询失败
type FetchError struct {
	Table string
	Err   error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.Table, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// SubscriptionError：订阅失败或超时，会话内不再重试订阅
type SubscriptionError struct {
	Status ChannelStatus
	Err    error
}

func (e *SubscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("subscription %s: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("subscription %s", e.Status)
}
func (e *SubscriptionError) Unwrap() error { return e.Err }

// MalformedRecordError：坐标缺失或非法，记录被丢弃
type MalformedRecordError struct {
	Index  int
	Reason string
	Err    error
}

func (e *MalformedRecordError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("malformed record at index %d: %s", e.Index, e.Reason)
	}
	return "malformed record: " + e.Reason
}
func (e *MalformedRecordError) Unwrap() error { return e.Err }

// MalformedEventError：事件负载缺少必要字段，整条忽略
type MalformedEventError struct {
	Reason string
}

func (e *MalformedEventError) Error() string { return "malformed event: " + e.Reason }
