// 包 source：外部数据源契约（批量查询与变更订阅），具体传输由子包实现
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Row：一行原始数据，列名由租户配置决定
type Row map[string]any

// String：取文本值；nil 或缺失返回空串
func (r Row) String(col string) string {
	v, ok := r[col]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// Float：按浮点解析；文本会去掉首尾空白后严格解析，不接受尾随字符
func (r Row) Float(col string) (float64, error) {
	v, ok := r[col]
	if !ok || v == nil {
		return 0, fmt.Errorf("column %q is null", col)
	}
	switch t := v.(type) {
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(t), 64)
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(t)), 64)
	}
	return 0, fmt.Errorf("column %q has unsupported type %T", col, v)
}

// Filter：等值过滤条件
type Filter struct {
	Column string
	Value  string
}

// Query：一次批量查询的条件
type Query struct {
	Table   string
	Equal   []Filter
	NotNull []string
}

// Fetcher：批量查询接口
type Fetcher interface {
	Fetch(ctx context.Context, q Query) ([]Row, error)
	Count(ctx context.Context, q Query) (int64, error)
}

// EventType：变更事件类型
type EventType string

const (
	Insert EventType = "INSERT"
	Update EventType = "UPDATE"
	Delete EventType = "DELETE"
)

// ParseEventType：大小写不敏感
func ParseEventType(s string) (EventType, error) {
	switch EventType(strings.ToUpper(strings.TrimSpace(s))) {
	case Insert:
		return Insert, nil
	case Update:
		return Update, nil
	case Delete:
		return Delete, nil
	}
	return "", &MalformedEventError{Reason: fmt.Sprintf("unknown event type %q", s)}
}

// ChangeEvent：一条行级变更；Old 在 DELETE 时必需，New 在 INSERT/UPDATE 时必需
type ChangeEvent struct {
	Type  EventType
	Table string
	New   Row
	Old   Row
}

// ChannelStatus：订阅确认状态
type ChannelStatus string

const (
	Subscribed   ChannelStatus = "SUBSCRIBED"
	ChannelError ChannelStatus = "CHANNEL_ERROR"
	TimedOut     ChannelStatus = "TIMED_OUT"
	Closed       ChannelStatus = "CLOSED"
)

// SubscribeRequest：订阅目标；Filter 为服务端过滤表达式（如 tenant_id=eq.x），可为空
type SubscribeRequest struct {
	Table  string
	Filter string
}

// Feed：变更订阅接口
// 约束：onEvent 按投递顺序串行调用；onStatus 至少调用一次
type Feed interface {
	Subscribe(ctx context.Context, req SubscribeRequest, onEvent func(ChangeEvent), onStatus func(ChannelStatus)) (Subscription, error)
}

// Subscription：已建立的订阅句柄，Unsubscribe 可重复调用
type Subscription interface {
	Unsubscribe() error
}
