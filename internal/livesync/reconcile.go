package livesync

import (
	"fmt"

	"outage-map/internal/feature"
	"outage-map/internal/source"
)

// Action：一次对账的结果
type Action string

const (
	ActionInserted Action = "inserted"
	ActionUpdated  Action = "updated"
	ActionRemoved  Action = "removed"
	ActionIgnored  Action = "ignored"
)

// Outcome：Removed 为删除条数（同坐标可能多条）
type Outcome struct {
	Action  Action
	Removed int
}

// Mutated：是否改变了集合内容，决定是否通知渲染侧
func (o Outcome) Mutated() bool {
	switch o.Action {
	case ActionInserted, ActionUpdated:
		return true
	case ActionRemoved:
		return o.Removed > 0
	}
	return false
}

var ignored = Outcome{Action: ActionIgnored}

// Apply：把单条变更事件作用到 Store，纯函数，不做日志与通知
// 背景：源表没有可用于关联事件的主键，身份就是坐标；UPDATE 的“之前是否存在”按新坐标查找
// 约束：
// - INSERT/UPDATE 缺少 New、DELETE 缺少 Old 返回 MalformedEventError，Store 不变
// - 需要写入的记录坐标非法时返回 MalformedRecordError，Store 不变
// - 坐标与状态在同一次 UPDATE 中同时变化时，旧坐标上的条目不会被移除（已知限制）
func Apply(s *feature.Store, m Mapping, ev source.ChangeEvent) (Outcome, error) {
	switch ev.Type {
	case source.Insert:
		if ev.New == nil {
			return ignored, &source.MalformedEventError{Reason: "INSERT without new record"}
		}
		if !m.Active(ev.New) {
			return ignored, nil
		}
		rec, err := m.Record(ev.New)
		if err != nil {
			return ignored, err
		}
		s.Insert(rec)
		return Outcome{Action: ActionInserted}, nil

	case source.Update:
		if ev.New == nil {
			return ignored, &source.MalformedEventError{Reason: "UPDATE without new record"}
		}
		after := m.Active(ev.New)
		rec, recErr := m.Record(ev.New)
		before := false
		if recErr == nil {
			_, before = s.Lookup(rec.Coordinates)
		}
		switch {
		case !before && after:
			if recErr != nil {
				return ignored, recErr
			}
			s.Insert(rec)
			return Outcome{Action: ActionInserted}, nil
		case before && !after:
			return Outcome{Action: ActionRemoved, Removed: s.RemoveByCoordinates(rec.Coordinates)}, nil
		case before && after:
			s.ReplaceFirst(rec.Coordinates, rec)
			return Outcome{Action: ActionUpdated}, nil
		}
		return ignored, nil

	case source.Delete:
		if ev.Old == nil {
			return ignored, &source.MalformedEventError{Reason: "DELETE without old record"}
		}
		old, err := m.Record(ev.Old)
		if err != nil {
			return ignored, err
		}
		return Outcome{Action: ActionRemoved, Removed: s.RemoveByCoordinates(old.Coordinates)}, nil
	}
	return ignored, &source.MalformedEventError{Reason: fmt.Sprintf("unknown event type %q", ev.Type)}
}
