package livesync

import (
	"time"

	"outage-map/internal/feature"
)

// SyncState：渲染侧可见的同步状态
type SyncState string

const (
	SyncLoading SyncState = "loading"
	SyncLive    SyncState = "live"
	SyncPolling SyncState = "polling"
	SyncError   SyncState = "error"
)

// Renderer：同步核心对渲染侧的输出契约
// 约束：回调在控制器事件循环内串行调用，实现方不得阻塞，也不得修改传入的切片
type Renderer interface {
	OnFeaturesChanged(snapshot []feature.Record)
	OnCountChanged(n int)
	OnSyncStateChanged(state SyncState)
}

// Ticker：轮询定时器，测试中可替换
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type stdTicker struct{ t *time.Ticker }

func (s stdTicker) C() <-chan time.Time { return s.t.C }
func (s stdTicker) Stop()               { s.t.Stop() }

func newStdTicker(d time.Duration) Ticker { return stdTicker{t: time.NewTicker(d)} }

type nopRenderer struct{}

func (nopRenderer) OnFeaturesChanged([]feature.Record) {}
func (nopRenderer) OnCountChanged(int)                 {}
func (nopRenderer) OnSyncStateChanged(SyncState)       {}
