package publish

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"outage-map/internal/feature"
	"outage-map/internal/livesync"
)

// Snapshot：一次渲染输出；Version 单调递增，可直接用作 ETag
type Snapshot struct {
	Version   string             `json:"version"`
	Tenant    string             `json:"tenant"`
	State     livesync.SyncState `json:"state"`
	Count     int                `json:"count"`
	Features  []feature.Record   `json:"-"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Hub：实现 livesync.Renderer，保存最新快照并广播给订阅者
// 背景：渲染回调在控制器事件循环里执行，广播不能阻塞；慢订阅者只保留最新一份
type Hub struct {
	tenant string
	now    func() time.Time

	mu     sync.RWMutex
	cur    Snapshot
	have   bool
	nextID int
	subs   map[int]chan Snapshot
}

func NewHub(tenant string) *Hub {
	return &Hub{tenant: tenant, now: time.Now, subs: make(map[int]chan Snapshot), cur: Snapshot{Tenant: tenant, State: livesync.SyncLoading}}
}

func (h *Hub) OnFeaturesChanged(recs []feature.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cur.Features = recs
	h.cur.Count = len(recs)
	h.have = true
	h.bumpLocked()
}

// OnCountChanged：数量已随 OnFeaturesChanged 广播，这里只校正
func (h *Hub) OnCountChanged(n int) {
	h.mu.Lock()
	h.cur.Count = n
	h.mu.Unlock()
}

func (h *Hub) OnSyncStateChanged(s livesync.SyncState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cur.State = s
	h.bumpLocked()
}

func (h *Hub) bumpLocked() {
	h.cur.Version = ulid.Make().String()
	h.cur.UpdatedAt = h.now()
	for _, ch := range h.subs {
		offer(ch, h.cur)
	}
}

// offer：通道容量为 1，满时丢弃旧值换成新值
func offer(ch chan Snapshot, s Snapshot) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- s:
	default:
	}
}

// Latest：尚未收到任何点位时第二个返回值为 false
func (h *Hub) Latest() (Snapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cur, h.have
}

// Subscribe：返回的通道会先收到当前快照（若已有）；cancel 后通道关闭
func (h *Hub) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	if h.have {
		ch <- h.cur
	}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			close(ch)
			h.mu.Unlock()
		})
	}
}

// Subscribers：当前订阅者数量
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Fanout：把渲染回调依次转发给多个实现
type Fanout []livesync.Renderer

func (f Fanout) OnFeaturesChanged(recs []feature.Record) {
	for _, r := range f {
		r.OnFeaturesChanged(recs)
	}
}

func (f Fanout) OnCountChanged(n int) {
	for _, r := range f {
		r.OnCountChanged(n)
	}
}

func (f Fanout) OnSyncStateChanged(s livesync.SyncState) {
	for _, r := range f {
		r.OnSyncStateChanged(s)
	}
}
