package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"outage-map/internal/logger"
)

// RedisWriter：RedisSink 用到的命令子集，*redis.Client 满足该接口
type RedisWriter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSink：把最新快照写入 Redis 并发布变更通知，供多实例前端共享
// 键：outagemap:<tenant>:features（GeoJSON）、:count、:state；频道 outagemap:<tenant>:events
type RedisSink struct {
	RC     RedisWriter
	Tenant string
	TTL    time.Duration
	Log    *slog.Logger
}

func (s *RedisSink) key(suffix string) string { return "outagemap:" + s.Tenant + ":" + suffix }

type redisEvent struct {
	Version string `json:"version"`
	State   string `json:"state"`
	Count   int    `json:"count"`
}

// Write：写一份快照；任一命令失败即返回
func (s *RedisSink) Write(ctx context.Context, snap Snapshot) error {
	body, err := json.Marshal(GeoJSON(snap.Features))
	if err != nil {
		return err
	}
	if err := s.RC.Set(ctx, s.key("features"), body, s.TTL).Err(); err != nil {
		return err
	}
	if err := s.RC.Set(ctx, s.key("count"), strconv.Itoa(snap.Count), s.TTL).Err(); err != nil {
		return err
	}
	if err := s.RC.Set(ctx, s.key("state"), string(snap.State), s.TTL).Err(); err != nil {
		return err
	}
	ev, _ := json.Marshal(redisEvent{Version: snap.Version, State: string(snap.State), Count: snap.Count})
	return s.RC.Publish(ctx, s.key("events"), ev).Err()
}

// Run：订阅 Hub 并持续写入，直到 ctx 取消；写失败只记录日志
func (s *RedisSink) Run(ctx context.Context, hub *Hub) {
	log := logger.Or(s.Log)
	ch, cancel := hub.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			wctx, done := context.WithTimeout(ctx, 5*time.Second)
			err := s.Write(wctx, snap)
			done()
			if err != nil {
				log.Warn("redis_publish_error", "tenant", s.Tenant, "err", err)
				continue
			}
			log.Debug("redis_published", "tenant", s.Tenant, "version", snap.Version, "count", snap.Count)
		}
	}
}
