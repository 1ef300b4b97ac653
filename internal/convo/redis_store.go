package convo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 描述 Redis 事件存储的连接参数。
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	MaxEvents int
}

// RedisStore 使用 Redis list 保存事件流。
// 每个任务一个 list 保存事件本体，另有一个全局索引 list
// 记录插入顺序，用于跨任务淘汰最旧的事件。
type RedisStore struct {
	client    *redis.Client
	prefix    string
	maxEvents int
}

// NewRedisStore 创建 Redis 事件存储。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "carbonscope"
	}
	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStore{client: client, prefix: prefix, maxEvents: maxEvents}, nil
}

func (s *RedisStore) taskKey(taskID string) string {
	return s.prefix + ":events:" + taskID
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":events:index"
}

// Append 实现 Store 接口。
func (s *RedisStore) Append(ctx context.Context, event Event) error {
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if err := s.client.RPush(ctx, s.taskKey(event.TaskID), encoded).Err(); err != nil {
		return fmt.Errorf("Redis 写入事件失败: %w", err)
	}
	if err := s.client.RPush(ctx, s.indexKey(), event.TaskID).Err(); err != nil {
		return fmt.Errorf("Redis 更新事件索引失败: %w", err)
	}
	return s.trim(ctx)
}

// trim 依照全局索引顺序淘汰最旧的事件。
func (s *RedisStore) trim(ctx context.Context) error {
	for {
		total, err := s.client.LLen(ctx, s.indexKey()).Result()
		if err != nil {
			return fmt.Errorf("Redis 统计事件数量失败: %w", err)
		}
		if total <= int64(s.maxEvents) {
			return nil
		}
		evictedTask, err := s.client.LPop(ctx, s.indexKey()).Result()
		if err != nil {
			if err == redis.Nil {
				return nil
			}
			return fmt.Errorf("Redis 淘汰事件索引失败: %w", err)
		}
		if err := s.client.LPop(ctx, s.taskKey(evictedTask)).Err(); err != nil && err != redis.Nil {
			return fmt.Errorf("Redis 淘汰旧事件失败: %w", err)
		}
	}
}

// Events 实现 Store 接口。
func (s *RedisStore) Events(ctx context.Context, taskID string) ([]Event, error) {
	values, err := s.client.LRange(ctx, s.taskKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("Redis 查询事件失败: %w", err)
	}
	var events []Event
	for _, value := range values {
		var event Event
		if err := json.Unmarshal([]byte(value), &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

// Drop 实现 Store 接口。
func (s *RedisStore) Drop(ctx context.Context, taskID string) error {
	if err := s.client.Del(ctx, s.taskKey(taskID)).Err(); err != nil {
		return fmt.Errorf("Redis 删除任务事件失败: %w", err)
	}
	if err := s.client.LRem(ctx, s.indexKey(), 0, taskID).Err(); err != nil {
		return fmt.Errorf("Redis 清理事件索引失败: %w", err)
	}
	return nil
}

// ClearAll 实现 Store 接口。
func (s *RedisStore) ClearAll(ctx context.Context) error {
	for {
		taskID, err := s.client.LPop(ctx, s.indexKey()).Result()
		if err != nil {
			if err == redis.Nil {
				return nil
			}
			return fmt.Errorf("Redis 清空事件失败: %w", err)
		}
		if err := s.client.Del(ctx, s.taskKey(taskID)).Err(); err != nil {
			return fmt.Errorf("Redis 删除任务事件失败: %w", err)
		}
	}
}

// Close 关闭 Redis 连接。
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
