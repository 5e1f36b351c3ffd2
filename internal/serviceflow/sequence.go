package serviceflow

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// NumberSequence 工作流编号序列。编号要求进程间单调不重复，
// 生产环境用 Redis INCR 实现；无 Redis 的部署退化为进程内自增。
type NumberSequence interface {
	Next(ctx context.Context) (int64, error)
}

// RedisNumberSequence 基于 Redis INCR 的序列，按年份分 key，跨年自动归零
type RedisNumberSequence struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisNumberSequence 创建 Redis 序列
func NewRedisNumberSequence(client redis.UniversalClient, prefix string) *RedisNumberSequence {
	if prefix == "" {
		prefix = "serviceflow:workflow_seq"
	}
	return &RedisNumberSequence{client: client, prefix: prefix}
}

// Next 取下一个序列值
func (s *RedisNumberSequence) Next(ctx context.Context) (int64, error) {
	key := fmt.Sprintf("%s:%d", s.prefix, time.Now().UTC().Year())
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis 序列自增失败: %w", err)
	}
	return n, nil
}

// LocalNumberSequence 进程内自增序列，仅供单实例部署与测试使用
type LocalNumberSequence struct {
	counter atomic.Int64
}

// NewLocalNumberSequence 创建本地序列，seed 为起始值（首次 Next 返回 seed+1）
func NewLocalNumberSequence(seed int64) *LocalNumberSequence {
	s := &LocalNumberSequence{}
	s.counter.Store(seed)
	return s
}

// Next 取下一个序列值
func (s *LocalNumberSequence) Next(_ context.Context) (int64, error) {
	return s.counter.Add(1), nil
}
