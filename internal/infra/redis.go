package infra

import (
	"context"
	"fmt"
	"time"

	"backend/internal/config"
	"backend/internal/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

// InitRedis 初始化 Redis 连接，供工作流编号序列使用
// （asynq 队列自行管理连接）。支持 standalone、sentinel、cluster 三种模式，
// 统一通过 UniversalClient 返回。
func InitRedis(cfg *config.RedisConfig) (redis.UniversalClient, error) {
	opts, err := buildRedisOptions(cfg)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewUniversalClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("Redis 连接失败: %w", err)
	}

	logger.Info("Redis 连接成功",
		zap.String("mode", redisMode(cfg)),
		zap.Strings("addrs", opts.Addrs),
		zap.Int("db", opts.DB),
	)
	return rdb, nil
}

// buildRedisOptions 按部署模式组装连接参数
func buildRedisOptions(cfg *config.RedisConfig) (*redis.UniversalOptions, error) {
	opts := &redis.UniversalOptions{
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}

	switch redisMode(cfg) {
	case "standalone":
		opts.Addrs = []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)}

	case "sentinel":
		if cfg.MasterName == "" || len(cfg.SentinelAddrs) == 0 {
			return nil, fmt.Errorf("哨兵模式需要配置 master_name 和 sentinel_addrs")
		}
		opts.Addrs = cfg.SentinelAddrs
		opts.MasterName = cfg.MasterName
		opts.SentinelPassword = cfg.SentinelPassword

	case "cluster":
		if len(cfg.ClusterAddrs) == 0 {
			return nil, fmt.Errorf("集群模式需要配置 cluster_addrs")
		}
		opts.Addrs = cfg.ClusterAddrs
		// 集群模式不支持多库
		opts.DB = 0

	default:
		return nil, fmt.Errorf("不支持的 Redis 模式: %s (可选: standalone, sentinel, cluster)", cfg.Mode)
	}

	return opts, nil
}

func redisMode(cfg *config.RedisConfig) string {
	if cfg.Mode == "" {
		return "standalone"
	}
	return cfg.Mode
}
