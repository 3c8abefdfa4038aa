package collector

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	xerrors "ChainSim/internal/errors"
)

// RedisConfig 描述 Redis 采集器的连接参数。
type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	Prefix      string
	DialTimeout time.Duration
}

// RedisCollector 以哈希与列表的形式把运行数据写入 Redis。
type RedisCollector struct {
	client *redis.Client
	prefix string
	now    func() time.Time

	mu    sync.RWMutex
	runID int64
}

// OpenRedis 连接 Redis 并返回采集器。
func OpenRedis(ctx context.Context, cfg RedisConfig) (*RedisCollector, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
		MaxRetries:  -1,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 Redis 失败")
	}
	return NewRedis(client, cfg.Prefix), nil
}

// NewRedis 使用已有客户端创建采集器。
func NewRedis(client *redis.Client, prefix string) *RedisCollector {
	if prefix == "" {
		prefix = "chainsim"
	}
	return &RedisCollector{client: client, prefix: prefix, now: time.Now}
}

func (r *RedisCollector) runSeqKey() string { return r.prefix + ":run:seq" }

func (r *RedisCollector) runKey(id int64, suffix string) string {
	if suffix == "" {
		return fmt.Sprintf("%s:run:%d", r.prefix, id)
	}
	return fmt.Sprintf("%s:run:%d:%s", r.prefix, id, suffix)
}

func (r *RedisCollector) StartRun(ctx context.Context, description string, params map[string]any) (int64, error) {
	encoded, err := json.Marshal(params)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化运行参数失败")
	}
	id, err := r.client.Incr(ctx, r.runSeqKey()).Result()
	if err != nil {
		return 0, xerrors.Wrap(CodeCollectorFailure, err, "分配 run ID 失败")
	}
	if err := r.client.HSet(ctx, r.runKey(id, ""),
		"description", description,
		"parameters", string(encoded),
		"status", StatusRunning,
		"started_at", r.now().UnixMilli(),
	).Err(); err != nil {
		return 0, xerrors.Wrap(CodeCollectorFailure, err, "创建 run 记录失败")
	}
	r.mu.Lock()
	r.runID = id
	r.mu.Unlock()
	return id, nil
}

func (r *RedisCollector) EndRun(ctx context.Context, status string) error {
	id, err := r.requireRun()
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.runKey(id, ""), "status", status, "ended_at", r.now().UnixMilli()).Err(); err != nil {
		return xerrors.Wrap(CodeCollectorFailure, err, "结束 run 失败")
	}
	r.mu.Lock()
	r.runID = 0
	r.mu.Unlock()
	return nil
}

func (r *RedisCollector) CurrentRunID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runID
}

func (r *RedisCollector) RecordAgent(ctx context.Context, agentID, profile string) error {
	id, err := r.requireRun()
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.runKey(id, "agents"), agentID, profile).Err(); err != nil {
		return xerrors.Wrap(CodeCollectorFailure, err, "记录智能体失败")
	}
	return nil
}

func (r *RedisCollector) RecordAgentAddress(ctx context.Context, agentID string, addr common.Address, primary bool) error {
	id, err := r.requireRun()
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, r.runKey(id, "addresses"), addr.Hex(), agentID)
		if primary {
			pipe.HSet(ctx, r.runKey(id, "primary"), agentID, addr.Hex())
		}
		return nil
	})
	if err != nil {
		return xerrors.Wrap(CodeCollectorFailure, err, "记录智能体地址失败")
	}
	return nil
}

func (r *RedisCollector) RecordIteration(ctx context.Context, rec IterationRecord) error {
	id, err := r.requireRun()
	if err != nil {
		return err
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = r.now()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化迭代统计失败")
	}
	if err := r.client.RPush(ctx, r.runKey(id, "iterations"), payload).Err(); err != nil {
		return xerrors.Wrap(CodeCollectorFailure, err, "记录迭代统计失败")
	}
	return nil
}

func (r *RedisCollector) RecordBalanceChange(ctx context.Context, rec BalanceChange) error {
	id, err := r.requireRun()
	if err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化余额变化失败")
	}
	if err := r.client.RPush(ctx, r.runKey(id, "balances"), payload).Err(); err != nil {
		return xerrors.Wrap(CodeCollectorFailure, err, "记录余额变化失败")
	}
	return nil
}

func (r *RedisCollector) Close() error {
	return r.client.Close()
}

func (r *RedisCollector) requireRun() (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.runID == 0 {
		return 0, errNoRun()
	}
	return r.runID, nil
}
