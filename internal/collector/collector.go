package collector

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainSim/internal/config"
	xerrors "ChainSim/internal/errors"
)

// CodeCollectorFailure 表示数据采集后端写入失败。
const CodeCollectorFailure xerrors.Code = "COLLECTOR_FAILURE"

func init() {
	xerrors.Register(CodeCollectorFailure, xerrors.Attributes{
		Message:  "data collector failure",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// Run 状态。
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// IterationRecord 是一次迭代的汇总统计。
type IterationRecord struct {
	Iteration         int            `json:"iteration"`
	Block             uint64         `json:"block"`
	TotalActions      int            `json:"total_actions"`
	SuccessfulActions int            `json:"successful_actions"`
	FailedActions     int            `json:"failed_actions"`
	SkippedAgents     int            `json:"skipped_agents"`
	ActionCounts      map[string]int `json:"action_counts"`
	Duration          time.Duration  `json:"duration"`
	RecordedAt        time.Time      `json:"recorded_at"`
}

// BalanceChange 是余额跟踪器观察到的一次余额变化。
type BalanceChange struct {
	AgentID   string         `json:"agent_id"`
	Account   common.Address `json:"account"`
	Contract  common.Address `json:"contract"`
	Previous  *big.Int       `json:"previous"`
	Current   *big.Int       `json:"current"`
	Block     uint64         `json:"block"`
	Timestamp time.Time      `json:"timestamp"`
}

// Collector 记录一次模拟运行的过程数据。所有写入都归属于当前 run。
type Collector interface {
	StartRun(ctx context.Context, description string, params map[string]any) (int64, error)
	EndRun(ctx context.Context, status string) error
	// CurrentRunID 返回当前 run 的 ID，未开始时为 0。
	CurrentRunID() int64
	RecordAgent(ctx context.Context, agentID, profile string) error
	RecordAgentAddress(ctx context.Context, agentID string, addr common.Address, primary bool) error
	RecordIteration(ctx context.Context, rec IterationRecord) error
	RecordBalanceChange(ctx context.Context, rec BalanceChange) error
	Close() error
}

// Open 根据配置创建采集器。driver 为 none 时返回空实现。
func Open(ctx context.Context, cfg config.CollectorConfig) (Collector, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "memory":
		return NewMemory(), nil
	case "mysql", "sqlite":
		return OpenSQL(ctx, SQLConfig{Driver: cfg.Driver, DSN: cfg.DSN})
	case "redis":
		return OpenRedis(ctx, RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的采集器类型: %s", cfg.Driver))
	}
}

// Nop 丢弃所有写入。
type Nop struct{}

func (Nop) StartRun(context.Context, string, map[string]any) (int64, error) { return 0, nil }
func (Nop) EndRun(context.Context, string) error                            { return nil }
func (Nop) CurrentRunID() int64                                             { return 0 }
func (Nop) RecordAgent(context.Context, string, string) error               { return nil }
func (Nop) RecordAgentAddress(context.Context, string, common.Address, bool) error {
	return nil
}
func (Nop) RecordIteration(context.Context, IterationRecord) error   { return nil }
func (Nop) RecordBalanceChange(context.Context, BalanceChange) error { return nil }
func (Nop) Close() error                                             { return nil }

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func errNoRun() error {
	return xerrors.New(CodeCollectorFailure, "没有正在进行的 run")
}
