package sim

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"maps"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"ChainSim/internal/agent"
	"ChainSim/internal/chain"
	"ChainSim/internal/collector"
	xerrors "ChainSim/internal/errors"
	"ChainSim/pkg/logger"
)

// Builder 负责在第一次迭代之前搭建智能体网络。
type Builder interface {
	Build(ctx context.Context) ([]*agent.Agent, error)
}

// BuilderConfig 描述目标网络。InitialState 写入每个智能体的扩展状态，
// NetworkState 写入共享运行状态。配置了 InitialActions 时必须提供 Handlers。
type BuilderConfig struct {
	Size           int
	Distribution   map[string]int
	InitialFunding *big.Int
	InitialState   map[string]any
	NetworkState   map[string]any
	InitialActions []InitialAction
	Handlers       *Registry
}

// InitialAction 是网络构建完成后、第一次迭代之前执行的动作。
type InitialAction struct {
	Action string
	// Profile 非空时只选择该画像的智能体，Count 大于 0 时最多选择 Count 个。
	Profile string
	Count   int
	Params  map[string]any
	// ParamFunc 按智能体生成动态参数，返回 false 时跳过该智能体。
	ParamFunc func(a *agent.Agent, all []*agent.Agent) (map[string]any, bool)
}

// maxInitialFailureRatio 是初始动作允许的最大失败比例。
const maxInitialFailureRatio = 0.2

// DefaultBuilder 按画像分布创建智能体，为生成的账户注资，并对预置地址启用模拟签名。
type DefaultBuilder struct {
	env       Environment
	collector collector.Collector
	cfg       BuilderConfig
	keygen    func() (common.Address, *ecdsa.PrivateKey, error)
	log       *slog.Logger
}

// NewBuilder 创建默认构建器。collector 可以为空。
func NewBuilder(env Environment, c collector.Collector, cfg BuilderConfig) *DefaultBuilder {
	if c == nil {
		c = collector.Nop{}
	}
	return &DefaultBuilder{
		env:       env,
		collector: c,
		cfg:       cfg,
		keygen:    chain.GenerateAccount,
		log:       logger.Named("builder"),
	}
}

// Build 创建全部智能体并准备账户。
func (b *DefaultBuilder) Build(ctx context.Context) ([]*agent.Agent, error) {
	if b.env.Agents == nil || b.env.Provider == nil {
		return nil, xerrors.New(CodeNetworkBuild, "构建器缺少智能体管理器或链 provider")
	}
	created, err := b.env.Agents.CreateAgents(b.cfg.Distribution)
	if err != nil {
		return nil, xerrors.Wrap(CodeNetworkBuild, err, "创建智能体失败")
	}
	if len(created) != b.cfg.Size {
		return nil, xerrors.New(CodeNetworkBuild,
			fmt.Sprintf("智能体数量 %d 与网络规模 %d 不一致", len(created), b.cfg.Size))
	}

	for _, a := range created {
		if err := ctx.Err(); err != nil {
			return nil, xerrors.Wrap(CodeNetworkBuild, err, "网络构建被取消")
		}
		b.record(b.collector.RecordAgent(ctx, a.ID(), a.Profile().Name()), "记录智能体失败", a.ID())
		if err := b.prepareAccounts(ctx, a); err != nil {
			return nil, err
		}
	}

	for _, a := range created {
		for key, value := range b.cfg.InitialState {
			a.Extensions().Set(key, value)
		}
	}
	if b.env.Network != nil && len(b.cfg.NetworkState) > 0 {
		b.env.Network.UpdateRunningState(b.cfg.NetworkState)
	}
	if len(b.cfg.InitialActions) > 0 {
		if err := b.runInitialActions(ctx, created); err != nil {
			return nil, err
		}
	}
	b.log.Info("网络构建完成",
		slog.Int("agents", len(created)),
		slog.Int("addresses", len(b.env.Agents.Addresses())),
	)
	return created, nil
}

func (b *DefaultBuilder) prepareAccounts(ctx context.Context, a *agent.Agent) error {
	if a.UsesPresetAddresses() {
		impersonator, canImpersonate := b.env.Provider.(chain.Impersonator)
		for i, addr := range a.Addresses() {
			if canImpersonate {
				if err := impersonator.Impersonate(ctx, addr); err != nil {
					return xerrors.Wrap(CodeNetworkBuild, err, fmt.Sprintf("模拟地址 %s 失败", addr.Hex()))
				}
			}
			b.record(b.collector.RecordAgentAddress(ctx, a.ID(), addr, i == 0), "记录预置地址失败", a.ID())
		}
		return nil
	}

	for i := 0; i < a.Profile().TargetAccountCount(); i++ {
		addr, key, err := b.keygen()
		if err != nil {
			return xerrors.Wrap(CodeNetworkBuild, err, "生成账户失败")
		}
		a.AddAccount(addr, key)
		if err := b.env.Agents.RegisterAddress(addr, a.ID()); err != nil {
			return xerrors.Wrap(CodeNetworkBuild, err, "登记账户失败")
		}
		if b.cfg.InitialFunding != nil && b.cfg.InitialFunding.Sign() > 0 {
			if err := b.env.Provider.SetBalance(ctx, addr, b.cfg.InitialFunding); err != nil {
				return xerrors.Wrap(CodeNetworkBuild, err, fmt.Sprintf("为账户 %s 注资失败", addr.Hex()))
			}
		}
		b.record(b.collector.RecordAgentAddress(ctx, a.ID(), addr, i == 0), "记录账户失败", a.ID())
	}
	return nil
}

// runInitialActions 让选中的智能体依次执行初始动作，失败比例超过 20% 时构建失败。
// 没有登记处理器的动作被跳过。
func (b *DefaultBuilder) runInitialActions(ctx context.Context, agents []*agent.Agent) error {
	if b.cfg.Handlers == nil {
		return xerrors.New(CodeNetworkBuild, "配置了初始动作但未提供处理器注册表")
	}
	block, ts, err := readHead(ctx, b.env.Provider)
	if err != nil {
		return xerrors.Wrap(CodeNetworkBuild, err, "读取初始区块失败")
	}
	cache := NewIterationCache(0)
	cache.Begin(0)

	executed, failures := 0, 0
	for _, spec := range b.cfg.InitialActions {
		handler, found := b.cfg.Handlers.Lookup(spec.Action)
		if !found {
			b.log.Warn("初始动作没有登记处理器", slog.String("action", spec.Action))
			continue
		}
		for _, a := range selectAgents(agents, spec) {
			if err := ctx.Err(); err != nil {
				return xerrors.Wrap(CodeNetworkBuild, err, "网络构建被取消")
			}
			params, ok := initialParams(a, agents, spec)
			if !ok {
				continue
			}
			ec := NewExecutionContext(a, b.env, cache, 0, block, ts)
			success, execErr := invoke(ctx, handler, ec, params)
			executed++
			if execErr != nil || !success {
				failures++
				b.log.Warn("初始动作失败",
					slog.String("action", spec.Action),
					slog.String("agent_id", a.ID()),
					slog.Any("error", execErr),
				)
			}
		}
	}

	b.log.Info("初始动作执行完成", slog.Int("executed", executed), slog.Int("failed", failures))
	if float64(failures) > float64(executed)*maxInitialFailureRatio {
		return xerrors.New(CodeNetworkBuild,
			fmt.Sprintf("初始动作失败 %d/%d，超过允许比例", failures, executed),
			xerrors.WithMetadata("executed", fmt.Sprint(executed)),
			xerrors.WithMetadata("failed", fmt.Sprint(failures)))
	}
	return nil
}

func selectAgents(agents []*agent.Agent, spec InitialAction) []*agent.Agent {
	var out []*agent.Agent
	for _, a := range agents {
		if spec.Profile != "" && a.Profile().Name() != spec.Profile {
			continue
		}
		out = append(out, a)
		if spec.Count > 0 && len(out) == spec.Count {
			break
		}
	}
	return out
}

// initialParams 合并静态与动态参数。未指定 sender 时使用智能体的第一个地址。
func initialParams(a *agent.Agent, all []*agent.Agent, spec InitialAction) (agent.Params, bool) {
	extra := make(map[string]any, len(spec.Params))
	maps.Copy(extra, spec.Params)
	if spec.ParamFunc != nil {
		dynamic, ok := spec.ParamFunc(a, all)
		if !ok {
			return agent.Params{}, false
		}
		maps.Copy(extra, dynamic)
	}

	params := agent.Params{RiskTolerance: a.Profile().RiskTolerance(), Extra: extra}
	switch v := extra["sender"].(type) {
	case common.Address:
		params.Sender = v
	case string:
		if common.IsHexAddress(v) {
			params.Sender = common.HexToAddress(v)
		}
	}
	if params.Sender == (common.Address{}) {
		addrs := a.Addresses()
		if len(addrs) == 0 {
			return agent.Params{}, false
		}
		params.Sender = addrs[0]
	}
	return params, true
}

// record 记录采集器错误但不中断构建。
func (b *DefaultBuilder) record(err error, msg, agentID string) {
	if err != nil {
		b.log.Warn(msg, slog.String("agent_id", agentID), slog.Any("error", err))
	}
}
