package sim

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainSim/internal/agent"
	"ChainSim/internal/chain"
	"ChainSim/internal/state"
)

// ClientSet 按合约 ID 保存协议客户端。
type ClientSet map[string]any

// Environment 是一次运行中所有执行上下文共享的依赖。
type Environment struct {
	Network  *state.Network
	Clients  ClientSet
	Provider chain.Provider
	Agents   *agent.Manager
}

// Identifiers 用于派生缓存键。Block 非空时优先于 AgentID。
type Identifiers struct {
	Block   *uint64
	AgentID string
}

// ForBlock 返回以区块派生缓存键的标识。
func ForBlock(block uint64) *Identifiers {
	return &Identifiers{Block: &block}
}

// ForAgent 返回以智能体 ID 派生缓存键的标识。
func ForAgent(agentID string) *Identifiers {
	return &Identifiers{AgentID: agentID}
}

// ExecutionContext 是单个智能体在一次迭代中执行动作时可见的全部信息。
type ExecutionContext struct {
	agent     *agent.Agent
	env       Environment
	cache     *IterationCache
	iteration int
	block     uint64
	timestamp time.Time
}

// NewExecutionContext 创建执行上下文。cache 在同一迭代的所有上下文之间共享。
func NewExecutionContext(a *agent.Agent, env Environment, cache *IterationCache, iteration int, block uint64, ts time.Time) *ExecutionContext {
	if cache == nil {
		cache = NewIterationCache(0)
	}
	return &ExecutionContext{
		agent:     a,
		env:       env,
		cache:     cache,
		iteration: iteration,
		block:     block,
		timestamp: ts,
	}
}

func (ec *ExecutionContext) Agent() *agent.Agent      { return ec.agent }
func (ec *ExecutionContext) Iteration() int           { return ec.iteration }
func (ec *ExecutionContext) Block() uint64            { return ec.block }
func (ec *ExecutionContext) Timestamp() time.Time     { return ec.timestamp }
func (ec *ExecutionContext) Provider() chain.Provider { return ec.env.Provider }
func (ec *ExecutionContext) Network() *state.Network  { return ec.env.Network }

// Client 返回指定合约的协议客户端。
func (ec *ExecutionContext) Client(contractID string) (any, bool) {
	c, ok := ec.env.Clients[contractID]
	return c, ok
}

// ContractState 读取合约的跟踪变量。
func (ec *ExecutionContext) ContractState(contractID, name string) (any, bool) {
	if ec.env.Network == nil {
		return nil, false
	}
	return ec.env.Network.ContractState(contractID, name)
}

// RunningState 读取运行状态。
func (ec *ExecutionContext) RunningState(key string) (any, bool) {
	if ec.env.Network == nil {
		return nil, false
	}
	return ec.env.Network.RunningState(key)
}

// UpdateRunningState 合并写入运行状态。
func (ec *ExecutionContext) UpdateRunningState(updates map[string]any) {
	if ec.env.Network == nil {
		return
	}
	ec.env.Network.UpdateRunningState(updates)
}

// CacheKey 根据标识派生缓存键：区块按 10 个一组归并，智能体取 ID 前 8 位。
func (ec *ExecutionContext) CacheKey(base string, ids *Identifiers) string {
	return CacheKey(base, ids)
}

// CacheKey 是 ExecutionContext.CacheKey 的包级实现。
func CacheKey(base string, ids *Identifiers) string {
	switch {
	case ids == nil:
		return base
	case ids.Block != nil:
		return fmt.Sprintf("%s_block_%d", base, *ids.Block/10)
	case ids.AgentID != "":
		id := ids.AgentID
		if len(id) > 8 {
			id = id[:8]
		}
		return fmt.Sprintf("%s_agent_%s", base, id)
	default:
		return base
	}
}

// Cached 读取共享缓存中的原始条目。
func (ec *ExecutionContext) Cached(key string) (any, bool) {
	return ec.cache.Cached(key)
}

// Store 向共享缓存写入原始条目。
func (ec *ExecutionContext) Store(key string, value any) {
	ec.cache.Store(key, value)
}

// GetOrCompute 在本迭代内对 key 只计算一次。
func (ec *ExecutionContext) GetOrCompute(key string, fn func() (any, error)) (any, error) {
	return ec.cache.GetOrCompute(key, ec.iteration, fn)
}

// FilteredAddresses 返回满足 pred 的智能体地址。cacheKey 非空时结果按迭代缓存。
func (ec *ExecutionContext) FilteredAddresses(pred func(common.Address) bool, cacheKey string) ([]common.Address, error) {
	compute := func() (any, error) {
		var out []common.Address
		if ec.env.Agents == nil {
			return out, nil
		}
		for _, addr := range ec.env.Agents.Addresses() {
			if pred == nil || pred(addr) {
				out = append(out, addr)
			}
		}
		return out, nil
	}
	if cacheKey == "" {
		v, err := compute()
		return v.([]common.Address), err
	}
	v, err := ec.GetOrCompute(cacheKey, compute)
	if err != nil {
		return nil, err
	}
	addrs, _ := v.([]common.Address)
	return addrs, nil
}
