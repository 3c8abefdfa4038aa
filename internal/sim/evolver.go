package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ChainSim/internal/agent"
	"ChainSim/internal/chain"
	xerrors "ChainSim/internal/errors"
	"ChainSim/internal/observability/metrics"
	"ChainSim/pkg/logger"
)

// EvolverConfig 控制每次迭代内智能体的调度方式。
type EvolverConfig struct {
	// MinBlocksBetweenActions 是同一智能体两次成功动作之间的最小区块间隔。
	MinBlocksBetweenActions uint64
	// Workers 大于 1 时并发处理智能体。
	Workers  int
	CacheTTL time.Duration
	Seed     int64
}

// Evolver 推进链上时间，并让每个智能体在一次迭代中最多行动一次。
type Evolver struct {
	env       Environment
	handlers  *Registry
	cache     *IterationCache
	minBlocks uint64
	workers   int
	log       *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.Mutex
	lastActed map[string]uint64
}

// NewEvolver 创建演化器。
func NewEvolver(env Environment, handlers *Registry, cfg EvolverConfig) *Evolver {
	if handlers == nil {
		handlers = NewRegistry()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Evolver{
		env:       env,
		handlers:  handlers,
		cache:     NewIterationCache(cfg.CacheTTL),
		minBlocks: cfg.MinBlocksBetweenActions,
		workers:   workers,
		log:       logger.Named("evolver"),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		lastActed: make(map[string]uint64),
	}
}

// Cache 返回迭代共享缓存。
func (e *Evolver) Cache() *IterationCache { return e.cache }

// AdvanceTime 让链挖出 blocks 个区块，区块间隔 blockTime 秒。
func (e *Evolver) AdvanceTime(ctx context.Context, blocks, blockTime uint64) error {
	if e.env.Provider == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置链 provider")
	}
	return e.env.Provider.AdvanceTime(ctx, blocks, blockTime)
}

// EvolveNetwork 执行一次迭代：读取当前区块，打乱智能体顺序并依次让其行动。
func (e *Evolver) EvolveNetwork(ctx context.Context, iteration int) (IterationStats, error) {
	started := time.Now()

	block, ts, err := readHead(ctx, e.env.Provider)
	if err != nil {
		return IterationStats{}, xerrors.Wrap(CodeIteration, err, "读取当前区块失败",
			xerrors.WithMetadata("iteration", fmt.Sprint(iteration)))
	}
	if e.env.Network != nil {
		e.env.Network.SetHead(block, ts)
	}
	metrics.SetCurrentBlock(block)
	e.cache.Begin(iteration)

	agents := e.shuffled()
	acc := newAccumulator(iteration, block)

	if e.workers <= 1 {
		for _, a := range agents {
			if err := ctx.Err(); err != nil {
				return IterationStats{}, xerrors.Wrap(CodeIteration, err, "迭代被取消")
			}
			e.step(ctx, a, iteration, block, ts, acc)
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.workers)
		for _, a := range agents {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return xerrors.Wrap(CodeIteration, err, "迭代被取消")
				}
				e.step(gctx, a, iteration, block, ts, acc)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return IterationStats{}, err
		}
	}

	stats := acc.result(time.Since(started))
	e.log.Info("迭代执行完成",
		slog.Int("iteration", iteration),
		slog.Uint64("block", block),
		slog.Int("total_actions", stats.TotalActions),
		slog.Int("successful_actions", stats.SuccessfulActions),
		slog.Int("skipped_agents", stats.SkippedAgents),
	)
	return stats, nil
}

// readHead 读取当前区块高度与时间戳，provider 不提供区块时间时使用本地时间。
func readHead(ctx context.Context, p chain.Provider) (uint64, time.Time, error) {
	if hr, ok := p.(chain.HeadReader); ok {
		h, err := hr.Head(ctx)
		if err != nil {
			return 0, time.Time{}, err
		}
		return h.Number, h.Timestamp, nil
	}
	if p == nil {
		return 0, time.Time{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置链 provider")
	}
	block, err := p.CurrentBlockNumber(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}
	return block, time.Now(), nil
}

func (e *Evolver) shuffled() []*agent.Agent {
	if e.env.Agents == nil {
		return nil
	}
	agents := e.env.Agents.Agents()
	e.rngMu.Lock()
	e.rng.Shuffle(len(agents), func(i, j int) { agents[i], agents[j] = agents[j], agents[i] })
	e.rngMu.Unlock()
	return agents
}

func (e *Evolver) tooSoon(agentID string, block uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	// 从未行动过的智能体按 0 号区块计算。
	last := e.lastActed[agentID]
	return block >= last && block-last < e.minBlocks
}

func (e *Evolver) markActed(agentID string, block uint64) {
	e.mu.Lock()
	e.lastActed[agentID] = block
	e.mu.Unlock()
}

// step 让单个智能体行动。处理器的错误与 panic 都只计为一次失败尝试。
func (e *Evolver) step(ctx context.Context, a *agent.Agent, iteration int, block uint64, ts time.Time, acc *accumulator) {
	if e.tooSoon(a.ID(), block) {
		acc.skip()
		return
	}
	sel, ok := a.SelectAction(block, e.env.Network)
	if !ok {
		acc.skip()
		return
	}

	success := false
	handler, found := e.handlers.Lookup(sel.Action)
	if !found {
		e.log.Warn("动作没有登记处理器", slog.String("action", sel.Action), slog.String("agent_id", a.ID()))
	} else {
		ec := NewExecutionContext(a, e.env, e.cache, iteration, block, ts)
		ok, execErr := invoke(ctx, handler, ec, sel.Params)
		if execErr != nil {
			e.log.Warn("动作执行失败",
				slog.String("action", sel.Action),
				slog.String("agent_id", a.ID()),
				slog.Any("error", execErr),
				slog.Any("metadata", xerrors.MetadataOf(execErr)),
			)
		}
		success = ok && execErr == nil
	}

	a.RecordAction(sel.Action, block, success)
	if success {
		e.markActed(a.ID(), block)
	}
	acc.attempt(sel.Action, success)
	metrics.ObserveAction(sel.Action, success)
	logger.Audit().Info("智能体动作",
		slog.String("agent_id", a.ID()),
		slog.String("action", sel.Action),
		slog.String("address", sel.Address.Hex()),
		slog.Uint64("block", block),
		slog.Int("iteration", iteration),
		slog.Bool("success", success),
	)
}
