package sim

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"ChainSim/internal/collector"
	xerrors "ChainSim/internal/errors"
	"ChainSim/internal/observability/alerting"
	"ChainSim/internal/observability/metrics"
	"ChainSim/pkg/logger"
)

// Phase 表示一次运行所处的阶段。
type Phase string

const (
	PhaseNotStarted   Phase = "not_started"
	PhaseNetworkBuilt Phase = "network_built"
	PhaseRunning      Phase = "running"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// Stepper 是驱动循环所需的演化能力，*Evolver 实现了它。
type Stepper interface {
	AdvanceTime(ctx context.Context, blocks, blockTime uint64) error
	EvolveNetwork(ctx context.Context, iteration int) (IterationStats, error)
}

// IterationHook 在每次成功迭代之后调用，错误只记录日志。
type IterationHook func(ctx context.Context, stats IterationStats) error

// Config 控制驱动循环。
type Config struct {
	Description        string
	Iterations         int
	BlocksPerIteration uint64
	BlockTime          uint64
	Parameters         map[string]any
}

// Simulation 串联网络构建、时间推进与迭代执行。
type Simulation struct {
	cfg       Config
	builder   Builder
	stepper   Stepper
	collector collector.Collector
	alerter   alerting.Dispatcher
	hooks     []IterationHook
	log       *slog.Logger

	mu          sync.RWMutex
	phase       Phase
	stats       []IterationStats
	networkSize int
	runID       int64
	startedAt   time.Time
	endedAt     time.Time
	lastErr     error
}

// Option 定义可选配置。
type Option func(*Simulation)

// WithCollector 配置数据采集器。
func WithCollector(c collector.Collector) Option {
	return func(s *Simulation) {
		if c != nil {
			s.collector = c
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(s *Simulation) {
		s.alerter = d
	}
}

// WithIterationHook 追加迭代后回调。
func WithIterationHook(h IterationHook) Option {
	return func(s *Simulation) {
		if h != nil {
			s.hooks = append(s.hooks, h)
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Simulation) {
		if l != nil {
			s.log = l
		}
	}
}

// New 创建模拟运行。
func New(cfg Config, builder Builder, stepper Stepper, opts ...Option) *Simulation {
	s := &Simulation{
		cfg:       cfg,
		builder:   builder,
		stepper:   stepper,
		collector: collector.Nop{},
		phase:     PhaseNotStarted,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.log == nil {
		s.log = logger.Named("simulation")
	}
	return s
}

// Run 执行整次模拟，任何阶段失败都立即停止并返回 false。已完成迭代的统计会被保留。
func (s *Simulation) Run(ctx context.Context) (ok bool) {
	iteration := 0
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			s.log.Error("模拟运行发生 panic", slog.Any("panic", r), slog.String("stack", stack))
			s.fail(ctx, xerrors.New(CodeRunPanic, fmt.Sprintf("panic: %v", r),
				xerrors.WithMetadata("stack", stack)), iteration)
			ok = false
		}
	}()

	s.begin(ctx)

	if s.builder == nil || s.stepper == nil {
		s.fail(ctx, xerrors.New(xerrors.CodeInitializationFailure, "模拟缺少构建器或演化器"), 0)
		return false
	}
	agents, err := s.builder.Build(ctx)
	if err != nil {
		s.fail(ctx, wrapIfPlain(CodeNetworkBuild, err, "网络构建失败"), 0)
		return false
	}
	s.mu.Lock()
	s.networkSize = len(agents)
	s.phase = PhaseNetworkBuilt
	s.mu.Unlock()
	s.log.Info("网络构建完成", slog.Int("network_size", len(agents)))

	s.setPhase(PhaseRunning)
	for iteration = 1; iteration <= s.cfg.Iterations; iteration++ {
		if err := ctx.Err(); err != nil {
			s.fail(ctx, xerrors.Wrap(CodeIteration, err, "模拟被取消"), iteration)
			return false
		}
		if err := s.stepper.AdvanceTime(ctx, s.cfg.BlocksPerIteration, s.cfg.BlockTime); err != nil {
			s.fail(ctx, xerrors.Wrap(CodeTimeAdvance, err, fmt.Sprintf("第 %d 次迭代推进时间失败", iteration),
				xerrors.WithMetadata("iteration", fmt.Sprint(iteration))), iteration)
			return false
		}
		started := time.Now()
		stats, err := s.stepper.EvolveNetwork(ctx, iteration)
		if err != nil {
			metrics.ObserveIteration("failed", time.Since(started))
			s.fail(ctx, wrapIfPlain(CodeIteration, err, fmt.Sprintf("第 %d 次迭代执行失败", iteration)), iteration)
			return false
		}
		if stats.Iteration == 0 {
			stats.Iteration = iteration
		}
		s.mu.Lock()
		s.stats = append(s.stats, stats)
		s.mu.Unlock()
		metrics.ObserveIteration("completed", stats.Duration)
		s.afterIteration(ctx, stats)
	}

	s.finish(ctx)
	return true
}

func (s *Simulation) begin(ctx context.Context) {
	runID, err := s.collector.StartRun(ctx, s.cfg.Description, s.cfg.Parameters)
	if err != nil {
		s.log.Warn("创建 run 记录失败", slog.Any("error", err))
	}
	s.mu.Lock()
	s.runID = runID
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.log.Info("模拟开始",
		slog.Int64("run_id", runID),
		slog.Int("iterations", s.cfg.Iterations),
		slog.Uint64("blocks_per_iteration", s.cfg.BlocksPerIteration),
	)
}

func (s *Simulation) afterIteration(ctx context.Context, stats IterationStats) {
	if err := s.collector.RecordIteration(ctx, stats.record()); err != nil {
		s.log.Warn("记录迭代统计失败", slog.Int("iteration", stats.Iteration), slog.Any("error", err))
	}
	for _, hook := range s.hooks {
		if err := hook(ctx, stats); err != nil {
			s.log.Warn("迭代回调失败", slog.Int("iteration", stats.Iteration), slog.Any("error", err))
		}
	}
}

func (s *Simulation) finish(ctx context.Context) {
	s.mu.Lock()
	s.phase = PhaseCompleted
	s.endedAt = time.Now()
	s.mu.Unlock()
	if err := s.collector.EndRun(ctx, collector.StatusCompleted); err != nil {
		s.log.Warn("结束 run 记录失败", slog.Any("error", err))
	}
	stats := s.Statistics()
	s.log.Info("模拟完成",
		slog.Int("iterations", stats.IterationsCompleted),
		slog.Int("total_actions", stats.TotalActions),
		slog.Int("successful_actions", stats.SuccessfulActions),
		slog.Duration("duration", stats.Duration),
	)
}

func (s *Simulation) fail(ctx context.Context, err error, iteration int) {
	s.mu.Lock()
	s.phase = PhaseFailed
	s.endedAt = time.Now()
	s.lastErr = err
	runID := s.runID
	s.mu.Unlock()

	s.log.Error("模拟失败",
		slog.Any("error", err),
		slog.String("code", string(xerrors.CodeOf(err))),
		slog.Int("iteration", iteration),
	)
	// 取消后的上下文仍需完成收尾写入。
	endCtx := context.WithoutCancel(ctx)
	if endErr := s.collector.EndRun(endCtx, collector.StatusFailed); endErr != nil {
		s.log.Warn("结束 run 记录失败", slog.Any("error", endErr))
	}
	if s.alerter != nil && xerrors.ShouldAlert(err) {
		if notifyErr := s.alerter.Notify(endCtx, alerting.EventFromError(err, runID, iteration)); notifyErr != nil {
			s.log.Error("告警通知失败", slog.Any("error", notifyErr))
		}
	}
}

func (s *Simulation) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// Phase 返回当前阶段。
func (s *Simulation) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Err 返回导致运行失败的错误。
func (s *Simulation) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// IterationStats 返回已完成迭代的统计副本。
func (s *Simulation) IterationStats() []IterationStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]IterationStats, len(s.stats))
	for i, st := range s.stats {
		st.ActionCounts = maps.Clone(st.ActionCounts)
		out[i] = st
	}
	return out
}

// Statistics 汇总整次运行的统计。
func (s *Simulation) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := Statistics{
		Phase:               s.phase,
		RunID:               s.runID,
		NetworkSize:         s.networkSize,
		IterationsCompleted: len(s.stats),
		ActionCounts:        make(map[string]int),
	}
	switch {
	case s.startedAt.IsZero():
	case s.endedAt.IsZero():
		out.Duration = time.Since(s.startedAt)
	default:
		out.Duration = s.endedAt.Sub(s.startedAt)
	}
	for _, st := range s.stats {
		out.TotalActions += st.TotalActions
		out.SuccessfulActions += st.SuccessfulActions
		for action, n := range st.ActionCounts {
			out.ActionCounts[action] += n
		}
		out.CurrentBlock = st.Block
	}
	if s.lastErr != nil {
		out.LastError = s.lastErr.Error()
	}
	return out
}

// wrapIfPlain 保留已带错误码的错误，只为普通错误附加 code。
func wrapIfPlain(code xerrors.Code, err error, msg string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(code, err, msg)
}
