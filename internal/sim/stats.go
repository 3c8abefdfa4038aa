package sim

import (
	"maps"
	"sync"
	"time"

	"ChainSim/internal/collector"
)

// IterationStats 汇总一次迭代的执行结果。ActionCounts 只统计成功的动作。
type IterationStats struct {
	Iteration         int            `json:"iteration"`
	Block             uint64         `json:"block"`
	TotalActions      int            `json:"total_actions"`
	SuccessfulActions int            `json:"successful_actions"`
	FailedActions     int            `json:"failed_actions"`
	SkippedAgents     int            `json:"skipped_agents"`
	ActionCounts      map[string]int `json:"action_counts"`
	Duration          time.Duration  `json:"duration"`
}

func (s IterationStats) record() collector.IterationRecord {
	return collector.IterationRecord{
		Iteration:         s.Iteration,
		Block:             s.Block,
		TotalActions:      s.TotalActions,
		SuccessfulActions: s.SuccessfulActions,
		FailedActions:     s.FailedActions,
		SkippedAgents:     s.SkippedAgents,
		ActionCounts:      maps.Clone(s.ActionCounts),
		Duration:          s.Duration,
	}
}

// Statistics 是整次运行的汇总视图。
type Statistics struct {
	Phase               Phase          `json:"phase"`
	RunID               int64          `json:"run_id"`
	Duration            time.Duration  `json:"duration"`
	NetworkSize         int            `json:"network_size"`
	IterationsCompleted int            `json:"iterations_completed"`
	TotalActions        int            `json:"total_actions"`
	SuccessfulActions   int            `json:"successful_actions"`
	CurrentBlock        uint64         `json:"current_block"`
	ActionCounts        map[string]int `json:"action_counts"`
	LastError           string         `json:"last_error,omitempty"`
}

// accumulator 在并发处理智能体时聚合统计。
type accumulator struct {
	mu    sync.Mutex
	stats IterationStats
}

func newAccumulator(iteration int, block uint64) *accumulator {
	return &accumulator{stats: IterationStats{
		Iteration:    iteration,
		Block:        block,
		ActionCounts: make(map[string]int),
	}}
}

func (a *accumulator) skip() {
	a.mu.Lock()
	a.stats.SkippedAgents++
	a.mu.Unlock()
}

func (a *accumulator) attempt(action string, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.TotalActions++
	if success {
		a.stats.SuccessfulActions++
		a.stats.ActionCounts[action]++
		return
	}
	a.stats.FailedActions++
}

func (a *accumulator) result(duration time.Duration) IterationStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.stats
	out.ActionCounts = maps.Clone(a.stats.ActionCounts)
	out.Duration = duration
	return out
}
