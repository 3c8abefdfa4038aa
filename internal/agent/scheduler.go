package agent

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"ChainSim/pkg/logger"
)

// NetworkView 是调度时可读取的共享网络状态，基础调度器不使用它。
type NetworkView interface {
	RunningState(key string) (any, bool)
}

// Params 是交给动作处理器的基础参数。
type Params struct {
	Sender        common.Address
	RiskTolerance float64
	Constraints   map[string]any
	Extra         map[string]any
}

// Selection 是一次成功的动作选择结果。
type Selection struct {
	Action  string
	Address common.Address
	Params  Params
}

// ActionRecord 是一条成功执行的动作历史。
type ActionRecord struct {
	Action string
	Block  uint64
}

const dayLayout = "2006-01-02"

// Scheduler 维护单个智能体的冷却、每日配额与动作历史，并按权重随机选择动作。
type Scheduler struct {
	mu      sync.Mutex
	profile Profile
	rng     *rand.Rand
	nowFunc func() time.Time

	lastActionBlock map[string]uint64
	dailyCount      map[string]int
	history         []ActionRecord
}

// SchedulerOption 定义可选的调度器配置。
type SchedulerOption func(*Scheduler)

// WithClock 替换用于计算“今天”的时钟。
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.nowFunc = now
		}
	}
}

// NewScheduler 创建调度器。rng 为空时使用基于当前时间的随机源。
func NewScheduler(profile Profile, rng *rand.Rand, opts ...SchedulerOption) *Scheduler {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &Scheduler{
		profile:         profile,
		rng:             rng,
		nowFunc:         time.Now,
		lastActionBlock: make(map[string]uint64),
		dailyCount:      make(map[string]int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Scheduler) today() string {
	return s.nowFunc().Format(dayLayout)
}

// Select 在配额与冷却允许的动作中按概率权重抽取一个，并随机挑选执行地址。
func (s *Scheduler) Select(currentBlock uint64, addresses []common.Address) (Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dailyCount[s.today()] >= s.profile.MaxDailyActions() {
		return Selection{}, false
	}

	var (
		names   []string
		weights []float64
		total   float64
	)
	for _, name := range s.profile.Actions() {
		if !s.eligibleLocked(name, currentBlock) {
			continue
		}
		cfg, _ := s.profile.ActionConfig(name)
		if cfg.Probability <= 0 {
			continue
		}
		names = append(names, name)
		weights = append(weights, cfg.Probability)
		total += cfg.Probability
	}
	if len(names) == 0 || total <= 0 || len(addresses) == 0 {
		return Selection{}, false
	}

	action := names[len(names)-1]
	draw := s.rng.Float64() * total
	for i, w := range weights {
		if draw < w {
			action = names[i]
			break
		}
		draw -= w
	}
	address := addresses[s.rng.Intn(len(addresses))]
	cfg, _ := s.profile.ActionConfig(action)

	return Selection{
		Action:  action,
		Address: address,
		Params: Params{
			Sender:        address,
			RiskTolerance: s.profile.RiskTolerance(),
			Constraints:   cfg.Constraints,
			Extra:         map[string]any{},
		},
	}, true
}

// CanPerform 判断动作当前是否满足冷却要求。
func (s *Scheduler) CanPerform(action string, currentBlock uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eligibleLocked(action, currentBlock)
}

// eligibleLocked 把画像判定中的任何 panic 视为不可执行。
func (s *Scheduler) eligibleLocked(action string, currentBlock uint64) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.L().Warn("动作资格检查异常",
				slog.String("action", action),
				slog.Uint64("block", currentBlock),
				slog.String("panic", fmt.Sprint(r)))
			ok = false
		}
	}()
	if _, configured := s.profile.ActionConfig(action); !configured {
		return false
	}
	return s.profile.CanPerformAction(action, currentBlock, s.lastActionBlock[action])
}

// Record 只在成功时更新冷却、当日计数与历史。当日计数不会超过配额。
func (s *Scheduler) Record(action string, block uint64, success bool) {
	if !success {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActionBlock[action] = block
	if day := s.today(); s.dailyCount[day] < s.profile.MaxDailyActions() {
		s.dailyCount[day]++
	}
	s.history = append(s.history, ActionRecord{Action: action, Block: block})
}

// LastActionBlock 返回动作最近一次成功执行的区块。
func (s *Scheduler) LastActionBlock(action string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	block, ok := s.lastActionBlock[action]
	return block, ok
}

// DailyCount 返回今天已成功执行的动作数。
func (s *Scheduler) DailyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyCount[s.today()]
}

// History 返回成功动作历史的副本。
func (s *Scheduler) History() []ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ActionRecord(nil), s.history...)
}
