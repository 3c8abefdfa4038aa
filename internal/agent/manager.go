package agent

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "ChainSim/internal/errors"
	"ChainSim/pkg/logger"
)

// Manager 负责创建智能体并维护地址到智能体的索引。
type Manager struct {
	profiles map[string]Profile
	seed     int64
	opts     []SchedulerOption
	newID    func() string

	mu        sync.RWMutex
	agents    []*Agent
	byID      map[string]*Agent
	byAddress map[common.Address]*Agent
	addresses []common.Address
}

// ManagerOption 定义可选的管理器配置。
type ManagerOption func(*Manager)

// WithSchedulerOptions 为新建智能体的调度器附加配置。
func WithSchedulerOptions(opts ...SchedulerOption) ManagerOption {
	return func(m *Manager) {
		m.opts = append(m.opts, opts...)
	}
}

// WithIDGenerator 替换智能体 ID 生成方式。
func WithIDGenerator(gen func() string) ManagerOption {
	return func(m *Manager) {
		if gen != nil {
			m.newID = gen
		}
	}
}

// NewManager 创建管理器。每个智能体的随机源由 seed 与创建序号派生。
func NewManager(profiles map[string]Profile, seed int64, opts ...ManagerOption) *Manager {
	m := &Manager{
		profiles:  profiles,
		seed:      seed,
		newID:     func() string { return uuid.NewString() },
		byID:      make(map[string]*Agent),
		byAddress: make(map[common.Address]*Agent),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// CreateAgent 按画像创建一个智能体，预置地址会立即登记到索引。
func (m *Manager) CreateAgent(profileName string) (*Agent, error) {
	profile, ok := m.profiles[profileName]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("画像不存在: %s", profileName))
	}

	m.mu.Lock()
	rng := rand.New(rand.NewSource(m.seed + int64(len(m.agents))))
	a := New(m.newID(), profile, rng, m.opts...)
	m.agents = append(m.agents, a)
	m.byID[a.ID()] = a
	for _, addr := range a.Addresses() {
		m.indexLocked(addr, a)
	}
	m.mu.Unlock()

	logger.L().Debug("创建智能体", slog.String("agent_id", a.ID()), slog.String("profile", profileName))
	return a, nil
}

// CreateAgents 按分布创建智能体，画像按名称排序以保证可复现。
func (m *Manager) CreateAgents(distribution map[string]int) ([]*Agent, error) {
	names := make([]string, 0, len(distribution))
	for name := range distribution {
		names = append(names, name)
	}
	sort.Strings(names)

	var created []*Agent
	for _, name := range names {
		for i := 0; i < distribution[name]; i++ {
			a, err := m.CreateAgent(name)
			if err != nil {
				return created, err
			}
			created = append(created, a)
		}
	}
	logger.L().Info("智能体创建完成", slog.Int("agents", len(created)), slog.Int("profiles", len(names)))
	return created, nil
}

// RegisterAddress 把地址登记到已存在的智能体名下。
func (m *Manager) RegisterAddress(addr common.Address, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[agentID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("智能体不存在: %s", agentID))
	}
	m.indexLocked(addr, a)
	return nil
}

func (m *Manager) indexLocked(addr common.Address, a *Agent) {
	if _, seen := m.byAddress[addr]; !seen {
		m.addresses = append(m.addresses, addr)
	}
	m.byAddress[addr] = a
}

// AgentByAddress 返回控制该地址的智能体。
func (m *Manager) AgentByAddress(addr common.Address) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byAddress[addr]
	return a, ok
}

// Agent 按 ID 查找智能体。
func (m *Manager) Agent(id string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	return a, ok
}

// Agents 按创建顺序返回全部智能体。
func (m *Manager) Agents() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Agent(nil), m.agents...)
}

// Len 返回智能体数量。
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// Addresses 按登记顺序返回所有已登记地址。
func (m *Manager) Addresses() []common.Address {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]common.Address(nil), m.addresses...)
}
