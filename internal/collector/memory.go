package collector

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RunSnapshot 是内存采集器中一次 run 的完整记录。
type RunSnapshot struct {
	ID          int64
	Description string
	Parameters  map[string]any
	Status      string
	StartedAt   time.Time
	EndedAt     time.Time
	Agents      map[string]string
	Addresses   []AddressRecord
	Iterations  []IterationRecord
	Balances    []BalanceChange
}

// AddressRecord 是一条智能体地址记录。
type AddressRecord struct {
	AgentID string
	Address common.Address
	Primary bool
}

// Memory 把所有数据保存在进程内，适合测试与 fast mode 之外的轻量运行。
type Memory struct {
	mu      sync.RWMutex
	runs    []*RunSnapshot
	current *RunSnapshot
	now     func() time.Time
}

// NewMemory 创建内存采集器。
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) StartRun(_ context.Context, description string, params map[string]any) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run := &RunSnapshot{
		ID:          int64(len(m.runs) + 1),
		Description: description,
		Parameters:  maps.Clone(params),
		Status:      StatusRunning,
		StartedAt:   m.now(),
		Agents:      make(map[string]string),
	}
	m.runs = append(m.runs, run)
	m.current = run
	return run.ID, nil
}

func (m *Memory) EndRun(_ context.Context, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return errNoRun()
	}
	m.current.Status = status
	m.current.EndedAt = m.now()
	m.current = nil
	return nil
}

func (m *Memory) CurrentRunID() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return 0
	}
	return m.current.ID
}

func (m *Memory) RecordAgent(_ context.Context, agentID, profile string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return errNoRun()
	}
	m.current.Agents[agentID] = profile
	return nil
}

func (m *Memory) RecordAgentAddress(_ context.Context, agentID string, addr common.Address, primary bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return errNoRun()
	}
	for _, rec := range m.current.Addresses {
		if rec.Address == addr {
			return nil
		}
	}
	m.current.Addresses = append(m.current.Addresses, AddressRecord{AgentID: agentID, Address: addr, Primary: primary})
	return nil
}

func (m *Memory) RecordIteration(_ context.Context, rec IterationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return errNoRun()
	}
	rec.ActionCounts = maps.Clone(rec.ActionCounts)
	m.current.Iterations = append(m.current.Iterations, rec)
	return nil
}

func (m *Memory) RecordBalanceChange(_ context.Context, rec BalanceChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return errNoRun()
	}
	m.current.Balances = append(m.current.Balances, rec)
	return nil
}

func (m *Memory) Close() error { return nil }

// Runs 返回所有 run 的快照副本。
func (m *Memory) Runs() []RunSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RunSnapshot, 0, len(m.runs))
	for _, run := range m.runs {
		cp := *run
		cp.Agents = maps.Clone(run.Agents)
		cp.Addresses = append([]AddressRecord(nil), run.Addresses...)
		cp.Iterations = append([]IterationRecord(nil), run.Iterations...)
		cp.Balances = append([]BalanceChange(nil), run.Balances...)
		out = append(out, cp)
	}
	return out
}
