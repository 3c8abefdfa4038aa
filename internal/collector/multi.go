package collector

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// Multi 把写入广播给多个采集器，第一个采集器的 run ID 作为对外 ID。
type Multi struct {
	collectors []Collector
}

// NewMulti 组合多个采集器，忽略 nil。
func NewMulti(collectors ...Collector) *Multi {
	filtered := make([]Collector, 0, len(collectors))
	for _, c := range collectors {
		if c != nil {
			filtered = append(filtered, c)
		}
	}
	return &Multi{collectors: filtered}
}

func (m *Multi) StartRun(ctx context.Context, description string, params map[string]any) (int64, error) {
	var (
		id   int64
		errs []error
	)
	for i, c := range m.collectors {
		runID, err := c.StartRun(ctx, description, params)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if i == 0 {
			id = runID
		}
	}
	return id, errors.Join(errs...)
}

func (m *Multi) EndRun(ctx context.Context, status string) error {
	return m.each(func(c Collector) error { return c.EndRun(ctx, status) })
}

func (m *Multi) CurrentRunID() int64 {
	if len(m.collectors) == 0 {
		return 0
	}
	return m.collectors[0].CurrentRunID()
}

func (m *Multi) RecordAgent(ctx context.Context, agentID, profile string) error {
	return m.each(func(c Collector) error { return c.RecordAgent(ctx, agentID, profile) })
}

func (m *Multi) RecordAgentAddress(ctx context.Context, agentID string, addr common.Address, primary bool) error {
	return m.each(func(c Collector) error { return c.RecordAgentAddress(ctx, agentID, addr, primary) })
}

func (m *Multi) RecordIteration(ctx context.Context, rec IterationRecord) error {
	return m.each(func(c Collector) error { return c.RecordIteration(ctx, rec) })
}

func (m *Multi) RecordBalanceChange(ctx context.Context, rec BalanceChange) error {
	return m.each(func(c Collector) error { return c.RecordBalanceChange(ctx, rec) })
}

func (m *Multi) Close() error {
	return m.each(func(c Collector) error { return c.Close() })
}

func (m *Multi) each(fn func(Collector) error) error {
	var errs []error
	for _, c := range m.collectors {
		if err := fn(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
