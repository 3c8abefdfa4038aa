package sim

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"ChainSim/internal/agent"
	"ChainSim/internal/config"
	"ChainSim/internal/state"
)

const testAction = "native_Transfer"

type fakeProvider struct {
	mu           sync.Mutex
	block        uint64
	advances     int
	failAdvance  int
	blockErr     error
	funded       map[common.Address]*big.Int
	impersonated []common.Address
}

func newFakeProvider(block uint64) *fakeProvider {
	return &fakeProvider{block: block, funded: make(map[common.Address]*big.Int)}
}

func (p *fakeProvider) AdvanceTime(_ context.Context, blocks, _ uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advances++
	if p.failAdvance > 0 && p.advances == p.failAdvance {
		return errors.New("anvil_mine rejected")
	}
	p.block += blocks
	return nil
}

func (p *fakeProvider) CurrentBlockNumber(context.Context) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.block, p.blockErr
}

func (p *fakeProvider) SetBalance(_ context.Context, addr common.Address, amount *big.Int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.funded[addr] = new(big.Int).Set(amount)
	return nil
}

func (p *fakeProvider) Impersonate(_ context.Context, addr common.Address) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.impersonated = append(p.impersonated, addr)
	return nil
}

func traderProfile(t *testing.T) agent.Profile {
	t.Helper()
	p, err := agent.NewProfile("trader", config.ProfileConfig{
		BaseConfig: config.BaseConfig{
			TargetAccountCount: 2,
			MaxDailyActions:    100,
			RiskTolerance:      0.5,
		},
		AvailableActions: []config.ActionConfig{{Action: testAction, Probability: 1}},
	})
	if err != nil {
		t.Fatalf("trader profile: %v", err)
	}
	return p
}

func whaleProfile(t *testing.T) agent.Profile {
	t.Helper()
	p, err := agent.NewProfile("whale", config.ProfileConfig{
		BaseConfig: config.BaseConfig{
			MaxDailyActions: 1,
			PresetAddresses: []string{"0x00000000000000000000000000000000000000e1"},
		},
		AvailableActions: []config.ActionConfig{{Action: testAction, Probability: 1}},
	})
	if err != nil {
		t.Fatalf("whale profile: %v", err)
	}
	return p
}

func testEnvironment(t *testing.T, provider *fakeProvider) Environment {
	t.Helper()
	n := 0
	manager := agent.NewManager(map[string]agent.Profile{
		"trader": traderProfile(t),
		"whale":  whaleProfile(t),
	}, 11, agent.WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("agent-%02d", n)
	}))
	return Environment{
		Network:  state.New(nil),
		Clients:  ClientSet{},
		Provider: provider,
		Agents:   manager,
	}
}

// buildTraders creates n funded trader agents through the default builder.
func buildTraders(t *testing.T, env Environment, n int) []*agent.Agent {
	t.Helper()
	b := NewBuilder(env, nil, BuilderConfig{Size: n, Distribution: map[string]int{"trader": n}})
	agents, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("build traders: %v", err)
	}
	return agents
}
