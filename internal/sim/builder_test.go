package sim

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"ChainSim/internal/agent"
	"ChainSim/internal/collector"
	xerrors "ChainSim/internal/errors"
)

func TestBuilderFundsGeneratedAccountsAndImpersonatesPresets(t *testing.T) {
	provider := newFakeProvider(0)
	env := testEnvironment(t, provider)
	mem := collector.NewMemory()
	if _, err := mem.StartRun(context.Background(), "build", nil); err != nil {
		t.Fatalf("start run: %v", err)
	}
	funding := big.NewInt(1_000)

	agents, err := NewBuilder(env, mem, BuilderConfig{
		Size:           3,
		Distribution:   map[string]int{"trader": 2, "whale": 1},
		InitialFunding: funding,
		InitialState:   map[string]any{"epoch": 1},
		NetworkState:   map[string]any{"phase": "bootstrap"},
	}).Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(agents))
	}

	preset := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	if len(provider.impersonated) != 1 || provider.impersonated[0] != preset {
		t.Fatalf("preset address should be impersonated: %v", provider.impersonated)
	}
	if _, funded := provider.funded[preset]; funded {
		t.Fatalf("preset addresses must never be funded")
	}
	if len(provider.funded) != 4 {
		t.Fatalf("expected 4 funded trader accounts, got %d", len(provider.funded))
	}
	for addr, amount := range provider.funded {
		if amount.Cmp(funding) != 0 {
			t.Fatalf("unexpected funding for %s: %s", addr.Hex(), amount)
		}
		owner, ok := env.Agents.AgentByAddress(addr)
		if !ok || !owner.Controls(addr) {
			t.Fatalf("funded address %s not registered to an agent", addr.Hex())
		}
		if key, _ := owner.PrivateKey(addr); key == nil {
			t.Fatalf("generated account %s should carry a key", addr.Hex())
		}
	}

	primaries := 0
	for _, rec := range mem.Runs()[0].Addresses {
		if rec.Primary {
			primaries++
		}
	}
	if primaries != 3 {
		t.Fatalf("each agent should have one primary address, got %d", primaries)
	}
	for _, a := range agents {
		if v, ok := agent.ExtensionValue[int](a.Extensions(), "epoch"); !ok || v != 1 {
			t.Fatalf("initial state not applied to %s", a.ID())
		}
	}
	if _, ok := env.Network.RunningState("epoch"); ok {
		t.Fatalf("agent initial state must not leak into the shared state")
	}
	if v, ok := env.Network.RunningState("phase"); !ok || v.(string) != "bootstrap" {
		t.Fatalf("network state not applied")
	}
}

func TestBuilderSizeMismatch(t *testing.T) {
	env := testEnvironment(t, newFakeProvider(0))
	_, err := NewBuilder(env, nil, BuilderConfig{Size: 5, Distribution: map[string]int{"trader": 2}}).Build(context.Background())
	if xerrors.CodeOf(err) != CodeNetworkBuild {
		t.Fatalf("expected build error, got %v", err)
	}
}

func TestBuilderUnknownProfile(t *testing.T) {
	env := testEnvironment(t, newFakeProvider(0))
	_, err := NewBuilder(env, nil, BuilderConfig{Size: 1, Distribution: map[string]int{"market_maker": 1}}).Build(context.Background())
	if xerrors.CodeOf(err) != CodeNetworkBuild {
		t.Fatalf("expected build error, got %v", err)
	}
}

type initialCall struct {
	agentID string
	params  agent.Params
}

func recordingRegistry(t *testing.T, outcome func(agentID string) (bool, error)) (*Registry, func() []initialCall) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []initialCall
	)
	r := registryWith(t, func(_ context.Context, ec *ExecutionContext, p agent.Params) (bool, error) {
		if ec.Iteration() != 0 {
			t.Errorf("initial actions run before iteration 1, got iteration %d", ec.Iteration())
		}
		mu.Lock()
		calls = append(calls, initialCall{agentID: ec.Agent().ID(), params: p})
		mu.Unlock()
		return outcome(ec.Agent().ID())
	})
	return r, func() []initialCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]initialCall(nil), calls...)
	}
}

func TestBuilderRunsInitialActions(t *testing.T) {
	env := testEnvironment(t, newFakeProvider(7))
	handlers, calls := recordingRegistry(t, func(agentID string) (bool, error) {
		return agentID != "agent-03", nil
	})

	agents, err := NewBuilder(env, nil, BuilderConfig{
		Size:         5,
		Distribution: map[string]int{"trader": 5},
		Handlers:     handlers,
		InitialActions: []InitialAction{
			{Action: testAction, Params: map[string]any{"amount": 7}},
			{Action: "unregistered_Action"},
		},
	}).Build(context.Background())
	if err != nil {
		t.Fatalf("one failure in five is within tolerance: %v", err)
	}

	got := calls()
	if len(got) != 5 {
		t.Fatalf("every agent should run the initial action once, got %d calls", len(got))
	}
	byID := make(map[string]agent.Params, len(got))
	for _, c := range got {
		byID[c.agentID] = c.params
	}
	for _, a := range agents {
		p, ok := byID[a.ID()]
		if !ok {
			t.Fatalf("agent %s did not run the initial action", a.ID())
		}
		if p.Sender != a.Addresses()[0] {
			t.Fatalf("sender should default to the first address of %s", a.ID())
		}
		if p.Extra["amount"] != 7 || p.RiskTolerance != 0.5 {
			t.Fatalf("unexpected params for %s: %+v", a.ID(), p)
		}
		if a.Scheduler().DailyCount() != 0 {
			t.Fatalf("initial actions must not consume the daily quota")
		}
	}
}

func TestBuilderInitialActionSelection(t *testing.T) {
	env := testEnvironment(t, newFakeProvider(7))
	handlers, calls := recordingRegistry(t, func(string) (bool, error) { return true, nil })

	agents, err := NewBuilder(env, nil, BuilderConfig{
		Size:         3,
		Distribution: map[string]int{"trader": 2, "whale": 1},
		Handlers:     handlers,
		InitialActions: []InitialAction{
			{
				Action:  testAction,
				Profile: "trader",
				Count:   1,
				ParamFunc: func(a *agent.Agent, all []*agent.Agent) (map[string]any, bool) {
					if len(all) != 3 {
						t.Errorf("param func should see every agent, got %d", len(all))
					}
					return map[string]any{"sender": a.Addresses()[1].Hex()}, true
				},
			},
			{
				Action:    testAction,
				ParamFunc: func(*agent.Agent, []*agent.Agent) (map[string]any, bool) { return nil, false },
			},
		},
	}).Build(context.Background())
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	got := calls()
	if len(got) != 1 || got[0].agentID != agents[0].ID() {
		t.Fatalf("only the first trader should act, got %+v", got)
	}
	if got[0].params.Sender != agents[0].Addresses()[1] {
		t.Fatalf("explicit sender should win over the default")
	}
}

func TestBuilderFailsWhenInitialActionsMostlyFail(t *testing.T) {
	env := testEnvironment(t, newFakeProvider(7))
	handlers, calls := recordingRegistry(t, func(agentID string) (bool, error) {
		switch agentID {
		case "agent-01":
			return false, errors.New("execution reverted")
		case "agent-02":
			panic("nil pool")
		}
		return true, nil
	})

	agents, err := NewBuilder(env, nil, BuilderConfig{
		Size:           5,
		Distribution:   map[string]int{"trader": 5},
		Handlers:       handlers,
		InitialActions: []InitialAction{{Action: testAction}},
	}).Build(context.Background())
	if xerrors.CodeOf(err) != CodeNetworkBuild || agents != nil {
		t.Fatalf("two failures in five should fail the build, got %v", err)
	}
	if len(calls()) != 5 {
		t.Fatalf("a panicking handler must not stop the remaining initial actions")
	}
}

func TestBuilderInitialActionsRequireHandlers(t *testing.T) {
	env := testEnvironment(t, newFakeProvider(7))
	_, err := NewBuilder(env, nil, BuilderConfig{
		Size:           1,
		Distribution:   map[string]int{"trader": 1},
		InitialActions: []InitialAction{{Action: testAction}},
	}).Build(context.Background())
	if xerrors.CodeOf(err) != CodeNetworkBuild {
		t.Fatalf("expected build error, got %v", err)
	}
}
