package sim

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"ChainSim/internal/agent"
	xerrors "ChainSim/internal/errors"
)

func registryWith(t *testing.T, h HandlerFunc) *Registry {
	t.Helper()
	r := NewRegistry()
	if err := r.Register(testAction, h); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	return r
}

func TestEvolveNetworkCountsSuccessfulActions(t *testing.T) {
	provider := newFakeProvider(40)
	env := testEnvironment(t, provider)
	agents := buildTraders(t, env, 3)

	var senders []agent.Params
	ev := NewEvolver(env, registryWith(t, func(_ context.Context, ec *ExecutionContext, p agent.Params) (bool, error) {
		if !ec.Agent().Controls(p.Sender) {
			t.Errorf("sender %s not controlled by acting agent", p.Sender.Hex())
		}
		senders = append(senders, p)
		return true, nil
	}), EvolverConfig{MinBlocksBetweenActions: 5, Seed: 1})

	stats, err := ev.EvolveNetwork(context.Background(), 1)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if stats.Iteration != 1 || stats.Block != 40 {
		t.Fatalf("unexpected stats header: %+v", stats)
	}
	if stats.TotalActions != 3 || stats.SuccessfulActions != 3 || stats.FailedActions != 0 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.ActionCounts[testAction] != 3 || len(senders) != 3 {
		t.Fatalf("unexpected action counts: %+v", stats.ActionCounts)
	}
	for _, a := range agents {
		if last, ok := a.Scheduler().LastActionBlock(testAction); !ok || last != 40 {
			t.Fatalf("agent %s should record block 40, got %d %v", a.ID(), last, ok)
		}
	}
	if block, _ := env.Network.Head(); block != 40 {
		t.Fatalf("network head not updated: %d", block)
	}
}

func TestEvolveNetworkHandlerFailuresKeepRateLimits(t *testing.T) {
	provider := newFakeProvider(10)
	env := testEnvironment(t, provider)
	agents := buildTraders(t, env, 2)

	ev := NewEvolver(env, registryWith(t, func(context.Context, *ExecutionContext, agent.Params) (bool, error) {
		return false, errors.New("reverted")
	}), EvolverConfig{Seed: 1})

	stats, err := ev.EvolveNetwork(context.Background(), 1)
	if err != nil {
		t.Fatalf("handler errors must not fail the iteration: %v", err)
	}
	if stats.TotalActions != 2 || stats.FailedActions != 2 || stats.SuccessfulActions != 0 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if len(stats.ActionCounts) != 0 {
		t.Fatalf("failed actions must not appear in action counts: %+v", stats.ActionCounts)
	}
	for _, a := range agents {
		if _, ok := a.Scheduler().LastActionBlock(testAction); ok || a.Scheduler().DailyCount() != 0 {
			t.Fatalf("failed attempt changed rate limits of %s", a.ID())
		}
	}
}

func TestEvolveNetworkMissingHandlerIsFailedAttempt(t *testing.T) {
	env := testEnvironment(t, newFakeProvider(10))
	buildTraders(t, env, 1)

	stats, err := NewEvolver(env, NewRegistry(), EvolverConfig{}).EvolveNetwork(context.Background(), 1)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if stats.TotalActions != 1 || stats.FailedActions != 1 {
		t.Fatalf("missing handler should count as failure: %+v", stats)
	}
}

func TestEvolveNetworkEnforcesMinimumBlockDistance(t *testing.T) {
	provider := newFakeProvider(100)
	env := testEnvironment(t, provider)
	buildTraders(t, env, 3)

	ev := NewEvolver(env, registryWith(t, func(context.Context, *ExecutionContext, agent.Params) (bool, error) {
		return true, nil
	}), EvolverConfig{MinBlocksBetweenActions: 5, Seed: 3})
	ctx := context.Background()

	if _, err := ev.EvolveNetwork(ctx, 1); err != nil {
		t.Fatalf("iteration 1: %v", err)
	}
	if err := ev.AdvanceTime(ctx, 2, 5); err != nil {
		t.Fatalf("advance: %v", err)
	}
	stats, err := ev.EvolveNetwork(ctx, 2)
	if err != nil {
		t.Fatalf("iteration 2: %v", err)
	}
	if stats.SkippedAgents != 3 || stats.TotalActions != 0 {
		t.Fatalf("agents acting within 5 blocks should be skipped: %+v", stats)
	}

	if err := ev.AdvanceTime(ctx, 3, 5); err != nil {
		t.Fatalf("advance: %v", err)
	}
	stats, err = ev.EvolveNetwork(ctx, 3)
	if err != nil {
		t.Fatalf("iteration 3: %v", err)
	}
	if stats.SuccessfulActions != 3 {
		t.Fatalf("agents should act again after 5 blocks: %+v", stats)
	}
}

func TestEvolveNetworkBlockReadFailure(t *testing.T) {
	provider := newFakeProvider(10)
	provider.blockErr = errors.New("connection refused")
	env := testEnvironment(t, provider)
	buildTraders(t, env, 1)

	_, err := NewEvolver(env, NewRegistry(), EvolverConfig{}).EvolveNetwork(context.Background(), 1)
	if xerrors.CodeOf(err) != CodeIteration {
		t.Fatalf("expected iteration error, got %v", err)
	}
}

func TestEvolveNetworkParallelSharesCache(t *testing.T) {
	env := testEnvironment(t, newFakeProvider(50))
	buildTraders(t, env, 8)

	var computed atomic.Int32
	ev := NewEvolver(env, registryWith(t, func(_ context.Context, ec *ExecutionContext, _ agent.Params) (bool, error) {
		addrs, err := ec.FilteredAddresses(func(addr common.Address) bool {
			computed.Add(1)
			return true
		}, "all_agents")
		if err != nil {
			return false, err
		}
		return len(addrs) == 16, nil
	}), EvolverConfig{Workers: 4, Seed: 9})

	stats, err := ev.EvolveNetwork(context.Background(), 1)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if stats.SuccessfulActions != 8 {
		t.Fatalf("every agent should see 16 addresses: %+v", stats)
	}
	if computed.Load() != 16 {
		t.Fatalf("address filter should run once for the iteration, predicate called %d times", computed.Load())
	}
}

func TestEvolveNetworkHandlerPanicIsFailedAttempt(t *testing.T) {
	env := testEnvironment(t, newFakeProvider(10))
	agents := buildTraders(t, env, 3)

	var calls atomic.Int32
	ev := NewEvolver(env, registryWith(t, func(context.Context, *ExecutionContext, agent.Params) (bool, error) {
		if calls.Add(1) == 1 {
			panic("nil pool")
		}
		return true, nil
	}), EvolverConfig{})

	stats, err := ev.EvolveNetwork(context.Background(), 1)
	if err != nil {
		t.Fatalf("a handler panic must not fail the iteration: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("every agent should still act, handler called %d times", calls.Load())
	}
	if stats.TotalActions != 3 || stats.FailedActions != 1 || stats.SuccessfulActions != 2 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	unchanged := 0
	for _, a := range agents {
		if _, ok := a.Scheduler().LastActionBlock(testAction); !ok && a.Scheduler().DailyCount() == 0 {
			unchanged++
		}
	}
	if unchanged != 1 {
		t.Fatalf("the panicking attempt must leave rate limits untouched, %d agents unchanged", unchanged)
	}
}

func TestEvolveNetworkWaitsForMinimumBlocksBeforeFirstAction(t *testing.T) {
	provider := newFakeProvider(3)
	env := testEnvironment(t, provider)
	buildTraders(t, env, 2)

	ev := NewEvolver(env, registryWith(t, func(context.Context, *ExecutionContext, agent.Params) (bool, error) {
		return true, nil
	}), EvolverConfig{MinBlocksBetweenActions: 5, Seed: 1})
	ctx := context.Background()

	stats, err := ev.EvolveNetwork(ctx, 1)
	if err != nil {
		t.Fatalf("iteration 1: %v", err)
	}
	if stats.SkippedAgents != 2 || stats.TotalActions != 0 {
		t.Fatalf("agents should wait until block 5: %+v", stats)
	}

	if err := ev.AdvanceTime(ctx, 2, 5); err != nil {
		t.Fatalf("advance: %v", err)
	}
	stats, err = ev.EvolveNetwork(ctx, 2)
	if err != nil {
		t.Fatalf("iteration 2: %v", err)
	}
	if stats.SuccessfulActions != 2 {
		t.Fatalf("agents should act from block 5: %+v", stats)
	}
}
