package agent

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"ChainSim/internal/config"
	xerrors "ChainSim/internal/errors"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	trader := testProfile(t, 10, config.ActionConfig{Action: "transfer", Probability: 1})
	whale, err := NewProfile("whale", config.ProfileConfig{
		BaseConfig: config.BaseConfig{
			MaxDailyActions: 1,
			PresetAddresses: []string{"0x00000000000000000000000000000000000000e1"},
		},
	})
	if err != nil {
		t.Fatalf("whale profile: %v", err)
	}
	n := 0
	return NewManager(map[string]Profile{"trader": trader, "whale": whale}, 7, WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("agent-%02d", n)
	}))
}

func TestCreateAgentsByDistribution(t *testing.T) {
	m := testManager(t)
	created, err := m.CreateAgents(map[string]int{"whale": 1, "trader": 2})
	if err != nil {
		t.Fatalf("create agents: %v", err)
	}
	if len(created) != 3 || m.Len() != 3 {
		t.Fatalf("expected 3 agents, got %d", len(created))
	}
	if created[0].Profile().Name() != "trader" || created[2].Profile().Name() != "whale" {
		t.Fatalf("agents should be created in sorted profile order")
	}

	preset := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	owner, ok := m.AgentByAddress(preset)
	if !ok || owner.ID() != created[2].ID() {
		t.Fatalf("preset address should be indexed to the whale agent")
	}
	if key, controlled := owner.PrivateKey(preset); !controlled || key != nil {
		t.Fatalf("preset address should be controlled without a key")
	}
	if !owner.UsesPresetAddresses() {
		t.Fatalf("whale should use preset addresses")
	}
}

func TestCreateAgentUnknownProfile(t *testing.T) {
	m := testManager(t)
	_, err := m.CreateAgent("ghost")
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestRegisterAddress(t *testing.T) {
	m := testManager(t)
	a, _ := m.CreateAgent("trader")

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	if !a.AddAccount(addr, key) {
		t.Fatalf("new account should be added")
	}
	if a.AddAccount(addr, key) {
		t.Fatalf("duplicate account should be rejected")
	}
	if err := m.RegisterAddress(addr, a.ID()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.RegisterAddress(addr, "missing"); err == nil {
		t.Fatalf("expected error for unknown agent")
	}

	got, ok := m.AgentByAddress(addr)
	if !ok || got != a {
		t.Fatalf("address not indexed")
	}
	if addrs := m.Addresses(); len(addrs) != 1 || addrs[0] != addr {
		t.Fatalf("unexpected address listing: %v", addrs)
	}

	if !a.UpdateBalance(addr, tokenX, big.NewInt(10), time.Now(), 1) {
		t.Fatalf("controlled account balance should be recorded")
	}
}

func TestAgentSelectActionUsesControlledAddresses(t *testing.T) {
	m := testManager(t)
	a, _ := m.CreateAgent("trader")
	if _, ok := a.SelectAction(1, nil); ok {
		t.Fatalf("agent without accounts should not act")
	}
	a.AddAccount(addrA, nil)
	sel, ok := a.SelectAction(1, nil)
	if !ok || sel.Address != addrA {
		t.Fatalf("unexpected selection: %+v ok=%v", sel, ok)
	}
	a.RecordAction(sel.Action, 1, true)
	if !a.CanPerformAction("transfer", 2, nil) {
		t.Fatalf("zero cooldown action should stay eligible")
	}
}

func TestExtensions(t *testing.T) {
	m := testManager(t)
	a, _ := m.CreateAgent("trader")
	ext := a.Extensions()

	if _, ok := ext.Get("mint_count"); ok {
		t.Fatalf("new agent should have no extension values")
	}
	ext.Set("mint_count", 3)
	if v, ok := ExtensionValue[int](ext, "mint_count"); !ok || v != 3 {
		t.Fatalf("typed read failed: %v %v", v, ok)
	}
	if _, ok := ExtensionValue[string](ext, "mint_count"); ok {
		t.Fatalf("type mismatch should report missing")
	}
}
