package agent

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	tokenX = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	tokenY = common.HexToAddress("0x00000000000000000000000000000000000000f2")
)

func ownsOnly(addrs ...common.Address) func(common.Address) bool {
	set := make(map[common.Address]struct{}, len(addrs))
	for _, a := range addrs {
		set[a] = struct{}{}
	}
	return func(a common.Address) bool {
		_, ok := set[a]
		return ok
	}
}

func TestLedgerZeroBalanceAsymmetry(t *testing.T) {
	l := NewLedger(ownsOnly(addrA))
	now := time.Now()

	if l.Record(addrA, tokenX, big.NewInt(0), now, 1) {
		t.Fatalf("zero balance must not be recorded as a first write")
	}
	if _, ok := l.Balance(addrA, tokenX); ok {
		t.Fatalf("no current entry expected after suppressed zero")
	}
	if len(l.History(HistoryFilter{})) != 0 {
		t.Fatalf("history must stay empty")
	}

	if !l.Record(addrA, tokenX, big.NewInt(100), now, 2) {
		t.Fatalf("positive balance should be recorded")
	}
	if !l.Record(addrA, tokenX, big.NewInt(0), now, 3) {
		t.Fatalf("zero update of an existing entry should be recorded")
	}
	bal, ok := l.Balance(addrA, tokenX)
	if !ok || bal.Sign() != 0 {
		t.Fatalf("expected zero balance, got %v", bal)
	}
	hist := l.History(HistoryFilter{})
	if len(hist) != 2 || hist[1].Block != 3 || hist[1].Balance.Sign() != 0 {
		t.Fatalf("unexpected history: %+v", hist)
	}
}

func TestLedgerIgnoresUncontrolledAccounts(t *testing.T) {
	l := NewLedger(ownsOnly(addrA))
	other := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	if l.Record(other, tokenX, big.NewInt(5), time.Now(), 1) {
		t.Fatalf("uncontrolled account must be ignored")
	}
	if l.Record(addrA, tokenX, big.NewInt(-1), time.Now(), 1) {
		t.Fatalf("negative balance must be ignored")
	}
}

func TestLedgerHistoryFilterAndCopies(t *testing.T) {
	addrB := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	l := NewLedger(ownsOnly(addrA, addrB))
	now := time.Now()
	l.Record(addrA, tokenX, big.NewInt(1), now, 1)
	l.Record(addrB, tokenX, big.NewInt(2), now, 2)
	l.Record(addrA, tokenY, big.NewInt(3), now, 3)

	if got := l.History(HistoryFilter{Account: &addrA}); len(got) != 2 || got[0].Block != 1 || got[1].Block != 3 {
		t.Fatalf("unexpected account history: %+v", got)
	}
	if got := l.History(HistoryFilter{Contract: &tokenX}); len(got) != 2 {
		t.Fatalf("unexpected contract history: %+v", got)
	}
	if got := l.History(HistoryFilter{Account: &addrA, Contract: &tokenY}); len(got) != 1 || got[0].Balance.Int64() != 3 {
		t.Fatalf("unexpected combined history: %+v", got)
	}

	bal, _ := l.Balance(addrA, tokenX)
	bal.SetInt64(999)
	if again, _ := l.Balance(addrA, tokenX); again.Int64() != 1 {
		t.Fatalf("ledger leaked internal balance pointer")
	}
	if len(l.Balances(addrA)) != 2 {
		t.Fatalf("expected two contracts for account A")
	}
}
