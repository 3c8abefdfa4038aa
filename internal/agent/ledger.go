package agent

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceRecord 是一条余额变更记录。
type BalanceRecord struct {
	Contract  common.Address
	Account   common.Address
	Balance   *big.Int
	Timestamp time.Time
	Block     uint64
}

// HistoryFilter 按账户和/或合约过滤历史，空字段表示不过滤。
type HistoryFilter struct {
	Account  *common.Address
	Contract *common.Address
}

// Ledger 记录受控账户在各合约上的最新余额与追加式历史。
type Ledger struct {
	mu      sync.RWMutex
	owns    func(common.Address) bool
	current map[common.Address]map[common.Address]*big.Int
	history []BalanceRecord
}

// NewLedger 创建账本，owns 判断账户是否受当前智能体控制。
func NewLedger(owns func(common.Address) bool) *Ledger {
	return &Ledger{
		owns:    owns,
		current: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// Record 写入余额。非受控账户被忽略；零余额只能更新已有条目，不能作为首次写入。
func (l *Ledger) Record(account, contract common.Address, balance *big.Int, ts time.Time, block uint64) bool {
	if balance == nil || balance.Sign() < 0 {
		return false
	}
	if l.owns != nil && !l.owns(account) {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	byContract := l.current[account]
	_, exists := byContract[contract]
	if balance.Sign() == 0 && !exists {
		return false
	}
	if byContract == nil {
		byContract = make(map[common.Address]*big.Int)
		l.current[account] = byContract
	}
	byContract[contract] = new(big.Int).Set(balance)
	l.history = append(l.history, BalanceRecord{
		Contract:  contract,
		Account:   account,
		Balance:   new(big.Int).Set(balance),
		Timestamp: ts,
		Block:     block,
	})
	return true
}

// Balance 返回账户在合约上的最新余额。
func (l *Ledger) Balance(account, contract common.Address) (*big.Int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bal, ok := l.current[account][contract]
	if !ok {
		return nil, false
	}
	return new(big.Int).Set(bal), true
}

// Balances 返回账户在所有合约上的最新余额。
func (l *Ledger) Balances(account common.Address) map[common.Address]*big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[common.Address]*big.Int, len(l.current[account]))
	for contract, bal := range l.current[account] {
		out[contract] = new(big.Int).Set(bal)
	}
	return out
}

// History 按记录顺序返回满足过滤条件的历史。
func (l *Ledger) History(filter HistoryFilter) []BalanceRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []BalanceRecord
	for _, rec := range l.history {
		if filter.Account != nil && rec.Account != *filter.Account {
			continue
		}
		if filter.Contract != nil && rec.Contract != *filter.Contract {
			continue
		}
		rec.Balance = new(big.Int).Set(rec.Balance)
		out = append(out, rec)
	}
	return out
}
