package rules

import (
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// InstrumentRule 描述单个合约的交易规则，来源于交易所元数据，本系统只读。
type InstrumentRule struct {
	Symbol       string
	MinQuantity  decimal.Decimal
	QuantityStep decimal.Decimal
	PriceTick    decimal.Decimal
	MinNotional  decimal.Decimal
}

// Snapshot 为某一时刻全部合约规则的只读快照，键为大写合约符号。
type Snapshot map[string]InstrumentRule

// RuleBook 持有当前规则快照，支持在两次提交之间原子替换。
type RuleBook struct {
	snapshot atomic.Pointer[Snapshot]
}

// NewRuleBook 以初始快照构造 RuleBook。
func NewRuleBook(snapshot Snapshot) *RuleBook {
	b := &RuleBook{}
	b.Swap(snapshot)
	return b
}

// Swap 原子替换当前快照。
func (b *RuleBook) Swap(snapshot Snapshot) {
	if snapshot == nil {
		snapshot = Snapshot{}
	}
	b.snapshot.Store(&snapshot)
}

// Current 返回当前快照。
func (b *RuleBook) Current() Snapshot {
	return *b.snapshot.Load()
}
