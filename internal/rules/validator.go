package rules

import (
	"errors"
	"fmt"
	"strings"

	"futures-bot/internal/exchange"
)

// 校验失败的固定分类，调用方通过 errors.Is 区分。
var (
	ErrUnknownSymbol        = errors.New("rules: 未知合约符号")
	ErrInvalidQuantity      = errors.New("rules: 数量不符合合约规则")
	ErrUnsupportedOrderType = errors.New("rules: 不支持的订单类型")
)

// Validator 在任何网络调用之前按交易规则校验订单参数。
// 每次校验读取 RuleBook 的当前快照；相同快照下结果确定，无 I/O，
// 快照在两次提交之间由外部刷新并原子替换。
type Validator struct {
	book *RuleBook
}

// NewValidator 以规则簿构造校验器。
func NewValidator(book *RuleBook) *Validator {
	if book == nil {
		book = NewRuleBook(nil)
	}
	return &Validator{book: book}
}

// Validate 校验订单并返回数量归一化后的副本。
// 数量按交易所规则向下截断到步进的整数倍，绝不向上取整；
// 截断后低于最小数量的订单被拒绝。
func (v *Validator) Validate(order exchange.OrderRequest) (exchange.OrderRequest, error) {
	symbol := strings.ToUpper(strings.TrimSpace(order.Symbol))
	rule, ok := v.book.Current()[symbol]
	if !ok {
		return exchange.OrderRequest{}, fmt.Errorf("%w: %q", ErrUnknownSymbol, order.Symbol)
	}

	if order.Type != exchange.OrderTypeMarket {
		return exchange.OrderRequest{}, fmt.Errorf("%w: %q", ErrUnsupportedOrderType, order.Type)
	}
	if order.Side != exchange.OrderSideBuy && order.Side != exchange.OrderSideSell {
		return exchange.OrderRequest{}, fmt.Errorf("rules: 无效的下单方向 %q", order.Side)
	}

	if !order.Quantity.IsPositive() {
		return exchange.OrderRequest{}, fmt.Errorf("%w: 数量必须为正, got %s", ErrInvalidQuantity, order.Quantity)
	}

	quantity := order.Quantity
	if rule.QuantityStep.IsPositive() {
		quantity = order.Quantity.Div(rule.QuantityStep).Floor().Mul(rule.QuantityStep)
	}
	if quantity.LessThan(rule.MinQuantity) {
		return exchange.OrderRequest{}, fmt.Errorf("%w: %s 截断后为 %s, 低于最小数量 %s",
			ErrInvalidQuantity, order.Quantity, quantity, rule.MinQuantity)
	}

	normalized := order
	normalized.Symbol = symbol
	normalized.Quantity = quantity
	return normalized, nil
}
