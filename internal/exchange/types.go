package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType 表示订单类型。目前仅启用市价单，LIMIT 为预留枚举值。
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderRequest 描述一笔待提交的订单，校验通过后不再修改。
type OrderRequest struct {
	Symbol   string          `json:"symbol"`
	Side     OrderSide       `json:"side"`
	Type     OrderType       `json:"type"`
	Quantity decimal.Decimal `json:"quantity"`
}

// Fill 为交易所返回的订单确认信息。
type Fill struct {
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id,omitempty"`
	Status        string          `json:"status"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
}

// OutcomeKind 为一次派发的终态分类。
type OutcomeKind string

const (
	// OutcomeAccepted 交易所确认接单。
	OutcomeAccepted OutcomeKind = "accepted"
	// OutcomeRejected 交易所明确拒绝，重试无意义。
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomeTransient 网络或交易所暂时性故障，可重试；作为终态时表示重试耗尽。
	OutcomeTransient OutcomeKind = "transient_failure"
	// OutcomeFatal 客户端缺陷（凭证错误、响应无法解析等），不重试。
	OutcomeFatal OutcomeKind = "fatal_failure"
)

// DispatchOutcome 为派发结果的带标签变体。
type DispatchOutcome struct {
	Kind OutcomeKind `json:"kind"`

	// Fill 仅在 Accepted 时非空。
	Fill *Fill `json:"fill,omitempty"`

	// ExchangeCode 与 Message 在 Rejected 时携带交易所错误码与原因。
	ExchangeCode int    `json:"exchange_code,omitempty"`
	Message      string `json:"message,omitempty"`

	// Cause 在 Transient/Fatal 时记录最后一次底层错误的文本。
	Cause string `json:"cause,omitempty"`

	// Cancelled 表示提交在重试间隙收到取消信号而提前终止，
	// 与重试耗尽区分开，便于上层如实描述终态。
	Cancelled bool `json:"cancelled,omitempty"`

	// PossibleDuplicate 表示请求可能已到达交易所但回应丢失，
	// 之后又发生过重试，存在重复成交的风险，需人工对账。
	PossibleDuplicate bool `json:"possible_duplicate,omitempty"`
}

// DispatchResult 汇总一次派发（含内部重试）的全部信息。
type DispatchResult struct {
	Outcome    DispatchOutcome
	Attempts   int
	SentAt     time.Time
	ResolvedAt time.Time
}
