package audit

import (
	"context"
	"time"

	"futures-bot/internal/exchange"
)

// Record 为一笔订单终态解析后的审计记录，只追加，不修改。
// 不变量：每一笔被派发的订单恰好对应一条记录，包括重试耗尽的失败。
type Record struct {
	Request    exchange.OrderRequest    `json:"request"`
	Outcome    exchange.DispatchOutcome `json:"outcome"`
	Attempts   int                      `json:"attempts"`
	SentAt     time.Time                `json:"sent_at"`
	ResolvedAt time.Time                `json:"resolved_at"`
}

// Recorder 按终态解析顺序持久化审计记录。
// 写入失败绝不静默：丢失审计轨迹比中断进程更糟，调用方应视其为致命错误。
type Recorder interface {
	Record(ctx context.Context, rec Record) error
	Close() error
}
