package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"futures-bot/internal/audit"
	"futures-bot/internal/exchange"
	"futures-bot/internal/rules"
)

// dispatcher 抽象派发器，便于测试注入。
type dispatcher interface {
	Dispatch(ctx context.Context, order exchange.OrderRequest, signed exchange.SignedRequest) exchange.DispatchResult
}

// builder 抽象请求构造器。
type builder interface {
	Build(order exchange.OrderRequest) (exchange.SignedRequest, error)
}

// Pipeline 串联校验、构造、派发、审计四个阶段。
// 多笔订单可以并发提交，各自独立运行，仅审计写入由 Recorder 串行化。
type Pipeline struct {
	validator  *rules.Validator
	builder    builder
	dispatcher dispatcher
	recorder   audit.Recorder
	logger     *zap.Logger
}

// New 组装订单提交流水线。
func New(validator *rules.Validator, b builder, d dispatcher, recorder audit.Recorder, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		validator:  validator,
		builder:    b,
		dispatcher: d,
		recorder:   recorder,
		logger:     logger,
	}
}

// Submit 提交一笔订单直至终态。
// 校验或签名失败立即返回，不触网、不留审计记录；
// 一旦派发，无论结果如何都恰好写入一条审计记录，写入成功后才向调用方确认。
func (p *Pipeline) Submit(ctx context.Context, order exchange.OrderRequest) (audit.Record, error) {
	normalized, err := p.validator.Validate(order)
	if err != nil {
		p.logger.Warn("订单校验失败",
			zap.String("symbol", order.Symbol),
			zap.String("side", string(order.Side)),
			zap.String("quantity", order.Quantity.String()),
			zap.Error(err),
		)
		return audit.Record{}, &Error{Kind: KindValidation, Err: err}
	}

	signed, err := p.builder.Build(normalized)
	if err != nil {
		p.logger.Error("构造签名请求失败",
			zap.String("symbol", normalized.Symbol),
			zap.Error(err),
		)
		return audit.Record{}, &Error{Kind: KindBuild, Err: err}
	}

	result := p.dispatcher.Dispatch(ctx, normalized, signed)

	rec := audit.Record{
		Request:    normalized,
		Outcome:    result.Outcome,
		Attempts:   result.Attempts,
		SentAt:     result.SentAt,
		ResolvedAt: result.ResolvedAt,
	}

	if recErr := p.recorder.Record(ctx, rec); recErr != nil {
		// 审计缺失比失败更危险，立即以致命错误中止。
		p.logger.Error("审计记录写入失败", zap.Error(recErr))
		return rec, &Error{Kind: KindFatal, Err: recErr}
	}

	switch result.Outcome.Kind {
	case exchange.OutcomeAccepted:
		fields := []zap.Field{
			zap.String("symbol", normalized.Symbol),
			zap.String("side", string(normalized.Side)),
			zap.String("quantity", normalized.Quantity.String()),
			zap.Int64("order_id", result.Outcome.Fill.OrderID),
			zap.Int("attempts", result.Attempts),
		}
		if result.Outcome.PossibleDuplicate {
			fields = append(fields, zap.Bool("possible_duplicate", true))
		}
		p.logger.Info("订单已被交易所接受", fields...)
		return rec, nil

	case exchange.OutcomeRejected:
		p.logger.Warn("订单被交易所拒绝",
			zap.String("symbol", normalized.Symbol),
			zap.String("side", string(normalized.Side)),
			zap.String("quantity", normalized.Quantity.String()),
			zap.Int("exchange_code", result.Outcome.ExchangeCode),
			zap.String("message", result.Outcome.Message),
			zap.Int("attempts", result.Attempts),
		)
		return rec, &Error{
			Kind: KindRejected,
			Err:  fmt.Errorf("交易所拒绝 %s %s %s: code=%d %s", normalized.Side, normalized.Quantity, normalized.Symbol, result.Outcome.ExchangeCode, result.Outcome.Message),
		}

	case exchange.OutcomeTransient:
		headline := "重试耗尽"
		if result.Outcome.Cancelled {
			headline = "在重试间隙被取消"
		}
		return rec, &Error{
			Kind: KindExhausted,
			Err:  fmt.Errorf("订单 %s %s %s %s (attempts=%d): %s", normalized.Side, normalized.Quantity, normalized.Symbol, headline, result.Attempts, result.Outcome.Cause),
		}

	default:
		return rec, &Error{
			Kind: KindFatal,
			Err:  fmt.Errorf("订单 %s %s %s 遇到致命错误: %s", normalized.Side, normalized.Quantity, normalized.Symbol, result.Outcome.Cause),
		}
	}
}
