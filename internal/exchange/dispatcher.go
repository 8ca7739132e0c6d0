package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RetryPolicy 控制暂时性故障的重试行为。
type RetryPolicy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Jitter      bool
}

// Sleeper 注入退避等待实现，便于测试时消除真实延时。
// 返回非 nil 错误表示等待期间收到取消信号。
type Sleeper func(ctx context.Context, d time.Duration) error

func defaultSleeper(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Dispatcher 将签名请求发送到交易所并对结果分类。
// 暂时性故障在内部按指数退避重试，每次重试都通过 Builder 重新签名；
// Rejected 与 Fatal 永不重试。
type Dispatcher struct {
	httpClient *http.Client
	baseURL    string
	builder    *RequestBuilder
	apiKey     string
	timeout    time.Duration
	policy     RetryPolicy
	sleep      Sleeper
	logger     *zap.Logger
}

// NewDispatcher 创建派发器。httpClient 与 sleep 为 nil 时使用默认实现。
func NewDispatcher(httpClient *http.Client, baseURL string, builder *RequestBuilder, signer *Signer, timeout time.Duration, policy RetryPolicy, sleep Sleeper, logger *zap.Logger) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if sleep == nil {
		sleep = defaultSleeper
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.MinDelay <= 0 {
		policy.MinDelay = 500 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 5 * time.Second
	}
	return &Dispatcher{
		httpClient: httpClient,
		baseURL:    baseURL,
		builder:    builder,
		apiKey:     signer.APIKey(),
		timeout:    timeout,
		policy:     policy,
		sleep:      sleep,
		logger:     logger,
	}
}

// Dispatch 发送订单请求直到产生终态。
// 状态机：Pending -> Sent -> {Accepted | Rejected | TransientFailure | FatalFailure}。
// 取消仅在两次重试之间生效，已发出的请求会等待其自行解析，避免漏掉成交。
func (d *Dispatcher) Dispatch(ctx context.Context, order OrderRequest, signed SignedRequest) DispatchResult {
	result := DispatchResult{SentAt: time.Now().UTC()}

	delay := d.policy.MinDelay
	ambiguous := false

	for attempt := 1; ; attempt++ {
		result.Attempts = attempt

		outcome, mayHaveReached := d.sendOnce(signed)
		if mayHaveReached && outcome.Kind != OutcomeAccepted {
			// 请求可能已到达交易所但没有得到确认，此后任何重试都可能重复成交。
			ambiguous = true
		}

		if outcome.Kind != OutcomeTransient {
			outcome.PossibleDuplicate = ambiguous && attempt > 1
			result.Outcome = outcome
			result.ResolvedAt = time.Now().UTC()
			return result
		}

		if attempt >= d.policy.MaxAttempts {
			outcome.PossibleDuplicate = ambiguous
			result.Outcome = outcome
			result.ResolvedAt = time.Now().UTC()
			d.logger.Error("重试耗尽，订单派发失败",
				zap.String("symbol", order.Symbol),
				zap.Int("attempts", attempt),
				zap.String("cause", outcome.Cause),
			)
			return result
		}

		wait := delay
		if d.policy.Jitter {
			wait += rand.N(delay/2 + 1)
		}

		d.logger.Warn("订单派发暂时失败，等待重试",
			zap.String("symbol", order.Symbol),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.String("cause", outcome.Cause),
		)

		if err := d.sleep(ctx, wait); err != nil {
			outcome.Cause = fmt.Sprintf("%s; 重试被取消: %v", outcome.Cause, err)
			outcome.Cancelled = true
			outcome.PossibleDuplicate = ambiguous
			result.Outcome = outcome
			result.ResolvedAt = time.Now().UTC()
			return result
		}

		delay *= 2
		if delay > d.policy.MaxDelay {
			delay = d.policy.MaxDelay
		}

		// 过期的时间戳会被交易所拒绝，重试前必须重新签名。
		fresh, err := d.builder.Build(order)
		if err != nil {
			result.Outcome = DispatchOutcome{
				Kind:              OutcomeFatal,
				Cause:             fmt.Sprintf("重签名失败: %v", err),
				PossibleDuplicate: ambiguous,
			}
			result.ResolvedAt = time.Now().UTC()
			return result
		}
		signed = fresh
	}
}

// sendOnce 发送一次请求并分类结果。第二个返回值表示请求是否可能已到达交易所。
func (d *Dispatcher) sendOnce(signed SignedRequest) (DispatchOutcome, bool) {
	// 单次请求只受网络超时约束，不随上层取消中断，避免放弃一个可能已成交的请求。
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+signed.Endpoint, bytes.NewReader(signed.Payload))
	if err != nil {
		return DispatchOutcome{Kind: OutcomeFatal, Cause: fmt.Sprintf("构造 HTTP 请求失败: %v", err)}, false
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-MBX-APIKEY", d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		// 超时或连接中断，无法判断请求是否已被交易所处理。
		return DispatchOutcome{Kind: OutcomeTransient, Cause: err.Error()}, true
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return DispatchOutcome{Kind: OutcomeTransient, Cause: fmt.Sprintf("读取响应失败: %v", err)}, true
	}

	return classify(resp.StatusCode, body)
}

// orderAck 为交易所确认响应的字段子集。
type orderAck struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
}

// apiError 为交易所错误响应体 {"code": -2019, "msg": "..."}。
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// 凭证类错误码，属于客户端缺陷，不重试。
const (
	codeInvalidAPIKeyFormat = -2014
	codeRejectedAPIKey      = -2015
)

func classify(status int, body []byte) (DispatchOutcome, bool) {
	switch {
	case status >= 200 && status < 300:
		var ack orderAck
		if err := json.Unmarshal(body, &ack); err != nil || ack.OrderID == 0 {
			return DispatchOutcome{Kind: OutcomeFatal, Cause: "交易所确认响应无法解析"}, true
		}
		fill := &Fill{
			OrderID:       ack.OrderID,
			ClientOrderID: ack.ClientOrderID,
			Status:        ack.Status,
		}
		if ack.ExecutedQty != "" {
			qty, err := decimal.NewFromString(ack.ExecutedQty)
			if err != nil {
				return DispatchOutcome{Kind: OutcomeFatal, Cause: fmt.Sprintf("成交数量无法解析: %q", ack.ExecutedQty)}, true
			}
			fill.ExecutedQty = qty
		}
		if ack.AvgPrice != "" {
			price, err := decimal.NewFromString(ack.AvgPrice)
			if err != nil {
				return DispatchOutcome{Kind: OutcomeFatal, Cause: fmt.Sprintf("成交均价无法解析: %q", ack.AvgPrice)}, true
			}
			fill.AvgPrice = price
		}
		return DispatchOutcome{Kind: OutcomeAccepted, Fill: fill}, true

	case status == http.StatusTooManyRequests || status == http.StatusTeapot:
		// 418 为交易所对持续超限的封禁预警，同样按限速处理。
		return DispatchOutcome{Kind: OutcomeTransient, Cause: fmt.Sprintf("限速 (HTTP %d)", status)}, false

	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return DispatchOutcome{Kind: OutcomeFatal, Cause: fmt.Sprintf("认证失败 (HTTP %d)", status)}, false

	case status >= 500:
		return DispatchOutcome{Kind: OutcomeTransient, Cause: fmt.Sprintf("交易所服务异常 (HTTP %d)", status)}, true

	case status >= 400 && status < 500:
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Code == 0 {
			return DispatchOutcome{Kind: OutcomeFatal, Cause: fmt.Sprintf("交易所错误响应无法解析 (HTTP %d)", status)}, false
		}
		if apiErr.Code == codeInvalidAPIKeyFormat || apiErr.Code == codeRejectedAPIKey {
			return DispatchOutcome{Kind: OutcomeFatal, Cause: fmt.Sprintf("凭证被拒绝 (code=%d)", apiErr.Code)}, false
		}
		return DispatchOutcome{Kind: OutcomeRejected, ExchangeCode: apiErr.Code, Message: apiErr.Msg}, false

	default:
		return DispatchOutcome{Kind: OutcomeFatal, Cause: fmt.Sprintf("未预期的响应状态 (HTTP %d)", status)}, false
	}
}
