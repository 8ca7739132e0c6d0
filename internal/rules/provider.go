package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const exchangeInfoEndpoint = "/fapi/v1/exchangeInfo"

// Provider 从交易所拉取合约交易规则。
type Provider struct {
	httpClient *http.Client
	baseURL    string
	logger     *zap.Logger
}

// NewProvider 创建规则拉取器。
func NewProvider(httpClient *http.Client, baseURL string, logger *zap.Logger) *Provider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		httpClient: httpClient,
		baseURL:    baseURL,
		logger:     logger,
	}
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			MinQty      string `json:"minQty"`
			StepSize    string `json:"stepSize"`
			TickSize    string `json:"tickSize"`
			MinNotional string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// FetchSnapshot 拉取全量合约规则，带上限的指数退避重试。
func (p *Provider) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	var snapshot Snapshot

	operation := func() error {
		result, err := p.fetchOnce(ctx)
		if err != nil {
			p.logger.Warn("拉取合约规则失败，等待重试", zap.Error(err))
			return err
		}
		snapshot = result
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("rules: 拉取合约规则失败: %w", err)
	}

	p.logger.Info("合约规则快照已加载", zap.Int("symbols", len(snapshot)))
	return snapshot, nil
}

func (p *Provider) fetchOnce(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+exchangeInfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("构造请求失败: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("交易所返回 HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("解析交易所元数据失败: %w", err)
	}

	snapshot := make(Snapshot, len(info.Symbols))
	for _, sym := range info.Symbols {
		rule := InstrumentRule{Symbol: sym.Symbol}
		for _, f := range sym.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				if rule.MinQuantity, err = decimal.NewFromString(f.MinQty); err != nil {
					return nil, fmt.Errorf("合约 %s 的 minQty 无法解析: %w", sym.Symbol, err)
				}
				if rule.QuantityStep, err = decimal.NewFromString(f.StepSize); err != nil {
					return nil, fmt.Errorf("合约 %s 的 stepSize 无法解析: %w", sym.Symbol, err)
				}
			case "PRICE_FILTER":
				if rule.PriceTick, err = decimal.NewFromString(f.TickSize); err != nil {
					return nil, fmt.Errorf("合约 %s 的 tickSize 无法解析: %w", sym.Symbol, err)
				}
			case "MIN_NOTIONAL":
				if f.MinNotional != "" {
					if rule.MinNotional, err = decimal.NewFromString(f.MinNotional); err != nil {
						return nil, fmt.Errorf("合约 %s 的 minNotional 无法解析: %w", sym.Symbol, err)
					}
				}
			}
		}
		snapshot[rule.Symbol] = rule
	}

	return snapshot, nil
}
