package app

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"futures-bot/internal/audit"
	"futures-bot/internal/config"
	"futures-bot/internal/exchange"
	"futures-bot/internal/pipeline"
	"futures-bot/internal/rules"
	"futures-bot/internal/store"
)

// 批量提交时的并发上限，避免一次性打爆交易所限速。
const maxConcurrentSubmits = 4

// App 聚合核心依赖并驱动一次订单提交会话。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。store 在审计后端为 file 时可以为 nil。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// Run 拉取规则快照、组装流水线并提交全部订单。
// 多笔订单并发运行各自独立的流水线实例，返回其中最严重的错误。
func (a *App) Run(ctx context.Context, orders []exchange.OrderRequest) error {
	if len(orders) == 0 {
		return fmt.Errorf("app: 没有待提交的订单")
	}

	httpClient := &http.Client{Timeout: a.cfg.Exchange.Timeout}

	provider := rules.NewProvider(httpClient, a.cfg.Exchange.BaseURL, a.logger)
	snapshot, err := provider.FetchSnapshot(ctx)
	if err != nil {
		return err
	}
	book := rules.NewRuleBook(snapshot)

	signer := exchange.NewSigner(a.cfg.Exchange.APIKey, a.cfg.Exchange.APISecret)
	defer signer.Wipe()

	builder := exchange.NewRequestBuilder(signer, a.cfg.Exchange.RecvWindow, nil)
	dispatcher := exchange.NewDispatcher(
		httpClient,
		a.cfg.Exchange.BaseURL,
		builder,
		signer,
		a.cfg.Exchange.Timeout,
		exchange.RetryPolicy{
			MaxAttempts: a.cfg.Exchange.Retry.MaxAttempts,
			MinDelay:    a.cfg.Exchange.Retry.MinDelay,
			MaxDelay:    a.cfg.Exchange.Retry.MaxDelay,
			Jitter:      a.cfg.Exchange.Retry.Jitter,
		},
		nil,
		a.logger,
	)

	recorder, err := a.newRecorder()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := recorder.Close(); closeErr != nil {
			a.logger.Warn("关闭审计记录器失败", zap.Error(closeErr))
		}
	}()

	pl := pipeline.New(rules.NewValidator(book), builder, dispatcher, recorder, a.logger)

	errs := make([]error, len(orders))
	g := new(errgroup.Group)
	g.SetLimit(maxConcurrentSubmits)

	for i, order := range orders {
		g.Go(func() error {
			_, submitErr := pl.Submit(ctx, order)
			errs[i] = submitErr
			return nil
		})
	}
	_ = g.Wait()

	return worstError(errs)
}

func (a *App) newRecorder() (audit.Recorder, error) {
	switch a.cfg.Audit.Backend {
	case config.AuditBackendFile:
		return audit.NewFileRecorder(a.cfg.Audit.FilePath)
	default:
		return audit.NewSQLiteRecorder(a.store, a.logger)
	}
}

// worstError 返回退出码最大的错误，保证批量提交的退出状态反映最严重的结果。
func worstError(errs []error) error {
	var worst error
	worstCode := 0
	for _, err := range errs {
		if err == nil {
			continue
		}
		if code := pipeline.ExitCode(err); code > worstCode {
			worst = err
			worstCode = code
		}
	}
	return worst
}
