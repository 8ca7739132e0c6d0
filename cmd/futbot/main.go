package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"futures-bot/internal/app"
	"futures-bot/internal/config"
	"futures-bot/internal/exchange"
	"futures-bot/internal/log"
	"futures-bot/internal/pipeline"
	"futures-bot/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath string
		symbol     string
		side       string
		quantity   string
		orderType  string
		ordersPath string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&symbol, "symbol", "", "合约符号，例如 BTCUSDT")
	flag.StringVar(&side, "side", "", "下单方向 BUY 或 SELL")
	flag.StringVar(&quantity, "quantity", "", "下单数量")
	flag.StringVar(&orderType, "type", "MARKET", "订单类型，目前仅支持 MARKET")
	flag.StringVar(&ordersPath, "orders", "", "批量订单文件（JSONL，每行一笔订单），与单笔参数互斥")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		return 1
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	orders, err := collectOrders(symbol, side, quantity, orderType, ordersPath)
	if err != nil {
		logger.Error("解析订单参数失败", zap.Error(err))
		return 2
	}

	var sqliteStore *store.Store
	if cfg.Audit.Backend == config.AuditBackendSQLite {
		sqliteStore, err = store.NewSQLite(cfg.Database)
		if err != nil {
			logger.Error("初始化数据库失败", zap.Error(err))
			return 1
		}
		defer func() {
			if closeErr := sqliteStore.Close(); closeErr != nil {
				logger.Warn("关闭数据库失败", zap.Error(closeErr))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bot := app.New(cfg, logger, sqliteStore)
	if err := bot.Run(ctx, orders); err != nil {
		logger.Error("订单提交未成功", zap.Error(err))
		return pipeline.ExitCode(err)
	}

	logger.Info("全部订单提交完成")
	return 0
}

// orderLine 为批量订单文件的单行格式。
type orderLine struct {
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Type     string `json:"type"`
	Quantity string `json:"quantity"`
}

func collectOrders(symbol, side, quantity, orderType, ordersPath string) ([]exchange.OrderRequest, error) {
	if ordersPath != "" {
		if symbol != "" || side != "" || quantity != "" {
			return nil, fmt.Errorf("-orders 与单笔订单参数不能同时使用")
		}
		return readOrderFile(ordersPath)
	}

	order, err := makeOrder(orderLine{Symbol: symbol, Side: side, Type: orderType, Quantity: quantity})
	if err != nil {
		return nil, err
	}
	return []exchange.OrderRequest{order}, nil
}

func readOrderFile(path string) ([]exchange.OrderRequest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开订单文件失败: %w", err)
	}
	defer f.Close()

	var orders []exchange.OrderRequest
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var line orderLine
		if err := json.Unmarshal([]byte(text), &line); err != nil {
			return nil, fmt.Errorf("订单文件第 %d 行无法解析: %w", lineNo, err)
		}
		order, err := makeOrder(line)
		if err != nil {
			return nil, fmt.Errorf("订单文件第 %d 行: %w", lineNo, err)
		}
		orders = append(orders, order)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取订单文件失败: %w", err)
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("订单文件 %q 中没有订单", path)
	}

	return orders, nil
}

func makeOrder(line orderLine) (exchange.OrderRequest, error) {
	if line.Symbol == "" {
		return exchange.OrderRequest{}, fmt.Errorf("缺少 symbol")
	}
	if line.Quantity == "" {
		return exchange.OrderRequest{}, fmt.Errorf("缺少 quantity")
	}

	qty, err := decimal.NewFromString(line.Quantity)
	if err != nil {
		return exchange.OrderRequest{}, fmt.Errorf("quantity %q 无法解析: %w", line.Quantity, err)
	}

	orderType := strings.ToUpper(strings.TrimSpace(line.Type))
	if orderType == "" {
		orderType = string(exchange.OrderTypeMarket)
	}

	return exchange.OrderRequest{
		Symbol:   strings.ToUpper(strings.TrimSpace(line.Symbol)),
		Side:     exchange.OrderSide(strings.ToUpper(strings.TrimSpace(line.Side))),
		Type:     exchange.OrderType(orderType),
		Quantity: qty,
	}, nil
}
