package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-bot/internal/config"
	"futures-bot/internal/exchange"
	"futures-bot/internal/store"
)

func makeRecord(symbol string, kind exchange.OutcomeKind, attempts int) Record {
	now := time.Now().UTC()
	return Record{
		Request: exchange.OrderRequest{
			Symbol:   symbol,
			Side:     exchange.OrderSideBuy,
			Type:     exchange.OrderTypeMarket,
			Quantity: decimal.RequireFromString("0.001"),
		},
		Outcome:    exchange.DispatchOutcome{Kind: kind},
		Attempts:   attempts,
		SentAt:     now.Add(-time.Second),
		ResolvedAt: now,
	}
}

func newMemoryStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteRecorder_RecordAndList(t *testing.T) {
	recorder, err := NewSQLiteRecorder(newMemoryStore(t), nil)
	if err != nil {
		t.Fatalf("NewSQLiteRecorder returned error: %v", err)
	}

	ctx := context.Background()
	if err := recorder.Record(ctx, makeRecord("BTCUSDT", exchange.OutcomeAccepted, 1)); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if err := recorder.Record(ctx, makeRecord("ETHUSDT", exchange.OutcomeRejected, 1)); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	records, err := recorder.List(ctx, 10)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	// List 按写入倒序返回。
	if records[0].Request.Symbol != "ETHUSDT" || records[1].Request.Symbol != "BTCUSDT" {
		t.Errorf("unexpected order: %s, %s", records[0].Request.Symbol, records[1].Request.Symbol)
	}
	if records[1].Outcome.Kind != exchange.OutcomeAccepted {
		t.Errorf("unexpected outcome %s", records[1].Outcome.Kind)
	}
	if !records[1].Request.Quantity.Equal(decimal.RequireFromString("0.001")) {
		t.Errorf("quantity did not round-trip: %s", records[1].Request.Quantity)
	}
}

func TestSQLiteRecorder_ConcurrentWritesComplete(t *testing.T) {
	recorder, err := NewSQLiteRecorder(newMemoryStore(t), nil)
	if err != nil {
		t.Fatalf("NewSQLiteRecorder returned error: %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errCh := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := makeRecord(fmt.Sprintf("SYM%dUSDT", i), exchange.OutcomeAccepted, 1)
			errCh <- recorder.Record(context.Background(), rec)
		}(i)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent Record returned error: %v", err)
		}
	}

	records, err := recorder.List(context.Background(), n*2)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(records) != n {
		t.Errorf("expected %d records, got %d", n, len(records))
	}
}

func TestFileRecorder_AppendsOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	recorder, err := NewFileRecorder(path)
	if err != nil {
		t.Fatalf("NewFileRecorder returned error: %v", err)
	}
	defer recorder.Close()

	ctx := context.Background()
	if err := recorder.Record(ctx, makeRecord("BTCUSDT", exchange.OutcomeAccepted, 1)); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}
	if err := recorder.Record(ctx, makeRecord("BTCUSDT", exchange.OutcomeTransient, 5)); err != nil {
		t.Fatalf("Record returned error: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var rec Record
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if rec.Outcome.Kind != exchange.OutcomeTransient || rec.Attempts != 5 {
		t.Errorf("record did not round-trip: %+v", rec)
	}
}

func TestFileRecorder_ConcurrentWritesAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	recorder, err := NewFileRecorder(path)
	if err != nil {
		t.Fatalf("NewFileRecorder returned error: %v", err)
	}
	defer recorder.Close()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := makeRecord(fmt.Sprintf("SYM%dUSDT", i), exchange.OutcomeAccepted, 1)
			if err := recorder.Record(context.Background(), rec); err != nil {
				t.Errorf("Record returned error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	lines := readLines(t, path)
	if len(lines) != n {
		t.Fatalf("expected %d lines, got %d", n, len(lines))
	}
	// 每一行都必须是一条完整记录，并发写入不得交错。
	for i, line := range lines {
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("line %d is not a complete record: %v", i+1, err)
		}
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan audit file: %v", err)
	}
	return lines
}
