package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"futures-bot/internal/store"
)

// SQLiteRecorder 将审计记录写入 SQLite 表。
// 互斥锁保证并发提交时记录按终态解析顺序完整追加。
type SQLiteRecorder struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.Mutex
}

// NewSQLiteRecorder 初始化审计表结构并返回记录器。
func NewSQLiteRecorder(st *store.Store, logger *zap.Logger) (*SQLiteRecorder, error) {
	if st == nil {
		return nil, fmt.Errorf("audit: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &SQLiteRecorder{
		db:     st.DB(),
		logger: logger,
	}

	if err := r.initSchema(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *SQLiteRecorder) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS audit_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	order_type TEXT NOT NULL,
	quantity TEXT NOT NULL,
	outcome TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	possible_duplicate INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	sent_at TEXT NOT NULL,
	resolved_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_records_symbol ON audit_records(symbol);
CREATE INDEX IF NOT EXISTS idx_audit_records_outcome ON audit_records(outcome);
`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("audit: 初始化表失败: %w", err)
	}
	return nil
}

// Record 追加单条审计记录，事务提交成功后才返回。
func (r *SQLiteRecorder) Record(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: 序列化记录失败: %w", err)
	}

	possibleDuplicate := 0
	if rec.Outcome.PossibleDuplicate {
		possibleDuplicate = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_records (symbol, side, order_type, quantity, outcome, attempts, possible_duplicate, payload, sent_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Request.Symbol,
		string(rec.Request.Side),
		string(rec.Request.Type),
		rec.Request.Quantity.String(),
		string(rec.Outcome.Kind),
		rec.Attempts,
		possibleDuplicate,
		string(payload),
		rec.SentAt.UTC().Format(time.RFC3339Nano),
		rec.ResolvedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("audit: 写入记录失败: %w", err)
	}

	return nil
}

// List 按写入顺序返回最近的记录，供外部工具回放核对。
func (r *SQLiteRecorder) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT payload FROM audit_records ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: 查询记录失败: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, limit)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			return nil, fmt.Errorf("audit: 解析记录失败: %w", scanErr)
		}

		var rec Record
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			return nil, fmt.Errorf("audit: 反序列化记录失败: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: 读取记录失败: %w", err)
	}

	return records, nil
}

// Close 由上层统一关闭 store，这里无事可做。
func (r *SQLiteRecorder) Close() error {
	return nil
}

var _ Recorder = (*SQLiteRecorder)(nil)
