package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileRecorder 将审计记录按行追加到 JSONL 文件，每行一条完整记录，
// 格式跨进程重启保持稳定，便于外部工具逐行回放。
type FileRecorder struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileRecorder 打开（必要时创建）审计文件。
func NewFileRecorder(path string) (*FileRecorder, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: 创建目录 %q 失败: %w", dir, err)
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("audit: 打开审计文件失败: %w", err)
	}

	return &FileRecorder{file: f}, nil
}

// Record 追加一行记录并同步落盘，返回前保证持久化。
func (r *FileRecorder) Record(_ context.Context, rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("audit: 序列化记录失败: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.file.Write(line); err != nil {
		return fmt.Errorf("audit: 写入记录失败: %w", err)
	}
	if err := r.file.Sync(); err != nil {
		return fmt.Errorf("audit: 同步审计文件失败: %w", err)
	}

	return nil
}

// Close 关闭审计文件。
func (r *FileRecorder) Close() error {
	return r.file.Close()
}

var _ Recorder = (*FileRecorder)(nil)
