package convo

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	xerrors "CarbonScope/internal/errors"
)

// MemoryStore 以内存方式保存事件流，可选地追加写入本地文件，
// 进程重启后从文件恢复最近的事件。
type MemoryStore struct {
	mu        sync.RWMutex
	maxEvents int
	events    []Event
	dataFile  string
	evicted   int
}

// NewMemoryStore 创建纯内存事件存储，主要用于测试。
func NewMemoryStore(maxEvents int) *MemoryStore {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &MemoryStore{maxEvents: maxEvents}
}

// NewFileBackedStore 创建带文件持久化的内存事件存储。
func NewFileBackedStore(dataDir string, maxEvents int) (*MemoryStore, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	store := &MemoryStore{
		maxEvents: maxEvents,
		dataFile:  filepath.Join(dataDir, "events.log"),
	}
	if err := store.loadFromDisk(); err != nil {
		return nil, err
	}
	return store, nil
}

// Append 实现 Store 接口。
func (m *MemoryStore) Append(_ context.Context, event Event) error {
	if event.TaskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "事件的任务 ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = append(m.events, event)
	if excess := len(m.events) - m.maxEvents; excess > 0 {
		m.events = m.events[excess:]
		m.evicted += excess
	}

	if m.dataFile == "" {
		return nil
	}

	// 内存淘汰积累到阈值后重写日志文件，避免磁盘上无限增长。
	if m.evicted >= m.compactThreshold() {
		if err := m.compactLocked(); err != nil {
			return err
		}
		m.evicted = 0
		return nil
	}

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开事件日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入事件日志失败: %w", err)
	}
	return nil
}

// Events 实现 Store 接口。
func (m *MemoryStore) Events(_ context.Context, taskID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []Event
	for _, event := range m.events {
		if event.TaskID == taskID {
			results = append(results, event)
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	return results, nil
}

// Drop 实现 Store 接口。
func (m *MemoryStore) Drop(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.events[:0]
	for _, event := range m.events {
		if event.TaskID != taskID {
			kept = append(kept, event)
		}
	}
	m.events = kept
	return nil
}

// ClearAll 实现 Store 接口。
func (m *MemoryStore) ClearAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.events = nil
	if m.dataFile != "" {
		if err := os.Truncate(m.dataFile, 0); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("清空事件日志失败: %w", err)
		}
	}
	return nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

// Len 返回当前保存的事件总数。
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

func (m *MemoryStore) compactThreshold() int {
	threshold := m.maxEvents / 10
	if threshold < 1 {
		threshold = 1
	}
	return threshold
}

// compactLocked 把当前内存中的事件重写为新的日志文件。
// 调用方必须持有写锁。
func (m *MemoryStore) compactLocked() error {
	tmpFile := m.dataFile + ".tmp"
	file, err := os.OpenFile(tmpFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("重写事件日志失败: %w", err)
	}
	writer := bufio.NewWriter(file)
	for _, event := range m.events {
		encoded, err := json.Marshal(event)
		if err != nil {
			file.Close()
			return fmt.Errorf("序列化事件失败: %w", err)
		}
		if _, err := writer.Write(append(encoded, '\n')); err != nil {
			file.Close()
			return fmt.Errorf("写入事件日志失败: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		file.Close()
		return fmt.Errorf("写入事件日志失败: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("写入事件日志失败: %w", err)
	}
	if err := os.Rename(tmpFile, m.dataFile); err != nil {
		return fmt.Errorf("替换事件日志失败: %w", err)
	}
	return nil
}

func (m *MemoryStore) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取事件日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var restored []Event
	for scanner.Scan() {
		var event Event
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		restored = append(restored, event)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析事件日志失败: %w", err)
	}

	if len(restored) > m.maxEvents {
		restored = restored[len(restored)-m.maxEvents:]
	}
	m.events = restored
	return nil
}

var _ Store = (*MemoryStore)(nil)
