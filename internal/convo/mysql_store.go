package convo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLConfig 描述 MySQL 事件存储的连接参数。
type MySQLConfig struct {
	DSN             string
	MaxEvents       int
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// MySQLStore 使用 MySQL 持久化事件流。
type MySQLStore struct {
	db        *sql.DB
	maxEvents int
}

// NewMySQLStore 创建连接池并初始化数据表。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	store := &MySQLStore{db: db, maxEvents: maxEvents}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS conversation_events (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        event_id VARCHAR(64) NOT NULL,
        task_id VARCHAR(64) NOT NULL,
        event_type VARCHAR(32) NOT NULL,
        payload MEDIUMTEXT NOT NULL,
        created_at_ns BIGINT NOT NULL,
        INDEX idx_task_id (task_id)
)`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("初始化 conversation_events 表失败: %w", err)
	}
	return nil
}

// Append 实现 Store 接口。
func (s *MySQLStore) Append(ctx context.Context, event Event) error {
	const stmt = `INSERT INTO conversation_events
        (event_id, task_id, event_type, payload, created_at_ns)
        VALUES (?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		event.ID,
		event.TaskID,
		string(event.Type),
		event.Data,
		event.Timestamp.UnixNano(),
	); err != nil {
		return fmt.Errorf("写入事件失败: %w", err)
	}
	return s.trim(ctx)
}

// trim 按插入顺序淘汰超出容量的最旧事件。
func (s *MySQLStore) trim(ctx context.Context) error {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_events`).Scan(&total); err != nil {
		return fmt.Errorf("统计事件数量失败: %w", err)
	}
	excess := total - s.maxEvents
	if excess <= 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_events ORDER BY id ASC LIMIT ?`, excess); err != nil {
		return fmt.Errorf("淘汰旧事件失败: %w", err)
	}
	return nil
}

// Events 实现 Store 接口。
func (s *MySQLStore) Events(ctx context.Context, taskID string) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, task_id, event_type, payload, created_at_ns
        FROM conversation_events WHERE task_id = ? ORDER BY created_at_ns ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var event Event
		var eventType string
		var createdAt int64
		if err := rows.Scan(&event.ID, &event.TaskID, &eventType, &event.Data, &createdAt); err != nil {
			return nil, fmt.Errorf("解析事件失败: %w", err)
		}
		event.Type = EventType(eventType)
		event.Timestamp = time.Unix(0, createdAt)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历事件失败: %w", err)
	}
	return events, nil
}

// Drop 实现 Store 接口。
func (s *MySQLStore) Drop(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_events WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("删除任务事件失败: %w", err)
	}
	return nil
}

// ClearAll 实现 Store 接口。
func (s *MySQLStore) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM conversation_events`); err != nil {
		return fmt.Errorf("清空事件表失败: %w", err)
	}
	return nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
