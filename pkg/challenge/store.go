package challenge

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // 引入 CGO-free 的 SQLite 驱动
)

// StoredChallenge 对应持久化的唯一一条在途挑战记录
// 只有出站挑战需要持久化：进程重启后可以恢复它和剩余 TTL
type StoredChallenge struct {
	Recipient  string // 受战方身份
	EventID    string // 挑战事件 ID，应战通过 "e" 标签与它关联，也就是未来的比赛 ID
	SentAt     int64  // 发出时间的 Unix 时间戳 (UTC)
	TTLSeconds int64  // 有效期，单位秒
}

// Expired 判断挑战在给定时间点是否已过期
func (c *StoredChallenge) Expired(at time.Time) bool {
	expires := time.Unix(c.SentAt, 0).UTC().Add(time.Duration(c.TTLSeconds) * time.Second)
	return at.UTC().After(expires)
}

// Remaining 返回给定时间点的剩余有效时长，已过期返回 0
func (c *StoredChallenge) Remaining(at time.Time) time.Duration {
	expires := time.Unix(c.SentAt, 0).UTC().Add(time.Duration(c.TTLSeconds) * time.Second)
	d := expires.Sub(at.UTC())
	if d < 0 {
		return 0
	}
	return d
}

// Store 是出站挑战的持久化能力
// 语义上是一个至多一条记录的槽：Save 覆盖，Load 返回 nil 表示槽为空
type Store interface {
	Save(c StoredChallenge) error
	Load() (*StoredChallenge, error)
	Clear() error
	Close() error
}

// SQLiteStore 把挑战槽存进一个单行的 SQLite 表
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenStore 打开或创建存储文件并初始化表结构
func OpenStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// WAL 模式提高并发写入性能；忙碌时等待而不是立即报错
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	// slot 固定为 1：表里永远至多一行
	schema := `
CREATE TABLE IF NOT EXISTS outbound_challenge(
  slot INTEGER PRIMARY KEY CHECK (slot = 1),
  recipient TEXT NOT NULL,
  event_id TEXT NOT NULL,
  sent_at INTEGER NOT NULL,
  ttl_seconds INTEGER NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Save 写入（或覆盖）挑战槽
func (s *SQLiteStore) Save(c StoredChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`INSERT INTO outbound_challenge(slot, recipient, event_id, sent_at, ttl_seconds)
VALUES(1, ?, ?, ?, ?)
ON CONFLICT(slot) DO UPDATE SET recipient=excluded.recipient, event_id=excluded.event_id,
  sent_at=excluded.sent_at, ttl_seconds=excluded.ttl_seconds`,
		c.Recipient, c.EventID, c.SentAt, c.TTLSeconds)
	return err
}

// Load 读取挑战槽，槽为空时返回 (nil, nil)
func (s *SQLiteStore) Load() (*StoredChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow(`SELECT recipient, event_id, sent_at, ttl_seconds FROM outbound_challenge WHERE slot=1`)
	var c StoredChallenge
	if err := row.Scan(&c.Recipient, &c.EventID, &c.SentAt, &c.TTLSeconds); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// Clear 清空挑战槽
func (s *SQLiteStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM outbound_challenge WHERE slot=1`)
	return err
}

// Close 关闭数据库连接
func (s *SQLiteStore) Close() error { return s.db.Close() }

// MemoryStore 是内存实现，测试与无持久化场景使用
type MemoryStore struct {
	mu sync.Mutex
	c  *StoredChallenge
}

// NewMemoryStore 创建内存挑战槽
func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

// Save 覆盖槽内容
func (s *MemoryStore) Save(c StoredChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := c
	s.c = &cc
	return nil
}

// Load 读取槽内容
func (s *MemoryStore) Load() (*StoredChallenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil, nil
	}
	cc := *s.c
	return &cc, nil
}

// Clear 清空槽
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c = nil
	return nil
}

// Close 无操作
func (s *MemoryStore) Close() error { return nil }
