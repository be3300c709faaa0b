package relay

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // 引入 CGO-free 的 SQLite 驱动

	"github.com/Metaphorme/gravduel/pkg/nostr"
)

// EventStore 落盘非短时事件，供迟到的订阅回放
// 短时种类（回合动作、就绪信号）只做实时转发，永远不落盘
type EventStore struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenEventStore 打开或创建事件数据库并初始化表结构
func OpenEventStore(path string) (*EventStore, error) {
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

	schema := `
CREATE TABLE IF NOT EXISTS events(
  id TEXT PRIMARY KEY,
  pubkey TEXT NOT NULL,
  created_at INTEGER NOT NULL,
  kind INTEGER NOT NULL,
  tags TEXT NOT NULL,
  content TEXT NOT NULL,
  sig TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind, created_at);
CREATE TABLE IF NOT EXISTS event_tags(
  event_id TEXT NOT NULL,
  name TEXT NOT NULL,
  value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_tags ON event_tags(name, value, event_id);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &EventStore{db: db}, nil
}

// Close 关闭数据库连接
func (s *EventStore) Close() error { return s.db.Close() }

// Insert 写入一个事件；重复 ID 幂等（中继间转发天然会带来重复）
func (s *EventStore) Insert(ev nostr.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`INSERT OR IGNORE INTO events(id, pubkey, created_at, kind, tags, content, sig)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.PubKey, ev.CreatedAt, ev.Kind, string(tags), ev.Content, ev.Sig)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // 重复事件
	}
	for _, t := range ev.Tags {
		if len(t) >= 2 && len(t[0]) == 1 {
			if _, err := s.db.Exec(`INSERT INTO event_tags(event_id, name, value) VALUES(?, ?, ?)`,
				ev.ID, t[0], t[1]); err != nil {
				return err
			}
		}
	}
	return nil
}

// Query 按过滤器回放已落盘的事件，按时间升序返回
func (s *EventStore) Query(f nostr.Filter) ([]nostr.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		conds []string
		args  []any
	)
	if len(f.Kinds) > 0 {
		conds = append(conds, `kind IN (`+placeholders(len(f.Kinds))+`)`)
		for _, k := range f.Kinds {
			args = append(args, k)
		}
	}
	if len(f.Authors) > 0 {
		conds = append(conds, `pubkey IN (`+placeholders(len(f.Authors))+`)`)
		for _, a := range f.Authors {
			args = append(args, a)
		}
	}
	if f.Since > 0 {
		conds = append(conds, `created_at >= ?`)
		args = append(args, f.Since)
	}
	for _, tq := range []struct {
		name   string
		values []string
	}{{"e", f.TagE}, {"p", f.TagP}} {
		if len(tq.values) == 0 {
			continue
		}
		conds = append(conds, `id IN (SELECT event_id FROM event_tags WHERE name=? AND value IN (`+
			placeholders(len(tq.values))+`))`)
		args = append(args, tq.name)
		for _, v := range tq.values {
			args = append(args, v)
		}
	}

	q := `SELECT id, pubkey, created_at, kind, tags, content, sig FROM events`
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	q += ` ORDER BY created_at ASC`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []nostr.Event
	for rows.Next() {
		var (
			ev   nostr.Event
			tags string
		)
		if err := rows.Scan(&ev.ID, &ev.PubKey, &ev.CreatedAt, &ev.Kind, &tags, &ev.Content, &ev.Sig); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &ev.Tags); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CleanupOlder 删除早于 cutoff 的事件及其标签索引，返回删除的事件数
func (s *EventStore) CleanupOlder(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM event_tags WHERE event_id IN (SELECT id FROM events WHERE created_at < ?)`,
		cutoff.UTC().Unix()); err != nil {
		return 0, err
	}
	res, err := s.db.Exec(`DELETE FROM events WHERE created_at < ?`, cutoff.UTC().Unix())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
