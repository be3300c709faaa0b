package relay

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Metaphorme/gravduel/pkg/nostr"
)

// ----------------- 测试工具 -----------------

func newTestStore(t *testing.T) *EventStore {
	t.Helper()
	s, err := OpenEventStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func signedEvent(t *testing.T, priv *secp256k1.PrivateKey, kind int, createdAt int64, tags [][]string, content string) nostr.Event {
	t.Helper()
	ev := nostr.Event{
		CreatedAt: createdAt,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := ev.Sign(priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ev
}

func testKey(t *testing.T) *secp256k1.PrivateKey {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return priv
}

// ----------------- 落盘与回放 -----------------

func TestStoreInsertAndQuery(t *testing.T) {
	s := newTestStore(t)
	priv := testKey(t)

	base := time.Now().Unix()
	ev1 := signedEvent(t, priv, 4, base, [][]string{{"p", "peer-a"}}, "one")
	ev2 := signedEvent(t, priv, 4, base+1, [][]string{{"p", "peer-b"}, {"e", "m1"}}, "two")
	ev3 := signedEvent(t, priv, 1, base+2, nil, "three")
	for _, ev := range []nostr.Event{ev1, ev2, ev3} {
		if err := s.Insert(ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	// 按种类过滤，时间升序
	got, err := s.Query(nostr.Filter{Kinds: []int{4}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].ID != ev1.ID || got[1].ID != ev2.ID {
		t.Fatalf("kind query returned %d events", len(got))
	}

	// 按标签过滤
	got, err = s.Query(nostr.Filter{TagE: []string{"m1"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != ev2.ID {
		t.Fatalf("tag query returned %d events", len(got))
	}
	if got[0].Content != "two" || got[0].Tag("p") != "peer-b" {
		t.Fatalf("event did not round trip through storage")
	}

	// 按作者 + 起始时间过滤
	got, err = s.Query(nostr.Filter{Authors: []string{ev1.PubKey}, Since: base + 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("since query returned %d events", len(got))
	}
}

func TestStoreDuplicateInsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ev := signedEvent(t, testKey(t), 4, time.Now().Unix(), [][]string{{"e", "m1"}}, "dup")

	if err := s.Insert(ev); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(ev); err != nil {
		t.Fatalf("reinsert: %v", err)
	}
	got, err := s.Query(nostr.Filter{TagE: []string{"m1"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("duplicate insert must be idempotent, got %d rows", len(got))
	}
}

func TestStoreQueryLimit(t *testing.T) {
	s := newTestStore(t)
	priv := testKey(t)
	base := time.Now().Unix()
	for i := 0; i < 5; i++ {
		if err := s.Insert(signedEvent(t, priv, 4, base+int64(i), nil, "x")); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	got, err := s.Query(nostr.Filter{Kinds: []int{4}, Limit: 3})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("limit ignored: got %d", len(got))
	}
}

func TestStoreCleanup(t *testing.T) {
	s := newTestStore(t)
	priv := testKey(t)
	now := time.Now()

	old := signedEvent(t, priv, 4, now.Add(-48*time.Hour).Unix(), [][]string{{"e", "old"}}, "old")
	fresh := signedEvent(t, priv, 4, now.Unix(), [][]string{{"e", "new"}}, "new")
	for _, ev := range []nostr.Event{old, fresh} {
		if err := s.Insert(ev); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	n, err := s.CleanupOlder(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("cleanup removed %d events, want 1", n)
	}
	// 过期事件连同标签索引一并消失
	if got, _ := s.Query(nostr.Filter{TagE: []string{"old"}}); len(got) != 0 {
		t.Fatalf("expired event still queryable by tag")
	}
	if got, _ := s.Query(nostr.Filter{}); len(got) != 1 || got[0].ID != fresh.ID {
		t.Fatalf("fresh event must survive cleanup")
	}
}

// ----------------- IP 限制器 -----------------

func TestIPLimiterConnWindow(t *testing.T) {
	l := NewIPLimiter(time.Minute, 3, time.Minute, 100)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow("1.2.3.4", now); !ok {
			t.Fatalf("connection %d should be allowed", i)
		}
	}
	ok, wait := l.Allow("1.2.3.4", now)
	if ok || wait <= 0 {
		t.Fatalf("fourth connection in window must be refused with a wait hint")
	}
	// 其他 IP 不受影响
	if ok, _ := l.Allow("5.6.7.8", now); !ok {
		t.Fatalf("limiter must be per-ip")
	}
	// 窗口滑过后解封
	if ok, _ := l.Allow("1.2.3.4", now.Add(2*time.Minute)); !ok {
		t.Fatalf("connection after window must be allowed")
	}
}

func TestIPLimiterBadEvents(t *testing.T) {
	l := NewIPLimiter(time.Minute, 100, time.Minute, 2)
	now := time.Now()

	for i := 0; i < 3; i++ {
		l.RecordBad("1.2.3.4", now)
	}
	if ok, _ := l.Allow("1.2.3.4", now); ok {
		t.Fatalf("ip exceeding bad-event window must be refused")
	}
	if ok, _ := l.Allow("1.2.3.4", now.Add(2*time.Minute)); !ok {
		t.Fatalf("bad-event window must slide")
	}
}
