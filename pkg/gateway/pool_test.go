package gateway

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Metaphorme/gravduel/pkg/crypto"
	"github.com/Metaphorme/gravduel/pkg/nostr"
	"github.com/Metaphorme/gravduel/pkg/relay"
)

// ----------------- 测试工具 -----------------

func startRelay(t *testing.T) string {
	t.Helper()
	store, err := relay.OpenEventStore(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	lim := relay.NewIPLimiter(time.Minute, 1000, time.Minute, 1000)
	srv := httptest.NewServer(relay.New(store, lim, relay.DefaultConfig()))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialPool(t *testing.T, relays ...string) *Pool {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := DialPool(ctx, NewKeyring(priv, crypto.SchemeSealed), PoolConfig{Relays: relays})
	if err != nil {
		t.Fatalf("dial pool: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

// collector 收集异步到达的事件
type collector struct {
	mu  sync.Mutex
	evs []nostr.Event
}

func (c *collector) add(ev nostr.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.evs)
}

// waitCount 轮询等待收到至少 n 个事件；稳定一段时间后返回实际数量
func waitCount(t *testing.T, c *collector, n int) int {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			// 再等一拍，暴露可能的多余投递
			time.Sleep(100 * time.Millisecond)
			return c.count()
		}
		time.Sleep(10 * time.Millisecond)
	}
	return c.count()
}

// ----------------- 经由真实中继的端到端 -----------------

func TestPoolPublishSubscribe(t *testing.T) {
	url := startRelay(t)
	a := dialPool(t, url)
	b := dialPool(t, url)

	var got collector
	sub, err := b.Subscribe(nostr.Filter{
		Kinds: []int{nostr.KindGameEvent},
		TagE:  []string{"m1"},
	}, got.add)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	id, err := a.Publish(context.Background(), nostr.KindGameEvent, "payload", [][]string{{"e", "m1"}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n := waitCount(t, &got, 1); n != 1 {
		t.Fatalf("expected 1 event, got %d", n)
	}
	got.mu.Lock()
	defer got.mu.Unlock()
	if got.evs[0].ID != id || got.evs[0].PubKey != a.PubKey() {
		t.Fatalf("delivered event mismatch")
	}
}

func TestPoolReplayFromStore(t *testing.T) {
	url := startRelay(t)
	a := dialPool(t, url)

	// 持久种类：先发布，后订阅，中继回放落盘事件
	id, err := a.Publish(context.Background(), nostr.KindEncryptedDM, "stored", [][]string{{"p", "someone"}})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	b := dialPool(t, url)
	var got collector
	sub, err := b.Subscribe(nostr.Filter{Kinds: []int{nostr.KindEncryptedDM}}, got.add)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	if n := waitCount(t, &got, 1); n != 1 {
		t.Fatalf("expected replayed event, got %d", n)
	}
	got.mu.Lock()
	defer got.mu.Unlock()
	if got.evs[0].ID != id {
		t.Fatalf("replayed wrong event")
	}
}

func TestPoolDedupAcrossRelays(t *testing.T) {
	// 同一事件从两个中继各到达一次，订阅回调只触发一次
	url1, url2 := startRelay(t), startRelay(t)
	a := dialPool(t, url1, url2)
	b := dialPool(t, url1, url2)

	var got collector
	sub, err := b.Subscribe(nostr.Filter{Kinds: []int{nostr.KindGameEvent}}, got.add)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Stop()

	if _, err := a.Publish(context.Background(), nostr.KindGameEvent, "fan-in", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n := waitCount(t, &got, 1); n != 1 {
		t.Fatalf("cross-relay duplicate leaked through: got %d deliveries", n)
	}
}

func TestPoolStopSubscription(t *testing.T) {
	url := startRelay(t)
	a := dialPool(t, url)
	b := dialPool(t, url)

	var got collector
	sub, err := b.Subscribe(nostr.Filter{Kinds: []int{nostr.KindGameEvent}}, got.add)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Stop()
	sub.Stop() // 幂等

	if _, err := a.Publish(context.Background(), nostr.KindGameEvent, "after stop", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if got.count() != 0 {
		t.Fatalf("stopped subscription must not deliver")
	}
}
