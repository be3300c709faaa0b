package challenge

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Metaphorme/gravduel/pkg/crypto"
	"github.com/Metaphorme/gravduel/pkg/gateway"
)

// ----------------- 测试工具 -----------------

type peer struct {
	gw  *gateway.MemoryGateway
	mgr *Manager
}

func newPeer(t *testing.T, bus *gateway.Bus, ttl time.Duration) *peer {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	gw := bus.NewGateway(gateway.NewKeyring(priv, crypto.SchemeSealed))
	mgr := NewManager(gw, NewMemoryStore(), ttl)
	return &peer{gw: gw, mgr: mgr}
}

func mustStart(t *testing.T, peers ...*peer) {
	t.Helper()
	for _, p := range peers {
		if err := p.mgr.Start(); err != nil {
			t.Fatalf("start: %v", err)
		}
		t.Cleanup(p.mgr.Stop)
	}
}

// ----------------- 握手 -----------------

func TestChallengeAcceptHandshake(t *testing.T) {
	bus := gateway.NewBus()
	a := newPeer(t, bus, 0)
	b := newPeer(t, bus, 0)

	var bReceived []Received
	b.mgr.OnReceived = func(r Received) { bReceived = append(bReceived, r) }
	var aOpp, aMatch string
	a.mgr.OnAccepted = func(opponent, matchID string) { aOpp, aMatch = opponent, matchID }
	mustStart(t, a, b)

	sent, err := a.mgr.SendChallenge(context.Background(), b.gw.PubKey())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(bReceived) != 1 || bReceived[0].Challenger != a.gw.PubKey() {
		t.Fatalf("recipient should see exactly one inbound challenge")
	}
	if bReceived[0].EventID != sent.EventID {
		t.Fatalf("inbound challenge must carry the challenge event id")
	}

	opp, matchID, err := b.mgr.AcceptChallenge(context.Background())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	// 双方各自推导出同一个比赛标识：挑战事件的 ID
	if matchID != sent.EventID || aMatch != sent.EventID {
		t.Fatalf("both sides must agree on match id %s (got %s / %s)", sent.EventID, matchID, aMatch)
	}
	if opp != a.gw.PubKey() || aOpp != b.gw.PubKey() {
		t.Fatalf("opponent identities mismatch")
	}
	if a.mgr.Sent() != nil || b.mgr.Pending() != nil {
		t.Fatalf("handshake must clear both challenge slots")
	}
}

func TestSendChallengeValidation(t *testing.T) {
	bus := gateway.NewBus()
	a := newPeer(t, bus, 0)
	mustStart(t, a)

	if _, err := a.mgr.SendChallenge(context.Background(), "not-a-key"); err == nil {
		t.Fatalf("malformed identity must be rejected")
	}
	if _, err := a.mgr.SendChallenge(context.Background(), a.gw.PubKey()); err != ErrSelfChallenge {
		t.Fatalf("self challenge: got %v", err)
	}
}

// ----------------- 排他性 -----------------

func TestChallengeExclusivity(t *testing.T) {
	bus := gateway.NewBus()
	a := newPeer(t, bus, 0)
	b := newPeer(t, bus, 0)
	c := newPeer(t, bus, 0)
	mustStart(t, a, b, c)

	if _, err := a.mgr.SendChallenge(context.Background(), b.gw.PubKey()); err != nil {
		t.Fatalf("send: %v", err)
	}
	// 出站在途：不能再挑战第三方
	if _, err := a.mgr.SendChallenge(context.Background(), c.gw.PubKey()); err != ErrChallengeActive {
		t.Fatalf("second outbound: got %v", err)
	}
	// b 已持有入站挑战：不能发起出站
	if _, err := b.mgr.SendChallenge(context.Background(), c.gw.PubKey()); err != ErrChallengeActive {
		t.Fatalf("outbound with inbound pending: got %v", err)
	}
	// b 已持有入站挑战：第三方的新挑战被忽略
	if _, err := c.mgr.SendChallenge(context.Background(), b.gw.PubKey()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if p := b.mgr.Pending(); p == nil || p.Challenger != a.gw.PubKey() {
		t.Fatalf("pending inbound must still be the first challenger")
	}
}

// ----------------- 应战关联校验 -----------------

func TestAcceptCorrelation(t *testing.T) {
	bus := gateway.NewBus()
	a := newPeer(t, bus, 0)
	b := newPeer(t, bus, 0)

	accepted := false
	a.mgr.OnAccepted = func(string, string) { accepted = true }
	mustStart(t, a, b)

	sent, err := a.mgr.SendChallenge(context.Background(), b.gw.PubKey())
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// 来自预期受战方、但关联了错误事件 ID 的应战：忽略
	ct, err := b.gw.Encrypt(a.gw.PubKey(), `{"type":"accept"}`)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	tags := [][]string{{"e", "deadbeef"}, {"p", a.gw.PubKey()}}
	if _, err := b.gw.Publish(context.Background(), 4, ct, tags); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if accepted || a.mgr.Sent() == nil {
		t.Fatalf("uncorrelated accept must not complete the handshake")
	}

	// 正确关联后握手完成
	tags = [][]string{{"e", sent.EventID}, {"p", a.gw.PubKey()}}
	ct, _ = b.gw.Encrypt(a.gw.PubKey(), `{"type":"accept"}`)
	if _, err := b.gw.Publish(context.Background(), 4, ct, tags); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !accepted {
		t.Fatalf("correlated accept must complete the handshake")
	}
}

func TestAcceptFromWrongSenderIgnored(t *testing.T) {
	bus := gateway.NewBus()
	a := newPeer(t, bus, 0)
	b := newPeer(t, bus, 0)
	c := newPeer(t, bus, 0)

	accepted := false
	a.mgr.OnAccepted = func(string, string) { accepted = true }
	mustStart(t, a, b, c)

	sent, err := a.mgr.SendChallenge(context.Background(), b.gw.PubKey())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	// 第三方伪造的应战即便关联了正确的事件 ID 也无效
	ct, err := c.gw.Encrypt(a.gw.PubKey(), `{"type":"accept"}`)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	tags := [][]string{{"e", sent.EventID}, {"p", a.gw.PubKey()}}
	if _, err := c.gw.Publish(context.Background(), 4, ct, tags); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if accepted || a.mgr.Sent() == nil {
		t.Fatalf("accept from a non-recipient must be ignored")
	}
}

// ----------------- TTL -----------------

func TestChallengeExpiry(t *testing.T) {
	bus := gateway.NewBus()
	a := newPeer(t, bus, 40*time.Millisecond)
	b := newPeer(t, bus, 40*time.Millisecond)
	// 固定逻辑时钟，避免秒边界把毫秒级 TTL 的挑战当成陈旧事件
	frozen := time.Now()
	bus.Now = func() time.Time { return frozen }
	a.mgr.Now = func() time.Time { return frozen }
	b.mgr.Now = func() time.Time { return frozen }

	expired := make(chan bool, 2)
	a.mgr.OnExpired = func(outbound bool) { expired <- outbound }
	b.mgr.OnExpired = func(outbound bool) { expired <- outbound }
	mustStart(t, a, b)

	if _, err := a.mgr.SendChallenge(context.Background(), b.gw.PubKey()); err != nil {
		t.Fatalf("send: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-expired:
		case <-time.After(time.Second):
			t.Fatalf("ttl expiry callback never fired")
		}
	}
	if a.mgr.Sent() != nil || b.mgr.Pending() != nil {
		t.Fatalf("expired challenges must be cleared on both sides")
	}
	// 过期后可以再次发起
	if _, err := a.mgr.SendChallenge(context.Background(), b.gw.PubKey()); err != nil {
		t.Fatalf("resend after expiry: %v", err)
	}
}

// hookGateway 在发布前插入一个钩子，用来制造发布期间的并发状态变化
type hookGateway struct {
	gateway.Gateway
	beforePublish func()
}

func (g *hookGateway) Publish(ctx context.Context, kind int, content string, tags [][]string) (string, error) {
	if g.beforePublish != nil {
		g.beforePublish()
	}
	return g.Gateway.Publish(ctx, kind, content, tags)
}

func TestAcceptRacingExpiryNotSignalled(t *testing.T) {
	bus := gateway.NewBus()
	a := newPeer(t, bus, 0)

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	bgw := bus.NewGateway(gateway.NewKeyring(priv, crypto.SchemeSealed))
	hooked := &hookGateway{Gateway: bgw}
	b := &peer{gw: bgw, mgr: NewManager(hooked, NewMemoryStore(), 0)}

	accepted := 0
	b.mgr.OnAccepted = func(string, string) { accepted++ }
	mustStart(t, a, b)

	if _, err := a.mgr.SendChallenge(context.Background(), bgw.PubKey()); err != nil {
		t.Fatalf("send: %v", err)
	}

	// 应战的发布与 TTL 过期赛跑：槽在发布期间被清掉，应战不算达成
	hooked.beforePublish = func() {
		if err := b.mgr.DismissChallenge(); err != nil {
			t.Errorf("dismiss during publish: %v", err)
		}
	}
	if _, _, err := b.mgr.AcceptChallenge(context.Background()); err != ErrNoChallenge {
		t.Fatalf("accept racing a cleared slot: got %v", err)
	}
	if accepted != 0 {
		t.Fatalf("cleared challenge must not be signalled as accepted")
	}
}

// ----------------- 撤销与丢弃 -----------------

func TestCancelAndDismiss(t *testing.T) {
	bus := gateway.NewBus()
	a := newPeer(t, bus, 0)
	b := newPeer(t, bus, 0)
	mustStart(t, a, b)

	if err := a.mgr.CancelChallenge(); err != ErrNoChallenge {
		t.Fatalf("cancel without challenge: got %v", err)
	}
	if _, err := a.mgr.SendChallenge(context.Background(), b.gw.PubKey()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.mgr.CancelChallenge(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if a.mgr.Sent() != nil {
		t.Fatalf("cancel must clear the outbound slot")
	}

	// 撤销只是本地操作：受战方仍持有入站挑战，可以静默丢弃
	if b.mgr.Pending() == nil {
		t.Fatalf("recipient should still hold the inbound challenge")
	}
	if err := b.mgr.DismissChallenge(); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if b.mgr.Pending() != nil {
		t.Fatalf("dismiss must clear the inbound slot")
	}
}

// ----------------- 持久化恢复 -----------------

func TestOutboundRecoveredAcrossRestart(t *testing.T) {
	bus := gateway.NewBus()
	path := filepath.Join(t.TempDir(), "challenge.db")
	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	gw := bus.NewGateway(gateway.NewKeyring(priv, crypto.SchemeSealed))
	b := newPeer(t, bus, 0)
	mustStart(t, b)

	m1 := NewManager(gw, store, time.Hour)
	if err := m1.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	sent, err := m1.SendChallenge(context.Background(), b.gw.PubKey())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	m1.Stop()

	// 重启后的管理器从存储槽恢复同一条出站挑战
	m2 := NewManager(gw, store, time.Hour)
	if err := m2.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer m2.Stop()
	got := m2.Sent()
	if got == nil || got.EventID != sent.EventID || got.Recipient != b.gw.PubKey() {
		t.Fatalf("restart must recover the persisted outbound challenge")
	}
	// 恢复后排他性依旧成立
	if _, err := m2.SendChallenge(context.Background(), b.gw.PubKey()); err != ErrChallengeActive {
		t.Fatalf("recovered challenge must block new sends: got %v", err)
	}
}

func TestExpiredStoredChallengeDroppedOnStart(t *testing.T) {
	store := NewMemoryStore()
	old := StoredChallenge{
		Recipient:  "03" + "11",
		EventID:    "ev",
		SentAt:     time.Now().Add(-time.Hour).Unix(),
		TTLSeconds: 60,
	}
	if err := store.Save(old); err != nil {
		t.Fatalf("save: %v", err)
	}

	bus := gateway.NewBus()
	priv, _ := secp256k1.GeneratePrivateKey()
	gw := bus.NewGateway(gateway.NewKeyring(priv, crypto.SchemeSealed))
	m := NewManager(gw, store, time.Minute)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	if m.Sent() != nil {
		t.Fatalf("expired stored challenge must not be recovered")
	}
	if c, _ := store.Load(); c != nil {
		t.Fatalf("expired stored challenge must be cleared from the slot")
	}
}

// ----------------- 负载分类 -----------------

func TestClassify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"type":"challenge"}`, "challenge"},
		{`{"type":"accept","extra":1}`, "accept"},
		{"challenge", "challenge"},
		{"  ACCEPT \n", "accept"},
		{"hello there", ""},
		{`{"kind":4}`, ""},
	}
	for _, c := range cases {
		if got := classify(c.in); got != c.want {
			t.Fatalf("classify(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
