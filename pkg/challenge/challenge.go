// Package challenge 实现赛前协商：通过加密私信确定哪两个身份组成一场比赛，
// 并在没有任何仲裁方的情况下推导出双方一致的比赛标识（即挑战事件的 ID）。
//
// 排他性约束：本端同一时刻至多一个活跃的出站挑战、至多一个待应答的入站挑战。
// 出站挑战持久化到存储槽，进程重启后按剩余 TTL 恢复。
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Metaphorme/gravduel/pkg/gateway"
	"github.com/Metaphorme/gravduel/pkg/models"
	"github.com/Metaphorme/gravduel/pkg/nostr"
)

// DefaultTTL 挑战的默认有效期
const DefaultTTL = 3 * time.Minute

var (
	// ErrChallengeActive 已有活跃的挑战（出站或入站），不能再发起新的
	ErrChallengeActive = errors.New("challenge: another challenge is already active")
	// ErrNoChallenge 没有可操作的挑战
	ErrNoChallenge = errors.New("challenge: no pending challenge")
	// ErrSelfChallenge 不能挑战自己
	ErrSelfChallenge = errors.New("challenge: cannot challenge yourself")
	// ErrBadIdentity 受战方身份格式非法
	ErrBadIdentity = errors.New("challenge: invalid recipient identity")
)

// Received 是一条待应答的入站挑战，只存在于内存中
type Received struct {
	Challenger string // 挑战方身份
	EventID    string // 挑战事件 ID，应战时作为关联标签，也是未来的比赛 ID
}

// Manager 管理挑战握手的全部本地状态
// 回调字段在 Start 之前设置；回调在锁外执行
type Manager struct {
	gw    gateway.Gateway
	store Store
	ttl   time.Duration
	Now   func() time.Time

	// OnReceived 在收到新的入站挑战时触发
	OnReceived func(r Received)
	// OnAccepted 在挑战握手达成时触发：出站挑战被应战，或本端应战成功
	// matchID 即原始挑战事件的 ID
	OnAccepted func(opponent, matchID string)
	// OnExpired 在出站或入站挑战 TTL 到期被清除时触发；outbound 区分方向
	OnExpired func(outbound bool)

	mu        sync.Mutex
	sent      *StoredChallenge
	received  *Received
	sub       gateway.Subscription
	sentTimer *time.Timer
	recvTimer *time.Timer
}

// NewManager 创建挑战管理器；ttl <= 0 时使用 DefaultTTL
func NewManager(gw gateway.Gateway, store Store, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{gw: gw, store: store, ttl: ttl, Now: time.Now}
}

// Start 恢复持久化的出站挑战（若有且未过期），并订阅发给本端的私信。
// 必须在任何 Send/Accept 之前调用一次
func (m *Manager) Start() error {
	m.mu.Lock()
	stored, err := m.store.Load()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("challenge: load store: %w", err)
	}
	if stored != nil {
		if stored.Expired(m.Now()) {
			_ = m.store.Clear()
		} else {
			// 按剩余 TTL 恢复计时，而不是重新走满全程
			m.sent = stored
			m.sentTimer = time.AfterFunc(stored.Remaining(m.Now()), m.expireSent)
		}
	}
	if m.sub != nil {
		m.sub.Stop()
		m.sub = nil
	}
	m.mu.Unlock()

	// 订阅会同步回放历史私信，不能在持锁状态下建立
	f := nostr.Filter{
		Kinds: []int{nostr.KindEncryptedDM},
		TagP:  []string{m.gw.PubKey()},
	}
	sub, err := m.gw.Subscribe(f, m.handleEvent)
	if err != nil {
		return fmt.Errorf("challenge: subscribe: %w", err)
	}
	m.mu.Lock()
	m.sub = sub
	m.mu.Unlock()
	return nil
}

// Stop 停掉订阅与计时器；不清除持久化的出站挑战（那是重启恢复的依据）
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sub != nil {
		m.sub.Stop()
		m.sub = nil
	}
	if m.sentTimer != nil {
		m.sentTimer.Stop()
		m.sentTimer = nil
	}
	if m.recvTimer != nil {
		m.recvTimer.Stop()
		m.recvTimer = nil
	}
}

// Sent 返回当前活跃的出站挑战，无则返回 nil
func (m *Manager) Sent() *StoredChallenge {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		return nil
	}
	c := *m.sent
	return &c
}

// Pending 返回当前待应答的入站挑战，无则返回 nil
func (m *Manager) Pending() *Received {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.received == nil {
		return nil
	}
	r := *m.received
	return &r
}

// SendChallenge 向 recipient 发出一条加密挑战。
// 已有活跃挑战（任一方向）时失败且不产生任何副作用
func (m *Manager) SendChallenge(ctx context.Context, recipient string) (*StoredChallenge, error) {
	if !nostr.ValidIdentity(recipient) {
		return nil, fmt.Errorf("%w: %q", ErrBadIdentity, recipient)
	}
	if recipient == m.gw.PubKey() {
		return nil, ErrSelfChallenge
	}

	m.mu.Lock()
	if m.sent != nil || m.received != nil {
		m.mu.Unlock()
		return nil, ErrChallengeActive
	}
	m.mu.Unlock()

	body, err := json.Marshal(models.Challenge{Type: models.TypeChallenge})
	if err != nil {
		return nil, err
	}
	ct, err := m.gw.Encrypt(recipient, string(body))
	if err != nil {
		return nil, fmt.Errorf("challenge: encrypt: %w", err)
	}
	id, err := m.gw.Publish(ctx, nostr.KindEncryptedDM, ct, [][]string{{"p", recipient}})
	if err != nil {
		return nil, fmt.Errorf("challenge: publish: %w", err)
	}

	c := StoredChallenge{
		Recipient:  recipient,
		EventID:    id,
		SentAt:     m.Now().UTC().Unix(),
		TTLSeconds: int64(m.ttl / time.Second),
	}
	m.mu.Lock()
	// 发布期间可能有入站挑战到达；槽被占则放弃记录，让对端按 TTL 自然过期
	if m.sent != nil || m.received != nil {
		m.mu.Unlock()
		return nil, ErrChallengeActive
	}
	if err := m.store.Save(c); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("challenge: persist: %w", err)
	}
	m.sent = &c
	m.sentTimer = time.AfterFunc(m.ttl, m.expireSent)
	m.mu.Unlock()
	return &c, nil
}

// CancelChallenge 撤销当前出站挑战；不通知对端（对端按自己的 TTL 过期）
func (m *Manager) CancelChallenge() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		return ErrNoChallenge
	}
	return m.clearSentLocked()
}

// AcceptChallenge 应战当前入站挑战：发布带关联标签的 accept，
// 成功后清除入站状态并返回 (挑战方身份, 比赛 ID)
func (m *Manager) AcceptChallenge(ctx context.Context) (opponent, matchID string, err error) {
	m.mu.Lock()
	r := m.received
	m.mu.Unlock()
	if r == nil {
		return "", "", ErrNoChallenge
	}

	body, err := json.Marshal(models.Accept{Type: models.TypeAccept})
	if err != nil {
		return "", "", err
	}
	ct, err := m.gw.Encrypt(r.Challenger, string(body))
	if err != nil {
		return "", "", fmt.Errorf("challenge: encrypt accept: %w", err)
	}
	tags := [][]string{{"e", r.EventID}, {"p", r.Challenger}}
	if _, err := m.gw.Publish(ctx, nostr.KindEncryptedDM, ct, tags); err != nil {
		return "", "", fmt.Errorf("challenge: publish accept: %w", err)
	}

	// 发布期间 TTL 可能已把入站槽清掉：重查槽位，过期的挑战不算应战成功
	m.mu.Lock()
	if m.received == nil || m.received.EventID != r.EventID {
		m.mu.Unlock()
		return "", "", ErrNoChallenge
	}
	m.clearReceivedLocked()
	cb := m.OnAccepted
	m.mu.Unlock()

	if cb != nil {
		cb(r.Challenger, r.EventID)
	}
	return r.Challenger, r.EventID, nil
}

// DismissChallenge 静默丢弃入站挑战：不通知挑战方，对端靠自己的 TTL 发现被无视
func (m *Manager) DismissChallenge() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.received == nil {
		return ErrNoChallenge
	}
	m.clearReceivedLocked()
	return nil
}

func (m *Manager) clearSentLocked() error {
	m.sent = nil
	if m.sentTimer != nil {
		m.sentTimer.Stop()
		m.sentTimer = nil
	}
	return m.store.Clear()
}

func (m *Manager) clearReceivedLocked() {
	m.received = nil
	if m.recvTimer != nil {
		m.recvTimer.Stop()
		m.recvTimer = nil
	}
}

func (m *Manager) expireSent() {
	m.mu.Lock()
	if m.sent == nil {
		m.mu.Unlock()
		return
	}
	_ = m.clearSentLocked()
	cb := m.OnExpired
	m.mu.Unlock()
	if cb != nil {
		cb(true)
	}
}

func (m *Manager) expireReceived() {
	m.mu.Lock()
	if m.received == nil {
		m.mu.Unlock()
		return
	}
	m.clearReceivedLocked()
	cb := m.OnExpired
	m.mu.Unlock()
	if cb != nil {
		cb(false)
	}
}

// handleEvent 处理发给本端的私信：分类为挑战或应战，其余全部静默丢弃
func (m *Manager) handleEvent(ev nostr.Event) {
	if ev.PubKey == m.gw.PubKey() {
		return
	}
	pt, err := m.gw.Decrypt(ev.PubKey, ev.Content)
	if err != nil {
		// 无法解密视为传输噪声
		return
	}
	switch classify(pt) {
	case models.TypeChallenge:
		m.handleChallenge(ev)
	case models.TypeAccept:
		m.handleAccept(ev)
	}
}

func (m *Manager) handleChallenge(ev nostr.Event) {
	// 事件本身太旧（早于 TTL 窗口）就不再呈现
	if m.Now().UTC().Unix()-ev.CreatedAt > int64(m.ttl/time.Second) {
		return
	}
	m.mu.Lock()
	if m.sent != nil || m.received != nil {
		// 排他：已有活跃挑战时忽略新的入站挑战
		m.mu.Unlock()
		return
	}
	r := Received{Challenger: ev.PubKey, EventID: ev.ID}
	m.received = &r
	// 入站挑战的 TTL 从收到时刻独立计时
	m.recvTimer = time.AfterFunc(m.ttl, m.expireReceived)
	cb := m.OnReceived
	m.mu.Unlock()

	if cb != nil {
		cb(r)
	}
}

func (m *Manager) handleAccept(ev nostr.Event) {
	m.mu.Lock()
	if m.sent == nil {
		m.mu.Unlock()
		return
	}
	// 关联校验：携带的事件 ID 必须等于在途挑战的 ID，且发送方必须是受战方本人
	// 任何一项不符都只记录日志并忽略，即使来自预期的受战方
	if ev.Tag("e") != m.sent.EventID || ev.PubKey != m.sent.Recipient {
		m.mu.Unlock()
		log.Printf("challenge: ignoring uncorrelated accept from %s", short(ev.PubKey))
		return
	}
	opponent, matchID := m.sent.Recipient, m.sent.EventID
	_ = m.clearSentLocked()
	cb := m.OnAccepted
	m.mu.Unlock()

	if cb != nil {
		cb(opponent, matchID)
	}
}

// classify 识别负载类型：优先按 JSON 信封解析，其次接受裸关键字回退
func classify(payload string) string {
	var env models.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err == nil && env.Type != "" {
		return env.Type
	}
	switch strings.ToLower(strings.TrimSpace(payload)) {
	case models.KeywordChallenge:
		return models.TypeChallenge
	case models.KeywordAccept:
		return models.TypeAccept
	}
	return ""
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12] + "…"
	}
	return id
}
