// Package ready 实现应战成功后的就绪握手。
// 双方各自完成本地初始化（生成关卡、构造物理世界）后互发就绪信号；
// 任何一端都只在**看到对端的信号**的那一刻进入对局，自己何时发出无关紧要，
// 因此实际效果是双方都就绪后对局才会在任一端开始。
package ready

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Metaphorme/gravduel/pkg/gateway"
	"github.com/Metaphorme/gravduel/pkg/models"
	"github.com/Metaphorme/gravduel/pkg/nostr"
)

// BackWindow 订阅回看窗口：容忍进入等待态瞬间的发布/订阅竞态
// （对端的信号可能在我们建立订阅之前就已经发出）
const BackWindow = 30 * time.Second

// ErrNotWaiting 当前没有处于就绪等待期
var ErrNotWaiting = errors.New("ready: no active waiting period")

// Handshake 管理一次就绪等待期。
// 同一时刻至多一个活跃订阅；重新进入等待态必须先撤掉旧订阅
type Handshake struct {
	gw  gateway.Gateway
	Now func() time.Time

	mu       sync.Mutex
	matchID  string
	opponent string
	sub      gateway.Subscription
	done     bool
	onReady  func()
}

// New 创建就绪握手器
func New(gw gateway.Gateway) *Handshake {
	return &Handshake{gw: gw, Now: time.Now}
}

// Start 进入 (matchID, opponent) 的就绪等待期并订阅对端信号。
// 只认对端作者、只认该比赛标签，回看 BackWindow 以内的事件。
// onReady 在首次观测到对端信号时被调用一次，随后订阅立即关闭。
func (h *Handshake) Start(matchID, opponent string, onReady func()) error {
	h.mu.Lock()
	// 硬不变量：建新订阅前先停掉旧的
	if h.sub != nil {
		h.sub.Stop()
		h.sub = nil
	}
	h.matchID = matchID
	h.opponent = opponent
	h.done = false
	h.onReady = onReady

	f := nostr.Filter{
		Kinds:   []int{nostr.KindGameEvent},
		Authors: []string{opponent},
		TagE:    []string{matchID},
		Since:   h.Now().Add(-BackWindow).Unix(),
	}
	h.mu.Unlock()

	// 订阅会同步回放回看窗口内的历史，不能在持锁状态下建立
	sub, err := h.gw.Subscribe(f, h.handleEvent)
	if err != nil {
		return fmt.Errorf("ready: subscribe: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		// 回放期间已观测到对端信号，或等待期已被撤销
		sub.Stop()
		return nil
	}
	h.sub = sub
	return nil
}

// AnnounceReady 发布本端的就绪信号（加密给对端，标记比赛 ID）。
// 发出信号不代表可以开始：开始只取决于是否看到了对端的信号
func (h *Handshake) AnnounceReady(ctx context.Context) error {
	h.mu.Lock()
	matchID, opponent := h.matchID, h.opponent
	h.mu.Unlock()
	if matchID == "" {
		return ErrNotWaiting
	}

	body, err := json.Marshal(models.ReadySignal{
		Type:    models.TypePlayerReady,
		MatchID: matchID,
	})
	if err != nil {
		return err
	}
	ct, err := h.gw.Encrypt(opponent, string(body))
	if err != nil {
		return fmt.Errorf("ready: encrypt: %w", err)
	}
	tags := [][]string{{"e", matchID}, {"p", opponent}}
	if _, err := h.gw.Publish(ctx, nostr.KindGameEvent, ct, tags); err != nil {
		return fmt.Errorf("ready: publish: %w", err)
	}
	return nil
}

// Stop 撤销当前等待期（用户取消或 TTL 到期时调用），幂等
func (h *Handshake) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub != nil {
		h.sub.Stop()
		h.sub = nil
	}
	h.matchID = ""
	h.opponent = ""
	h.done = true
}

func (h *Handshake) handleEvent(ev nostr.Event) {
	h.mu.Lock()
	if h.done || ev.PubKey != h.opponent {
		h.mu.Unlock()
		return
	}
	pt, err := h.gw.Decrypt(ev.PubKey, ev.Content)
	if err != nil {
		// 无法解密的消息静默丢弃：传输噪声不是错误
		h.mu.Unlock()
		return
	}
	var sig models.ReadySignal
	if json.Unmarshal([]byte(pt), &sig) != nil ||
		sig.Type != models.TypePlayerReady || sig.MatchID != h.matchID {
		h.mu.Unlock()
		return
	}

	// 观测到对端信号：立即关闭订阅，避免重复投递的冗余处理
	h.done = true
	if h.sub != nil {
		h.sub.Stop()
		h.sub = nil
	}
	cb := h.onReady
	h.mu.Unlock()

	if cb != nil {
		cb()
	}
}
