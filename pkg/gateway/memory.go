package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Metaphorme/gravduel/pkg/nostr"
)

// Bus 是一个内存消息总线，模拟一组中继的行为：
// 按过滤条件分发事件、保留历史以支持回溯窗口、并可注入丢包/重复投递
// 仅用于测试与离线演示
type Bus struct {
	mu      sync.Mutex
	history []nostr.Event
	subs    map[string]*busSub

	// Now 可注入的时钟，默认 time.Now
	Now func() time.Time

	dropNext int // 丢弃接下来 n 条发布
	dupNext  int // 重复投递接下来 n 条发布
}

type busSub struct {
	bus     *Bus
	id      string
	filter  nostr.Filter
	onEvent func(nostr.Event)
	stopped bool
}

// NewBus 创建一个内存总线
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]*busSub),
		Now:  time.Now,
	}
}

// DropNext 让总线丢弃接下来 n 条发布（模拟消息丢失）
func (b *Bus) DropNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropNext = n
}

// DuplicateNext 让总线把接下来 n 条发布投递两次（模拟 at-least-once 重复）
func (b *Bus) DuplicateNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dupNext = n
}

// Redeliver 把历史中指定 ID 的事件重新投递一遍（模拟迟到的副本）
func (b *Bus) Redeliver(eventID string) {
	b.mu.Lock()
	var ev *nostr.Event
	for i := range b.history {
		if b.history[i].ID == eventID {
			ev = &b.history[i]
			break
		}
	}
	targets := b.matchingSubsLocked(ev)
	b.mu.Unlock()
	if ev == nil {
		return
	}
	for _, s := range targets {
		s.onEvent(*ev)
	}
}

func (b *Bus) matchingSubsLocked(ev *nostr.Event) []*busSub {
	if ev == nil {
		return nil
	}
	var out []*busSub
	for _, s := range b.subs {
		if !s.stopped && s.filter.Matches(ev) {
			out = append(out, s)
		}
	}
	return out
}

// publish 把签名后的事件写入历史并派发给匹配的订阅
func (b *Bus) publish(ev nostr.Event) {
	b.mu.Lock()
	if b.dropNext > 0 {
		b.dropNext--
		b.mu.Unlock()
		return
	}
	times := 1
	if b.dupNext > 0 {
		b.dupNext--
		times = 2
	}
	b.history = append(b.history, ev)
	targets := b.matchingSubsLocked(&ev)
	b.mu.Unlock()

	// 在锁外回调，避免处理函数再进总线时死锁
	for i := 0; i < times; i++ {
		for _, s := range targets {
			s.onEvent(ev)
		}
	}
}

// subscribe 注册订阅，并按过滤条件回放历史（覆盖回溯窗口语义）
func (b *Bus) subscribe(f nostr.Filter, onEvent func(nostr.Event)) *busSub {
	s := &busSub{bus: b, id: uuid.NewString(), filter: f, onEvent: onEvent}
	b.mu.Lock()
	b.subs[s.id] = s
	var replay []nostr.Event
	for _, ev := range b.history {
		if f.Matches(&ev) {
			replay = append(replay, ev)
		}
	}
	b.mu.Unlock()
	for _, ev := range replay {
		onEvent(ev)
	}
	return s
}

// Stop 注销订阅；幂等
func (s *busSub) Stop() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.stopped = true
	delete(s.bus.subs, s.id)
}

// MemoryGateway 是基于内存总线的网关实现，满足 Gateway 接口
type MemoryGateway struct {
	bus *Bus
	kr  *Keyring
}

// NewGateway 在总线上创建一个以给定密钥环为身份的网关
func (b *Bus) NewGateway(kr *Keyring) *MemoryGateway {
	return &MemoryGateway{bus: b, kr: kr}
}

// PubKey 返回本端身份
func (g *MemoryGateway) PubKey() string { return g.kr.PubKey() }

// Publish 签名并发布事件，返回事件 ID
func (g *MemoryGateway) Publish(_ context.Context, kind int, content string, tags [][]string) (string, error) {
	ev := nostr.Event{
		CreatedAt: g.bus.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := g.kr.SignEvent(&ev); err != nil {
		return "", err
	}
	g.bus.publish(ev)
	return ev.ID, nil
}

// Subscribe 创建订阅
func (g *MemoryGateway) Subscribe(f nostr.Filter, onEvent func(nostr.Event)) (Subscription, error) {
	return g.bus.subscribe(f, onEvent), nil
}

// Encrypt 委托给密钥环
func (g *MemoryGateway) Encrypt(peerPub, plaintext string) (string, error) {
	return g.kr.Encrypt(peerPub, plaintext)
}

// Decrypt 委托给密钥环
func (g *MemoryGateway) Decrypt(peerPub, ciphertext string) (string, error) {
	return g.kr.Decrypt(peerPub, ciphertext)
}
