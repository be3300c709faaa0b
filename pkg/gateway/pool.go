package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Metaphorme/gravduel/pkg/nostr"
)

// PoolConfig 控制中继连接池的行为
type PoolConfig struct {
	Relays       []string      // ws:// 或 wss:// 地址
	DialTimeout  time.Duration // 默认 10s
	WriteTimeout time.Duration // 默认 10s
	PingInterval time.Duration // 默认 30s
	Verbose      bool
}

func (c *PoolConfig) fill() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
}

// Pool 是连接到一组中继的网关实现
// 发布会广播到所有活跃连接；订阅在每条连接上注册，并按事件 ID 去重
// 连接断开后以指数退避重连，重连成功时重新下发所有活跃订阅
type Pool struct {
	cfg PoolConfig
	kr  *Keyring

	mu     sync.Mutex
	conns  map[string]*relayConn // url -> conn
	subs   map[string]*poolSub   // subid -> sub
	closed bool
}

type relayConn struct {
	url  string
	mu   sync.Mutex // 保护写
	ws   *websocket.Conn
	live bool
}

type poolSub struct {
	pool    *Pool
	id      string
	filter  nostr.Filter
	onEvent func(nostr.Event)
	mu      sync.Mutex
	seen    map[string]bool // 跨中继按事件 ID 去重
	stopped bool
}

// DialPool 建立到所有中继的连接并返回连接池网关
// 只要有一个中继连上即可返回；其余的在后台继续重连
func DialPool(ctx context.Context, kr *Keyring, cfg PoolConfig) (*Pool, error) {
	cfg.fill()
	if len(cfg.Relays) == 0 {
		return nil, fmt.Errorf("pool: no relays configured")
	}
	p := &Pool{
		cfg:   cfg,
		kr:    kr,
		conns: make(map[string]*relayConn),
		subs:  make(map[string]*poolSub),
	}
	okCh := make(chan struct{}, len(cfg.Relays))
	for _, u := range cfg.Relays {
		rc := &relayConn{url: u}
		p.conns[u] = rc
		go p.runConn(rc, okCh)
	}
	select {
	case <-okCh:
		return p, nil
	case <-ctx.Done():
		p.Close()
		return nil, ctx.Err()
	}
}

// runConn 维持单条中继连接：连接、读循环、断线指数退避重连
func (p *Pool) runConn(rc *relayConn, okCh chan<- struct{}) {
	backoff := 2 * time.Second
	first := true
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()

		dialer := websocket.Dialer{HandshakeTimeout: p.cfg.DialTimeout}
		ws, _, err := dialer.Dial(rc.url, nil)
		if err != nil {
			p.logf("relay %s: dial: %v (retry in %s)", rc.url, err, backoff)
			time.Sleep(backoff)
			if backoff *= 2; backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			continue
		}
		backoff = 2 * time.Second

		rc.mu.Lock()
		rc.ws = ws
		rc.live = true
		rc.mu.Unlock()

		// 重连后重新下发所有活跃订阅
		p.mu.Lock()
		for _, s := range p.subs {
			if !s.stopped {
				_ = rc.send(p.cfg.WriteTimeout, []any{"REQ", s.id, s.filter})
			}
		}
		p.mu.Unlock()

		if first {
			first = false
			okCh <- struct{}{}
		}

		stopPing := make(chan struct{})
		go func() {
			t := time.NewTicker(p.cfg.PingInterval)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					rc.mu.Lock()
					if rc.ws != nil {
						_ = rc.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.cfg.WriteTimeout))
					}
					rc.mu.Unlock()
				case <-stopPing:
					return
				}
			}
		}()

		p.readLoop(rc, ws)
		close(stopPing)

		rc.mu.Lock()
		rc.live = false
		rc.ws = nil
		rc.mu.Unlock()
		_ = ws.Close()
	}
}

// readLoop 处理来自中继的帧，直到连接出错
func (p *Pool) readLoop(rc *relayConn, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			p.logf("relay %s: read: %v", rc.url, err)
			return
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
			continue // 噪声，丢弃
		}
		var label string
		if json.Unmarshal(frame[0], &label) != nil {
			continue
		}
		switch label {
		case "EVENT":
			if len(frame) < 3 {
				continue
			}
			var subid string
			var ev nostr.Event
			if json.Unmarshal(frame[1], &subid) != nil || json.Unmarshal(frame[2], &ev) != nil {
				continue
			}
			p.dispatch(subid, ev)
		case "OK", "EOSE":
			// 受理回执 / 存量结束：目前只在 verbose 模式下记录
			if p.cfg.Verbose {
				p.logf("relay %s: %s", rc.url, string(data))
			}
		case "NOTICE":
			p.logf("relay %s: notice: %s", rc.url, string(data))
		}
	}
}

// dispatch 把事件派给对应订阅（签名校验 + 跨中继去重）
func (p *Pool) dispatch(subid string, ev nostr.Event) {
	p.mu.Lock()
	s := p.subs[subid]
	p.mu.Unlock()
	if s == nil || s.stopped {
		return
	}
	if !ev.Verify() {
		return // 伪造或损坏的事件：静默丢弃
	}
	s.mu.Lock()
	if s.seen[ev.ID] {
		s.mu.Unlock()
		return
	}
	s.seen[ev.ID] = true
	s.mu.Unlock()
	s.onEvent(ev)
}

func (rc *relayConn) send(timeout time.Duration, v any) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.ws == nil {
		return fmt.Errorf("relay %s: not connected", rc.url)
	}
	_ = rc.ws.SetWriteDeadline(time.Now().Add(timeout))
	return rc.ws.WriteJSON(v)
}

// broadcast 把帧写到所有活跃连接，至少一条成功即算成功
func (p *Pool) broadcast(v any) error {
	p.mu.Lock()
	conns := make([]*relayConn, 0, len(p.conns))
	for _, rc := range p.conns {
		conns = append(conns, rc)
	}
	p.mu.Unlock()

	var lastErr error
	sent := false
	for _, rc := range conns {
		if err := rc.send(p.cfg.WriteTimeout, v); err != nil {
			lastErr = err
			continue
		}
		sent = true
	}
	if !sent {
		if lastErr == nil {
			lastErr = fmt.Errorf("pool: no live relay connection")
		}
		return lastErr
	}
	return nil
}

// PubKey 返回本端身份
func (p *Pool) PubKey() string { return p.kr.PubKey() }

// Publish 签名并把事件广播到所有中继
func (p *Pool) Publish(_ context.Context, kind int, content string, tags [][]string) (string, error) {
	ev := nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	if err := p.kr.SignEvent(&ev); err != nil {
		return "", err
	}
	if err := p.broadcast([]any{"EVENT", ev}); err != nil {
		return "", err
	}
	return ev.ID, nil
}

// Subscribe 在所有中继上注册订阅
func (p *Pool) Subscribe(f nostr.Filter, onEvent func(nostr.Event)) (Subscription, error) {
	s := &poolSub{
		pool:    p,
		id:      uuid.NewString(),
		filter:  f,
		onEvent: onEvent,
		seen:    make(map[string]bool),
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: closed")
	}
	p.subs[s.id] = s
	p.mu.Unlock()
	// 尽力下发；断开的连接会在重连时补发
	_ = p.broadcast([]any{"REQ", s.id, f})
	return s, nil
}

// Stop 注销订阅并通知所有中继
func (s *poolSub) Stop() {
	s.pool.mu.Lock()
	if s.stopped {
		s.pool.mu.Unlock()
		return
	}
	s.stopped = true
	delete(s.pool.subs, s.id)
	s.pool.mu.Unlock()
	_ = s.pool.broadcast([]any{"CLOSE", s.id})
}

// Encrypt 委托给密钥环
func (p *Pool) Encrypt(peerPub, plaintext string) (string, error) {
	return p.kr.Encrypt(peerPub, plaintext)
}

// Decrypt 委托给密钥环
func (p *Pool) Decrypt(peerPub, ciphertext string) (string, error) {
	return p.kr.Decrypt(peerPub, ciphertext)
}

// Close 关闭网关与所有底层连接
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	conns := make([]*relayConn, 0, len(p.conns))
	for _, rc := range p.conns {
		conns = append(conns, rc)
	}
	p.mu.Unlock()
	for _, rc := range conns {
		rc.mu.Lock()
		if rc.ws != nil {
			_ = rc.ws.Close()
		}
		rc.mu.Unlock()
	}
}

func (p *Pool) logf(format string, a ...any) {
	if p.cfg.Verbose {
		log.Printf("[gateway] "+format, a...)
	}
}
