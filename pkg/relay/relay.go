// Package relay 实现消息中继守护进程的核心：接受 WebSocket 连接，
// 校验并转发签名事件，按订阅过滤器实时派发，非短时事件落盘供回放。
// 中继不理解任何游戏语义，它只是尽力而为的消息转发方
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Metaphorme/gravduel/pkg/nostr"
)

// Config 是中继的运行参数
type Config struct {
	MaxEventBytes   int           // 单个事件的字节上限
	MaxSubsPerConn  int           // 单连接的订阅数上限
	MsgPerSecond    float64       // 单连接的消息速率上限
	MsgBurst        int           // 速率桶突发容量
	MaxClockSkew    time.Duration // 事件时间戳允许的未来偏移
	Retention       time.Duration // 落盘事件的保留时长
	EphemeralWindow time.Duration // 短时事件的内存回看窗口（从不落盘）
	Verbose         bool
}

// DefaultConfig 返回默认运行参数
func DefaultConfig() Config {
	return Config{
		MaxEventBytes:   64 * 1024,
		MaxSubsPerConn:  16,
		MsgPerSecond:    20,
		MsgBurst:        40,
		MaxClockSkew:    5 * time.Minute,
		Retention:       24 * time.Hour,
		EphemeralWindow: 60 * time.Second,
	}
}

// ringCap 内存回看窗口的事件数上限，超出时淘汰最旧
const ringCap = 512

// Relay 是中继服务本体，实现 http.Handler
type Relay struct {
	cfg     Config
	store   *EventStore
	limiter *IPLimiter
	Now     func() time.Time

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}

	// 短时事件不落盘，但在内存里保留一个短回看窗口供 REQ 回放：
	// 订阅注册与发布之间的竞态靠它抹平，否则先发的一方会永久丢失
	ringMu sync.Mutex
	ring   []nostr.Event
}

// New 创建中继服务
func New(store *EventStore, limiter *IPLimiter, cfg Config) *Relay {
	return &Relay{
		cfg:     cfg,
		store:   store,
		limiter: limiter,
		Now:     time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 客户端是原生程序而非浏览器，不做同源检查
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// client 是一条已接受的 WebSocket 连接
type client struct {
	conn *websocket.Conn
	ip   string
	lim  *rate.Limiter

	// sendMu 守护 send 的关闭：广播快照到的 client 可能已在退出路径上，
	// 不加护栏的 close 会让并发 sendJSON 往已关闭的通道写入
	sendMu sync.Mutex
	closed bool
	send   chan []byte

	mu   sync.Mutex
	subs map[string]nostr.Filter
}

// shutdown 关闭出站通道；之后的 sendJSON 静默丢帧
func (c *client) shutdown() {
	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.sendMu.Unlock()
}

// ServeHTTP 把 HTTP 请求升级为 WebSocket 并进入消息循环
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ip := clientIP(req)
	if ok, wait := r.limiter.Allow(ip, r.Now()); !ok {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(wait.Seconds())))
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}

	c := &client{
		conn: conn,
		ip:   ip,
		lim:  rate.NewLimiter(rate.Limit(r.cfg.MsgPerSecond), r.cfg.MsgBurst),
		send: make(chan []byte, 64),
		subs: make(map[string]nostr.Filter),
	}
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()

	go r.writeLoop(c)
	r.readLoop(c)

	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
	c.shutdown()
	_ = conn.Close()
}

func (r *Relay) readLoop(c *client) {
	c.conn.SetReadLimit(int64(r.cfg.MaxEventBytes + 1024))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.lim.Allow() {
			c.notice("rate limited")
			continue
		}

		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
			c.notice("invalid frame")
			continue
		}
		var verb string
		if err := json.Unmarshal(frame[0], &verb); err != nil {
			c.notice("invalid frame")
			continue
		}

		switch verb {
		case "EVENT":
			r.handleEvent(c, frame)
		case "REQ":
			r.handleReq(c, frame)
		case "CLOSE":
			r.handleClose(c, frame)
		default:
			c.notice("unknown verb " + verb)
		}
	}
}

func (r *Relay) writeLoop(c *client) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleEvent 处理 ["EVENT", <event>]：校验、落盘（非短时）、实时派发
func (r *Relay) handleEvent(c *client, frame []json.RawMessage) {
	if len(frame) < 2 {
		c.notice("EVENT: missing payload")
		return
	}
	if len(frame[1]) > r.cfg.MaxEventBytes {
		c.notice("EVENT: too large")
		r.limiter.RecordBad(c.ip, r.Now())
		return
	}
	var ev nostr.Event
	if err := json.Unmarshal(frame[1], &ev); err != nil {
		c.notice("EVENT: malformed")
		r.limiter.RecordBad(c.ip, r.Now())
		return
	}

	if !ev.Verify() {
		c.ok(ev.ID, false, "invalid: bad id or signature")
		r.limiter.RecordBad(c.ip, r.Now())
		return
	}
	if skew := time.Duration(ev.CreatedAt-r.Now().Unix()) * time.Second; skew > r.cfg.MaxClockSkew {
		c.ok(ev.ID, false, "invalid: created_at too far in the future")
		return
	}

	if ev.IsEphemeral() {
		r.ringAdd(ev)
	} else {
		if err := r.store.Insert(ev); err != nil {
			log.Printf("relay: store event %s: %v", ev.ID, err)
			c.ok(ev.ID, false, "error: storage failure")
			return
		}
	}
	c.ok(ev.ID, true, "")
	r.broadcast(ev)

	if r.cfg.Verbose {
		log.Printf("relay: event kind=%d id=%.12s from %s", ev.Kind, ev.ID, c.ip)
	}
}

// handleReq 处理 ["REQ", <subid>, <filter>]：先回放落盘事件，再进入实时派发
func (r *Relay) handleReq(c *client, frame []json.RawMessage) {
	if len(frame) < 3 {
		c.notice("REQ: missing filter")
		return
	}
	var subID string
	if err := json.Unmarshal(frame[1], &subID); err != nil || subID == "" {
		c.notice("REQ: bad subscription id")
		return
	}
	var f nostr.Filter
	if err := json.Unmarshal(frame[2], &f); err != nil {
		c.notice("REQ: bad filter")
		return
	}

	c.mu.Lock()
	if _, exists := c.subs[subID]; !exists && len(c.subs) >= r.cfg.MaxSubsPerConn {
		c.mu.Unlock()
		c.notice("REQ: too many subscriptions")
		return
	}
	c.subs[subID] = f
	c.mu.Unlock()

	// 先回放落盘的持久事件，再回放内存窗口内的短时事件
	// （两者互斥：短时种类从不落盘，不会重复）
	stored, err := r.store.Query(f)
	if err != nil {
		log.Printf("relay: query: %v", err)
	}
	for _, ev := range stored {
		c.event(subID, ev)
	}
	for _, ev := range r.ringMatches(f) {
		c.event(subID, ev)
	}
	c.eose(subID)
}

// ringAdd 把短时事件放进内存回看窗口，淘汰过期与超量的旧事件
func (r *Relay) ringAdd(ev nostr.Event) {
	cutoff := r.Now().Add(-r.cfg.EphemeralWindow).Unix()
	r.ringMu.Lock()
	defer r.ringMu.Unlock()
	kept := r.ring[:0]
	for _, old := range r.ring {
		if old.CreatedAt >= cutoff {
			kept = append(kept, old)
		}
	}
	r.ring = append(kept, ev)
	if len(r.ring) > ringCap {
		r.ring = append(r.ring[:0], r.ring[len(r.ring)-ringCap:]...)
	}
}

// ringMatches 返回窗口内与过滤器匹配的短时事件快照
func (r *Relay) ringMatches(f nostr.Filter) []nostr.Event {
	cutoff := r.Now().Add(-r.cfg.EphemeralWindow).Unix()
	r.ringMu.Lock()
	defer r.ringMu.Unlock()
	var out []nostr.Event
	for i := range r.ring {
		if r.ring[i].CreatedAt >= cutoff && f.Matches(&r.ring[i]) {
			out = append(out, r.ring[i])
		}
	}
	return out
}

func (r *Relay) handleClose(c *client, frame []json.RawMessage) {
	if len(frame) < 2 {
		return
	}
	var subID string
	if err := json.Unmarshal(frame[1], &subID); err != nil {
		return
	}
	c.mu.Lock()
	delete(c.subs, subID)
	c.mu.Unlock()
}

// broadcast 把事件派发给所有过滤器匹配的活跃订阅
func (r *Relay) broadcast(ev nostr.Event) {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		c.mu.Lock()
		for subID, f := range c.subs {
			if f.Matches(&ev) {
				c.event(subID, ev)
			}
		}
		c.mu.Unlock()
	}
}

// Run 周期性清理过期的落盘事件，直到 ctx 取消
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := r.Now().Add(-r.cfg.Retention)
			if n, err := r.store.CleanupOlder(cutoff); err != nil {
				log.Printf("relay: cleanup: %v", err)
			} else if n > 0 && r.cfg.Verbose {
				log.Printf("relay: cleaned up %d expired events", n)
			}
		}
	}
}

// 出站帧构造；发送非阻塞，慢消费者直接丢帧（协议自身容忍丢失）

func (c *client) sendJSON(v []any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) event(subID string, ev nostr.Event) { c.sendJSON([]any{"EVENT", subID, ev}) }
func (c *client) eose(subID string)                  { c.sendJSON([]any{"EOSE", subID}) }
func (c *client) notice(msg string)                  { c.sendJSON([]any{"NOTICE", msg}) }
func (c *client) ok(id string, accepted bool, msg string) {
	c.sendJSON([]any{"OK", id, accepted, msg})
}

// clientIP 从 HTTP 请求中提取客户端的真实 IP 地址
// 优先使用 X-Forwarded-For 头，以支持反向代理部署
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
