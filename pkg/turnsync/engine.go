// Package turnsync 实现回合同步引擎：两端各自独立模拟，只交换最小决策
// （瞄准 + 可选能力），靠确定性的出手权轮换与幂等的消息拒绝保持一致。
//
// 正确性的全部来源：(1) 双方用同一套对称规则分配玩家序号；(2) 不符合期望
// 出手序号的消息一律忽略（这同时完成了重复投递去重）；(3) 绝不传输派生状态
// （HP、弹道、比分），双方只要应用了相同的决策序列就必然推导出相同结局。
package turnsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Metaphorme/gravduel/pkg/game"
	"github.com/Metaphorme/gravduel/pkg/gateway"
	"github.com/Metaphorme/gravduel/pkg/models"
	"github.com/Metaphorme/gravduel/pkg/nostr"
)

// State 是引擎的同步状态
type State int

const (
	// StateLocalTurn 轮到本端出手
	StateLocalTurn State = iota
	// StateRemoteTurnPending 等待对端的回合动作
	StateRemoteTurnPending
	// StateFinished 比赛已出结果
	StateFinished
	// StateUnresponsive 重发预算耗尽仍未等到对端，终局
	StateUnresponsive
)

func (s State) String() string {
	switch s {
	case StateLocalTurn:
		return "local-turn"
	case StateRemoteTurnPending:
		return "remote-pending"
	case StateFinished:
		return "finished"
	case StateUnresponsive:
		return "unresponsive"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config 是引擎的同步参数
type Config struct {
	// Window 订阅回看窗口：重建订阅（如断线重连后）仍能追上最近的回合
	Window time.Duration
	// RetryAttempts 等待对端期间重发本端最后动作的次数上限；0 = 不重发，无限等待
	RetryAttempts int
	// RetryBase / RetryMax 指数退避的起点与上限
	RetryBase time.Duration
	RetryMax  time.Duration

	Now func() time.Time
}

// DefaultConfig 返回默认同步参数
func DefaultConfig() Config {
	return Config{
		Window:        60 * time.Second,
		RetryAttempts: 5,
		RetryBase:     2 * time.Second,
		RetryMax:      30 * time.Second,
		Now:           time.Now,
	}
}

func (c *Config) fill() {
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = c.RetryBase
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Simulator 是弹道模拟能力：同一输入在两端必须产出同一结果。
// hit 为 false 表示脱靶（不命中任何飞船、坠井或飞出边界）
type Simulator interface {
	Simulate(firer int, aim models.Aim, ability game.AbilityType) (h game.Hit, hit bool)
}

var (
	// ErrNotYourTurn 当前不轮到本端出手
	ErrNotYourTurn = errors.New("turnsync: not your turn")
	// ErrRoundOver 回合已结束，须先进入下一回合才能继续射击
	ErrRoundOver = errors.New("turnsync: round is over")
	// ErrFinished 比赛已结束
	ErrFinished = errors.New("turnsync: match already finished")
)

// Engine 是一场比赛的回合同步引擎
// 回调字段在 Start 之前设置；回调在锁外执行
type Engine struct {
	gw    gateway.Gateway
	match *game.Match
	sim   Simulator
	cfg   Config

	// OnApplied 在任一方的动作被应用后触发（本地与远端都会）
	OnApplied func(firer int, act models.TurnAction, h game.Hit, hit bool)
	// OnRoundOver 在比分变化或射击预算耗尽导致回合结束时触发
	OnRoundOver func(round int)
	// OnMatchOver 在比赛出结果后触发
	OnMatchOver func(winner int, draw bool)
	// OnUnresponsive 在重发预算耗尽后触发，引擎进入终局
	OnUnresponsive func()

	// applyMu 串行化"校验 + 应用"的整体：并发到达的重复副本会在校验处
	// 看到已推进的状态而被拒绝，不会双重扣费。锁序：applyMu 在 mu 之外
	applyMu sync.Mutex

	mu         sync.Mutex
	state      State
	sub        gateway.Subscription
	lastCipher string // 本端最后一次发布的密文，重发时原样再发
	lastTags   [][]string
	retryStop  chan struct{}
}

// New 创建回合同步引擎
func New(gw gateway.Gateway, m *game.Match, sim Simulator, cfg Config) *Engine {
	cfg.fill()
	return &Engine{gw: gw, match: m, sim: sim, cfg: cfg}
}

// Start 依据确定性的序号分配设定初始状态并订阅对端的回合动作。
// 只认对端作者、只认本比赛标签，回看 Window 以内的事件
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.match.Turn() == e.match.LocalIndex() {
		e.state = StateLocalTurn
	} else {
		e.state = StateRemoteTurnPending
	}
	if e.sub != nil {
		e.sub.Stop()
		e.sub = nil
	}
	f := nostr.Filter{
		Kinds:   []int{nostr.KindGameEvent},
		Authors: []string{e.match.Opponent()},
		TagE:    []string{e.match.ID()},
		Since:   e.cfg.Now().Add(-e.cfg.Window).Unix(),
	}
	e.mu.Unlock()

	// 订阅会同步回放回看窗口内的历史（重连追赶场景），不能在持锁状态下建立
	sub, err := e.gw.Subscribe(f, e.handleEvent)
	if err != nil {
		return fmt.Errorf("turnsync: subscribe: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateFinished || e.state == StateUnresponsive {
		sub.Stop()
		return nil
	}
	e.sub = sub
	return nil
}

// Stop 停掉订阅与重发，幂等
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
}

func (e *Engine) teardownLocked() {
	if e.sub != nil {
		e.sub.Stop()
		e.sub = nil
	}
	e.stopRetryLocked()
}

func (e *Engine) stopRetryLocked() {
	if e.retryStop != nil {
		close(e.retryStop)
		e.retryStop = nil
	}
}

// State 返回当前同步状态
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Fire 执行本端射击：构造回合动作、发布、立即在本地应用（无须等待自投递），
// 然后转入等待对端状态。
// 选择了能力但 HP 已不足以支付代价时，动作照常发布，双方按同一条规则
// 把本回合判为发射方自我淘汰——这是协议约定的显式结局，绝不静默降级为标准射击
func (e *Engine) Fire(ctx context.Context, aim models.Aim, ability string) error {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.Lock()
	switch e.state {
	case StateFinished, StateUnresponsive:
		e.mu.Unlock()
		return ErrFinished
	case StateRemoteTurnPending:
		e.mu.Unlock()
		return ErrNotYourTurn
	}
	// 同步状态在回合结束时保持原值，单独校验比赛阶段：
	// RoundOver/LoadingNextRound 期间的射击会发布多余动作并重复触发回调
	switch e.match.Phase() {
	case game.Playing:
	case game.MatchOver:
		e.mu.Unlock()
		return ErrFinished
	default:
		e.mu.Unlock()
		return ErrRoundOver
	}

	local := e.match.LocalIndex()
	act := models.TurnAction{
		Type:           models.TypeGameAction,
		MatchID:        e.match.ID(),
		SenderIdentity: e.gw.PubKey(),
		TurnIndex:      local,
		Action:         models.FireAction{Type: "fire", Aim: aim},
	}
	if ability != "" {
		if !game.ValidAbility(game.AbilityType(ability)) {
			e.mu.Unlock()
			return fmt.Errorf("%w: %q", game.ErrAbilityUnknown, ability)
		}
		act.Action.Ability = &ability
	}

	body, err := json.Marshal(act)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	ct, err := e.gw.Encrypt(e.match.Opponent(), string(body))
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("turnsync: encrypt: %w", err)
	}
	tags := [][]string{{"e", e.match.ID()}, {"p", e.match.Opponent()}}
	if _, err := e.gw.Publish(ctx, nostr.KindGameEvent, ct, tags); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("turnsync: publish: %w", err)
	}
	e.lastCipher, e.lastTags = ct, tags
	e.mu.Unlock()

	e.apply(local, act)
	return nil
}

// handleEvent 处理对端的回合动作
func (e *Engine) handleEvent(ev nostr.Event) {
	opponent := e.match.Opponent()
	if ev.PubKey != opponent {
		return
	}
	pt, err := e.gw.Decrypt(ev.PubKey, ev.Content)
	if err != nil {
		// 无法解密的消息静默丢弃
		return
	}
	var act models.TurnAction
	if json.Unmarshal([]byte(pt), &act) != nil || act.Type != models.TypeGameAction {
		return
	}
	if act.MatchID != e.match.ID() || act.SenderIdentity != opponent {
		return
	}

	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	e.mu.Lock()
	if e.state != StateRemoteTurnPending {
		// 状态已经推进过：这是重复投递或迟到副本，按序号失配统一忽略
		e.mu.Unlock()
		log.Printf("turnsync: ignoring turn action in state %s", e.state)
		return
	}
	remote := e.match.RemoteIndex()
	// 出手序号必须既是对端的固定序号，又是状态机期望的下一个出手方。
	// 用序号与期望状态比对去重，而不是跟踪事件 ID
	if act.TurnIndex != remote || e.match.Turn() != remote {
		e.mu.Unlock()
		log.Printf("turnsync: rejecting turn action with turnIndex=%d, expected %d", act.TurnIndex, remote)
		return
	}
	e.stopRetryLocked()
	e.mu.Unlock()

	e.apply(remote, act)
}

// apply 是本地动作与远端动作共享的确定性应用路径。
// 两端对同一动作执行完全相同的扣费、模拟与结算，这是状态一致性的关键
func (e *Engine) apply(firer int, act models.TurnAction) {
	var (
		h   game.Hit
		hit bool
	)

	ability := game.AbilityType(act.AbilityName())
	suicide := false
	if ability != "" {
		switch err := e.match.SpendAbility(firer, ability); {
		case err == nil:
		case errors.Is(err, game.ErrInsufficientHP):
			// 空 HP 自杀边界：能力已选定但 HP 不足以支付，直接判自我淘汰
			e.match.SelfEliminate(firer)
			suicide = true
		default:
			// 两端确定性一致时不应出现；保守起见丢弃该动作
			log.Printf("turnsync: dropping turn action: %v", err)
			return
		}
	}

	if !suicide {
		h, hit = e.sim.Simulate(firer, act.Action.Aim, ability)
		if hit {
			e.match.ResolveHit(h)
		} else {
			e.match.ResolveMiss(firer)
		}
	}

	e.advanceAfterApply(firer)

	if e.OnApplied != nil {
		e.OnApplied(firer, act, h, hit)
	}
}

// advanceAfterApply 根据比赛阶段推进同步状态并触发相应回调
func (e *Engine) advanceAfterApply(firer int) {
	switch e.match.Phase() {
	case game.MatchOver:
		e.mu.Lock()
		e.state = StateFinished
		e.teardownLocked()
		cb := e.OnMatchOver
		e.mu.Unlock()
		winner, draw := e.match.Result()
		if cb != nil {
			cb(winner, draw)
		}
	case game.RoundOver:
		e.mu.Lock()
		e.stopRetryLocked()
		cb := e.OnRoundOver
		round := e.match.Round()
		e.mu.Unlock()
		if cb != nil {
			cb(round)
		}
	default:
		e.mu.Lock()
		if e.match.Turn() == e.match.LocalIndex() {
			e.state = StateLocalTurn
		} else {
			e.state = StateRemoteTurnPending
			if firer == e.match.LocalIndex() {
				e.startRetryLocked()
			}
		}
		e.mu.Unlock()
	}
}

// BeginNextRound 在回合结束后推进到下一回合（调用方已生成好下一张地图），
// 并按新回合的先手奇偶重新设定同步状态
func (e *Engine) BeginNextRound() (int, error) {
	round, err := e.match.NextRound()
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	if e.match.Turn() == e.match.LocalIndex() {
		e.state = StateLocalTurn
	} else {
		e.state = StateRemoteTurnPending
	}
	e.mu.Unlock()
	return round, nil
}

// startRetryLocked 在等待对端期间按指数退避重发本端最后一次动作。
// 预算耗尽仍无响应则进入 Unresponsive 终局。RetryAttempts==0 时不重发，无限等待
func (e *Engine) startRetryLocked() {
	e.stopRetryLocked()
	if e.cfg.RetryAttempts <= 0 || e.lastCipher == "" {
		return
	}
	stop := make(chan struct{})
	e.retryStop = stop
	cipher, tags := e.lastCipher, e.lastTags

	go func() {
		delay := e.cfg.RetryBase
		for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
			select {
			case <-stop:
				return
			case <-time.After(delay):
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := e.gw.Publish(ctx, nostr.KindGameEvent, cipher, tags); err != nil {
				log.Printf("turnsync: republish attempt %d: %v", attempt, err)
			}
			cancel()
			delay *= 2
			if delay > e.cfg.RetryMax {
				delay = e.cfg.RetryMax
			}
		}
		// 最后一次重发后再等一个完整退避周期
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}

		e.mu.Lock()
		if e.state != StateRemoteTurnPending {
			e.mu.Unlock()
			return
		}
		e.state = StateUnresponsive
		e.teardownLocked()
		cb := e.OnUnresponsive
		e.mu.Unlock()
		if cb != nil {
			cb()
		}
	}()
}
