// Package session 把一场对局的各个阶段串成整体：应战达成后进入就绪握手，
// 双方都就绪后启动回合同步引擎，回合结束时本地再生成下一张地图。
// 所有跨阶段的状态都归本包所有，协议组件之间不直接引用彼此
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Metaphorme/gravduel/pkg/game"
	"github.com/Metaphorme/gravduel/pkg/gateway"
	"github.com/Metaphorme/gravduel/pkg/level"
	"github.com/Metaphorme/gravduel/pkg/models"
	"github.com/Metaphorme/gravduel/pkg/physics"
	"github.com/Metaphorme/gravduel/pkg/ready"
	"github.com/Metaphorme/gravduel/pkg/turnsync"
)

// ErrNoMatch 当前没有进行中的对局
var ErrNoMatch = errors.New("session: no active match")

// ErrMatchActive 已有进行中的对局
var ErrMatchActive = errors.New("session: a match is already active")

// Config 汇总一场对局的规则与同步参数
type Config struct {
	Game game.Config
	Sync turnsync.Config
}

// DefaultConfig 返回默认对局配置
func DefaultConfig() Config {
	return Config{Game: game.DefaultConfig(), Sync: turnsync.DefaultConfig()}
}

// Session 是一场对局的编排器
// 回调字段在 StartMatch 之前设置；回调在锁外执行
type Session struct {
	gw  gateway.Gateway
	cfg Config

	// OnMatchStart 在双方都就绪、对局真正开始时触发
	OnMatchStart func(m *game.Match, w *physics.World)
	// OnRoundStart 在新回合的地图生成完毕后触发
	OnRoundStart func(round int, w *physics.World)
	// OnShot 在任一方的射击被应用后触发
	OnShot func(firer int, act models.TurnAction, out physics.Outcome)
	// OnMatchEnd 在比赛出结果后触发；winner == -1 表示平局
	OnMatchEnd func(winner int, draw bool)
	// OnUnresponsive 在对端长期无响应、对局被放弃时触发
	OnUnresponsive func()

	mu      sync.Mutex
	match   *game.Match
	world   *physics.World
	engine  *turnsync.Engine
	ready   *ready.Handshake
	lastOut physics.Outcome // 最近一次模拟结果，供 OnShot 回调携带
}

// New 创建对局编排器
func New(gw gateway.Gateway, cfg Config) *Session {
	return &Session{gw: gw, cfg: cfg}
}

// Active 返回当前是否有进行中的对局
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.match != nil
}

// Match 返回当前对局的状态机，无对局时返回 nil
func (s *Session) Match() *game.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.match
}

// World 返回当前回合的关卡布局，无对局时返回 nil
func (s *Session) World() *physics.World {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.world
}

// Engine 返回回合同步引擎，无对局时返回 nil
func (s *Session) Engine() *turnsync.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine
}

// StartMatch 在挑战握手达成后进入对局：生成首回合地图、建立就绪握手、
// 宣布本端就绪；对端的就绪信号一到就启动回合同步
func (s *Session) StartMatch(ctx context.Context, opponent, matchID string) error {
	s.mu.Lock()
	if s.match != nil {
		s.mu.Unlock()
		return ErrMatchActive
	}

	m := game.NewMatch(s.cfg.Game, matchID, s.gw.PubKey(), opponent)
	w := level.Generate(matchID, 1)
	eng := turnsync.New(s.gw, m, &duelSim{s: s}, s.cfg.Sync)
	eng.OnApplied = s.handleApplied
	eng.OnRoundOver = s.handleRoundOver
	eng.OnMatchOver = s.handleMatchOver
	eng.OnUnresponsive = s.handleUnresponsive

	hs := ready.New(s.gw)
	s.match, s.world, s.engine, s.ready = m, w, eng, hs
	s.mu.Unlock()

	// 本地初始化完成（地图与物理世界已就位），先订阅再宣布，避免错过对端信号
	if err := hs.Start(matchID, opponent, func() { s.beginPlay(m, w) }); err != nil {
		s.teardown()
		return err
	}
	if err := hs.AnnounceReady(ctx); err != nil {
		s.teardown()
		return fmt.Errorf("session: announce ready: %w", err)
	}
	return nil
}

// beginPlay 在观测到对端就绪信号后启动回合同步
func (s *Session) beginPlay(m *game.Match, w *physics.World) {
	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()
	if eng == nil {
		return
	}
	if err := eng.Start(); err != nil {
		s.teardown()
		return
	}
	if s.OnMatchStart != nil {
		s.OnMatchStart(m, w)
	}
}

// Fire 执行本端射击
func (s *Session) Fire(ctx context.Context, angleDegrees, power float64, ability string) error {
	s.mu.Lock()
	eng := s.engine
	s.mu.Unlock()
	if eng == nil {
		return ErrNoMatch
	}
	return eng.Fire(ctx, models.Aim{AngleDegrees: angleDegrees, Power: power}, ability)
}

// Abandon 放弃当前对局并清理全部阶段状态
func (s *Session) Abandon() {
	s.teardown()
}

func (s *Session) teardown() {
	s.mu.Lock()
	eng, hs := s.engine, s.ready
	s.match, s.world, s.engine, s.ready = nil, nil, nil, nil
	s.mu.Unlock()
	if eng != nil {
		eng.Stop()
	}
	if hs != nil {
		hs.Stop()
	}
}

func (s *Session) handleApplied(firer int, act models.TurnAction, _ game.Hit, _ bool) {
	s.mu.Lock()
	out := s.lastOut
	s.mu.Unlock()
	if s.OnShot != nil {
		s.OnShot(firer, act, out)
	}
}

// handleRoundOver 回合结束：本地确定性地生成下一张地图并推进状态机。
// 双方从同一 (matchID, round) 派生同一种子，无须交换任何关卡数据
func (s *Session) handleRoundOver(_ int) {
	s.mu.Lock()
	m, eng := s.match, s.engine
	s.mu.Unlock()
	if m == nil || eng == nil {
		return
	}
	_ = m.BeginLoading()
	round, err := eng.BeginNextRound()
	if err != nil {
		return
	}
	w := level.Generate(m.ID(), round)
	s.mu.Lock()
	s.world = w
	s.mu.Unlock()
	if s.OnRoundStart != nil {
		s.OnRoundStart(round, w)
	}
}

func (s *Session) handleMatchOver(winner int, draw bool) {
	cb := s.OnMatchEnd
	s.teardown()
	if cb != nil {
		cb(winner, draw)
	}
}

func (s *Session) handleUnresponsive() {
	cb := s.OnUnresponsive
	s.teardown()
	if cb != nil {
		cb()
	}
}

// duelSim 把物理模拟适配成回合同步引擎需要的接口
// 两端对同一动作用同一张地图模拟，结果必然一致
type duelSim struct {
	s *Session
}

func (d *duelSim) Simulate(firer int, aim models.Aim, ability game.AbilityType) (game.Hit, bool) {
	d.s.mu.Lock()
	w := d.s.world
	d.s.mu.Unlock()
	if w == nil {
		return game.Hit{}, false
	}
	out, err := physics.Simulate(w, firer, aim.AngleDegrees, aim.Power, ability)
	if err != nil {
		return game.Hit{}, false
	}
	d.s.mu.Lock()
	d.s.lastOut = out
	d.s.mu.Unlock()
	if !out.Hit {
		return game.Hit{}, false
	}
	return game.Hit{HitPlayer: out.HitPlayer, Firer: firer, Ability: ability}, true
}
