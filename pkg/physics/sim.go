// Package physics 实现确定性的重力井弹道模拟。
// 双方以相同输入（角度、力度、能力）各自本地模拟，必须得出完全一致的结果，
// 因此这里只使用固定步长与固定阶数的浮点运算，绝不引入随机性或实时时钟。
package physics

import (
	"errors"
	"math"

	"github.com/Metaphorme/gravduel/pkg/game"
)

// 世界与积分常量
const (
	WorldWidth  = 1000.0
	WorldHeight = 600.0

	dt       = 1.0 / 60.0 // 固定步长
	maxSteps = 3600       // 60 秒模拟上限，超过按脱靶处理
	gravityK = 5.0e5      // 重力井强度系数

	ShipRadius   = 12.0
	launchSpeed  = 4.0 // power(0-100) 到初速的换算系数
	escapeMargin = 250.0
)

// 能力对弹道的修正系数
const (
	gravityPull  = 1.6  // gravity：所有重力井对己方弹体的引力放大
	boostSpeed   = 1.35 // boost：初速放大
	clusterScale = 2.0  // cluster：命中判定半径放大
)

// ErrBadFirer 发射方序号越界
var ErrBadFirer = errors.New("physics: firer index out of range")

// Vec 二维向量
type Vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add 向量加法
func (v Vec) Add(o Vec) Vec { return Vec{v.X + o.X, v.Y + o.Y} }

// Scale 标量乘法
func (v Vec) Scale(k float64) Vec { return Vec{v.X * k, v.Y * k} }

// Sub 向量减法
func (v Vec) Sub(o Vec) Vec { return Vec{v.X - o.X, v.Y - o.Y} }

// Len 向量长度
func (v Vec) Len() float64 { return math.Hypot(v.X, v.Y) }

// Planet 是一个重力井：质量由半径立方近似
type Planet struct {
	Pos    Vec     `json:"pos"`
	Radius float64 `json:"radius"`
}

// Mass 返回重力井的等效质量
func (p Planet) Mass() float64 { return p.Radius * p.Radius * p.Radius / 1.0e4 }

// Ship 是一艘可被命中的飞船
type Ship struct {
	Pos Vec `json:"pos"`
}

// World 是一回合的完整关卡布局；由关卡生成器产出，双方一致
type World struct {
	Width   float64  `json:"width"`
	Height  float64  `json:"height"`
	Planets []Planet `json:"planets"`
	Ships   [2]Ship  `json:"ships"`
}

// Outcome 是一次弹道模拟的结果摘要
type Outcome struct {
	Hit       bool // 是否命中任一飞船（含发射方自己）
	HitPlayer int  // Hit 时被命中的玩家序号
	Steps     int  // 模拟消耗的步数
	Impact    Vec  // 命中点或弹体消亡点
}

// Simulate 以固定步长半隐式欧拉积分模拟一次射击。
// angleDeg 以度计（0 = 向右，逆时针为正），power ∈ [0,100]。
// 同一 (World, firer, angleDeg, power, ability) 输入在任何平台上得到相同 Outcome。
func Simulate(w *World, firer int, angleDeg, power float64, ability game.AbilityType) (Outcome, error) {
	if firer < 0 || firer > 1 {
		return Outcome{}, ErrBadFirer
	}

	speed := clampf(power, 0, 100) * launchSpeed
	pull := 1.0
	hitR := ShipRadius
	switch ability {
	case game.AbilityGravity:
		pull = gravityPull
	case game.AbilityBoost:
		speed *= boostSpeed
	case game.AbilityCluster:
		hitR = ShipRadius * clusterScale
	}

	rad := angleDeg * math.Pi / 180
	dir := Vec{math.Cos(rad), math.Sin(rad)}

	// 弹体从命中判定半径外一点出膛，避免第 0 步即自我命中
	// （cluster 扩大判定半径时出膛点要一并外移）
	pos := w.Ships[firer].Pos.Add(dir.Scale(hitR + 2))
	vel := dir.Scale(speed)

	for step := 1; step <= maxSteps; step++ {
		acc := Vec{}
		for _, pl := range w.Planets {
			d := pl.Pos.Sub(pos)
			r := d.Len()
			if r < pl.Radius {
				// 坠入重力井，弹体消亡
				return Outcome{Steps: step, Impact: pos}, nil
			}
			acc = acc.Add(d.Scale(gravityK * pl.Mass() * pull / (r * r * r)))
		}

		// 半隐式欧拉：先更新速度再更新位置，固定求值顺序保证跨端一致
		vel = vel.Add(acc.Scale(dt))
		pos = pos.Add(vel.Scale(dt))

		for i, s := range w.Ships {
			if pos.Sub(s.Pos).Len() <= hitR {
				return Outcome{Hit: true, HitPlayer: i, Steps: step, Impact: pos}, nil
			}
		}

		if pos.X < -escapeMargin || pos.X > w.Width+escapeMargin ||
			pos.Y < -escapeMargin || pos.Y > w.Height+escapeMargin {
			return Outcome{Steps: step, Impact: pos}, nil
		}
	}
	return Outcome{Steps: maxSteps, Impact: pos}, nil
}

func clampf(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
