// Package level 实现可复现的程序化关卡生成。
// 种子由 (matchId, roundNumber) 经 BLAKE3 派生，双方零消息地得到同一张地图。
package level

import (
	"encoding/binary"
	"fmt"
	"math/rand"

	"lukechampine.com/blake3"

	"github.com/Metaphorme/gravduel/pkg/physics"
)

// 布局约束
const (
	MinPlanets = 2
	MaxPlanets = 4

	minPlanetRadius = 25.0
	maxPlanetRadius = 60.0

	shipZoneWidth  = 180.0 // 飞船各自出生在左右镜像的边缘区域内
	shipEdgePad    = 40.0
	planetShipGap  = 90.0 // 重力井与飞船中心的最小间距
	planetGap      = 30.0 // 重力井表面之间的最小间距
	maxPlaceTrials = 256  // 拒绝采样重试上限，超过则放弃该重力井
)

// Seed 把比赛标识与回合号压缩为 64 位种子。
// 两端对同一 (matchID, round) 必然得到同一种子，这是布局一致性的全部来源。
func Seed(matchID string, round int) uint64 {
	h := blake3.New(8, nil)
	h.Write([]byte(matchID))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(round))
	h.Write(buf[:])
	return binary.LittleEndian.Uint64(h.Sum(nil))
}

// Generate 按种子生成一回合的关卡布局。
// 同一种子在任何平台上产出相同布局（math/rand 的序列是平台无关的）。
func Generate(matchID string, round int) *physics.World {
	rng := rand.New(rand.NewSource(int64(Seed(matchID, round))))

	w := &physics.World{
		Width:  physics.WorldWidth,
		Height: physics.WorldHeight,
	}

	// 飞船：左右镜像区域内随机，保证开局对称性约束
	w.Ships[0] = physics.Ship{Pos: physics.Vec{
		X: shipEdgePad + rng.Float64()*shipZoneWidth,
		Y: shipEdgePad + rng.Float64()*(w.Height-2*shipEdgePad),
	}}
	w.Ships[1] = physics.Ship{Pos: physics.Vec{
		X: w.Width - shipEdgePad - rng.Float64()*shipZoneWidth,
		Y: shipEdgePad + rng.Float64()*(w.Height-2*shipEdgePad),
	}}

	// 重力井：拒绝采样直到满足与飞船、与既有重力井的间距约束
	n := MinPlanets + rng.Intn(MaxPlanets-MinPlanets+1)
	for i := 0; i < n; i++ {
		if pl, ok := placePlanet(rng, w); ok {
			w.Planets = append(w.Planets, pl)
		}
	}
	return w
}

func placePlanet(rng *rand.Rand, w *physics.World) (physics.Planet, bool) {
	for trial := 0; trial < maxPlaceTrials; trial++ {
		r := minPlanetRadius + rng.Float64()*(maxPlanetRadius-minPlanetRadius)
		pos := physics.Vec{
			X: r + rng.Float64()*(w.Width-2*r),
			Y: r + rng.Float64()*(w.Height-2*r),
		}
		if !planetFits(w, pos, r) {
			continue
		}
		return physics.Planet{Pos: pos, Radius: r}, true
	}
	return physics.Planet{}, false
}

func planetFits(w *physics.World, pos physics.Vec, r float64) bool {
	for _, s := range w.Ships {
		if pos.Sub(s.Pos).Len() < r+planetShipGap {
			return false
		}
	}
	for _, pl := range w.Planets {
		if pos.Sub(pl.Pos).Len() < r+pl.Radius+planetGap {
			return false
		}
	}
	return true
}

// Describe 返回单行布局摘要，用于日志与控制台提示
func Describe(w *physics.World) string {
	return fmt.Sprintf("%.0fx%.0f, %d planets, ships (%.0f,%.0f)/(%.0f,%.0f)",
		w.Width, w.Height, len(w.Planets),
		w.Ships[0].Pos.X, w.Ships[0].Pos.Y, w.Ships[1].Pos.X, w.Ships[1].Pos.Y)
}
