package ui

import (
	"fmt"
	"strings"

	"github.com/Metaphorme/gravduel/pkg/game"
	"github.com/Metaphorme/gravduel/pkg/physics"
)

// 棋盘渲染尺寸（字符格）
const (
	boardCols = 78
	boardRows = 22
)

// RenderBoard 把关卡布局渲染成 ASCII 棋盘，附带 HP/比分状态行。
// 只是辅助观察，不参与任何对局逻辑
func RenderBoard(w *physics.World, m *game.Match) string {
	grid := make([][]rune, boardRows)
	for r := range grid {
		grid[r] = make([]rune, boardCols)
		for c := range grid[r] {
			grid[r][c] = ' '
		}
	}

	plot := func(p physics.Vec, ch rune) {
		col := int(p.X / w.Width * float64(boardCols))
		row := int(p.Y / w.Height * float64(boardRows))
		if col >= 0 && col < boardCols && row >= 0 && row < boardRows {
			grid[row][col] = ch
		}
	}

	for _, pl := range w.Planets {
		// 重力井按半径画成圆盘
		for r := 0; r < boardRows; r++ {
			for c := 0; c < boardCols; c++ {
				x := (float64(c) + 0.5) / float64(boardCols) * w.Width
				y := (float64(r) + 0.5) / float64(boardRows) * w.Height
				if (physics.Vec{X: x, Y: y}).Sub(pl.Pos).Len() <= pl.Radius {
					grid[r][c] = 'o'
				}
			}
		}
		plot(pl.Pos, 'O')
	}
	plot(w.Ships[0].Pos, '0')
	plot(w.Ships[1].Pos, '1')

	var b strings.Builder
	b.WriteString("+" + strings.Repeat("-", boardCols) + "+\n")
	for _, row := range grid {
		b.WriteString("|" + string(row) + "|\n")
	}
	b.WriteString("+" + strings.Repeat("-", boardCols) + "+\n")
	fmt.Fprintf(&b, "round %d  score %d:%d  hp %d:%d  turn: player %d\n",
		m.Round(), m.Score(0), m.Score(1), m.HP(0), m.HP(1), m.Turn())
	return b.String()
}

// RenderShot 返回一次射击结果的单行描述
func RenderShot(firer int, out physics.Outcome) string {
	if out.Hit {
		return fmt.Sprintf("player %d hit player %d at (%.0f,%.0f) after %d steps",
			firer, out.HitPlayer, out.Impact.X, out.Impact.Y, out.Steps)
	}
	return fmt.Sprintf("player %d missed (projectile died at %.0f,%.0f after %d steps)",
		firer, out.Impact.X, out.Impact.Y, out.Steps)
}
