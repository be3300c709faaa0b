// gravduel 是对战客户端：连接一个或多个消息中继，通过加密私信完成
// 挑战/应战握手，就绪后进入回合制的重力弹道对决。
// 没有任何仲裁服务器：双方各自模拟，只交换最小决策
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/Metaphorme/gravduel/internal/utils"
	"github.com/Metaphorme/gravduel/pkg/challenge"
	"github.com/Metaphorme/gravduel/pkg/crypto"
	"github.com/Metaphorme/gravduel/pkg/game"
	"github.com/Metaphorme/gravduel/pkg/gateway"
	"github.com/Metaphorme/gravduel/pkg/models"
	"github.com/Metaphorme/gravduel/pkg/physics"
	"github.com/Metaphorme/gravduel/pkg/session"
	"github.com/Metaphorme/gravduel/pkg/turnsync"
	"github.com/Metaphorme/gravduel/pkg/ui"
)

// app 汇总客户端的长生命周期对象
type app struct {
	console *ui.Console
	gw      *gateway.Pool
	chMgr   *challenge.Manager
	sess    *session.Session

	ttlBarStop chan struct{} // 关闭出站挑战倒计时条
}

func main() {
	var relaysCSV string
	var dataDir string
	var schemeName string
	var ttlStr string
	var rounds int
	var policyName string
	var oneUsePerRound bool
	var retries int
	var verbose bool

	home, _ := os.UserHomeDir()
	defDir := filepath.Join(home, ".gravduel")

	flag.StringVar(&relaysCSV, "relay", "ws://127.0.0.1:7447", "comma-separated relay websocket URLs")
	flag.StringVar(&dataDir, "data-dir", defDir, "directory for key file and challenge store")
	flag.StringVar(&schemeName, "scheme", "both", "cipher schemes to accept: sealed|legacy|both (first is preferred for sending)")
	flag.StringVar(&ttlStr, "challenge-ttl", "3m", "challenge TTL, e.g. 1m/3m")
	flag.IntVar(&rounds, "rounds", 5, "max rounds per match")
	flag.StringVar(&policyName, "policy", "ability-wins", "ability hit resolution: ability-wins|vulnerability")
	flag.BoolVar(&oneUsePerRound, "one-use-per-round", false, "forbid reusing an ability type within the same round")
	flag.IntVar(&retries, "turn-retries", 5, "republish attempts while waiting for the opponent (0 = wait forever)")
	flag.BoolVar(&verbose, "verbose", false, "print verbose protocol logs")
	flag.Parse()

	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		log.Fatalf("bad -challenge-ttl: %v", err)
	}
	schemes, err := parseSchemes(schemeName)
	if err != nil {
		log.Fatalf("bad -scheme: %v", err)
	}
	relays := utils.SplitCSV(relaysCSV)
	if len(relays) == 0 {
		log.Fatalf("no relay URLs given")
	}

	priv, err := gateway.LoadOrCreateKey(filepath.Join(dataDir, "key"))
	if err != nil {
		log.Fatalf("load key: %v", err)
	}
	kr := gateway.NewKeyring(priv, schemes...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	gw, err := gateway.DialPool(ctx, kr, gateway.PoolConfig{Relays: relays, Verbose: verbose})
	if err != nil {
		log.Fatalf("dial relays: %v", err)
	}
	defer gw.Close()

	console, err := ui.NewConsole(ui.C("duel> ", ui.CBold))
	if err != nil {
		log.Fatalf("console: %v", err)
	}
	defer console.Close()

	store, err := challenge.OpenStore(filepath.Join(dataDir, "challenge.db"))
	if err != nil {
		log.Fatalf("open challenge store: %v", err)
	}
	defer store.Close()

	gcfg := game.DefaultConfig()
	gcfg.MaxRounds = rounds
	gcfg.OneUsePerRound = oneUsePerRound
	switch policyName {
	case "ability-wins":
		gcfg.Policy = game.PolicyAbilityWins
	case "vulnerability":
		gcfg.Policy = game.PolicyVulnerability
	default:
		log.Fatalf("bad -policy: %q", policyName)
	}
	scfg := turnsync.DefaultConfig()
	scfg.RetryAttempts = retries

	a := &app{
		console: console,
		gw:      gw,
		sess:    session.New(gw, session.Config{Game: gcfg, Sync: scfg}),
	}
	a.chMgr = challenge.NewManager(gw, store, ttl)
	a.wireCallbacks(ctx)

	if err := a.chMgr.Start(); err != nil {
		log.Fatalf("challenge manager: %v", err)
	}
	defer a.chMgr.Stop()

	// 进程重启后恢复的在途挑战也要有倒计时条
	if sent := a.chMgr.Sent(); sent != nil {
		console.Logf("recovered pending challenge to %s (%s left)",
			ui.ShortID(sent.Recipient), sent.Remaining(time.Now()).Truncate(time.Second))
		a.startTTLBar(sent.Remaining(time.Now()))
	}

	console.Logf("you are %s", ui.C(gw.PubKey(), ui.CCyan))
	console.Logln("type /help for commands")
	a.inputLoop(ctx)
}

// parseSchemes 解析 -scheme 参数；排在前面的方案用于发送
func parseSchemes(s string) ([]crypto.Scheme, error) {
	switch strings.ToLower(s) {
	case "sealed":
		return []crypto.Scheme{crypto.SchemeSealed}, nil
	case "legacy":
		return []crypto.Scheme{crypto.SchemeLegacy}, nil
	case "both":
		return []crypto.Scheme{crypto.SchemeSealed, crypto.SchemeLegacy}, nil
	}
	return nil, fmt.Errorf("unknown scheme %q", s)
}

// wireCallbacks 把协议事件接到控制台
func (a *app) wireCallbacks(ctx context.Context) {
	c := a.console

	a.chMgr.OnReceived = func(r challenge.Received) {
		ui.PrintChallengeCard(c, r.Challenger, r.EventID, challenge.DefaultTTL)
	}
	a.chMgr.OnAccepted = func(opponent, matchID string) {
		a.stopTTLBar()
		c.Logf("challenge accepted, match %s vs %s", ui.ShortID(matchID), ui.ShortID(opponent))
		if err := a.sess.StartMatch(ctx, opponent, matchID); err != nil {
			c.Logf("%s %v", ui.C("start match:", ui.CRed), err)
		} else {
			c.Logln("waiting for opponent to get ready…")
		}
	}
	a.chMgr.OnExpired = func(outbound bool) {
		a.stopTTLBar()
		if outbound {
			c.Logln(ui.C("challenge expired without an answer", ui.CYel))
		} else {
			c.Logln(ui.C("incoming challenge expired", ui.CDim))
		}
	}

	a.sess.OnMatchStart = func(m *game.Match, w *physics.World) {
		ui.PrintMatchCard(c, m.ID(), m.Opponent(), m.LocalIndex())
		c.Println(ui.RenderBoard(w, m))
		a.promptTurn()
	}
	a.sess.OnRoundStart = func(round int, w *physics.World) {
		c.Logf("round %d begins", round)
		if m := a.sess.Match(); m != nil {
			c.Println(ui.RenderBoard(w, m))
		}
		a.promptTurn()
	}
	a.sess.OnShot = func(firer int, act models.TurnAction, out physics.Outcome) {
		c.Logln(ui.RenderShot(firer, out))
		if ab := act.AbilityName(); ab != "" {
			c.Logf("player %d used ability %s", firer, ui.C(ab, ui.CYel))
		}
		a.promptTurn()
	}
	a.sess.OnMatchEnd = func(winner int, draw bool) {
		if draw {
			c.Logln(ui.C("match over: draw", ui.CBold))
		} else {
			c.Logf("%s player %d wins the match", ui.C("match over:", ui.CBold), winner)
		}
		c.ResetPrompt()
	}
	a.sess.OnUnresponsive = func() {
		c.Logln(ui.C("opponent unresponsive, match abandoned", ui.CRed))
		c.ResetPrompt()
	}
}

// promptTurn 根据出手权刷新提示符
func (a *app) promptTurn() {
	m := a.sess.Match()
	if m == nil {
		a.console.ResetPrompt()
		return
	}
	if m.Turn() == m.LocalIndex() {
		a.console.SetPrompt(ui.C("your turn> ", ui.CGrn+ui.CBold))
	} else {
		a.console.SetPrompt(ui.C("waiting… ", ui.CDim))
	}
}

// startTTLBar 为在途挑战渲染一条倒计时进度条（渲染到 stderr，避免和 readline 冲突）
func (a *app) startTTLBar(ttl time.Duration) {
	a.stopTTLBar()
	stop := make(chan struct{})
	a.ttlBarStop = stop

	total := int64(ttl / time.Second)
	if total <= 0 {
		return
	}
	go func() {
		p := mpb.New(
			mpb.WithWidth(48),
			mpb.WithRefreshRate(500*time.Millisecond),
			mpb.WithOutput(os.Stderr),
		)
		bar := p.New(total,
			mpb.BarStyle(),
			mpb.BarRemoveOnComplete(),
			mpb.PrependDecorators(decor.Name("challenge TTL")),
			mpb.AppendDecorators(decor.CountersNoUnit("%d/%ds")),
		)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				bar.Abort(true)
				p.Wait()
				return
			case <-ticker.C:
				bar.Increment()
				if bar.Completed() {
					p.Wait()
					return
				}
			}
		}
	}()
}

func (a *app) stopTTLBar() {
	if a.ttlBarStop != nil {
		close(a.ttlBarStop)
		a.ttlBarStop = nil
	}
}

// inputLoop 是控制台命令循环
func (a *app) inputLoop(ctx context.Context) {
	c := a.console
	for {
		line, err := c.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			return // io.EOF 等：退出
		}
		cmd, args := utils.Fields(line)
		switch cmd {
		case "":
		case "/help":
			printHelp(c)
		case "/me":
			c.Logf("identity: %s", ui.C(a.gw.PubKey(), ui.CCyan))
		case "/challenge":
			a.cmdChallenge(ctx, args)
		case "/cancel":
			if err := a.chMgr.CancelChallenge(); err != nil {
				c.Logf("%v", err)
			} else {
				a.stopTTLBar()
				c.Logln("challenge cancelled")
			}
		case "/accept":
			a.cmdAccept(ctx)
		case "/dismiss":
			if err := a.chMgr.DismissChallenge(); err != nil {
				c.Logf("%v", err)
			} else {
				c.Logln("challenge dismissed")
			}
		case "/fire":
			a.cmdFire(ctx, args)
		case "/board":
			a.cmdBoard()
		case "/bye":
			if a.sess.Active() {
				a.sess.Abandon()
				c.Logln("match abandoned")
			}
			return
		default:
			c.Logf("unknown command %q, try /help", cmd)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (a *app) cmdChallenge(ctx context.Context, args []string) {
	c := a.console
	if len(args) != 1 {
		c.Logln("usage: /challenge <pubkey>")
		return
	}
	sent, err := a.chMgr.SendChallenge(ctx, args[0])
	if err != nil {
		c.Logf("%s %v", ui.C("challenge failed:", ui.CRed), err)
		return
	}
	c.Logf("challenge sent to %s (event %s)", ui.ShortID(sent.Recipient), ui.ShortID(sent.EventID))
	a.startTTLBar(sent.Remaining(time.Now()))
}

func (a *app) cmdAccept(ctx context.Context) {
	c := a.console
	opponent, matchID, err := a.chMgr.AcceptChallenge(ctx)
	if err != nil {
		c.Logf("%v", err)
		return
	}
	c.Logf("accepted challenge from %s, match %s", ui.ShortID(opponent), ui.ShortID(matchID))
}

func (a *app) cmdFire(ctx context.Context, args []string) {
	c := a.console
	if len(args) < 2 || len(args) > 3 {
		c.Logln("usage: /fire <angleDegrees> <power 0-100> [gravity|cluster|boost]")
		return
	}
	angle, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		c.Logf("bad angle %q", args[0])
		return
	}
	power, err := strconv.ParseFloat(args[1], 64)
	if err != nil || power < 0 || power > 100 {
		c.Logf("bad power %q (expected 0-100)", args[1])
		return
	}
	ability := ""
	if len(args) == 3 {
		ability = args[2]
		if m := a.sess.Match(); m != nil {
			if err := m.CanUseAbility(m.LocalIndex(), game.AbilityType(ability)); err != nil {
				c.Logf("%v", err)
				return
			}
		}
	}
	if err := a.sess.Fire(ctx, angle, power, ability); err != nil {
		c.Logf("%s %v", ui.C("fire:", ui.CRed), err)
	}
}

func (a *app) cmdBoard() {
	c := a.console
	m, w := a.sess.Match(), a.sess.World()
	if m == nil || w == nil {
		c.Logln("no active match")
		return
	}
	c.Println(ui.RenderBoard(w, m))
}

func printHelp(c *ui.Console) {
	c.Println(strings.Join([]string{
		"  /me                          show your identity",
		"  /challenge <pubkey>          send a challenge",
		"  /cancel                      cancel your pending challenge",
		"  /accept                      accept the incoming challenge",
		"  /dismiss                     dismiss the incoming challenge",
		"  /fire <angle> <power> [ab]   fire; ab = gravity|cluster|boost",
		"  /board                       render the current level",
		"  /bye                         quit",
	}, "\n"))
}
