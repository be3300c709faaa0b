package ready

import (
	"context"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/Metaphorme/gravduel/pkg/crypto"
	"github.com/Metaphorme/gravduel/pkg/gateway"
)

// ----------------- 测试工具 -----------------

func newGateway(t *testing.T, bus *gateway.Bus) *gateway.MemoryGateway {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return bus.NewGateway(gateway.NewKeyring(priv, crypto.SchemeSealed))
}

// ----------------- 就绪握手 -----------------

func TestBothSidesBecomeReady(t *testing.T) {
	bus := gateway.NewBus()
	a := newGateway(t, bus)
	b := newGateway(t, bus)

	ha, hb := New(a), New(b)
	aReady, bReady := 0, 0
	if err := ha.Start("m1", b.PubKey(), func() { aReady++ }); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := hb.Start("m1", a.PubKey(), func() { bReady++ }); err != nil {
		t.Fatalf("start b: %v", err)
	}

	if err := ha.AnnounceReady(context.Background()); err != nil {
		t.Fatalf("announce a: %v", err)
	}
	// 自己发出信号不代表就绪：只有看到对端的信号才算
	if aReady != 0 || bReady != 1 {
		t.Fatalf("after a announces: aReady=%d bReady=%d", aReady, bReady)
	}
	if err := hb.AnnounceReady(context.Background()); err != nil {
		t.Fatalf("announce b: %v", err)
	}
	if aReady != 1 || bReady != 1 {
		t.Fatalf("after both announce: aReady=%d bReady=%d", aReady, bReady)
	}
}

func TestReadySurvivesSubscribeRace(t *testing.T) {
	bus := gateway.NewBus()
	a := newGateway(t, bus)
	b := newGateway(t, bus)

	// 对端在本端建立订阅之前就已经发出信号：回看窗口必须把它追回来
	ha := New(a)
	if err := ha.Start("m1", b.PubKey(), nil); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := ha.AnnounceReady(context.Background()); err != nil {
		t.Fatalf("announce a: %v", err)
	}

	ready := 0
	hb := New(b)
	if err := hb.Start("m1", a.PubKey(), func() { ready++ }); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if ready != 1 {
		t.Fatalf("late subscriber must catch the earlier signal, got %d", ready)
	}
}

func TestSignalFiresOnce(t *testing.T) {
	bus := gateway.NewBus()
	a := newGateway(t, bus)
	b := newGateway(t, bus)

	ready := 0
	ha := New(a)
	if err := ha.Start("m1", b.PubKey(), func() { ready++ }); err != nil {
		t.Fatalf("start: %v", err)
	}

	hb := New(b)
	if err := hb.Start("m1", a.PubKey(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := hb.AnnounceReady(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}
	// 重复投递与再次发布都不会导致二次回调：首个信号后订阅已关闭
	if err := hb.AnnounceReady(context.Background()); err != nil {
		t.Fatalf("announce again: %v", err)
	}
	if ready != 1 {
		t.Fatalf("onReady must fire exactly once, got %d", ready)
	}
}

func TestForeignSignalsIgnored(t *testing.T) {
	bus := gateway.NewBus()
	a := newGateway(t, bus)
	b := newGateway(t, bus)

	ready := 0
	ha := New(a)
	if err := ha.Start("m1", b.PubKey(), func() { ready++ }); err != nil {
		t.Fatalf("start: %v", err)
	}

	// 同一对端、不同比赛的信号不算数
	hb := New(b)
	if err := hb.Start("m2", a.PubKey(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := hb.AnnounceReady(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if ready != 0 {
		t.Fatalf("signal for another match must be ignored")
	}
}

func TestRestartReplacesWaitingPeriod(t *testing.T) {
	bus := gateway.NewBus()
	a := newGateway(t, bus)
	b := newGateway(t, bus)

	stale, fresh := 0, 0
	ha := New(a)
	if err := ha.Start("m1", b.PubKey(), func() { stale++ }); err != nil {
		t.Fatalf("start: %v", err)
	}
	// 重新进入等待期：旧订阅被撤掉，只有新回调会触发
	if err := ha.Start("m2", b.PubKey(), func() { fresh++ }); err != nil {
		t.Fatalf("restart: %v", err)
	}

	hb := New(b)
	if err := hb.Start("m2", a.PubKey(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := hb.AnnounceReady(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if stale != 0 || fresh != 1 {
		t.Fatalf("stale=%d fresh=%d", stale, fresh)
	}
}

func TestAnnounceWithoutStart(t *testing.T) {
	bus := gateway.NewBus()
	h := New(newGateway(t, bus))
	if err := h.AnnounceReady(context.Background()); err != ErrNotWaiting {
		t.Fatalf("got %v, want ErrNotWaiting", err)
	}
}

func TestStopCancelsWaiting(t *testing.T) {
	bus := gateway.NewBus()
	a := newGateway(t, bus)
	b := newGateway(t, bus)

	ready := 0
	ha := New(a)
	if err := ha.Start("m1", b.PubKey(), func() { ready++ }); err != nil {
		t.Fatalf("start: %v", err)
	}
	ha.Stop()
	ha.Stop() // 幂等

	hb := New(b)
	if err := hb.Start("m1", a.PubKey(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := hb.AnnounceReady(context.Background()); err != nil {
		t.Fatalf("announce: %v", err)
	}
	if ready != 0 {
		t.Fatalf("stopped waiting period must not fire")
	}
}
