// gravduel-relay 是消息中继守护进程：接受 WebSocket 连接、校验并转发
// 签名事件。中继对游戏语义一无所知，任何客户端都可以同时连接多个中继
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Metaphorme/gravduel/pkg/relay"
)

func main() {
	var listen string
	var dbPath string
	var retentionStr string
	var ephemeralWindowStr string
	var maxEventKB int
	var maxSubs int
	var msgRate float64
	var msgBurst int

	// 频控参数
	var rateConnWindowStr string
	var rateMaxConns int
	var rateBadWindowStr string
	var rateMaxBads int

	var verbose bool

	flag.StringVar(&listen, "listen", ":7447", "websocket listen addr")
	flag.StringVar(&dbPath, "db", "./relay.db", "sqlite path for stored events")
	flag.StringVar(&retentionStr, "retention", "24h", "retention for stored events, e.g. 6h/24h/72h")
	flag.StringVar(&ephemeralWindowStr, "ephemeral-window", "60s", "in-memory replay window for ephemeral events")
	flag.IntVar(&maxEventKB, "max-event-kb", 64, "max event size in KiB")
	flag.IntVar(&maxSubs, "max-subs", 16, "max subscriptions per connection")
	flag.Float64Var(&msgRate, "msg-rate", 20, "max messages per second per connection")
	flag.IntVar(&msgBurst, "msg-burst", 40, "message rate burst per connection")
	flag.StringVar(&rateConnWindowStr, "rate-conn-window", "1m", "per-IP connection rate window")
	flag.IntVar(&rateMaxConns, "rate-max-conns", 30, "max connections per IP within conn-window")
	flag.StringVar(&rateBadWindowStr, "rate-bad-window", "10m", "per-IP rejected-event window")
	flag.IntVar(&rateMaxBads, "rate-max-bads", 50, "max rejected events per IP within bad-window")
	flag.BoolVar(&verbose, "verbose", false, "log every accepted event")
	flag.Parse()

	retention, err := time.ParseDuration(retentionStr)
	if err != nil {
		log.Fatalf("bad -retention: %v", err)
	}
	ephemeralWindow, err := time.ParseDuration(ephemeralWindowStr)
	if err != nil {
		log.Fatalf("bad -ephemeral-window: %v", err)
	}
	connWindow, err := time.ParseDuration(rateConnWindowStr)
	if err != nil {
		log.Fatalf("bad -rate-conn-window: %v", err)
	}
	badWindow, err := time.ParseDuration(rateBadWindowStr)
	if err != nil {
		log.Fatalf("bad -rate-bad-window: %v", err)
	}

	store, err := relay.OpenEventStore(dbPath)
	if err != nil {
		log.Fatalf("open event store: %v", err)
	}
	defer store.Close()

	cfg := relay.DefaultConfig()
	cfg.MaxEventBytes = maxEventKB * 1024
	cfg.MaxSubsPerConn = maxSubs
	cfg.MsgPerSecond = msgRate
	cfg.MsgBurst = msgBurst
	cfg.Retention = retention
	cfg.EphemeralWindow = ephemeralWindow
	cfg.Verbose = verbose

	limiter := relay.NewIPLimiter(connWindow, rateMaxConns, badWindow, rateMaxBads)
	r := relay.New(store, limiter, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", r)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              listen,
		Handler:           logRequests(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("relay listening at %s (db=%s retention=%s)", listen, dbPath, retention)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	// 等待退出
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	fmt.Println("bye")
}

// logRequests 是一个 HTTP 中间件，用于记录每个请求的基本信息和处理耗时
// WebSocket 升级请求只在建立时记录一次
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s %s", r.RemoteAddr, r.Method, r.URL.Path, time.Since(start))
	})
}
