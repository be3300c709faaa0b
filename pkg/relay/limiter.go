package relay

import (
	"sync"
	"time"
)

// IPLimiter 是基于 IP 的滑动窗口限制器
// 同时跟踪两个窗口：连接频率，以及被拒绝事件（坏签名等）的频率
type IPLimiter struct {
	mu         sync.Mutex
	conns      map[string][]time.Time // 每个 IP 的连接时间戳
	bads       map[string][]time.Time // 每个 IP 的被拒事件时间戳
	connWindow time.Duration
	maxConns   int
	badWindow  time.Duration
	maxBads    int
}

// NewIPLimiter 创建 IP 限制器
func NewIPLimiter(connWindow time.Duration, maxConns int, badWindow time.Duration, maxBads int) *IPLimiter {
	return &IPLimiter{
		conns:      make(map[string][]time.Time),
		bads:       make(map[string][]time.Time),
		connWindow: connWindow,
		maxConns:   maxConns,
		badWindow:  badWindow,
		maxBads:    maxBads,
	}
}

// pruneLocked 清理已移出滑动窗口的旧时间戳；需要在锁内调用
func (l *IPLimiter) pruneLocked(now time.Time) {
	for ip, arr := range l.conns {
		j := 0
		for _, t := range arr {
			if now.Sub(t) <= l.connWindow {
				arr[j] = t
				j++
			}
		}
		if j == 0 {
			delete(l.conns, ip)
		} else {
			l.conns[ip] = arr[:j]
		}
	}
	for ip, arr := range l.bads {
		j := 0
		for _, t := range arr {
			if now.Sub(t) <= l.badWindow {
				arr[j] = t
				j++
			}
		}
		if j == 0 {
			delete(l.bads, ip)
		} else {
			l.bads[ip] = arr[:j]
		}
	}
}

// Allow 判断来自特定 IP 的新连接是否应被接受
// 拒绝时返回建议的等待时长
func (l *IPLimiter) Allow(ip string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)

	arr := append(l.conns[ip], now)
	l.conns[ip] = arr
	if len(arr) > l.maxConns {
		wait := l.connWindow - now.Sub(arr[0])
		if wait < time.Second {
			wait = time.Second
		}
		return false, wait
	}

	if bads := l.bads[ip]; len(bads) > l.maxBads {
		wait := l.badWindow - now.Sub(bads[0])
		if wait < time.Second {
			wait = time.Second
		}
		return false, wait
	}

	return true, 0
}

// RecordBad 记录一次来自特定 IP 的被拒事件（签名无效、格式非法）
func (l *IPLimiter) RecordBad(ip string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	l.bads[ip] = append(l.bads[ip], now)
}
