package smtp

import (
	"sync"

	"golang.org/x/time/rate"
)

// ConnectionLimiter 收件服务的连接准入控制
//
// 同时限制并发会话数和新建会话速率，超出时 NewSession 直接返回 421。
type ConnectionLimiter struct {
	mu       sync.Mutex
	maxConns int
	active   int
	accepts  *rate.Limiter
}

// NewConnectionLimiter 创建连接限流器
//
// 参数:
//   - maxConns: 最大并发连接数
//   - perSecond: 每秒允许新建的连接数，同时作为突发上限
func NewConnectionLimiter(maxConns, perSecond int) *ConnectionLimiter {
	if maxConns <= 0 {
		maxConns = 1
	}
	if perSecond <= 0 {
		perSecond = 1
	}
	return &ConnectionLimiter{
		maxConns: maxConns,
		accepts:  rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

// Acquire 获取会话许可，失败时不消耗速率令牌
func (l *ConnectionLimiter) Acquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active >= l.maxConns {
		return false
	}
	if !l.accepts.Allow() {
		return false
	}

	l.active++
	return true
}

// Release 会话结束时归还许可
func (l *ConnectionLimiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.active > 0 {
		l.active--
	}
}

// Current 当前活跃会话数
func (l *ConnectionLimiter) Current() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
