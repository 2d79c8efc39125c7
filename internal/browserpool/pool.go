// Package browserpool 维护一池隔离的无头浏览器上下文。
// 上下文创建开销大（秒级），按需创建扛不住登录高峰，所以启动时
// 就把池灌满，用完清理后归还复用。
package browserpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"portal_broker/internal/logbus"
)

var ErrPoolExhausted = errors.New("browser context pool exhausted")

// Context 是池里的一个隔离浏览器上下文。
type Context interface {
	// Reset 清掉 Cookie、回收页面，让上下文可以安全复用。
	Reset() error
	Close() error
}

// Factory 生产上下文。测试用假实现，生产用 RodFactory。
type Factory interface {
	NewContext() (Context, error)
	Close() error
}

type Pool struct {
	factory        Factory
	ctxs           chan Context
	size           int
	acquireTimeout time.Duration
	bus            *logbus.Bus

	mu     sync.Mutex
	closed bool
}

// New 创建并立刻灌满池子。任何一个上下文创建失败都整体失败，
// 起不来的浏览器环境宁可启动时就暴露。
func New(factory Factory, size int, acquireTimeout time.Duration, bus *logbus.Bus) (*Pool, error) {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		factory:        factory,
		ctxs:           make(chan Context, size),
		size:           size,
		acquireTimeout: acquireTimeout,
		bus:            bus,
	}
	for i := 0; i < size; i++ {
		c, err := factory.NewContext()
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("browserpool fill %d/%d: %w", i+1, size, err)
		}
		p.ctxs <- c
	}
	if bus != nil {
		bus.Log("info", "浏览器上下文池就绪", map[string]any{"size": size})
	}
	return p, nil
}

// Acquire 在配置的等待时间内取一个上下文，拿不到返回 ErrPoolExhausted。
func (p *Pool) Acquire(ctx context.Context) (Context, error) {
	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()
	select {
	case c, ok := <-p.ctxs:
		if !ok {
			return nil, errors.New("browserpool closed")
		}
		return c, nil
	case <-timer.C:
		return nil, ErrPoolExhausted
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release 清理后归还。清理失败的上下文直接销毁并补一个新的，
// 绝不把脏上下文还回池里。
func (p *Pool) Release(c Context) {
	if c == nil {
		return
	}
	if err := c.Reset(); err != nil {
		if p.bus != nil {
			p.bus.Log("warn", "上下文清理失败，销毁重建", map[string]any{"error": err.Error()})
		}
		_ = c.Close()
		replacement, err := p.factory.NewContext()
		if err != nil {
			if p.bus != nil {
				p.bus.Log("error", "上下文重建失败，池容量暂时减一", map[string]any{"error": err.Error()})
			}
			return
		}
		c = replacement
	}

	// 入池动作和 Close 里的关通道共用同一把锁，归还赶上关停时
	// 不会往已关闭的通道里塞。
	p.mu.Lock()
	returned := false
	if !p.closed {
		select {
		case p.ctxs <- c:
			returned = true
		default:
		}
	}
	p.mu.Unlock()
	if !returned {
		_ = c.Close()
	}
}

// Execute 按“取用-执行-归还”跑一段需要浏览器的逻辑。
func (p *Pool) Execute(ctx context.Context, fn func(Context) error) error {
	c, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(c)
	return fn(c)
}

func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.ctxs)
	p.mu.Unlock()

	for c := range p.ctxs {
		_ = c.Close()
	}
	return p.factory.Close()
}
