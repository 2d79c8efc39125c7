package browserpool

import (
	"context"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"portal_broker/internal/config"
	"portal_broker/internal/model"
)

// RodFactory 懒启动一个共享浏览器进程，每个池上下文是它的一个
// 隐身窗口，Cookie 互相隔离。
type RodFactory struct {
	cfg config.BrowserPoolConfig

	mu       sync.Mutex
	browser  *rod.Browser
	launcher *launcher.Launcher
}

func NewRodFactory(cfg config.BrowserPoolConfig) *RodFactory {
	return &RodFactory{cfg: cfg}
}

func (f *RodFactory) browserHandle() (*rod.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.browser != nil {
		return f.browser, nil
	}

	l := launcher.New().Headless(f.cfg.Headless)
	u, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, err
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, err
	}

	f.browser = b
	f.launcher = l
	return f.browser, nil
}

func (f *RodFactory) NewContext() (Context, error) {
	b, err := f.browserHandle()
	if err != nil {
		return nil, err
	}

	incognito, err := b.Incognito()
	if err != nil {
		return nil, err
	}

	var page *rod.Page
	if err := rod.Try(func() {
		page = stealth.MustPage(incognito)
	}); err != nil {
		_ = incognito.Close()
		return nil, err
	}

	return &RodContext{incognito: incognito, page: page}, nil
}

func (f *RodFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var err error
	if f.browser != nil {
		err = f.browser.Close()
		f.browser = nil
	}
	if f.launcher != nil {
		f.launcher.Kill()
		f.launcher = nil
	}
	return err
}

// RodContext 包装一个隐身窗口和它的常驻页面。
type RodContext struct {
	incognito *rod.Browser
	page      *rod.Page
}

func (c *RodContext) Page() *rod.Page {
	return c.page
}

func (c *RodContext) Reset() error {
	return rod.Try(func() {
		p := c.page.Context(context.Background()).Timeout(3 * time.Second)
		if err := (proto.NetworkClearBrowserCookies{}).Call(p); err != nil {
			panic(err)
		}
		p.MustNavigate("about:blank")
	})
}

func (c *RodContext) Close() error {
	_ = rod.Try(func() {
		c.page.MustClose()
	})
	return c.incognito.Close()
}

// Cookies 导出上下文当前的全部 Cookie。
func (c *RodContext) Cookies() ([]model.Cookie, error) {
	raw, err := c.incognito.GetCookies()
	if err != nil {
		return nil, err
	}
	out := make([]model.Cookie, 0, len(raw))
	for _, ck := range raw {
		var expires int64
		if ck.Expires > 0 {
			expires = time.Unix(int64(ck.Expires), 0).UnixMilli()
		}
		out = append(out, model.Cookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Path:     ck.Path,
			Domain:   ck.Domain,
			Expires:  expires,
			Secure:   ck.Secure,
			HttpOnly: ck.HTTPOnly,
		})
	}
	return out, nil
}
