package browserpool

import (
	"context"
	"errors"
	"time"

	"github.com/go-rod/rod"

	"portal_broker/internal/model"
)

// FormLoginParams 描述一次浏览器填表登录。
type FormLoginParams struct {
	LoginURL    string
	Username    string
	Secret      string
	UsernameSel string
	SecretSel   string
	SubmitSel   string
	Timeout     time.Duration
}

// FormLoginResult 是填表登录跑完后的状态：最终 URL 用来判定成败，
// Cookie 用来重建 HTTP 会话。
type FormLoginResult struct {
	FinalURL string
	Cookies  []model.Cookie
}

// LoginViaForm 在一个池上下文里完成整个登录动作：打开登录页、
// 填表、提交、等跳转落定，然后导出 Cookie。只接受 rod 上下文。
func LoginViaForm(ctx context.Context, c Context, params FormLoginParams) (*FormLoginResult, error) {
	rc, ok := c.(*RodContext)
	if !ok {
		return nil, errors.New("browserpool: context does not drive a real browser")
	}
	if params.Timeout <= 0 {
		params.Timeout = 60 * time.Second
	}

	var finalURL string
	err := rod.Try(func() {
		p := rc.page.Context(ctx).Timeout(params.Timeout)
		p.MustNavigate(params.LoginURL)
		p.MustWaitLoad()

		p.MustElement(params.UsernameSel).MustSelectAllText().MustInput(params.Username)
		p.MustElement(params.SecretSel).MustSelectAllText().MustInput(params.Secret)

		wait := p.MustWaitNavigation()
		p.MustElement(params.SubmitSel).MustClick()
		wait()
		p.MustWaitLoad()

		finalURL = p.MustInfo().URL
	})
	if err != nil {
		return nil, err
	}

	cookies, err := rc.Cookies()
	if err != nil {
		return nil, err
	}
	return &FormLoginResult{FinalURL: finalURL, Cookies: cookies}, nil
}
