// Package session 是会话生命周期的中枢：设备初始化、登录、代理调用、
// 账号切换和登出都从这里走。所有状态落在缓存存储里，进程内只保留
// 锁和限流器。
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"portal_broker/internal/auth"
	"portal_broker/internal/browserpool"
	"portal_broker/internal/captcha"
	"portal_broker/internal/config"
	"portal_broker/internal/logbus"
	"portal_broker/internal/model"
	"portal_broker/internal/notify"
	"portal_broker/internal/portal"
	"portal_broker/internal/store"
)

// 缓存命名空间。字段键：init/accounts/active 用 machineId，
// session 用 machineId:userId。
const (
	nsInit     = "proxy:init"
	nsSession  = "proxy:session"
	nsAccounts = "proxy:accounts"
	nsActive   = "proxy:active"
)

// 浏览器填表登录用的页面选择器，对应门户登录页的 DOM。
const (
	loginUsernameSel = "#username"
	loginSecretSel   = "#password"
	loginSubmitSel   = "#login_submit"
)

type Options struct {
	Cfg        config.Config
	Store      store.Store
	Client     *portal.Client
	Dispatcher *auth.Dispatcher
	Pool       *browserpool.Pool
	Captcha    captcha.Recognizer
	Notifier   notify.Notifier
	Bus        *logbus.Bus
}

type Manager struct {
	cfg        config.Config
	store      store.Store
	client     *portal.Client
	dispatcher *auth.Dispatcher
	pool       *browserpool.Pool
	captcha    captcha.Recognizer
	notifier   notify.Notifier
	bus        *logbus.Bus

	mu            sync.Mutex
	machineLocks  map[string]chan struct{}
	perLimiter    map[string]*rate.Limiter
	globalLimiter *rate.Limiter
}

func New(opts Options) *Manager {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Noop{}
	}
	m := &Manager{
		cfg:        opts.Cfg,
		store:      opts.Store,
		client:     opts.Client,
		dispatcher: opts.Dispatcher,
		pool:       opts.Pool,
		captcha:    opts.Captcha,
		notifier:   notifier,
		bus:        opts.Bus,
	}
	m.machineLocks = make(map[string]chan struct{})
	m.perLimiter = make(map[string]*rate.Limiter)
	m.globalLimiter = rate.NewLimiter(
		rate.Limit(opts.Cfg.Limits.GlobalQPS), opts.Cfg.Limits.GlobalBurst)
	return m
}

// InitSession 为设备建立匿名的门户会话：跟完网关跳转链收集 Cookie，
// 再从落地的登录页抠出隐藏表单字段。重复调用续用已有 Cookie。
func (m *Manager) InitSession(ctx context.Context, machineID string) (*model.InitResult, error) {
	unlock, err := m.lockMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := m.waitLimits(ctx, machineID); err != nil {
		return nil, err
	}

	jar := m.newJar()
	if prev, ok, _ := m.getInit(ctx, machineID); ok {
		jar.Merge(prev.Cookies)
	}

	res, err := m.client.Get(ctx, m.cfg.Portal.GatewayURL, jar)
	if err != nil {
		return nil, &UpstreamError{Op: "init", Err: err}
	}
	if jar.Len() == 0 {
		return nil, &UpstreamError{Op: "init", Err: fmt.Errorf("portal returned no cookies")}
	}

	sess := model.DeviceInitSession{
		MachineID:  machineID,
		Cookies:    jar.Snapshot(),
		FormTokens: portal.ExtractFormTokens(res.Body),
		FinalURL:   res.FinalURL,
		CreatedAt:  time.Now().UnixMilli(),
	}
	if err := m.putJSON(ctx, nsInit, machineID, sess, m.cfg.Session.InitTTL()); err != nil {
		return nil, err
	}

	if m.bus != nil {
		m.bus.SessionEvent("init", machineID, "", res.FinalURL)
	}
	return &model.InitResult{
		MachineID:  machineID,
		FinalURL:   res.FinalURL,
		FormTokens: sess.FormTokens,
		Cookies:    sess.Cookies,
	}, nil
}

// SendCode 让门户给账号发短信验证码。必须先 InitSession，
// 发码过程中门户补发的 Cookie 要折回初始化会话。
func (m *Manager) SendCode(ctx context.Context, machineID, userID string) (bool, error) {
	unlock, err := m.lockMachine(ctx, machineID)
	if err != nil {
		return false, err
	}
	defer unlock()
	if err := m.waitLimits(ctx, machineID); err != nil {
		return false, err
	}

	sess, ok, err := m.getInit(ctx, machineID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrSessionNotFound
	}

	jar := m.newJar()
	jar.Merge(sess.Cookies)

	sms := &auth.SMS{}
	res, err := m.client.PostForm(ctx, m.cfg.Portal.SMSSendURL, jar, sms.BuildSendForm(userID))
	if err != nil {
		return false, &UpstreamError{Op: "send-sms", Err: err}
	}

	sess.Cookies = jar.Snapshot()
	if err := m.putJSON(ctx, nsInit, machineID, sess, m.cfg.Session.InitTTL()); err != nil {
		return false, err
	}

	accepted := sms.SendAccepted(res.StatusCode, res.Body)
	if m.bus != nil {
		m.bus.Log("info", "短信验证码发送", map[string]any{
			"machineId": machineID,
			"userId":    userID,
			"accepted":  accepted,
		})
	}
	return accepted, nil
}

// Login 把登录命令交给对应策略提交，成功后把匿名会话升级成用户会话。
func (m *Manager) Login(ctx context.Context, cmd model.LoginCommand) (*model.LoginResult, error) {
	unlock, err := m.lockMachine(ctx, cmd.MachineID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := m.waitLimits(ctx, cmd.MachineID); err != nil {
		return nil, err
	}

	init, ok, err := m.getInit(ctx, cmd.MachineID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}

	strategy, err := m.dispatcher.Strategy(cmd.LoginType)
	if err != nil {
		return nil, err
	}

	if m.isInteractive(cmd.LoginType) && m.pool != nil {
		return m.loginInteractive(ctx, cmd)
	}

	jar := m.newJar()
	jar.Merge(init.Cookies)

	outcome, err := m.submitLogin(ctx, strategy, cmd, init.FormTokens, jar)
	if err != nil {
		return nil, err
	}

	if outcome.NeedCaptcha && cmd.Captcha == "" && m.captcha != nil && m.cfg.Portal.CaptchaImgURL != "" {
		if answer, cerr := m.solveCaptcha(ctx, init.Cookies); cerr == nil {
			retry := cmd
			retry.Captcha = answer
			jar = m.newJar()
			jar.Merge(init.Cookies)
			outcome, err = m.submitLogin(ctx, strategy, retry, init.FormTokens, jar)
			if err != nil {
				return nil, err
			}
		} else if m.bus != nil {
			m.bus.Log("warn", "验证码自动识别失败，留给客户端", map[string]any{"error": cerr.Error()})
		}
	}

	result := &model.LoginResult{
		MachineID:   cmd.MachineID,
		UserID:      cmd.UserID,
		Success:     outcome.Success,
		NeedCaptcha: outcome.NeedCaptcha,
		Message:     outcome.Message,
	}
	if outcome.NeedCaptcha {
		return result, nil
	}

	m.notifier.NotifyLogin(ctx, notify.LoginEvent{
		At:        time.Now().UnixMilli(),
		MachineID: cmd.MachineID,
		UserID:    cmd.UserID,
		LoginType: string(cmd.LoginType),
		Success:   outcome.Success,
		Message:   outcome.Message,
	})

	if !outcome.Success {
		if m.bus != nil {
			m.bus.SessionEvent("login-failed", cmd.MachineID, cmd.UserID, outcome.Message)
		}
		return result, nil
	}

	if err := m.finishLogin(ctx, cmd.MachineID, cmd.UserID, string(cmd.LoginType), jar.Snapshot()); err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Manager) submitLogin(ctx context.Context, strategy auth.Strategy, cmd model.LoginCommand, tokens model.FormTokens, jar *portal.Jar) (auth.Outcome, error) {
	form := strategy.BuildForm(cmd, tokens)
	res, err := m.client.PostForm(ctx, m.cfg.Portal.LoginURL, jar, form)
	if err != nil {
		return auth.Outcome{}, &UpstreamError{Op: "login", Err: err}
	}
	return auth.Interpret(res, m.rules()), nil
}

// solveCaptcha 用初始化会话的 Cookie 拉验证码图并送打码平台识别。
func (m *Manager) solveCaptcha(ctx context.Context, cookies []model.Cookie) (string, error) {
	jar := m.newJar()
	jar.Merge(cookies)
	res, err := m.client.Get(ctx, m.cfg.Portal.CaptchaImgURL, jar)
	if err != nil {
		return "", err
	}
	return m.captcha.Recognize(ctx, []byte(res.Body))
}

// loginInteractive 在池化浏览器里真实填表登录，用于直连表单
// 会被门户前端脚本拦截的登录方式。
func (m *Manager) loginInteractive(ctx context.Context, cmd model.LoginCommand) (*model.LoginResult, error) {
	var formRes *browserpool.FormLoginResult
	err := m.pool.Execute(ctx, func(c browserpool.Context) error {
		var ferr error
		formRes, ferr = browserpool.LoginViaForm(ctx, c, browserpool.FormLoginParams{
			LoginURL:    m.cfg.Portal.LoginURL,
			Username:    cmd.UserID,
			Secret:      cmd.Code,
			UsernameSel: loginUsernameSel,
			SecretSel:   loginSecretSel,
			SubmitSel:   loginSubmitSel,
			Timeout:     m.cfg.BrowserPool.RequestTimeout(),
		})
		return ferr
	})
	if err != nil {
		if err == browserpool.ErrPoolExhausted || ctx.Err() != nil {
			return nil, err
		}
		return nil, &UpstreamError{Op: "interactive-login", Err: err}
	}

	success := !strings.Contains(formRes.FinalURL, m.cfg.Portal.LoginPath)
	result := &model.LoginResult{
		MachineID: cmd.MachineID,
		UserID:    cmd.UserID,
		Success:   success,
	}
	m.notifier.NotifyLogin(ctx, notify.LoginEvent{
		At:        time.Now().UnixMilli(),
		MachineID: cmd.MachineID,
		UserID:    cmd.UserID,
		LoginType: string(cmd.LoginType),
		Success:   success,
	})
	if !success {
		result.Message = "登录未通过"
		return result, nil
	}
	if err := m.finishLogin(ctx, cmd.MachineID, cmd.UserID, string(cmd.LoginType), formRes.Cookies); err != nil {
		return nil, err
	}
	return result, nil
}

// finishLogin 落盘用户会话、登记账号、切活跃指针、作废初始化会话。
func (m *Manager) finishLogin(ctx context.Context, machineID, userID, loginType string, cookies []model.Cookie) error {
	now := time.Now().UnixMilli()
	sess := model.UserSession{
		MachineID:    machineID,
		UserID:       userID,
		Cookies:      cookies,
		LoginType:    loginType,
		CreatedAt:    now,
		LastAccessAt: now,
	}
	if err := m.putJSON(ctx, nsSession, sessionField(machineID, userID), sess, m.cfg.Session.SessionTTL()); err != nil {
		return err
	}
	if err := m.addAccount(ctx, machineID, userID); err != nil {
		return err
	}
	if err := m.setActive(ctx, machineID, userID); err != nil {
		return err
	}
	if err := m.store.HDel(ctx, nsInit, machineID); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.SessionEvent("login", machineID, userID, loginType)
	}
	return nil
}

// ProxyAPI 代表某个已登录账号调用门户接口。form 为 nil 时是 GET。
// 最终 URL 落回登录页说明门户侧会话已失效：清掉本地会话并报过期。
func (m *Manager) ProxyAPI(ctx context.Context, machineID, userID, apiURL string, form map[string]string) (*portal.Result, error) {
	unlock, err := m.lockMachine(ctx, machineID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := m.waitLimits(ctx, machineID); err != nil {
		return nil, err
	}

	if userID == "" {
		userID, err = m.getActive(ctx, machineID)
		if err != nil {
			return nil, err
		}
		if userID == "" {
			return nil, ErrNotLoggedIn
		}
	}

	var sess model.UserSession
	ok, err := m.getJSON(ctx, nsSession, sessionField(machineID, userID), &sess)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrSessionNotFound
	}

	jar := m.newJar()
	jar.Merge(sess.Cookies)

	var res *portal.Result
	if form != nil {
		res, err = m.client.PostForm(ctx, apiURL, jar, form)
	} else {
		res, err = m.client.Get(ctx, apiURL, jar)
	}
	if err != nil {
		return nil, &UpstreamError{Op: "proxy-api", Err: err}
	}

	if strings.Contains(res.FinalURL, m.cfg.Portal.LoginPath) {
		if derr := m.dropSession(ctx, machineID, userID); derr != nil {
			return nil, derr
		}
		if m.bus != nil {
			m.bus.SessionEvent("expired", machineID, userID, res.FinalURL)
		}
		return nil, ErrSessionExpired
	}

	sess.Cookies = jar.Snapshot()
	sess.LastAccessAt = time.Now().UnixMilli()
	if err := m.putJSON(ctx, nsSession, sessionField(machineID, userID), sess, m.cfg.Session.SessionTTL()); err != nil {
		return nil, err
	}
	return res, nil
}

// CheckSession 报告会话状态：指定账号查该账号；不指定时看活跃账号，
// 一个账号都没有则退回查设备初始化会话。
func (m *Manager) CheckSession(ctx context.Context, machineID, userID string) (bool, error) {
	if userID == "" {
		active, err := m.getActive(ctx, machineID)
		if err != nil {
			return false, err
		}
		if active == "" {
			return m.store.HHas(ctx, nsInit, machineID)
		}
		userID = active
	}
	return m.store.HHas(ctx, nsSession, sessionField(machineID, userID))
}

// AccountInfo 是设备上一个已登录账号的概览。
type AccountInfo struct {
	UserID       string `json:"userId"`
	Active       bool   `json:"active"`
	LoginType    string `json:"loginType,omitempty"`
	LastAccessAt int64  `json:"lastAccessAtMs,omitempty"`
}

// Accounts 列出设备上的账号，顺手把会话已丢失的账号从登记表剔掉。
func (m *Manager) Accounts(ctx context.Context, machineID string) ([]AccountInfo, error) {
	userIDs, err := m.listAccounts(ctx, machineID)
	if err != nil {
		return nil, err
	}
	active, err := m.getActive(ctx, machineID)
	if err != nil {
		return nil, err
	}

	out := make([]AccountInfo, 0, len(userIDs))
	kept := make([]string, 0, len(userIDs))
	for _, uid := range userIDs {
		var sess model.UserSession
		ok, err := m.getJSON(ctx, nsSession, sessionField(machineID, uid), &sess)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		kept = append(kept, uid)
		out = append(out, AccountInfo{
			UserID:       uid,
			Active:       uid == active,
			LoginType:    sess.LoginType,
			LastAccessAt: sess.LastAccessAt,
		})
	}
	if len(kept) != len(userIDs) {
		if err := m.saveAccounts(ctx, machineID, kept); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SwitchAccount 把活跃指针切到另一个已登录账号。
// 目标会话不存在时指针保持原样。
func (m *Manager) SwitchAccount(ctx context.Context, machineID, userID string) error {
	ok, err := m.store.HHas(ctx, nsSession, sessionField(machineID, userID))
	if err != nil {
		return err
	}
	if !ok {
		return ErrSessionNotFound
	}
	if err := m.setActive(ctx, machineID, userID); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.SessionEvent("switch", machineID, userID, "")
	}
	return nil
}

// Logout 清会话：指定账号登出该账号，不指定登出活跃账号，
// 连活跃账号都没有就只清设备初始化会话。
// 点名登出一个没有会话的账号是调用方状态错乱，报 ErrSessionNotFound。
func (m *Manager) Logout(ctx context.Context, machineID, userID string) error {
	unlock, err := m.lockMachine(ctx, machineID)
	if err != nil {
		return err
	}
	defer unlock()

	if userID == "" {
		userID, err = m.getActive(ctx, machineID)
		if err != nil {
			return err
		}
		if userID == "" {
			return m.store.HDel(ctx, nsInit, machineID)
		}
	} else {
		ok, err := m.store.HHas(ctx, nsSession, sessionField(machineID, userID))
		if err != nil {
			return err
		}
		if !ok {
			return ErrSessionNotFound
		}
	}
	if err := m.dropSession(ctx, machineID, userID); err != nil {
		return err
	}
	if m.bus != nil {
		m.bus.SessionEvent("logout", machineID, userID, "")
	}
	return nil
}

// dropSession 删会话、除名、必要时清活跃指针。
func (m *Manager) dropSession(ctx context.Context, machineID, userID string) error {
	if err := m.store.HDel(ctx, nsSession, sessionField(machineID, userID)); err != nil {
		return err
	}
	if err := m.removeAccount(ctx, machineID, userID); err != nil {
		return err
	}
	active, err := m.getActive(ctx, machineID)
	if err != nil {
		return err
	}
	if active == userID {
		return m.store.HDel(ctx, nsActive, machineID)
	}
	return nil
}

func (m *Manager) rules() auth.InterpretRules {
	return auth.InterpretRules{
		LoginPath:      m.cfg.Portal.LoginPath,
		CaptchaMarker:  m.cfg.Portal.CaptchaMarker,
		ErrorSelectors: m.cfg.Portal.ErrorSelectors,
	}
}

func (m *Manager) newJar() *portal.Jar {
	return portal.NewJar(m.cfg.Portal.GatewayCookieDomains)
}

func (m *Manager) isInteractive(t model.LoginType) bool {
	for _, it := range m.cfg.Portal.InteractiveLoginTypes {
		if strings.EqualFold(it, string(t)) {
			return true
		}
	}
	return false
}

func sessionField(machineID, userID string) string {
	return machineID + ":" + userID
}

// lockMachine 拿设备级互斥锁，防止同一设备并发打门户。
func (m *Manager) lockMachine(ctx context.Context, machineID string) (func(), error) {
	m.mu.Lock()
	ch := m.machineLocks[machineID]
	if ch == nil {
		ch = make(chan struct{}, 1)
		m.machineLocks[machineID] = ch
	}
	m.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// waitLimits 先过全局限流再过设备限流。Wait 在 context 到期前就可能
// 判定排不上队（预算不够或等待会超过期限），这类失败一律报 ErrRateLimited。
func (m *Manager) waitLimits(ctx context.Context, machineID string) error {
	if err := m.globalLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	m.mu.Lock()
	limiter := m.perLimiter[machineID]
	if limiter == nil {
		limiter = rate.NewLimiter(
			rate.Limit(m.cfg.Limits.PerMachineQPS), m.cfg.Limits.PerMachineBurst)
		m.perLimiter[machineID] = limiter
	}
	m.mu.Unlock()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}
	return nil
}

func (m *Manager) getInit(ctx context.Context, machineID string) (model.DeviceInitSession, bool, error) {
	var sess model.DeviceInitSession
	ok, err := m.getJSON(ctx, nsInit, machineID, &sess)
	return sess, ok, err
}

func (m *Manager) getActive(ctx context.Context, machineID string) (string, error) {
	b, ok, err := m.store.HGet(ctx, nsActive, machineID)
	if err != nil || !ok {
		return "", err
	}
	return string(b), nil
}

func (m *Manager) setActive(ctx context.Context, machineID, userID string) error {
	return m.store.HSet(ctx, nsActive, machineID, []byte(userID), m.cfg.Session.SessionTTL())
}

func (m *Manager) listAccounts(ctx context.Context, machineID string) ([]string, error) {
	var userIDs []string
	if _, err := m.getJSON(ctx, nsAccounts, machineID, &userIDs); err != nil {
		return nil, err
	}
	return userIDs, nil
}

func (m *Manager) saveAccounts(ctx context.Context, machineID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return m.store.HDel(ctx, nsAccounts, machineID)
	}
	return m.putJSON(ctx, nsAccounts, machineID, userIDs, 0)
}

func (m *Manager) addAccount(ctx context.Context, machineID, userID string) error {
	userIDs, err := m.listAccounts(ctx, machineID)
	if err != nil {
		return err
	}
	for _, uid := range userIDs {
		if uid == userID {
			return nil
		}
	}
	return m.saveAccounts(ctx, machineID, append(userIDs, userID))
}

func (m *Manager) removeAccount(ctx context.Context, machineID, userID string) error {
	userIDs, err := m.listAccounts(ctx, machineID)
	if err != nil {
		return err
	}
	kept := userIDs[:0]
	for _, uid := range userIDs {
		if uid != userID {
			kept = append(kept, uid)
		}
	}
	if len(kept) == len(userIDs) {
		return nil
	}
	return m.saveAccounts(ctx, machineID, kept)
}

func (m *Manager) putJSON(ctx context.Context, namespace, field string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.store.HSet(ctx, namespace, field, b, ttl)
}

func (m *Manager) getJSON(ctx context.Context, namespace, field string, v any) (bool, error) {
	b, ok, err := m.store.HGet(ctx, namespace, field)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", namespace, field, err)
	}
	return true, nil
}
