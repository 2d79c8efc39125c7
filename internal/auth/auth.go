// Package auth 按登录方式组装门户认证请求、解读门户响应。
// 表单字段名是门户 CAS 定死的，不是本服务的接口。
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"portal_broker/internal/model"
	"portal_broker/internal/portal"
)

var ErrUnsupportedLoginType = errors.New("unsupported login type")

// Outcome 是一次登录提交的解读结果。NeedCaptcha 不是失败，
// 是要求客户端补图形验证码再来。
type Outcome struct {
	Success     bool
	NeedCaptcha bool
	Message     string
}

// Strategy 负责把登录命令翻译成门户认的表单。
type Strategy interface {
	Type() model.LoginType
	BuildForm(cmd model.LoginCommand, tokens model.FormTokens) map[string]string
}

type Dispatcher struct {
	strategies map[model.LoginType]Strategy
}

func NewDispatcher() *Dispatcher {
	d := &Dispatcher{strategies: make(map[model.LoginType]Strategy)}
	for _, s := range []Strategy{&Password{}, &SMS{}, &OTP{}} {
		d.strategies[s.Type()] = s
	}
	return d
}

// Strategy 找不到对应实现时返回 ErrUnsupportedLoginType，
// 枚举里挂着但没实现的方式（扫码、生物识别等）也走这里。
func (d *Dispatcher) Strategy(t model.LoginType) (Strategy, error) {
	s, ok := d.strategies[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedLoginType, t)
	}
	return s, nil
}

// InterpretRules 是响应解读要用到的门户特征，全部来自配置。
type InterpretRules struct {
	LoginPath      string
	CaptchaMarker  string
	ErrorSelectors []string
}

// Interpret 判定登录提交的结局。验证码标记优先于成败判断：
// 门户一旦要验证码，成功失败都无从谈起。
func Interpret(res *portal.Result, rules InterpretRules) Outcome {
	if rules.CaptchaMarker != "" && strings.Contains(res.Body, rules.CaptchaMarker) {
		return Outcome{NeedCaptcha: true}
	}

	if ok, msg, decoded := interpretJSON(res.Body); decoded {
		return Outcome{Success: ok, Message: msg}
	}

	if rules.LoginPath != "" && !strings.Contains(res.FinalURL, rules.LoginPath) {
		return Outcome{Success: true}
	}

	msg := portal.ExtractErrorMessage(res.Body, rules.ErrorSelectors)
	if msg == "" {
		msg = "登录失败"
	}
	return Outcome{Message: msg}
}

// interpretJSON 处理 ajax 形态的登录响应：带 success 字段的 JSON。
func interpretJSON(body string) (success bool, message string, decoded bool) {
	trimmed := strings.TrimSpace(body)
	if !strings.HasPrefix(trimmed, "{") {
		return false, "", false
	}
	var payload struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil || payload.Success == nil {
		return false, "", false
	}
	msg := payload.Message
	if msg == "" {
		msg = payload.Msg
	}
	return *payload.Success, msg, true
}
