package auth

import (
	"strings"

	"portal_broker/internal/model"
)

// spAuthChainCode 是门户短信认证链的固定标识，抓包得来。
const smsAuthChainCode = "3c21e7d55f6449df85e8cebc30518464"

type SMS struct{}

func (*SMS) Type() model.LoginType {
	return model.LoginSMS
}

func (*SMS) BuildForm(cmd model.LoginCommand, tokens model.FormTokens) map[string]string {
	form := map[string]string{
		"j_username":      cmd.UserID,
		"sms_checkcode":   cmd.Code,
		"j_checkcode":     "验证码",
		"op":              "login",
		"spAuthChainCode": smsAuthChainCode,
	}
	if tokens.LT != "" {
		form["lt"] = tokens.LT
	}
	if tokens.Execution != "" {
		form["execution"] = tokens.Execution
	}
	if cmd.Captcha != "" {
		form["j_checkcode"] = cmd.Captcha
	}
	return form
}

// BuildSendForm 组装“发短信验证码”的表单。门户的发码接口要求
// 用户名转成全角，半角提交会报“用户不存在”。
func (*SMS) BuildSendForm(userID string) map[string]string {
	return map[string]string{
		"j_username":      toSBC(userID),
		"spAuthChainCode": smsAuthChainCode,
	}
}

// SendAccepted 判断发码请求是否被门户受理。
func (*SMS) SendAccepted(statusCode int, body string) bool {
	if statusCode != 200 {
		return false
	}
	for _, marker := range []string{
		"I18NMessage.sendSMSCheckCodeSuccessmsg",
		"发送成功",
		"success",
	} {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// toSBC 半角转全角（空格转全角空格，其余可见 ASCII 加 0xFEE0）。
func toSBC(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r == ' ':
			r = '　'
		case r > ' ' && r < 0x7f:
			r += 0xfee0
		}
		out = append(out, r)
	}
	return string(out)
}
