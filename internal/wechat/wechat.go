// Package wechat 把小程序登录码换成稳定的设备标识。
// 没配置小程序密钥时退化为对设备令牌做确定性 UUID，
// 同一台设备重启服务后标识不变。
package wechat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"portal_broker/internal/config"
)

const jscode2sessionURL = "https://api.weixin.qq.com/sns/jscode2session"

var machineNamespace = uuid.MustParse("8a7b2c10-4d5e-4f60-9a1b-2c3d4e5f6a70")

type Exchanger struct {
	cfg  config.WechatConfig
	http *resty.Client
}

func New(cfg config.WechatConfig) *Exchanger {
	return &Exchanger{
		cfg:  cfg,
		http: resty.New().SetTimeout(10 * time.Second),
	}
}

type sessionResponse struct {
	OpenID  string `json:"openid"`
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// MachineID 解析设备标识：优先用微信 code 换 openid，
// 其次对 deviceToken 派生 UUID。两者都没有视为非法请求。
func (e *Exchanger) MachineID(ctx context.Context, code, deviceToken string) (string, error) {
	code = strings.TrimSpace(code)
	deviceToken = strings.TrimSpace(deviceToken)

	if code != "" && e.cfg.AppID != "" {
		var out sessionResponse
		resp, err := e.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"appid":      e.cfg.AppID,
				"secret":     e.cfg.Secret,
				"js_code":    code,
				"grant_type": "authorization_code",
			}).
			SetResult(&out).
			Get(jscode2sessionURL)
		if err != nil {
			return "", fmt.Errorf("wechat jscode2session: %w", err)
		}
		if resp.StatusCode() != 200 || out.ErrCode != 0 || out.OpenID == "" {
			return "", fmt.Errorf("wechat jscode2session: errcode %d msg %s", out.ErrCode, out.ErrMsg)
		}
		return out.OpenID, nil
	}

	if deviceToken != "" {
		return uuid.NewSHA1(machineNamespace, []byte(deviceToken)).String(), nil
	}
	return "", errors.New("machine id: code or deviceToken is required")
}
