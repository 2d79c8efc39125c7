// Package captcha 对接打码平台识别门户的图形验证码。
// 识别只做“尽力而为”：失败就把验证码留给客户端自己填。
package captcha

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"portal_broker/internal/config"
)

type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

type apiRequest struct {
	Image string `json:"image"`
	Token string `json:"token"`
	Type  string `json:"type"`
}

type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type apiItem struct {
	Code int    `json:"code"`
	Data string `json:"data"`
}

// Client 调用云码风格的识别接口：图片转 base64 直传。
type Client struct {
	cfg  config.CaptchaConfig
	http *resty.Client
}

func New(cfg config.CaptchaConfig) *Client {
	return &Client{
		cfg: cfg,
		http: resty.New().
			SetTimeout(15 * time.Second).
			SetRetryCount(1).
			SetRetryWaitTime(500 * time.Millisecond).
			AddRetryCondition(func(r *resty.Response, err error) bool {
				if err != nil {
					return true
				}
				return r != nil && r.StatusCode() >= 500
			}),
	}
}

func (c *Client) Recognize(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", errors.New("captcha: empty image")
	}

	payload := apiRequest{
		Image: base64.StdEncoding.EncodeToString(image),
		Token: c.cfg.Token,
		Type:  c.cfg.Type,
	}

	var out apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&out).
		Post(c.cfg.APIURL)
	if err != nil {
		return "", fmt.Errorf("captcha api: %w", err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("captcha api: http %d", resp.StatusCode())
	}
	if out.Code != 10000 {
		return "", fmt.Errorf("captcha api: code %d msg %s", out.Code, out.Msg)
	}

	var item apiItem
	if err := json.Unmarshal(out.Data, &item); err != nil {
		return "", fmt.Errorf("captcha api: decode data: %w", err)
	}
	answer := strings.TrimSpace(item.Data)
	if answer == "" {
		return "", errors.New("captcha api: empty answer")
	}
	return answer, nil
}
