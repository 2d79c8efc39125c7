package config

import (
	"errors"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Portal      PortalConfig      `yaml:"portal"`
	BrowserPool BrowserPoolConfig `yaml:"browserPool"`
	Limits      LimitsConfig      `yaml:"limits"`
	Session     SessionConfig     `yaml:"session"`
	Captcha     CaptchaConfig     `yaml:"captcha"`
	Wechat      WechatConfig      `yaml:"wechat"`
	Notify      NotifyConfig      `yaml:"notify"`
}

type ServerConfig struct {
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

// PortalConfig 描述目标校园门户：各入口 URL、跳转解析和 Cookie 合并规则
// 都是配置，换一所学校只改这里。
type PortalConfig struct {
	GatewayURL    string `yaml:"gatewayURL"`
	LoginURL      string `yaml:"loginURL"`
	SMSSendURL    string `yaml:"smsSendURL"`
	CaptchaImgURL string `yaml:"captchaImgURL"`
	// LoginPath 出现在最终 URL 里即视为“回到了登录页”。
	LoginPath string `yaml:"loginPath"`

	MaxRedirects int    `yaml:"maxRedirects"`
	TimeoutMs    int    `yaml:"timeoutMs"`
	UserAgent    string `yaml:"userAgent"`

	// InsecureTLSSuffixes 里的域名后缀跳过证书校验（学校网关证书链经常不全），
	// 其余域名仍然走标准校验。
	InsecureTLSSuffixes []string `yaml:"insecureTLSSuffixes"`
	// GatewayCookieDomains 里的域名后缀下发的 Cookie 按“仅名字”合并覆盖，
	// 应对 WebVPN 网关把同名 Cookie 挂在不同域上的情况。
	GatewayCookieDomains []string `yaml:"gatewayCookieDomains"`

	JSRedirectPatterns []string `yaml:"jsRedirectPatterns"`
	MaxBounceBodyBytes int      `yaml:"maxBounceBodyBytes"`

	CaptchaMarker  string   `yaml:"captchaMarker"`
	ErrorSelectors []string `yaml:"errorSelectors"`

	// InteractiveLoginTypes 列出的登录方式改走无头浏览器填表，
	// 其余走表单直连。
	InteractiveLoginTypes []string `yaml:"interactiveLoginTypes"`
}

func (c PortalConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

type BrowserPoolConfig struct {
	Enabled          bool `yaml:"enabled"`
	Size             int  `yaml:"size"`
	AcquireTimeoutMs int  `yaml:"acquireTimeoutMs"`
	RequestTimeoutMs int  `yaml:"requestTimeoutMs"`
	Headless         bool `yaml:"headless"`
}

func (c BrowserPoolConfig) AcquireTimeout() time.Duration {
	if c.AcquireTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.AcquireTimeoutMs) * time.Millisecond
}

func (c BrowserPoolConfig) RequestTimeout() time.Duration {
	if c.RequestTimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

type LimitsConfig struct {
	GlobalQPS       float64 `yaml:"globalQPS"`
	GlobalBurst     int     `yaml:"globalBurst"`
	PerMachineQPS   float64 `yaml:"perMachineQPS"`
	PerMachineBurst int     `yaml:"perMachineBurst"`
}

type SessionConfig struct {
	InitTTLMinutes  int `yaml:"initTTLMinutes"`
	SessionTTLHours int `yaml:"sessionTTLHours"`
}

func (c SessionConfig) InitTTL() time.Duration {
	if c.InitTTLMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(c.InitTTLMinutes) * time.Minute
}

func (c SessionConfig) SessionTTL() time.Duration {
	if c.SessionTTLHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(c.SessionTTLHours) * time.Hour
}

type CaptchaConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIURL  string `yaml:"apiURL"`
	Token   string `yaml:"token"`
	Type    string `yaml:"type"`
}

type WechatConfig struct {
	AppID  string `yaml:"appId"`
	Secret string `yaml:"secret"`
}

type NotifyConfig struct {
	Email EmailConfig `yaml:"email"`
}

type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Email    string `yaml:"email"`
	AuthCode string `yaml:"authCode"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/portal_broker.db"
	}
	if c.Portal.LoginPath == "" {
		c.Portal.LoginPath = "/login"
	}
	if c.Portal.MaxRedirects <= 0 {
		c.Portal.MaxRedirects = 15
	}
	if c.Portal.MaxBounceBodyBytes <= 0 {
		c.Portal.MaxBounceBodyBytes = 2048
	}
	if c.Portal.UserAgent == "" {
		c.Portal.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	}
	if len(c.Portal.JSRedirectPatterns) == 0 {
		c.Portal.JSRedirectPatterns = []string{
			`g_lines\s*=\s*\[\s*\{[^}]*?url\s*:\s*"(https?://[^"]+)"`,
			`window\.location\.href\s*=\s*["']([^"']+)["']`,
		}
	}
	if len(c.Portal.ErrorSelectors) == 0 {
		c.Portal.ErrorSelectors = []string{"#msg", "#errormsg", ".auth_error"}
	}
	if c.Portal.CaptchaMarker == "" {
		c.Portal.CaptchaMarker = "j_checkcode_img"
	}
	if c.BrowserPool.Size <= 0 {
		c.BrowserPool.Size = 3
	}
	if c.Limits.GlobalQPS <= 0 {
		c.Limits.GlobalQPS = 10
	}
	if c.Limits.GlobalBurst <= 0 {
		c.Limits.GlobalBurst = 10
	}
	if c.Limits.PerMachineQPS <= 0 {
		c.Limits.PerMachineQPS = 2
	}
	if c.Limits.PerMachineBurst <= 0 {
		c.Limits.PerMachineBurst = 2
	}
	if c.Captcha.APIURL == "" {
		c.Captcha.APIURL = "http://api.jfbym.com/api/YmServer/customApi"
	}
	if c.Captcha.Type == "" {
		c.Captcha.Type = "10110"
	}
}

func (c Config) validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Portal.GatewayURL == "" {
		return errors.New("portal.gatewayURL is required")
	}
	if c.Portal.LoginURL == "" {
		return errors.New("portal.loginURL is required")
	}
	return nil
}
