package model

type LoginType string

const (
	LoginPassword    LoginType = "PASSWORD"
	LoginSMS         LoginType = "SMS"
	LoginOTP         LoginType = "OTP"
	LoginQR          LoginType = "QR"
	LoginSSO         LoginType = "SSO"
	LoginCertificate LoginType = "CERTIFICATE"
	LoginBiometric   LoginType = "BIOMETRIC"
)

// LoginCommand 是一次登录提交。Code 按登录方式复用：
// 密码登录放密码，短信登录放短信验证码，OTP 登录放动态口令。
type LoginCommand struct {
	MachineID string    `json:"machineId"`
	UserID    string    `json:"userId"`
	LoginType LoginType `json:"loginType"`
	Code      string    `json:"code"`
	// Captcha 是图形验证码答案，仅在上一次返回 needCaptcha 后才需要。
	Captcha string `json:"captcha,omitempty"`
}

type LoginResult struct {
	Success     bool   `json:"success"`
	NeedCaptcha bool   `json:"needCaptcha,omitempty"`
	MachineID   string `json:"machineId"`
	UserID      string `json:"userId,omitempty"`
	Message     string `json:"message,omitempty"`
}

// InitResult 是设备初始化的返回：隐藏表单字段给后续登录用，
// Cookies 仅用于排障展示。
type InitResult struct {
	MachineID  string     `json:"machineId"`
	FinalURL   string     `json:"finalUrl"`
	FormTokens FormTokens `json:"formTokens"`
	Cookies    []Cookie   `json:"cookies,omitempty"`
}
