package model

// FormTokens 是登录落地页里的隐藏字段，登录提交时要原样带回。
type FormTokens struct {
	LT            string `json:"lt,omitempty"`
	Execution     string `json:"execution,omitempty"`
	AuthMethodIDs string `json:"authMethodIDs,omitempty"`
}

// DeviceInitSession 是设备完成门户初始化后、登录成功前的匿名会话。
// 短 TTL，登录成功后即作废。
type DeviceInitSession struct {
	MachineID  string     `json:"machineId"`
	Cookies    []Cookie   `json:"cookies"`
	FormTokens FormTokens `json:"formTokens"`
	FinalURL   string     `json:"finalUrl,omitempty"`
	CreatedAt  int64      `json:"createdAtMs"`
}

// UserSession 是某台设备上某个账号的已登录会话。
type UserSession struct {
	MachineID    string   `json:"machineId"`
	UserID       string   `json:"userId"`
	Cookies      []Cookie `json:"cookies"`
	LoginType    string   `json:"loginType"`
	CreatedAt    int64    `json:"createdAtMs"`
	LastAccessAt int64    `json:"lastAccessAtMs"`
}
