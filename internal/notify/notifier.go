package notify

import "context"

// LoginEvent 是一次登录尝试的结果，用于安全提醒。
type LoginEvent struct {
	At        int64  `json:"atMs"`
	MachineID string `json:"machineId"`
	UserID    string `json:"userId"`
	LoginType string `json:"loginType"`
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
}

type Notifier interface {
	NotifyLogin(ctx context.Context, evt LoginEvent)
}

// Noop 在没配通知渠道时顶位。
type Noop struct{}

func (Noop) NotifyLogin(context.Context, LoginEvent) {}
