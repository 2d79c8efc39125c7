package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound：引用的设备初始化会话或用户会话不存在。
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired：代理调用途中发现门户把我们踢回了登录页。
	ErrSessionExpired = errors.New("session expired")
	// ErrNotLoggedIn：设备上没有任何已登录账号可用。
	ErrNotLoggedIn = errors.New("no logged-in account")
	// ErrRateLimited：限流器判定本次请求在期限内排不上队。
	ErrRateLimited = errors.New("rate limited")
)

// UpstreamError 包住对门户本身的网络失败，和业务失败区分开。
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
