package notify

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"portal_broker/internal/config"
	"portal_broker/internal/logbus"
)

// EmailNotifier 异步发登录提醒邮件。发信不能拖慢登录路径，
// 所以事件丢进队列由后台协程慢慢发，队列满了直接丢弃。
type EmailNotifier struct {
	cfg   config.EmailConfig
	bus   *logbus.Bus
	queue chan LoginEvent
	done  chan struct{}
}

func NewEmailNotifier(cfg config.EmailConfig, bus *logbus.Bus) (*EmailNotifier, error) {
	if err := validateEmailConfig(cfg); err != nil {
		return nil, err
	}
	n := &EmailNotifier{
		cfg:   cfg,
		bus:   bus,
		queue: make(chan LoginEvent, 64),
		done:  make(chan struct{}),
	}
	go n.loop()
	return n, nil
}

func (n *EmailNotifier) NotifyLogin(_ context.Context, evt LoginEvent) {
	select {
	case n.queue <- evt:
	default:
		if n.bus != nil {
			n.bus.Log("warn", "通知队列已满，丢弃登录事件", map[string]any{
				"machineId": evt.MachineID,
				"userId":    evt.UserID,
			})
		}
	}
}

func (n *EmailNotifier) Close() {
	close(n.done)
}

func (n *EmailNotifier) loop() {
	for {
		select {
		case <-n.done:
			return
		case evt := <-n.queue:
			if err := n.send(evt); err != nil && n.bus != nil {
				n.bus.Log("warn", "登录提醒邮件发送失败", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (n *EmailNotifier) send(evt LoginEvent) error {
	email := strings.TrimSpace(n.cfg.Email)
	host, port, useSSL, err := smtpConfigForEmail(email)
	if err != nil {
		return err
	}

	status := "成功"
	if !evt.Success {
		status = "失败"
	}
	subject := fmt.Sprintf("门户登录%s提醒：%s", status, evt.UserID)
	body := fmt.Sprintf(
		"账号：%s\n设备：%s\n方式：%s\n结果：%s\n时间：%s\n%s",
		evt.UserID, evt.MachineID, evt.LoginType, status,
		time.UnixMilli(evt.At).Format("2006-01-02 15:04:05"),
		evt.Message,
	)

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, "门户会话助手"))
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	d := gomail.NewDialer(host, port, email, strings.TrimSpace(n.cfg.AuthCode))
	d.SSL = useSSL
	return d.DialAndSend(msg)
}

func validateEmailConfig(cfg config.EmailConfig) error {
	email := strings.TrimSpace(cfg.Email)
	if email == "" {
		return errors.New("notify.email.email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid notify email")
	}
	if strings.TrimSpace(cfg.AuthCode) == "" {
		return errors.New("notify.email.authCode is required")
	}
	return nil
}

func smtpConfigForEmail(email string) (host string, port int, useSSL bool, err error) {
	parts := strings.Split(strings.TrimSpace(email), "@")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", 0, false, errors.New("invalid email format")
	}
	domain := strings.ToLower(strings.TrimSpace(parts[1]))

	switch {
	case domain == "qq.com" || strings.HasSuffix(domain, ".qq.com") || domain == "foxmail.com":
		return "smtp.qq.com", 465, true, nil
	case domain == "163.com" || domain == "126.com" || domain == "yeah.net":
		return "smtp.163.com", 465, true, nil
	case domain == "gmail.com":
		return "smtp.gmail.com", 587, false, nil
	case domain == "outlook.com" || domain == "hotmail.com" || domain == "live.com":
		return "smtp.office365.com", 587, false, nil
	default:
		return "smtp." + domain, 465, true, nil
	}
}
