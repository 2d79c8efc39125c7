package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portal_broker/internal/auth"
	"portal_broker/internal/browserpool"
	"portal_broker/internal/captcha"
	"portal_broker/internal/config"
	"portal_broker/internal/httpapi"
	"portal_broker/internal/logbus"
	"portal_broker/internal/notify"
	"portal_broker/internal/portal"
	"portal_broker/internal/session"
	"portal_broker/internal/store/sqlite"
	"portal_broker/internal/wechat"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	bus := logbus.New(200)
	bus.Log("info", "服务启动中", map[string]any{"addr": cfg.Server.Addr})

	ctx := context.Background()
	cache, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer cache.Close()

	client, err := portal.NewClient(cfg.Portal, bus)
	if err != nil {
		log.Fatalf("portal client: %v", err)
	}

	var pool *browserpool.Pool
	if cfg.BrowserPool.Enabled {
		pool, err = browserpool.New(
			browserpool.NewRodFactory(cfg.BrowserPool),
			cfg.BrowserPool.Size,
			cfg.BrowserPool.AcquireTimeout(),
			bus,
		)
		if err != nil {
			log.Fatalf("browser pool: %v", err)
		}
		defer pool.Close()
	}

	var recognizer captcha.Recognizer
	if cfg.Captcha.Enabled {
		recognizer = captcha.New(cfg.Captcha)
	}

	var notifier notify.Notifier
	if cfg.Notify.Email.Enabled {
		emailNotifier, err := notify.NewEmailNotifier(cfg.Notify.Email, bus)
		if err != nil {
			log.Fatalf("email notifier: %v", err)
		}
		defer emailNotifier.Close()
		notifier = emailNotifier
	}

	manager := session.New(session.Options{
		Cfg:        cfg,
		Store:      cache,
		Client:     client,
		Dispatcher: auth.NewDispatcher(),
		Pool:       pool,
		Captcha:    recognizer,
		Notifier:   notifier,
		Bus:        bus,
	})

	api := httpapi.New(httpapi.Options{
		Cfg:       cfg,
		Bus:       bus,
		Manager:   manager,
		Exchanger: wechat.New(cfg.Wechat),
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		bus.Log("info", "收到退出信号", map[string]any{"signal": sig.String()})
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			bus.Log("error", "http server error", map[string]any{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_ = server.Shutdown(shutdownCtx)
	bus.Log("info", "服务已停止", nil)
}
