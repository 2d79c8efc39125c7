package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"portal_broker/internal/auth"
	"portal_broker/internal/config"
	"portal_broker/internal/logbus"
	"portal_broker/internal/portal"
	"portal_broker/internal/session"
	"portal_broker/internal/store/memory"
)

// fakeExchanger 把设备令牌直接映射成 machineId。
type fakeExchanger struct{}

func (fakeExchanger) MachineID(_ context.Context, code, deviceToken string) (string, error) {
	if deviceToken == "" {
		return "", fmt.Errorf("machine id: code or deviceToken is required")
	}
	return "m-" + deviceToken, nil
}

type apiFixture struct {
	portalURL string
	ts        *httptest.Server
	sessionMu sync.Mutex
	valid     map[string]bool
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{valid: map[string]bool{}}

	// 简化版门户：网关落地登录页，密码 student/secret，API 受会话保护。
	mux := http.NewServeMux()
	mux.HandleFunc("/gateway", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "route", Value: "r1", Path: "/"})
		http.Redirect(w, r, "/login", http.StatusFound)
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			fmt.Fprint(w, `<html><input type="hidden" name="lt" value="LT-x"/></html>`)
			return
		}
		if r.FormValue("j_username") == "student" && r.FormValue("j_password") == "secret" {
			f.sessionMu.Lock()
			f.valid["T1"] = true
			f.sessionMu.Unlock()
			http.SetCookie(w, &http.Cookie{Name: "CASTGC", Value: "T1", Path: "/"})
			http.Redirect(w, r, "/home", http.StatusFound)
			return
		}
		fmt.Fprint(w, `<html><span id="msg">认证失败</span></html>`)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "home")
	})
	mux.HandleFunc("/api/echo", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("CASTGC")
		f.sessionMu.Lock()
		ok := err == nil && f.valid[c.Value]
		f.sessionMu.Unlock()
		if !ok {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		fmt.Fprint(w, `{"echo":true}`)
	})
	upstream := httptest.NewServer(mux)
	t.Cleanup(upstream.Close)
	f.portalURL = upstream.URL

	cfg := config.Config{
		Server: config.ServerConfig{Addr: ":0"},
		Portal: config.PortalConfig{
			GatewayURL:         upstream.URL + "/gateway",
			LoginURL:           upstream.URL + "/login",
			SMSSendURL:         upstream.URL + "/sms/send",
			LoginPath:          "/login",
			MaxRedirects:       15,
			MaxBounceBodyBytes: 2048,
			TimeoutMs:          5000,
			UserAgent:          "test-agent",
			JSRedirectPatterns: []string{`window\.location\.href\s*=\s*["']([^"']+)["']`},
			ErrorSelectors:     []string{"#msg"},
			CaptchaMarker:      "j_checkcode_img",
		},
		Limits: config.LimitsConfig{
			GlobalQPS: 1000, GlobalBurst: 1000,
			PerMachineQPS: 1000, PerMachineBurst: 1000,
		},
	}

	client, err := portal.NewClient(cfg.Portal, nil)
	if err != nil {
		t.Fatalf("portal client: %v", err)
	}
	manager := session.New(session.Options{
		Cfg:        cfg,
		Store:      memory.New(),
		Client:     client,
		Dispatcher: auth.NewDispatcher(),
	})
	srv := New(Options{
		Cfg:       cfg,
		Bus:       logbus.New(50),
		Manager:   manager,
		Exchanger: fakeExchanger{},
	})
	f.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *apiFixture) postJSON(t *testing.T, path string, payload any) (*http.Response, map[string]any) {
	t.Helper()
	b, _ := json.Marshal(payload)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.get(t, "/health")
	if resp.StatusCode != http.StatusOK || body["ok"] != true {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
}

func TestFullFlowOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.postJSON(t, "/proxy/init", map[string]any{"deviceToken": "dev1"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("init: %d %v", resp.StatusCode, body)
	}
	data := body["data"].(map[string]any)
	machineID := data["machineId"].(string)
	if machineID != "m-dev1" {
		t.Fatalf("machineId 应来自设备令牌: %q", machineID)
	}

	resp, body = f.postJSON(t, "/proxy/login", map[string]any{
		"machineId": machineID, "userId": "student",
		"loginType": "PASSWORD", "code": "secret",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %v", resp.StatusCode, body)
	}
	if success := body["data"].(map[string]any)["success"]; success != true {
		t.Fatalf("登录应成功: %v", body)
	}

	resp, body = f.get(t, "/proxy/check?machineId="+machineID+"&userId=student")
	if resp.StatusCode != http.StatusOK || body["data"].(map[string]any)["valid"] != true {
		t.Fatalf("check: %d %v", resp.StatusCode, body)
	}

	resp, body = f.get(t, "/proxy/api?machineId="+machineID+"&url="+f.portalURL+"/api/echo")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("proxy api: %d %v", resp.StatusCode, body)
	}
	if apiBody := body["data"].(map[string]any)["body"].(string); apiBody != `{"echo":true}` {
		t.Fatalf("代理响应体不对: %q", apiBody)
	}

	resp, body = f.get(t, "/proxy/accounts?machineId="+machineID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("accounts: %d %v", resp.StatusCode, body)
	}
	if accounts := body["data"].([]any); len(accounts) != 1 {
		t.Fatalf("应有 1 个账号: %v", accounts)
	}

	resp, body = f.postJSON(t, "/proxy/logout", map[string]any{"machineId": machineID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: %d %v", resp.StatusCode, body)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newAPIFixture(t)

	// 未初始化就登录 → 401 SESSION_NOT_FOUND。
	resp, body := f.postJSON(t, "/proxy/login", map[string]any{
		"machineId": "ghost", "userId": "student",
		"loginType": "PASSWORD", "code": "secret",
	})
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "SESSION_NOT_FOUND" {
		t.Fatalf("未初始化: %d %v", resp.StatusCode, body)
	}

	// 未实现的登录方式 → 400 UNSUPPORTED_LOGIN_TYPE。
	_, _ = f.postJSON(t, "/proxy/init", map[string]any{"deviceToken": "dev2"})
	resp, body = f.postJSON(t, "/proxy/login", map[string]any{
		"machineId": "m-dev2", "userId": "student",
		"loginType": "QR", "code": "x",
	})
	if resp.StatusCode != http.StatusBadRequest || body["code"] != "UNSUPPORTED_LOGIN_TYPE" {
		t.Fatalf("不支持的方式: %d %v", resp.StatusCode, body)
	}

	// 无活跃账号的代理调用 → 401 NOT_LOGGED_IN。
	resp, body = f.get(t, "/proxy/api?machineId=m-dev2&url="+f.portalURL+"/api/echo")
	if resp.StatusCode != http.StatusUnauthorized || body["code"] != "NOT_LOGGED_IN" {
		t.Fatalf("未登录代理: %d %v", resp.StatusCode, body)
	}

	// 门户不可达 → 502 UPSTREAM_UNREACHABLE。
	resp, body = f.postJSON(t, "/proxy/login", map[string]any{
		"machineId": "m-dev2", "userId": "student",
		"loginType": "PASSWORD", "code": "secret",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %v", resp.StatusCode, body)
	}
	resp, body = f.get(t, "/proxy/api?machineId=m-dev2&userId=student&url=http://127.0.0.1:1/dead")
	if resp.StatusCode != http.StatusBadGateway || body["code"] != "UPSTREAM_UNREACHABLE" {
		t.Fatalf("上游不可达: %d %v", resp.StatusCode, body)
	}

	// 参数缺失 → 400。
	resp, body = f.get(t, "/proxy/check")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("缺参数: %d %v", resp.StatusCode, body)
	}
}
