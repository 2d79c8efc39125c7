package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"portal_broker/internal/config"
)

func testPortalConfig() config.PortalConfig {
	return config.PortalConfig{
		LoginPath:          "/login",
		MaxRedirects:       15,
		MaxBounceBodyBytes: 2048,
		TimeoutMs:          5000,
		UserAgent:          "test-agent",
		JSRedirectPatterns: []string{
			`g_lines\s*=\s*\[\s*\{[^}]*?url\s*:\s*"(https?://[^"]+)"`,
			`window\.location\.href\s*=\s*["']([^"']+)["']`,
		},
		ErrorSelectors: []string{"#msg"},
		CaptchaMarker:  "j_checkcode_img",
	}
}

func newTestClient(t *testing.T, cfg config.PortalConfig) *Client {
	t.Helper()
	c, err := NewClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

// 三种跳转策略各出现一次的完整链：302 → HTML 弹跳页 → JS 赋值 → 终点。
// 每一跳都发 Cookie，终点应能看到前面所有 Cookie。
func TestFollowRedirectChain(t *testing.T) {
	var finalCookieHeader, finalReferer string
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "c1", Value: "v1", Path: "/"})
		http.Redirect(w, r, "/hop1", http.StatusFound)
	})
	mux.HandleFunc("/hop1", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "c2", Value: "v2", Path: "/"})
		fmt.Fprint(w, `<html>The document has moved <a href="/hop2">here</a>.</html>`)
	})
	mux.HandleFunc("/hop2", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "c3", Value: "v3", Path: "/"})
		fmt.Fprint(w, `<html><script>window.location.href = "/final";</script></html>`)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		finalCookieHeader = r.Header.Get("Cookie")
		finalReferer = r.Header.Get("Referer")
		fmt.Fprint(w, "done")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, testPortalConfig())
	jar := NewJar(nil)
	res, err := client.Get(context.Background(), srv.URL+"/start", jar)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !strings.HasSuffix(res.FinalURL, "/final") {
		t.Fatalf("链路应走到终点，final=%s", res.FinalURL)
	}
	if res.Body != "done" {
		t.Fatalf("终点响应体不对: %q", res.Body)
	}
	if res.Hops != 4 {
		t.Fatalf("应是 4 跳，got %d", res.Hops)
	}
	for _, want := range []string{"c1=v1", "c2=v2", "c3=v3"} {
		if !strings.Contains(finalCookieHeader, want) {
			t.Fatalf("终点请求应带上 %s，got %q", want, finalCookieHeader)
		}
	}
	if !strings.HasSuffix(finalReferer, "/hop2") {
		t.Fatalf("Referer 应是上一跳，got %q", finalReferer)
	}
	if jar.Len() != 3 {
		t.Fatalf("集合里应有 3 个 Cookie，got %d", jar.Len())
	}
}

// 无限 302 自转：预算耗尽后返回最后一跳的结果，不报错。
func TestHopBudgetExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := r.URL.Query().Get("n")
		http.Redirect(w, r, "/spin?n="+n+"x", http.StatusFound)
	}))
	defer srv.Close()

	cfg := testPortalConfig()
	cfg.MaxRedirects = 5
	client := newTestClient(t, cfg)

	res, err := client.Get(context.Background(), srv.URL+"/spin?n=0", NewJar(nil))
	if err != nil {
		t.Fatalf("预算耗尽不应报错: %v", err)
	}
	if res.Hops != 5 {
		t.Fatalf("应正好消耗完预算，got %d 跳", res.Hops)
	}
	if res.StatusCode != http.StatusFound {
		t.Fatalf("最后一跳应是 302，got %d", res.StatusCode)
	}
}

// 页面跳回自身：环路保护应在第一跳后停下。
func TestRedirectLoopGuard(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<html><a href="%s">retry</a></html>`, r.URL.Path)
	}))
	defer srv.Close()

	client := newTestClient(t, testPortalConfig())
	res, err := client.Get(context.Background(), srv.URL+"/self", NewJar(nil))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Hops != 1 {
		t.Fatalf("跳向自身应立即停止，got %d 跳", res.Hops)
	}
}

// 同一正则多处命中时取最后一处。
func TestJSRedirectLastMatchWins(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/js", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><script>
window.location.href = "/stale";
window.location.href = "/fresh";
</script></html>`)
	})
	mux.HandleFunc("/fresh", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "fresh")
	})
	mux.HandleFunc("/stale", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "stale")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, testPortalConfig())
	res, err := client.Get(context.Background(), srv.URL+"/js", NewJar(nil))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Body != "fresh" {
		t.Fatalf("应采用最后一次赋值的目标，got %q", res.Body)
	}
}

// 正文很长或锚点不止一个的页面不是弹跳页，不应被 HTML 策略劫持。
func TestHTMLRedirectOnlyOnBouncePages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<html><body><a href="/a">1</a> 正文 <a href="/b">2</a></body></html>`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, testPortalConfig())
	res, err := client.Get(context.Background(), srv.URL+"/page", NewJar(nil))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Hops != 1 {
		t.Fatalf("普通页面不应继续跳转，got %d 跳", res.Hops)
	}
}

// 表单 POST 只在第一跳，后续跳转一律 GET。
func TestPostFormThenRedirectsAsGet(t *testing.T) {
	var submitMethod, submitUser, afterMethod string
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		submitMethod = r.Method
		submitUser = r.FormValue("j_username")
		http.Redirect(w, r, "/after", http.StatusFound)
	})
	mux.HandleFunc("/after", func(w http.ResponseWriter, r *http.Request) {
		afterMethod = r.Method
		fmt.Fprint(w, "landed")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, testPortalConfig())
	res, err := client.PostForm(context.Background(), srv.URL+"/submit", NewJar(nil),
		map[string]string{"j_username": "student"})
	if err != nil {
		t.Fatalf("PostForm: %v", err)
	}
	if submitMethod != http.MethodPost || submitUser != "student" {
		t.Fatalf("第一跳应是带表单的 POST: %s %q", submitMethod, submitUser)
	}
	if afterMethod != http.MethodGet {
		t.Fatalf("后续跳转应转为 GET，got %s", afterMethod)
	}
	if res.Body != "landed" {
		t.Fatalf("应落在跳转终点: %q", res.Body)
	}
}

// 同域同名 Cookie 在链路中途被重发时，后到的值覆盖先到的。
func TestCookieOverrideAcrossChain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/one", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "old", Path: "/"})
		http.Redirect(w, r, "/two", http.StatusFound)
	})
	mux.HandleFunc("/two", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "sid", Value: "new", Path: "/"})
		fmt.Fprint(w, "ok")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, testPortalConfig())
	jar := NewJar(nil)
	if _, err := client.Get(context.Background(), srv.URL+"/one", jar); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if jar.Len() != 1 {
		t.Fatalf("同键应合并成一条，got %d", jar.Len())
	}
	if got := jar.Snapshot()[0].Value; got != "new" {
		t.Fatalf("后到的值应覆盖，got %q", got)
	}
}

// 网络错误要报给调用方，不做静默吞掉。
func TestNetworkErrorPropagates(t *testing.T) {
	client := newTestClient(t, testPortalConfig())
	_, err := client.Get(context.Background(), "http://127.0.0.1:1/unreachable", NewJar(nil))
	if err == nil {
		t.Fatal("连不上的地址应报错")
	}
}
