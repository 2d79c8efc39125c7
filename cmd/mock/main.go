// mock 是本地联调用的假门户：完整复刻跳转链、登录表单、
// 短信发码和会话保护的 API，不用连真实学校网关就能跑通全流程。
package main

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

var (
	mu       sync.Mutex
	sessions = map[string]string{} // ticket -> username
	codes    = map[string]string{} // username -> sms code
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	mux := http.NewServeMux()

	// 网关入口：302 → HTML 弹跳页 → JS 弹跳页 → 登录页，三种跳转各来一次。
	mux.HandleFunc("/gateway", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "wengine_vpn_ticket", Value: randString(16), Path: "/"})
		http.Redirect(w, r, "/bounce-html", http.StatusFound)
	})

	mux.HandleFunc("/bounce-html", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "route", Value: randString(8), Path: "/"})
		fmt.Fprint(w, `<html><body>The document has moved <a href="/bounce-js">here</a>.</body></html>`)
	})

	mux.HandleFunc("/bounce-js", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><script>
var g_lines = [{lineName:"main", url:"http://`+r.Host+`/login"}];
window.location.href = "/login";
</script></html>`)
	})

	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			http.SetCookie(w, &http.Cookie{Name: "JSESSIONID", Value: randString(24), Path: "/"})
			fmt.Fprint(w, `<html><body><form id="loginForm" method="post" action="/login">
<input type="hidden" name="lt" value="LT-`+randString(8)+`"/>
<input type="hidden" name="execution" value="e1s1"/>
<input type="hidden" name="authMethodIDs" value="2"/>
<input id="username" name="j_username"/>
<input id="password" name="j_password" type="password"/>
<button id="login_submit" type="submit">登录</button>
</form></body></html>`)
			return
		}

		user := r.FormValue("j_username")
		pass := r.FormValue("j_password")
		sms := r.FormValue("sms_checkcode")

		mu.Lock()
		okSMS := sms != "" && codes[user] == sms
		mu.Unlock()

		if (user == "student" && pass == "secret") || okSMS {
			ticket := randString(24)
			mu.Lock()
			sessions[ticket] = user
			mu.Unlock()
			http.SetCookie(w, &http.Cookie{Name: "CASTGC", Value: ticket, Path: "/"})
			http.Redirect(w, r, "/home", http.StatusFound)
			return
		}
		fmt.Fprint(w, `<html><body><form action="/login"><span id="msg">用户名或密码错误</span></form></body></html>`)
	})

	mux.HandleFunc("/sms/send", func(w http.ResponseWriter, r *http.Request) {
		user := r.FormValue("j_username")
		if user == "" {
			fmt.Fprint(w, "missing username")
			return
		}
		mu.Lock()
		codes[user] = "246810"
		mu.Unlock()
		fmt.Fprint(w, "I18NMessage.sendSMSCheckCodeSuccessmsg")
	})

	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		if currentUser(r) == "" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		fmt.Fprint(w, `<html><body>欢迎回来</body></html>`)
	})

	mux.HandleFunc("/api/profile", func(w http.ResponseWriter, r *http.Request) {
		user := currentUser(r)
		if user == "" {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"userId":%q,"name":"测试用户"}`, user)
	})

	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Printf("mock portal listening on %s", *addr)
	log.Fatal(server.ListenAndServe())
}

func currentUser(r *http.Request) string {
	c, err := r.Cookie("CASTGC")
	if err != nil {
		return ""
	}
	mu.Lock()
	defer mu.Unlock()
	return sessions[c.Value]
}

func randString(n int) string {
	b := make([]byte, (n+1)/2)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)[:n]
}
