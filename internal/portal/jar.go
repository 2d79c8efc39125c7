package portal

import (
	"strings"

	"portal_broker/internal/model"
)

// Jar 是跨域跳转链专用的 Cookie 集合。标准 cookiejar 按域隔离，
// 而 WebVPN 网关会在跳转中途换域重发同名 Cookie，这里需要的是
// “全量携带 + 后到覆盖”的语义，所以自己维护。
//
// 合并键默认是 (name, domain)；域名命中 gatewayDomains 后缀的 Cookie
// 只按 name 合并，保证网关换域重发时旧值被顶掉。
type Jar struct {
	gatewayDomains []string
	cookies        []model.Cookie
}

func NewJar(gatewayDomains []string) *Jar {
	return &Jar{gatewayDomains: gatewayDomains}
}

// Merge 把新 Cookie 并入集合：同键覆盖旧值（位置保留），新键追加到末尾。
// 重复 Merge 同一批 Cookie 不改变结果。
func (j *Jar) Merge(in []model.Cookie) {
	for _, c := range in {
		if c.Name == "" {
			continue
		}
		replaced := false
		for i := range j.cookies {
			if j.sameIdentity(j.cookies[i], c) {
				j.cookies[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			j.cookies = append(j.cookies, c)
		}
	}
}

func (j *Jar) sameIdentity(a, b model.Cookie) bool {
	if a.Name != b.Name {
		return false
	}
	if j.isGatewayDomain(a.Domain) || j.isGatewayDomain(b.Domain) {
		return true
	}
	return a.Domain == b.Domain
}

func (j *Jar) isGatewayDomain(domain string) bool {
	d := strings.ToLower(strings.TrimPrefix(domain, "."))
	for _, suffix := range j.gatewayDomains {
		s := strings.ToLower(strings.TrimPrefix(suffix, "."))
		if d == s || strings.HasSuffix(d, "."+s) {
			return true
		}
	}
	return false
}

// Snapshot 返回当前集合的拷贝，顺序稳定。
func (j *Jar) Snapshot() []model.Cookie {
	out := make([]model.Cookie, len(j.cookies))
	copy(out, j.cookies)
	return out
}

func (j *Jar) Clone() *Jar {
	return &Jar{
		gatewayDomains: j.gatewayDomains,
		cookies:        j.Snapshot(),
	}
}

func (j *Jar) Len() int {
	return len(j.cookies)
}

// Header 拼出请求头 Cookie 值，全量携带。
func (j *Jar) Header() string {
	return model.CookieHeader(j.cookies)
}
