package portal

import "github.com/go-resty/resty/v2"

// applyBrowserHeaders 给每一跳补上一套真实浏览器的请求头。
// 门户会校验这些头来区分浏览器和脚本，UA 在整条链路里保持固定，
// 换 UA 会触发门户的设备绑定检查。
func applyBrowserHeaders(req *resty.Request, userAgent, referer string) {
	req.SetHeader("User-Agent", userAgent)
	req.SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.SetHeader("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.SetHeader("Upgrade-Insecure-Requests", "1")
	req.SetHeader("Sec-Fetch-Dest", "document")
	req.SetHeader("Sec-Fetch-Mode", "navigate")
	req.SetHeader("Sec-Fetch-Site", "same-origin")
	req.SetHeader("Cache-Control", "no-cache")
	if referer != "" {
		req.SetHeader("Referer", referer)
	}
}
