package portal

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"portal_broker/internal/model"
)

// ExtractFormTokens 从登录落地页里抠出需要回传的隐藏字段。
// 页面解析失败按“没有隐藏字段”处理，不报错。
func ExtractFormTokens(body string) model.FormTokens {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return model.FormTokens{}
	}
	return model.FormTokens{
		LT:            hiddenInput(doc, "lt"),
		Execution:     hiddenInput(doc, "execution"),
		AuthMethodIDs: hiddenInput(doc, "authMethodIDs"),
	}
}

func hiddenInput(doc *goquery.Document, name string) string {
	val, _ := doc.Find(`input[name="` + name + `"]`).First().Attr("value")
	return strings.TrimSpace(val)
}

// ExtractErrorMessage 按配置的选择器顺序找第一个非空的错误提示文本。
func ExtractErrorMessage(body string, selectors []string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return ""
	}
	for _, sel := range selectors {
		text := strings.TrimSpace(doc.Find(sel).First().Text())
		if text != "" {
			return text
		}
	}
	return ""
}
