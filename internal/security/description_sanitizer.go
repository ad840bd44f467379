package security

import (
	"github.com/microcosm-cc/bluemonday"
)

// DescriptionSanitizer はミラーするイベントの説明文HTMLをサニタイズする。
//
// カレンダーの説明文エディタが生成する書式タグとリンクのみを残す。
// script, iframe, styleおよびon*属性は除去し、リンクはhttps, http, mailtoのみ許可する。
// 同じ入力に対して常に同じ出力を返すため、同期を繰り返しても差分が生じない。
type DescriptionSanitizer struct {
	policy *bluemonday.Policy
}

// NewDescriptionSanitizer はDescriptionSanitizerを生成する。
func NewDescriptionSanitizer() *DescriptionSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"b", "strong", "i", "em", "u",
		"br", "p", "span",
		"ul", "ol", "li",
	)

	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("https", "http", "mailto")
	p.AllowRelativeURLs(false)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	return &DescriptionSanitizer{policy: p}
}

// Sanitize はHTMLをサニタイズして返す。空文字列には空文字列を返す。
func (s *DescriptionSanitizer) Sanitize(rawHTML string) string {
	if rawHTML == "" {
		return ""
	}
	return s.policy.Sanitize(rawHTML)
}
