package security

import (
	"regexp"
	"strings"
)

// contentRule 一条命中即报告的内容规则
type contentRule struct {
	name    string
	pattern *regexp.Regexp
}

// ContentFilter 上传请求中主题和正文的检查器
//
// 与附件检查一样只给出判断，由调用方决定记录还是拒绝。
type ContentFilter struct {
	rules         []contentRule
	spamKeywords  []string
	spamThreshold int // 命中多少个关键词视为垃圾邮件
}

// NewContentFilter 创建内容过滤器
func NewContentFilter() *ContentFilter {
	return &ContentFilter{
		rules: []contentRule{
			{name: "script tag", pattern: regexp.MustCompile(`(?i)<script[^>]*>`)},
			{name: "javascript url", pattern: regexp.MustCompile(`(?i)javascript:`)},
			{name: "event handler", pattern: regexp.MustCompile(`(?i)\bon(load|error|click|mouseover)\s*=`)},
			{name: "cookie access", pattern: regexp.MustCompile(`(?i)document\.cookie`)},
			{name: "iframe", pattern: regexp.MustCompile(`(?i)<iframe[^>]*>`)},
			{name: "data url", pattern: regexp.MustCompile(`(?i)data:text/html`)},
		},
		spamKeywords: []string{
			"viagra", "casino", "lottery", "winner", "congratulations",
			"free money", "click here", "limited time", "act now",
			"guaranteed", "no risk", "earn money", "work from home",
		},
		spamThreshold: 3,
	}
}

// Check 检查主题和正文，返回可疑原因；为空表示通过
func (cf *ContentFilter) Check(subject, text string) string {
	// 主题会写入邮件头，换行可能被用来注入额外头部
	if strings.ContainsAny(subject, "\r\n") {
		return "header injection attempt: line break in subject"
	}

	content := subject + "\n" + text
	for _, rule := range cf.rules {
		if rule.pattern.MatchString(content) {
			return "malicious content detected: " + rule.name
		}
	}

	if hits := cf.spamHits(content); len(hits) >= cf.spamThreshold {
		return "spam content detected: " + strings.Join(hits, ", ")
	}

	return ""
}

// spamHits 返回命中的垃圾邮件关键词
func (cf *ContentFilter) spamHits(content string) []string {
	lower := strings.ToLower(content)

	var hits []string
	for _, keyword := range cf.spamKeywords {
		if strings.Contains(lower, keyword) {
			hits = append(hits, keyword)
		}
	}
	return hits
}
