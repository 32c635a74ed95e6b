package security

import (
	"regexp"
	"strings"
)

// ContentReport 正文检查结果
type ContentReport struct {
	SpamScore     int      // 命中的垃圾邮件关键词数量
	SpamKeywords  []string // 命中的关键词
	MaliciousHint string   // 命中的恶意模式，为空表示未命中
}

// Malicious 是否包含恶意内容
func (r ContentReport) Malicious() bool {
	return r.MaliciousHint != ""
}

// ContentFilter 内容过滤器
type ContentFilter struct {
	maliciousPatterns []*regexp.Regexp
	spamKeywords      []string
}

// DefaultSpamKeywords 默认垃圾邮件关键词
var DefaultSpamKeywords = []string{
	"viagra", "casino", "lottery", "winner", "congratulations",
	"free money", "click here", "limited time", "act now",
	"guaranteed", "no risk", "earn money", "work from home",
}

// NewContentFilter 创建内容过滤器，keywords 为空时使用默认关键词
func NewContentFilter(keywords ...string) *ContentFilter {
	if len(keywords) == 0 {
		keywords = DefaultSpamKeywords
	}
	lower := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lower = append(lower, k)
		}
	}

	return &ContentFilter{
		maliciousPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`),
			regexp.MustCompile(`(?i)javascript:`),
			regexp.MustCompile(`(?i)onload\s*=`),
			regexp.MustCompile(`(?i)onerror\s*=`),
			regexp.MustCompile(`(?i)eval\s*\(`),
			regexp.MustCompile(`(?i)document\.cookie`),
			regexp.MustCompile(`(?i)<iframe[^>]*>`),
			regexp.MustCompile(`(?i)<object[^>]*>`),
			regexp.MustCompile(`(?i)<embed[^>]*>`),
		},
		spamKeywords: lower,
	}
}

// Inspect 对主题和正文打分
func (cf *ContentFilter) Inspect(parts ...string) ContentReport {
	var report ContentReport
	content := strings.Join(parts, "\n")

	for _, pattern := range cf.maliciousPatterns {
		if pattern.MatchString(content) {
			report.MaliciousHint = pattern.String()
			break
		}
	}

	contentLower := strings.ToLower(content)
	for _, keyword := range cf.spamKeywords {
		if strings.Contains(contentLower, keyword) {
			report.SpamScore++
			report.SpamKeywords = append(report.SpamKeywords, keyword)
		}
	}

	return report
}
