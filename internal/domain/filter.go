package domain

import "time"

// FilterType 过滤规则类型
type FilterType string

const (
	FilterSpam    FilterType = "spam"    // 垃圾邮件启发式，Pattern 为分值阈值
	FilterDomain  FilterType = "domain"  // 发件人域名
	FilterKeyword FilterType = "keyword" // 主题或正文关键词
	FilterSender  FilterType = "sender"  // 发件人完整地址
)

// FilterAction 命中规则后的处理
type FilterAction string

const (
	FilterDrop FilterAction = "drop"
	FilterTag  FilterAction = "tag"
)

// FilterRule 入站邮件过滤规则
type FilterRule struct {
	ID        string       `json:"id" yaml:"id" gorm:"primaryKey;type:varchar(36)"`
	Type      FilterType   `json:"type" yaml:"type" gorm:"type:varchar(16);index"`
	Pattern   string       `json:"pattern" yaml:"pattern" gorm:"type:varchar(255)"`
	Action    FilterAction `json:"action" yaml:"action" gorm:"type:varchar(8)"`
	Tag       string       `json:"tag,omitempty" yaml:"tag" gorm:"type:varchar(64)"`
	IsActive  bool         `json:"isActive" yaml:"active" gorm:"default:true"`
	CreatedAt time.Time    `json:"createdAt" yaml:"-"`
}

// Validate 校验规则字段
func (r *FilterRule) Validate() error {
	switch r.Type {
	case FilterSpam, FilterDomain, FilterKeyword, FilterSender:
	default:
		return NewError(KindInvalidInput, "unknown filter type")
	}
	switch r.Action {
	case FilterDrop, FilterTag:
	default:
		return NewError(KindInvalidInput, "unknown filter action")
	}
	if r.Pattern == "" && r.Type != FilterSpam {
		return NewError(KindInvalidInput, "filter pattern is required")
	}
	return nil
}
