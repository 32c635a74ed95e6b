// Package filter 对入站邮件执行过滤规则。
package filter

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/security"
	"tempmail/mailcore/internal/storage"
)

// 附件扫描命中时附加的标签
const TagRiskyAttachment = "risky-attachment"

// 未配置阈值的 spam 规则使用的默认分值
const defaultSpamThreshold = 3

// Input 待评估的邮件
type Input struct {
	From        string // 信封发件人
	Subject     string
	Text        string
	HTML        string
	Attachments []*domain.Attachment
}

// Verdict 评估结果
type Verdict struct {
	Action domain.FilterAction // 空表示正常投递
	Rule   *domain.FilterRule  // 导致 drop 的规则
	Tags   []string
	Reason string
}

// Dropped 是否应丢弃
func (v Verdict) Dropped() bool {
	return v.Action == domain.FilterDrop
}

// Service 过滤规则服务
type Service struct {
	repo    storage.FilterRepository
	scanner *security.AttachmentScanner
	log     *zap.Logger
	now     func() time.Time

	mu        sync.RWMutex
	content   *security.ContentFilter
	fileRules []*domain.FilterRule
	rules     []*domain.FilterRule // 文件规则 + 仓储规则，仅启用的
}

// NewService 创建过滤服务并加载仓储中的规则
func NewService(ctx context.Context, repo storage.FilterRepository, scanner *security.AttachmentScanner, log *zap.Logger) (*Service, error) {
	s := &Service{
		repo:    repo,
		scanner: scanner,
		log:     log,
		now:     time.Now,
		content: security.NewContentFilter(),
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// UseRulesFile 合并 YAML 文件中的规则与关键词
func (s *Service) UseRulesFile(ctx context.Context, rf *RulesFile) error {
	s.mu.Lock()
	s.fileRules = rf.Rules
	if len(rf.SpamKeywords) > 0 {
		s.content = security.NewContentFilter(rf.SpamKeywords...)
	}
	s.mu.Unlock()

	s.log.Info("filter rules file loaded",
		zap.Int("rules", len(rf.Rules)),
		zap.Int("spam_keywords", len(rf.SpamKeywords)),
	)
	return s.Reload(ctx)
}

// Reload 从仓储重新读取规则
func (s *Service) Reload(ctx context.Context) error {
	stored, err := s.repo.ListFilterRules(ctx)
	if err != nil {
		return domain.WrapError(domain.KindStoreUnavailable, "load filter rules", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	active := make([]*domain.FilterRule, 0, len(s.fileRules)+len(stored))
	for _, r := range s.fileRules {
		if r.IsActive {
			active = append(active, r)
		}
	}
	for _, r := range stored {
		if r.IsActive {
			active = append(active, r)
		}
	}
	s.rules = active
	return nil
}

// Evaluate 对邮件执行全部启用的规则
//
// 任一 drop 规则命中即返回 drop；tag 规则的标签全部累加。
func (s *Service) Evaluate(in Input) Verdict {
	s.mu.RLock()
	rules := s.rules
	content := s.content
	s.mu.RUnlock()

	var v Verdict
	sender := strings.ToLower(strings.TrimSpace(in.From))
	_, senderDomain, _ := domain.SplitAddress(sender)

	var report *security.ContentReport
	inspect := func() security.ContentReport {
		if report == nil {
			r := content.Inspect(in.Subject, in.Text, in.HTML)
			report = &r
		}
		return *report
	}

	for _, rule := range rules {
		matched, reason := s.match(rule, sender, senderDomain, in, inspect)
		if !matched {
			continue
		}
		switch rule.Action {
		case domain.FilterDrop:
			return Verdict{Action: domain.FilterDrop, Rule: rule, Tags: v.Tags, Reason: reason}
		case domain.FilterTag:
			v.Action = domain.FilterTag
			v.Tags = appendTag(v.Tags, tagFor(rule))
			if v.Reason == "" {
				v.Reason = reason
			}
		}
	}

	if s.scanner != nil {
		if findings := s.scanner.Scan(in.Attachments); len(findings) > 0 {
			if v.Action == "" {
				v.Action = domain.FilterTag
				v.Reason = findings[0].Reason
			}
			v.Tags = appendTag(v.Tags, TagRiskyAttachment)
		}
	}
	return v
}

func (s *Service) match(rule *domain.FilterRule, sender, senderDomain string, in Input, inspect func() security.ContentReport) (bool, string) {
	pattern := strings.ToLower(strings.TrimSpace(rule.Pattern))

	switch rule.Type {
	case domain.FilterSender:
		if strings.ContainsAny(pattern, "*?") {
			ok, _ := path.Match(pattern, sender)
			return ok, "sender " + sender
		}
		return sender != "" && sender == pattern, "sender " + sender

	case domain.FilterDomain:
		if senderDomain == "" {
			return false, ""
		}
		ok := senderDomain == pattern || strings.HasSuffix(senderDomain, "."+pattern)
		return ok, "sender domain " + senderDomain

	case domain.FilterKeyword:
		for _, part := range []string{in.Subject, in.Text, in.HTML} {
			if strings.Contains(strings.ToLower(part), pattern) {
				return true, "keyword " + pattern
			}
		}
		return false, ""

	case domain.FilterSpam:
		threshold := defaultSpamThreshold
		if n, err := strconv.Atoi(pattern); err == nil && n > 0 {
			threshold = n
		}
		r := inspect()
		if r.Malicious() {
			return true, "malicious content"
		}
		if r.SpamScore >= threshold {
			return true, fmt.Sprintf("spam score %d", r.SpamScore)
		}
	}
	return false, ""
}

func tagFor(rule *domain.FilterRule) string {
	if rule.Tag != "" {
		return rule.Tag
	}
	return string(rule.Type)
}

func appendTag(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}

// ========== 管理接口 ==========

// AddRule 新增规则
func (s *Service) AddRule(ctx context.Context, rule *domain.FilterRule) (*domain.FilterRule, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	} else if strings.HasPrefix(rule.ID, fileRulePrefix) {
		return nil, domain.NewError(domain.KindInvalidInput, "rule id prefix is reserved")
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = s.now().UTC()
	}

	if err := s.repo.SaveFilterRule(ctx, rule); err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "save filter rule", err)
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}

	s.log.Info("filter rule added",
		zap.String("id", rule.ID),
		zap.String("type", string(rule.Type)),
		zap.String("action", string(rule.Action)),
	)
	return rule, nil
}

// DeleteRule 删除规则
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	if strings.HasPrefix(id, fileRulePrefix) {
		return domain.NewError(domain.KindForbidden, "rules from the rules file are read-only")
	}
	if err := s.repo.DeleteFilterRule(ctx, id); err != nil {
		if errors.Is(err, storage.ErrFilterNotFound) {
			return domain.NewError(domain.KindNotFound, "filter rule not found")
		}
		return domain.WrapError(domain.KindStoreUnavailable, "delete filter rule", err)
	}
	s.log.Info("filter rule deleted", zap.String("id", id))
	return s.Reload(ctx)
}

// ListRules 返回全部规则（包括未启用的和文件规则）
func (s *Service) ListRules(ctx context.Context) ([]*domain.FilterRule, error) {
	stored, err := s.repo.ListFilterRules(ctx)
	if err != nil {
		return nil, domain.WrapError(domain.KindStoreUnavailable, "list filter rules", err)
	}

	s.mu.RLock()
	result := make([]*domain.FilterRule, 0, len(s.fileRules)+len(stored))
	result = append(result, s.fileRules...)
	s.mu.RUnlock()

	return append(result, stored...), nil
}
