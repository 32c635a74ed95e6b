package filter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tempmail/mailcore/internal/domain"
)

// fileRulePrefix 文件规则的 ID 前缀，这类规则不能通过接口删除
const fileRulePrefix = "file:"

// RulesFile YAML 规则文件格式
//
//	spam_keywords: [casino, lottery]
//	rules:
//	  - id: block-spammer
//	    type: domain
//	    pattern: spam.example
//	    action: drop
type RulesFile struct {
	SpamKeywords []string             `yaml:"spam_keywords"`
	Rules        []*domain.FilterRule `yaml:"rules"`
}

// LoadRulesFile 读取并校验规则文件
func LoadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules 解析 YAML 规则，未写 active 的规则视为启用
func ParseRules(data []byte) (*RulesFile, error) {
	var raw struct {
		SpamKeywords []string `yaml:"spam_keywords"`
		Rules        []struct {
			ID      string              `yaml:"id"`
			Type    domain.FilterType   `yaml:"type"`
			Pattern string              `yaml:"pattern"`
			Action  domain.FilterAction `yaml:"action"`
			Tag     string              `yaml:"tag"`
			Active  *bool               `yaml:"active"`
		} `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	rf := &RulesFile{SpamKeywords: raw.SpamKeywords}
	seen := make(map[string]bool, len(raw.Rules))
	for i, r := range raw.Rules {
		id := r.ID
		if id == "" {
			id = fmt.Sprintf("rule-%d", i+1)
		}
		rule := &domain.FilterRule{
			ID:       fileRulePrefix + id,
			Type:     r.Type,
			Pattern:  r.Pattern,
			Action:   r.Action,
			Tag:      r.Tag,
			IsActive: r.Active == nil || *r.Active,
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %q: %w", id, err)
		}
		if seen[rule.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", id)
		}
		seen[rule.ID] = true
		rf.Rules = append(rf.Rules, rule)
	}
	return rf, nil
}
