package domain

import (
	"fmt"
	"strings"
	"time"
)

// Tier 订阅等级，决定保留时长、配额上限与自定义资格
type Tier string

const (
	TierAnonymous  Tier = "anonymous"
	TierRegistered Tier = "registered"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Tiers 按等级从低到高排列
var Tiers = []Tier{TierAnonymous, TierRegistered, TierPremium, TierEnterprise}

func (t Tier) rank() int {
	for i, tier := range Tiers {
		if tier == t {
			return i
		}
	}
	return -1
}

// Valid 判断等级是否为已知取值
func (t Tier) Valid() bool {
	return t.rank() >= 0
}

// AtLeast 判断当前等级是否不低于 other
func (t Tier) AtLeast(other Tier) bool {
	return t.rank() >= other.rank() && t.Valid()
}

// ParseTier 解析等级字符串，空串视为匿名
func ParseTier(value string) (Tier, error) {
	v := Tier(strings.ToLower(strings.TrimSpace(value)))
	if v == "" {
		return TierAnonymous, nil
	}
	if !v.Valid() {
		return "", fmt.Errorf("unknown tier %q", value)
	}
	return v, nil
}

// TierPolicy 单个等级的策略参数
//
// 上限为 0 表示不限制。
type TierPolicy struct {
	Retention       time.Duration // 邮箱保留时长
	MailboxLimit    int           // 窗口内可创建邮箱数
	MessageLimit    int           // 单个邮箱窗口内可接收邮件数
	Window          time.Duration // 配额窗口长度
	CustomLocalPart bool          // 是否允许自定义前缀
	CustomDomain    bool          // 是否允许自定义域名
}

// TierPolicies 等级到策略的映射
type TierPolicies map[Tier]TierPolicy

// DefaultTierPolicies 返回默认等级策略
func DefaultTierPolicies() TierPolicies {
	return TierPolicies{
		TierAnonymous: {
			Retention:    10 * time.Minute,
			MailboxLimit: 5,
			MessageLimit: 100,
			Window:       time.Hour,
		},
		TierRegistered: {
			Retention:    24 * time.Hour,
			MailboxLimit: 20,
			MessageLimit: 500,
			Window:       time.Hour,
		},
		TierPremium: {
			Retention:       7 * 24 * time.Hour,
			MailboxLimit:    0,
			MessageLimit:    2000,
			Window:          time.Hour,
			CustomLocalPart: true,
			CustomDomain:    true,
		},
		TierEnterprise: {
			Retention:       30 * 24 * time.Hour,
			Window:          time.Hour,
			CustomLocalPart: true,
			CustomDomain:    true,
		},
	}
}

// For 返回等级对应的策略，未知等级按匿名处理
func (p TierPolicies) For(tier Tier) TierPolicy {
	if policy, ok := p[tier]; ok {
		return policy
	}
	return p[TierAnonymous]
}

// Validate 检查每个等级都配置了正的保留时长与窗口
func (p TierPolicies) Validate() error {
	for _, tier := range Tiers {
		policy, ok := p[tier]
		if !ok {
			return fmt.Errorf("missing policy for tier %s", tier)
		}
		if policy.Retention <= 0 {
			return fmt.Errorf("tier %s: retention must be positive", tier)
		}
		if policy.Window <= 0 {
			return fmt.Errorf("tier %s: window must be positive", tier)
		}
		if policy.MailboxLimit < 0 || policy.MessageLimit < 0 {
			return fmt.Errorf("tier %s: limits must not be negative", tier)
		}
	}
	return nil
}
