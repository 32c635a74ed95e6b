package domain

import "time"

// VerificationStatus 域名验证状态
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

// Valid 判断验证状态是否合法
func (s VerificationStatus) Valid() bool {
	switch s {
	case VerificationPending, VerificationVerified, VerificationFailed:
		return true
	}
	return false
}

// MailDomain 可接收邮件的域名
//
// 全局域名由管理员创建，所有用户可用；自定义域名由高级用户添加，
// 需外部 DNS 校验通过后才能创建邮箱。
type MailDomain struct {
	Name               string             `json:"name" gorm:"primaryKey;type:varchar(253)"`
	IsActive           bool               `json:"isActive" gorm:"default:false;index"`
	IsGlobal           bool               `json:"isGlobal" gorm:"default:false;index"`
	VerificationStatus VerificationStatus `json:"verificationStatus" gorm:"type:varchar(16);default:'pending'"`
	MXRecord           string             `json:"mxRecord,omitempty" gorm:"type:varchar(253)"`
	VerificationToken  string             `json:"verificationToken,omitempty" gorm:"type:varchar(64)"`
	OwnerID            string             `json:"ownerId,omitempty" gorm:"type:varchar(64);index"`
	CreatedAt          time.Time          `json:"createdAt"`
	VerifiedAt         *time.Time         `json:"verifiedAt,omitempty"`
}

// Mintable 判断 owner 能否在该域名下创建邮箱
func (d *MailDomain) Mintable(owner Owner, tier Tier) bool {
	if d == nil || !d.IsActive {
		return false
	}
	if d.IsGlobal {
		return true
	}
	return d.VerificationStatus == VerificationVerified &&
		owner.Kind == OwnerUser && owner.ID == d.OwnerID &&
		tier.AtLeast(TierPremium)
}

// Clone 返回浅拷贝
func (d *MailDomain) Clone() *MailDomain {
	if d == nil {
		return nil
	}
	cp := *d
	if d.VerifiedAt != nil {
		t := *d.VerifiedAt
		cp.VerifiedAt = &t
	}
	return &cp
}
