package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEmailValidator_ValidateEmail(t *testing.T) {
	v := NewEmailValidator()

	tests := []struct {
		name  string
		email string
		valid bool
	}{
		{"Valid email", "test@example.com", true},
		{"Valid email with subdomain", "user@mail.example.com", true},
		{"Valid email with brackets", "<User.Name@Example.com>", true},
		{"Invalid email - no @", "testexample.com", false},
		{"Invalid email - no domain", "test@", false},
		{"Invalid email - no local part", "@example.com", false},
		{"Invalid email - multiple @", "test@@example.com", false},
		{"Invalid email - short local part", "ab@example.com", false},
		{"Invalid email - double dot", "a..b@example.com", false},
		{"Invalid email - bare domain", "test@localhost", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateEmail(tt.email)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSplitAddress(t *testing.T) {
	local, domain, ok := SplitAddress("alice@temp.mail")
	assert.True(t, ok)
	assert.Equal(t, "alice", local)
	assert.Equal(t, "temp.mail", domain)

	_, _, ok = SplitAddress("alice@")
	assert.False(t, ok)
	_, _, ok = SplitAddress("a@b@c")
	assert.False(t, ok)
}

func TestTier(t *testing.T) {
	t.Run("等级排序", func(t *testing.T) {
		assert.True(t, TierPremium.AtLeast(TierRegistered))
		assert.True(t, TierPremium.AtLeast(TierPremium))
		assert.False(t, TierRegistered.AtLeast(TierPremium))
		assert.False(t, Tier("gold").AtLeast(TierAnonymous))
	})

	t.Run("解析等级", func(t *testing.T) {
		tier, err := ParseTier("")
		assert.NoError(t, err)
		assert.Equal(t, TierAnonymous, tier)

		tier, err = ParseTier(" Premium ")
		assert.NoError(t, err)
		assert.Equal(t, TierPremium, tier)

		_, err = ParseTier("gold")
		assert.Error(t, err)
	})

	t.Run("默认策略合法", func(t *testing.T) {
		assert.NoError(t, DefaultTierPolicies().Validate())
	})
}

func TestMailDomain_Mintable(t *testing.T) {
	user := Owner{Kind: OwnerUser, ID: "u1"}

	global := &MailDomain{Name: "temp.mail", IsActive: true, IsGlobal: true}
	assert.True(t, global.Mintable(Owner{}, TierAnonymous))

	inactive := &MailDomain{Name: "old.mail", IsGlobal: true}
	assert.False(t, inactive.Mintable(user, TierEnterprise))

	custom := &MailDomain{
		Name:               "mine.dev",
		IsActive:           true,
		VerificationStatus: VerificationVerified,
		OwnerID:            "u1",
	}
	assert.True(t, custom.Mintable(user, TierPremium))
	assert.False(t, custom.Mintable(user, TierRegistered))
	assert.False(t, custom.Mintable(Owner{Kind: OwnerUser, ID: "u2"}, TierPremium))

	custom.VerificationStatus = VerificationPending
	assert.False(t, custom.Mintable(user, TierPremium))
}

func TestErrorKinds(t *testing.T) {
	err := QuotaExceeded(42)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, KindQuotaExceeded, KindOf(err))

	wrapped := WrapError(KindStoreUnavailable, "append", assert.AnError)
	assert.ErrorIs(t, wrapped, ErrStoreUnavailable)
	assert.ErrorIs(t, wrapped, assert.AnError)
	assert.NotErrorIs(t, wrapped, ErrNotFound)
	assert.Equal(t, ErrorKind(""), KindOf(assert.AnError))
}
