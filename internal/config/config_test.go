package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/mailcore/internal/domain"
)

const testSecret = "test-secret-key-for-development-32-chars-long-at-least"

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		t.Setenv("TEMPMAIL_JWT_SECRET", testSecret)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, []string{"temp.mail"}, cfg.Mailbox.AllowedDomains)
		assert.Equal(t, 8, cfg.Mailbox.LocalPartAttempts)
		assert.Equal(t, ":25", cfg.SMTP.BindAddr)
		assert.Equal(t, int64(10*1024*1024), cfg.SMTP.MaxMessageBytes)
		assert.Equal(t, "discard", cfg.SMTP.FilterPolicy)
		assert.Equal(t, time.Minute, cfg.Sweeper.Interval)
		assert.Equal(t, 16, cfg.Notifier.Buffer)
		assert.Equal(t, "drop_oldest", cfg.Notifier.Overflow)
		assert.Equal(t, "memory", cfg.Quota.Backend)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.False(t, cfg.Log.Development)
		assert.Equal(t, domain.DefaultTierPolicies(), cfg.Tiers)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		t.Setenv("TEMPMAIL_JWT_SECRET", testSecret)
		t.Setenv("TEMPMAIL_SERVER_PORT", "9090")
		t.Setenv("TEMPMAIL_MAILBOX_ALLOWED_DOMAINS", "Custom.Mail, test.dev")
		t.Setenv("TEMPMAIL_SMTP_BIND_ADDR", ":2525")
		t.Setenv("TEMPMAIL_SMTP_FILTER_POLICY", "reject")
		t.Setenv("TEMPMAIL_TIERS_ANONYMOUS_RETENTION", "15m")
		t.Setenv("TEMPMAIL_TIERS_ANONYMOUS_MAILBOX_LIMIT", "3")
		t.Setenv("TEMPMAIL_NOTIFIER_OVERFLOW", "disconnect")
		t.Setenv("TEMPMAIL_CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
		t.Setenv("TEMPMAIL_ADMIN_API_KEY_HASHES", "$2a$10$abc,$2a$10$def")

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, []string{"custom.mail", "test.dev"}, cfg.Mailbox.AllowedDomains)
		assert.Equal(t, ":2525", cfg.SMTP.BindAddr)
		assert.Equal(t, "reject", cfg.SMTP.FilterPolicy)
		assert.Equal(t, 15*time.Minute, cfg.Tiers[domain.TierAnonymous].Retention)
		assert.Equal(t, 3, cfg.Tiers[domain.TierAnonymous].MailboxLimit)
		assert.Equal(t, "disconnect", cfg.Notifier.Overflow)
		assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORS.AllowedOrigins)
		assert.Len(t, cfg.Admin.APIKeyHashes, 2)
	})

	t.Run("从配置文件加载", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "tempmail.yaml")
		content := "tiers:\n  premium:\n    retention: 72h\nsweeper:\n  interval: 5s\n"
		require.NoError(t, os.WriteFile(file, []byte(content), 0o600))

		t.Setenv("TEMPMAIL_JWT_SECRET", testSecret)
		t.Setenv("TEMPMAIL_CONFIG_FILE", file)

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, 72*time.Hour, cfg.Tiers[domain.TierPremium].Retention)
		assert.Equal(t, 5*time.Second, cfg.Sweeper.Interval)
	})

	t.Run("非法过滤策略失败", func(t *testing.T) {
		t.Setenv("TEMPMAIL_JWT_SECRET", testSecret)
		t.Setenv("TEMPMAIL_SMTP_FILTER_POLICY", "bounce")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("保留时长为零失败", func(t *testing.T) {
		t.Setenv("TEMPMAIL_JWT_SECRET", testSecret)
		t.Setenv("TEMPMAIL_TIERS_REGISTERED_RETENTION", "0s")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("postgres配额后端需要postgres数据库", func(t *testing.T) {
		t.Setenv("TEMPMAIL_JWT_SECRET", testSecret)
		t.Setenv("TEMPMAIL_QUOTA_BACKEND", "postgres")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("JWT密钥太短失败", func(t *testing.T) {
		t.Setenv("TEMPMAIL_JWT_SECRET", "short-key")

		cfg, err := Load()
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "JWT secret must be at least 32 characters long")
	})

	t.Run("使用默认JWT密钥失败", func(t *testing.T) {
		t.Setenv("TEMPMAIL_JWT_SECRET", "change-me-in-production")

		cfg, err := Load()
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "JWT secret cannot be the default value")
	})
}
