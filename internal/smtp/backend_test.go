package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/config"
	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/events"
	"tempmail/mailcore/internal/filter"
	"tempmail/mailcore/internal/pool"
	"tempmail/mailcore/internal/quota"
	"tempmail/mailcore/internal/security"
	"tempmail/mailcore/internal/service"
	"tempmail/mailcore/internal/storage"
	"tempmail/mailcore/internal/storage/memory"
)

type testEnv struct {
	store     *memory.Store
	now       time.Time
	mailboxes *service.MailboxService
	messages  *service.MessageService
	domains   *service.DomainService
	backend   *Backend
	stored    []domain.Event
}

func (e *testEnv) clock() time.Time { return e.now }

func newTestEnv(t *testing.T, cfg config.SMTPConfig, opts ...BackendOption) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, memory.NewStore(), nil, cfg, opts...)
}

// newTestEnvWithStore 服务层读写 store，为 nil 时直接使用 mem
func newTestEnvWithStore(t *testing.T, mem *memory.Store, store storage.Store, cfg config.SMTPConfig, opts ...BackendOption) *testEnv {
	t.Helper()
	ctx := context.Background()
	log := zap.NewNop()
	if store == nil {
		store = mem
	}

	env := &testEnv{
		store: mem,
		now:   time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
	bus := events.NewBus(log)
	bus.Subscribe(domain.EventMessageStored, func(ev domain.Event) {
		env.stored = append(env.stored, ev)
	})

	locks := pool.NewKeyedMutex(8)
	policies := domain.DefaultTierPolicies()
	guard := quota.NewGuard(env.store, policies, log, quota.WithClock(env.clock))

	env.domains = service.NewDomainService(store, nil, "mx.temp.test", log)
	_, err := env.domains.EnsureGlobal(ctx, "temp.test")
	require.NoError(t, err)

	env.mailboxes = service.NewMailboxService(store, env.domains, guard, bus, locks, policies,
		config.MailboxConfig{}, log, service.WithClock(env.clock))
	env.messages = service.NewMessageService(store, env.mailboxes, guard, bus, locks, log,
		service.WithClock(env.clock))

	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 1 << 20
	}
	if cfg.MaxRecipients == 0 {
		cfg.MaxRecipients = 5
	}
	env.backend = NewBackend(env.mailboxes, env.messages, env.domains, cfg, log, opts...)
	return env
}

func (e *testEnv) mint(t *testing.T, localPart string, tier domain.Tier) *domain.Mailbox {
	t.Helper()
	mb, err := e.mailboxes.Mint(context.Background(), service.MintInput{
		Domain:    "temp.test",
		LocalPart: localPart,
		Owner:     domain.Owner{Kind: domain.OwnerUser, ID: "u-" + localPart},
		Tier:      tier,
	})
	require.NoError(t, err)
	return mb
}

func smtpCode(t *testing.T, err error) int {
	t.Helper()
	var smtpErr *gosmtp.SMTPError
	require.True(t, errors.As(err, &smtpErr), "expected SMTP error, got %v", err)
	return smtpErr.Code
}

func mailBody(subject, text string) string {
	return "From: sender@example.org\r\n" +
		"To: box@temp.test\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" + text + "\r\n"
}

func TestSession_Recipients(t *testing.T) {
	env := newTestEnv(t, config.SMTPConfig{MaxRecipients: 2})
	env.mint(t, "box", domain.TierPremium)
	env.mint(t, "box2", domain.TierPremium)
	env.mint(t, "box3", domain.TierPremium)

	s, err := env.backend.newSession("10.0.0.1")
	require.NoError(t, err)
	defer s.Logout()

	t.Run("非法发件人", func(t *testing.T) {
		assert.Equal(t, 501, smtpCode(t, s.Mail("not-an-address", nil)))
		require.NoError(t, s.Mail("", nil))
		require.NoError(t, s.Mail("sender@example.org", nil))
	})

	t.Run("未知域名按中继拒绝", func(t *testing.T) {
		assert.Equal(t, 550, smtpCode(t, s.Rcpt("someone@elsewhere.org", nil)))
	})

	t.Run("未知邮箱", func(t *testing.T) {
		err := s.Rcpt("nobody@temp.test", nil)
		require.Error(t, err)
		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, gosmtp.EnhancedCode{5, 1, 1}, smtpErr.EnhancedCode)
	})

	t.Run("收件人数量上限", func(t *testing.T) {
		require.NoError(t, s.Rcpt("<Box@Temp.Test>", nil))
		require.NoError(t, s.Rcpt("box2@temp.test", nil))
		assert.Equal(t, 452, smtpCode(t, s.Rcpt("box3@temp.test", nil)))
	})

	t.Run("重置后需重新校验收件人", func(t *testing.T) {
		s.Reset()
		assert.Equal(t, 503, smtpCode(t, s.Data(strings.NewReader(mailBody("x", "y")))))
	})
}

func TestSession_Data(t *testing.T) {
	ctx := context.Background()

	t.Run("正常投递", func(t *testing.T) {
		env := newTestEnv(t, config.SMTPConfig{})
		mb := env.mint(t, "box", domain.TierPremium)

		s, err := env.backend.newSession("10.0.0.1")
		require.NoError(t, err)
		require.NoError(t, s.Mail("sender@example.org", nil))
		require.NoError(t, s.Rcpt("box@temp.test", nil))
		require.NoError(t, s.Data(strings.NewReader(mailBody("hello", "world"))))
		assert.Equal(t, stateStored, s.state)

		res, err := env.messages.List(ctx, mb.Address, "", 10)
		require.NoError(t, err)
		require.Len(t, res.Messages, 1)
		assert.Equal(t, "hello", res.Messages[0].Subject)
		assert.Contains(t, res.Messages[0].Text, "world")
		require.Len(t, env.stored, 1)
	})

	t.Run("超过大小上限", func(t *testing.T) {
		env := newTestEnv(t, config.SMTPConfig{MaxMessageBytes: 64})
		env.mint(t, "box", domain.TierPremium)

		s, err := env.backend.newSession("10.0.0.1")
		require.NoError(t, err)
		require.NoError(t, s.Mail("sender@example.org", nil))
		require.NoError(t, s.Rcpt("box@temp.test", nil))
		err = s.Data(strings.NewReader(mailBody("big", strings.Repeat("x", 200))))
		assert.Equal(t, 552, smtpCode(t, err))
		assert.Empty(t, env.stored)
	})

	t.Run("投递时邮箱已过期", func(t *testing.T) {
		env := newTestEnv(t, config.SMTPConfig{})
		env.mint(t, "box", domain.TierPremium)

		s, err := env.backend.newSession("10.0.0.1")
		require.NoError(t, err)
		require.NoError(t, s.Mail("sender@example.org", nil))
		require.NoError(t, s.Rcpt("box@temp.test", nil))

		env.now = env.now.Add(8 * 24 * time.Hour)
		err = s.Data(strings.NewReader(mailBody("late", "body")))
		var smtpErr *gosmtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 550, smtpErr.Code)
		assert.Equal(t, gosmtp.EnhancedCode{5, 1, 1}, smtpErr.EnhancedCode)
	})

	t.Run("收件配额", func(t *testing.T) {
		env := newTestEnv(t, config.SMTPConfig{})
		mb, err := env.mailboxes.Mint(ctx, service.MintInput{
			Domain: "temp.test",
			Owner:  domain.Owner{Kind: domain.OwnerAnonymous, ID: "sess"},
			Tier:   domain.TierAnonymous,
			IP:     "1.2.3.4",
		})
		require.NoError(t, err)

		limit := domain.DefaultTierPolicies().For(domain.TierAnonymous).MessageLimit
		for i := 0; i < limit; i++ {
			_, err := env.messages.Append(ctx, mb, &domain.Message{}, nil)
			require.NoError(t, err)
		}

		s, err := env.backend.newSession("10.0.0.1")
		require.NoError(t, err)
		require.NoError(t, s.Mail("sender@example.org", nil))
		require.NoError(t, s.Rcpt(mb.Address, nil))
		assert.Equal(t, 452, smtpCode(t, s.Data(strings.NewReader(mailBody("q", "q")))))
	})
}

// brokenAppendStore 按收件地址在 AppendMessage 上注入错误
type brokenAppendStore struct {
	*memory.Store
	mock.Mock
}

func (s *brokenAppendStore) AppendMessage(ctx context.Context, msg *domain.Message, now time.Time) error {
	args := s.Called(msg.MailboxAddress)
	if err := args.Error(0); err != nil {
		return err
	}
	return s.Store.AppendMessage(ctx, msg, now)
}

func TestSession_StoreFailure(t *testing.T) {
	t.Run("存储故障返回 451", func(t *testing.T) {
		mem := memory.NewStore()
		store := &brokenAppendStore{Store: mem}
		store.On("AppendMessage", mock.Anything).Return(errors.New("connection reset"))
		env := newTestEnvWithStore(t, mem, store, config.SMTPConfig{})
		env.mint(t, "box", domain.TierPremium)

		s, err := env.backend.newSession("10.0.0.1")
		require.NoError(t, err)
		require.NoError(t, s.Mail("sender@example.org", nil))
		require.NoError(t, s.Rcpt("box@temp.test", nil))
		err = s.Data(strings.NewReader(mailBody("hello", "world")))
		assert.Equal(t, 451, smtpCode(t, err))
		assert.NotEqual(t, stateStored, s.state)
		assert.Empty(t, env.stored)
	})

	t.Run("部分收件人存储失败仍返回 451", func(t *testing.T) {
		mem := memory.NewStore()
		store := &brokenAppendStore{Store: mem}
		store.On("AppendMessage", "bad@temp.test").Return(errors.New("connection reset"))
		store.On("AppendMessage", mock.Anything).Return(nil)
		env := newTestEnvWithStore(t, mem, store, config.SMTPConfig{})
		env.mint(t, "good", domain.TierPremium)
		env.mint(t, "bad", domain.TierPremium)

		s, err := env.backend.newSession("10.0.0.1")
		require.NoError(t, err)
		require.NoError(t, s.Mail("sender@example.org", nil))
		require.NoError(t, s.Rcpt("good@temp.test", nil))
		require.NoError(t, s.Rcpt("bad@temp.test", nil))
		err = s.Data(strings.NewReader(mailBody("hello", "world")))
		assert.Equal(t, 451, smtpCode(t, err))
		store.AssertNumberOfCalls(t, "AppendMessage", 2)
	})
}

func TestSession_Filter(t *testing.T) {
	rules, err := filter.ParseRules([]byte(`
rules:
  - id: block-spammer
    type: domain
    pattern: spam.example
    action: drop
`))
	require.NoError(t, err)

	newFiltered := func(t *testing.T, policy string) *testEnv {
		f, err := filter.NewService(context.Background(), memory.NewStore(), security.NewAttachmentScanner(0), zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, f.UseRulesFile(context.Background(), rules))
		env := newTestEnv(t, config.SMTPConfig{FilterPolicy: policy}, WithFilter(f))
		env.mint(t, "box", domain.TierPremium)
		return env
	}

	t.Run("默认静默丢弃", func(t *testing.T) {
		env := newFiltered(t, "")
		s, err := env.backend.newSession("10.0.0.1")
		require.NoError(t, err)
		require.NoError(t, s.Mail("bad@spam.example", nil))
		require.NoError(t, s.Rcpt("box@temp.test", nil))
		assert.NoError(t, s.Data(strings.NewReader(mailBody("spam", "spam"))))
		assert.Empty(t, env.stored)
	})

	t.Run("拒绝策略返回 550", func(t *testing.T) {
		env := newFiltered(t, FilterPolicyReject)
		s, err := env.backend.newSession("10.0.0.1")
		require.NoError(t, err)
		require.NoError(t, s.Mail("bad@spam.example", nil))
		require.NoError(t, s.Rcpt("box@temp.test", nil))
		assert.Equal(t, 550, smtpCode(t, s.Data(strings.NewReader(mailBody("spam", "spam")))))
		assert.Empty(t, env.stored)
	})
}

func TestBackend_ConnectionLimit(t *testing.T) {
	limiter := NewConnectionLimiter(1, 0, 1)
	env := newTestEnv(t, config.SMTPConfig{}, WithLimiter(limiter))

	s, err := env.backend.newSession("10.0.0.1")
	require.NoError(t, err)

	_, err = env.backend.newSession("10.0.0.2")
	assert.Equal(t, 421, smtpCode(t, err))

	require.NoError(t, s.Logout())
	_, err = env.backend.newSession("10.0.0.2")
	assert.NoError(t, err)
}

func TestServer_EndToEnd(t *testing.T) {
	env := newTestEnv(t, config.SMTPConfig{Domain: "mx.temp.test", ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second})
	mb := env.mint(t, "box", domain.TierPremium)

	srv := NewServer(env.backend)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	defer srv.Close()

	c, err := gosmtp.Dial(ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("client.example.org"))
	require.NoError(t, c.Mail("sender@example.org", nil))

	err = c.Rcpt("ghost@temp.test", nil)
	require.Error(t, err)

	require.NoError(t, c.Rcpt(mb.Address, nil))
	w, err := c.Data()
	require.NoError(t, err)
	var body bytes.Buffer
	fmt.Fprint(&body, mailBody("over the wire", "hi"))
	_, err = w.Write(body.Bytes())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, c.Quit())

	res, err := env.messages.List(context.Background(), mb.Address, "", 10)
	require.NoError(t, err)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "over the wire", res.Messages[0].Subject)
}
