// Package smtp 实现只收不发的 SMTP 入站服务。
//
// 只接收发往本系统有效临时邮箱的邮件，外部地址一律拒绝，
// 因此不会成为开放中继。
package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/config"
	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/filter"
	"tempmail/mailcore/internal/monitoring"
	"tempmail/mailcore/internal/service"
)

const (
	FilterPolicyDiscard = "discard"
	FilterPolicyReject  = "reject"

	opTimeout = 30 * time.Second
)

// 协议层错误
var (
	errMalformedSender  = &gosmtp.SMTPError{Code: 501, EnhancedCode: gosmtp.EnhancedCode{5, 1, 7}, Message: "malformed sender address"}
	errBadRecipient     = &gosmtp.SMTPError{Code: 501, EnhancedCode: gosmtp.EnhancedCode{5, 1, 3}, Message: "invalid recipient address"}
	errRelayDenied      = &gosmtp.SMTPError{Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 7, 1}, Message: "relay access denied"}
	errUnknownMailbox   = &gosmtp.SMTPError{Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 1, 1}, Message: "recipient mailbox not found"}
	errTooManyRcpts     = &gosmtp.SMTPError{Code: 452, EnhancedCode: gosmtp.EnhancedCode{4, 5, 3}, Message: "too many recipients"}
	errNoValidRecipient = &gosmtp.SMTPError{Code: 503, EnhancedCode: gosmtp.EnhancedCode{5, 5, 1}, Message: "no valid recipients"}
	errTooLarge         = &gosmtp.SMTPError{Code: 552, EnhancedCode: gosmtp.EnhancedCode{5, 3, 4}, Message: "message exceeds size limit"}
	errMalformedMessage = &gosmtp.SMTPError{Code: 554, EnhancedCode: gosmtp.EnhancedCode{5, 6, 0}, Message: "malformed message"}
	errFilterRejected   = &gosmtp.SMTPError{Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 7, 1}, Message: "message rejected by policy"}
	errQuota            = &gosmtp.SMTPError{Code: 452, EnhancedCode: gosmtp.EnhancedCode{4, 2, 2}, Message: "mailbox is receiving too much mail, try again later"}
	errTempFailure      = &gosmtp.SMTPError{Code: 451, EnhancedCode: gosmtp.EnhancedCode{4, 3, 0}, Message: "temporary storage failure, try again later"}
	errConnLimit        = &gosmtp.SMTPError{Code: 421, EnhancedCode: gosmtp.EnhancedCode{4, 7, 0}, Message: "too many connections, try again later"}
)

// Backend 实现 go-smtp 的 Backend 接口。
type Backend struct {
	mailboxes *service.MailboxService
	messages  *service.MessageService
	domains   *service.DomainService
	filters   *filter.Service
	limiter   *ConnectionLimiter
	cfg       config.SMTPConfig
	metrics   *monitoring.Metrics
	log       *zap.Logger
}

// BackendOption 配置 Backend
type BackendOption func(*Backend)

// WithFilter 启用过滤规则
func WithFilter(f *filter.Service) BackendOption {
	return func(b *Backend) { b.filters = f }
}

// WithLimiter 启用连接限流
func WithLimiter(l *ConnectionLimiter) BackendOption {
	return func(b *Backend) { b.limiter = l }
}

// WithMetrics 启用指标
func WithMetrics(m *monitoring.Metrics) BackendOption {
	return func(b *Backend) { b.metrics = m }
}

// NewBackend 创建 SMTP Backend。
func NewBackend(
	mailboxes *service.MailboxService,
	messages *service.MessageService,
	domains *service.DomainService,
	cfg config.SMTPConfig,
	log *zap.Logger,
	opts ...BackendOption,
) *Backend {
	if cfg.FilterPolicy != FilterPolicyReject {
		cfg.FilterPolicy = FilterPolicyDiscard
	}
	b := &Backend{
		mailboxes: mailboxes,
		messages:  messages,
		domains:   domains,
		cfg:       cfg,
		log:       log,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NewServer 按配置创建 go-smtp 服务器
func NewServer(b *Backend) *gosmtp.Server {
	srv := gosmtp.NewServer(b)
	srv.Addr = b.cfg.BindAddr
	srv.Domain = b.cfg.Domain
	srv.ReadTimeout = b.cfg.ReadTimeout
	srv.WriteTimeout = b.cfg.WriteTimeout
	srv.MaxMessageBytes = b.cfg.MaxMessageBytes
	srv.MaxRecipients = b.cfg.MaxRecipients
	return srv
}

// NewSession 创建新的 SMTP 会话。
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	ip := ""
	if c != nil && c.Conn() != nil {
		ip = remoteIP(c.Conn().RemoteAddr())
	}
	return b.newSession(ip)
}

func (b *Backend) newSession(ip string) (*session, error) {
	release := func() {}
	if b.limiter != nil {
		r, err := b.limiter.Acquire(ip)
		if err != nil {
			reason := "max_connections"
			if errors.Is(err, ErrConnectionRate) {
				reason = "ip_rate"
			}
			b.metrics.RecordSMTPConnectionRejected(reason)
			b.log.Warn("smtp connection refused", zap.String("ip", ip), zap.String("reason", reason))
			return nil, errConnLimit
		}
		release = r
	}
	b.metrics.SMTPConnectionOpened()
	return &session{
		backend: b,
		ip:      ip,
		release: release,
		log:     b.log.With(zap.String("remote_ip", ip)),
	}, nil
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// sessionState 会话状态，只能按顺序前进，Reset 回到 stateConnected
type sessionState int

const (
	stateConnected sessionState = iota
	stateRecipientValidated
	stateBodyReceived
	stateStored
	stateRejected
)

type session struct {
	backend *Backend
	ip      string
	release func()
	log     *zap.Logger

	state      sessionState
	from       string
	recipients []*domain.Mailbox
}

// Mail 处理 MAIL 命令，空发件人（退信）允许。
func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	s.Reset()
	from = domain.NormalizeAddress(from)
	if from != "" {
		if _, _, ok := domain.SplitAddress(from); !ok {
			return errMalformedSender
		}
	}
	s.from = from
	return nil
}

// Rcpt 处理 RCPT 命令。
//
// 只接受本系统仍在有效期内的邮箱；域名不受管理时按中继拒绝。
func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if limit := s.backend.cfg.MaxRecipients; limit > 0 && len(s.recipients) >= limit {
		return errTooManyRcpts
	}

	addr := domain.NormalizeAddress(to)
	_, domainName, ok := domain.SplitAddress(addr)
	if !ok {
		return errBadRecipient
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	mb, err := s.backend.mailboxes.Resolve(ctx, addr)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.log.Error("failed to resolve recipient", zap.String("rcpt", addr), zap.Error(err))
			return errTempFailure
		}
		// 邮箱不存在时区分未知域名和未知用户
		if _, derr := s.backend.domains.Get(ctx, domainName); derr != nil {
			if errors.Is(derr, domain.ErrNotFound) {
				s.backend.metrics.RecordMessageRejected("relay_denied")
				return errRelayDenied
			}
			return errTempFailure
		}
		s.backend.metrics.RecordMessageRejected("unknown_recipient")
		return errUnknownMailbox
	}

	for _, existing := range s.recipients {
		if existing.ID == mb.ID {
			return nil
		}
	}
	s.recipients = append(s.recipients, mb)
	s.state = stateRecipientValidated
	return nil
}

// Data 读取、解析、过滤并按收件人存储邮件。
func (s *session) Data(r io.Reader) error {
	if s.state != stateRecipientValidated || len(s.recipients) == 0 {
		return errNoValidRecipient
	}

	raw, err := s.readBody(r)
	if err != nil {
		s.state = stateRejected
		return err
	}

	parsed, err := ParseEmail(raw)
	if err != nil {
		s.state = stateRejected
		s.backend.metrics.RecordMessageRejected("malformed")
		s.log.Info("malformed message", zap.Error(err))
		return errMalformedMessage
	}
	s.state = stateBodyReceived

	var tags []string
	if f := s.backend.filters; f != nil {
		verdict := f.Evaluate(filter.Input{
			From:        s.from,
			Subject:     parsed.Subject,
			Text:        parsed.Text,
			HTML:        parsed.HTML,
			Attachments: parsed.Attachments,
		})
		if verdict.Dropped() {
			return s.drop(verdict)
		}
		tags = verdict.Tags
	}

	return s.store(parsed, raw, tags)
}

func (s *session) readBody(r io.Reader) ([]byte, error) {
	limit := s.backend.cfg.MaxMessageBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	raw, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		var smtpErr *gosmtp.SMTPError
		if errors.As(err, &smtpErr) {
			if smtpErr.Code == 552 {
				s.backend.metrics.RecordMessageRejected("too_large")
			}
			return nil, smtpErr
		}
		return nil, fmt.Errorf("read message: %w", err)
	}
	if int64(len(raw)) > limit {
		s.backend.metrics.RecordMessageRejected("too_large")
		return nil, errTooLarge
	}
	return raw, nil
}

func (s *session) drop(verdict filter.Verdict) error {
	ruleType := "content"
	if verdict.Rule != nil {
		ruleType = string(verdict.Rule.Type)
	}
	s.backend.metrics.RecordMessageFiltered(ruleType, s.backend.cfg.FilterPolicy)
	s.log.Info("message dropped by filter",
		zap.String("from", s.from),
		zap.String("reason", verdict.Reason),
		zap.String("policy", s.backend.cfg.FilterPolicy),
	)
	if s.backend.cfg.FilterPolicy == FilterPolicyReject {
		s.state = stateRejected
		return errFilterRejected
	}
	s.state = stateStored
	return nil
}

// store 为每个收件人写入一份。
//
// 任一收件人遇到临时错误时整体返回临时错误，发件方会重试；
// 仅部分收件人永久失败时仍返回成功。
func (s *session) store(parsed *ParsedEmail, raw []byte, tags []string) error {
	var (
		transient *gosmtp.SMTPError
		permanent *gosmtp.SMTPError
		stored    int
	)

	for _, mb := range s.recipients {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		msg := parsed.Message(s.from, tags)
		if msg.To == "" {
			msg.To = mb.Address
		}
		id, err := s.backend.messages.Append(ctx, mb, msg, raw)
		cancel()

		if err == nil {
			stored++
			s.log.Debug("message accepted", zap.String("rcpt", mb.Address), zap.String("message_id", id))
			continue
		}

		smtpErr := appendError(err)
		s.log.Warn("failed to store message",
			zap.String("rcpt", mb.Address),
			zap.Int("code", smtpErr.Code),
			zap.Error(err),
		)
		if smtpErr.Code/100 == 4 {
			if transient == nil {
				transient = smtpErr
			}
		} else if permanent == nil {
			permanent = smtpErr
		}
	}

	switch {
	case transient != nil:
		s.state = stateRejected
		return transient
	case stored == 0 && permanent != nil:
		s.state = stateRejected
		return permanent
	}
	s.state = stateStored
	return nil
}

// appendError 将存储错误映射为 SMTP 状态码
func appendError(err error) *gosmtp.SMTPError {
	switch domain.KindOf(err) {
	case domain.KindQuotaExceeded:
		return errQuota
	case domain.KindMailboxExpired, domain.KindNotFound:
		return errUnknownMailbox
	default:
		return errTempFailure
	}
}

// Reset 重置事务状态。
func (s *session) Reset() {
	s.from = ""
	s.recipients = nil
	s.state = stateConnected
}

// Logout 会话结束。
func (s *session) Logout() error {
	s.release()
	s.backend.metrics.SMTPConnectionClosed()
	return nil
}
