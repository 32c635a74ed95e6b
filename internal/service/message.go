package service

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/events"
	"tempmail/mailcore/internal/pool"
	"tempmail/mailcore/internal/quota"
	"tempmail/mailcore/internal/storage"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// MessageService 封装邮件相关业务操作。
type MessageService struct {
	store     storage.Store
	mailboxes *MailboxService
	guard     *quota.Guard
	bus       *events.Bus
	locks     *pool.KeyedMutex
	log       *zap.Logger
	opts      options
}

// NewMessageService 创建邮件业务服务。
func NewMessageService(
	store storage.Store,
	mailboxes *MailboxService,
	guard *quota.Guard,
	bus *events.Bus,
	locks *pool.KeyedMutex,
	log *zap.Logger,
	opts ...Option,
) *MessageService {
	return &MessageService{
		store:     store,
		mailboxes: mailboxes,
		guard:     guard,
		bus:       bus,
		locks:     locks,
		log:       log,
		opts:      buildOptions(opts),
	}
}

// Append 写入一封投递到 mailbox 的邮件，返回邮件 ID。
//
// 写入与通知在同一把地址锁内完成，通知顺序与写入顺序一致。
func (s *MessageService) Append(ctx context.Context, mailbox *domain.Mailbox, msg *domain.Message, raw []byte) (string, error) {
	start := s.opts.now()

	unlock := s.locks.Lock(mailbox.Address)
	defer unlock()

	if s.guard != nil {
		decision, err := s.guard.CheckAndIncrement(ctx, mailbox.ID, domain.ActionMessageReceive, mailbox.Tier)
		if err != nil {
			return "", domain.WrapError(domain.KindStoreUnavailable, "check quota", err)
		}
		if !decision.Allowed {
			return "", domain.QuotaExceeded(decision.RetryAfter)
		}
	}

	now := s.opts.now().UTC()
	msg.ID = uuid.NewString()
	msg.MailboxID = mailbox.ID
	msg.MailboxAddress = mailbox.Address
	msg.ReceivedAt = now
	if msg.To == "" {
		msg.To = mailbox.Address
	}

	if err := s.saveBlobs(ctx, msg, raw); err != nil {
		s.refund(ctx, mailbox)
		return "", err
	}

	if err := s.store.AppendMessage(ctx, msg, now); err != nil {
		s.refund(ctx, mailbox)
		s.dropBlobs(ctx, msg)
		switch {
		case errors.Is(err, storage.ErrMailboxExpired), errors.Is(err, storage.ErrMailboxNotFound):
			return "", domain.NewError(domain.KindMailboxExpired, "mailbox expired")
		default:
			return "", domain.WrapError(domain.KindStoreUnavailable, "append message", err)
		}
	}

	s.opts.metrics.RecordMessageReceived(s.opts.now().Sub(start))
	for _, att := range msg.Attachments {
		s.opts.metrics.RecordAttachmentSize(att.Size)
	}

	s.bus.Publish(domain.Event{
		Type:      domain.EventMessageStored,
		Address:   mailbox.Address,
		MailboxID: mailbox.ID,
		MessageID: msg.ID,
		Tier:      mailbox.Tier,
		At:        now,
	})

	s.log.Info("message stored",
		zap.String("address", mailbox.Address),
		zap.String("message_id", msg.ID),
		zap.Int64("size", msg.Size),
		zap.Int("attachments", len(msg.Attachments)),
	)
	return msg.ID, nil
}

func (s *MessageService) refund(ctx context.Context, mailbox *domain.Mailbox) {
	if s.guard != nil {
		s.guard.Refund(ctx, mailbox.ID, domain.ActionMessageReceive, mailbox.Tier)
	}
}

func (s *MessageService) saveBlobs(ctx context.Context, msg *domain.Message, raw []byte) error {
	if s.opts.blobs == nil {
		return nil
	}
	if len(raw) > 0 {
		if err := s.opts.blobs.SaveRaw(ctx, msg.MailboxID, msg.ID, raw); err != nil {
			return domain.WrapError(domain.KindStoreUnavailable, "save raw message", err)
		}
		msg.HasRaw = true
	}
	for _, att := range msg.Attachments {
		if att.ID == "" {
			att.ID = uuid.NewString()
		}
		path, err := s.opts.blobs.SaveAttachment(ctx, msg.MailboxID, msg.ID, att)
		if err != nil {
			s.dropBlobs(ctx, msg)
			return domain.WrapError(domain.KindStoreUnavailable, "save attachment", err)
		}
		att.StoragePath = path
		// 内容已落盘，存储层只保留元数据
		att.Content = nil
	}
	return nil
}

func (s *MessageService) dropBlobs(ctx context.Context, msg *domain.Message) {
	if s.opts.blobs == nil {
		return
	}
	if err := s.opts.blobs.DeleteMessageBlobs(ctx, msg.MailboxID, msg.ID); err != nil {
		s.log.Warn("failed to remove message files",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

// ListResult 分页结果
type ListResult struct {
	Messages   []*domain.Message
	NextCursor string
}

// List 按到达时间倒序返回邮件。
//
// since 为空时返回最新的 limit 封；非空时只返回比游标更新的邮件，
// 超过 limit 时先返回较早的那部分，下次用 NextCursor 继续拉取，不会漏信。
func (s *MessageService) List(ctx context.Context, address, since string, limit int) (*ListResult, error) {
	afterSeq, err := domain.ParseCursor(since)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	mb, err := s.mailboxes.Resolve(ctx, address)
	if err != nil {
		return nil, err
	}

	fetch := limit
	if since != "" {
		fetch = 0
	}
	list, err := s.store.ListMessages(ctx, mb.ID, afterSeq, fetch)
	if err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return nil, domain.NewError(domain.KindNotFound, "mailbox not found")
		}
		return nil, domain.WrapError(domain.KindStoreUnavailable, "list messages", err)
	}

	if since != "" && len(list) > limit {
		// list 为倒序，保留最早的 limit 封
		list = list[len(list)-limit:]
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Seq > list[j].Seq })

	next := since
	if len(list) > 0 {
		next = list[0].Cursor()
	}
	return &ListResult{Messages: list, NextCursor: next}, nil
}

// Get 获取单封邮件
func (s *MessageService) Get(ctx context.Context, address, messageID string) (*domain.Message, error) {
	mb, err := s.mailboxes.Resolve(ctx, address)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, mb, messageID)
}

func (s *MessageService) get(ctx context.Context, mb *domain.Mailbox, messageID string) (*domain.Message, error) {
	msg, err := s.store.GetMessage(ctx, mb.ID, messageID)
	if err != nil {
		return nil, mapMessageErr(err, "get message")
	}
	return msg, nil
}

// MarkRead 将邮件标记为已读
func (s *MessageService) MarkRead(ctx context.Context, address, messageID string) error {
	mb, err := s.mailboxes.Resolve(ctx, address)
	if err != nil {
		return err
	}
	if err := s.store.MarkMessageRead(ctx, mb.ID, messageID); err != nil {
		return mapMessageErr(err, "mark message read")
	}
	s.opts.metrics.RecordMessageRead()
	return nil
}

// Delete 删除单封邮件及其文件
func (s *MessageService) Delete(ctx context.Context, address, messageID string) error {
	mb, err := s.mailboxes.Resolve(ctx, address)
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(mb.Address)
	defer unlock()

	if err := s.store.DeleteMessage(ctx, mb.ID, messageID); err != nil {
		return mapMessageErr(err, "delete message")
	}
	if s.opts.blobs != nil {
		if err := s.opts.blobs.DeleteMessageBlobs(ctx, mb.ID, messageID); err != nil {
			s.log.Warn("failed to remove message files", zap.String("message_id", messageID), zap.Error(err))
		}
	}
	s.opts.metrics.RecordMessageDeleted()
	return nil
}

// GetRaw 返回原始邮件内容
func (s *MessageService) GetRaw(ctx context.Context, address, messageID string) ([]byte, error) {
	mb, err := s.mailboxes.Resolve(ctx, address)
	if err != nil {
		return nil, err
	}
	msg, err := s.get(ctx, mb, messageID)
	if err != nil {
		return nil, err
	}
	if !msg.HasRaw || s.opts.blobs == nil {
		return nil, domain.NewError(domain.KindNotFound, "raw message not stored")
	}
	raw, err := s.opts.blobs.GetRaw(ctx, mb.ID, msg.ID)
	if err != nil {
		return nil, mapBlobErr(err, "read raw message")
	}
	return raw, nil
}

// GetAttachment 返回附件元数据和内容
func (s *MessageService) GetAttachment(ctx context.Context, address, messageID, attachmentID string) (*domain.Attachment, []byte, error) {
	mb, err := s.mailboxes.Resolve(ctx, address)
	if err != nil {
		return nil, nil, err
	}
	msg, err := s.get(ctx, mb, messageID)
	if err != nil {
		return nil, nil, err
	}

	for _, att := range msg.Attachments {
		if att.ID != attachmentID {
			continue
		}
		if s.opts.blobs == nil {
			if len(att.Content) > 0 {
				return att, att.Content, nil
			}
			return nil, nil, domain.NewError(domain.KindNotFound, "attachment content not stored")
		}
		content, err := s.opts.blobs.GetAttachment(ctx, mb.ID, msg.ID, att)
		if err != nil {
			return nil, nil, mapBlobErr(err, "read attachment")
		}
		return att, content, nil
	}
	return nil, nil, domain.NewError(domain.KindNotFound, "attachment not found")
}

func mapMessageErr(err error, op string) error {
	if errors.Is(err, storage.ErrMessageNotFound) || errors.Is(err, storage.ErrMailboxNotFound) {
		return domain.NewError(domain.KindNotFound, "message not found")
	}
	return domain.WrapError(domain.KindStoreUnavailable, op, err)
}

func mapBlobErr(err error, op string) error {
	if errors.Is(err, storage.ErrBlobNotFound) {
		return domain.NewError(domain.KindNotFound, "content not found")
	}
	return domain.WrapError(domain.KindStoreUnavailable, op, err)
}
