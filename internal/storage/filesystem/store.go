package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/storage"
)

// Store 文件系统存储实现
//
// 目录结构: {base}/mails/{mailboxID}/{messageID}/raw.eml
//
//	{base}/mails/{mailboxID}/{messageID}/attachments/{前缀}_{文件名}
type Store struct {
	basePath string
	log      *zap.Logger
}

var _ storage.BlobStore = (*Store)(nil)

// NewStore 创建文件系统存储实例
func NewStore(basePath string, log *zap.Logger) (*Store, error) {
	normalized, err := normalizeBase(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}

	if err := os.MkdirAll(filepath.Join(normalized, "mails"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Store{basePath: normalized, log: log}, nil
}

// BasePath 返回存储根目录
func (s *Store) BasePath() string {
	return s.basePath
}

func (s *Store) mailboxPath(mailboxID string) (string, error) {
	if err := validSegment(mailboxID); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, "mails", mailboxID), nil
}

func (s *Store) messagePath(mailboxID, messageID string) (string, error) {
	mbPath, err := s.mailboxPath(mailboxID)
	if err != nil {
		return "", err
	}
	if err := validSegment(messageID); err != nil {
		return "", err
	}
	return filepath.Join(mbPath, messageID), nil
}

// ========== 原始邮件 ==========

// SaveRaw 保存原始邮件到 raw.eml
func (s *Store) SaveRaw(_ context.Context, mailboxID, messageID string, raw []byte) error {
	dir, err := s.messagePath(mailboxID, messageID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create message directory: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, "raw.eml"), raw); err != nil {
		return fmt.Errorf("failed to write raw message: %w", err)
	}
	return nil
}

// GetRaw 读取原始邮件
func (s *Store) GetRaw(_ context.Context, mailboxID, messageID string) ([]byte, error) {
	dir, err := s.messagePath(mailboxID, messageID)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(filepath.Join(dir, "raw.eml"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to read raw message: %w", err)
	}
	return content, nil
}

// ========== 附件 ==========

// SaveAttachment 保存附件内容
func (s *Store) SaveAttachment(_ context.Context, mailboxID, messageID string, att *domain.Attachment) (string, error) {
	dir, err := s.messagePath(mailboxID, messageID)
	if err != nil {
		return "", err
	}
	attachDir := filepath.Join(dir, "attachments")
	if err := os.MkdirAll(attachDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create attachment directory: %w", err)
	}

	file := filepath.Join(attachDir, attachmentFilename(att))
	if err := writeFileAtomic(file, att.Content); err != nil {
		return "", fmt.Errorf("failed to write attachment: %w", err)
	}

	rel, err := filepath.Rel(s.basePath, file)
	if err != nil {
		return file, nil
	}
	return filepath.ToSlash(rel), nil
}

// GetAttachment 读取附件内容
func (s *Store) GetAttachment(_ context.Context, mailboxID, messageID string, att *domain.Attachment) ([]byte, error) {
	dir, err := s.messagePath(mailboxID, messageID)
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(filepath.Join(dir, "attachments", attachmentFilename(att)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	return content, nil
}

// attachmentFilename 用附件 ID 前 8 位作前缀避免重名
func attachmentFilename(att *domain.Attachment) string {
	prefix := att.ID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return prefix + "_" + SanitizeFilename(att.Filename)
}

// ========== 清理 ==========

// DeleteMessageBlobs 删除单封邮件的全部文件
func (s *Store) DeleteMessageBlobs(_ context.Context, mailboxID, messageID string) error {
	dir, err := s.messagePath(mailboxID, messageID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// DeleteMailboxBlobs 删除邮箱目录
func (s *Store) DeleteMailboxBlobs(_ context.Context, mailboxID string) error {
	dir, err := s.mailboxPath(mailboxID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	s.log.Debug("mailbox blobs removed", zap.String("mailbox_id", mailboxID))
	return nil
}

// Health 检查根目录可写
func (s *Store) Health() error {
	f, err := os.CreateTemp(s.basePath, ".health-*")
	if err != nil {
		return fmt.Errorf("storage path not writable: %w", err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// writeFileAtomic 先写临时文件再重命名，读者不会看到半截内容
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
