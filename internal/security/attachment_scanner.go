package security

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"tempmail/mailcore/internal/domain"
)

// AttachmentFinding 单个附件的风险结论
type AttachmentFinding struct {
	Filename string
	Reason   string
}

// AttachmentScanner 附件风险扫描
//
// 临时邮箱不拒收附件，扫描结果只用于打标签和过滤规则。
type AttachmentScanner struct {
	maxFileSize         int64
	dangerousExtensions map[string]bool
}

var executableSignatures = [][]byte{
	{0x4D, 0x5A},             // PE
	{0x7F, 0x45, 0x4C, 0x46}, // ELF
	{0xFE, 0xED, 0xFA, 0xCE}, // Mach-O
	{0xCE, 0xFA, 0xED, 0xFE}, // Mach-O (reverse)
}

// NewAttachmentScanner 创建附件扫描器
func NewAttachmentScanner(maxFileSize int64) *AttachmentScanner {
	return &AttachmentScanner{
		maxFileSize: maxFileSize,
		dangerousExtensions: map[string]bool{
			".exe": true, ".bat": true, ".cmd": true, ".scr": true,
			".pif": true, ".com": true, ".vbs": true, ".js": true,
			".jar": true, ".php": true, ".asp": true, ".jsp": true,
			".ps1": true, ".msi": true, ".hta": true,
		},
	}
}

// Scan 返回全部有风险的附件
func (s *AttachmentScanner) Scan(attachments []*domain.Attachment) []AttachmentFinding {
	var findings []AttachmentFinding
	for _, att := range attachments {
		if reason := s.check(att); reason != "" {
			findings = append(findings, AttachmentFinding{Filename: att.Filename, Reason: reason})
		}
	}
	return findings
}

func (s *AttachmentScanner) check(att *domain.Attachment) string {
	ext := strings.ToLower(filepath.Ext(att.Filename))
	if s.dangerousExtensions[ext] {
		return "dangerous extension " + ext
	}

	if s.maxFileSize > 0 && att.Size > s.maxFileSize {
		return fmt.Sprintf("attachment larger than %d bytes", s.maxFileSize)
	}

	header := att.Content
	if len(header) > 512 {
		header = header[:512]
	}
	for _, sig := range executableSignatures {
		if bytes.HasPrefix(header, sig) {
			return "executable content"
		}
	}

	if strings.HasPrefix(strings.ToLower(att.ContentType), "text/") {
		lower := strings.ToLower(string(header))
		if strings.Contains(lower, "<script") || strings.Contains(lower, "javascript:") {
			return "script in text attachment"
		}
	}
	return ""
}
