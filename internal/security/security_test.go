package security

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tempmail/mailcore/internal/domain"
)

func TestContentFilter_Inspect(t *testing.T) {
	cf := NewContentFilter()

	t.Run("正常邮件", func(t *testing.T) {
		r := cf.Inspect("Your verification code", "Code: 123456")
		assert.Equal(t, 0, r.SpamScore)
		assert.False(t, r.Malicious())
	})

	t.Run("垃圾关键词计分", func(t *testing.T) {
		r := cf.Inspect("CONGRATULATIONS winner", "click here to claim the lottery")
		assert.Equal(t, 4, r.SpamScore)
		assert.Contains(t, r.SpamKeywords, "lottery")
	})

	t.Run("跨行脚本", func(t *testing.T) {
		r := cf.Inspect("", "<script>\nalert(1)\n</script>")
		assert.True(t, r.Malicious())
	})

	t.Run("自定义关键词", func(t *testing.T) {
		r := NewContentFilter(" Crypto ").Inspect("buy crypto now")
		assert.Equal(t, 1, r.SpamScore)
	})
}

func TestAttachmentScanner_Scan(t *testing.T) {
	s := NewAttachmentScanner(1024)

	findings := s.Scan([]*domain.Attachment{
		{Filename: "report.pdf", ContentType: "application/pdf", Size: 10, Content: []byte("%PDF")},
		{Filename: "setup.EXE", Size: 10},
		{Filename: "image.png", Size: 10, Content: []byte{0x4D, 0x5A, 0x00}},
		{Filename: "note.txt", ContentType: "text/plain", Size: 20, Content: []byte("<SCRIPT>x</SCRIPT>")},
		{Filename: "big.bin", Size: 4096},
	})

	assert.Len(t, findings, 4)
	assert.Equal(t, "setup.EXE", findings[0].Filename)
	assert.Equal(t, "executable content", findings[1].Reason)
	assert.Equal(t, "script in text attachment", findings[2].Reason)
	assert.Equal(t, "big.bin", findings[3].Filename)
}
