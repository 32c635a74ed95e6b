package smtp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempmail/mailcore/internal/domain"
)

func TestParseEmail(t *testing.T) {
	t.Run("纯文本", func(t *testing.T) {
		parsed, err := ParseEmail([]byte("Subject: hi\r\nFrom: a@b.c\r\n\r\nhello"))
		require.NoError(t, err)
		assert.Equal(t, "hi", parsed.Subject)
		assert.Equal(t, "hello", parsed.Text)
		assert.Equal(t, "a@b.c", parsed.Headers["From"])
	})

	t.Run("编码的主题与 GBK 正文", func(t *testing.T) {
		// "测试" 的 GBK 编码为 B2 E2 CA D4
		raw := "Subject: =?UTF-8?B?5rWL6K+V?=\r\n" +
			"Content-Type: text/plain; charset=gbk\r\n" +
			"Content-Transfer-Encoding: base64\r\n" +
			"\r\n" +
			"suLK1A==\r\n"
		parsed, err := ParseEmail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "测试", parsed.Subject)
		assert.Equal(t, "测试", parsed.Text)
	})

	t.Run("多部分与附件", func(t *testing.T) {
		raw := "Subject: multi\r\n" +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: multipart/mixed; boundary=outer\r\n" +
			"\r\n" +
			"--outer\r\n" +
			"Content-Type: multipart/alternative; boundary=inner\r\n" +
			"\r\n" +
			"--inner\r\n" +
			"Content-Type: text/plain; charset=utf-8\r\n" +
			"Content-Transfer-Encoding: quoted-printable\r\n" +
			"\r\n" +
			"caf=C3=A9\r\n" +
			"--inner\r\n" +
			"Content-Type: text/html\r\n" +
			"\r\n" +
			"<p>html</p>\r\n" +
			"--inner--\r\n" +
			"--outer\r\n" +
			"Content-Type: application/pdf; name=\"doc.pdf\"\r\n" +
			"Content-Disposition: attachment; filename=\"doc.pdf\"\r\n" +
			"Content-Transfer-Encoding: base64\r\n" +
			"\r\n" +
			"aGVs\r\nbG8=\r\n" +
			"--outer--\r\n"
		parsed, err := ParseEmail([]byte(raw))
		require.NoError(t, err)
		assert.Equal(t, "café", parsed.Text)
		assert.Contains(t, parsed.HTML, "<p>html</p>")
		require.Len(t, parsed.Attachments, 1)
		att := parsed.Attachments[0]
		assert.Equal(t, "doc.pdf", att.Filename)
		assert.Equal(t, "application/pdf", att.ContentType)
		assert.Equal(t, []byte("hello"), att.Content)
		assert.EqualValues(t, 5, att.Size)
	})

	t.Run("缺少 boundary", func(t *testing.T) {
		_, err := ParseEmail([]byte("Content-Type: multipart/mixed\r\n\r\nbody"))
		assert.Error(t, err)
	})

	t.Run("为每个收件人复制附件", func(t *testing.T) {
		parsed, err := ParseEmail([]byte("Subject: s\r\n\r\nbody"))
		require.NoError(t, err)
		parsed.Attachments = append(parsed.Attachments, &domain.Attachment{Filename: "a.txt"})

		a := parsed.Message("env@x.y", []string{"t"})
		b := parsed.Message("env@x.y", nil)
		assert.Equal(t, "env@x.y", a.From)
		assert.Equal(t, []string{"t"}, a.Tags)
		assert.Empty(t, b.Tags)

		a.Attachments[0].StoragePath = "somewhere"
		assert.Empty(t, b.Attachments[0].StoragePath)
		assert.Empty(t, parsed.Attachments[0].StoragePath)
	})
}

func TestLookupCharset(t *testing.T) {
	assert.Nil(t, lookupCharset("UTF-8"))
	assert.Nil(t, lookupCharset(""))
	assert.NotNil(t, lookupCharset("GB2312"))
	assert.NotNil(t, lookupCharset("iso-8859-1"))
	assert.NotNil(t, lookupCharset("\"windows-1252\""))
	assert.Nil(t, lookupCharset("x-unknown-charset"))
}
