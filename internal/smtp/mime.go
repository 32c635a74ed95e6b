package smtp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"

	"tempmail/mailcore/internal/domain"
)

const (
	maxHeaders        = 64
	maxMultipartDepth = 8
)

// ParsedEmail 表示解析后的邮件内容。
type ParsedEmail struct {
	Subject     string
	From        string
	To          string
	Text        string
	HTML        string
	Headers     domain.Headers
	Attachments []*domain.Attachment
	Size        int64
}

// Message 为单个收件人构建待存储的邮件，附件逐个复制
func (p *ParsedEmail) Message(envelopeFrom string, tags []string) *domain.Message {
	from := p.From
	if from == "" {
		from = envelopeFrom
	}
	msg := &domain.Message{
		From:    from,
		To:      p.To,
		Subject: p.Subject,
		Text:    p.Text,
		HTML:    p.HTML,
		Headers: p.Headers,
		Size:    p.Size,
		Tags:    append([]string(nil), tags...),
	}
	for _, att := range p.Attachments {
		cp := *att
		msg.Attachments = append(msg.Attachments, &cp)
	}
	return msg
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charsetReader}

// ParseEmail 解析邮件，提取文本、HTML 和附件。
func ParseEmail(rawEmail []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(rawEmail))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	parsed := &ParsedEmail{
		Subject:     decodeHeader(msg.Header.Get("Subject")),
		From:        decodeHeader(msg.Header.Get("From")),
		To:          decodeHeader(msg.Header.Get("To")),
		Headers:     collectHeaders(msg.Header),
		Attachments: make([]*domain.Attachment, 0),
		Size:        int64(len(rawEmail)),
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		// 没有 Content-Type 或无法解析时按纯文本处理
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), "")
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		parsed.Text = body
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}
		if err := parseMultipart(multipart.NewReader(msg.Body, boundary), parsed, 1); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
		return parsed, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if strings.HasPrefix(mediaType, "text/html") {
		parsed.HTML = body
	} else {
		parsed.Text = body
	}
	return parsed, nil
}

// parseMultipart 递归解析多部分邮件。
func parseMultipart(mr *multipart.Reader, parsed *ParsedEmail, depth int) error {
	if depth > maxMultipartDepth {
		return fmt.Errorf("multipart nesting deeper than %d", maxMultipartDepth)
	}

	for {
		// NextRawPart 不会自动解码 quoted-printable，编码统一由 decodeBody 处理
		part, err := mr.NextRawPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}
		transferEncoding := part.Header.Get("Content-Transfer-Encoding")

		if filename, ok := attachmentName(part.Header.Get("Content-Disposition"), params, mediaType); ok {
			content, err := decodeBytes(part, transferEncoding)
			if err != nil {
				continue
			}
			parsed.Attachments = append(parsed.Attachments, &domain.Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Size:        int64(len(content)),
				Content:     content,
			})
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), parsed, depth+1); err != nil {
					return err
				}
			}
			continue
		}

		body, err := decodeBody(part, transferEncoding, params["charset"])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if parsed.HTML == "" {
				parsed.HTML = body
			}
		case strings.HasPrefix(mediaType, "text/plain"):
			if parsed.Text == "" {
				parsed.Text = body
			}
		}
	}
}

// attachmentName 判断 part 是否为附件并返回文件名。
// inline 的文本正文不算附件。
func attachmentName(disposition string, ctParams map[string]string, mediaType string) (string, bool) {
	var dispType string
	var dispParams map[string]string
	if disposition != "" {
		dispType, dispParams, _ = mime.ParseMediaType(disposition)
	}

	filename := dispParams["filename"]
	if filename == "" {
		filename = ctParams["name"]
	}

	switch {
	case dispType == "attachment":
	case dispType == "inline" && filename != "":
	case dispType == "" && filename != "" && !strings.HasPrefix(mediaType, "text/"):
	default:
		return "", false
	}

	if filename == "" {
		filename = "unnamed"
	}
	return decodeHeader(filename), true
}

func decodeBytes(r io.Reader, transferEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	}
	return io.ReadAll(r)
}

// decodeBody 根据传输编码与字符集解码为 UTF-8 文本。
func decodeBody(r io.Reader, transferEncoding, charset string) (string, error) {
	body, err := decodeBytes(r, transferEncoding)
	if err != nil {
		return "", err
	}

	if enc := lookupCharset(charset); enc != nil {
		if converted, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
			body = converted
		}
	}
	return string(body), nil
}

// lookupCharset 返回非 UTF-8 字符集的编码，未知或 UTF-8 返回 nil
func lookupCharset(charset string) encoding.Encoding {
	charset = strings.ToLower(strings.Trim(strings.TrimSpace(charset), `"`))
	switch charset {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return nil
	// 常见别名，WHATWG 索引中没有或映射不同
	case "gb2312", "gbk", "x-gbk", "cp936":
		return simplifiedchinese.GBK
	case "gb18030":
		return simplifiedchinese.GB18030
	case "big5", "big5-hkscs":
		return traditionalchinese.Big5
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "shift_jis", "sjis", "cp932":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	case "euc-kr", "ks_c_5601-1987", "cp949":
		return korean.EUCKR
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil
	}
	return enc
}

func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	enc := lookupCharset(charset)
	if enc == nil {
		if cs := strings.ToLower(charset); cs == "utf-8" || cs == "us-ascii" {
			return input, nil
		}
		return nil, fmt.Errorf("unsupported charset %q", charset)
	}
	return transform.NewReader(input, enc.NewDecoder()), nil
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

func collectHeaders(h mail.Header) domain.Headers {
	headers := make(domain.Headers, len(h))
	for key, values := range h {
		if len(headers) >= maxHeaders {
			break
		}
		if len(values) > 0 {
			headers[key] = decodeHeader(values[0])
		}
	}
	return headers
}
