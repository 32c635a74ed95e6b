package domain

// Attachment 表示邮件附件的元数据，内容保存在文件系统存储中。
type Attachment struct {
	ID          string `json:"id"`                    // 附件唯一标识
	Filename    string `json:"filename"`              // 文件名
	ContentType string `json:"contentType"`           // MIME类型
	Size        int64  `json:"size"`                  // 大小（字节）
	StoragePath string `json:"-"`                     // 文件存储路径（相对路径），不对外暴露
	Content     []byte `json:"-"`                     // 附件内容，仅在入站处理期间持有
}
