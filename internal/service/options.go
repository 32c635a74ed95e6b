package service

import (
	"time"

	"tempmail/mailcore/internal/monitoring"
	"tempmail/mailcore/internal/storage"
)

type options struct {
	now     func() time.Time
	metrics *monitoring.Metrics
	blobs   storage.BlobStore
}

// Option 配置邮箱与邮件服务
type Option func(*options)

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics 启用指标上报
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithBlobStore 启用原始邮件与附件落盘
func WithBlobStore(b storage.BlobStore) Option {
	return func(o *options) { o.blobs = b }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
