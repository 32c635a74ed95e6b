package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有 Record*/Update* 方法对 nil 接收者安全，组件可以在未启用监控时传入 nil。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 邮箱指标
	MailboxesCreated  *prometheus.CounterVec
	MailboxesReleased prometheus.Counter
	MailboxesExpired  prometheus.Counter
	MailboxesActive   prometheus.Gauge

	// 邮件指标
	MessagesReceived    prometheus.Counter
	MessagesRejected    *prometheus.CounterVec
	MessagesFiltered    *prometheus.CounterVec
	MessagesRead        prometheus.Counter
	MessagesDeleted     prometheus.Counter
	EmailProcessingTime prometheus.Histogram
	AttachmentSize      prometheus.Histogram

	// SMTP 连接指标
	SMTPConnectionsActive   prometheus.Gauge
	SMTPConnectionsRejected *prometheus.CounterVec

	// 清理任务指标
	SweepRuns     prometheus.Counter
	SweepFailures prometheus.Counter
	SweepDuration prometheus.Histogram

	// 推送指标
	NotifierSubscribers  prometheus.Gauge
	NotifierPublished    prometheus.Counter
	NotifierDropped      *prometheus.CounterVec
	NotifierDisconnected *prometheus.CounterVec

	// 配额指标
	QuotaDenied *prometheus.CounterVec

	// 错误指标
	PanicsTotal prometheus.Counter
}

// NewMetrics 在独立注册表上创建监控指标，避免重复注册
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MailboxesCreated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_mailboxes_created_total",
				Help: "Total number of mailboxes created",
			},
			[]string{"tier"},
		),
		MailboxesReleased: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_mailboxes_released_total",
			Help: "Total number of mailboxes released by their owner",
		}),
		MailboxesExpired: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_mailboxes_expired_total",
			Help: "Total number of expired mailboxes reclaimed by the sweeper",
		}),
		MailboxesActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "tempmail_mailboxes_active",
			Help: "Number of mailboxes currently stored",
		}),

		MessagesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_messages_received_total",
			Help: "Total number of messages stored",
		}),
		MessagesRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_messages_rejected_total",
				Help: "Total number of inbound messages rejected at the SMTP layer",
			},
			[]string{"reason"},
		),
		MessagesFiltered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_messages_filtered_total",
				Help: "Total number of inbound messages matched by a filter rule",
			},
			[]string{"type", "action"},
		),
		MessagesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_messages_read_total",
			Help: "Total number of messages marked read",
		}),
		MessagesDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_messages_deleted_total",
			Help: "Total number of messages deleted by users",
		}),
		EmailProcessingTime: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempmail_email_processing_duration_seconds",
			Help:    "Time spent parsing, filtering and storing one inbound message",
			Buckets: prometheus.DefBuckets,
		}),
		AttachmentSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempmail_attachment_size_bytes",
			Help:    "Attachment size in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 15),
		}),

		SMTPConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "tempmail_smtp_connections_active",
			Help: "Number of open SMTP sessions",
		}),
		SMTPConnectionsRejected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_smtp_connections_rejected_total",
				Help: "Total number of SMTP connections refused by the limiter",
			},
			[]string{"reason"},
		),

		SweepRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_sweep_runs_total",
			Help: "Total number of retention sweeps",
		}),
		SweepFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_sweep_failures_total",
			Help: "Total number of mailboxes the sweeper failed to reclaim",
		}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tempmail_sweep_duration_seconds",
			Help:    "Retention sweep duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),

		NotifierSubscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "tempmail_notifier_subscribers",
			Help: "Number of live realtime subscriptions",
		}),
		NotifierPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_notifier_published_total",
			Help: "Total number of new-message events published",
		}),
		NotifierDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_notifier_dropped_total",
				Help: "Total number of events dropped because a subscriber queue was full",
			},
			[]string{"policy"},
		),
		NotifierDisconnected: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_notifier_disconnected_total",
				Help: "Total number of subscriptions closed by the notifier",
			},
			[]string{"reason"},
		),

		QuotaDenied: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_quota_denied_total",
				Help: "Total number of actions denied by the quota guard",
			},
			[]string{"action", "tier"},
		),

		PanicsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "tempmail_panics_total",
			Help: "Total number of recovered panics",
		}),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordMailboxCreated 记录邮箱创建
func (m *Metrics) RecordMailboxCreated(tier string) {
	if m == nil {
		return
	}
	m.MailboxesCreated.WithLabelValues(tier).Inc()
}

// RecordMailboxReleased 记录邮箱被主动删除
func (m *Metrics) RecordMailboxReleased() {
	if m == nil {
		return
	}
	m.MailboxesReleased.Inc()
}

// RecordMailboxExpired 记录邮箱过期回收
func (m *Metrics) RecordMailboxExpired() {
	if m == nil {
		return
	}
	m.MailboxesExpired.Inc()
}

// UpdateMailboxesActive 更新当前邮箱数
func (m *Metrics) UpdateMailboxesActive(count int64) {
	if m == nil {
		return
	}
	m.MailboxesActive.Set(float64(count))
}

// RecordMessageReceived 记录邮件入库
func (m *Metrics) RecordMessageReceived(duration time.Duration) {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
	m.EmailProcessingTime.Observe(duration.Seconds())
}

// RecordMessageRejected 记录入站拒收
func (m *Metrics) RecordMessageRejected(reason string) {
	if m == nil {
		return
	}
	m.MessagesRejected.WithLabelValues(reason).Inc()
}

// RecordMessageFiltered 记录过滤规则命中
func (m *Metrics) RecordMessageFiltered(filterType, action string) {
	if m == nil {
		return
	}
	m.MessagesFiltered.WithLabelValues(filterType, action).Inc()
}

// RecordMessageRead 记录邮件阅读
func (m *Metrics) RecordMessageRead() {
	if m == nil {
		return
	}
	m.MessagesRead.Inc()
}

// RecordMessageDeleted 记录邮件删除
func (m *Metrics) RecordMessageDeleted() {
	if m == nil {
		return
	}
	m.MessagesDeleted.Inc()
}

// RecordAttachmentSize 记录附件大小
func (m *Metrics) RecordAttachmentSize(size int64) {
	if m == nil {
		return
	}
	m.AttachmentSize.Observe(float64(size))
}

// SMTPConnectionOpened 记录 SMTP 会话建立
func (m *Metrics) SMTPConnectionOpened() {
	if m == nil {
		return
	}
	m.SMTPConnectionsActive.Inc()
}

// SMTPConnectionClosed 记录 SMTP 会话结束
func (m *Metrics) SMTPConnectionClosed() {
	if m == nil {
		return
	}
	m.SMTPConnectionsActive.Dec()
}

// RecordSMTPConnectionRejected 记录被限流拒绝的连接
func (m *Metrics) RecordSMTPConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.SMTPConnectionsRejected.WithLabelValues(reason).Inc()
}

// RecordSweep 记录一次清理
func (m *Metrics) RecordSweep(duration time.Duration, failures int) {
	if m == nil {
		return
	}
	m.SweepRuns.Inc()
	m.SweepFailures.Add(float64(failures))
	m.SweepDuration.Observe(duration.Seconds())
}

// UpdateNotifierSubscribers 更新订阅数
func (m *Metrics) UpdateNotifierSubscribers(count int) {
	if m == nil {
		return
	}
	m.NotifierSubscribers.Set(float64(count))
}

// RecordNotifierPublished 记录事件发布
func (m *Metrics) RecordNotifierPublished() {
	if m == nil {
		return
	}
	m.NotifierPublished.Inc()
}

// RecordNotifierDropped 记录队列溢出丢弃
func (m *Metrics) RecordNotifierDropped(policy string) {
	if m == nil {
		return
	}
	m.NotifierDropped.WithLabelValues(policy).Inc()
}

// RecordNotifierDisconnected 记录订阅被关闭
func (m *Metrics) RecordNotifierDisconnected(reason string) {
	if m == nil {
		return
	}
	m.NotifierDisconnected.WithLabelValues(reason).Inc()
}

// RecordQuotaDenied 记录配额拒绝
func (m *Metrics) RecordQuotaDenied(action, tier string) {
	if m == nil {
		return
	}
	m.QuotaDenied.WithLabelValues(action, tier).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
