// Package retention 定期清理过期邮箱。
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"tempmail/mailcore/internal/config"
	"tempmail/mailcore/internal/domain"
	"tempmail/mailcore/internal/events"
	"tempmail/mailcore/internal/monitoring"
	"tempmail/mailcore/internal/pool"
	"tempmail/mailcore/internal/storage"
)

// Report 一次清理的结果
type Report struct {
	Scanned  int
	Expired  int
	Failed   int
	Duration time.Duration
}

// HousekeepingFunc 每轮清理后执行的附加任务，例如清理过期的配额计数
type HousekeepingFunc func(ctx context.Context, now time.Time) error

// Sweeper 过期邮箱清理器
type Sweeper struct {
	store   storage.Store
	blobs   storage.BlobStore
	bus     *events.Bus
	locks   *pool.KeyedMutex
	workers *pool.WorkerPool
	metrics *monitoring.Metrics
	cfg     config.SweeperConfig
	log     *zap.Logger
	now     func() time.Time

	housekeeping map[string]HousekeepingFunc
}

// Option 配置 Sweeper
type Option func(*Sweeper)

// WithClock 替换时间源
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithMetrics 启用指标上报
func WithMetrics(m *monitoring.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithBlobStore 清理时一并删除原始邮件文件
func WithBlobStore(b storage.BlobStore) Option {
	return func(s *Sweeper) { s.blobs = b }
}

// WithHousekeeping 注册附加任务
func WithHousekeeping(name string, fn HousekeepingFunc) Option {
	return func(s *Sweeper) { s.housekeeping[name] = fn }
}

// NewSweeper 创建清理器，workers 需由调用方启动
func NewSweeper(store storage.Store, bus *events.Bus, locks *pool.KeyedMutex, workers *pool.WorkerPool, cfg config.SweeperConfig, log *zap.Logger, opts ...Option) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	s := &Sweeper{
		store:        store,
		bus:          bus,
		locks:        locks,
		workers:      workers,
		cfg:          cfg,
		log:          log,
		now:          time.Now,
		housekeeping: make(map[string]HousekeepingFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run 按固定间隔执行清理，直到 ctx 结束
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("retention sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Int("batch_size", s.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("retention sweeper stopped")
			return nil
		case <-ticker.C:
			report := s.SweepOnce(ctx)
			if report.Expired > 0 || report.Failed > 0 {
				s.log.Info("retention sweep finished",
					zap.Int("scanned", report.Scanned),
					zap.Int("expired", report.Expired),
					zap.Int("failed", report.Failed),
					zap.Duration("duration", report.Duration),
				)
			}
		}
	}
}

// SweepOnce 清理所有已过期的邮箱。
//
// 单个邮箱失败只记录，不影响其他邮箱；失败的邮箱在下一轮重试。
func (s *Sweeper) SweepOnce(ctx context.Context) Report {
	start := s.now()
	var report Report

	for ctx.Err() == nil {
		batch, err := s.store.ListExpiredMailboxes(ctx, s.now(), s.cfg.BatchSize)
		if err != nil {
			s.log.Error("failed to list expired mailboxes", zap.Error(err))
			report.Failed++
			break
		}
		if len(batch) == 0 {
			break
		}

		expired, failed := s.sweepBatch(ctx, batch)
		report.Scanned += len(batch)
		report.Expired += expired
		report.Failed += failed

		// 整批失败或最后一批时停止，避免对同一批反复重试
		if expired == 0 || len(batch) < s.cfg.BatchSize {
			break
		}
	}

	for name, fn := range s.housekeeping {
		if err := fn(ctx, s.now()); err != nil {
			s.log.Warn("housekeeping task failed", zap.String("task", name), zap.Error(err))
		}
	}

	if count, err := s.store.CountMailboxes(ctx); err == nil {
		s.metrics.UpdateMailboxesActive(count)
	}

	report.Duration = s.now().Sub(start)
	s.metrics.RecordSweep(report.Duration, report.Failed)
	return report
}

func (s *Sweeper) sweepBatch(ctx context.Context, batch []*domain.Mailbox) (expired, failed int) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	record := func(ok bool, skipped bool) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case skipped:
		case ok:
			expired++
		default:
			failed++
		}
	}

	for _, mb := range batch {
		mb := mb
		wg.Add(1)
		err := s.workers.Submit(ctx, func() {
			defer wg.Done()
			removed, err := s.expire(ctx, mb)
			if err != nil {
				s.log.Warn("failed to expire mailbox",
					zap.String("address", mb.Address),
					zap.Error(err),
				)
			}
			record(err == nil, err == nil && !removed)
		})
		if err != nil {
			wg.Done()
			record(false, false)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// 协程池随 ctx 退出，未执行的任务不会再调用 Done
	}

	mu.Lock()
	defer mu.Unlock()
	return expired, failed
}

// expire 在地址锁内复查并删除邮箱，返回是否真正删除
func (s *Sweeper) expire(ctx context.Context, mb *domain.Mailbox) (bool, error) {
	unlock := s.locks.Lock(mb.Address)
	defer unlock()

	current, err := s.store.GetMailboxByAddress(ctx, mb.Address)
	if err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("reload mailbox: %w", err)
	}
	if current.ID != mb.ID || !current.ExpiredAt(s.now()) {
		return false, nil
	}

	if s.blobs != nil {
		if err := s.blobs.DeleteMailboxBlobs(ctx, current.ID); err != nil {
			return false, fmt.Errorf("delete files: %w", err)
		}
	}
	if _, err := s.store.DeleteMessagesByMailbox(ctx, current.ID); err != nil {
		return false, fmt.Errorf("delete messages: %w", err)
	}
	if err := s.store.DeleteMailbox(ctx, current.ID); err != nil {
		if errors.Is(err, storage.ErrMailboxNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("delete mailbox: %w", err)
	}

	s.metrics.RecordMailboxExpired()
	s.bus.Publish(domain.Event{
		Type:      domain.EventMailboxExpired,
		Address:   current.Address,
		MailboxID: current.ID,
		Tier:      current.Tier,
		At:        s.now().UTC(),
	})
	s.log.Debug("mailbox expired", zap.String("address", current.Address))
	return true, nil
}
