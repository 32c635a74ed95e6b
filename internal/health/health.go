package health

import (
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// CheckFunc 单项依赖检查，返回 nil 表示健康
type CheckFunc func() error

// Checker 聚合存活与就绪检查
//
// 存活检查只反映进程本身；就绪检查覆盖存储、计数器与文件存储，
// 任何一项失败时 /health/ready 返回 503。
type Checker struct {
	health healthcheck.Handler
	ready  map[string]CheckFunc
	logger *zap.Logger
}

// NewChecker 创建健康检查器
func NewChecker(logger *zap.Logger) *Checker {
	hc := &Checker{
		health: healthcheck.NewHandler(),
		ready:  make(map[string]CheckFunc),
		logger: logger,
	}
	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))
	return hc
}

// AddReadiness 注册一项就绪检查，超时视为失败
func (hc *Checker) AddReadiness(name string, check CheckFunc) {
	hc.ready[name] = check
	hc.health.AddReadinessCheck(name, healthcheck.Timeout(func() error {
		err := check()
		if err != nil {
			hc.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
		}
		return err
	}, 3*time.Second))
}

// LiveHandler 存活探针
func (hc *Checker) LiveHandler() http.HandlerFunc {
	return hc.health.LiveEndpoint
}

// ReadyHandler 就绪探针
func (hc *Checker) ReadyHandler() http.HandlerFunc {
	return hc.health.ReadyEndpoint
}

// Status 执行全部就绪检查，返回每项的结果
func (hc *Checker) Status() (map[string]string, bool) {
	results := make(map[string]string, len(hc.ready)+1)
	ok := true
	for name, check := range hc.ready {
		if err := check(); err != nil {
			results[name] = "ERROR: " + err.Error()
			ok = false
			continue
		}
		results[name] = "OK"
	}
	results["timestamp"] = time.Now().Format(time.RFC3339)
	return results, ok
}
