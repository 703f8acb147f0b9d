package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"unibox/backend/internal/counter"
)

const probeKey = "health:probe"

// Pinger 可探测连通性的依赖（关系库）
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health   healthcheck.Handler
	db       Pinger
	counters counter.Store
	timeout  time.Duration
	logger   *zap.Logger
}

// NewHealthChecker 创建健康检查器，counters 为 nil 时跳过计数存储检查
func NewHealthChecker(db Pinger, counters counter.Store, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health:   healthcheck.NewHandler(),
		db:       db,
		counters: counters,
		timeout:  3 * time.Second,
		logger:   logger,
	}
	hc.addChecks()
	return hc
}

func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	hc.health.AddReadinessCheck("database", hc.checkDatabase)
	if hc.counters != nil {
		hc.health.AddReadinessCheck("counters", hc.checkCounters)
	}
}

func (hc *HealthChecker) checkDatabase() error {
	ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
	defer cancel()
	return hc.db.Ping(ctx)
}

// checkCounters 计数存储（含备用路径）都不可用时发送会被拒绝，因此影响就绪状态
func (hc *HealthChecker) checkCounters() error {
	ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
	defer cancel()
	_, err := hc.counters.Get(ctx, probeKey)
	return err
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveHandler 存活检查
func (hc *HealthChecker) LiveHandler(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyHandler 就绪检查
func (hc *HealthChecker) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行全部检查并返回每项结果
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := map[string]string{
		"database":  status(hc.checkDatabase()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if hc.counters != nil {
		err := hc.checkCounters()
		results["counters"] = status(err)
		if err != nil {
			hc.logger.Warn("counter store health check failed", zap.Error(err))
		}
	} else {
		results["counters"] = "NOT_CONFIGURED"
	}
	return results
}

// Healthy 所有依赖都可用
func (hc *HealthChecker) Healthy(results map[string]string) bool {
	for k, v := range results {
		if k == "timestamp" || v == "NOT_CONFIGURED" {
			continue
		}
		if v != "OK" {
			return false
		}
	}
	return true
}

func status(err error) string {
	if err != nil {
		return fmt.Sprintf("ERROR: %v", err)
	}
	return "OK"
}
