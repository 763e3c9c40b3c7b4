package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// 事件摄取指标
	eventIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equiledger_event_ingested_total",
			Help: "Total number of execution events ingested",
		},
		[]string{"status"},
	)

	eventMalformedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "equiledger_event_malformed_total",
			Help: "Total number of malformed event log lines skipped",
		},
	)

	eventUnresolvedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "equiledger_event_unresolved_total",
			Help: "Total number of events that resolved to no order",
		},
	)

	duplicateFillSkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equiledger_duplicate_fill_skipped_total",
			Help: "Total number of duplicate fills skipped",
		},
		[]string{"symbol"},
	)

	// 状态机指标
	orderTransitionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equiledger_order_transition_total",
			Help: "Total number of order status transitions applied",
		},
		[]string{"from", "to"},
	)

	invalidTransitionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equiledger_invalid_transition_total",
			Help: "Total number of rejected order status transitions",
		},
		[]string{"from", "to"},
	)

	// 对账指标
	reconcilePassTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equiledger_reconcile_pass_total",
			Help: "Total number of reconciliation passes executed",
		},
		[]string{"pass", "outcome"},
	)

	reconcileActionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equiledger_reconcile_action_total",
			Help: "Total number of reconciliation actions applied",
		},
		[]string{"pass", "action"},
	)

	reconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "equiledger_reconcile_duration_seconds",
			Help:    "Reconciliation pass duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 60.0},
		},
		[]string{"pass"},
	)

	// 取消协议指标
	cancelCommandTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equiledger_cancel_command_total",
			Help: "Total number of cancel commands written",
		},
		[]string{"channel"},
	)

	cancelFinalizedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equiledger_cancel_finalized_total",
			Help: "Total number of cancel requests finalized",
		},
		[]string{"result"},
	)

	// 历史查询限流指标
	historyQueryThrottledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "equiledger_history_query_throttled_total",
			Help: "Total number of broker history queries rejected by the rate limiter",
		},
	)

	// 自动补单指标
	recoveryReplacementTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equiledger_recovery_replacement_total",
			Help: "Total number of automatic replacement orders created",
		},
		[]string{"symbol"},
	)

	recoverySkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equiledger_recovery_skipped_total",
			Help: "Total number of stale orders left pending by the recovery sweep",
		},
		[]string{"reason"},
	)

	// 盈亏指标
	realizedPnL = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "equiledger_realized_pnl",
			Help: "Realized profit and loss per symbol since the baseline",
		},
		[]string{"symbol"},
	)

	pnlCacheHitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equiledger_pnl_cache_total",
			Help: "Realized P&L cache lookups by outcome",
		},
		[]string{"outcome"},
	)

	// 分布式锁指标
	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "equiledger_lock_acquire_total",
			Help: "Total number of lock acquisition attempts",
		},
		[]string{"key", "status"},
	)
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	mu sync.RWMutex
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{}
}

// 摄取相关指标记录

// RecordEventIngested 记录已摄取的执行事件
func (pm *PrometheusMetrics) RecordEventIngested(status string) {
	eventIngestedTotal.WithLabelValues(status).Inc()
}

// RecordMalformedEvent 记录损坏的事件行
func (pm *PrometheusMetrics) RecordMalformedEvent() {
	eventMalformedTotal.Inc()
}

// RecordUnresolvedEvent 记录无法解析的事件
func (pm *PrometheusMetrics) RecordUnresolvedEvent() {
	eventUnresolvedTotal.Inc()
}

// RecordDuplicateFillSkipped 记录跳过的重复成交
func (pm *PrometheusMetrics) RecordDuplicateFillSkipped(symbol string) {
	duplicateFillSkippedTotal.WithLabelValues(symbol).Inc()
}

// 状态机相关指标记录

// RecordOrderTransition 记录状态迁移
func (pm *PrometheusMetrics) RecordOrderTransition(from, to string) {
	orderTransitionTotal.WithLabelValues(from, to).Inc()
}

// RecordInvalidTransition 记录被拒绝的状态迁移
func (pm *PrometheusMetrics) RecordInvalidTransition(from, to string) {
	invalidTransitionTotal.WithLabelValues(from, to).Inc()
}

// 对账相关指标记录

// RecordReconcilePass 记录对账轮次结果
func (pm *PrometheusMetrics) RecordReconcilePass(pass, outcome string, duration time.Duration) {
	reconcilePassTotal.WithLabelValues(pass, outcome).Inc()
	reconcileDuration.WithLabelValues(pass).Observe(duration.Seconds())
}

// RecordReconcileAction 记录对账动作
func (pm *PrometheusMetrics) RecordReconcileAction(pass, action string) {
	reconcileActionTotal.WithLabelValues(pass, action).Inc()
}

// 取消协议相关指标记录

// RecordCancelCommand 记录取消命令写入
func (pm *PrometheusMetrics) RecordCancelCommand(channel string) {
	cancelCommandTotal.WithLabelValues(channel).Inc()
}

// RecordCancelFinalized 记录取消请求终结
func (pm *PrometheusMetrics) RecordCancelFinalized(result string) {
	cancelFinalizedTotal.WithLabelValues(result).Inc()
}

// RecordHistoryQueryThrottled 记录被限流的历史查询
func (pm *PrometheusMetrics) RecordHistoryQueryThrottled() {
	historyQueryThrottledTotal.Inc()
}

// 自动补单相关指标记录

// RecordRecoveryReplacement 记录自动补单
func (pm *PrometheusMetrics) RecordRecoveryReplacement(symbol string) {
	recoveryReplacementTotal.WithLabelValues(symbol).Inc()
}

// RecordRecoverySkipped 记录跳过的超时订单
func (pm *PrometheusMetrics) RecordRecoverySkipped(reason string) {
	recoverySkippedTotal.WithLabelValues(reason).Inc()
}

// 盈亏相关指标记录

// SetRealizedPnL 设置单标的已实现盈亏
func (pm *PrometheusMetrics) SetRealizedPnL(symbol string, pnl float64) {
	realizedPnL.WithLabelValues(symbol).Set(pnl)
}

// RecordPnLCache 记录盈亏缓存命中情况
func (pm *PrometheusMetrics) RecordPnLCache(outcome string) {
	pnlCacheHitTotal.WithLabelValues(outcome).Inc()
}

// 分布式锁相关指标记录

// RecordLockAcquire 记录锁获取
func (pm *PrometheusMetrics) RecordLockAcquire(key, status string) {
	lockAcquireTotal.WithLabelValues(key, status).Inc()
}

// 全局实例
var globalPrometheusMetrics *PrometheusMetrics

// GetPrometheusMetrics 获取全局 Prometheus 指标收集器
func GetPrometheusMetrics() *PrometheusMetrics {
	once.Do(func() {
		globalPrometheusMetrics = NewPrometheusMetrics()
	})
	return globalPrometheusMetrics
}
