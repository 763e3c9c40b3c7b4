package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"equiledger/broker"
	"equiledger/database"
	"equiledger/lock"
	"equiledger/logger"
	"equiledger/metrics"
	"equiledger/order"
)

// 对账轮次名称
const (
	PassCompleted  = "completed"
	PassOpenOrders = "open_orders"
	PassPositions  = "positions"
)

// PassSummary 一轮对账的统计
type PassSummary struct {
	Pass      string
	Checked   int
	Canceled  int
	Promoted  int
	Recovered int
	Skipped   int
	Warnings  int
	Duration  time.Duration
}

// SummaryStorage 对账摘要存储接口（避免循环导入）
type SummaryStorage interface {
	SaveReconcileSummary(pass string, runAt time.Time, checked, acted, warnings int, detail string) error
}

// Reconciler 券商状态对账器
// 三个独立调度的子轮次按置信度从高到低运行，只作用于非终态订单；
// 任何一轮对同一份券商快照重跑都不会产生额外变更
type Reconciler struct {
	db        database.Database
	sm        *order.StateMachine
	snapshots *broker.SnapshotReader
	history   broker.HistoryClient
	lock      lock.DistributedLock

	pauseChecker func() bool
	storage      SummaryStorage

	mu          sync.Mutex
	lastRun     map[string]time.Time
	minInterval time.Duration
}

// NewReconciler 创建对账器
func NewReconciler(db database.Database, sm *order.StateMachine, snapshots *broker.SnapshotReader,
	history broker.HistoryClient, distributedLock lock.DistributedLock, minInterval time.Duration) *Reconciler {
	if minInterval <= 0 {
		minInterval = 30 * time.Second
	}
	return &Reconciler{
		db:          db,
		sm:          sm,
		snapshots:   snapshots,
		history:     history,
		lock:        distributedLock,
		lastRun:     make(map[string]time.Time),
		minInterval: minInterval,
	}
}

// SetStorage 设置摘要存储（可选）
func (r *Reconciler) SetStorage(storage SummaryStorage) {
	r.storage = storage
}

// SetPauseChecker 设置暂停检查函数（交易保护生效时跳过对账）
func (r *Reconciler) SetPauseChecker(checker func() bool) {
	r.pauseChecker = checker
}

// nonTerminalStatuses 仍可被对账动作触达的状态
var nonTerminalStatuses = []string{
	database.OrderStatusNew,
	database.OrderStatusSubmitted,
	database.OrderStatusPartial,
	database.OrderStatusCancelRequested,
}

// runPass 轮次执行骨架：暂停检查、最小间隔、命名锁、统计落盘
func (r *Reconciler) runPass(ctx context.Context, pass string, fn func(context.Context, *PassSummary) error) (*PassSummary, error) {
	if r.pauseChecker != nil && r.pauseChecker() {
		return nil, nil
	}

	// 最小间隔限制：未到间隔的轮次直接顺延到下一个调度点
	r.mu.Lock()
	if elapsed := time.Since(r.lastRun[pass]); elapsed < r.minInterval {
		r.mu.Unlock()
		logger.Debug("⏳ [对账:%s] 距上次执行 %v，未到最小间隔，跳过", pass, elapsed)
		return nil, nil
	}
	r.lastRun[pass] = time.Now()
	r.mu.Unlock()

	// 命名锁：防止多实例同时跑同一轮次
	lockKey := "reconcile:" + pass
	lockCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	acquired, err := r.lock.TryLock(lockCtx, lockKey, 2*time.Minute)
	if err != nil {
		logger.Warn("⚠️ [对账:%s] 获取锁失败: %v，跳过本轮", pass, err)
		metrics.GetPrometheusMetrics().RecordLockAcquire(lockKey, "error")
		return nil, nil
	}
	if !acquired {
		logger.Debug("🔒 [对账:%s] 锁被其他实例持有，跳过本轮", pass)
		metrics.GetPrometheusMetrics().RecordLockAcquire(lockKey, "busy")
		return nil, nil
	}
	metrics.GetPrometheusMetrics().RecordLockAcquire(lockKey, "ok")
	defer func() {
		if unlockErr := r.lock.Unlock(context.Background(), lockKey); unlockErr != nil {
			logger.Warn("⚠️ [对账:%s] 释放锁失败: %v", pass, unlockErr)
		}
	}()

	logger.Debug("🔍 ===== 开始对账轮次: %s =====", pass)
	start := time.Now()
	summary := &PassSummary{Pass: pass}
	runErr := fn(ctx, summary)
	summary.Duration = time.Since(start)

	outcome := "ok"
	if runErr != nil {
		outcome = "error"
	}
	metrics.GetPrometheusMetrics().RecordReconcilePass(pass, outcome, summary.Duration)

	if r.storage != nil {
		acted := summary.Canceled + summary.Promoted + summary.Recovered
		detail := fmt.Sprintf("canceled=%d promoted=%d recovered=%d skipped=%d",
			summary.Canceled, summary.Promoted, summary.Recovered, summary.Skipped)
		if err := r.storage.SaveReconcileSummary(pass, start, summary.Checked, acted, summary.Warnings, detail); err != nil {
			logger.Warn("⚠️ [对账:%s] 保存摘要失败: %v", pass, err)
		}
	}

	if runErr != nil {
		logger.Error("❌ [对账:%s] 执行失败: %v", pass, runErr)
		return summary, runErr
	}
	logger.Info("✅ [对账:%s] 完成: 检查=%d 取消=%d 提升=%d 回收=%d 告警=%d 耗时=%v",
		pass, summary.Checked, summary.Canceled, summary.Promoted,
		summary.Recovered, summary.Warnings, summary.Duration)
	return summary, nil
}

// recordAction 落一条对账动作记录
func (r *Reconciler) recordAction(ctx context.Context, pass string, o *database.Order, action, detail string) {
	metrics.GetPrometheusMetrics().RecordReconcileAction(pass, action)
	record := &database.ReconcileRecord{
		Pass:    pass,
		Symbol:  o.Symbol,
		OrderID: o.ID,
		Action:  action,
		Detail:  detail,
	}
	if err := r.db.SaveReconcileRecord(ctx, record); err != nil {
		logger.Warn("⚠️ 保存对账记录失败: %v", err)
	}
}
