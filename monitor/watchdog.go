package monitor

import (
	"context"
	"sync"
	"time"

	"equiledger/logger"
	"equiledger/storage"
	"equiledger/utils"
)

// Watchdog 进程资源看门狗
// 定期采样 CPU 与内存并落库，按保留期清理旧样本
type Watchdog struct {
	store           *storage.SQLiteStorage
	sampleInterval  time.Duration
	cleanupInterval time.Duration
	retentionDays   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatchdog 创建看门狗
func NewWatchdog(store *storage.SQLiteStorage, sampleInterval time.Duration, retentionDays int) *Watchdog {
	if sampleInterval <= 0 {
		sampleInterval = 2 * time.Minute
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watchdog{
		store:           store,
		sampleInterval:  sampleInterval,
		cleanupInterval: time.Hour,
		retentionDays:   retentionDays,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start 启动看门狗
func (w *Watchdog) Start() {
	logger.Info("✅ 看门狗监控已启动 (采样间隔: %v, 保留 %d 天)", w.sampleInterval, w.retentionDays)
	w.wg.Add(2)
	go w.sampleLoop()
	go w.cleanupLoop()
}

// Stop 停止看门狗
func (w *Watchdog) Stop() {
	w.cancel()
	w.wg.Wait()
	logger.Info("⏹️ 看门狗监控已停止")
}

func (w *Watchdog) sampleLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.sampleOnce()
		}
	}
}

func (w *Watchdog) sampleOnce() {
	sample, err := CollectSystemSample()
	if err != nil {
		logger.Warn("⚠️ 系统资源采样失败: %v", err)
		return
	}

	if err := w.store.SaveSystemMetrics(&storage.SystemMetrics{
		Timestamp:     sample.Timestamp,
		CPUPercent:    sample.CPUPercent,
		MemoryMB:      sample.MemoryMB,
		MemoryPercent: sample.MemoryPercent,
		ProcessID:     sample.ProcessID,
	}); err != nil {
		logger.Warn("⚠️ 保存资源采样失败: %v", err)
	}
}

func (w *Watchdog) cleanupLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.cleanupOnce()
		}
	}
}

func (w *Watchdog) cleanupOnce() {
	now := utils.NowUTC()

	// 昨天的细粒度数据先汇总再清理
	yesterday := now.Add(-24 * time.Hour)
	if err := w.store.AggregateDailySystemMetrics(yesterday); err != nil {
		logger.Warn("⚠️ 每日汇总失败: %v", err)
	}

	cutoff := now.Add(-time.Duration(w.retentionDays) * 24 * time.Hour)
	if err := w.store.CleanupSystemMetrics(cutoff); err != nil {
		logger.Warn("⚠️ 清理细粒度采样失败: %v", err)
	}
	// 日汇总多留一个数量级
	dailyCutoff := now.Add(-time.Duration(w.retentionDays*10) * 24 * time.Hour)
	if err := w.store.CleanupDailySystemMetrics(dailyCutoff); err != nil {
		logger.Warn("⚠️ 清理每日汇总失败: %v", err)
	}
}
