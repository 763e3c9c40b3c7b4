package cancelcmd

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"equiledger/broker"
	"equiledger/logger"
)

// ResultWatcher 结果目录监听器
// 结果文件一落地就触发终结扫描，不必等下一个定时周期
type ResultWatcher struct {
	coordinator *Coordinator
	dirs        []string
	debounce    time.Duration
}

// NewResultWatcher 创建结果目录监听器
func NewResultWatcher(coordinator *Coordinator, dirs []string) *ResultWatcher {
	return &ResultWatcher{
		coordinator: coordinator,
		dirs:        dirs,
		debounce:    500 * time.Millisecond,
	}
}

// Run 阻塞监听直到 ctx 取消
// 目录尚不存在时跳过并告警，由定时扫描兜底
func (w *ResultWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := 0
	for _, dir := range w.dirs {
		if _, statErr := os.Stat(dir); statErr != nil {
			logger.Warn("⚠️ 结果目录 %s 不可用，跳过监听: %v", dir, statErr)
			continue
		}
		if addErr := watcher.Add(dir); addErr != nil {
			logger.Warn("⚠️ 监听结果目录 %s 失败: %v", dir, addErr)
			continue
		}
		watched++
	}
	if watched == 0 {
		logger.Warn("⚠️ 没有可监听的结果目录，仅依赖定时终结扫描")
		<-ctx.Done()
		return nil
	}

	logger.Info("🔍 开始监听 %d 个命令结果目录", watched)

	var timer *time.Timer
	fire := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			// 合并一批连续落地的结果文件，只触发一次扫描
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("⚠️ 结果目录监听错误: %v", err)
		case <-fire:
			if _, err := w.coordinator.FinalizePass(ctx); err != nil {
				logger.Error("❌ 事件驱动的终结扫描失败: %v", err)
			}
		}
	}
}

// DefaultResultDirs 推出需要监听的结果目录
// 共享目录固定监听，额外目录来自配置
func DefaultResultDirs(cfg *Config) []string {
	dirs := []string{broker.NewFileCommandChannel(cfg.BrokerDir).ResultDir()}
	for _, dir := range cfg.ResultDirs {
		dirs = append(dirs, broker.NewFileCommandChannel(dir).ResultDir())
	}
	return dirs
}
