package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"equiledger/logger"
)

// ConfigWatcher 配置文件监控器
// 仅热更新可调参数（对账/补单间隔、阈值、交易闸门），结构性配置需重启生效
type ConfigWatcher struct {
	configPath  string
	watcher     *fsnotify.Watcher
	mu          sync.RWMutex
	isWatching  bool
	lastModTime time.Time
	updateChan  chan *Config
}

// NewConfigWatcher 创建配置监控器
func NewConfigWatcher(configPath string) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %v", err)
	}

	configDir := filepath.Dir(configPath)
	if configDir == "" || configDir == "." {
		var err error
		configDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("获取当前目录失败: %v", err)
		}
		configPath = filepath.Join(configDir, filepath.Base(configPath))
	}

	var lastModTime time.Time
	if info, err := os.Stat(configPath); err == nil {
		lastModTime = info.ModTime()
	}

	return &ConfigWatcher{
		configPath:  configPath,
		watcher:     watcher,
		lastModTime: lastModTime,
		updateChan:  make(chan *Config, 1),
	}, nil
}

// Updates 返回配置更新通道
func (cw *ConfigWatcher) Updates() <-chan *Config {
	return cw.updateChan
}

// Start 开始监控配置文件
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	cw.mu.Lock()
	if cw.isWatching {
		cw.mu.Unlock()
		return fmt.Errorf("配置监控器已经在运行")
	}

	configDir := filepath.Dir(cw.configPath)
	if err := cw.watcher.Add(configDir); err != nil {
		cw.mu.Unlock()
		return fmt.Errorf("添加监控目录失败: %v", err)
	}

	cw.isWatching = true
	cw.mu.Unlock()

	go cw.watchLoop(ctx)

	logger.Info("✅ 配置热更新监控已启动: %s", cw.configPath)
	return nil
}

// watchLoop 监控循环
func (cw *ConfigWatcher) watchLoop(ctx context.Context) {
	// 去抖：编辑器保存常触发多个事件
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			cw.Stop()
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(cw.configPath) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("⚠️ 配置监控错误: %v", err)
		}
	}
}

// reload 重新加载配置并推送更新
func (cw *ConfigWatcher) reload() {
	info, err := os.Stat(cw.configPath)
	if err != nil {
		logger.Warn("⚠️ 读取配置文件信息失败: %v", err)
		return
	}

	cw.mu.Lock()
	if !info.ModTime().After(cw.lastModTime) {
		cw.mu.Unlock()
		return
	}
	cw.lastModTime = info.ModTime()
	cw.mu.Unlock()

	cfg, err := LoadConfig(cw.configPath)
	if err != nil {
		// 配置非法时保持旧配置运行
		logger.Error("❌ 配置热更新失败，保持旧配置: %v", err)
		return
	}

	select {
	case cw.updateChan <- cfg:
		logger.Info("🔄 配置已热更新")
	default:
		// 上一次更新尚未被消费，丢弃旧的再推送
		select {
		case <-cw.updateChan:
		default:
		}
		cw.updateChan <- cfg
		logger.Info("🔄 配置已热更新（覆盖未消费的更新）")
	}
}

// Stop 停止监控
func (cw *ConfigWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if !cw.isWatching {
		return
	}
	cw.isWatching = false
	cw.watcher.Close()
}
