package safety

import (
	"math"
	"os"
	"path/filepath"
	"sync"

	"equiledger/event"
	"equiledger/logger"
)

// HaltFileName 手工熔断开关文件
// 运维在券商目录下创建该文件即可立刻暂停所有主动写入
const HaltFileName = "HALT"

// TradingGuard 全局交易保护
// 保护生效时对账、自动补单等主动写入全部暂停，只读路径不受影响
type TradingGuard struct {
	mu       sync.RWMutex
	halted   bool
	reason   string
	haltFile string
	eventBus *event.EventBus
}

// NewTradingGuard 创建交易保护
// configHalted 来自配置文件的初始熔断状态
func NewTradingGuard(brokerDir string, configHalted bool, eventBus *event.EventBus) *TradingGuard {
	g := &TradingGuard{
		haltFile: filepath.Join(brokerDir, HaltFileName),
		eventBus: eventBus,
	}
	if configHalted {
		g.halted = true
		g.reason = "halted by configuration"
	}
	return g
}

// Halted 判断交易保护是否生效
// 内存标记或熔断文件任一存在即生效
func (g *TradingGuard) Halted() bool {
	g.mu.RLock()
	halted := g.halted
	g.mu.RUnlock()
	if halted {
		return true
	}

	if _, err := os.Stat(g.haltFile); err == nil {
		return true
	}
	return false
}

// Reason 返回当前熔断原因
func (g *TradingGuard) Reason() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.halted {
		return g.reason
	}
	if _, err := os.Stat(g.haltFile); err == nil {
		return "halt file present"
	}
	return ""
}

// Halt 触发交易保护
func (g *TradingGuard) Halt(reason string) {
	g.mu.Lock()
	alreadyHalted := g.halted
	g.halted = true
	g.reason = reason
	g.mu.Unlock()

	if alreadyHalted {
		return
	}

	logger.Warn("🛑 交易保护已触发: %s", reason)
	if g.eventBus != nil {
		g.eventBus.Publish(&event.Event{
			Type: event.EventTypeGuardHalted,
			Data: map[string]interface{}{"reason": reason},
		})
	}
}

// Resume 解除内存熔断标记（熔断文件需运维手工删除）
func (g *TradingGuard) Resume() {
	g.mu.Lock()
	g.halted = false
	g.reason = ""
	g.mu.Unlock()
	logger.Info("✅ 交易保护已解除")
}

// PriceDeviationExceeded 判断限价相对参考价的偏离是否超过上限
// maxDeviation 为比例值，例如 0.05 表示 5%
func PriceDeviationExceeded(limitPrice, refPrice, maxDeviation float64) bool {
	if refPrice <= 0 || limitPrice <= 0 || maxDeviation <= 0 {
		return false
	}
	return math.Abs(limitPrice-refPrice)/refPrice > maxDeviation
}
