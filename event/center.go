package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"equiledger/database"
	"equiledger/logger"
)

// EventCenter 事件中心
// 订阅事件总线，把订单生命周期事件落库并按级别触发通知
type EventCenter struct {
	db       database.Database
	eventBus *EventBus
	notifier NotificationService
	config   *EventCenterConfig
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// EventCenterConfig 事件中心配置
type EventCenterConfig struct {
	Enabled         bool
	CleanupInterval int // 小时
	Retention       RetentionConfig
}

// RetentionConfig 保留策略配置
type RetentionConfig struct {
	CriticalDays     int
	WarningDays      int
	InfoDays         int
	CriticalMaxCount int
	WarningMaxCount  int
	InfoMaxCount     int
}

// NotificationService 通知服务接口
type NotificationService interface {
	Send(event *Event)
}

// NewEventCenter 创建事件中心
func NewEventCenter(db database.Database, eventBus *EventBus, notifier NotificationService, config *EventCenterConfig) *EventCenter {
	ctx, cancel := context.WithCancel(context.Background())

	return &EventCenter{
		db:       db,
		eventBus: eventBus,
		notifier: notifier,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动事件中心
func (ec *EventCenter) Start() error {
	if !ec.config.Enabled {
		logger.Info("⏸️ 事件中心未启用")
		return nil
	}

	logger.Info("🚀 启动事件中心...")

	// 启动事件处理协程
	ec.wg.Add(1)
	go ec.processEvents()

	// 启动清理任务
	ec.wg.Add(1)
	go ec.cleanupTask()

	logger.Info("✅ 事件中心已启动")
	return nil
}

// Stop 停止事件中心
func (ec *EventCenter) Stop() {
	logger.Info("🛑 停止事件中心...")
	ec.cancel()
	ec.wg.Wait()
	logger.Info("✅ 事件中心已停止")
}

// processEvents 处理事件
func (ec *EventCenter) processEvents() {
	defer ec.wg.Done()

	eventCh := ec.eventBus.Subscribe()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			ec.handleEvent(event)
		}
	}
}

// handleEvent 处理单个事件
func (ec *EventCenter) handleEvent(event *Event) {
	if event == nil {
		return
	}

	severity := GetEventSeverity(event.Type)
	source := GetEventSource(event.Type)
	title := GetEventTitle(event.Type)

	symbol := ec.extractString(event.Data, "symbol")
	orderID := ec.extractInt64(event.Data, "order_id")

	message := ec.buildMessage(event)

	// 序列化详细信息
	detailsJSON, err := json.Marshal(event.Data)
	if err != nil {
		logger.Warn("⚠️ 序列化事件详情失败: %v", err)
		detailsJSON = []byte("{}")
	}

	record := &database.EventRecord{
		Type:      string(event.Type),
		Severity:  string(severity),
		Source:    string(source),
		Symbol:    symbol,
		OrderID:   orderID,
		Title:     title,
		Message:   message,
		Details:   string(detailsJSON),
		CreatedAt: event.Timestamp,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ec.db.SaveEvent(ctx, record); err != nil {
		logger.Error("❌ 保存事件失败: %v", err)
		return
	}

	if ec.notifier != nil && ec.shouldNotify(event.Type, severity) {
		ec.notifier.Send(event)
	}
}

// extractString 从事件数据中提取字符串字段
func (ec *EventCenter) extractString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}

// extractInt64 从事件数据中提取整数字段
func (ec *EventCenter) extractInt64(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// buildMessage 构建事件消息
func (ec *EventCenter) buildMessage(event *Event) string {
	switch event.Type {
	case EventTypeOrderCreated, EventTypeOrderSubmitted, EventTypeOrderPartialFilled,
		EventTypeOrderFilled, EventTypeOrderCanceled, EventTypeOrderRejected:
		return ec.buildOrderMessage(event)
	case EventTypeOrderRecovered:
		return ec.buildRecoveryMessage(event)
	case EventTypeCancelRequested, EventTypeCancelFinalized:
		return ec.buildCancelMessage(event)
	case EventTypeRecoveryReplacement:
		return ec.buildReplacementMessage(event)
	default:
		if msg, ok := event.Data["message"].(string); ok {
			return msg
		}
		if err, ok := event.Data["error"].(string); ok {
			return err
		}
		return fmt.Sprintf("事件类型: %s", event.Type)
	}
}

// buildOrderMessage 构建订单消息
func (ec *EventCenter) buildOrderMessage(event *Event) string {
	symbol := ec.extractString(event.Data, "symbol")
	side := ec.extractString(event.Data, "side")
	status := ec.extractString(event.Data, "status")
	orderID := ec.extractInt64(event.Data, "order_id")

	return fmt.Sprintf("订单 #%d %s %s -> %s", orderID, symbol, side, status)
}

// buildRecoveryMessage 构建回收消息
func (ec *EventCenter) buildRecoveryMessage(event *Event) string {
	symbol := ec.extractString(event.Data, "symbol")
	orderID := ec.extractInt64(event.Data, "order_id")
	reason := ec.extractString(event.Data, "reason")

	return fmt.Sprintf("订单 #%d %s 由 CANCELED 回收为 FILLED: %s", orderID, symbol, reason)
}

// buildCancelMessage 构建取消消息
func (ec *EventCenter) buildCancelMessage(event *Event) string {
	orderID := ec.extractInt64(event.Data, "order_id")
	commandID := ec.extractString(event.Data, "command_id")
	result := ec.extractString(event.Data, "result")

	if result != "" {
		return fmt.Sprintf("订单 #%d 取消命令 %s 结果: %s", orderID, commandID, result)
	}
	return fmt.Sprintf("订单 #%d 取消命令 %s 已写入", orderID, commandID)
}

// buildReplacementMessage 构建补单消息
func (ec *EventCenter) buildReplacementMessage(event *Event) string {
	symbol := ec.extractString(event.Data, "symbol")
	orderID := ec.extractInt64(event.Data, "order_id")
	attempt := ec.extractInt64(event.Data, "attempt")

	return fmt.Sprintf("订单 #%d %s 超时，已创建第 %d 次补单", orderID, symbol, attempt)
}

// shouldNotify 判断是否需要发送通知
func (ec *EventCenter) shouldNotify(eventType EventType, severity EventSeverity) bool {
	// Critical 级别的事件总是通知
	if severity == SeverityCritical {
		return true
	}

	// Warning 级别的某些重要事件需要通知
	if severity == SeverityWarning {
		switch eventType {
		case EventTypeOrderRejected, EventTypeReconcileAnomaly, EventTypeRecoveryReplacement:
			return true
		}
	}

	// Info 级别的事件通常不通知
	return false
}

// cleanupTask 清理任务
func (ec *EventCenter) cleanupTask() {
	defer ec.wg.Done()

	// 首次等待1小时后再开始清理
	timer := time.NewTimer(1 * time.Hour)
	defer timer.Stop()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case <-timer.C:
			ec.performCleanup()
			timer.Reset(time.Duration(ec.config.CleanupInterval) * time.Hour)
		}
	}
}

// performCleanup 执行清理
func (ec *EventCenter) performCleanup() {
	logger.Info("🧹 开始清理旧事件...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	levels := []struct {
		severity string
		maxCount int
		maxDays  int
	}{
		{"critical", ec.config.Retention.CriticalMaxCount, ec.config.Retention.CriticalDays},
		{"warning", ec.config.Retention.WarningMaxCount, ec.config.Retention.WarningDays},
		{"info", ec.config.Retention.InfoMaxCount, ec.config.Retention.InfoDays},
	}

	for _, lv := range levels {
		if err := ec.db.CleanupOldEvents(ctx, lv.severity, lv.maxCount, lv.maxDays); err != nil {
			logger.Error("❌ 清理 %s 事件失败: %v", lv.severity, err)
		}
	}

	logger.Info("✅ 事件清理完成")
}

// PublishEvent 发布事件（便捷方法）
func (ec *EventCenter) PublishEvent(eventType EventType, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ec.eventBus.Publish(event)
}
