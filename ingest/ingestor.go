package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"equiledger/database"
	"equiledger/event"
	"equiledger/logger"
	"equiledger/metrics"
	"equiledger/order"
	"equiledger/utils"
)

// ErrUnresolvedEvent 事件无法关联到任何订单，也无法合成订单
var ErrUnresolvedEvent = errors.New("execution event resolved to no order")

// EventsFileName 执行事件日志文件名
const EventsFileName = "execution_events.jsonl"

// ExecutionEvent 券商侧进程写出的一行执行事件
type ExecutionEvent struct {
	OrderID   int64   `json:"order_id"` // 券商订单号
	Symbol    string  `json:"symbol"`
	Status    string  `json:"status"` // Submitted, Filled, Cancelled, Rejected, Invalid
	Filled    float64 `json:"filled"`
	FillPrice float64 `json:"fill_price"`
	Direction string  `json:"direction"`
	Time      string  `json:"time"`
	Tag       string  `json:"tag"`
	ExecID    string  `json:"exec_id,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Summary 一轮摄取的统计
type Summary struct {
	Lines       int
	Applied     int
	Duplicates  int
	Malformed   int
	Unresolved  int
	Synthesized int
}

// Ingestor 执行事件摄取器
// 对同一份日志从头重跑任意多次都不会产生额外变更
type Ingestor struct {
	db        database.Database
	sm        *order.StateMachine
	eventBus  *event.EventBus
	namespace string
	brokerDir string
}

// NewIngestor 创建摄取器
func NewIngestor(db database.Database, sm *order.StateMachine, eventBus *event.EventBus, namespace, brokerDir string) *Ingestor {
	return &Ingestor{
		db:        db,
		sm:        sm,
		eventBus:  eventBus,
		namespace: namespace,
		brokerDir: brokerDir,
	}
}

// Run 摄取主日志与所有直连订单目录下的事件日志
func (in *Ingestor) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	mainLog := filepath.Join(in.brokerDir, EventsFileName)
	if err := in.ingestFile(ctx, mainLog, 0, summary); err != nil {
		return summary, err
	}

	// direct_<order-id>/ 下的事件日志，目录名内嵌订单号作为解析兜底
	matches, err := filepath.Glob(filepath.Join(in.brokerDir, "direct_*", EventsFileName))
	if err != nil {
		return summary, fmt.Errorf("扫描直连订单目录失败: %w", err)
	}
	for _, path := range matches {
		dirOrderID := parseDirectOrderID(filepath.Base(filepath.Dir(path)))
		if err := in.ingestFile(ctx, path, dirOrderID, summary); err != nil {
			logger.Warn("⚠️ 摄取 %s 失败: %v", path, err)
		}
	}

	logger.Info("📊 事件摄取完成: 行数=%d 生效=%d 重复=%d 损坏=%d 未解析=%d 合成=%d",
		summary.Lines, summary.Applied, summary.Duplicates,
		summary.Malformed, summary.Unresolved, summary.Synthesized)
	return summary, nil
}

// ingestFile 摄取单个事件日志
// dirOrderID 为目录名内嵌的订单号，主日志传 0
func (in *Ingestor) ingestFile(ctx context.Context, path string, dirOrderID int64, summary *Summary) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("打开事件日志失败: %w", err)
	}
	defer file.Close()

	pm := metrics.GetPrometheusMetrics()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		summary.Lines++

		var ev ExecutionEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			summary.Malformed++
			pm.RecordMalformedEvent()
			logger.Warn("⚠️ 事件日志存在损坏行，已跳过: %v", err)
			continue
		}

		if err := in.applyEvent(ctx, &ev, dirOrderID, summary); err != nil {
			if errors.Is(err, ErrUnresolvedEvent) {
				summary.Unresolved++
				pm.RecordUnresolvedEvent()
				logger.Warn("⚠️ 事件无法解析到订单，已跳过: tag=%s broker_id=%d symbol=%s",
					ev.Tag, ev.OrderID, ev.Symbol)
				if in.eventBus != nil {
					in.eventBus.Publish(&event.Event{
						Type: event.EventTypeUnresolvedEvent,
						Data: map[string]interface{}{
							"tag": ev.Tag, "symbol": ev.Symbol, "broker_order_id": ev.OrderID,
						},
					})
				}
				continue
			}
			logger.Error("❌ 应用事件失败: %v", err)
		}
	}
	return scanner.Err()
}

// resolveOrder 把事件解析到一个订单
// 解析顺序：客户端标签 -> 目录内嵌订单号 -> 券商订单号 -> 结构化批次标签（必要时合成）
func (in *Ingestor) resolveOrder(ctx context.Context, ev *ExecutionEvent, dirOrderID int64, summary *Summary) (*database.Order, error) {
	if ev.Tag != "" {
		o, err := in.db.GetOrderByTag(ctx, ev.Tag)
		if err != nil {
			return nil, err
		}
		if o != nil {
			return o, nil
		}
	}

	if dirOrderID > 0 {
		o, err := in.db.GetOrderByID(ctx, dirOrderID)
		if err != nil {
			return nil, err
		}
		if o != nil {
			return o, nil
		}
	}

	if ev.OrderID > 0 {
		o, err := in.db.GetOrderByBrokerID(ctx, ev.OrderID)
		if err != nil {
			return nil, err
		}
		if o != nil {
			return o, nil
		}
	}

	// 批次标签：订单缺失时合成，保证事件不被静默丢弃
	if rt, ok := utils.ParseRunTag(ev.Tag); ok && rt.Namespace == in.namespace {
		o, err := in.db.GetOrderByRunIndex(ctx, rt.RunID, rt.Index)
		if err != nil {
			return nil, err
		}
		if o != nil {
			return o, nil
		}
		return in.synthesizeOrder(ctx, ev, rt, summary)
	}

	return nil, ErrUnresolvedEvent
}

// synthesizeOrder 为未知批次标签合成订单
func (in *Ingestor) synthesizeOrder(ctx context.Context, ev *ExecutionEvent, rt utils.RunTag, summary *Summary) (*database.Order, error) {
	symbol := ev.Symbol
	if symbol == "" {
		symbol = rt.Symbol
	}

	o := &database.Order{
		RunID:         &rt.RunID,
		RunIndex:      &rt.Index,
		Tag:           ev.Tag,
		Symbol:        symbol,
		Side:          strings.ToUpper(ev.Direction),
		Quantity:      ev.Filled,
		OrderType:     database.OrderTypeLimit,
		BrokerOrderID: ev.OrderID,
		Status:        database.OrderStatusNew,
		Metadata: order.MergeMetadata("", map[string]interface{}{
			order.MetaKeySynthesized: true,
			order.MetaKeyReason:      "synthesized from execution event log",
		}),
	}
	if err := in.db.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("合成订单失败: %w", err)
	}

	summary.Synthesized++
	logger.Warn("⚠️ 批次标签 %s 无对应订单，已合成订单 #%d", ev.Tag, o.ID)
	return o, nil
}

// applyEvent 对单个事件施加状态效果
func (in *Ingestor) applyEvent(ctx context.Context, ev *ExecutionEvent, dirOrderID int64, summary *Summary) error {
	o, err := in.resolveOrder(ctx, ev, dirOrderID, summary)
	if err != nil {
		return err
	}

	pm := metrics.GetPrometheusMetrics()
	pm.RecordEventIngested(strings.ToLower(ev.Status))

	// 券商订单号首次出现时回填
	brokerIDChanged := false
	if ev.OrderID > 0 && o.BrokerOrderID == 0 {
		o.BrokerOrderID = ev.OrderID
		brokerIDChanged = true
	}

	mutated := false

	// 任何正成交量先入账；成交优先于取消信号
	if ev.Filled > 0 {
		fill := &database.Fill{
			OrderID:   o.ID,
			Quantity:  ev.Filled,
			Price:     ev.FillPrice,
			ExecID:    ev.ExecID,
			EventTime: parseEventTime(ev.Time),
			Metadata:  fmt.Sprintf(`{"source":"event_log","tag":%q}`, ev.Tag),
		}
		applied, err := in.sm.ApplyFill(ctx, o, fill)
		if err != nil {
			return err
		}
		if applied {
			summary.Applied++
			mutated = true
		} else {
			summary.Duplicates++
		}
	}

	switch strings.ToLower(ev.Status) {
	case "submitted":
		// 只在早期状态提升，晚到的 Submitted 不回退状态
		if o.Status == database.OrderStatusNew {
			if err := in.transition(ctx, o, database.OrderStatusSubmitted, ev, summary); err != nil {
				return err
			}
			mutated = true
		}
	case "cancelled", "canceled":
		if !o.IsTerminal() {
			if err := in.transition(ctx, o, database.OrderStatusCanceled, ev, summary); err != nil {
				return err
			}
			mutated = true
		}
	case "rejected":
		if !o.IsTerminal() {
			if err := in.transition(ctx, o, database.OrderStatusRejected, ev, summary); err != nil {
				return err
			}
			mutated = true
		}
	case "invalid":
		if !o.IsTerminal() {
			if err := in.transition(ctx, o, database.OrderStatusInvalid, ev, summary); err != nil {
				return err
			}
			mutated = true
		}
	case "filled":
		// 状态效果由成交量驱动；无量的 Filled 行只在量已齐时静默通过
		if o.FilledQty < o.Quantity && ev.Filled == 0 {
			logger.Warn("⚠️ 订单 #%d 收到无量的 Filled 事件，累计 %f/%f",
				o.ID, o.FilledQty, o.Quantity)
		}
	}

	if brokerIDChanged && !mutated {
		if err := in.db.SaveOrder(ctx, o); err != nil {
			return fmt.Errorf("回填券商订单号失败: %w", err)
		}
	}
	return nil
}

// transition 应用终态/提升迁移，状态表拒绝时降级为告警
func (in *Ingestor) transition(ctx context.Context, o *database.Order, target string, ev *ExecutionEvent, summary *Summary) error {
	meta := map[string]interface{}{
		order.MetaKeySource:           "event_log",
		order.MetaKeyCancelConfidence: order.ConfidenceHigh,
	}
	if ev.Reason != "" {
		meta[order.MetaKeyReason] = ev.Reason
	}
	if target != database.OrderStatusCanceled {
		delete(meta, order.MetaKeyCancelConfidence)
	}

	err := in.sm.Transition(ctx, o, order.Transition{Status: target, Meta: meta})
	if err != nil {
		if errors.Is(err, order.ErrInvalidTransition) {
			logger.Warn("⚠️ 事件要求的迁移被状态表拒绝: %v", err)
			return nil
		}
		return err
	}
	summary.Applied++
	return nil
}

// parseDirectOrderID 从 direct_<id> 目录名提取订单号
func parseDirectOrderID(dirName string) int64 {
	raw := strings.TrimPrefix(dirName, "direct_")
	if raw == dirName {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// parseEventTime 解析事件时间，支持 RFC3339 与秒级时间戳
func parseEventTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC()
	}
	if epoch, err := strconv.ParseFloat(raw, 64); err == nil {
		sec := int64(epoch)
		nsec := int64((epoch - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC()
	}
	return time.Time{}
}
