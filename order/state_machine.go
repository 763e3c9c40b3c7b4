package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"equiledger/database"
	"equiledger/event"
	"equiledger/logger"
	"equiledger/metrics"
	"equiledger/utils"
)

// ErrInvalidTransition 状态迁移不被状态表允许
var ErrInvalidTransition = errors.New("invalid order status transition")

// allowedTransitions 状态迁移表
// 终态不在表内：终态订单的任何迁移请求都会被拒绝
var allowedTransitions = map[string][]string{
	database.OrderStatusNew: {
		database.OrderStatusSubmitted,
		database.OrderStatusPartial,
		database.OrderStatusFilled,
		database.OrderStatusCanceled,
		database.OrderStatusRejected,
		database.OrderStatusInvalid,
		database.OrderStatusSkipped,
		database.OrderStatusCancelRequested,
	},
	database.OrderStatusSubmitted: {
		database.OrderStatusPartial,
		database.OrderStatusFilled,
		database.OrderStatusCanceled,
		database.OrderStatusRejected,
		database.OrderStatusCancelRequested,
	},
	database.OrderStatusPartial: {
		database.OrderStatusPartial,
		database.OrderStatusFilled,
		database.OrderStatusCanceled,
		database.OrderStatusCancelRequested,
	},
	// 取消等待期内成交仍然优先：允许迁回成交态
	database.OrderStatusCancelRequested: {
		database.OrderStatusCanceled,
		database.OrderStatusPartial,
		database.OrderStatusFilled,
		database.OrderStatusCancelRequested,
	},
}

// CanTransition 判断状态迁移是否被允许
func CanTransition(from, to string) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition 一次状态迁移请求
type Transition struct {
	Status string                 // 目标状态
	Meta   map[string]interface{} // 并入订单元数据的来源/原因补丁
}

// StateMachine 订单状态机
// 订单的所有状态变更都必须经过这里：校验迁移、并入元数据、落库、发事件
type StateMachine struct {
	db       database.Database
	eventBus *event.EventBus
}

// NewStateMachine 创建状态机
func NewStateMachine(db database.Database, eventBus *event.EventBus) *StateMachine {
	return &StateMachine{
		db:       db,
		eventBus: eventBus,
	}
}

// Transition 应用一次状态迁移
// 终态订单或状态表不允许的迁移返回 ErrInvalidTransition，订单不被修改
func (sm *StateMachine) Transition(ctx context.Context, order *database.Order, t Transition) error {
	pm := metrics.GetPrometheusMetrics()

	if order.IsTerminal() {
		pm.RecordInvalidTransition(order.Status, t.Status)
		return fmt.Errorf("订单 #%d 已处于终态 %s，拒绝迁移到 %s: %w",
			order.ID, order.Status, t.Status, ErrInvalidTransition)
	}
	if !CanTransition(order.Status, t.Status) {
		pm.RecordInvalidTransition(order.Status, t.Status)
		return fmt.Errorf("订单 #%d 不允许 %s -> %s: %w",
			order.ID, order.Status, t.Status, ErrInvalidTransition)
	}

	from := order.Status
	order.Status = t.Status

	patch := make(map[string]interface{}, len(t.Meta)+1)
	for k, v := range t.Meta {
		patch[k] = v
	}
	patch[MetaKeyLastTransitionAt] = utils.NowUTC().Format(time.RFC3339)
	order.Metadata = MergeMetadata(order.Metadata, patch)

	if err := sm.db.SaveOrder(ctx, order); err != nil {
		// 落库失败时回滚内存状态，避免调用方拿到未持久化的状态
		order.Status = from
		return fmt.Errorf("保存订单 #%d 状态失败: %w", order.ID, err)
	}

	pm.RecordOrderTransition(from, t.Status)
	logger.Info("🔄 订单 #%d [%s] 状态迁移: %s -> %s", order.ID, order.Symbol, from, t.Status)

	sm.publishTransitionEvent(order, from)
	return nil
}

// ApplyFill 应用一笔成交
// 先做重复成交探测，重复则跳过并返回 false；否则落成交记录、
// 更新累计成交量与均价，并按累计量推进 PARTIAL / FILLED
func (sm *StateMachine) ApplyFill(ctx context.Context, order *database.Order, fill *database.Fill) (bool, error) {
	pm := metrics.GetPrometheusMetrics()

	if fill.Quantity <= 0 {
		return false, fmt.Errorf("订单 #%d 成交数量非法: %f", order.ID, fill.Quantity)
	}

	dup, err := sm.db.HasDuplicateFill(ctx, fill)
	if err != nil {
		return false, fmt.Errorf("重复成交探测失败: %w", err)
	}
	if dup {
		pm.RecordDuplicateFillSkipped(order.Symbol)
		logger.Debug("🔍 订单 #%d 重复成交已跳过: qty=%f price=%f exec_id=%s",
			order.ID, fill.Quantity, fill.Price, fill.ExecID)
		return false, nil
	}

	// 累计量不得超过请求量；合成订单的请求量只是事件推断出的下限，随成交增长
	applied := fill.Quantity
	if order.FilledQty+applied > order.Quantity {
		if MetadataBool(order.Metadata, MetaKeySynthesized) {
			grown := order.FilledQty + applied
			logger.Warn("⚠️ 合成订单 #%d 成交超出推断请求量，请求量 %f -> %f", order.ID, order.Quantity, grown)
			order.Quantity = grown
		} else {
			applied = order.Quantity - order.FilledQty
			if applied <= 0 {
				logger.Warn("⚠️ 订单 #%d 已满额成交，多余成交回报被忽略: qty=%f", order.ID, fill.Quantity)
				return false, nil
			}
			logger.Warn("⚠️ 订单 #%d 成交回报超出请求量，截断 %f -> %f", order.ID, fill.Quantity, applied)
			fill.Quantity = applied
		}
	}

	if err := sm.db.CreateFill(ctx, fill); err != nil {
		return false, fmt.Errorf("保存成交记录失败: %w", err)
	}

	// 加权均价
	prevQty := order.FilledQty
	order.FilledQty = prevQty + applied
	if order.FilledQty > 0 {
		order.AvgFillPrice = (order.AvgFillPrice*prevQty + fill.Price*applied) / order.FilledQty
	}

	target := database.OrderStatusPartial
	if order.FilledQty >= order.Quantity {
		target = database.OrderStatusFilled
	} else if order.Status == database.OrderStatusCancelRequested {
		// 部分成交不结束取消等待，订单留在 CANCEL_REQUESTED 供结果回收
		target = database.OrderStatusCancelRequested
	}

	if order.IsTerminal() {
		// 终态订单只补录量价，不再迁移状态
		if order.Status != database.OrderStatusFilled {
			logger.Warn("⚠️ 订单 #%d 处于终态 %s，仍收到成交回报 qty=%f，仅记录成交",
				order.ID, order.Status, applied)
		}
		if err := sm.db.SaveOrder(ctx, order); err != nil {
			return false, fmt.Errorf("保存订单 #%d 成交量失败: %w", order.ID, err)
		}
		return true, nil
	}

	meta := map[string]interface{}{
		MetaKeySource: "fill",
	}
	if fill.ExecID != "" {
		meta["exec_id"] = fill.ExecID
	}
	if err := sm.Transition(ctx, order, Transition{Status: target, Meta: meta}); err != nil {
		return false, err
	}
	return true, nil
}

// RequestCancel 标记取消请求
// 对已是 CANCEL_REQUESTED 的订单幂等；对终态订单无操作并返回 ErrInvalidTransition
func (sm *StateMachine) RequestCancel(ctx context.Context, order *database.Order, meta map[string]interface{}) error {
	if order.IsTerminal() {
		return fmt.Errorf("订单 #%d 已处于终态 %s，无法取消: %w",
			order.ID, order.Status, ErrInvalidTransition)
	}
	return sm.Transition(ctx, order, Transition{
		Status: database.OrderStatusCancelRequested,
		Meta:   meta,
	})
}

// Recover 把低置信度取消的订单回收为成交
// 仅允许取消来源为挂单快照缺席推断（cancel_confidence=low）的 CANCELED 订单；
// 回收后打 recovered 标记，之后任何取消写入都无法再触达该订单（FILLED 为终态）
func (sm *StateMachine) Recover(ctx context.Context, order *database.Order, fill *database.Fill, reason string) error {
	if order.Status != database.OrderStatusCanceled {
		return fmt.Errorf("订单 #%d 状态为 %s，仅 CANCELED 可回收: %w",
			order.ID, order.Status, ErrInvalidTransition)
	}
	if MetadataString(order.Metadata, MetaKeyCancelConfidence) != ConfidenceLow {
		return fmt.Errorf("订单 #%d 的取消来源非低置信度推断，拒绝回收: %w",
			order.ID, ErrInvalidTransition)
	}

	if fill != nil && fill.Quantity > 0 {
		dup, err := sm.db.HasDuplicateFill(ctx, fill)
		if err != nil {
			return fmt.Errorf("重复成交探测失败: %w", err)
		}
		if !dup {
			if err := sm.db.CreateFill(ctx, fill); err != nil {
				return fmt.Errorf("保存合成成交失败: %w", err)
			}
			prevQty := order.FilledQty
			order.FilledQty = prevQty + fill.Quantity
			if order.FilledQty > order.Quantity {
				order.FilledQty = order.Quantity
			}
			if order.FilledQty > 0 {
				order.AvgFillPrice = (order.AvgFillPrice*prevQty + fill.Price*fill.Quantity) / (prevQty + fill.Quantity)
			}
		}
	}

	from := order.Status
	order.Status = database.OrderStatusFilled
	order.Metadata = MergeMetadata(order.Metadata, map[string]interface{}{
		MetaKeyRecovered:        true,
		MetaKeyRecoveryReason:   reason,
		MetaKeyRecoveredAt:      utils.NowUTC().Format(time.RFC3339),
		MetaKeyLastTransitionAt: utils.NowUTC().Format(time.RFC3339),
	})

	if err := sm.db.SaveOrder(ctx, order); err != nil {
		order.Status = from
		return fmt.Errorf("保存回收订单 #%d 失败: %w", order.ID, err)
	}

	metrics.GetPrometheusMetrics().RecordOrderTransition(from, database.OrderStatusFilled)
	logger.Warn("🔄 订单 #%d [%s] 由低置信度取消回收为成交: %s", order.ID, order.Symbol, reason)

	if sm.eventBus != nil {
		sm.eventBus.Publish(&event.Event{
			Type: event.EventTypeOrderRecovered,
			Data: map[string]interface{}{
				"order_id": order.ID,
				"symbol":   order.Symbol,
				"side":     order.Side,
				"reason":   reason,
			},
		})
	}
	return nil
}

// publishTransitionEvent 发布状态迁移事件
func (sm *StateMachine) publishTransitionEvent(order *database.Order, from string) {
	if sm.eventBus == nil {
		return
	}

	var eventType event.EventType
	switch order.Status {
	case database.OrderStatusSubmitted:
		eventType = event.EventTypeOrderSubmitted
	case database.OrderStatusPartial:
		eventType = event.EventTypeOrderPartialFilled
	case database.OrderStatusFilled:
		eventType = event.EventTypeOrderFilled
	case database.OrderStatusCanceled:
		eventType = event.EventTypeOrderCanceled
	case database.OrderStatusRejected, database.OrderStatusInvalid:
		eventType = event.EventTypeOrderRejected
	case database.OrderStatusCancelRequested:
		eventType = event.EventTypeCancelRequested
	default:
		return
	}

	sm.eventBus.Publish(&event.Event{
		Type: eventType,
		Data: map[string]interface{}{
			"order_id": order.ID,
			"symbol":   order.Symbol,
			"side":     order.Side,
			"status":   order.Status,
			"from":     from,
		},
	})
}
