package cancelcmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"equiledger/broker"
	"equiledger/database"
	"equiledger/event"
	"equiledger/logger"
	"equiledger/metrics"
	"equiledger/order"
	"equiledger/utils"
)

// FinalizeSummary 终结扫描统计
type FinalizeSummary struct {
	Checked   int
	Finalized int
	Pending   int
	Expired   int
	Warnings  int
}

// FinalizePass 扫描所有 CANCEL_REQUESTED 订单并根据结果文件终结
// ok 与 not_found 都终结为 CANCELED（not_found 表示券商侧已无此单），
// pending 留待下次扫描；结果文件损坏计入警告但不阻塞其他订单
func (c *Coordinator) FinalizePass(ctx context.Context) (*FinalizeSummary, error) {
	orders, err := c.db.GetOrders(ctx, &database.OrderFilter{
		Statuses: []string{database.OrderStatusCancelRequested},
	})
	if err != nil {
		return nil, fmt.Errorf("查询待终结订单失败: %w", err)
	}

	summary := &FinalizeSummary{}
	for _, o := range orders {
		summary.Checked++
		if err := c.finalizeOrder(ctx, o, summary); err != nil {
			summary.Warnings++
			logger.Warn("⚠️ 终结订单 #%d 失败: %v", o.ID, err)
		}
	}

	if summary.Finalized > 0 || summary.Warnings > 0 {
		logger.Info("✅ 取消终结扫描完成: 检查 %d, 终结 %d, 等待 %d, 过期 %d, 警告 %d",
			summary.Checked, summary.Finalized, summary.Pending, summary.Expired, summary.Warnings)
	}
	return summary, nil
}

func (c *Coordinator) finalizeOrder(ctx context.Context, o *database.Order, summary *FinalizeSummary) error {
	commandID := order.MetadataString(o.Metadata, order.MetaKeyCancelCommandID)
	if commandID == "" {
		// 没有命令编号的取消请求（比如外部直接改库）按过期处理
		return c.expireIfStale(ctx, o, summary)
	}

	result, err := c.readResult(o, commandID)
	if err != nil {
		return err
	}
	if result == nil {
		return c.expireIfStale(ctx, o, summary)
	}

	switch result.Status {
	case broker.ResultStatusOK, broker.ResultStatusNotFound:
		reason := "券商确认取消"
		if result.Status == broker.ResultStatusNotFound {
			reason = "券商侧未找到该订单"
		}
		if err := c.sm.Transition(ctx, o, order.Transition{
			Status: database.OrderStatusCanceled,
			Meta: map[string]interface{}{
				order.MetaKeySource:           "cancel_result",
				order.MetaKeyReason:           reason,
				order.MetaKeyCancelConfidence: order.ConfidenceHigh,
			},
		}); err != nil {
			// 成交已先到并把订单推进到终态时，迟到的取消结果直接放弃
			if errors.Is(err, order.ErrInvalidTransition) {
				logger.Warn("⚠️ 订单 #%d 已处于 %s，取消结果 %s 作废", o.ID, o.Status, result.Status)
				metrics.GetPrometheusMetrics().RecordCancelFinalized("stale")
				return nil
			}
			return err
		}
		summary.Finalized++
		metrics.GetPrometheusMetrics().RecordCancelFinalized(result.Status)
	case broker.ResultStatusPending:
		summary.Pending++
	default:
		return fmt.Errorf("未知的取消结果状态 %q", result.Status)
	}
	return nil
}

// readResult 在订单所属通道与额外配置的结果目录中查找结果文件
func (c *Coordinator) readResult(o *database.Order, commandID string) (*broker.CommandResult, error) {
	channels := []broker.CommandChannel{c.channelFor(o)}
	for _, dir := range c.cfg.ResultDirs {
		channels = append(channels, broker.NewFileCommandChannel(dir))
	}

	for _, channel := range channels {
		result, err := channel.ReadResult(commandID)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
	}
	return nil, nil
}

// expireIfStale 结果迟迟不来时按命令有效期放弃等待
// 回退到 CANCEL_REQUESTED 自身，交给对账把真实状态找回来
func (c *Coordinator) expireIfStale(ctx context.Context, o *database.Order, summary *FinalizeSummary) error {
	requestedAt := order.MetadataString(o.Metadata, order.MetaKeyCancelRequestAt)
	if requestedAt == "" {
		summary.Pending++
		return nil
	}
	ts, err := time.Parse(time.RFC3339, requestedAt)
	if err != nil {
		summary.Pending++
		return nil
	}
	if utils.NowUTC().Sub(ts) < c.cfg.CommandExpiry {
		summary.Pending++
		return nil
	}

	summary.Expired++
	logger.Warn("⚠️ 订单 #%d 的取消命令超过有效期仍无结果，交由对账处理", o.ID)
	if c.eventBus != nil {
		c.eventBus.Publish(&event.Event{
			Type:      event.EventTypeUnresolvedEvent,
			Timestamp: utils.NowUTC(),
			Data: map[string]interface{}{
				"order_id": o.ID,
				"symbol":   o.Symbol,
				"reason":   "cancel command expired without result",
			},
		})
	}
	metrics.GetPrometheusMetrics().RecordCancelFinalized("expired")
	return nil
}
