package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"equiledger/broker"
	"equiledger/database"
	"equiledger/logger"
	"equiledger/order"
)

// RunCompleted 已完结订单历史对账（直接事件之外置信度最高）
// 历史里出现取消/拒绝处置时把订单终结为 CANCELED，
// 但同一订单若同时存在成交处置则成交优先，取消被跳过
func (r *Reconciler) RunCompleted(ctx context.Context) (*PassSummary, error) {
	return r.runPass(ctx, PassCompleted, r.reconcileCompleted)
}

func (r *Reconciler) reconcileCompleted(ctx context.Context, summary *PassSummary) error {
	rows, err := r.history.CompletedOrders(ctx)
	if err != nil {
		if errors.Is(err, broker.ErrThrottled) {
			// 限流不是失败，下个调度点重试
			logger.Debug("⏳ [对账:completed] 历史查询被限流，顺延")
			summary.Skipped++
			return nil
		}
		return fmt.Errorf("查询已完结订单历史失败: %w", err)
	}

	// 按关联标签与券商订单号索引历史行
	byRef := make(map[string][]broker.CompletedOrder)
	byBrokerID := make(map[int64][]broker.CompletedOrder)
	for _, row := range rows {
		if row.OrderRef != "" {
			byRef[row.OrderRef] = append(byRef[row.OrderRef], row)
		}
		if row.OrderID > 0 {
			byBrokerID[row.OrderID] = append(byBrokerID[row.OrderID], row)
		}
	}

	orders, err := r.db.GetOrders(ctx, &database.OrderFilter{Statuses: nonTerminalStatuses})
	if err != nil {
		return fmt.Errorf("查询非终态订单失败: %w", err)
	}

	for _, o := range orders {
		summary.Checked++

		matched := byRef[o.Tag]
		if len(matched) == 0 && o.BrokerOrderID > 0 {
			matched = byBrokerID[o.BrokerOrderID]
		}
		if len(matched) == 0 {
			continue
		}

		var canceledRow *broker.CompletedOrder
		hasFilled := false
		for i := range matched {
			row := &matched[i]
			// 标的与方向必须一致，防止标签串单
			if row.Symbol != "" && row.Symbol != o.Symbol {
				continue
			}
			if row.Side != "" && !strings.EqualFold(row.Side, o.Side) {
				continue
			}
			if row.IsFilled() {
				hasFilled = true
			}
			if row.IsCanceled() && canceledRow == nil {
				canceledRow = row
			}
		}

		if hasFilled {
			// 成交处置存在：订单不可能被取消，成交细节由事件日志入账
			if canceledRow != nil {
				r.recordAction(ctx, PassCompleted, o, "cancel_skipped", "filled disposition present, fill wins")
				logger.Info("ℹ️ [对账:completed] 订单 #%d 同时存在成交与取消处置，成交优先", o.ID)
			}
			continue
		}

		if canceledRow == nil {
			continue
		}

		meta := map[string]interface{}{
			order.MetaKeySource:           "completed_history",
			order.MetaKeyReason:           fmt.Sprintf("broker disposition: %s", canceledRow.Status),
			order.MetaKeyCancelConfidence: order.ConfidenceHigh,
		}
		if err := r.sm.Transition(ctx, o, order.Transition{
			Status: database.OrderStatusCanceled,
			Meta:   meta,
		}); err != nil {
			if errors.Is(err, order.ErrInvalidTransition) {
				summary.Warnings++
				logger.Warn("⚠️ [对账:completed] 订单 #%d 取消迁移被拒绝: %v", o.ID, err)
				continue
			}
			return err
		}

		summary.Canceled++
		r.recordAction(ctx, PassCompleted, o, "canceled",
			fmt.Sprintf("broker disposition %s (perm_id=%d)", canceledRow.Status, canceledRow.PermID))
	}

	return nil
}
