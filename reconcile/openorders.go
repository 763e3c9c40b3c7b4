package reconcile

import (
	"context"
	"errors"
	"fmt"

	"equiledger/database"
	"equiledger/logger"
	"equiledger/order"
)

// RunOpenOrders 挂单快照对账
// 新鲜快照里缺席的已提交订单被推断为低置信度取消；
// 快照里出现的 NEW 订单被提升为 SUBMITTED；
// 过期快照绝不用于推断取消（漏报无害，误取消有害）
func (r *Reconciler) RunOpenOrders(ctx context.Context) (*PassSummary, error) {
	return r.runPass(ctx, PassOpenOrders, r.reconcileOpenOrders)
}

func (r *Reconciler) reconcileOpenOrders(ctx context.Context, summary *PassSummary) error {
	snap, err := r.snapshots.ReadOpenOrders()
	if err != nil {
		return fmt.Errorf("读取挂单快照失败: %w", err)
	}

	fresh := r.snapshots.IsFresh(snap.RefreshedAt, snap.Stale)
	if !fresh {
		logger.Warn("⚠️ [对账:open_orders] 快照过期 (refreshed_at=%s stale=%v)，本轮不做取消推断",
			snap.RefreshedAt.Format("15:04:05"), snap.Stale)
		summary.Warnings++
	}

	orders, err := r.db.GetOrders(ctx, &database.OrderFilter{Statuses: nonTerminalStatuses})
	if err != nil {
		return fmt.Errorf("查询非终态订单失败: %w", err)
	}

	for _, o := range orders {
		summary.Checked++
		present := snap.HasTag(o.Tag)

		// 快照里出现即确认券商已受理
		if present && o.Status == database.OrderStatusNew {
			if err := r.sm.Transition(ctx, o, order.Transition{
				Status: database.OrderStatusSubmitted,
				Meta: map[string]interface{}{
					order.MetaKeySource: "open_orders_snapshot",
					order.MetaKeyReason: "visible in broker open orders",
				},
			}); err != nil {
				if errors.Is(err, order.ErrInvalidTransition) {
					summary.Warnings++
					continue
				}
				return err
			}
			summary.Promoted++
			r.recordAction(ctx, PassOpenOrders, o, "promoted", "visible in open orders snapshot")
			continue
		}

		if present || !fresh {
			continue
		}

		// 缺席推断只作用于券商已受理过的订单：
		// NEW 订单可能尚未抵达券商，CANCEL_REQUESTED 由取消终结轮次处理
		if o.Status != database.OrderStatusSubmitted && o.Status != database.OrderStatusPartial {
			continue
		}

		if err := r.sm.Transition(ctx, o, order.Transition{
			Status: database.OrderStatusCanceled,
			Meta: map[string]interface{}{
				order.MetaKeySource:           "open_orders_snapshot",
				order.MetaKeyReason:           "missing from open orders",
				order.MetaKeyCancelConfidence: order.ConfidenceLow,
			},
		}); err != nil {
			if errors.Is(err, order.ErrInvalidTransition) {
				summary.Warnings++
				continue
			}
			return err
		}
		summary.Canceled++
		r.recordAction(ctx, PassOpenOrders, o, "canceled", "missing from open orders snapshot")
	}

	return nil
}
