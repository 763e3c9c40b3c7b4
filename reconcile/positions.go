package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"equiledger/broker"
	"equiledger/database"
	"equiledger/logger"
	"equiledger/order"
)

// RunPositions 持仓快照对账（置信度最低，只做回收）
// 仅凭挂单快照缺席推断出的取消，如果基线加已记录成交之外的持仓变动
// 恰好等于订单的方向与数量，说明挂单快照与成交赛跑漏报了成交，
// 把订单从 CANCELED 回收为 FILLED 并按快照均价合成成交
func (r *Reconciler) RunPositions(ctx context.Context) (*PassSummary, error) {
	return r.runPass(ctx, PassPositions, r.reconcilePositions)
}

func (r *Reconciler) reconcilePositions(ctx context.Context, summary *PassSummary) error {
	snap, err := r.snapshots.ReadPositions()
	if err != nil {
		return fmt.Errorf("读取持仓快照失败: %w", err)
	}
	if !r.snapshots.IsFresh(snap.RefreshedAt, snap.Stale) {
		logger.Warn("⚠️ [对账:positions] 快照过期，跳过本轮回收")
		summary.Warnings++
		return nil
	}

	baseline, err := r.db.GetLatestBaseline(ctx)
	if err != nil {
		return fmt.Errorf("读取基线失败: %w", err)
	}
	if baseline == nil {
		// 首次运行没有基线，直接用当前快照建立
		if err := r.saveBaselineFromSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("建立初始基线失败: %w", err)
		}
		logger.Info("✅ [对账:positions] 已从持仓快照建立初始基线")
		return nil
	}

	var baselineItems []database.BaselinePosition
	if err := json.Unmarshal([]byte(baseline.Positions), &baselineItems); err != nil {
		return fmt.Errorf("解析基线持仓失败: %w", err)
	}
	baselineQty := make(map[string]float64, len(baselineItems))
	baselineCost := make(map[string]float64, len(baselineItems))
	for _, item := range baselineItems {
		baselineQty[item.Symbol] = item.Quantity
		baselineCost[item.Symbol] = item.AvgCost
	}

	// 低置信度取消且未回收过的订单才是候选
	canceled, err := r.db.GetOrders(ctx, &database.OrderFilter{
		Statuses: []string{database.OrderStatusCanceled},
	})
	if err != nil {
		return fmt.Errorf("查询已取消订单失败: %w", err)
	}
	var candidates []*database.Order
	for _, o := range canceled {
		if order.MetadataString(o.Metadata, order.MetaKeyCancelConfidence) != order.ConfidenceLow {
			continue
		}
		if order.MetadataBool(o.Metadata, order.MetaKeyRecovered) {
			continue
		}
		candidates = append(candidates, o)
	}
	if len(candidates) == 0 {
		return r.maybeRefreshBaseline(ctx, snap, baseline)
	}

	// 基线以来已记录成交的带符号净变动
	fills, err := r.db.GetFills(ctx, &database.FillFilter{Since: &baseline.CreatedAt})
	if err != nil {
		return fmt.Errorf("查询基线以来成交失败: %w", err)
	}
	orderCache := make(map[int64]*database.Order)
	signedDelta := make(map[string]float64)
	for _, f := range fills {
		o, ok := orderCache[f.OrderID]
		if !ok {
			o, err = r.db.GetOrderByID(ctx, f.OrderID)
			if err != nil {
				return err
			}
			if o == nil {
				continue
			}
			orderCache[f.OrderID] = o
		}
		if o.Side == database.SideSell {
			signedDelta[o.Symbol] -= f.Quantity
		} else {
			signedDelta[o.Symbol] += f.Quantity
		}
	}

	const epsilon = 1e-6
	for _, o := range candidates {
		summary.Checked++

		remaining := o.Quantity - o.FilledQty
		if remaining <= epsilon {
			continue
		}
		expected := remaining
		if o.Side == database.SideSell {
			expected = -remaining
		}

		var reported float64
		var avgCost float64
		if pos, ok := snap.Position(o.Symbol); ok {
			reported = pos.Quantity
			avgCost = pos.AvgCost
		}

		implied := reported - (baselineQty[o.Symbol] + signedDelta[o.Symbol])
		if math.Abs(implied-expected) > epsilon {
			continue
		}

		// 平仓后标的会从快照消失，均价退到基线成本再退到限价；
		// 零价合成成交会污染已实现盈亏，宁可留给下一轮
		price := avgCost
		if price <= 0 {
			price = baselineCost[o.Symbol]
		}
		if price <= 0 {
			price = o.LimitPrice
		}
		if price <= 0 {
			summary.Warnings++
			logger.Warn("⚠️ [对账:positions] 订单 #%d [%s] 无可用均价，暂不回收", o.ID, o.Symbol)
			continue
		}
		synthetic := &database.Fill{
			OrderID:   o.ID,
			Quantity:  remaining,
			Price:     price,
			EventTime: snap.RefreshedAt,
			Metadata:  `{"source":"positions_recovery","synthetic":true}`,
		}
		reason := fmt.Sprintf("position delta %+.4f matched order direction and size", implied)
		if err := r.sm.Recover(ctx, o, synthetic, reason); err != nil {
			summary.Warnings++
			logger.Warn("⚠️ [对账:positions] 订单 #%d 回收失败: %v", o.ID, err)
			continue
		}

		// 回收消耗掉这段持仓变动，避免同一变动支撑多个候选
		signedDelta[o.Symbol] += expected
		summary.Recovered++
		r.recordAction(ctx, PassPositions, o, "recovered", reason)
	}

	return r.maybeRefreshBaseline(ctx, snap, baseline)
}

// maybeRefreshBaseline 账本静止且基线之后已有成交时，用新快照另起一条基线。
// 基线只新增不修改，盈亏引擎按最新一条计算
func (r *Reconciler) maybeRefreshBaseline(ctx context.Context, snap *broker.PositionsSnapshot, baseline *database.Baseline) error {
	open, err := r.db.GetOrders(ctx, &database.OrderFilter{
		Statuses: []string{
			database.OrderStatusNew,
			database.OrderStatusSubmitted,
			database.OrderStatusPartial,
			database.OrderStatusCancelRequested,
		},
	})
	if err != nil {
		return fmt.Errorf("查询未终态订单失败: %w", err)
	}
	if len(open) > 0 {
		return nil
	}

	fills, err := r.db.GetFills(ctx, &database.FillFilter{Since: &baseline.CreatedAt})
	if err != nil {
		return fmt.Errorf("查询基线以来成交失败: %w", err)
	}
	if len(fills) == 0 {
		return nil
	}

	if err := r.saveBaselineFromSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("刷新基线失败: %w", err)
	}
	logger.Info("✅ [对账:positions] 账本静止，基线已刷新（折算 %d 笔成交）", len(fills))
	return nil
}

func (r *Reconciler) saveBaselineFromSnapshot(ctx context.Context, snap *broker.PositionsSnapshot) error {
	items := make([]database.BaselinePosition, 0, len(snap.Items))
	for _, p := range snap.Items {
		items = append(items, database.BaselinePosition{
			Symbol:   p.Symbol,
			Quantity: p.Quantity,
			AvgCost:  p.AvgCost,
		})
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return r.db.SaveBaseline(ctx, &database.Baseline{
		Positions: string(payload),
		CreatedAt: snap.RefreshedAt,
	})
}
