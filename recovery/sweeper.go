package recovery

import (
	"context"
	"fmt"
	"time"

	"equiledger/broker"
	"equiledger/database"
	"equiledger/event"
	"equiledger/logger"
	"equiledger/metrics"
	"equiledger/order"
	"equiledger/safety"
	"equiledger/utils"
)

// Config 自动补单配置
type Config struct {
	OrderTimeout       time.Duration // NEW 订单滞留阈值
	MaxAttempts        int           // 单链最大补单次数
	MaxPriceDeviation  float64       // 限价与行情的最大偏离比例
	AllowExtendedHours bool          // 行情缺失或过期时是否仍然补单
}

// Reachability 券商连通性判断
type Reachability interface {
	Reachable() bool
}

// CancelRequester 取消请求入口
type CancelRequester interface {
	RequestCancel(ctx context.Context, o *database.Order) error
}

// Summary 单轮扫描统计
type Summary struct {
	Scanned  int
	Replaced int
	Retired  int // 达到补单上限后归入 SKIPPED 的订单
	Skipped  int
}

// Sweeper 超时订单补单器
// 定期扫描长期停留在 NEW 且无成交的订单，取消后以新标签重新下单；
// 每次补单都留有血缘，补单链长度受上限约束
type Sweeper struct {
	cfg          *Config
	db           database.Database
	sm           *order.StateMachine
	guard        *safety.TradingGuard
	connectivity Reachability
	snapshots    *broker.SnapshotReader
	canceler     CancelRequester
	eventBus     *event.EventBus
}

// NewSweeper 创建补单器
func NewSweeper(cfg *Config, db database.Database, sm *order.StateMachine,
	guard *safety.TradingGuard, connectivity Reachability,
	snapshots *broker.SnapshotReader, canceler CancelRequester, eventBus *event.EventBus) *Sweeper {
	if cfg.OrderTimeout <= 0 {
		cfg.OrderTimeout = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxPriceDeviation <= 0 {
		cfg.MaxPriceDeviation = 0.02
	}
	return &Sweeper{
		cfg:          cfg,
		db:           db,
		sm:           sm,
		guard:        guard,
		connectivity: connectivity,
		snapshots:    snapshots,
		canceler:     canceler,
		eventBus:     eventBus,
	}
}

// Sweep 执行一轮扫描
// 交易被熔断或券商不可达时整轮跳过，不做任何补单动作
func (s *Sweeper) Sweep(ctx context.Context) (*Summary, error) {
	summary := &Summary{}

	if s.guard != nil && s.guard.Halted() {
		logger.Warn("🛑 交易已熔断(%s)，跳过本轮补单", s.guard.Reason())
		metrics.GetPrometheusMetrics().RecordRecoverySkipped("halted")
		return summary, nil
	}
	if s.connectivity != nil && !s.connectivity.Reachable() {
		logger.Warn("⚠️ 券商进程不可达，跳过本轮补单")
		metrics.GetPrometheusMetrics().RecordRecoverySkipped("broker_unreachable")
		s.publish(event.EventTypeBrokerUnreachable, map[string]interface{}{
			"reason": "recovery sweep skipped",
		})
		return summary, nil
	}

	cutoff := utils.NowUTC().Add(-s.cfg.OrderTimeout)
	orders, err := s.db.GetOrders(ctx, &database.OrderFilter{
		Statuses:   []string{database.OrderStatusNew},
		ZeroFilled: true,
		OlderThan:  &cutoff,
	})
	if err != nil {
		return nil, fmt.Errorf("查询滞留订单失败: %w", err)
	}

	var quotes *broker.QuotesSnapshot
	if s.snapshots != nil {
		quotes, _ = s.snapshots.ReadQuotes()
	}

	for _, o := range orders {
		summary.Scanned++
		if err := s.sweepOrder(ctx, o, quotes, summary); err != nil {
			logger.Error("❌ 处理滞留订单 #%d 失败: %v", o.ID, err)
		}
	}

	if summary.Scanned > 0 {
		logger.Info("🔄 补单扫描完成: 扫描 %d, 补单 %d, 封存 %d, 跳过 %d",
			summary.Scanned, summary.Replaced, summary.Retired, summary.Skipped)
	}
	return summary, nil
}

func (s *Sweeper) sweepOrder(ctx context.Context, o *database.Order, quotes *broker.QuotesSnapshot, summary *Summary) error {
	// 补单链到达上限后封存，不再无限追
	if o.Attempt >= s.cfg.MaxAttempts {
		summary.Retired++
		metrics.GetPrometheusMetrics().RecordRecoverySkipped("max_attempts")
		logger.Warn("⏹️ 订单 #%d [%s] 补单已达上限 %d 次，封存", o.ID, o.Symbol, s.cfg.MaxAttempts)
		return s.sm.Transition(ctx, o, order.Transition{
			Status: database.OrderStatusSkipped,
			Meta: map[string]interface{}{
				order.MetaKeySource: "recovery_sweeper",
				order.MetaKeyReason: fmt.Sprintf("补单次数达到上限 %d", s.cfg.MaxAttempts),
			},
		})
	}

	// 价格偏离的限价单保留原状，等待行情回归后重新评估
	blocked, reason := s.replacementBlocked(o, quotes)
	if blocked && reason == "price_deviation" {
		summary.Skipped++
		metrics.GetPrometheusMetrics().RecordRecoverySkipped(reason)
		logger.Debug("⏳ 订单 #%d [%s] 暂不补单: %s", o.ID, o.Symbol, reason)
		return nil
	}

	if err := s.cancelOriginal(ctx, o); err != nil {
		return err
	}

	// 行情缺失或过期时只撤原单，不在盘外制造新的敞口
	if blocked {
		summary.Skipped++
		metrics.GetPrometheusMetrics().RecordRecoverySkipped(reason)
		logger.Warn("⏳ 订单 #%d [%s] 已撤单但暂不补单: %s", o.ID, o.Symbol, reason)
		return nil
	}

	return s.replace(ctx, o, summary)
}

// replacementBlocked 判断此刻是否不宜登记补单
// 行情缺失或过期对所有订单生效；价格偏离仅针对限价单
func (s *Sweeper) replacementBlocked(o *database.Order, quotes *broker.QuotesSnapshot) (bool, string) {
	if quotes == nil || (s.snapshots != nil && !s.snapshots.IsFresh(quotes.RefreshedAt, quotes.Stale)) {
		if s.cfg.AllowExtendedHours {
			return false, ""
		}
		return true, "stale_quote"
	}

	quote, ok := quotes.Quote(o.Symbol)
	if !ok {
		if s.cfg.AllowExtendedHours {
			return false, ""
		}
		return true, "no_quote"
	}

	if o.LimitPrice > 0 {
		ref := quote.Last
		if quote.Bid > 0 && quote.Ask > 0 {
			ref = (quote.Bid + quote.Ask) / 2
		}
		if safety.PriceDeviationExceeded(o.LimitPrice, ref, s.cfg.MaxPriceDeviation) {
			return true, "price_deviation"
		}
	}
	return false, ""
}

// cancelOriginal 关闭滞留原单
// 已被券商受理过的订单走取消协议，未受理的直接落终态
func (s *Sweeper) cancelOriginal(ctx context.Context, o *database.Order) error {
	if o.BrokerOrderID > 0 && s.canceler != nil {
		if err := s.canceler.RequestCancel(ctx, o); err != nil {
			return fmt.Errorf("取消原单失败: %w", err)
		}
		return nil
	}
	if err := s.sm.Transition(ctx, o, order.Transition{
		Status: database.OrderStatusCanceled,
		Meta: map[string]interface{}{
			order.MetaKeySource:           "recovery_sweeper",
			order.MetaKeyReason:           "超时未受理，补单替换",
			order.MetaKeyCancelConfidence: order.ConfidenceHigh,
		},
	}); err != nil {
		return fmt.Errorf("登记原单取消失败: %w", err)
	}
	return nil
}

// replace 以新标签重新登记
func (s *Sweeper) replace(ctx context.Context, o *database.Order, summary *Summary) error {
	attempt := o.Attempt + 1
	replacement := &database.Order{
		RunID:         o.RunID,
		RunIndex:      o.RunIndex,
		Tag:           utils.DeriveReplacementTag(o.Tag, attempt),
		Symbol:        o.Symbol,
		Side:          o.Side,
		Quantity:      o.Quantity,
		OrderType:     o.OrderType,
		LimitPrice:    o.LimitPrice,
		Status:        database.OrderStatusNew,
		Attempt:       attempt,
		ParentOrderID: &o.ID,
		Metadata: order.MergeMetadata("", map[string]interface{}{
			order.MetaKeySource:        "recovery_sweeper",
			order.MetaKeyReplacementOf: o.Tag,
		}),
	}
	if err := s.db.CreateOrder(ctx, replacement); err != nil {
		return fmt.Errorf("登记补单失败: %w", err)
	}

	o.Metadata = order.MergeMetadata(o.Metadata, map[string]interface{}{
		order.MetaKeyReplacedBy: replacement.Tag,
	})
	if err := s.db.SaveOrder(ctx, o); err != nil {
		return fmt.Errorf("回写原单血缘失败: %w", err)
	}

	summary.Replaced++
	metrics.GetPrometheusMetrics().RecordRecoveryReplacement(o.Symbol)
	logger.Info("🚀 订单 #%d [%s] 已补单: %s (第 %d 次)", o.ID, o.Symbol, replacement.Tag, attempt)
	s.publish(event.EventTypeRecoveryReplacement, map[string]interface{}{
		"order_id":       o.ID,
		"replacement_id": replacement.ID,
		"symbol":         o.Symbol,
		"tag":            replacement.Tag,
		"attempt":        attempt,
	})
	return nil
}

func (s *Sweeper) publish(eventType event.EventType, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(&event.Event{
		Type:      eventType,
		Timestamp: utils.NowUTC(),
		Data:      data,
	})
}
