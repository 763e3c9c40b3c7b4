package reconcile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"equiledger/broker"
	"equiledger/database"
	"equiledger/event"
	"equiledger/lock"
	"equiledger/order"
)

// stubHistory 固定返回的历史查询
type stubHistory struct {
	rows []broker.CompletedOrder
	err  error
}

func (s *stubHistory) CompletedOrders(ctx context.Context) ([]broker.CompletedOrder, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.rows, nil
}

type testEnv struct {
	db  *database.MemoryDatabase
	sm  *order.StateMachine
	r   *Reconciler
	dir string
}

func newTestEnv(t *testing.T, history broker.HistoryClient) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db := database.NewMemoryDatabase()
	sm := order.NewStateMachine(db, event.NewEventBus(100))
	snapshots := broker.NewSnapshotReader(dir, time.Minute)
	r := NewReconciler(db, sm, snapshots, history, lock.NewNopLock(), time.Nanosecond)
	return &testEnv{db: db, sm: sm, r: r, dir: dir}
}

func (e *testEnv) writeSnapshot(t *testing.T, name string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.dir, name), data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (e *testEnv) createOrder(t *testing.T, tag, symbol, side, status string, qty float64) *database.Order {
	t.Helper()
	o := &database.Order{
		Tag: tag, Symbol: symbol, Side: side, Quantity: qty,
		OrderType: database.OrderTypeLimit, LimitPrice: 100, Status: status,
	}
	if err := e.db.CreateOrder(context.Background(), o); err != nil {
		t.Fatal(err)
	}
	return o
}

func TestCompletedPassFillWins(t *testing.T) {
	history := &stubHistory{rows: []broker.CompletedOrder{
		{OrderID: 501, Symbol: "AAPL", Side: "BUY", Status: "Cancelled", OrderRef: "desk:run-1:0:AAPL"},
		{OrderID: 501, Symbol: "AAPL", Side: "BUY", Status: "Filled", OrderRef: "desk:run-1:0:AAPL"},
		{OrderID: 502, Symbol: "MSFT", Side: "SELL", Status: "Cancelled", OrderRef: "desk:run-1:1:MSFT"},
	}}
	env := newTestEnv(t, history)
	ctx := context.Background()

	both := env.createOrder(t, "desk:run-1:0:AAPL", "AAPL", database.SideBuy, database.OrderStatusSubmitted, 10)
	cancelOnly := env.createOrder(t, "desk:run-1:1:MSFT", "MSFT", database.SideSell, database.OrderStatusSubmitted, 5)

	summary, err := env.r.RunCompleted(ctx)
	if err != nil {
		t.Fatalf("轮次执行失败: %v", err)
	}

	got, _ := env.db.GetOrderByID(ctx, both.ID)
	if got.Status != database.OrderStatusSubmitted {
		t.Errorf("同时存在成交处置的订单不应被取消, 状态 %s", got.Status)
	}

	got, _ = env.db.GetOrderByID(ctx, cancelOnly.ID)
	if got.Status != database.OrderStatusCanceled {
		t.Errorf("仅取消处置的订单应被终结, 状态 %s", got.Status)
	}
	if order.MetadataString(got.Metadata, order.MetaKeyCancelConfidence) != order.ConfidenceHigh {
		t.Error("历史对账取消应为高置信度")
	}
	if summary.Canceled != 1 {
		t.Errorf("应取消 1 单, 得到 %d", summary.Canceled)
	}

	t.Log("✅ 成交优先于历史取消处置测试通过")
}

func TestCompletedPassThrottledDefers(t *testing.T) {
	env := newTestEnv(t, &stubHistory{err: broker.ErrThrottled})
	env.createOrder(t, "desk:run-1:0:AAPL", "AAPL", database.SideBuy, database.OrderStatusSubmitted, 10)

	summary, err := env.r.RunCompleted(context.Background())
	if err != nil {
		t.Fatalf("限流应顺延而非失败: %v", err)
	}
	if summary.Skipped != 1 {
		t.Errorf("限流应计入跳过, 得到 %d", summary.Skipped)
	}

	t.Log("✅ 历史限流顺延测试通过")
}

func TestOpenOrdersPassInference(t *testing.T) {
	env := newTestEnv(t, &stubHistory{})
	ctx := context.Background()

	visible := env.createOrder(t, "desk:run-2:0:AAPL", "AAPL", database.SideBuy, database.OrderStatusNew, 10)
	missing := env.createOrder(t, "desk:run-2:1:MSFT", "MSFT", database.SideSell, database.OrderStatusSubmitted, 5)
	freshNew := env.createOrder(t, "desk:run-2:2:NVDA", "NVDA", database.SideBuy, database.OrderStatusNew, 3)

	env.writeSnapshot(t, broker.OpenOrdersFile, &broker.OpenOrdersSnapshot{
		Items:       []broker.OpenOrderItem{{Tag: visible.Tag, Symbol: "AAPL", Status: "Submitted"}},
		RefreshedAt: time.Now(),
		Stale:       false,
	})

	if _, err := env.r.RunOpenOrders(ctx); err != nil {
		t.Fatalf("轮次执行失败: %v", err)
	}

	got, _ := env.db.GetOrderByID(ctx, visible.ID)
	if got.Status != database.OrderStatusSubmitted {
		t.Errorf("快照可见的 NEW 订单应提升为 SUBMITTED, 得到 %s", got.Status)
	}

	got, _ = env.db.GetOrderByID(ctx, missing.ID)
	if got.Status != database.OrderStatusCanceled {
		t.Errorf("快照缺席的 SUBMITTED 订单应推断取消, 得到 %s", got.Status)
	}
	if order.MetadataString(got.Metadata, order.MetaKeyCancelConfidence) != order.ConfidenceLow {
		t.Error("缺席推断应为低置信度取消")
	}

	got, _ = env.db.GetOrderByID(ctx, freshNew.ID)
	if got.Status != database.OrderStatusNew {
		t.Errorf("尚未受理的 NEW 订单不应被缺席推断取消, 得到 %s", got.Status)
	}

	t.Log("✅ 挂单快照推断测试通过")
}

func TestOpenOrdersPassStaleSnapshotNeverCancels(t *testing.T) {
	env := newTestEnv(t, &stubHistory{})
	ctx := context.Background()

	o := env.createOrder(t, "desk:run-3:0:AAPL", "AAPL", database.SideBuy, database.OrderStatusSubmitted, 10)

	env.writeSnapshot(t, broker.OpenOrdersFile, &broker.OpenOrdersSnapshot{
		Items:       nil,
		RefreshedAt: time.Now(),
		Stale:       true, // 生产者标记过期
	})

	if _, err := env.r.RunOpenOrders(ctx); err != nil {
		t.Fatalf("轮次执行失败: %v", err)
	}

	got, _ := env.db.GetOrderByID(ctx, o.ID)
	if got.Status != database.OrderStatusSubmitted {
		t.Errorf("过期快照不得用于推断取消, 状态 %s", got.Status)
	}

	t.Log("✅ 过期快照不取消测试通过")
}

func TestOpenOrdersPassIdempotent(t *testing.T) {
	env := newTestEnv(t, &stubHistory{})
	ctx := context.Background()

	o := env.createOrder(t, "desk:run-4:0:AAPL", "AAPL", database.SideBuy, database.OrderStatusSubmitted, 10)
	env.writeSnapshot(t, broker.OpenOrdersFile, &broker.OpenOrdersSnapshot{
		RefreshedAt: time.Now(),
	})

	if _, err := env.r.RunOpenOrders(ctx); err != nil {
		t.Fatal(err)
	}
	first, _ := env.db.GetOrderByID(ctx, o.ID)
	if first.Status != database.OrderStatusCanceled {
		t.Fatalf("首轮应推断取消, 得到 %s", first.Status)
	}

	// 同一快照重跑：订单已终态，无进一步变更
	summary, err := env.r.RunOpenOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Canceled != 0 {
		t.Errorf("重跑不应再取消, 得到 %d", summary.Canceled)
	}
	second, _ := env.db.GetOrderByID(ctx, o.ID)
	if second.UpdatedAt != first.UpdatedAt && second.Status != first.Status {
		t.Error("重跑产生了额外变更")
	}

	t.Log("✅ 挂单对账幂等测试通过")
}

func TestPositionsPassRecovery(t *testing.T) {
	env := newTestEnv(t, &stubHistory{})
	ctx := context.Background()

	// 基线：AAPL 无持仓
	baselinePayload, _ := json.Marshal([]database.BaselinePosition{{Symbol: "AAPL", Quantity: 0, AvgCost: 0}})
	if err := env.db.SaveBaseline(ctx, &database.Baseline{
		Positions: string(baselinePayload),
		CreatedAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	// 低置信度取消的买单：持仓却增加了恰好订单数量
	o := env.createOrder(t, "desk:run-5:0:AAPL", "AAPL", database.SideBuy, database.OrderStatusSubmitted, 10)
	if err := env.sm.Transition(ctx, o, order.Transition{
		Status: database.OrderStatusCanceled,
		Meta: map[string]interface{}{
			order.MetaKeyCancelConfidence: order.ConfidenceLow,
			order.MetaKeyReason:           "missing from open orders",
		},
	}); err != nil {
		t.Fatal(err)
	}

	env.writeSnapshot(t, broker.PositionsFile, &broker.PositionsSnapshot{
		Items:       []broker.PositionItem{{Symbol: "AAPL", Quantity: 10, AvgCost: 101.5}},
		RefreshedAt: time.Now(),
	})

	summary, err := env.r.RunPositions(ctx)
	if err != nil {
		t.Fatalf("轮次执行失败: %v", err)
	}
	if summary.Recovered != 1 {
		t.Fatalf("应回收 1 单, 得到 %d", summary.Recovered)
	}

	got, _ := env.db.GetOrderByID(ctx, o.ID)
	if got.Status != database.OrderStatusFilled {
		t.Errorf("回收后状态应为 FILLED, 得到 %s", got.Status)
	}
	if got.AvgFillPrice != 101.5 {
		t.Errorf("合成成交应按快照均价入账, 得到 %f", got.AvgFillPrice)
	}

	// 重跑：订单已回收，无进一步变更
	summary, err = env.r.RunPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Recovered != 0 {
		t.Errorf("重跑不应再回收, 得到 %d", summary.Recovered)
	}

	t.Log("✅ 低置信度回收测试通过")
}

func TestPositionsPassNoMatchNoRecovery(t *testing.T) {
	env := newTestEnv(t, &stubHistory{})
	ctx := context.Background()

	baselinePayload, _ := json.Marshal([]database.BaselinePosition{})
	if err := env.db.SaveBaseline(ctx, &database.Baseline{
		Positions: string(baselinePayload),
		CreatedAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	o := env.createOrder(t, "desk:run-6:0:AAPL", "AAPL", database.SideBuy, database.OrderStatusSubmitted, 10)
	if err := env.sm.Transition(ctx, o, order.Transition{
		Status: database.OrderStatusCanceled,
		Meta:   map[string]interface{}{order.MetaKeyCancelConfidence: order.ConfidenceLow},
	}); err != nil {
		t.Fatal(err)
	}

	// 持仓变动与订单数量不符：不回收
	env.writeSnapshot(t, broker.PositionsFile, &broker.PositionsSnapshot{
		Items:       []broker.PositionItem{{Symbol: "AAPL", Quantity: 3, AvgCost: 100}},
		RefreshedAt: time.Now(),
	})

	summary, err := env.r.RunPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Recovered != 0 {
		t.Errorf("数量不匹配不应回收, 得到 %d", summary.Recovered)
	}
	got, _ := env.db.GetOrderByID(ctx, o.ID)
	if got.Status != database.OrderStatusCanceled {
		t.Errorf("订单应保持 CANCELED, 得到 %s", got.Status)
	}

	t.Log("✅ 不匹配不回收测试通过")
}

func TestPositionsPassFlattenedPositionUsesBaselineCost(t *testing.T) {
	env := newTestEnv(t, &stubHistory{})
	ctx := context.Background()

	// 基线：AAPL 持仓 10 成本 98.5，MSFT 持仓 5 但没有成本
	baselinePayload, _ := json.Marshal([]database.BaselinePosition{
		{Symbol: "AAPL", Quantity: 10, AvgCost: 98.5},
		{Symbol: "MSFT", Quantity: 5, AvgCost: 0},
	})
	if err := env.db.SaveBaseline(ctx, &database.Baseline{
		Positions: string(baselinePayload),
		CreatedAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	// 两张低置信度取消的卖单把持仓清零，标的从快照中消失
	sold := env.createOrder(t, "desk:run-9:0:AAPL", "AAPL", database.SideSell, database.OrderStatusSubmitted, 10)
	if err := env.sm.Transition(ctx, sold, order.Transition{
		Status: database.OrderStatusCanceled,
		Meta:   map[string]interface{}{order.MetaKeyCancelConfidence: order.ConfidenceLow},
	}); err != nil {
		t.Fatal(err)
	}
	noPrice := env.createOrder(t, "desk:run-9:1:MSFT", "MSFT", database.SideSell, database.OrderStatusSubmitted, 5)
	noPrice.OrderType = database.OrderTypeMarket
	noPrice.LimitPrice = 0
	if err := env.db.SaveOrder(ctx, noPrice); err != nil {
		t.Fatal(err)
	}
	if err := env.sm.Transition(ctx, noPrice, order.Transition{
		Status: database.OrderStatusCanceled,
		Meta:   map[string]interface{}{order.MetaKeyCancelConfidence: order.ConfidenceLow},
	}); err != nil {
		t.Fatal(err)
	}

	env.writeSnapshot(t, broker.PositionsFile, &broker.PositionsSnapshot{
		Items:       []broker.PositionItem{},
		RefreshedAt: time.Now(),
	})

	summary, err := env.r.RunPositions(ctx)
	if err != nil {
		t.Fatalf("轮次执行失败: %v", err)
	}
	if summary.Recovered != 1 {
		t.Fatalf("仅有成本可查的订单应被回收, 得到 %d", summary.Recovered)
	}

	// 平仓标的退回基线成本合成成交，不造零价成交
	got, _ := env.db.GetOrderByID(ctx, sold.ID)
	if got.Status != database.OrderStatusFilled {
		t.Errorf("回收后状态应为 FILLED, 得到 %s", got.Status)
	}
	if got.AvgFillPrice != 98.5 {
		t.Errorf("合成成交应按基线成本入账, 得到 %f", got.AvgFillPrice)
	}

	// 无任何可用均价的订单留在 CANCELED 等下一轮
	got, _ = env.db.GetOrderByID(ctx, noPrice.ID)
	if got.Status != database.OrderStatusCanceled {
		t.Errorf("无均价订单不应回收, 得到 %s", got.Status)
	}
	if summary.Warnings == 0 {
		t.Error("无均价的候选应计入警告")
	}

	t.Log("✅ 平仓标的按基线成本回收测试通过")
}

func TestPositionsPassBaselineBootstrapAndRefresh(t *testing.T) {
	env := newTestEnv(t, &stubHistory{})
	ctx := context.Background()

	snapAt := time.Now().Add(-30 * time.Second)
	env.writeSnapshot(t, broker.PositionsFile, &broker.PositionsSnapshot{
		Items:       []broker.PositionItem{{Symbol: "AAPL", Quantity: 10, AvgCost: 100}},
		RefreshedAt: snapAt,
	})

	// 无基线：首轮直接从快照建立
	if _, err := env.r.RunPositions(ctx); err != nil {
		t.Fatalf("轮次执行失败: %v", err)
	}
	baseline, err := env.db.GetLatestBaseline(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if baseline == nil {
		t.Fatal("首轮应建立初始基线")
	}
	var items []database.BaselinePosition
	if err := json.Unmarshal([]byte(baseline.Positions), &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Quantity != 10 {
		t.Errorf("初始基线应来自快照, 得到 %+v", items)
	}

	// 账本静止且基线后有成交：用新快照另起基线
	o := env.createOrder(t, "desk:run-7:0:AAPL", "AAPL", database.SideBuy, database.OrderStatusFilled, 5)
	if err := env.db.CreateFill(ctx, &database.Fill{
		OrderID: o.ID, Quantity: 5, Price: 102, EventTime: snapAt.Add(30 * time.Second),
	}); err != nil {
		t.Fatal(err)
	}
	env.writeSnapshot(t, broker.PositionsFile, &broker.PositionsSnapshot{
		Items:       []broker.PositionItem{{Symbol: "AAPL", Quantity: 15, AvgCost: 100.67}},
		RefreshedAt: time.Now(),
	})
	if _, err := env.r.RunPositions(ctx); err != nil {
		t.Fatal(err)
	}
	refreshed, err := env.db.GetLatestBaseline(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if refreshed.ID == baseline.ID {
		t.Fatal("静止账本应刷新基线")
	}
	if err := json.Unmarshal([]byte(refreshed.Positions), &items); err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Quantity != 15 {
		t.Errorf("刷新后的基线应折算成交, 得到 %+v", items)
	}

	// 基线后无新成交：不再刷新
	if _, err := env.r.RunPositions(ctx); err != nil {
		t.Fatal(err)
	}
	again, _ := env.db.GetLatestBaseline(ctx)
	if again.ID != refreshed.ID {
		t.Error("无新成交不应重复刷新基线")
	}

	t.Log("✅ 基线建立与刷新测试通过")
}

func TestMinIntervalSkipsPass(t *testing.T) {
	env := newTestEnv(t, &stubHistory{})
	env.r.minInterval = time.Hour

	// 首轮执行
	if _, err := env.r.RunCompleted(context.Background()); err != nil {
		t.Fatal(err)
	}
	// 间隔未到：直接跳过，返回 nil 摘要
	summary, err := env.r.RunCompleted(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary != nil {
		t.Error("未到最小间隔的轮次应被跳过")
	}

	t.Log("✅ 最小间隔跳过测试通过")
}
