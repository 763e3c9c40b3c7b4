package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"equiledger/database"
	"equiledger/event"
)

func newTestStateMachine() (*StateMachine, *database.MemoryDatabase) {
	db := database.NewMemoryDatabase()
	return NewStateMachine(db, event.NewEventBus(100)), db
}

func newTestOrder(db *database.MemoryDatabase, status string, qty float64) *database.Order {
	o := &database.Order{
		Tag:       "desk:run-1:0:AAPL",
		Symbol:    "AAPL",
		Side:      database.SideBuy,
		Quantity:  qty,
		OrderType: database.OrderTypeLimit,
		Status:    status,
	}
	_ = db.CreateOrder(context.Background(), o)
	return o
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    string
		to      string
		allowed bool
	}{
		{database.OrderStatusNew, database.OrderStatusSubmitted, true},
		{database.OrderStatusSubmitted, database.OrderStatusPartial, true},
		{database.OrderStatusPartial, database.OrderStatusFilled, true},
		{database.OrderStatusCancelRequested, database.OrderStatusFilled, true},
		{database.OrderStatusCancelRequested, database.OrderStatusCanceled, true},
		{database.OrderStatusFilled, database.OrderStatusCanceled, false},
		{database.OrderStatusCanceled, database.OrderStatusSubmitted, false},
		{database.OrderStatusRejected, database.OrderStatusFilled, false},
		{database.OrderStatusSubmitted, database.OrderStatusNew, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.allowed {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.allowed)
		}
	}

	t.Log("✅ 状态迁移表测试通过")
}

func TestTerminalRejectsTransition(t *testing.T) {
	sm, db := newTestStateMachine()
	ctx := context.Background()

	o := newTestOrder(db, database.OrderStatusFilled, 10)
	err := sm.Transition(ctx, o, Transition{Status: database.OrderStatusCanceled})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("终态订单迁移应返回 ErrInvalidTransition, 得到 %v", err)
	}

	saved, _ := db.GetOrderByID(ctx, o.ID)
	if saved.Status != database.OrderStatusFilled {
		t.Errorf("终态订单状态不应被修改, 得到 %s", saved.Status)
	}

	t.Log("✅ 终态拒绝迁移测试通过")
}

func TestMetadataMergeKeepsKeys(t *testing.T) {
	sm, db := newTestStateMachine()
	ctx := context.Background()

	o := newTestOrder(db, database.OrderStatusNew, 10)
	if err := sm.Transition(ctx, o, Transition{
		Status: database.OrderStatusSubmitted,
		Meta:   map[string]interface{}{MetaKeySource: "event_log", "submit_pid": 1234},
	}); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}
	if err := sm.Transition(ctx, o, Transition{
		Status: database.OrderStatusPartial,
		Meta:   map[string]interface{}{MetaKeySource: "fill"},
	}); err != nil {
		t.Fatalf("迁移失败: %v", err)
	}

	meta := ParseMetadata(o.Metadata)
	if meta[MetaKeySource] != "fill" {
		t.Errorf("后写的 source 应覆盖同名键, 得到 %v", meta[MetaKeySource])
	}
	if _, ok := meta["submit_pid"]; !ok {
		t.Error("并入不应丢弃先前写入的键 submit_pid")
	}
	if _, ok := meta[MetaKeyLastTransitionAt]; !ok {
		t.Error("每次迁移都应记录时间戳")
	}

	t.Log("✅ 元数据并入测试通过")
}

func TestApplyFillPartialThenFilled(t *testing.T) {
	sm, db := newTestStateMachine()
	ctx := context.Background()

	o := newTestOrder(db, database.OrderStatusSubmitted, 10)
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	applied, err := sm.ApplyFill(ctx, o, &database.Fill{
		OrderID: o.ID, Quantity: 4, Price: 100, EventTime: base,
	})
	if err != nil || !applied {
		t.Fatalf("首笔成交应用失败: applied=%v err=%v", applied, err)
	}
	if o.Status != database.OrderStatusPartial {
		t.Errorf("部分成交后状态应为 PARTIAL, 得到 %s", o.Status)
	}

	applied, err = sm.ApplyFill(ctx, o, &database.Fill{
		OrderID: o.ID, Quantity: 6, Price: 102, EventTime: base.Add(time.Minute),
	})
	if err != nil || !applied {
		t.Fatalf("第二笔成交应用失败: applied=%v err=%v", applied, err)
	}
	if o.Status != database.OrderStatusFilled {
		t.Errorf("满额成交后状态应为 FILLED, 得到 %s", o.Status)
	}
	if o.FilledQty != 10 {
		t.Errorf("累计成交量应为 10, 得到 %f", o.FilledQty)
	}

	// 均价 = (4*100 + 6*102) / 10 = 101.2
	if o.AvgFillPrice < 101.19 || o.AvgFillPrice > 101.21 {
		t.Errorf("加权均价应为 101.2, 得到 %f", o.AvgFillPrice)
	}

	// 数量守恒：成交记录之和等于订单累计成交量
	fills, _ := db.GetFills(ctx, &database.FillFilter{OrderID: o.ID})
	var sum float64
	for _, f := range fills {
		sum += f.Quantity
	}
	if sum != o.FilledQty {
		t.Errorf("成交记录之和 %f 应等于累计成交量 %f", sum, o.FilledQty)
	}

	t.Log("✅ 部分成交到满额成交测试通过")
}

func TestApplyFillDuplicateSkipped(t *testing.T) {
	sm, db := newTestStateMachine()
	ctx := context.Background()

	o := newTestOrder(db, database.OrderStatusSubmitted, 10)
	eventTime := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	fill := func() *database.Fill {
		return &database.Fill{OrderID: o.ID, Quantity: 4, Price: 100, EventTime: eventTime}
	}

	applied, err := sm.ApplyFill(ctx, o, fill())
	if err != nil || !applied {
		t.Fatalf("首次成交应被接受: applied=%v err=%v", applied, err)
	}
	applied, err = sm.ApplyFill(ctx, o, fill())
	if err != nil {
		t.Fatalf("重复成交不应报错: %v", err)
	}
	if applied {
		t.Error("重复成交应被跳过")
	}
	if o.FilledQty != 4 {
		t.Errorf("重复成交不应改变累计量, 得到 %f", o.FilledQty)
	}

	// 同一执行编号也视为重复
	applied, _ = sm.ApplyFill(ctx, o, &database.Fill{
		OrderID: o.ID, Quantity: 2, Price: 101, ExecID: "exec-1",
		EventTime: eventTime.Add(time.Minute),
	})
	if !applied {
		t.Fatal("新执行编号的成交应被接受")
	}
	applied, _ = sm.ApplyFill(ctx, o, &database.Fill{
		OrderID: o.ID, Quantity: 3, Price: 99, ExecID: "exec-1",
		EventTime: eventTime.Add(2 * time.Minute),
	})
	if applied {
		t.Error("相同执行编号的成交应被跳过")
	}

	t.Log("✅ 重复成交跳过测试通过")
}

func TestApplyFillCappedAtRequested(t *testing.T) {
	sm, db := newTestStateMachine()
	ctx := context.Background()

	o := newTestOrder(db, database.OrderStatusSubmitted, 10)
	applied, err := sm.ApplyFill(ctx, o, &database.Fill{
		OrderID: o.ID, Quantity: 15, Price: 100,
		EventTime: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
	})
	if err != nil || !applied {
		t.Fatalf("成交应用失败: applied=%v err=%v", applied, err)
	}
	if o.FilledQty != 10 {
		t.Errorf("累计成交量不得超过请求量, 得到 %f", o.FilledQty)
	}
	if o.Status != database.OrderStatusFilled {
		t.Errorf("满额后状态应为 FILLED, 得到 %s", o.Status)
	}

	t.Log("✅ 成交量截断测试通过")
}

func TestApplyFillGrowsSynthesizedOrder(t *testing.T) {
	sm, db := newTestStateMachine()
	ctx := context.Background()

	o := newTestOrder(db, database.OrderStatusSubmitted, 0)
	o.Metadata = MergeMetadata("", map[string]interface{}{MetaKeySynthesized: true})
	if err := db.SaveOrder(ctx, o); err != nil {
		t.Fatal(err)
	}

	// 请求量 0 只是事件推断的下限，真实成交必须入账
	applied, err := sm.ApplyFill(ctx, o, &database.Fill{
		OrderID: o.ID, Quantity: 5, Price: 100,
		EventTime: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
	})
	if err != nil || !applied {
		t.Fatalf("合成订单的成交应被接受: applied=%v err=%v", applied, err)
	}
	if o.Quantity != 5 || o.FilledQty != 5 {
		t.Errorf("请求量应随成交增长: quantity=%f filled=%f", o.Quantity, o.FilledQty)
	}

	applied, err = sm.ApplyFill(ctx, o, &database.Fill{
		OrderID: o.ID, Quantity: 3, Price: 102,
		EventTime: time.Date(2026, 3, 2, 14, 31, 0, 0, time.UTC),
	})
	if err != nil || !applied {
		t.Fatalf("后续成交也应被接受: applied=%v err=%v", applied, err)
	}
	if o.Quantity != 8 || o.FilledQty != 8 {
		t.Errorf("请求量应继续增长: quantity=%f filled=%f", o.Quantity, o.FilledQty)
	}

	fills, _ := db.GetFills(ctx, &database.FillFilter{OrderID: o.ID})
	if len(fills) != 2 {
		t.Errorf("两笔成交都必须落库, 得到 %d 条", len(fills))
	}

	t.Log("✅ 合成订单成交增长测试通过")
}

func TestPartialFillKeepsCancelRequested(t *testing.T) {
	sm, db := newTestStateMachine()
	ctx := context.Background()

	o := newTestOrder(db, database.OrderStatusSubmitted, 10)
	if err := sm.RequestCancel(ctx, o, nil); err != nil {
		t.Fatalf("取消请求失败: %v", err)
	}

	// 部分成交不结束取消等待，订单必须留给结果回收
	applied, err := sm.ApplyFill(ctx, o, &database.Fill{
		OrderID: o.ID, Quantity: 4, Price: 100,
		EventTime: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
	})
	if err != nil || !applied {
		t.Fatalf("取消等待期的部分成交应被接受: applied=%v err=%v", applied, err)
	}
	if o.Status != database.OrderStatusCancelRequested {
		t.Errorf("部分成交后应保持 CANCEL_REQUESTED, 得到 %s", o.Status)
	}

	// 满额成交仍然收束到 FILLED
	applied, err = sm.ApplyFill(ctx, o, &database.Fill{
		OrderID: o.ID, Quantity: 6, Price: 101,
		EventTime: time.Date(2026, 3, 2, 14, 31, 0, 0, time.UTC),
	})
	if err != nil || !applied {
		t.Fatalf("满额成交应被接受: applied=%v err=%v", applied, err)
	}
	if o.Status != database.OrderStatusFilled {
		t.Errorf("满额成交后状态应为 FILLED, 得到 %s", o.Status)
	}

	t.Log("✅ 取消等待期部分成交测试通过")
}

func TestRequestCancelIdempotentAndFillWins(t *testing.T) {
	sm, db := newTestStateMachine()
	ctx := context.Background()

	o := newTestOrder(db, database.OrderStatusSubmitted, 10)
	if err := sm.RequestCancel(ctx, o, map[string]interface{}{MetaKeyCancelCommandID: "cmd-1"}); err != nil {
		t.Fatalf("取消请求失败: %v", err)
	}
	if o.Status != database.OrderStatusCancelRequested {
		t.Fatalf("状态应为 CANCEL_REQUESTED, 得到 %s", o.Status)
	}

	// 幂等：重复请求不报错
	if err := sm.RequestCancel(ctx, o, nil); err != nil {
		t.Errorf("重复取消请求应幂等: %v", err)
	}

	// 取消确认前到达的成交优先生效
	applied, err := sm.ApplyFill(ctx, o, &database.Fill{
		OrderID: o.ID, Quantity: 10, Price: 100,
		EventTime: time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
	})
	if err != nil || !applied {
		t.Fatalf("取消等待期的成交应被接受: applied=%v err=%v", applied, err)
	}
	if o.Status != database.OrderStatusFilled {
		t.Errorf("成交应优先于取消, 状态应为 FILLED, 得到 %s", o.Status)
	}

	// 迟到的取消结果不得覆盖 FILLED
	err = sm.Transition(ctx, o, Transition{Status: database.OrderStatusCanceled})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("FILLED 订单不应再被取消, 得到 %v", err)
	}

	// 终态订单的新取消请求是无操作错误
	if err := sm.RequestCancel(ctx, o, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("终态订单的取消请求应返回 ErrInvalidTransition, 得到 %v", err)
	}

	t.Log("✅ 取消幂等与成交优先测试通过")
}

func TestRecoverRequiresLowConfidence(t *testing.T) {
	sm, db := newTestStateMachine()
	ctx := context.Background()

	// 高置信度取消不允许回收
	high := newTestOrder(db, database.OrderStatusNew, 5)
	_ = sm.Transition(ctx, high, Transition{
		Status: database.OrderStatusCanceled,
		Meta:   map[string]interface{}{MetaKeyCancelConfidence: ConfidenceHigh},
	})
	err := sm.Recover(ctx, high, nil, "position delta matched")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("高置信度取消的回收应被拒绝, 得到 %v", err)
	}

	// 低置信度取消允许回收，合成成交按回报均价入账
	low := &database.Order{
		Tag: "desk:run-1:1:MSFT", Symbol: "MSFT", Side: database.SideBuy,
		Quantity: 5, OrderType: database.OrderTypeLimit, Status: database.OrderStatusNew,
	}
	_ = db.CreateOrder(ctx, low)
	_ = sm.Transition(ctx, low, Transition{
		Status: database.OrderStatusCanceled,
		Meta: map[string]interface{}{
			MetaKeyCancelConfidence: ConfidenceLow,
			MetaKeyReason:           "missing from open orders",
		},
	})

	synthetic := &database.Fill{
		OrderID: low.ID, Quantity: 5, Price: 310.5,
		EventTime: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
	if err := sm.Recover(ctx, low, synthetic, "position delta matched order size"); err != nil {
		t.Fatalf("低置信度取消的回收失败: %v", err)
	}
	if low.Status != database.OrderStatusFilled {
		t.Errorf("回收后状态应为 FILLED, 得到 %s", low.Status)
	}
	if low.FilledQty != 5 || low.AvgFillPrice != 310.5 {
		t.Errorf("合成成交未正确入账: qty=%f avg=%f", low.FilledQty, low.AvgFillPrice)
	}
	if !MetadataBool(low.Metadata, MetaKeyRecovered) {
		t.Error("回收订单应带 recovered 标记")
	}

	// 回收具有单调性：FILLED 为终态，后续取消写入全部被拒绝
	err = sm.Transition(ctx, low, Transition{Status: database.OrderStatusCanceled})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("回收后的订单不应再被取消, 得到 %v", err)
	}

	t.Log("✅ 低置信度回收测试通过")
}
