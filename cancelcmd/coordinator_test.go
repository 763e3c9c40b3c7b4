package cancelcmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"equiledger/broker"
	"equiledger/database"
	"equiledger/lock"
	"equiledger/order"
	"equiledger/utils"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *database.MemoryDatabase, string) {
	t.Helper()
	dir := t.TempDir()
	db := database.NewMemoryDatabase()
	sm := order.NewStateMachine(db, nil)
	probe := &broker.StaticProbe{AlivePIDs: map[int]bool{1234: true}}
	cfg := &Config{
		BrokerDir:     dir,
		CommandExpiry: time.Minute,
	}
	return NewCoordinator(cfg, db, sm, probe, lock.NewNopLock(), nil), db, dir
}

func createCancelOrder(t *testing.T, db *database.MemoryDatabase, runID *string) *database.Order {
	t.Helper()
	o := &database.Order{
		RunID:        runID,
		Tag:          "desk:run-1:0:AAPL",
		Symbol:       "AAPL",
		Side:         "BUY",
		Quantity:     10,
		Status:       database.OrderStatusSubmitted,
		SubmittedPID: 1234,
	}
	if runID == nil {
		o.Tag = "desk:direct:abc123:AAPL"
	}
	if err := db.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("创建订单失败: %v", err)
	}
	return o
}

func writeResult(t *testing.T, baseDir, commandID, status string) {
	t.Helper()
	dir := filepath.Join(baseDir, broker.ResultsDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("创建结果目录失败: %v", err)
	}
	data := []byte(`{"command_id":"` + commandID + `","status":"` + status + `","processed_at":"2026-08-01T10:00:00Z"}`)
	if err := os.WriteFile(filepath.Join(dir, commandID+".json"), data, 0o644); err != nil {
		t.Fatalf("写入结果失败: %v", err)
	}
}

func TestRequestCancelWritesCommandAndMetadata(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	runID := "run-1"
	o := createCancelOrder(t, db, &runID)

	if err := c.RequestCancel(context.Background(), o); err != nil {
		t.Fatalf("发起取消失败: %v", err)
	}

	if o.Status != database.OrderStatusCancelRequested {
		t.Errorf("期望状态 CANCEL_REQUESTED, 实际 %s", o.Status)
	}
	commandID := order.MetadataString(o.Metadata, order.MetaKeyCancelCommandID)
	if commandID == "" {
		t.Fatal("元数据中缺少取消命令编号")
	}

	// 批次订单的命令应写入共享目录
	cmdPath := filepath.Join(c.cfg.BrokerDir, broker.CommandsDirName, commandID+".json")
	if _, err := os.Stat(cmdPath); err != nil {
		t.Errorf("共享目录中找不到命令文件: %v", err)
	}
	t.Logf("✅ 取消命令已写入: %s", commandID)
}

func TestRequestCancelDirectOrderUsesOwnDirectory(t *testing.T) {
	c, db, dir := newTestCoordinator(t)
	o := createCancelOrder(t, db, nil)

	if err := c.RequestCancel(context.Background(), o); err != nil {
		t.Fatalf("发起取消失败: %v", err)
	}

	commandID := order.MetadataString(o.Metadata, order.MetaKeyCancelCommandID)
	cmdPath := filepath.Join(dir, "direct_1", broker.CommandsDirName, commandID+".json")
	if _, err := os.Stat(cmdPath); err != nil {
		t.Errorf("直连订单目录中找不到命令文件: %v", err)
	}
}

func TestRequestCancelIdempotent(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	runID := "run-1"
	o := createCancelOrder(t, db, &runID)

	if err := c.RequestCancel(context.Background(), o); err != nil {
		t.Fatalf("第一次取消失败: %v", err)
	}
	first := order.MetadataString(o.Metadata, order.MetaKeyCancelCommandID)

	if err := c.RequestCancel(context.Background(), o); err != nil {
		t.Fatalf("重复取消应为无操作: %v", err)
	}
	second := order.MetadataString(o.Metadata, order.MetaKeyCancelCommandID)
	if first != second {
		t.Errorf("重复取消不应生成新命令: %s != %s", first, second)
	}

	entries, err := os.ReadDir(filepath.Join(c.cfg.BrokerDir, broker.CommandsDirName))
	if err != nil {
		t.Fatalf("读取命令目录失败: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("期望 1 个命令文件, 实际 %d", len(entries))
	}
}

func TestRequestCancelTerminalOrderRejected(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	runID := "run-1"
	o := createCancelOrder(t, db, &runID)
	o.Status = database.OrderStatusFilled
	if err := db.SaveOrder(context.Background(), o); err != nil {
		t.Fatalf("保存订单失败: %v", err)
	}

	err := c.RequestCancel(context.Background(), o)
	if !errors.Is(err, order.ErrInvalidTransition) {
		t.Errorf("终态订单应拒绝取消, 实际: %v", err)
	}
}

func TestFinalizePassConfirmedCancel(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	runID := "run-1"
	o := createCancelOrder(t, db, &runID)
	if err := c.RequestCancel(context.Background(), o); err != nil {
		t.Fatalf("发起取消失败: %v", err)
	}
	commandID := order.MetadataString(o.Metadata, order.MetaKeyCancelCommandID)
	writeResult(t, c.cfg.BrokerDir, commandID, broker.ResultStatusOK)

	summary, err := c.FinalizePass(context.Background())
	if err != nil {
		t.Fatalf("终结扫描失败: %v", err)
	}
	if summary.Finalized != 1 {
		t.Errorf("期望终结 1 单, 实际 %d", summary.Finalized)
	}

	got, _ := db.GetOrderByID(context.Background(), o.ID)
	if got.Status != database.OrderStatusCanceled {
		t.Errorf("期望 CANCELED, 实际 %s", got.Status)
	}
	if conf := order.MetadataString(got.Metadata, order.MetaKeyCancelConfidence); conf != order.ConfidenceHigh {
		t.Errorf("券商确认的取消应为高置信度, 实际 %q", conf)
	}
}

func TestFinalizePassNotFoundAlsoCancels(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	runID := "run-1"
	o := createCancelOrder(t, db, &runID)
	if err := c.RequestCancel(context.Background(), o); err != nil {
		t.Fatalf("发起取消失败: %v", err)
	}
	commandID := order.MetadataString(o.Metadata, order.MetaKeyCancelCommandID)
	writeResult(t, c.cfg.BrokerDir, commandID, broker.ResultStatusNotFound)

	summary, err := c.FinalizePass(context.Background())
	if err != nil {
		t.Fatalf("终结扫描失败: %v", err)
	}
	if summary.Finalized != 1 {
		t.Errorf("not_found 也应终结, 实际 %d", summary.Finalized)
	}
	got, _ := db.GetOrderByID(context.Background(), o.ID)
	if got.Status != database.OrderStatusCanceled {
		t.Errorf("期望 CANCELED, 实际 %s", got.Status)
	}
}

func TestFinalizePassPendingLeavesOrder(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	runID := "run-1"
	o := createCancelOrder(t, db, &runID)
	if err := c.RequestCancel(context.Background(), o); err != nil {
		t.Fatalf("发起取消失败: %v", err)
	}
	commandID := order.MetadataString(o.Metadata, order.MetaKeyCancelCommandID)
	writeResult(t, c.cfg.BrokerDir, commandID, broker.ResultStatusPending)

	summary, err := c.FinalizePass(context.Background())
	if err != nil {
		t.Fatalf("终结扫描失败: %v", err)
	}
	if summary.Pending != 1 || summary.Finalized != 0 {
		t.Errorf("pending 不应终结: %+v", summary)
	}
	got, _ := db.GetOrderByID(context.Background(), o.ID)
	if got.Status != database.OrderStatusCancelRequested {
		t.Errorf("期望保持 CANCEL_REQUESTED, 实际 %s", got.Status)
	}
}

func TestFinalizePassPartiallyFilledOrderStillFinalizes(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	sm := order.NewStateMachine(db, nil)
	runID := "run-1"
	o := createCancelOrder(t, db, &runID)
	if err := c.RequestCancel(context.Background(), o); err != nil {
		t.Fatalf("发起取消失败: %v", err)
	}
	commandID := order.MetadataString(o.Metadata, order.MetaKeyCancelCommandID)

	// 等待取消结果期间到达的部分成交不应让订单脱离扫描范围
	applied, err := sm.ApplyFill(context.Background(), o, &database.Fill{
		OrderID:   o.ID,
		Quantity:  4,
		Price:     189.5,
		EventTime: utils.NowUTC(),
	})
	if err != nil || !applied {
		t.Fatalf("成交应用失败: applied=%v err=%v", applied, err)
	}
	if o.Status != database.OrderStatusCancelRequested {
		t.Fatalf("部分成交后应保持 CANCEL_REQUESTED, 实际 %s", o.Status)
	}

	writeResult(t, c.cfg.BrokerDir, commandID, broker.ResultStatusOK)
	summary, err := c.FinalizePass(context.Background())
	if err != nil {
		t.Fatalf("终结扫描失败: %v", err)
	}
	if summary.Finalized != 1 {
		t.Errorf("部分成交订单也应被终结, 实际 %+v", summary)
	}
	got, _ := db.GetOrderByID(context.Background(), o.ID)
	if got.Status != database.OrderStatusCanceled {
		t.Errorf("期望 CANCELED, 实际 %s", got.Status)
	}
	if got.FilledQty != 4 {
		t.Errorf("终结不应丢失已成交数量, 实际 %f", got.FilledQty)
	}
	t.Log("✅ 部分成交的取消等待单被正常终结")
}

func TestFinalizePassFillWinsOverLateResult(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	sm := order.NewStateMachine(db, nil)
	runID := "run-1"
	o := createCancelOrder(t, db, &runID)
	if err := c.RequestCancel(context.Background(), o); err != nil {
		t.Fatalf("发起取消失败: %v", err)
	}
	commandID := order.MetadataString(o.Metadata, order.MetaKeyCancelCommandID)

	// 成交先到，订单推进为 FILLED
	applied, err := sm.ApplyFill(context.Background(), o, &database.Fill{
		OrderID:   o.ID,
		Quantity:  10,
		Price:     189.5,
		EventTime: utils.NowUTC(),
	})
	if err != nil || !applied {
		t.Fatalf("成交应用失败: applied=%v err=%v", applied, err)
	}

	// 迟到的取消确认对已成交订单不生效
	writeResult(t, c.cfg.BrokerDir, commandID, broker.ResultStatusOK)
	summary, err := c.FinalizePass(context.Background())
	if err != nil {
		t.Fatalf("终结扫描失败: %v", err)
	}
	if summary.Checked != 0 {
		t.Errorf("已成交订单不应进入终结扫描: %+v", summary)
	}
	got, _ := db.GetOrderByID(context.Background(), o.ID)
	if got.Status != database.OrderStatusFilled {
		t.Errorf("成交优先, 期望 FILLED, 实际 %s", got.Status)
	}
	t.Log("✅ 迟到的取消结果未覆盖成交")
}

func TestFinalizePassExpiredCommand(t *testing.T) {
	c, db, _ := newTestCoordinator(t)
	c.cfg.CommandExpiry = time.Millisecond
	runID := "run-1"
	o := createCancelOrder(t, db, &runID)
	if err := c.RequestCancel(context.Background(), o); err != nil {
		t.Fatalf("发起取消失败: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	summary, err := c.FinalizePass(context.Background())
	if err != nil {
		t.Fatalf("终结扫描失败: %v", err)
	}
	if summary.Expired != 1 {
		t.Errorf("期望过期 1 单, 实际 %+v", summary)
	}
	got, _ := db.GetOrderByID(context.Background(), o.ID)
	if got.Status != database.OrderStatusCancelRequested {
		t.Errorf("过期命令不应改变订单状态, 实际 %s", got.Status)
	}
}
