package safety

import (
	"os"
	"path/filepath"
	"testing"

	"equiledger/event"
)

func TestTradingGuardHaltResume(t *testing.T) {
	dir := t.TempDir()
	g := NewTradingGuard(dir, false, event.NewEventBus(10))

	if g.Halted() {
		t.Fatal("初始状态不应熔断")
	}

	g.Halt("position mismatch")
	if !g.Halted() {
		t.Fatal("Halt 后应处于熔断状态")
	}
	if g.Reason() != "position mismatch" {
		t.Errorf("熔断原因不符: %s", g.Reason())
	}

	g.Resume()
	if g.Halted() {
		t.Fatal("Resume 后不应熔断")
	}

	t.Log("✅ 交易保护开关测试通过")
}

func TestTradingGuardHaltFile(t *testing.T) {
	dir := t.TempDir()
	g := NewTradingGuard(dir, false, nil)

	if err := os.WriteFile(filepath.Join(dir, HaltFileName), []byte("ops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !g.Halted() {
		t.Fatal("熔断文件存在时应处于熔断状态")
	}

	if err := os.Remove(filepath.Join(dir, HaltFileName)); err != nil {
		t.Fatal(err)
	}
	if g.Halted() {
		t.Fatal("熔断文件删除后应解除熔断")
	}

	t.Log("✅ 熔断文件测试通过")
}

func TestTradingGuardConfigHalted(t *testing.T) {
	g := NewTradingGuard(t.TempDir(), true, nil)
	if !g.Halted() {
		t.Fatal("配置熔断应立即生效")
	}

	t.Log("✅ 配置熔断测试通过")
}

func TestPriceDeviationExceeded(t *testing.T) {
	tests := []struct {
		limit    float64
		ref      float64
		max      float64
		exceeded bool
	}{
		{100, 100, 0.05, false},
		{104, 100, 0.05, false},
		{106, 100, 0.05, true},
		{94, 100, 0.05, true},
		{100, 0, 0.05, false}, // 无参考价时不判偏离
		{100, 103, 0, false},  // 未配置上限时不判偏离
	}

	for _, tt := range tests {
		if got := PriceDeviationExceeded(tt.limit, tt.ref, tt.max); got != tt.exceeded {
			t.Errorf("PriceDeviationExceeded(%f, %f, %f) = %v, want %v",
				tt.limit, tt.ref, tt.max, got, tt.exceeded)
		}
	}

	t.Log("✅ 价格偏离判断测试通过")
}
