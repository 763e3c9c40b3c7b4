package event

import (
	"testing"
	"time"
)

// MockNotifier 模拟通知服务
type MockNotifier struct {
	notifications []*Event
}

func (m *MockNotifier) Send(event *Event) {
	m.notifications = append(m.notifications, event)
}

func TestEventBusPublishSubscribe(t *testing.T) {
	eventBus := NewEventBus(100)
	if eventBus == nil {
		t.Fatal("Failed to create event bus")
	}

	eventBus.Publish(&Event{
		Type: EventTypeOrderFilled,
		Data: map[string]interface{}{
			"order_id": int64(42),
			"symbol":   "AAPL",
		},
	})

	select {
	case ev := <-eventBus.Subscribe():
		if ev.Type != EventTypeOrderFilled {
			t.Errorf("Expected event type %s, got %s", EventTypeOrderFilled, ev.Type)
		}
		if ev.Timestamp.IsZero() {
			t.Error("Expected publish to stamp the event timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for published event")
	}

	t.Log("✅ 事件总线发布订阅测试通过")
}

func TestEventBusFullDrops(t *testing.T) {
	eventBus := NewEventBus(1)

	eventBus.Publish(&Event{Type: EventTypeOrderCreated})
	// 队列已满，第二条应被丢弃而非阻塞
	done := make(chan struct{})
	go func() {
		eventBus.Publish(&Event{Type: EventTypeOrderSubmitted})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full bus")
	}

	t.Log("✅ 满队列非阻塞测试通过")
}

func TestEventSeverity(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  EventSeverity
	}{
		{EventTypeOrderRecovered, SeverityCritical},
		{EventTypeGuardHalted, SeverityCritical},
		{EventTypeOrderRejected, SeverityWarning},
		{EventTypeDuplicateFill, SeverityWarning},
		{EventTypeOrderFilled, SeverityInfo},
		{EventTypeCancelRequested, SeverityInfo},
	}

	for _, tt := range tests {
		severity := GetEventSeverity(tt.eventType)
		if severity != tt.expected {
			t.Errorf("GetEventSeverity(%s) = %s, want %s", tt.eventType, severity, tt.expected)
		}
	}

	t.Log("✅ 事件严重程度测试通过")
}

func TestEventSource(t *testing.T) {
	tests := []struct {
		eventType EventType
		expected  EventSource
	}{
		{EventTypeOrderFilled, SourceStateMachine},
		{EventTypeUnresolvedEvent, SourceIngestor},
		{EventTypeOrderRecovered, SourceReconciler},
		{EventTypeCancelFinalized, SourceCanceler},
		{EventTypeRecoveryReplacement, SourceRecovery},
		{EventTypeSystemStart, SourceSystem},
	}

	for _, tt := range tests {
		source := GetEventSource(tt.eventType)
		if source != tt.expected {
			t.Errorf("GetEventSource(%s) = %s, want %s", tt.eventType, source, tt.expected)
		}
	}

	t.Log("✅ 事件来源测试通过")
}

func TestShouldNotify(t *testing.T) {
	ec := NewEventCenter(nil, NewEventBus(1), &MockNotifier{}, &EventCenterConfig{})

	if !ec.shouldNotify(EventTypeOrderRecovered, SeverityCritical) {
		t.Error("Critical events should always notify")
	}
	if !ec.shouldNotify(EventTypeOrderRejected, SeverityWarning) {
		t.Error("Order rejection should notify")
	}
	if ec.shouldNotify(EventTypeOrderFilled, SeverityInfo) {
		t.Error("Info events should not notify")
	}
	if ec.shouldNotify(EventTypeDuplicateFill, SeverityWarning) {
		t.Error("Duplicate-fill warnings should not notify")
	}

	t.Log("✅ 通知判断测试通过")
}

func TestBuildOrderMessage(t *testing.T) {
	ec := NewEventCenter(nil, NewEventBus(1), nil, &EventCenterConfig{})

	msg := ec.buildMessage(&Event{
		Type: EventTypeOrderFilled,
		Data: map[string]interface{}{
			"order_id": int64(7),
			"symbol":   "MSFT",
			"side":     "BUY",
			"status":   "FILLED",
		},
	})
	if msg != "订单 #7 MSFT BUY -> FILLED" {
		t.Errorf("Unexpected order message: %s", msg)
	}

	t.Log("✅ 订单消息构建测试通过")
}
