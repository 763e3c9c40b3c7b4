package event

// EventSeverity 事件级别
type EventSeverity string

const (
	SeverityCritical EventSeverity = "critical"
	SeverityWarning  EventSeverity = "warning"
	SeverityInfo     EventSeverity = "info"
)

// EventSource 事件来源
type EventSource string

const (
	SourceStateMachine EventSource = "state_machine"
	SourceIngestor     EventSource = "ingestor"
	SourceReconciler   EventSource = "reconciler"
	SourceCanceler     EventSource = "canceler"
	SourceRecovery     EventSource = "recovery"
	SourceSafety       EventSource = "safety"
	SourceSystem       EventSource = "system"
)

// GetEventSeverity 获取事件级别
func GetEventSeverity(eventType EventType) EventSeverity {
	switch eventType {
	case EventTypeOrderRecovered, EventTypeGuardHalted, EventTypeBrokerUnreachable, EventTypeError:
		return SeverityCritical
	case EventTypeOrderRejected, EventTypeReconcileAnomaly, EventTypeUnresolvedEvent,
		EventTypeRecoveryReplacement, EventTypeDuplicateFill:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// GetEventSource 获取事件来源
func GetEventSource(eventType EventType) EventSource {
	switch eventType {
	case EventTypeOrderCreated, EventTypeOrderSubmitted, EventTypeOrderPartialFilled,
		EventTypeOrderFilled, EventTypeOrderCanceled, EventTypeOrderRejected:
		return SourceStateMachine
	case EventTypeDuplicateFill, EventTypeUnresolvedEvent:
		return SourceIngestor
	case EventTypeOrderRecovered, EventTypeReconcileAnomaly:
		return SourceReconciler
	case EventTypeCancelRequested, EventTypeCancelFinalized:
		return SourceCanceler
	case EventTypeRecoveryReplacement:
		return SourceRecovery
	case EventTypeGuardHalted, EventTypeBrokerUnreachable:
		return SourceSafety
	default:
		return SourceSystem
	}
}

// GetEventTitle 获取事件标题
func GetEventTitle(eventType EventType) string {
	switch eventType {
	case EventTypeOrderCreated:
		return "订单创建"
	case EventTypeOrderSubmitted:
		return "订单已受理"
	case EventTypeOrderPartialFilled:
		return "订单部分成交"
	case EventTypeOrderFilled:
		return "订单全部成交"
	case EventTypeOrderCanceled:
		return "订单已取消"
	case EventTypeOrderRejected:
		return "订单被拒绝"
	case EventTypeOrderRecovered:
		return "取消订单回收为成交"
	case EventTypeCancelRequested:
		return "取消请求已发出"
	case EventTypeCancelFinalized:
		return "取消请求已确认"
	case EventTypeRecoveryReplacement:
		return "超时订单自动补单"
	case EventTypeReconcileAnomaly:
		return "对账异常"
	case EventTypeGuardHalted:
		return "交易保护已触发"
	case EventTypeBrokerUnreachable:
		return "券商连接不可达"
	case EventTypeDuplicateFill:
		return "重复成交已跳过"
	case EventTypeUnresolvedEvent:
		return "无法解析的执行事件"
	case EventTypeError:
		return "系统错误"
	case EventTypeSystemStart:
		return "系统启动"
	case EventTypeSystemStop:
		return "系统停止"
	default:
		return string(eventType)
	}
}
