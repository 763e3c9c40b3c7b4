package database

import (
	"time"
)

// 订单状态常量（状态机的全部状态）
const (
	OrderStatusNew             = "NEW"              // 已创建，尚未被券商确认
	OrderStatusSubmitted       = "SUBMITTED"        // 券商已受理
	OrderStatusPartial         = "PARTIAL"          // 部分成交
	OrderStatusFilled          = "FILLED"           // 全部成交（终态）
	OrderStatusCanceled        = "CANCELED"         // 已取消（终态）
	OrderStatusRejected        = "REJECTED"         // 券商拒绝（终态）
	OrderStatusInvalid         = "INVALID"          // 无效订单（终态）
	OrderStatusSkipped         = "SKIPPED"          // 执行计划跳过（终态）
	OrderStatusCancelRequested = "CANCEL_REQUESTED" // 取消请求已发出，等待结果
)

// 订单方向常量
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// 订单类型常量
const (
	OrderTypeMarket        = "MARKET"
	OrderTypeLimit         = "LIMIT"
	OrderTypeAdaptiveLimit = "ADAPTIVE_LIMIT"
	OrderTypeMidpoint      = "MIDPOINT" // peg-to-midpoint
)

// Order 订单台账记录
// 订单一旦落库便不再删除，只能通过状态机推进到终态
type Order struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID         *string    `gorm:"index;size:100" json:"run_id"`    // 所属执行批次，手工单为 null
	RunIndex      *int       `json:"run_index"`                       // 批次内序号
	Tag           string     `gorm:"uniqueIndex;size:200" json:"tag"` // 客户端关联标签
	Symbol        string     `gorm:"index;size:20" json:"symbol"`
	Side          string     `gorm:"size:10" json:"side"` // BUY, SELL
	Quantity      float64    `json:"quantity"`
	OrderType     string     `gorm:"size:20" json:"order_type"`
	LimitPrice    float64    `json:"limit_price"` // 限价类订单必填
	BrokerOrderID int64      `gorm:"index" json:"broker_order_id"` // 券商受理后写入，0 表示未受理
	PermID        int64      `json:"perm_id"`                      // 券商永久编号
	Status        string     `gorm:"index;size:20" json:"status"`
	FilledQty     float64    `json:"filled_qty"`
	AvgFillPrice  float64    `json:"avg_fill_price"` // 仅在 FilledQty > 0 时有意义
	Metadata      string     `gorm:"type:text" json:"metadata"` // 状态变更来源/原因的 JSON 映射，只并入不覆盖
	SubmittedPID  int        `json:"submitted_pid"`             // 提交该订单的进程 PID
	Attempt       int        `json:"attempt"`                   // 自动补单次数
	ParentOrderID *int64     `gorm:"index" json:"parent_order_id"` // 补单链上游订单
	CreatedAt     time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsTerminal 判断订单是否处于终态
func (o *Order) IsTerminal() bool {
	return IsTerminalStatus(o.Status)
}

// IsTerminalStatus 判断状态是否为终态
func IsTerminalStatus(status string) bool {
	switch status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected,
		OrderStatusInvalid, OrderStatusSkipped:
		return true
	default:
		return false
	}
}

// Fill 成交记录（券商回报的一次部分或全部成交）
type Fill struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID    int64     `gorm:"index" json:"order_id"`
	Quantity   float64   `json:"quantity"` // 无符号数量
	Price      float64   `json:"price"`
	Commission float64   `json:"commission"`
	ExecID     string    `gorm:"index;size:100" json:"exec_id"` // 券商成交编号，可为空
	EventTime  time.Time `gorm:"index" json:"event_time"`
	Metadata   string    `gorm:"type:text" json:"metadata"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Baseline 持仓基线快照
// 已实现盈亏从基线起算；基线只会被新基线取代，不会被修改
type Baseline struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Positions string    `gorm:"type:text" json:"positions"` // JSON: [{symbol, quantity, avg_cost}]
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// BaselinePosition 基线中的单个持仓
type BaselinePosition struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
}

// ReconcileRecord 对账动作记录（审计用）
type ReconcileRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Pass      string    `gorm:"index;size:30" json:"pass"` // completed, open_orders, positions
	Symbol    string    `gorm:"size:20" json:"symbol"`
	OrderID   int64     `gorm:"index" json:"order_id"`
	Action    string    `gorm:"size:40" json:"action"` // canceled, promoted, recovered, skipped
	Detail    string    `gorm:"type:text" json:"detail"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// EventRecord 订单生命周期事件侧记录
// 与订单 Metadata 互补：Metadata 保留最新来源映射，事件记录保留完整历史
type EventRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      string    `gorm:"index;size:50" json:"type"`
	Severity  string    `gorm:"index;size:20" json:"severity"`
	Source    string    `gorm:"size:30" json:"source"`
	Symbol    string    `gorm:"index;size:20" json:"symbol"`
	OrderID   int64     `gorm:"index" json:"order_id"`
	Title     string    `gorm:"size:100" json:"title"`
	Message   string    `gorm:"type:text" json:"message"`
	Details   string    `gorm:"type:text" json:"details"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// FillRevision 成交版本令牌
// 三元组任一变化即表示成交集合发生变化，用于盈亏缓存失效判断
type FillRevision struct {
	Count      int64     `json:"count"`
	MaxID      int64     `json:"max_id"`
	MaxUpdated time.Time `json:"max_updated"`
}

// Equal 判断两个版本令牌是否一致
func (r FillRevision) Equal(other FillRevision) bool {
	return r.Count == other.Count && r.MaxID == other.MaxID && r.MaxUpdated.Equal(other.MaxUpdated)
}
