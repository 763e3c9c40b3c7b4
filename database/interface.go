package database

import (
	"context"
	"time"
)

// Database 台账数据库接口
type Database interface {
	// 订单
	CreateOrder(ctx context.Context, order *Order) error
	SaveOrder(ctx context.Context, order *Order) error
	GetOrderByID(ctx context.Context, id int64) (*Order, error)
	GetOrderByTag(ctx context.Context, tag string) (*Order, error)
	GetOrderByBrokerID(ctx context.Context, brokerOrderID int64) (*Order, error)
	GetOrderByRunIndex(ctx context.Context, runID string, index int) (*Order, error)
	GetOrders(ctx context.Context, filter *OrderFilter) ([]*Order, error)

	// 成交
	CreateFill(ctx context.Context, fill *Fill) error
	GetFills(ctx context.Context, filter *FillFilter) ([]*Fill, error)
	HasDuplicateFill(ctx context.Context, fill *Fill) (bool, error)
	GetFillRevision(ctx context.Context) (FillRevision, error)

	// 基线
	SaveBaseline(ctx context.Context, baseline *Baseline) error
	GetLatestBaseline(ctx context.Context) (*Baseline, error)

	// 对账记录
	SaveReconcileRecord(ctx context.Context, record *ReconcileRecord) error

	// 生命周期事件
	SaveEvent(ctx context.Context, event *EventRecord) error
	CleanupOldEvents(ctx context.Context, severity string, maxCount int, maxDays int) error

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// OrderFilter 订单查询条件
type OrderFilter struct {
	Statuses     []string   // 为空表示不过滤
	Symbol       string
	RunID        string
	Tag          string
	OlderThan    *time.Time // CreatedAt 早于该时间
	ZeroFilled   bool       // 仅返回无成交的订单
	Limit        int
	Offset       int
}

// FillFilter 成交查询条件
type FillFilter struct {
	OrderID   int64
	Symbol    string     // 通过订单关联过滤
	Since     *time.Time // EventTime 晚于该时间（基线时刻的成交已计入基线，不重复回放）
	Limit     int
}
