package database

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryDatabase 内存数据库实现
// 用于测试与一次性演算场景，不做持久化
type MemoryDatabase struct {
	mu        sync.RWMutex
	orders    map[int64]*Order
	fills     map[int64]*Fill
	baselines []*Baseline
	records   []*ReconcileRecord
	events    []*EventRecord

	nextOrderID int64
	nextFillID  int64

	// 查询计数，缓存一致性测试用
	FillQueryCount int64
}

// NewMemoryDatabase 创建内存数据库
func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		orders:      make(map[int64]*Order),
		fills:       make(map[int64]*Fill),
		nextOrderID: 1,
		nextFillID:  1,
	}
}

func (m *MemoryDatabase) copyOrder(o *Order) *Order {
	cp := *o
	return &cp
}

func (m *MemoryDatabase) copyFill(f *Fill) *Fill {
	cp := *f
	return &cp
}

// CreateOrder 创建订单
func (m *MemoryDatabase) CreateOrder(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if order.ID == 0 {
		order.ID = m.nextOrderID
		m.nextOrderID++
	} else if order.ID >= m.nextOrderID {
		m.nextOrderID = order.ID + 1
	}
	now := time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	m.orders[order.ID] = m.copyOrder(order)
	return nil
}

// SaveOrder 保存订单
func (m *MemoryDatabase) SaveOrder(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if order.ID == 0 {
		order.ID = m.nextOrderID
		m.nextOrderID++
	}
	order.UpdatedAt = time.Now()
	m.orders[order.ID] = m.copyOrder(order)
	return nil
}

// GetOrderByID 按主键查询订单
func (m *MemoryDatabase) GetOrderByID(ctx context.Context, id int64) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if o, ok := m.orders[id]; ok {
		return m.copyOrder(o), nil
	}
	return nil, nil
}

// GetOrderByTag 按关联标签查询订单
func (m *MemoryDatabase) GetOrderByTag(ctx context.Context, tag string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.Tag == tag {
			return m.copyOrder(o), nil
		}
	}
	return nil, nil
}

// GetOrderByBrokerID 按券商订单号查询
func (m *MemoryDatabase) GetOrderByBrokerID(ctx context.Context, brokerOrderID int64) (*Order, error) {
	if brokerOrderID == 0 {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.BrokerOrderID == brokerOrderID {
			return m.copyOrder(o), nil
		}
	}
	return nil, nil
}

// GetOrderByRunIndex 按批次和序号查询
func (m *MemoryDatabase) GetOrderByRunIndex(ctx context.Context, runID string, index int) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.RunID != nil && *o.RunID == runID && o.RunIndex != nil && *o.RunIndex == index {
			return m.copyOrder(o), nil
		}
	}
	return nil, nil
}

// GetOrders 条件查询订单
func (m *MemoryDatabase) GetOrders(ctx context.Context, filter *OrderFilter) ([]*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if len(filter.Statuses) > 0 {
			matched := false
			for _, s := range filter.Statuses {
				if o.Status == s {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		if filter.Symbol != "" && o.Symbol != filter.Symbol {
			continue
		}
		if filter.RunID != "" && (o.RunID == nil || *o.RunID != filter.RunID) {
			continue
		}
		if filter.Tag != "" && o.Tag != filter.Tag {
			continue
		}
		if filter.OlderThan != nil && !o.CreatedAt.Before(*filter.OlderThan) {
			continue
		}
		if filter.ZeroFilled && o.FilledQty != 0 {
			continue
		}
		result = append(result, m.copyOrder(o))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return nil, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// CreateFill 创建成交记录
func (m *MemoryDatabase) CreateFill(ctx context.Context, fill *Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fill.ID == 0 {
		fill.ID = m.nextFillID
		m.nextFillID++
	}
	now := time.Now()
	if fill.CreatedAt.IsZero() {
		fill.CreatedAt = now
	}
	fill.UpdatedAt = now
	m.fills[fill.ID] = m.copyFill(fill)
	return nil
}

// GetFills 条件查询成交，按 (事件时间, 主键) 升序
func (m *MemoryDatabase) GetFills(ctx context.Context, filter *FillFilter) ([]*Fill, error) {
	m.mu.Lock()
	m.FillQueryCount++
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Fill
	for _, f := range m.fills {
		if filter.OrderID > 0 && f.OrderID != filter.OrderID {
			continue
		}
		if filter.Symbol != "" {
			o, ok := m.orders[f.OrderID]
			if !ok || o.Symbol != filter.Symbol {
				continue
			}
		}
		if filter.Since != nil && !f.EventTime.After(*filter.Since) {
			continue
		}
		result = append(result, m.copyFill(f))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].EventTime.Equal(result[j].EventTime) {
			return result[i].ID < result[j].ID
		}
		return result[i].EventTime.Before(result[j].EventTime)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// HasDuplicateFill 判断成交是否已记录
func (m *MemoryDatabase) HasDuplicateFill(ctx context.Context, fill *Fill) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, f := range m.fills {
		if fill.ExecID != "" && f.ExecID == fill.ExecID {
			return true, nil
		}
		if f.OrderID == fill.OrderID && f.Quantity == fill.Quantity &&
			f.Price == fill.Price && f.EventTime.Equal(fill.EventTime) {
			return true, nil
		}
	}
	return false, nil
}

// GetFillRevision 获取成交版本令牌
func (m *MemoryDatabase) GetFillRevision(ctx context.Context) (FillRevision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rev := FillRevision{Count: int64(len(m.fills))}
	for _, f := range m.fills {
		if f.ID > rev.MaxID {
			rev.MaxID = f.ID
		}
		if f.UpdatedAt.After(rev.MaxUpdated) {
			rev.MaxUpdated = f.UpdatedAt
		}
	}
	return rev, nil
}

// SaveBaseline 保存基线快照
func (m *MemoryDatabase) SaveBaseline(ctx context.Context, baseline *Baseline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	baseline.ID = int64(len(m.baselines) + 1)
	if baseline.CreatedAt.IsZero() {
		baseline.CreatedAt = time.Now()
	}
	cp := *baseline
	m.baselines = append(m.baselines, &cp)
	return nil
}

// GetLatestBaseline 获取最新基线
func (m *MemoryDatabase) GetLatestBaseline(ctx context.Context) (*Baseline, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.baselines) == 0 {
		return nil, nil
	}
	cp := *m.baselines[len(m.baselines)-1]
	return &cp, nil
}

// SaveReconcileRecord 保存对账动作记录
func (m *MemoryDatabase) SaveReconcileRecord(ctx context.Context, record *ReconcileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	record.ID = int64(len(m.records) + 1)
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	cp := *record
	m.records = append(m.records, &cp)
	return nil
}

// ReconcileRecords 返回全部对账记录（测试用）
func (m *MemoryDatabase) ReconcileRecords() []*ReconcileRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*ReconcileRecord, len(m.records))
	copy(result, m.records)
	return result
}

// SaveEvent 保存生命周期事件
func (m *MemoryDatabase) SaveEvent(ctx context.Context, event *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event.ID = int64(len(m.events) + 1)
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

// CleanupOldEvents 按级别清理过期事件
func (m *MemoryDatabase) CleanupOldEvents(ctx context.Context, severity string, maxCount int, maxDays int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*EventRecord
	cutoff := time.Now().AddDate(0, 0, -maxDays)
	count := 0
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if !strings.EqualFold(ev.Severity, severity) {
			kept = append(kept, ev)
			continue
		}
		if maxDays > 0 && ev.CreatedAt.Before(cutoff) {
			continue
		}
		if maxCount > 0 && count >= maxCount {
			continue
		}
		count++
		kept = append(kept, ev)
	}

	// 还原为插入顺序
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	m.events = kept
	return nil
}

// Ping 健康检查
func (m *MemoryDatabase) Ping(ctx context.Context) error {
	return nil
}

// Close 关闭
func (m *MemoryDatabase) Close() error {
	return nil
}
