package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", config.Type)
	}

	// 日志级别
	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	// 打开数据库
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 获取底层 sql.DB
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	// 自动迁移
	if err := db.AutoMigrate(
		&Order{},
		&Fill{},
		&Baseline{},
		&ReconcileRecord{},
		&EventRecord{},
	); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// CreateOrder 创建订单
func (g *GormDatabase) CreateOrder(ctx context.Context, order *Order) error {
	return g.db.WithContext(ctx).Create(order).Error
}

// SaveOrder 保存订单（按主键更新全部字段）
func (g *GormDatabase) SaveOrder(ctx context.Context, order *Order) error {
	return g.db.WithContext(ctx).Save(order).Error
}

// GetOrderByID 按主键查询订单，未找到返回 nil
func (g *GormDatabase) GetOrderByID(ctx context.Context, id int64) (*Order, error) {
	var order Order
	err := g.db.WithContext(ctx).First(&order, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByTag 按关联标签查询订单，未找到返回 nil
func (g *GormDatabase) GetOrderByTag(ctx context.Context, tag string) (*Order, error) {
	var order Order
	err := g.db.WithContext(ctx).Where("tag = ?", tag).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByBrokerID 按券商订单号查询，未找到返回 nil
func (g *GormDatabase) GetOrderByBrokerID(ctx context.Context, brokerOrderID int64) (*Order, error) {
	if brokerOrderID == 0 {
		return nil, nil
	}
	var order Order
	err := g.db.WithContext(ctx).Where("broker_order_id = ?", brokerOrderID).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByRunIndex 按批次和序号查询，未找到返回 nil
func (g *GormDatabase) GetOrderByRunIndex(ctx context.Context, runID string, index int) (*Order, error) {
	var order Order
	err := g.db.WithContext(ctx).Where("run_id = ? AND run_index = ?", runID, index).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrders 条件查询订单
func (g *GormDatabase) GetOrders(ctx context.Context, filter *OrderFilter) ([]*Order, error) {
	query := g.db.WithContext(ctx).Model(&Order{})

	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.RunID != "" {
		query = query.Where("run_id = ?", filter.RunID)
	}
	if filter.Tag != "" {
		query = query.Where("tag = ?", filter.Tag)
	}
	if filter.OlderThan != nil {
		query = query.Where("created_at < ?", filter.OlderThan)
	}
	if filter.ZeroFilled {
		query = query.Where("filled_qty = 0")
	}

	query = query.Order("created_at ASC, id ASC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var orders []*Order
	if err := query.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// CreateFill 创建成交记录
func (g *GormDatabase) CreateFill(ctx context.Context, fill *Fill) error {
	return g.db.WithContext(ctx).Create(fill).Error
}

// GetFills 条件查询成交，按 (事件时间, 主键) 升序（FIFO 顺序）
func (g *GormDatabase) GetFills(ctx context.Context, filter *FillFilter) ([]*Fill, error) {
	query := g.db.WithContext(ctx).Model(&Fill{})

	if filter.OrderID > 0 {
		query = query.Where("order_id = ?", filter.OrderID)
	}
	if filter.Symbol != "" {
		query = query.Where("order_id IN (?)",
			g.db.Model(&Order{}).Select("id").Where("symbol = ?", filter.Symbol))
	}
	if filter.Since != nil {
		query = query.Where("event_time > ?", filter.Since)
	}

	query = query.Order("event_time ASC, id ASC")

	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var fills []*Fill
	if err := query.Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}

// HasDuplicateFill 判断成交是否已记录
// 判重依据：同订单下 (数量, 价格, 事件时间) 完全一致，或券商成交编号已存在
func (g *GormDatabase) HasDuplicateFill(ctx context.Context, fill *Fill) (bool, error) {
	var count int64

	if fill.ExecID != "" {
		if err := g.db.WithContext(ctx).Model(&Fill{}).
			Where("exec_id = ?", fill.ExecID).
			Count(&count).Error; err != nil {
			return false, err
		}
		if count > 0 {
			return true, nil
		}
	}

	if err := g.db.WithContext(ctx).Model(&Fill{}).
		Where("order_id = ? AND quantity = ? AND price = ? AND event_time = ?",
			fill.OrderID, fill.Quantity, fill.Price, fill.EventTime).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// GetFillRevision 获取成交版本令牌
func (g *GormDatabase) GetFillRevision(ctx context.Context) (FillRevision, error) {
	var rev struct {
		Count      int64
		MaxID      int64
		MaxUpdated *time.Time
	}
	err := g.db.WithContext(ctx).Model(&Fill{}).
		Select("COUNT(*) AS count, COALESCE(MAX(id), 0) AS max_id, MAX(updated_at) AS max_updated").
		Scan(&rev).Error
	if err != nil {
		return FillRevision{}, err
	}

	result := FillRevision{Count: rev.Count, MaxID: rev.MaxID}
	if rev.MaxUpdated != nil {
		result.MaxUpdated = *rev.MaxUpdated
	}
	return result, nil
}

// SaveBaseline 保存基线快照
func (g *GormDatabase) SaveBaseline(ctx context.Context, baseline *Baseline) error {
	return g.db.WithContext(ctx).Create(baseline).Error
}

// GetLatestBaseline 获取最新基线，未找到返回 nil
func (g *GormDatabase) GetLatestBaseline(ctx context.Context) (*Baseline, error) {
	var baseline Baseline
	err := g.db.WithContext(ctx).Order("created_at DESC, id DESC").First(&baseline).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &baseline, nil
}

// SaveReconcileRecord 保存对账动作记录
func (g *GormDatabase) SaveReconcileRecord(ctx context.Context, record *ReconcileRecord) error {
	return g.db.WithContext(ctx).Create(record).Error
}

// SaveEvent 保存生命周期事件
func (g *GormDatabase) SaveEvent(ctx context.Context, event *EventRecord) error {
	return g.db.WithContext(ctx).Create(event).Error
}

// CleanupOldEvents 按级别清理过期事件
// 先删除超过保留天数的记录，再按数量上限裁剪最旧的记录
func (g *GormDatabase) CleanupOldEvents(ctx context.Context, severity string, maxCount int, maxDays int) error {
	if maxDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -maxDays)
		if err := g.db.WithContext(ctx).
			Where("severity = ? AND created_at < ?", severity, cutoff).
			Delete(&EventRecord{}).Error; err != nil {
			return fmt.Errorf("failed to cleanup events by age: %w", err)
		}
	}

	if maxCount > 0 {
		var count int64
		if err := g.db.WithContext(ctx).Model(&EventRecord{}).
			Where("severity = ?", severity).
			Count(&count).Error; err != nil {
			return err
		}
		if count > int64(maxCount) {
			var threshold EventRecord
			err := g.db.WithContext(ctx).
				Where("severity = ?", severity).
				Order("id DESC").
				Offset(maxCount - 1).
				First(&threshold).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil
				}
				return err
			}
			if err := g.db.WithContext(ctx).
				Where("severity = ? AND id < ?", severity, threshold.ID).
				Delete(&EventRecord{}).Error; err != nil {
				return fmt.Errorf("failed to cleanup events by count: %w", err)
			}
		}
	}

	return nil
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
