package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"equiledger/metrics"
)

// ErrThrottled 历史查询被限流，调用方应等待下一个调度周期重试
var ErrThrottled = errors.New("broker history query throttled")

// CompletedOrder 券商已完结订单历史中的一行
type CompletedOrder struct {
	OrderID       int64     `json:"order_id"`
	PermID        int64     `json:"perm_id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	Status        string    `json:"status"`
	CompletedTime time.Time `json:"completed_time"`
	OrderRef      string    `json:"order_ref"` // 对应订单的关联标签
}

// IsFilled 判断历史行是否为成交处置
func (c *CompletedOrder) IsFilled() bool {
	return strings.EqualFold(c.Status, "Filled")
}

// IsCanceled 判断历史行是否为取消/拒绝处置
func (c *CompletedOrder) IsCanceled() bool {
	s := strings.ToLower(c.Status)
	return s == "cancelled" || s == "canceled" || s == "apicancelled" ||
		s == "rejected" || s == "inactive"
}

// HistoryClient 已完结订单历史查询接口
type HistoryClient interface {
	CompletedOrders(ctx context.Context) ([]CompletedOrder, error)
}

// FileHistoryClient 文件后端的历史查询实现
// 券商侧进程把最近一次拉取的历史落盘为 completed_orders.json
type FileHistoryClient struct {
	dir string
}

// NewFileHistoryClient 创建文件后端历史查询
func NewFileHistoryClient(dir string) *FileHistoryClient {
	return &FileHistoryClient{dir: dir}
}

// CompletedOrders 读取已完结订单历史
func (f *FileHistoryClient) CompletedOrders(ctx context.Context) ([]CompletedOrder, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, "completed_orders.json"))
	if err != nil {
		return nil, fmt.Errorf("读取已完结订单历史失败: %w", err)
	}

	var payload struct {
		Items       []CompletedOrder `json:"items"`
		RefreshedAt time.Time        `json:"refreshed_at"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("解析已完结订单历史失败: %w", err)
	}
	return payload.Items, nil
}

// QueryThrottle 历史查询限流包装
// 上游 API 有最小查询间隔限制；未到间隔的调用立即得到 ErrThrottled 而非阻塞
type QueryThrottle struct {
	client  HistoryClient
	limiter *rate.Limiter
}

// NewQueryThrottle 创建限流包装
// minInterval 为两次查询之间的最小间隔
func NewQueryThrottle(client HistoryClient, minInterval time.Duration) *QueryThrottle {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &QueryThrottle{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

// CompletedOrders 限流后的历史查询
func (qt *QueryThrottle) CompletedOrders(ctx context.Context) ([]CompletedOrder, error) {
	if !qt.limiter.Allow() {
		metrics.GetPrometheusMetrics().RecordHistoryQueryThrottled()
		return nil, ErrThrottled
	}
	return qt.client.CompletedOrders(ctx)
}
