package broker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// 券商侧进程落盘的快照文件名
const (
	OpenOrdersFile = "open_orders.json"
	PositionsFile  = "positions.json"
	QuotesFile     = "quotes.json"
)

// OpenOrderItem 挂单快照中的一条挂单
type OpenOrderItem struct {
	Tag    string `json:"tag"`
	Symbol string `json:"symbol"`
	Status string `json:"status"`
}

// OpenOrdersSnapshot 券商当前挂单快照
type OpenOrdersSnapshot struct {
	Items       []OpenOrderItem `json:"items"`
	RefreshedAt time.Time       `json:"refreshed_at"`
	Stale       bool            `json:"stale"`
}

// PositionItem 持仓快照中的一条持仓
type PositionItem struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
	AvgCost  float64 `json:"avg_cost"`
}

// PositionsSnapshot 券商持仓快照
type PositionsSnapshot struct {
	Items       []PositionItem `json:"items"`
	RefreshedAt time.Time      `json:"refreshed_at"`
	Stale       bool           `json:"stale"`
}

// QuoteItem 行情快照中的一条报价
type QuoteItem struct {
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	Last   float64 `json:"last"`
}

// QuotesSnapshot 行情快照
type QuotesSnapshot struct {
	Items       []QuoteItem `json:"items"`
	RefreshedAt time.Time   `json:"refreshed_at"`
	Stale       bool        `json:"stale"`
}

// SnapshotReader 快照读取器
// 从券商侧进程的输出目录读取 JSON 快照文件
type SnapshotReader struct {
	dir        string
	staleAfter time.Duration
}

// NewSnapshotReader 创建快照读取器
// staleAfter 为快照的新鲜度上限：即使生产者未标记 stale，
// refreshed_at 过旧的快照也按过期处理
func NewSnapshotReader(dir string, staleAfter time.Duration) *SnapshotReader {
	return &SnapshotReader{dir: dir, staleAfter: staleAfter}
}

func (sr *SnapshotReader) readJSON(name string, out interface{}) error {
	data, err := os.ReadFile(filepath.Join(sr.dir, name))
	if err != nil {
		return fmt.Errorf("读取快照 %s 失败: %w", name, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("解析快照 %s 失败: %w", name, err)
	}
	return nil
}

// ReadOpenOrders 读取挂单快照
func (sr *SnapshotReader) ReadOpenOrders() (*OpenOrdersSnapshot, error) {
	var snap OpenOrdersSnapshot
	if err := sr.readJSON(OpenOrdersFile, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ReadPositions 读取持仓快照
func (sr *SnapshotReader) ReadPositions() (*PositionsSnapshot, error) {
	var snap PositionsSnapshot
	if err := sr.readJSON(PositionsFile, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ReadQuotes 读取行情快照
func (sr *SnapshotReader) ReadQuotes() (*QuotesSnapshot, error) {
	var snap QuotesSnapshot
	if err := sr.readJSON(QuotesFile, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// IsFresh 判断快照是否可用于推断
// 生产者标记 stale 或 refreshed_at 过旧都视为过期
func (sr *SnapshotReader) IsFresh(refreshedAt time.Time, stale bool) bool {
	if stale {
		return false
	}
	if sr.staleAfter > 0 && time.Since(refreshedAt) > sr.staleAfter {
		return false
	}
	return true
}

// Quote 查找单个标的的报价，未找到时第二个返回值为 false
func (qs *QuotesSnapshot) Quote(symbol string) (QuoteItem, bool) {
	for _, q := range qs.Items {
		if q.Symbol == symbol {
			return q, true
		}
	}
	return QuoteItem{}, false
}

// Position 查找单个标的的持仓，未找到时第二个返回值为 false
func (ps *PositionsSnapshot) Position(symbol string) (PositionItem, bool) {
	for _, p := range ps.Items {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return PositionItem{}, false
}

// HasTag 判断挂单快照中是否存在指定标签
func (s *OpenOrdersSnapshot) HasTag(tag string) bool {
	for _, item := range s.Items {
		if item.Tag == tag {
			return true
		}
	}
	return false
}
