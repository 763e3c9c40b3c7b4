package pnl

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"equiledger/database"
	"equiledger/logger"
	"equiledger/metrics"
	"equiledger/utils"
)

// Attribution 盈亏归因明细
// 每笔实现盈亏都能追溯到来源成交与订单
type Attribution struct {
	Symbol   string    `json:"symbol"`
	OrderID  int64     `json:"order_id"`
	FillID   int64     `json:"fill_id"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	Realized float64   `json:"realized"`
	At       time.Time `json:"at"`
}

// SymbolPnL 单标的盈亏结果
type SymbolPnL struct {
	Symbol      string        `json:"symbol"`
	Realized    float64       `json:"realized"`
	NetPosition float64       `json:"net_position"` // 基线加成交后的净持仓
	OpenLots    []Lot         `json:"open_lots"`
	Attribution []Attribution `json:"attribution"`
}

// Report 盈亏报告
type Report struct {
	BaselineID  int64                 `json:"baseline_id"` // 0 表示无基线，从零持仓起算
	GeneratedAt time.Time             `json:"generated_at"`
	Symbols     map[string]*SymbolPnL `json:"symbols"`
}

// TotalRealized 汇总所有标的的已实现盈亏
func (r *Report) TotalRealized() float64 {
	total := 0.0
	for _, s := range r.Symbols {
		total += s.Realized
	}
	return total
}

// Config 盈亏引擎配置
type Config struct {
	CacheTTL time.Duration // 报告缓存有效期
}

type cacheEntry struct {
	report     *Report
	revision   database.FillRevision
	baselineID int64
	expiresAt  time.Time
}

// Engine 已实现盈亏引擎
// 从持仓基线起算，把其后的成交按先进先出逐笔回放；
// 报告按成交版本令牌缓存，成交集合不变时不重放
type Engine struct {
	db  database.Database
	cfg *Config

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// NewEngine 创建盈亏引擎
func NewEngine(db database.Database, cfg *Config) *Engine {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	return &Engine{
		db:    db,
		cfg:   cfg,
		cache: make(map[string]*cacheEntry),
	}
}

// Compute 计算已实现盈亏报告
// symbols 为空表示全部标的。TTL 内无条件回缓存吸收突发查询；
// TTL 过后先校验版本令牌与基线，未变化则续期，变化才重放
func (e *Engine) Compute(ctx context.Context, symbols ...string) (*Report, error) {
	key := cacheKey(symbols)

	e.mu.Lock()
	if entry, ok := e.cache[key]; ok && utils.NowUTC().Before(entry.expiresAt) {
		report := entry.report
		e.mu.Unlock()
		metrics.GetPrometheusMetrics().RecordPnLCache("hit")
		return report, nil
	}
	e.mu.Unlock()

	revision, err := e.db.GetFillRevision(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取成交版本失败: %w", err)
	}

	baseline, err := e.db.GetLatestBaseline(ctx)
	if err != nil {
		return nil, fmt.Errorf("读取持仓基线失败: %w", err)
	}
	baselineID := int64(0)
	if baseline != nil {
		baselineID = baseline.ID
	}

	e.mu.Lock()
	if entry, ok := e.cache[key]; ok {
		if entry.baselineID == baselineID && entry.revision.Equal(revision) {
			entry.expiresAt = utils.NowUTC().Add(e.cfg.CacheTTL)
			report := entry.report
			e.mu.Unlock()
			metrics.GetPrometheusMetrics().RecordPnLCache("hit")
			return report, nil
		}
		delete(e.cache, key)
		metrics.GetPrometheusMetrics().RecordPnLCache("invalidated")
	} else {
		metrics.GetPrometheusMetrics().RecordPnLCache("miss")
	}
	e.mu.Unlock()

	report, err := e.compute(ctx, baseline, symbols)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[key] = &cacheEntry{
		report:     report,
		revision:   revision,
		baselineID: baselineID,
		expiresAt:  utils.NowUTC().Add(e.cfg.CacheTTL),
	}
	e.mu.Unlock()

	for symbol, s := range report.Symbols {
		metrics.GetPrometheusMetrics().SetRealizedPnL(symbol, s.Realized)
	}
	return report, nil
}

// Invalidate 清空报告缓存
// 基线重置等外部变更后调用
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.cache = make(map[string]*cacheEntry)
	e.mu.Unlock()
}

func (e *Engine) compute(ctx context.Context, baseline *database.Baseline, symbols []string) (*Report, error) {
	report := &Report{
		GeneratedAt: utils.NowUTC(),
		Symbols:     make(map[string]*SymbolPnL),
	}

	scope := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		scope[strings.ToUpper(s)] = true
	}
	inScope := func(symbol string) bool {
		return len(scope) == 0 || scope[strings.ToUpper(symbol)]
	}

	books := make(map[string]*lotQueue)
	bookFor := func(symbol string) *lotQueue {
		if b, ok := books[symbol]; ok {
			return b
		}
		b := &lotQueue{}
		books[symbol] = b
		if _, ok := report.Symbols[symbol]; !ok {
			report.Symbols[symbol] = &SymbolPnL{Symbol: symbol}
		}
		return b
	}

	// 基线持仓作为起始批次，符号即方向
	filter := &database.FillFilter{}
	if baseline != nil {
		report.BaselineID = baseline.ID
		var positions []database.BaselinePosition
		if err := json.Unmarshal([]byte(baseline.Positions), &positions); err != nil {
			return nil, fmt.Errorf("解析基线持仓失败: %w", err)
		}
		for _, pos := range positions {
			if !inScope(pos.Symbol) {
				continue
			}
			bookFor(pos.Symbol).push(pos.Quantity, pos.AvgCost)
		}
		since := baseline.CreatedAt
		filter.Since = &since
	}

	fills, err := e.db.GetFills(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("读取成交失败: %w", err)
	}

	// 成交按订单取标的与方向，订单查询结果就地缓存
	orders := make(map[int64]*database.Order)
	orderFor := func(id int64) (*database.Order, error) {
		if o, ok := orders[id]; ok {
			return o, nil
		}
		o, err := e.db.GetOrderByID(ctx, id)
		if err != nil {
			return nil, err
		}
		orders[id] = o
		return o, nil
	}

	for _, fill := range fills {
		o, err := orderFor(fill.OrderID)
		if err != nil {
			return nil, fmt.Errorf("读取成交 #%d 的订单失败: %w", fill.ID, err)
		}
		if o == nil {
			logger.Warn("⚠️ 成交 #%d 找不到订单 #%d，跳过", fill.ID, fill.OrderID)
			continue
		}
		if !inScope(o.Symbol) {
			continue
		}

		signed := fill.Quantity
		if strings.EqualFold(o.Side, database.SideSell) {
			signed = -fill.Quantity
		}

		book := bookFor(o.Symbol)
		realized := book.apply(signed, fill.Price, fill.Commission)

		s := report.Symbols[o.Symbol]
		s.Realized += realized
		if realized != 0 {
			s.Attribution = append(s.Attribution, Attribution{
				Symbol:   o.Symbol,
				OrderID:  o.ID,
				FillID:   fill.ID,
				Quantity: signed,
				Price:    fill.Price,
				Realized: realized,
				At:       fill.EventTime,
			})
		}
	}

	for symbol, book := range books {
		s := report.Symbols[symbol]
		s.NetPosition = book.net()
		s.OpenLots = append([]Lot(nil), book.lots...)
	}
	return report, nil
}

func cacheKey(symbols []string) string {
	if len(symbols) == 0 {
		return "*"
	}
	sorted := make([]string, len(symbols))
	for i, s := range symbols {
		sorted[i] = strings.ToUpper(s)
	}
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
