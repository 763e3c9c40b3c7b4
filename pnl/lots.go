package pnl

import "math"

// Lot 持仓批次
// Quantity 带符号：正为多头批次，负为空头批次；同一队列内符号一致
type Lot struct {
	Quantity float64 `json:"quantity"`
	Cost     float64 `json:"cost"` // 含摊薄佣金的每股成本
}

// lotQueue 先进先出批次队列
type lotQueue struct {
	lots []Lot
}

// net 返回队列净数量
func (q *lotQueue) net() float64 {
	total := 0.0
	for _, l := range q.lots {
		total += l.Quantity
	}
	return total
}

// push 追加新批次，数量为零时忽略
func (q *lotQueue) push(quantity, cost float64) {
	if quantity == 0 {
		return
	}
	q.lots = append(q.lots, Lot{Quantity: quantity, Cost: cost})
}

// apply 把一笔带符号的成交并入队列
// 先按先进先出吃掉反向批次并实现盈亏，剩余数量按当前价开新批次；
// 佣金按股摊入：平仓部分直接从已实现盈亏中扣除，开仓部分计入成本
func (q *lotQueue) apply(quantity, price, commission float64) float64 {
	if quantity == 0 {
		return 0
	}

	perShare := 0.0
	if abs := math.Abs(quantity); abs > 0 {
		perShare = commission / abs
	}

	realized := 0.0
	remaining := quantity
	for len(q.lots) > 0 && remaining != 0 && oppositeSign(q.lots[0].Quantity, remaining) {
		front := &q.lots[0]
		matched := math.Min(math.Abs(remaining), math.Abs(front.Quantity))

		if front.Quantity > 0 {
			// 卖出平多：价差为价格减成本
			realized += (price-front.Cost)*matched - perShare*matched
			front.Quantity -= matched
			remaining += matched
		} else {
			// 买入平空：价差为成本减价格
			realized += (front.Cost-price)*matched - perShare*matched
			front.Quantity += matched
			remaining -= matched
		}

		if front.Quantity == 0 {
			q.lots = q.lots[1:]
		}
	}

	if remaining != 0 {
		cost := price + perShare
		if remaining < 0 {
			// 开空：佣金使入账成本降低
			cost = price - perShare
		}
		q.push(remaining, cost)
	}
	return realized
}

func oppositeSign(a, b float64) bool {
	return (a > 0 && b < 0) || (a < 0 && b > 0)
}
