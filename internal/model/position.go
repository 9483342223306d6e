package model

// Position is the broker's view of an open position.
type Position struct {
	Symbol      string `json:"symbol"`
	Token       string `json:"token,omitempty"` // broker instrument token
	Exchange    string `json:"exchange"`
	ProductType string `json:"product_type"` // INTRADAY, DELIVERY
	Qty         int64  `json:"qty"`          // positive = long, negative = short
	AvgPrice    int64  `json:"avg_price"`    // paise
	PnL         int64  `json:"pnl"`          // paise
}

// Key returns a unique key for this position: "exchange:symbol".
func (p *Position) Key() string {
	return p.Exchange + ":" + p.Symbol
}

// Open reports whether the position still carries quantity.
func (p *Position) Open() bool {
	return p.Qty != 0
}

// ExitSide returns the transaction type that flattens the position.
func (p *Position) ExitSide() string {
	if p.Qty < 0 {
		return Buy
	}
	return Sell
}

// AbsQty returns the unsigned open quantity.
func (p *Position) AbsQty() int64 {
	if p.Qty < 0 {
		return -p.Qty
	}
	return p.Qty
}
