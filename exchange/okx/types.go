package okx

// Side 订单方向
type Side string

// PosSide 持仓方向
type PosSide string

// OrderState 订单状态
type OrderState string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"

	PosSideLong  PosSide = "long"
	PosSideShort PosSide = "short"

	StateLive            OrderState = "live"
	StatePartiallyFilled OrderState = "partially_filled"
	StateFilled          OrderState = "filled"
	StateCanceled        OrderState = "canceled"
)

// OrderUpdate 订单推送事件（orders 频道单条数据）
// 数值字段保留交易所原始字符串，由消费方按需解析。
type OrderUpdate struct {
	OrdID      string     // 交易所订单ID
	ClOrdID    string     // 客户端订单ID（外部成交为空）
	InstID     string     // 合约ID，如 ETH-USDT-SWAP
	Side       Side       // 买卖方向
	PosSide    PosSide    // 持仓方向
	State      OrderState // 订单状态
	Sz         string     // 委托数量（张）
	AccFillSz  string     // 累计成交数量（张）
	AvgPx      string     // 成交均价
	UTime      string     // 更新时间戳（毫秒字符串）
	FillTime   string     // 最新成交时间戳
	OrdType    string     // 订单类型
	ReduceOnly string     // 是否只减仓
}

// IsExternal 判断是否为外部订单（无本系统客户端订单ID）
func (u *OrderUpdate) IsExternal() bool {
	return u.ClOrdID == ""
}

// IsTerminalFill 判断是否为完全成交的终态事件
func (u *OrderUpdate) IsTerminalFill() bool {
	return u.State == StateFilled
}
