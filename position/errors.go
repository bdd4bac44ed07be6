package position

import "errors"

var (
	// ErrPositionExists 已有活跃持仓，且交易所确认非零
	ErrPositionExists = errors.New("已存在活跃持仓")

	// ErrNoActivePosition 当前没有活跃持仓
	ErrNoActivePosition = errors.New("没有活跃持仓")

	// ErrClientOrderIDMismatch 请求的 clOrdId 与活跃持仓不符
	ErrClientOrderIDMismatch = errors.New("客户端订单ID与活跃持仓不匹配")

	// ErrLeverageExceeded 杠杆超过上限
	ErrLeverageExceeded = errors.New("杠杆超过上限")

	// ErrInvalidTriggerOrder 止盈止损价格顺序不合法
	ErrInvalidTriggerOrder = errors.New("止盈止损价格顺序不合法")

	// ErrInvalidAmount 数量不合法
	ErrInvalidAmount = errors.New("数量不合法")

	// ErrTriggerCoverageMismatch 止盈或止损计划数量之和与持仓不符
	ErrTriggerCoverageMismatch = errors.New("触发计划数量之和与持仓数量不符")

	// ErrUnknownInstrument 未映射的合约
	ErrUnknownInstrument = errors.New("未知合约")
)
