package okx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"perpsync/database"
	"perpsync/logger"
)

// InstrumentInfo 合约换算信息
type InstrumentInfo struct {
	InstID     string  // 合约ID，如 ETH-USDT-SWAP
	BaseSymbol string  // 基础币种，如 ETH
	CtVal      float64 // 合约面值（1张 = CtVal 个基础币）
	CtValCcy   string  // 面值计价币种
}

// InstrumentRegistry 合约映射表
// instId 与基础币种双向映射，附带张数换算所需的合约面值。
// 映射持久化到数据库，启动时先加载再刷新。
type InstrumentRegistry struct {
	mu       sync.RWMutex
	byInstID map[string]*InstrumentInfo
	bySymbol map[string]*InstrumentInfo
	client   *Client
	db       database.Database
}

// NewInstrumentRegistry 创建合约映射表
func NewInstrumentRegistry(client *Client, db database.Database) *InstrumentRegistry {
	return &InstrumentRegistry{
		byInstID: make(map[string]*InstrumentInfo),
		bySymbol: make(map[string]*InstrumentInfo),
		client:   client,
		db:       db,
	}
}

// Load 从数据库加载已有映射
func (r *InstrumentRegistry) Load(ctx context.Context) error {
	mappings, err := r.db.GetInstrumentMappings(ctx)
	if err != nil {
		return fmt.Errorf("加载合约映射失败: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range mappings {
		info := &InstrumentInfo{
			InstID:     m.InstID,
			BaseSymbol: m.BaseSymbol,
			CtVal:      m.CtVal,
			CtValCcy:   m.CtValCcy,
		}
		r.byInstID[m.InstID] = info
		r.bySymbol[m.BaseSymbol] = info
	}

	logger.Info("✅ [Instrument] 已加载 %d 个合约映射", len(mappings))
	return nil
}

// Refresh 从交易所拉取合约信息并更新映射
func (r *InstrumentRegistry) Refresh(ctx context.Context, instID string) error {
	instruments, err := r.client.GetInstruments(ctx, "SWAP", instID)
	if err != nil {
		return fmt.Errorf("获取合约信息失败: %w", err)
	}

	for _, inst := range instruments {
		base := baseSymbolOf(inst.InstID)
		if base == "" {
			continue
		}

		ctVal, err := strconv.ParseFloat(inst.CtVal, 64)
		if err != nil || ctVal <= 0 {
			logger.Warn("⚠️ [Instrument] 合约 %s 面值无效: %q", inst.InstID, inst.CtVal)
			continue
		}

		info := &InstrumentInfo{
			InstID:     inst.InstID,
			BaseSymbol: base,
			CtVal:      ctVal,
			CtValCcy:   inst.CtValCcy,
		}

		r.mu.Lock()
		r.byInstID[info.InstID] = info
		r.bySymbol[info.BaseSymbol] = info
		r.mu.Unlock()

		if err := r.db.SaveInstrumentMapping(ctx, &database.InstrumentMapping{
			InstID:     info.InstID,
			BaseSymbol: info.BaseSymbol,
			CtVal:      info.CtVal,
			CtValCcy:   info.CtValCcy,
		}); err != nil {
			logger.Warn("⚠️ [Instrument] 持久化合约映射失败: %v", err)
		}
	}

	return nil
}

// ByInstID 按合约ID查询
func (r *InstrumentRegistry) ByInstID(instID string) (*InstrumentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byInstID[instID]
	return info, ok
}

// BySymbol 按基础币种查询
func (r *InstrumentRegistry) BySymbol(symbol string) (*InstrumentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.bySymbol[strings.ToUpper(symbol)]
	return info, ok
}

// CoinToContracts 币数量转张数
func (r *InstrumentRegistry) CoinToContracts(instID string, coinAmount float64) (float64, error) {
	info, ok := r.ByInstID(instID)
	if !ok {
		return 0, fmt.Errorf("未知合约: %s", instID)
	}
	return coinAmount / info.CtVal, nil
}

// ContractsToCoin 张数转币数量
func (r *InstrumentRegistry) ContractsToCoin(instID string, contracts float64) (float64, error) {
	info, ok := r.ByInstID(instID)
	if !ok {
		return 0, fmt.Errorf("未知合约: %s", instID)
	}
	return contracts * info.CtVal, nil
}

// baseSymbolOf 从合约ID提取基础币种（ETH-USDT-SWAP -> ETH）
func baseSymbolOf(instID string) string {
	parts := strings.Split(instID, "-")
	if len(parts) < 2 {
		return ""
	}
	return strings.ToUpper(parts[0])
}
