package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"perpsync/logger"
)

const (
	// REST API 地址（模拟盘与主网同域，通过请求头区分）
	RestBaseURL = "https://www.okx.com"
)

// APIError OKX 业务错误（HTTP 200 但 code != 0）
type APIError struct {
	Code string
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API 错误 %s: %s", e.Code, e.Msg)
}

// IsAuthError 判断是否为认证/权限类错误
// 50100-50125 为 API key 相关错误段
func IsAuthError(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return strings.HasPrefix(apiErr.Code, "501")
}

// Client OKX REST API 客户端
type Client struct {
	apiKey     string
	secretKey  string
	passphrase string
	baseURL    string
	useTestnet bool
	httpClient *http.Client
}

// NewClient 创建 OKX 客户端
func NewClient(apiKey, secretKey, passphrase string, useTestnet bool) *Client {
	return &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		passphrase: passphrase,
		baseURL:    RestBaseURL,
		useTestnet: useTestnet,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// sign 生成签名
func (c *Client) sign(timestamp, method, requestPath, body string) string {
	message := timestamp + method + requestPath + body
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// request 发送 HTTP 请求
func (c *Client) request(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyBytes []byte
	var err error

	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	// 时间戳使用 ISO 8601 格式
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	bodyStr := ""
	if len(bodyBytes) > 0 {
		bodyStr = string(bodyBytes)
	}
	signature := c.sign(timestamp, method, path, bodyStr)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("OK-ACCESS-KEY", c.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", signature)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.passphrase)

	if c.useTestnet {
		req.Header.Set("x-simulated-trading", "1")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP 错误 %d: %s", resp.StatusCode, string(respBody))
	}

	var apiResp struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}

	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}

	if apiResp.Code != "0" {
		// 批量接口的业务错误藏在 data 里，优先取第一条
		var items []struct {
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		}
		if json.Unmarshal(apiResp.Data, &items) == nil && len(items) > 0 && items[0].SCode != "" && items[0].SCode != "0" {
			return nil, &APIError{Code: items[0].SCode, Msg: items[0].SMsg}
		}
		return nil, &APIError{Code: apiResp.Code, Msg: apiResp.Msg}
	}

	return apiResp.Data, nil
}

// Instrument 合约信息
type Instrument struct {
	InstID   string `json:"instId"`
	InstType string `json:"instType"`
	CtVal    string `json:"ctVal"`    // 合约面值
	CtValCcy string `json:"ctValCcy"` // 合约面值计价币种
	TickSz   string `json:"tickSz"`   // 价格最小变动单位
	LotSz    string `json:"lotSz"`    // 数量最小变动单位
}

// GetInstruments 获取合约信息
func (c *Client) GetInstruments(ctx context.Context, instType, instID string) ([]Instrument, error) {
	path := fmt.Sprintf("/api/v5/public/instruments?instType=%s", instType)
	if instID != "" {
		path += "&instId=" + instID
	}

	data, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var instruments []Instrument
	if err := json.Unmarshal(data, &instruments); err != nil {
		return nil, fmt.Errorf("解析合约信息失败: %w", err)
	}

	return instruments, nil
}

// AttachedAlgoOrder 下单时附带的止盈止损
type AttachedAlgoOrder struct {
	TpTriggerPx string `json:"tpTriggerPx,omitempty"` // 止盈触发价
	TpOrdPx     string `json:"tpOrdPx,omitempty"`     // 止盈委托价（-1 为市价）
	SlTriggerPx string `json:"slTriggerPx,omitempty"` // 止损触发价
	SlOrdPx     string `json:"slOrdPx,omitempty"`     // 止损委托价
}

// PlaceOrderRequest 下单请求
type PlaceOrderRequest struct {
	InstID     string              `json:"instId"`
	TdMode     string              `json:"tdMode"`  // 交易模式: cross / isolated
	Side       Side                `json:"side"`
	PosSide    PosSide             `json:"posSide"`
	OrdType    string              `json:"ordType"` // market / limit
	Sz         string              `json:"sz"`      // 数量（张）
	Px         string              `json:"px,omitempty"`
	ClOrdID    string              `json:"clOrdId,omitempty"`
	ReduceOnly bool                `json:"reduceOnly,omitempty"`
	AttachAlgo []AttachedAlgoOrder `json:"attachAlgoOrds,omitempty"`
}

// PlaceOrderResult 下单结果
type PlaceOrderResult struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// PlaceOrder 下单
func (c *Client) PlaceOrder(ctx context.Context, order *PlaceOrderRequest) (*PlaceOrderResult, error) {
	data, err := c.request(ctx, "POST", "/api/v5/trade/order", order)
	if err != nil {
		return nil, err
	}

	var results []PlaceOrderResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("解析下单结果失败: %w", err)
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("下单结果为空")
	}
	if results[0].SCode != "" && results[0].SCode != "0" {
		return nil, &APIError{Code: results[0].SCode, Msg: results[0].SMsg}
	}

	return &results[0], nil
}

// CancelOrder 取消订单
func (c *Client) CancelOrder(ctx context.Context, instID, ordID, clOrdID string) error {
	body := map[string]interface{}{
		"instId": instID,
	}
	if ordID != "" {
		body["ordId"] = ordID
	}
	if clOrdID != "" {
		body["clOrdId"] = clOrdID
	}

	_, err := c.request(ctx, "POST", "/api/v5/trade/cancel-order", body)
	return err
}

// PlaceAlgoOrderRequest 策略委托请求（独立止盈止损）
type PlaceAlgoOrderRequest struct {
	InstID      string  `json:"instId"`
	TdMode      string  `json:"tdMode"`
	Side        Side    `json:"side"`
	PosSide     PosSide `json:"posSide"`
	OrdType     string  `json:"ordType"` // conditional / oco
	Sz          string  `json:"sz"`
	TpTriggerPx string  `json:"tpTriggerPx,omitempty"`
	TpOrdPx     string  `json:"tpOrdPx,omitempty"`
	SlTriggerPx string  `json:"slTriggerPx,omitempty"`
	SlOrdPx     string  `json:"slOrdPx,omitempty"`
	ReduceOnly  bool    `json:"reduceOnly,omitempty"`
}

// AlgoOrderResult 策略委托结果
type AlgoOrderResult struct {
	AlgoID string `json:"algoId"`
	SCode  string `json:"sCode"`
	SMsg   string `json:"sMsg"`
}

// PlaceAlgoOrder 下策略委托
func (c *Client) PlaceAlgoOrder(ctx context.Context, order *PlaceAlgoOrderRequest) (*AlgoOrderResult, error) {
	data, err := c.request(ctx, "POST", "/api/v5/trade/order-algo", order)
	if err != nil {
		return nil, err
	}

	var results []AlgoOrderResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("解析策略委托结果失败: %w", err)
	}

	if len(results) == 0 {
		return nil, fmt.Errorf("策略委托结果为空")
	}
	if results[0].SCode != "" && results[0].SCode != "0" {
		return nil, &APIError{Code: results[0].SCode, Msg: results[0].SMsg}
	}

	return &results[0], nil
}

// AlgoOrder 策略委托信息
type AlgoOrder struct {
	AlgoID      string `json:"algoId"`
	InstID      string `json:"instId"`
	OrdType     string `json:"ordType"`
	State       string `json:"state"`
	TpTriggerPx string `json:"tpTriggerPx"`
	SlTriggerPx string `json:"slTriggerPx"`
}

// GetPendingAlgoOrders 查询未触发的策略委托
func (c *Client) GetPendingAlgoOrders(ctx context.Context, instID string) ([]AlgoOrder, error) {
	path := "/api/v5/trade/orders-algo-pending?ordType=conditional"
	if instID != "" {
		path += "&instId=" + instID
	}

	data, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var orders []AlgoOrder
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("解析策略委托列表失败: %w", err)
	}

	return orders, nil
}

// CancelAlgoOrders 批量取消策略委托
func (c *Client) CancelAlgoOrders(ctx context.Context, instID string, algoIDs []string) error {
	if len(algoIDs) == 0 {
		return nil
	}

	orders := make([]map[string]interface{}, len(algoIDs))
	for i, algoID := range algoIDs {
		orders[i] = map[string]interface{}{
			"instId": instID,
			"algoId": algoID,
		}
	}

	_, err := c.request(ctx, "POST", "/api/v5/trade/cancel-algos", orders)
	return err
}

// Order 订单信息
type Order struct {
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	InstID    string `json:"instId"`
	Side      string `json:"side"`
	PosSide   string `json:"posSide"`
	OrdType   string `json:"ordType"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	AccFillSz string `json:"accFillSz"` // 累计成交数量
	AvgPx     string `json:"avgPx"`     // 成交均价
	State     string `json:"state"`     // 订单状态
	UTime     string `json:"uTime"`     // 更新时间
}

// GetOrder 查询订单
func (c *Client) GetOrder(ctx context.Context, instID, ordID, clOrdID string) (*Order, error) {
	path := fmt.Sprintf("/api/v5/trade/order?instId=%s", instID)
	if ordID != "" {
		path += "&ordId=" + ordID
	}
	if clOrdID != "" {
		path += "&clOrdId=" + clOrdID
	}

	data, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var orders []Order
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("解析订单信息失败: %w", err)
	}

	if len(orders) == 0 {
		return nil, fmt.Errorf("订单不存在")
	}

	return &orders[0], nil
}

// GetOpenOrders 查询未完成订单
func (c *Client) GetOpenOrders(ctx context.Context, instID string) ([]Order, error) {
	path := "/api/v5/trade/orders-pending?instType=SWAP"
	if instID != "" {
		path += "&instId=" + instID
	}

	data, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var orders []Order
	if err := json.Unmarshal(data, &orders); err != nil {
		return nil, fmt.Errorf("解析订单列表失败: %w", err)
	}

	return orders, nil
}

// Position 持仓信息
type Position struct {
	InstID  string `json:"instId"`
	Pos     string `json:"pos"`     // 持仓数量（张）
	AvgPx   string `json:"avgPx"`   // 开仓均价
	MarkPx  string `json:"markPx"`  // 标记价格
	Upl     string `json:"upl"`     // 未实现收益
	Lever   string `json:"lever"`   // 杠杆倍数
	MgnMode string `json:"mgnMode"` // 保证金模式
	PosSide string `json:"posSide"` // 持仓方向
	UTime   string `json:"uTime"`   // 更新时间
}

// GetPositions 获取持仓信息
func (c *Client) GetPositions(ctx context.Context, instID string) ([]Position, error) {
	path := "/api/v5/account/positions?instType=SWAP"
	if instID != "" {
		path += "&instId=" + instID
	}

	data, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var positions []Position
	if err := json.Unmarshal(data, &positions); err != nil {
		return nil, fmt.Errorf("解析持仓信息失败: %w", err)
	}

	return positions, nil
}

// PositionHistory 历史持仓记录（已平仓）
type PositionHistory struct {
	PosID         string `json:"posId"`
	InstID        string `json:"instId"`
	PosSide       string `json:"posSide"`
	OpenAvgPx     string `json:"openAvgPx"`     // 开仓均价
	CloseAvgPx    string `json:"closeAvgPx"`    // 平仓均价
	CloseTotalPos string `json:"closeTotalPos"` // 累计平仓量
	RealizedPnl   string `json:"realizedPnl"`   // 已实现收益
	UTime         string `json:"uTime"`         // 平仓完成时间
}

// GetPositionHistory 获取历史持仓（平仓快照数据源）
func (c *Client) GetPositionHistory(ctx context.Context, instID string, after time.Time) ([]PositionHistory, error) {
	path := "/api/v5/account/positions-history?instType=SWAP"
	if instID != "" {
		path += "&instId=" + instID
	}
	if !after.IsZero() {
		path += fmt.Sprintf("&before=%d", after.UnixMilli())
	}

	data, err := c.request(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	var histories []PositionHistory
	if err := json.Unmarshal(data, &histories); err != nil {
		return nil, fmt.Errorf("解析历史持仓失败: %w", err)
	}

	return histories, nil
}

// SetLeverage 设置杠杆
func (c *Client) SetLeverage(ctx context.Context, instID string, lever int, mgnMode string) error {
	body := map[string]interface{}{
		"instId":  instID,
		"lever":   fmt.Sprintf("%d", lever),
		"mgnMode": mgnMode,
	}

	_, err := c.request(ctx, "POST", "/api/v5/account/set-leverage", body)
	return err
}

func init() {
	logger.Debug("📦 [OKX Client] REST API 客户端已加载")
}
