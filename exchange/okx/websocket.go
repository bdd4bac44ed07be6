package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"perpsync/logger"

	"github.com/gorilla/websocket"
)

const (
	// 私有 WebSocket 地址
	MainnetWsURL = "wss://ws.okx.com:8443/ws/v5/private"
	TestnetWsURL = "wss://wspap.okx.com:8443/ws/v5/private"
)

// WSConfig WebSocket 行为参数
type WSConfig struct {
	ReconnectDelay time.Duration // 重连固定间隔
	PingInterval   time.Duration // 空闲多久发送 ping
	PongTimeout    time.Duration // ping 后等待 pong 的超时
}

// WebSocketManager 私有订单流管理器
// 断线后按固定间隔自动重连，重连成功后重新登录并订阅。
type WebSocketManager struct {
	apiKey     string
	secretKey  string
	passphrase string
	useTestnet bool
	config     WSConfig

	conn          *websocket.Conn
	mu            sync.RWMutex
	isRunning     atomic.Bool
	loggedIn      atomic.Bool
	subscribed    atomic.Bool
	reconnects    atomic.Int64
	lastMsgTime   atomic.Int64 // 最近收到任何消息的时间（UnixNano）
	instID        string
	orderCallback func(OrderUpdate)
	stateCallback func(connected bool) // 连接状态变化通知（告警用）
}

// NewWebSocketManager 创建 WebSocket 管理器
func NewWebSocketManager(apiKey, secretKey, passphrase string, useTestnet bool, config WSConfig) *WebSocketManager {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 5 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 20 * time.Second
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = 10 * time.Second
	}

	return &WebSocketManager{
		apiKey:     apiKey,
		secretKey:  secretKey,
		passphrase: passphrase,
		useTestnet: useTestnet,
		config:     config,
	}
}

// SetStateCallback 设置连接状态回调
func (w *WebSocketManager) SetStateCallback(callback func(connected bool)) {
	w.stateCallback = callback
}

// ReconnectCount 累计重连次数
func (w *WebSocketManager) ReconnectCount() int64 {
	return w.reconnects.Load()
}

// IsConnected 当前是否已登录并订阅
func (w *WebSocketManager) IsConnected() bool {
	return w.isRunning.Load() && w.subscribed.Load()
}

// sign 生成登录签名
func (w *WebSocketManager) sign(timestamp string) string {
	message := timestamp + "GET" + "/users/self/verify"
	h := hmac.New(sha256.New, []byte(w.secretKey))
	h.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Start 启动订单流（阻塞直到 ctx 取消，内部处理重连）
func (w *WebSocketManager) Start(ctx context.Context, instID string, callback func(OrderUpdate)) error {
	if w.isRunning.Load() {
		return fmt.Errorf("WebSocket 已在运行")
	}

	w.instID = instID
	w.orderCallback = callback
	w.isRunning.Store(true)

	go w.runLoop(ctx)

	logger.Info("🚀 [OKX WebSocket] 订单流已启动: %s", instID)
	return nil
}

// runLoop 连接生命周期循环
func (w *WebSocketManager) runLoop(ctx context.Context) {
	for w.isRunning.Load() {
		err := w.connectOnce(ctx)

		if ctx.Err() != nil || !w.isRunning.Load() {
			return
		}

		if err != nil {
			logger.Warn("⚠️ [OKX WebSocket] 连接中断: %v，%v 后重连", err, w.config.ReconnectDelay)
		}

		w.reconnects.Add(1)
		if w.stateCallback != nil {
			w.stateCallback(false)
		}

		select {
		case <-time.After(w.config.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

// connectOnce 建立一次连接并读取直到出错
func (w *WebSocketManager) connectOnce(ctx context.Context) error {
	w.loggedIn.Store(false)
	w.subscribed.Store(false)

	wsURL := MainnetWsURL
	if w.useTestnet {
		wsURL = TestnetWsURL
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("连接 WebSocket 失败: %w", err)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		if w.conn != nil {
			w.conn.Close()
			w.conn = nil
		}
		w.mu.Unlock()
	}()

	w.lastMsgTime.Store(time.Now().UnixNano())

	if err := w.login(); err != nil {
		return fmt.Errorf("发送登录帧失败: %w", err)
	}

	// 心跳协程随本次连接生灭
	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go w.keepAlive(heartbeatCtx, conn)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("读取消息失败: %w", err)
		}

		w.lastMsgTime.Store(time.Now().UnixNano())
		w.handleMessage(message)
	}
}

// login 发送登录帧
func (w *WebSocketManager) login() error {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sign := w.sign(timestamp)

	loginMsg := map[string]interface{}{
		"op": "login",
		"args": []map[string]string{
			{
				"apiKey":     w.apiKey,
				"passphrase": w.passphrase,
				"timestamp":  timestamp,
				"sign":       sign,
			},
		},
	}

	return w.sendMessage(loginMsg)
}

// subscribeOrders 订阅订单频道
func (w *WebSocketManager) subscribeOrders() error {
	subMsg := map[string]interface{}{
		"op": "subscribe",
		"args": []map[string]string{
			{
				"channel":  "orders",
				"instType": "SWAP",
				"instId":   w.instID,
			},
		},
	}

	return w.sendMessage(subMsg)
}

// sendMessage 发送消息
func (w *WebSocketManager) sendMessage(msg interface{}) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.conn == nil {
		return fmt.Errorf("WebSocket 未连接")
	}

	return w.conn.WriteJSON(msg)
}

// handleMessage 处理消息
func (w *WebSocketManager) handleMessage(message []byte) {
	// 心跳响应是裸文本
	if string(message) == "pong" {
		return
	}

	var msg map[string]interface{}
	if err := json.Unmarshal(message, &msg); err != nil {
		logger.Warn("⚠️ [OKX WebSocket] 解析消息失败: %v", err)
		return
	}

	if event, ok := msg["event"].(string); ok {
		switch event {
		case "login":
			if code, ok := msg["code"].(string); ok && code == "0" {
				logger.Info("✅ [OKX WebSocket] 登录成功")
				w.loggedIn.Store(true)
				if err := w.subscribeOrders(); err != nil {
					logger.Error("❌ [OKX WebSocket] 发送订阅帧失败: %v", err)
				}
			} else {
				logger.Error("❌ [OKX WebSocket] 登录失败: %v", msg["msg"])
			}
		case "subscribe":
			logger.Info("✅ [OKX WebSocket] 订阅成功: orders/%s", w.instID)
			w.subscribed.Store(true)
			if w.stateCallback != nil {
				w.stateCallback(true)
			}
		case "error":
			logger.Error("❌ [OKX WebSocket] 错误: %v", msg["msg"])
		}
		return
	}

	if arg, ok := msg["arg"].(map[string]interface{}); ok {
		if channel, ok := arg["channel"].(string); ok && channel == "orders" {
			w.handleOrderUpdate(msg)
		}
	}
}

// handleOrderUpdate 处理订单推送
func (w *WebSocketManager) handleOrderUpdate(msg map[string]interface{}) {
	data, ok := msg["data"].([]interface{})
	if !ok || len(data) == 0 {
		return
	}

	for _, item := range data {
		orderData, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		side := SideBuy
		if getString(orderData, "side") == "sell" {
			side = SideSell
		}

		update := OrderUpdate{
			OrdID:      getString(orderData, "ordId"),
			ClOrdID:    getString(orderData, "clOrdId"),
			InstID:     getString(orderData, "instId"),
			Side:       side,
			PosSide:    PosSide(getString(orderData, "posSide")),
			State:      OrderState(getString(orderData, "state")),
			Sz:         getString(orderData, "sz"),
			AccFillSz:  getString(orderData, "accFillSz"),
			AvgPx:      getString(orderData, "avgPx"),
			UTime:      getString(orderData, "uTime"),
			FillTime:   getString(orderData, "fillTime"),
			OrdType:    getString(orderData, "ordType"),
			ReduceOnly: getString(orderData, "reduceOnly"),
		}

		if w.orderCallback != nil {
			w.orderCallback(update)
		}
	}
}

// getString 安全获取字符串值
func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// keepAlive 空闲心跳
// 空闲超过 PingInterval 发送文本 ping；发送后 PongTimeout 内没有任何消息则断开连接触发重连。
func (w *WebSocketManager) keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var pingSentAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		lastMsg := time.Unix(0, w.lastMsgTime.Load())
		idle := time.Since(lastMsg)

		// ping 已发出且超时未收到任何消息，强制断开
		if !pingSentAt.IsZero() && pingSentAt.After(lastMsg) && time.Since(pingSentAt) > w.config.PongTimeout {
			logger.Warn("⚠️ [OKX WebSocket] pong 超时，断开连接")
			conn.Close()
			return
		}

		if idle >= w.config.PingInterval && (pingSentAt.IsZero() || pingSentAt.Before(lastMsg)) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
				logger.Warn("⚠️ [OKX WebSocket] 发送 ping 失败: %v", err)
				conn.Close()
				return
			}
			pingSentAt = time.Now()
		}
	}
}

// Stop 停止 WebSocket
func (w *WebSocketManager) Stop() {
	if !w.isRunning.Load() {
		return
	}

	w.isRunning.Store(false)

	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()

	logger.Info("🛑 [OKX WebSocket] 已停止")
}
