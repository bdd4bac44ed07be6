package okx

import (
	"testing"
)

func TestNewClient(t *testing.T) {
	apiKey := "test_api_key"
	secretKey := "test_secret_key"
	passphrase := "test_passphrase"

	client := NewClient(apiKey, secretKey, passphrase, false)
	if client == nil {
		t.Fatal("创建客户端失败")
	}
	if client.apiKey != apiKey {
		t.Errorf("API Key 设置错误")
	}
	if client.secretKey != secretKey {
		t.Errorf("Secret Key 设置错误")
	}
	if client.passphrase != passphrase {
		t.Errorf("Passphrase 设置错误")
	}
	if client.useTestnet {
		t.Errorf("主网客户端不应启用模拟盘")
	}

	testnetClient := NewClient(apiKey, secretKey, passphrase, true)
	if !testnetClient.useTestnet {
		t.Errorf("模拟盘客户端应该启用模拟盘标识")
	}
}

func TestSign(t *testing.T) {
	client := NewClient("test_key", "test_secret", "test_pass", false)

	timestamp := "2023-01-01T00:00:00.000Z"
	method := "POST"
	requestPath := "/api/v5/trade/order"
	body := `{"instId":"ETH-USDT-SWAP","side":"buy"}`

	signature := client.sign(timestamp, method, requestPath, body)

	if signature == "" {
		t.Fatal("签名不能为空")
	}

	// 相同输入必须产生相同签名
	signature2 := client.sign(timestamp, method, requestPath, body)
	if signature != signature2 {
		t.Error("相同输入应该产生相同签名")
	}

	// 不同密钥必须产生不同签名
	other := NewClient("test_key", "other_secret", "test_pass", false)
	if other.sign(timestamp, method, requestPath, body) == signature {
		t.Error("不同密钥不应产生相同签名")
	}
}

func TestIsAuthError(t *testing.T) {
	authErr := &APIError{Code: "50111", Msg: "Invalid OK-ACCESS-KEY"}
	if !IsAuthError(authErr) {
		t.Error("50111 应该被识别为认证错误")
	}

	bizErr := &APIError{Code: "51008", Msg: "Order amount exceeds"}
	if IsAuthError(bizErr) {
		t.Error("51008 不应被识别为认证错误")
	}

	if IsAuthError(nil) {
		t.Error("nil 不应被识别为认证错误")
	}
}

func TestOrderUpdateClassify(t *testing.T) {
	external := OrderUpdate{OrdID: "123", ClOrdID: "", State: StateFilled}
	if !external.IsExternal() {
		t.Error("无 clOrdId 的订单应判定为外部订单")
	}
	if !external.IsTerminalFill() {
		t.Error("filled 状态应判定为终态成交")
	}

	internal := OrderUpdate{OrdID: "456", ClOrdID: "p1700000000000abc123", State: StatePartiallyFilled}
	if internal.IsExternal() {
		t.Error("有 clOrdId 的订单不应判定为外部订单")
	}
	if internal.IsTerminalFill() {
		t.Error("partially_filled 不应判定为终态成交")
	}
}

func TestBaseSymbolOf(t *testing.T) {
	cases := map[string]string{
		"ETH-USDT-SWAP": "ETH",
		"BTC-USDT-SWAP": "BTC",
		"sol-usdt-swap": "SOL",
		"invalid":       "",
	}

	for instID, want := range cases {
		if got := baseSymbolOf(instID); got != want {
			t.Errorf("baseSymbolOf(%s) = %s, 期望 %s", instID, got, want)
		}
	}
}
