package feishu

import (
	"context"
	"encoding/json"
	"fmt"
)

// =============================================================================
// 消息卡片服务 — 发送飞书交互式消息卡片
// 支持群聊和个人卡片发送，提供预设的生产业务通知卡片模板
// =============================================================================

// SendCard 向群聊发送消息卡片
// chatID: 群聊ID
// card: 交互式卡片内容
func (c *FeishuClient) SendCard(ctx context.Context, chatID string, card InteractiveCard) error {
	return c.sendCard(ctx, "chat_id", chatID, card)
}

// SendUserCard 向个人发送消息卡片
// userID: 用户ID（open_id）
// card: 交互式卡片内容
func (c *FeishuClient) SendUserCard(ctx context.Context, userID string, card InteractiveCard) error {
	return c.sendCard(ctx, "open_id", userID, card)
}

// sendCard 发送消息卡片的内部实现
func (c *FeishuClient) sendCard(ctx context.Context, idType, id string, card InteractiveCard) error {
	// 将卡片序列化为JSON字符串
	cardBytes, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("序列化卡片内容失败: %w", err)
	}

	// 构造请求体
	reqBody := map[string]interface{}{
		"receive_id_type": idType,
		"receive_id":      id,
		"msg_type":        "interactive",
		"content":         string(cardBytes),
	}

	// 发送消息，query参数通过URL传递
	path := fmt.Sprintf("/open-apis/im/v1/messages?receive_id_type=%s", idType)

	var resp SendMessageResponse
	if err := c.doRequest(ctx, "POST", path, reqBody, &resp); err != nil {
		return fmt.Errorf("发送消息卡片失败: %w", err)
	}

	return nil
}

// =============================================================================
// 预设卡片模板 — 生产业务通知卡片
// =============================================================================

// NewWorkOrderCompletedCard 创建工单完工通知卡片
// woCode: 工单编号
// itemName: 产品名称
// orderedQty: 订单数量
// dispatchedQty: 累计发货数量
func NewWorkOrderCompletedCard(woCode, itemName string, orderedQty, dispatchedQty float64) InteractiveCard {
	return InteractiveCard{
		Config: &CardConfig{WideScreenMode: true},
		Header: &CardHeader{
			Title:    CardText{Tag: "plain_text", Content: "✅ 工单完工通知"},
			Template: "green",
		},
		Elements: []CardElement{
			{
				Tag: "div",
				Fields: []CardField{
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**工单编号**\n%s", woCode)}},
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**产品名称**\n%s", itemName)}},
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**订单数量**\n%g", orderedQty)}},
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**累计发货**\n%g", dispatchedQty)}},
				},
			},
			{Tag: "hr"},
			{
				Tag: "note",
				Elements: []CardElement{
					{Tag: "plain_text", Content: "工单已标记完工，不再接受新的报工和发货"},
				},
			},
		},
	}
}

// NewFinalGateFailedCard 创建终检不合格通知卡片
// woCode: 工单编号
// batchNumber: 批次序号
// qcCode: 质检单编号
// rejectedQty: 本次判退数量
func NewFinalGateFailedCard(woCode string, batchNumber int, qcCode string, rejectedQty float64) InteractiveCard {
	return InteractiveCard{
		Config: &CardConfig{WideScreenMode: true},
		Header: &CardHeader{
			Title:    CardText{Tag: "plain_text", Content: "❌ 终检不合格通知"},
			Template: "red",
		},
		Elements: []CardElement{
			{
				Tag: "div",
				Fields: []CardField{
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**工单编号**\n%s", woCode)}},
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**批次序号**\n#%d", batchNumber)}},
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**质检单号**\n%s", qcCode)}},
					{IsShort: true, Text: CardText{Tag: "lark_md", Content: fmt.Sprintf("**判退数量**\n%g", rejectedQty)}},
				},
			},
			{Tag: "hr"},
			{
				Tag: "note",
				Elements: []CardElement{
					{Tag: "plain_text", Content: "该批次发货保持阻断，请质量工程师及时处理"},
				},
			},
		},
	}
}
