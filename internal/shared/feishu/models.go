package feishu

// =============================================================================
// 飞书API通用响应
// =============================================================================

// BaseResponse 飞书API通用响应结构
type BaseResponse struct {
	Code int    `json:"code"` // 错误码，0表示成功
	Msg  string `json:"msg"`  // 错误消息
}

// =============================================================================
// 消息卡片相关模型
// =============================================================================

// InteractiveCard 飞书交互式消息卡片
type InteractiveCard struct {
	Config   *CardConfig   `json:"config,omitempty"`   // 卡片配置
	Header   *CardHeader   `json:"header,omitempty"`   // 卡片标题
	Elements []CardElement `json:"elements,omitempty"` // 卡片内容元素
}

// CardConfig 卡片配置
type CardConfig struct {
	WideScreenMode bool `json:"wide_screen_mode"` // 宽屏模式
}

// CardHeader 卡片标题
type CardHeader struct {
	Title    CardText `json:"title"`              // 标题文本
	Template string   `json:"template,omitempty"` // 标题颜色模板：blue/green/red/orange/purple等
}

// CardText 卡片文本
type CardText struct {
	Tag     string `json:"tag"`     // 文本类型：plain_text / lark_md
	Content string `json:"content"` // 文本内容
}

// CardElement 卡片元素（通用）
type CardElement struct {
	Tag      string        `json:"tag"`                // 元素类型：div/hr/action/note/markdown等
	Text     *CardText     `json:"text,omitempty"`     // 文本内容
	Fields   []CardField   `json:"fields,omitempty"`   // 字段列表（div元素使用）
	Actions  []CardAction  `json:"actions,omitempty"`  // 操作按钮列表（action元素使用）
	Elements []CardElement `json:"elements,omitempty"` // 子元素（note元素使用）
	Content  string        `json:"content,omitempty"`  // Markdown内容（markdown元素使用）
}

// CardField 卡片字段
type CardField struct {
	IsShort bool     `json:"is_short"` // 是否短字段（并排显示）
	Text    CardText `json:"text"`     // 字段文本
}

// CardAction 卡片操作按钮
type CardAction struct {
	Tag   string            `json:"tag"`             // 按钮类型：button
	Text  CardText          `json:"text"`            // 按钮文本
	Type  string            `json:"type,omitempty"`  // 按钮样式：primary/danger/default
	URL   string            `json:"url,omitempty"`   // 跳转链接
	Value map[string]string `json:"value,omitempty"` // 回调数据
}

// SendMessageRequest 发送消息请求（内部使用）
type SendMessageRequest struct {
	ReceiveIDType string `json:"receive_id_type"` // 接收者类型：chat_id/open_id
	ReceiveID     string `json:"receive_id"`      // 接收者ID
	MsgType       string `json:"msg_type"`        // 消息类型：interactive
	Content       string `json:"content"`         // 卡片JSON字符串
}

// SendMessageResponse 发送消息响应
type SendMessageResponse struct {
	BaseResponse
	Data struct {
		MessageID string `json:"message_id"` // 消息ID
	} `json:"data"`
}
