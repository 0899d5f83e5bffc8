package contract

import "context"

// Prompt: 不透明载荷，由具体 PromptBuilder/LLMClient 配对解释。
type Prompt any

// Message: 最小会话消息形状（可用于 ChatPrompt）。
type Message struct {
	Role    string
	Content string
}

// TextPrompt: 文本型提示词载荷。
type TextPrompt string

// ChatPrompt: 会话型提示词载荷（最小集合）。
type ChatPrompt []Message

// PromptBuilder: 基于单条 Record 构造确定性的 Prompt（system 指令 + user 提示）。
// 约束：
//   - 纯计算，不做 I/O；
//   - user 提示需同时嵌入原始请求（Input）与原始载荷（Output）；
//   - 失败快速返回错误。
type PromptBuilder interface {
	Build(ctx context.Context, r Record) (Prompt, error)
}
