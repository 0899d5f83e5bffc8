package refine

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
	"text/template"

	"llmrefine/pkg/contract"
)

// Options 为“训练数据精炼（单条 + Chat）” PromptBuilder 的最小配置。
// system 与 user 模板各自 inline/path 二选一，inline 优先；均为空时使用内置默认模板。
type Options struct {
	InlineSystemTemplate string `json:"inline_system_template"`
	SystemTemplatePath   string `json:"system_template_path"`
	InlineUserTemplate   string `json:"inline_user_template"`
	UserTemplatePath     string `json:"user_template_path"`
	// Subject: 默认模板中对载荷的称呼，例如 "D3.js visualization"。默认 "code"。
	Subject string `json:"subject"`
}

// View 为模板可见的数据。
type View struct {
	Input   string
	Output  string
	Subject string
}

// Builder: 以单条 Record 构造 ChatPrompt（system+user）。
// 运行期不做 I/O；模板在构造期解析。
type Builder struct {
	sysT    *template.Template
	userT   *template.Template
	subject string
}

// New 创建精炼 PromptBuilder。
func New(opts *Options) (*Builder, error) {
	o := Options{}
	if opts != nil {
		o = *opts
	}
	sys, err := loadTemplate("system", o.InlineSystemTemplate, o.SystemTemplatePath, defaultSystemTemplate)
	if err != nil {
		return nil, err
	}
	usr, err := loadTemplate("user", o.InlineUserTemplate, o.UserTemplatePath, defaultUserTemplate)
	if err != nil {
		return nil, err
	}
	subject := strings.TrimSpace(o.Subject)
	if subject == "" {
		subject = "code"
	}
	return &Builder{sysT: sys, userT: usr, subject: subject}, nil
}

// loadTemplate 构造期读取并解析模板；缺失的键渲染时报错。
func loadTemplate(name, inline, path, def string) (*template.Template, error) {
	src := def
	if inline != "" {
		src = inline
	} else if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s template read: %w", name, err)
		}
		src = string(b)
	}
	tpl, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%s template parse: %w", name, err)
	}
	return tpl, nil
}

// Build: 基于 Record 构造 ChatPrompt；user 提示同时嵌入原始请求与原始载荷。
func (b *Builder) Build(ctx context.Context, r contract.Record) (contract.Prompt, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	v := View{Input: r.Input, Output: r.Output, Subject: b.subject}
	var sys, usr bytes.Buffer
	if err := b.sysT.Execute(&sys, v); err != nil {
		return nil, fmt.Errorf("system render: %v: %w", err, contract.ErrInvalidInput)
	}
	if err := b.userT.Execute(&usr, v); err != nil {
		return nil, fmt.Errorf("user render: %v: %w", err, contract.ErrInvalidInput)
	}
	return contract.ChatPrompt{
		{Role: "system", Content: sys.String()},
		{Role: "user", Content: usr.String()},
	}, nil
}

// 静态接口断言
var _ contract.PromptBuilder = (*Builder)(nil)

const defaultSystemTemplate = `You are an expert software engineer. Your task is to analyze training data pairs used to train LLMs to produce {{.Subject}}, and generate high-quality, production-ready rebuilds of each pair.

For each pair:
1. Analyze how the natural language request maps to the implementation: the core task requested, key configuration parameters, data preparation needs, interactive elements and error handling patterns.
2. Standardize the implementation into a consistent, documented, reusable form.
3. Keep the request realistic: it may not specify every parameter.

Respond with a JSON object with exactly two fields:
- "input": the natural language request
- "output": a friendly response followed by the standardized, complete {{.Subject}}

Maintain proper JSON escaping for the code in the output field. Your response must be valid JSON that can be used directly for training an LLM.`

const defaultUserTemplate = `Analyze this {{.Subject}} example and provide a refined version.

Original Request: {{.Input}}

Original Implementation:
{{.Output}}

Provide your response in the following JSON format EXACTLY (no additional text before or after):
{
    "input": "<a creative variation of the original request appropriate for the data type>",
    "output": "A friendly response followed by the refined {{.Subject}} including imports and full implementation, with adjustments ONLY as needed."
}

IMPORTANT:
1. Your entire response must be valid JSON
2. Do not include any text outside the JSON object
3. Properly escape all quotes and newlines in the JSON
4. Include the complete implementation in the output field`
