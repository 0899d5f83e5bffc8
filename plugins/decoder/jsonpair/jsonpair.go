package jsonpair

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"llmrefine/pkg/contract"
)

// Options: 解码宽松度。
type Options struct {
	// ExtractFenced: 为 true 时，若文本首尾不是围栏，但中间含 ```json 围栏块，则取出该块再解析。
	// 默认 false：仅剥离首尾各一个可选围栏标记。
	ExtractFenced bool `json:"extract_fenced"`
}

type decoder struct {
	extract bool
}

// New 从原样 JSON Options 创建解码器。
func New(opts *Options) contract.Decoder {
	d := &decoder{}
	if opts != nil {
		d.extract = opts.ExtractFenced
	}
	return d
}

var _ contract.Decoder = (*decoder)(nil)

// Decode 期望 Raw.Text 为（可带围栏的）JSON 对象，且同时包含 "input" 与 "output" 两个字符串字段。
// 任何解析问题均以 *contract.ResponseError 返回，携带完整原文。
func (d *decoder) Decode(ctx context.Context, raw contract.Raw) (pair contract.Pair, err error) {
	select {
	case <-ctx.Done():
		return contract.Pair{}, ctx.Err()
	default:
	}
	// 解析失败不得越过边界
	defer func() {
		if r := recover(); r != nil {
			pair, err = contract.Pair{}, &contract.ResponseError{Raw: raw.Text, Reason: fmt.Sprintf("decoder panic: %v", r)}
		}
	}()

	body := StripFence(raw.Text)
	if d.extract && !strings.HasPrefix(body, "{") {
		if inner, ok := extractFenced(raw.Text); ok {
			body = inner
		}
	}
	if body == "" {
		return contract.Pair{}, &contract.ResponseError{Raw: raw.Text, Reason: "empty response"}
	}

	var obj map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&obj); err != nil {
		return contract.Pair{}, &contract.ResponseError{Raw: raw.Text, Reason: err.Error()}
	}
	// 对象之后不得再有任何非空白内容（含孤立的 } 或 ]）
	if _, err := dec.Token(); err != io.EOF {
		return contract.Pair{}, &contract.ResponseError{Raw: raw.Text, Reason: "trailing data after object"}
	}
	if obj == nil {
		return contract.Pair{}, &contract.ResponseError{Raw: raw.Text, Reason: "response is not an object"}
	}
	in, ok := obj["input"]
	if !ok {
		return contract.Pair{}, &contract.ResponseError{Raw: raw.Text, Reason: "response missing required fields"}
	}
	out, ok := obj["output"]
	if !ok {
		return contract.Pair{}, &contract.ResponseError{Raw: raw.Text, Reason: "response missing required fields"}
	}
	if err := unmarshalString(in, &pair.Input); err != nil {
		return contract.Pair{}, &contract.ResponseError{Raw: raw.Text, Reason: `field "input" must be a string`}
	}
	if err := unmarshalString(out, &pair.Output); err != nil {
		return contract.Pair{}, &contract.ResponseError{Raw: raw.Text, Reason: `field "output" must be a string`}
	}
	return pair, nil
}

var errNull = errors.New("null is not a string")

// unmarshalString 解码 JSON 字符串；null 对 string 是静默 no-op，须显式拒绝。
func unmarshalString(v json.RawMessage, dst *string) error {
	if bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return errNull
	}
	return json.Unmarshal(v, dst)
}

// StripFence 去除首尾空白后，剥离至多一个前导围栏（``` 或 ```json）与至多一个尾随围栏（```）。
func StripFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = s[3:]
		if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
			s = s[4:]
		}
	}
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractFenced 查找文本中首个 ```json 围栏块并返回其内容。
func extractFenced(s string) (string, bool) {
	b := []byte(s)
	i := bytes.Index(b, []byte("```json"))
	if i < 0 {
		return "", false
	}
	rest := b[i+len("```json"):]
	j := bytes.Index(rest, []byte("```"))
	if j < 0 {
		return "", false
	}
	inner := strings.TrimSpace(string(rest[:j]))
	return inner, inner != ""
}
