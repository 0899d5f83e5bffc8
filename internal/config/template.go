package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// 默认使用 mock LLM（离线调试友好），openai/gemini 给出全部选项键以便切换。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := Config{
		Input:                 "input.json",
		Output:                d.Output,
		BatchSize:             d.BatchSize,
		Limit:                 IntPtr(0),
		PacingMS:              IntPtr(DefaultPacingMS),
		RequestTimeoutSeconds: IntPtr(DefaultTimeoutSeconds),
		Logging:               Logging{Level: "info"},
		Components:            d.Components,
		LLM:                   "mock",
		Provider: map[string]Provider{
			"mock": {
				Client:  "mock",
				Options: json.RawMessage(`{"prefix":"","response_mode":"","fail_match":"","delay_ms":0}`),
			},
			"openai": {
				Client: "openai",
				// 覆盖全部 OpenAI 选项键，值可为空/默认
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "gpt-4o",
  "api_key_env": "OPENAI_API_KEY",
  "api_key": "",
  "temperature": 0,
  "json_mode": false,
  "endpoint_path": "",
  "disable_default_auth": false,
  "extra_headers": {}
}`),
			},
			"gemini": {
				Client: "gemini",
				Options: json.RawMessage(`{
  "base_url": "",
  "model": "",
  "api_key_env": "GOOGLE_API_KEY",
  "api_key": "",
  "temperature": 0,
  "endpoint_path": "",
  "api_key_in_query": true,
  "extra_headers": {},
  "extra_query": {},
  "response_mime_type": ""
}`),
			},
		},
	}
	// Options：包含所有键（值可为空/默认），确保键存在。
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "format": ""
}`)
	// fixed batcher 无配置项，保持空对象
	cfg.Options.Batcher = json.RawMessage(`{}`)
	cfg.Options.Writer = json.RawMessage(`{
  "root": "",
  "atomic": true,
  "perm_file": 0,
  "perm_dir": 0,
  "buf_size": 65536,
  "sync_each_append": false
}`)
	cfg.Options.PromptBuilder = json.RawMessage(`{
  "inline_system_template": "",
  "system_template_path": "",
  "inline_user_template": "",
  "user_template_path": "",
  "subject": "code"
}`)
	cfg.Options.Decoder = json.RawMessage(`{
  "extract_fenced": false
}`)
	return cfg
}
