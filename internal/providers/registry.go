package providers

import "strings"

// ProviderSpec describes one OpenAI-compatible endpoint family.
type ProviderSpec struct {
	Name           string   // config name, e.g. "deepseek"
	Keywords       []string // model-name keywords for matching (lowercase)
	EnvKey         string   // env var holding the API key
	DisplayName    string   // shown in status
	DefaultAPIBase string   // base URL; empty means the OpenAI default
	DefaultModel   string
	DetectByKey    string // api key prefix
	DetectByBase   string // substring of api base URL
	StripPrefix    bool   // strip "name/" from model names before sending
}

// Label returns a display label.
func (s *ProviderSpec) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return s.Name
}

// Providers is the registry. Order is match priority.
var Providers = []*ProviderSpec{
	{
		Name: "openrouter", Keywords: []string{"openrouter"},
		EnvKey: "OPENROUTER_API_KEY", DisplayName: "OpenRouter",
		DefaultAPIBase: "https://openrouter.ai/api/v1",
		DetectByKey:    "sk-or-", DetectByBase: "openrouter",
	},
	{
		Name: "openai", Keywords: []string{"gpt", "o1", "o3", "o4"},
		EnvKey: "OPENAI_API_KEY", DisplayName: "OpenAI",
		DefaultModel: "gpt-4o-mini",
	},
	{
		Name: "deepseek", Keywords: []string{"deepseek"},
		EnvKey: "DEEPSEEK_API_KEY", DisplayName: "DeepSeek",
		DefaultAPIBase: "https://api.deepseek.com/v1",
		DefaultModel:   "deepseek-chat", StripPrefix: true,
		DetectByBase: "deepseek",
	},
	{
		Name: "dashscope", Keywords: []string{"qwen", "dashscope"},
		EnvKey: "DASHSCOPE_API_KEY", DisplayName: "DashScope",
		DefaultAPIBase: "https://dashscope.aliyuncs.com/compatible-mode/v1",
		DefaultModel:   "qwen-plus", StripPrefix: true,
		DetectByBase: "dashscope",
	},
	{
		Name: "moonshot", Keywords: []string{"moonshot", "kimi"},
		EnvKey: "MOONSHOT_API_KEY", DisplayName: "Moonshot",
		DefaultAPIBase: "https://api.moonshot.ai/v1",
		DefaultModel:   "moonshot-v1-8k", StripPrefix: true,
		DetectByBase: "moonshot",
	},
	{
		Name: "zhipu", Keywords: []string{"glm", "zhipu"},
		EnvKey: "ZAI_API_KEY", DisplayName: "Zhipu AI",
		DefaultAPIBase: "https://open.bigmodel.cn/api/paas/v4",
		DefaultModel:   "glm-4-flash", StripPrefix: true,
		DetectByBase: "bigmodel",
	},
	{
		Name: "groq", Keywords: []string{"groq"},
		EnvKey: "GROQ_API_KEY", DisplayName: "Groq",
		DefaultAPIBase: "https://api.groq.com/openai/v1",
		StripPrefix:    true, DetectByKey: "gsk_",
	},
}

// FindByModel returns the spec whose keywords match the model name.
func FindByModel(model string) *ProviderSpec {
	lower := strings.ToLower(model)
	for _, spec := range Providers {
		for _, kw := range spec.Keywords {
			if strings.Contains(lower, kw) {
				return spec
			}
		}
	}
	return nil
}

// FindByName finds a spec by config name.
func FindByName(name string) *ProviderSpec {
	for _, spec := range Providers {
		if spec.Name == name {
			return spec
		}
	}
	return nil
}

// Detect resolves a spec. Priority: 1) explicit name  2) api key prefix
// 3) api base keyword  4) model keyword.
func Detect(name, apiKey, apiBase, model string) *ProviderSpec {
	if name != "" {
		if spec := FindByName(name); spec != nil {
			return spec
		}
	}
	for _, spec := range Providers {
		if spec.DetectByKey != "" && apiKey != "" && strings.HasPrefix(apiKey, spec.DetectByKey) {
			return spec
		}
		if spec.DetectByBase != "" && apiBase != "" && strings.Contains(apiBase, spec.DetectByBase) {
			return spec
		}
	}
	return FindByModel(model)
}

// ResolveModel strips a "provider/" prefix when the endpoint expects bare
// model names.
func (s *ProviderSpec) ResolveModel(model string) string {
	if s == nil || !s.StripPrefix {
		return model
	}
	if prefix := s.Name + "/"; strings.HasPrefix(model, prefix) {
		return strings.TrimPrefix(model, prefix)
	}
	return model
}
