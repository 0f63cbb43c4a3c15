package agent

import "strings"

// ModelInfo carries the catalog data used to normalize run meta.
type ModelInfo struct {
	DisplayName     string
	ContextWindow   int
	MaxOutputTokens int
	InputCostPerM   float64 // USD per 1M prompt tokens
	OutputCostPerM  float64 // USD per 1M completion tokens
}

// modelCatalog maps bare model names (provider prefix stripped) to their
// published limits and pricing. Unknown models fall back to defaultModelInfo.
var modelCatalog = map[string]ModelInfo{
	"gpt-4o-mini":       {DisplayName: "GPT-4o mini", ContextWindow: 128000, MaxOutputTokens: 16384, InputCostPerM: 0.15, OutputCostPerM: 0.60},
	"gpt-4o":            {DisplayName: "GPT-4o", ContextWindow: 128000, MaxOutputTokens: 16384, InputCostPerM: 2.50, OutputCostPerM: 10.00},
	"gpt-4.1-mini":      {DisplayName: "GPT-4.1 mini", ContextWindow: 1047576, MaxOutputTokens: 32768, InputCostPerM: 0.40, OutputCostPerM: 1.60},
	"gpt-5-codex":       {DisplayName: "GPT-5 Codex", ContextWindow: 400000, MaxOutputTokens: 128000},
	"claude-sonnet-4-5": {DisplayName: "Claude Sonnet 4.5", ContextWindow: 200000, MaxOutputTokens: 64000, InputCostPerM: 3.00, OutputCostPerM: 15.00},
	"claude-haiku-4-5":  {DisplayName: "Claude Haiku 4.5", ContextWindow: 200000, MaxOutputTokens: 64000, InputCostPerM: 1.00, OutputCostPerM: 5.00},
	"deepseek-chat":     {DisplayName: "DeepSeek Chat", ContextWindow: 65536, MaxOutputTokens: 8192, InputCostPerM: 0.27, OutputCostPerM: 1.10},
	"llama-3.3-70b":     {DisplayName: "Llama 3.3 70B", ContextWindow: 131072, MaxOutputTokens: 32768, InputCostPerM: 0.59, OutputCostPerM: 0.79},
	"llama3.2":          {DisplayName: "Llama 3.2 (local)", ContextWindow: 131072, MaxOutputTokens: 8192},
	"qwen2.5":           {DisplayName: "Qwen 2.5 (local)", ContextWindow: 32768, MaxOutputTokens: 8192},
}

// Catalog returns a copy of the model catalog keyed by bare model name.
func Catalog() map[string]ModelInfo {
	out := make(map[string]ModelInfo, len(modelCatalog))
	for name, info := range modelCatalog {
		out[name] = info
	}
	return out
}

var defaultModelInfo = ModelInfo{
	DisplayName:     "",
	ContextWindow:   128000,
	MaxOutputTokens: 8192,
}

// LookupModel resolves catalog info for a model spec like "openai/gpt-4o-mini".
// Falls back to prefix matching so versioned tags (":latest", date suffixes)
// still resolve.
func LookupModel(spec string) ModelInfo {
	name := spec
	if i := strings.Index(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, ":"); i >= 0 {
		name = name[:i]
	}

	if info, ok := modelCatalog[name]; ok {
		return info
	}
	for key, info := range modelCatalog {
		if strings.HasPrefix(name, key) {
			return info
		}
	}
	info := defaultModelInfo
	info.DisplayName = name
	return info
}

// EstimateCostUSD converts token counts to dollars using catalog pricing.
// Local models have zero cost.
func EstimateCostUSD(info ModelInfo, promptTokens, completionTokens int) float64 {
	return float64(promptTokens)*info.InputCostPerM/1e6 +
		float64(completionTokens)*info.OutputCostPerM/1e6
}
