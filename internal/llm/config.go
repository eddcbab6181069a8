// Package llm writes listing copy with a generative model.
package llm

// ModelTier represents the capability level of a model
type ModelTier string

const (
	// TierLite is for short copy: titles, one-paragraph descriptions
	TierLite ModelTier = "lite"
	// TierStandard is for longer or structured copy
	TierStandard ModelTier = "standard"
)

// Provider represents an LLM provider
type Provider string

// ProviderGemini is the Google Gemini provider
const ProviderGemini Provider = "gemini"

// Config holds the model configuration for the copywriter
type Config struct {
	Provider    Provider
	Models      map[ModelTier]string
	Temperature float32
}

// DefaultConfig returns the default Gemini configuration. A non-empty
// liteModel overrides the lite tier.
func DefaultConfig(liteModel string) *Config {
	cfg := &Config{
		Provider: ProviderGemini,
		Models: map[ModelTier]string{
			TierLite:     "gemini-2.5-flash-lite",
			TierStandard: "gemini-2.5-flash",
		},
		Temperature: 0.4,
	}
	if liteModel != "" {
		cfg.Models[TierLite] = liteModel
	}
	return cfg
}

// GetModel returns the model name for a given tier
func (c *Config) GetModel(tier ModelTier) string {
	if model, ok := c.Models[tier]; ok {
		return model
	}
	// Fallback chain: try standard, then lite
	if model, ok := c.Models[TierStandard]; ok {
		return model
	}
	if model, ok := c.Models[TierLite]; ok {
		return model
	}
	return ""
}
