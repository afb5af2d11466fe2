package llm

// Price is the list price of one model in USD.
type Price struct {
	PromptPerMillion     float64 `mapstructure:"prompt_per_million" yaml:"prompt_per_million"`
	CompletionPerMillion float64 `mapstructure:"completion_per_million" yaml:"completion_per_million"`
	PerImage             float64 `mapstructure:"per_image" yaml:"per_image"`
}

// Cost prices u with the table; unknown models cost nothing.
func Cost(prices map[string]Price, u Usage) float64 {
	p, ok := prices[u.Model]
	if !ok {
		return 0
	}
	return float64(u.PromptTokens)*p.PromptPerMillion/1e6 +
		float64(u.CompletionTokens)*p.CompletionPerMillion/1e6 +
		float64(u.Images)*p.PerImage
}
