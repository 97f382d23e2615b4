package transcript

import "unicode/utf8"

// Pricing is expressed in USD per million tokens.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

var DefaultPricing = Pricing{InputPerMillion: 2.50, OutputPerMillion: 10.00}

type CostEstimate struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	USD          float64 `json:"usd"`
}

// EstimateTokens approximates a token count as one token per four characters.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// EstimateCost bills system and user turns as input and assistant turns as
// output.
func EstimateCost(turns []Turn, pricing Pricing) CostEstimate {
	var est CostEstimate
	for _, t := range turns {
		tokens := EstimateTokens(t.Content)
		if t.Role == RoleAssistant {
			est.OutputTokens += tokens
		} else {
			est.InputTokens += tokens
		}
	}
	est.USD = float64(est.InputTokens)*pricing.InputPerMillion/1e6 +
		float64(est.OutputTokens)*pricing.OutputPerMillion/1e6
	return est
}
