package engine

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single generation.
type Options struct {
	MaxTokens   int
	Temperature float64
	// JSON asks the backend to constrain the reply to a JSON object.
	JSON bool
}

// Completion is a generated reply. TokensUsed counts prompt and completion
// tokens when the backend reports them.
type Completion struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model"`
}

// EstimateTokens approximates a token count from text length for backends
// that report no usage (about four characters per token).
func EstimateTokens(texts ...string) int {
	n := 0
	for _, t := range texts {
		n += len(t)
	}
	return (n + 3) / 4
}
