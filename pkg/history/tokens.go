package history

// Token estimation follows the cl100k rule of thumb: roughly four bytes of
// text per token, plus a fixed per-message overhead for role metadata.
const (
	charsPerToken    = 4
	perMessageTokens = 4
)

// Estimate returns the approximate token cost of one message, tool-call
// structures included.
func Estimate(m Message) int {
	chars := len(m.Content) + len(m.Name)
	for _, tc := range m.ToolCalls {
		chars += len(tc.ID) + len(tc.Function.Name) + len(tc.Function.Arguments)
	}
	return chars/charsPerToken + perMessageTokens
}

// EstimateHistory sums Estimate over a whole conversation.
func EstimateHistory(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += Estimate(m)
	}
	return total
}
